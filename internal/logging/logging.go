// Package logging builds the dedicated, rotated outcome log files the
// dialer writes alongside its main structured application log:
// hangups.log, userdrop.log, positive_stt.log, negative_stt.log and
// unknown_stt.log. Each rotates at 5MB with 5 backups kept.
package logging

import (
	"log/slog"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 5
	maxBackups = 5
)

// Outcome loggers, one per dedicated log file spec.md §6 requires.
type Outcome struct {
	Hangups      *slog.Logger
	UserDrop     *slog.Logger
	PositiveSTT  *slog.Logger
	NegativeSTT  *slog.Logger
	UnknownSTT   *slog.Logger
}

// NewOutcome creates the rotating per-outcome loggers under dir.
func NewOutcome(dir string) *Outcome {
	mk := func(name string) *slog.Logger {
		w := &lumberjack.Logger{
			Filename:   filepath.Join(dir, name),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   false,
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Outcome{
		Hangups:     mk("hangups.log"),
		UserDrop:    mk("userdrop.log"),
		PositiveSTT: mk("positive_stt.log"),
		NegativeSTT: mk("negative_stt.log"),
		UnknownSTT:  mk("unknown_stt.log"),
	}
}

// LogIntent routes a classified transcript to the positive/negative/unknown
// STT log based on the resolved intent category, grounded on the dialer's
// need to keep a human-reviewable trail of what callers said.
func (o *Outcome) LogIntent(sessionID, intent, transcript string) {
	switch intent {
	case "yes":
		o.PositiveSTT.Info("classified", "session_id", sessionID, "intent", intent, "transcript", transcript)
	case "no":
		o.NegativeSTT.Info("classified", "session_id", sessionID, "intent", intent, "transcript", transcript)
	default:
		o.UnknownSTT.Info("classified", "session_id", sessionID, "intent", intent, "transcript", transcript)
	}
}
