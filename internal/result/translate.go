// Package result implements the Result Translator (C9): a static
// bidirectional mapping between internal call outcome codes and the
// panel's status vocabulary, with an at-most-once-per-session reporting
// guarantee.
package result

import "sync"

// Status is a panel-facing outcome status.
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusNotInterested Status = "NOT_INTERESTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusUnknown      Status = "UNKNOWN"
	StatusHangup       Status = "HANGUP"
	StatusMissed       Status = "MISSED"
	StatusBusy         Status = "BUSY"
	StatusPowerOff     Status = "POWER_OFF"
	StatusBanned       Status = "BANNED"
	StatusFailed       Status = "FAILED"
)

// mapping entry: target status and whether a transcript should be
// attached to the report.
type entry struct {
	status            Status
	attachTranscript bool
}

// table is the static code → status mapping (spec.md §4.9 / §9).
var table = map[string]entry{
	"connected_to_operator": {StatusConnected, true},
	"not_interested":        {StatusNotInterested, true},
	"disconnected":          {StatusDisconnected, true},
	"unknown":               {StatusUnknown, true},
	"hangup":                {StatusHangup, false},
	"missed":                {StatusMissed, false},
	"user_didnt_answer":     {StatusMissed, false},
	"busy":                  {StatusBusy, false},
	"power_off":             {StatusPowerOff, false},
	"banned":                {StatusBanned, false},
	"failed:stt_failure":    {StatusNotInterested, false},
}

const defaultFailedPrefix = "failed:"

// Translate resolves an internal outcome code into a panel status and
// whether the transcript should be attached to the report. Any code
// prefixed "failed:" other than the explicitly mapped "failed:stt_failure"
// resolves to FAILED without a transcript.
func Translate(code string) (status Status, attachTranscript bool) {
	if e, ok := table[code]; ok {
		return e.status, e.attachTranscript
	}
	if len(code) >= len(defaultFailedPrefix) && code[:len(defaultFailedPrefix)] == defaultFailedPrefix {
		return StatusFailed, false
	}
	return StatusUnknown, false
}

// Tracker enforces at-most-once reporting per session: a duplicate
// report attempt for a session that already reported must not raise
// (spec.md §7 — "a duplicate report attempt must not raise"), it is
// simply ignored.
type Tracker struct {
	mu       sync.Mutex
	reported map[string]bool
}

// NewTracker builds an empty reporting tracker.
func NewTracker() *Tracker {
	return &Tracker{reported: make(map[string]bool)}
}

// ShouldReport returns true and marks sessionID as reported the first
// time it is called for that session; every subsequent call returns
// false.
func (t *Tracker) ShouldReport(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reported[sessionID] {
		return false
	}
	t.reported[sessionID] = true
	return true
}

// Forget removes a session from the tracker, for use once its cleanup is
// fully complete and its session-id slot could conceivably be reused.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reported, sessionID)
}
