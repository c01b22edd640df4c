// Package stt adapts the dialer to the external transcription service
// (spec.md §4.3): preprocessing, empty-audio short-circuiting, the
// multipart upload, and quota/empty detection.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrorKind distinguishes the caller-visible failure modes (spec.md §4.3).
type ErrorKind string

const (
	ErrQuotaExhausted ErrorKind = "quota_exhausted"
	ErrEmptyAudio     ErrorKind = "empty_audio"
	ErrTransient      ErrorKind = "transient"
)

// Error reports a classified STT failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("stt: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

const emptyAudioSentinel = "Empty Audio file"

// minDurationSecs, minRMS and minBytes are the local pre-filter
// thresholds below which a recording is rejected as empty without ever
// calling the transcription service (spec.md §4.3 step 2).
const (
	minDurationSecs = 0.1
	minRMS          = 0.001
	minBytes        = 800
)

// AudioEnhancer preprocesses a raw recording: band-pass filter,
// FFT-denoise, loudness-normalize, resample to 16kHz mono. The enhanced
// copy is archived by the caller for audit.
type AudioEnhancer interface {
	Enhance(ctx context.Context, raw []byte) (enhanced []byte, durationSecs float64, rms float64, err error)
}

// Client is the STT adapter (C3).
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	archiveDir string
	enhancer   AudioEnhancer
	sem        *semaphore.Weighted
}

// Config carries the STT adapter's construction parameters.
type Config struct {
	BaseURL      string
	Token        string
	ArchiveDir   string
	MaxParallel  int64
	Enhancer     AudioEnhancer
}

// New builds an STT client with concurrency capped by MaxParallel.
func New(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		archiveDir: cfg.ArchiveDir,
		enhancer:   cfg.Enhancer,
		sem:        semaphore.NewWeighted(cfg.MaxParallel),
	}
}

type transcribeResponse struct {
	Text string `json:"text"`
	Data struct {
		Text       string `json:"text"`
		AIResponse struct {
			Result struct {
				Text string `json:"text"`
			} `json:"result"`
		} `json:"aiResponse"`
	} `json:"data"`
	Balance struct {
		Exhausted bool `json:"exhausted"`
	} `json:"balance"`
}

// extractText implements the §4.3 fall-through: data.text → data.data.text
// → data.data.aiResponse.result.text → "".
func extractText(resp transcribeResponse) string {
	if resp.Text != "" {
		return resp.Text
	}
	if resp.Data.Text != "" {
		return resp.Data.Text
	}
	if resp.Data.AIResponse.Result.Text != "" {
		return resp.Data.AIResponse.Result.Text
	}
	return ""
}

func isQuotaPhrase(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "insufficient balance") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "balance exhausted")
}

// Transcribe runs the full pipeline: preprocess, pre-filter, upload,
// extract, classify. sessionID names the archived enhanced-audio copy.
func (c *Client) Transcribe(ctx context.Context, sessionID string, raw []byte, hotwords []string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", &Error{Kind: ErrTransient, Err: err}
	}
	defer c.sem.Release(1)

	enhanced, duration, rms, err := c.enhancer.Enhance(ctx, raw)
	if err != nil {
		return "", &Error{Kind: ErrTransient, Err: fmt.Errorf("enhance: %w", err)}
	}

	if c.archiveDir != "" {
		go c.archive(sessionID, enhanced)
	}

	if duration < minDurationSecs || rms < minRMS || len(enhanced) < minBytes {
		return "", &Error{Kind: ErrEmptyAudio, Err: fmt.Errorf("recording below minimum thresholds")}
	}

	text, statusCode, err := c.upload(ctx, enhanced, hotwords)
	if err != nil {
		return "", &Error{Kind: ErrTransient, Err: err}
	}

	if statusCode == http.StatusForbidden || isQuotaPhrase(text) {
		return "", &Error{Kind: ErrQuotaExhausted, Err: fmt.Errorf("transcription quota exhausted")}
	}
	if text == emptyAudioSentinel {
		return "", &Error{Kind: ErrEmptyAudio, Err: fmt.Errorf("service reported empty audio")}
	}

	return text, nil
}

// archive writes the enhanced audio copy to the archive directory for
// audit (spec.md §4.3 step 1, §6 persisted artefacts). Best-effort:
// Transcribe starts it on its own goroutine before the pre-filter and
// upload, and a write failure is discarded without logging, so it never
// affects transcription.
func (c *Client) archive(sessionID string, enhanced []byte) {
	name := sessionID
	if name == "" {
		name = "unknown"
	}
	path := filepath.Join(c.archiveDir, fmt.Sprintf("%s-%d.wav", name, time.Now().UnixNano()))
	_ = os.WriteFile(path, enhanced, 0o644)
}

func (c *Client) upload(ctx context.Context, enhanced []byte, hotwords []string) (text string, statusCode int, err error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("audio", "recording.wav")
	if err != nil {
		return "", 0, fmt.Errorf("stt: create form file: %w", err)
	}
	if _, err := part.Write(enhanced); err != nil {
		return "", 0, fmt.Errorf("stt: write audio part: %w", err)
	}
	fields := map[string]string{
		"model":             "default",
		"srt":               "false",
		"inverseNormalizer": "false",
		"timestamp":         "false",
		"spokenPunctuation": "false",
		"punctuation":       "false",
		"numSpeakers":       "0",
		"diarize":           "false",
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return "", 0, fmt.Errorf("stt: write %s field: %w", name, err)
		}
	}
	for _, hw := range hotwords {
		if err := w.WriteField("hotwords[]", hw); err != nil {
			return "", 0, fmt.Errorf("stt: write hotwords field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("stt: close multipart writer: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(uploadCtx, http.MethodPost, c.baseURL+"/transcribe", &body)
	if err != nil {
		return "", 0, fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("gateway-token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("stt: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("stt: read response: %w", err)
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", resp.StatusCode, fmt.Errorf("stt: decode response: %w", err)
	}

	if parsed.Balance.Exhausted {
		return "balance exhausted", resp.StatusCode, nil
	}

	return extractText(parsed), resp.StatusCode, nil
}
