// Package llm adapts the dialer to an OpenAI-compatible chat-completion
// endpoint for intent classification (spec.md §4.4), with a
// substring-match fallback classifier for when the model is unreachable.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"golang.org/x/sync/semaphore"
)

// ErrorKind distinguishes the caller-visible failure modes (spec.md §4.4).
type ErrorKind string

const (
	ErrQuotaExhausted ErrorKind = "quota_exhausted"
	ErrTransient       ErrorKind = "transient"
	ErrMalformed       ErrorKind = "malformed"
)

// Error reports a classified LLM failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Client is the LLM adapter (C4).
type Client struct {
	client oai.Client
	model  string
	sem    *semaphore.Weighted
}

// Config carries the LLM adapter's construction parameters.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxParallel int64
}

// New builds an LLM client with concurrency capped by MaxParallel.
func New(cfg Config) *Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client: oai.NewClient(reqOpts...),
		model:  cfg.Model,
		sem:    semaphore.NewWeighted(cfg.MaxParallel),
	}
}

func isQuotaPhrase(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "billing")
}

// Classify substitutes transcript into the scenario's prompt template and
// returns the model's trimmed, lower-cased first-choice response.
func (c *Client) Classify(ctx context.Context, promptTemplate, transcript string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", &Error{Kind: ErrTransient, Err: err}
	}
	defer c.sem.Release(1)

	prompt := strings.ReplaceAll(promptTemplate, "{transcript}", transcript)

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    []oai.ChatCompletionMessageParamUnion{oai.UserMessage(prompt)},
		Temperature: param.NewOpt(0.25),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if (errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden) || isQuotaPhrase(err.Error()) {
			return "", &Error{Kind: ErrQuotaExhausted, Err: err}
		}
		return "", &Error{Kind: ErrTransient, Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: ErrMalformed, Err: fmt.Errorf("empty choices in response")}
	}

	content := strings.TrimSpace(strings.ToLower(resp.Choices[0].Message.Content))
	if content == "" {
		return "", &Error{Kind: ErrMalformed, Err: fmt.Errorf("empty message content")}
	}

	return content, nil
}

// Fallback applies scenario-declared fallback tokens against transcript by
// substring match; the first category whose tokens match wins, otherwise
// "unknown". Used only on transient/malformed errors, never on
// quota_exhausted (spec.md §4.4 — that must pause the dialer instead).
func Fallback(transcript string, fallbacks map[string][]string) string {
	lower := strings.ToLower(transcript)

	var categories []string
	for category := range fallbacks {
		categories = append(categories, category)
	}
	sortStrings(categories)

	for _, category := range categories {
		for _, token := range fallbacks[category] {
			if token == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(token)) {
				return category
			}
		}
	}
	return "unknown"
}

// sortStrings keeps Fallback's category scan order deterministic without
// pulling in sort for what is otherwise a three-element slice in practice.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
