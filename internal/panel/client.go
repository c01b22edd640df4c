// Package panel adapts the dialer to the campaign panel's HTTP API
// (spec.md §4.5): scenario/line registration, batch fetch, and result
// reporting, the latter backed by a bounded retry queue so panel
// outages never abort a call.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the Panel Adapter (C5).
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	company    string
}

// Config carries the panel adapter's construction parameters.
type Config struct {
	BaseURL string
	Token   string
	Company string
	Timeout time.Duration
}

// New builds a panel client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		company:    cfg.Company,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("panel: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("panel: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("panel: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("panel: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		msg := string(raw)
		if json.Unmarshal(raw, &env) == nil && env.Error != "" {
			msg = env.Error
		}
		return fmt.Errorf("panel: status %d: %s", resp.StatusCode, msg)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Data != nil {
		return json.Unmarshal(env.Data, out)
	}
	return json.Unmarshal(raw, out)
}

// ScenarioRef is a scenario registered with the panel at startup.
type ScenarioRef struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// RegisterScenarios publishes the full set of locally-loaded scenarios.
func (c *Client) RegisterScenarios(ctx context.Context, scenarios []ScenarioRef) error {
	body := map[string]any{"company": c.company, "scenarios": scenarios}
	return c.do(ctx, http.MethodPost, "/register_scenarios", body, nil)
}

// LineRef is an outbound line registered with the panel at startup.
type LineRef struct {
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
}

// RegisterOutboundLines publishes the configured outbound lines.
func (c *Client) RegisterOutboundLines(ctx context.Context, lines []LineRef) error {
	body := map[string]any{"company": c.company, "lines": lines}
	return c.do(ctx, http.MethodPost, "/register_outbound_lines", body, nil)
}

// Contact is a single dial target returned by get_next_batch.
type Contact struct {
	ID          string         `json:"id"`
	PhoneNumber string         `json:"phone_number"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ActiveScenario names a scenario the panel currently wants used.
type ActiveScenario struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OutboundLine is a line the panel is handing back as available.
type OutboundLine struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
}

// AgentRef is a single operator the panel currently has on duty for
// either inbound or outbound transfer.
type AgentRef struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
}

// Batch is the panel's reply to get_next_batch.
type Batch struct {
	CallAllowed     bool             `json:"call_allowed"`
	Contacts        []Contact        `json:"contacts"`
	ActiveScenarios []ActiveScenario `json:"active_scenarios"`
	OutboundLines   []OutboundLine   `json:"outbound_lines"`
	InboundAgents   []AgentRef       `json:"inbound_agents"`
	OutboundAgents  []AgentRef       `json:"outbound_agents"`
}

// GetNextBatch requests up to size new contacts plus the panel's current
// view of scenario/line/agent state.
func (c *Client) GetNextBatch(ctx context.Context, size int) (Batch, error) {
	var out Batch
	body := map[string]any{"company": c.company, "size": size}
	err := c.do(ctx, http.MethodPost, "/get_next_batch", body, &out)
	return out, err
}

// Result is a single terminal outcome report (spec.md §4.5 field list).
type Result struct {
	Company         string  `json:"company"`
	NumberID        string  `json:"number_id,omitempty"`
	PhoneNumber     string  `json:"phone_number"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason,omitempty"`
	AttemptedAt     string  `json:"attempted_at"`
	ScenarioID      string  `json:"scenario_id,omitempty"`
	OutboundLineID  string  `json:"outbound_line_id,omitempty"`
	AgentID         string  `json:"agent_id,omitempty"`
	AgentPhone      string  `json:"agent_phone,omitempty"`
	UserMessage     string  `json:"user_message,omitempty"`
}

// ReportResult transmits a single result synchronously. Callers that want
// at-least-once delivery under panel outages should go through a
// ReportQueue instead.
func (c *Client) ReportResult(ctx context.Context, r Result) error {
	r.Company = c.company
	return c.do(ctx, http.MethodPost, "/report_result", r, nil)
}
