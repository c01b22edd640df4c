// Package sms provides a minimal-contract adapter to the external SMS
// gateway used for dialer-pause admin alerts (spec.md §6 lists the SMS
// adapter itself as deliberately out of scope beyond this contract).
package sms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client sends plain-text alerts to a fixed list of admin numbers.
type Client struct {
	httpClient *http.Client
	apiKey     string
	from       string
	admins     []string
}

// Config carries the SMS adapter's construction parameters.
type Config struct {
	APIKey string
	From   string
	Admins []string
}

// Valid reports whether the minimum configuration needed to send is
// present, mirroring the teacher's SMTPConfig.Valid() gate.
func (c Config) Valid() bool {
	return c.APIKey != "" && c.From != "" && len(c.Admins) > 0
}

// New builds an SMS client.
func New(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiKey:     cfg.APIKey,
		from:       cfg.From,
		admins:     cfg.Admins,
	}
}

// Configured reports whether the client has enough configuration to send.
func (c *Client) Configured() bool {
	return c.apiKey != "" && c.from != "" && len(c.admins) > 0
}

// SendPauseAlert notifies every configured admin that the dialer has
// paused itself, along with the reason.
func (c *Client) SendPauseAlert(ctx context.Context, reason string) error {
	if !c.Configured() {
		return fmt.Errorf("sms: not configured")
	}

	body := fmt.Sprintf("dialer paused: %s", reason)

	var errs []string
	for _, to := range c.admins {
		if err := c.send(ctx, to, body); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", to, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sms: delivery failures: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Client) send(ctx context.Context, to, body string) error {
	form := url.Values{
		"api_key": {c.apiKey},
		"from":    {c.from},
		"to":      {to},
		"body":    {body},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://sms-gateway.example.invalid/v1/send",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms: gateway returned status %d", resp.StatusCode)
	}
	return nil
}
