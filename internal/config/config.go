// Package config loads runtime configuration for the dialer process.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the dialer.
// Precedence: CLI flags > environment variables > defaults.
type Config struct {
	// Telephony control API (ARI-style REST + event stream).
	ARIBaseURL string
	ARIWSURL   string
	ARIAppName string
	ARIUser    string
	ARIPass    string
	ARITimeout time.Duration

	// Outbound dialing.
	OutboundTrunk           string
	OutboundNumbers         []string
	DefaultCallerID         string
	OriginationTimeout      time.Duration
	MaxConcurrentCalls      int
	MaxCallsPerMinute       int
	MaxCallsPerDay          int
	MaxOriginationsPerSec   float64
	MaxConcurrentInbound    int
	MaxConcurrentOutbound   int
	DialerBatchSize         int
	DialerDefaultRetry      time.Duration
	StaticContacts          []string
	FailAlertThreshold      int

	// Operator transfer.
	OperatorExtension string
	OperatorTrunk     string
	OperatorCallerID  string
	OperatorTimeout   time.Duration
	OperatorNumbers   []string // OPERATOR_MOBILE_NUMBERS static fallback roster

	// Campaign panel.
	PanelBaseURL   string
	PanelAPIToken  string
	Company        string
	ScenariosDir   string
	PanelQueueSize int

	// STT service.
	STTBaseURL  string
	STTToken    string
	STTTimeout  time.Duration
	STTArchive  string
	MaxParallel struct {
		STT int
		TTS int
		LLM int
	}

	// LLM service.
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// SMS alerting.
	SMSAPIKey string
	SMSFrom   string
	SMSAdmins []string

	// HTTP client tuning.
	HTTPMaxConnections int

	// Observability.
	LogLevel   string
	LogFormat  string
	LogDir     string
	MetricsAddr string
}

const (
	defaultARITimeout         = 10 * time.Second
	defaultOriginationTimeout = 30 * time.Second
	defaultOperatorTimeout    = 25 * time.Second
	defaultDialerRetry        = 5 * time.Second
	defaultSTTTimeout         = 30 * time.Second
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
	defaultLogDir             = "./logs"
	defaultMetricsAddr        = ":9090"
	defaultPanelQueueSize     = 500
)

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("dialer", flag.ContinueOnError)

	fs.StringVar(&cfg.ARIBaseURL, "ari-base-url", "", "telephony control API base URL")
	fs.StringVar(&cfg.ARIWSURL, "ari-ws-url", "", "telephony event stream websocket URL")
	fs.StringVar(&cfg.ARIAppName, "ari-app-name", "dialer", "stasis application name")
	fs.StringVar(&cfg.ARIUser, "ari-username", "", "telephony control API username")
	fs.StringVar(&cfg.ARIPass, "ari-password", "", "telephony control API password")
	fs.DurationVar(&cfg.ARITimeout, "ari-timeout", defaultARITimeout, "per-call telephony API deadline")

	fs.StringVar(&cfg.OutboundTrunk, "outbound-trunk", "", "outbound trunk identity")
	fs.StringVar(&cfg.DefaultCallerID, "default-caller-id", "", "fallback caller id for originations")
	fs.DurationVar(&cfg.OriginationTimeout, "origination-timeout", defaultOriginationTimeout, "max wait for NewChannel after originate")
	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", 8, "max concurrent calls per line")
	fs.IntVar(&cfg.MaxCallsPerMinute, "max-calls-per-minute", 30, "max calls per line per rolling minute")
	fs.IntVar(&cfg.MaxCallsPerDay, "max-calls-per-day", 2000, "max calls per line per local day")
	fs.Float64Var(&cfg.MaxOriginationsPerSec, "max-originations-per-second", 2, "global origination throttle")
	fs.IntVar(&cfg.MaxConcurrentInbound, "max-concurrent-inbound-calls", 50, "global inbound concurrency cap")
	fs.IntVar(&cfg.MaxConcurrentOutbound, "max-concurrent-outbound-calls", 50, "global outbound concurrency cap")
	fs.IntVar(&cfg.DialerBatchSize, "dialer-batch-size", 25, "contacts requested per panel batch")
	fs.DurationVar(&cfg.DialerDefaultRetry, "dialer-default-retry", defaultDialerRetry, "sleep interval while paused or idle")
	var staticContacts string
	fs.StringVar(&staticContacts, "static-contacts", "", "comma-separated static contact phone numbers (used when the panel is disabled)")
	fs.IntVar(&cfg.FailAlertThreshold, "fail-alert-threshold", 5, "consecutive origination failures before auto-pause")

	fs.StringVar(&cfg.OperatorExtension, "operator-extension", "", "operator transfer extension/endpoint prefix")
	fs.StringVar(&cfg.OperatorTrunk, "operator-trunk", "", "trunk used to reach operators")
	fs.StringVar(&cfg.OperatorCallerID, "operator-caller-id", "", "fallback caller id for operator legs")
	fs.DurationVar(&cfg.OperatorTimeout, "operator-timeout", defaultOperatorTimeout, "max wait for operator answer")

	fs.StringVar(&cfg.PanelBaseURL, "panel-base-url", "", "campaign panel base URL")
	fs.StringVar(&cfg.PanelAPIToken, "panel-api-token", "", "campaign panel bearer token")
	fs.StringVar(&cfg.Company, "company", "", "company identifier sent to the panel")
	fs.StringVar(&cfg.ScenariosDir, "scenarios-dir", "./scenarios", "directory of scenario YAML files")
	fs.IntVar(&cfg.PanelQueueSize, "panel-queue-size", defaultPanelQueueSize, "bounded panel report retry queue size")

	fs.StringVar(&cfg.STTBaseURL, "stt-base-url", "", "transcription service base URL")
	fs.StringVar(&cfg.STTToken, "stt-token", "", "transcription service gateway token")
	fs.DurationVar(&cfg.STTTimeout, "stt-timeout", defaultSTTTimeout, "transcription request deadline")
	fs.StringVar(&cfg.STTArchive, "stt-archive-dir", "./archive", "directory for enhanced audio archival")
	fs.IntVar(&cfg.MaxParallel.STT, "max-parallel-stt", 4, "max concurrent transcription requests")
	fs.IntVar(&cfg.MaxParallel.TTS, "max-parallel-tts", 4, "max concurrent playback preparations")
	fs.IntVar(&cfg.MaxParallel.LLM, "max-parallel-llm", 4, "max concurrent classification requests")

	fs.StringVar(&cfg.LLMBaseURL, "llm-base-url", "", "OpenAI-compatible chat completions base URL")
	fs.StringVar(&cfg.LLMAPIKey, "llm-api-key", "", "LLM API key")
	fs.StringVar(&cfg.LLMModel, "llm-model", "gpt-4o-mini", "LLM model id")

	fs.StringVar(&cfg.SMSAPIKey, "sms-api-key", "", "SMS gateway API key")
	fs.StringVar(&cfg.SMSFrom, "sms-from", "", "SMS sender id")

	fs.IntVar(&cfg.HTTPMaxConnections, "http-max-connections", 32, "max idle HTTP connections per host")

	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogDir, "log-dir", defaultLogDir, "directory for rotated per-outcome log files")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetricsAddr, "listen address for /healthz and /metrics")

	var outboundNumbers, smsAdmins, operatorNumbers string
	fs.StringVar(&outboundNumbers, "outbound-numbers", "", "comma-separated list of outbound line phone numbers")
	fs.StringVar(&smsAdmins, "sms-admins", "", "comma-separated list of admin phone numbers for SMS alerts")
	fs.StringVar(&operatorNumbers, "operator-mobile-numbers", "", "comma-separated static operator roster fallback")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, &outboundNumbers, &smsAdmins, &operatorNumbers, &staticContacts)

	cfg.OutboundNumbers = splitCSV(outboundNumbers)
	cfg.SMSAdmins = splitCSV(smsAdmins)
	cfg.OperatorNumbers = splitCSV(operatorNumbers)
	cfg.StaticContacts = splitCSV(staticContacts)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envVars maps flag name to the environment variable spec.md names for it.
// Flags without an entry here have no environment override and are set
// only on the command line (or keep their default).
var envVars = map[string]string{
	"ari-base-url":                "ARI_BASE_URL",
	"ari-ws-url":                  "ARI_WS_URL",
	"ari-app-name":                "ARI_APP_NAME",
	"ari-username":                "ARI_USERNAME",
	"ari-password":                "ARI_PASSWORD",
	"ari-timeout":                 "ARI_TIMEOUT",
	"outbound-trunk":              "OUTBOUND_TRUNK",
	"outbound-numbers":            "OUTBOUND_NUMBERS",
	"default-caller-id":           "DEFAULT_CALLER_ID",
	"origination-timeout":         "ORIGINATION_TIMEOUT",
	"max-concurrent-calls":        "MAX_CONCURRENT_CALLS",
	"max-calls-per-minute":        "MAX_CALLS_PER_MINUTE",
	"max-calls-per-day":           "MAX_CALLS_PER_DAY",
	"max-originations-per-second": "MAX_ORIGINATIONS_PER_SECOND",
	"max-concurrent-inbound-calls":  "MAX_CONCURRENT_INBOUND_CALLS",
	"max-concurrent-outbound-calls": "MAX_CONCURRENT_OUTBOUND_CALLS",
	"dialer-batch-size":          "DIALER_BATCH_SIZE",
	"dialer-default-retry":       "DIALER_DEFAULT_RETRY",
	"static-contacts":            "STATIC_CONTACTS",
	"fail-alert-threshold":       "FAIL_ALERT_THRESHOLD",
	"operator-extension":         "OPERATOR_EXTENSION",
	"operator-trunk":             "OPERATOR_TRUNK",
	"operator-caller-id":         "OPERATOR_CALLER_ID",
	"operator-timeout":           "OPERATOR_TIMEOUT",
	"operator-mobile-numbers":    "OPERATOR_MOBILE_NUMBERS",
	"panel-base-url":             "PANEL_BASE_URL",
	"panel-api-token":            "PANEL_API_TOKEN",
	"company":                    "COMPANY",
	"scenarios-dir":              "SCENARIOS_DIR",
	"sms-api-key":                "SMS_API_KEY",
	"sms-from":                   "SMS_FROM",
	"sms-admins":                 "SMS_ADMINS",
	"http-max-connections":       "HTTP_MAX_CONNECTIONS",
	"log-level":                  "LOG_LEVEL",
}

// applyEnvOverrides checks the environment variable of every flag listed in
// envVars that was not explicitly set on the command line, preserving
// CLI > env > default precedence for those flags.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, outboundNumbers, smsAdmins, operatorNumbers, staticContacts *string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	get := func(flagName string) (string, bool) {
		if set[flagName] {
			return "", false
		}
		envName, ok := envVars[flagName]
		if !ok {
			return "", false
		}
		v, ok := os.LookupEnv(envName)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := get("ari-base-url"); ok {
		cfg.ARIBaseURL = v
	}
	if v, ok := get("ari-ws-url"); ok {
		cfg.ARIWSURL = v
	}
	if v, ok := get("ari-app-name"); ok {
		cfg.ARIAppName = v
	}
	if v, ok := get("ari-username"); ok {
		cfg.ARIUser = v
	}
	if v, ok := get("ari-password"); ok {
		cfg.ARIPass = v
	}
	if v, ok := get("ari-timeout"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ARITimeout = d
		}
	}
	if v, ok := get("outbound-trunk"); ok {
		cfg.OutboundTrunk = v
	}
	if v, ok := get("outbound-numbers"); ok {
		*outboundNumbers = v
	}
	if v, ok := get("default-caller-id"); ok {
		cfg.DefaultCallerID = v
	}
	if v, ok := get("origination-timeout"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OriginationTimeout = d
		}
	}
	if v, ok := get("max-concurrent-calls"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentCalls = n
		}
	}
	if v, ok := get("max-calls-per-minute"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCallsPerMinute = n
		}
	}
	if v, ok := get("max-calls-per-day"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCallsPerDay = n
		}
	}
	if v, ok := get("max-originations-per-second"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MaxOriginationsPerSec = f
		}
	}
	if v, ok := get("max-concurrent-inbound-calls"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentInbound = n
		}
	}
	if v, ok := get("max-concurrent-outbound-calls"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentOutbound = n
		}
	}
	if v, ok := get("dialer-batch-size"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DialerBatchSize = n
		}
	}
	if v, ok := get("dialer-default-retry"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DialerDefaultRetry = d
		}
	}
	if v, ok := get("static-contacts"); ok {
		*staticContacts = v
	}
	if v, ok := get("fail-alert-threshold"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FailAlertThreshold = n
		}
	}
	if v, ok := get("operator-extension"); ok {
		cfg.OperatorExtension = v
	}
	if v, ok := get("operator-trunk"); ok {
		cfg.OperatorTrunk = v
	}
	if v, ok := get("operator-caller-id"); ok {
		cfg.OperatorCallerID = v
	}
	if v, ok := get("operator-timeout"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OperatorTimeout = d
		}
	}
	if v, ok := get("operator-mobile-numbers"); ok {
		*operatorNumbers = v
	}
	if v, ok := get("panel-base-url"); ok {
		cfg.PanelBaseURL = v
	}
	if v, ok := get("panel-api-token"); ok {
		cfg.PanelAPIToken = v
	}
	if v, ok := get("company"); ok {
		cfg.Company = v
	}
	if v, ok := get("scenarios-dir"); ok {
		cfg.ScenariosDir = v
	}
	if v, ok := get("sms-api-key"); ok {
		cfg.SMSAPIKey = v
	}
	if v, ok := get("sms-from"); ok {
		cfg.SMSFrom = v
	}
	if v, ok := get("sms-admins"); ok {
		*smsAdmins = v
	}
	if v, ok := get("http-max-connections"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPMaxConnections = n
		}
	}
	if v, ok := get("log-level"); ok {
		cfg.LogLevel = v
	}
}

// validate checks that configuration values are internally consistent.
func (c *Config) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MaxOriginationsPerSec <= 0 {
		return fmt.Errorf("max-originations-per-second must be positive")
	}
	if c.FailAlertThreshold <= 0 {
		return fmt.Errorf("fail-alert-threshold must be positive")
	}
	if c.MaxParallel.STT <= 0 || c.MaxParallel.LLM <= 0 {
		return fmt.Errorf("max-parallel-stt and max-parallel-llm must be positive")
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the configured format
// and level, writing to w.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level for the configured LogLevel string.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PanelEnabled reports whether a campaign panel is configured.
func (c *Config) PanelEnabled() bool {
	return c.PanelBaseURL != "" && c.PanelAPIToken != ""
}
