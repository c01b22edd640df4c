// Command dialer runs the outbound/inbound call-control engine as a
// single long-running process: no subcommands, SIGINT/SIGTERM trigger
// orderly shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/dialer/internal/config"
	"github.com/flowpbx/dialer/internal/dialer"
	"github.com/flowpbx/dialer/internal/flow"
	"github.com/flowpbx/dialer/internal/llm"
	"github.com/flowpbx/dialer/internal/logging"
	"github.com/flowpbx/dialer/internal/metrics"
	"github.com/flowpbx/dialer/internal/panel"
	"github.com/flowpbx/dialer/internal/result"
	"github.com/flowpbx/dialer/internal/scenario"
	"github.com/flowpbx/dialer/internal/session"
	"github.com/flowpbx/dialer/internal/sms"
	"github.com/flowpbx/dialer/internal/stt"
	"github.com/flowpbx/dialer/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	outcome := logging.NewOutcome(cfg.LogDir)

	logger.Info("starting dialer",
		"company", cfg.Company,
		"panel_enabled", cfg.PanelEnabled(),
		"scenarios_dir", cfg.ScenariosDir,
	)

	registry, err := scenario.Load(cfg.ScenariosDir)
	if err != nil {
		logger.Error("failed to load scenarios", "error", err)
		os.Exit(1)
	}

	telClient := telephony.New(telephony.Config{
		BaseURL:        cfg.ARIBaseURL,
		AppName:        cfg.ARIAppName,
		User:           cfg.ARIUser,
		Pass:           cfg.ARIPass,
		Timeout:        cfg.ARITimeout,
		MaxConnections: cfg.HTTPMaxConnections,
	})

	sttClient := stt.New(stt.Config{
		BaseURL:     cfg.STTBaseURL,
		Token:       cfg.STTToken,
		ArchiveDir:  cfg.STTArchive,
		MaxParallel: int64(cfg.MaxParallel.STT),
		Enhancer:    noopEnhancer{},
	})

	llmClient := llm.New(llm.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		MaxParallel: int64(cfg.MaxParallel.LLM),
	})

	panelClient := panel.New(panel.Config{
		BaseURL: cfg.PanelBaseURL,
		Token:   cfg.PanelAPIToken,
		Company: cfg.Company,
	})
	reportQueue := panel.NewReportQueue(panelClient, cfg.PanelQueueSize, logger)

	smsClient := sms.New(sms.Config{APIKey: cfg.SMSAPIKey, From: cfg.SMSFrom, Admins: cfg.SMSAdmins})

	lines := make([]*session.Line, 0, len(cfg.OutboundNumbers))
	for i, number := range cfg.OutboundNumbers {
		lines = append(lines, session.NewLine(fmt.Sprintf("line-%d", i), number, number))
	}
	sessions := session.NewManager(logger, lines)

	if cfg.PanelEnabled() {
		registerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		scenarioRefs := make([]panel.ScenarioRef, 0, len(registry.All(cfg.Company)))
		for _, sc := range registry.All(cfg.Company) {
			scenarioRefs = append(scenarioRefs, panel.ScenarioRef{Name: sc.Name, DisplayName: sc.DisplayName})
		}
		if err := panelClient.RegisterScenarios(registerCtx, scenarioRefs); err != nil {
			logger.Warn("register_scenarios failed", "error", err)
		}

		lineRefs := make([]panel.LineRef, 0, len(lines))
		for _, l := range lines {
			lineRefs = append(lineRefs, panel.LineRef{PhoneNumber: l.PhoneNumber, DisplayName: l.DisplayName})
		}
		if err := panelClient.RegisterOutboundLines(registerCtx, lineRefs); err != nil {
			logger.Warn("register_outbound_lines failed", "error", err)
		}
		cancel()
	}

	tracker := result.NewTracker()

	reporter := func(sess *session.Session, resultCode string) {
		if !tracker.ShouldReport(sess.ID) {
			return
		}
		status, attachTranscript := result.Translate(resultCode)

		r := panel.Result{
			PhoneNumber: sess.PhoneNumber,
			NumberID:    sess.NumberID,
			Status:      string(status),
			Reason:      resultCode,
			AttemptedAt: time.Now().UTC().Format(time.RFC3339),
			AgentID:     sess.AgentID,
			AgentPhone:  sess.AgentPhone,
		}
		if sess.Direction == session.DirectionOutbound && sess.LineID != "" && sess.LineID != session.UnmappedLineID {
			r.OutboundLineID = sess.LineID
		}
		if attachTranscript {
			r.UserMessage = sess.LastTranscript
		}

		reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := panelClient.ReportResult(reportCtx, r)
		cancel()
		if err != nil {
			reportQueue.Enqueue(r)
		}
	}

	roster := session.NewAgentRoster()

	operatorCfg := flow.OperatorConfig{
		Trunk:     cfg.OperatorTrunk,
		Extension: cfg.OperatorExtension,
		CallerID:  cfg.OperatorCallerID,
		Timeout:   cfg.OperatorTimeout,
	}
	flowEngine := flow.New(telClient, sttClient, llmClient, sessions, roster, operatorCfg, telClient, outcome, reporter, logger)

	orchestrator := session.NewOrchestrator(
		session.OrchestratorConfig{Company: cfg.Company, MaxConcurrentPerLine: cfg.MaxConcurrentCalls},
		telClient, registry, sessions, roster, flowEngine.Run, reporter, tracker.Forget, outcome.Hangups, outcome.UserDrop, logger,
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	go reportQueue.Run(appCtx)

	panelAdapter := &panelAdapter{client: panelClient, enabled: cfg.PanelEnabled()}

	dialerCfg := dialer.Config{
		OutboundTrunk:         cfg.OutboundTrunk,
		DefaultCallerID:       cfg.DefaultCallerID,
		OriginationTimeout:    cfg.OriginationTimeout,
		MaxConcurrentCalls:    cfg.MaxConcurrentCalls,
		MaxCallsPerMinute:     cfg.MaxCallsPerMinute,
		MaxCallsPerDay:        cfg.MaxCallsPerDay,
		MaxOriginationsPerSec: cfg.MaxOriginationsPerSec,
		BatchSize:             cfg.DialerBatchSize,
		DefaultRetry:          cfg.DialerDefaultRetry,
		StaticContacts:        cfg.StaticContacts,
		FailAlertThreshold:    cfg.FailAlertThreshold,
		OperatorNumbers:       cfg.OperatorNumbers,
	}
	d := dialer.New(dialerCfg, cfg.Company, telClient, sessions, registry, panelAdapter, smsClient, roster, orchestrator.Cleanup, logger)
	flowEngine.SetPauser(d)

	go d.Run(appCtx)

	consumer := telephony.NewConsumer(cfg.ARIWSURL, cfg.ARIAppName, logger, orchestrator.EventKey, orchestrator.OnEvent)
	go consumer.Run(appCtx)

	collector := metrics.NewCollector(sessions, lineProviderAdapter{sessions: sessions}, dialerStateAdapter{d: d}, reportQueue, time.Now())
	opsServer := metrics.NewServer(collector)
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: opsServer}
	go func() {
		logger.Info("ops server listening", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	appCancel()
	orchestrator.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	reportQueue.Drain(shutdownCtx)

	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info("dialer stopped")
}

// noopEnhancer is a placeholder AudioEnhancer; real deployments wire in
// the external audio preprocessing tool named in spec.md §4.3.
type noopEnhancer struct{}

func (noopEnhancer) Enhance(ctx context.Context, raw []byte) ([]byte, float64, float64, error) {
	return raw, 1.0, 1.0, nil
}

type lineProviderAdapter struct {
	sessions *session.Manager
}

func (a lineProviderAdapter) LineOccupancy() []metrics.LineEntry {
	snap := a.sessions.LineOccupancySnapshot()
	out := make([]metrics.LineEntry, len(snap))
	for i, l := range snap {
		out[i] = metrics.LineEntry{ID: l.ID, OutboundInFlight: l.OutboundInFlight, InboundInFlight: l.InboundInFlight}
	}
	return out
}

type panelAdapter struct {
	client  *panel.Client
	enabled bool
}

func (p *panelAdapter) GetNextBatch(ctx context.Context, size int) (panel.Batch, error) {
	return p.client.GetNextBatch(ctx, size)
}

func (p *panelAdapter) SetCallAllowed(allowed bool) {
	// Best-effort; panel has no dedicated "set_call_allowed" endpoint in
	// spec.md §4.5, it is communicated implicitly by subsequent batch
	// responses, so this is a no-op placeholder for wiring symmetry.
}

func (p *panelAdapter) Enabled() bool { return p.enabled }

type dialerStateAdapter struct {
	d *dialer.Dialer
}

func (a dialerStateAdapter) Paused() bool {
	paused, _ := a.d.IsPaused()
	return paused
}
