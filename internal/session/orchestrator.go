package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/flowpbx/dialer/internal/scenario"
	"github.com/flowpbx/dialer/internal/telephony"
)

// FlowRunner walks a scenario's graph for a session until it reaches a
// terminal step or an unrecoverable error. Its shape mirrors
// flow.Engine.Run exactly; the Orchestrator depends on this function
// type rather than the flow package directly, since flow already imports
// session and a reverse import would cycle.
type FlowRunner func(ctx context.Context, sess *Session, sc *scenario.Scenario, graph map[string]scenario.Step, entryStepID string) error

// Reporter hands a session's terminal result to whatever reports it to
// the campaign panel, decoupling the Orchestrator from the Result
// Translator and Panel Adapter the same way flow.Reporter decouples the
// flow engine from them.
type Reporter func(sess *Session, resultCode string)

// TelephonyClient is the subset of telephony.Client the Orchestrator
// calls directly; narrowed to an interface so orchestrator tests can
// drive the event-handling state machine against a fake instead of a
// real telephony server.
type TelephonyClient interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string, cause int) error
	CreateBridge(ctx context.Context) (string, error)
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	GetChannelVar(ctx context.Context, channelID, name string) (string, error)
}

// OrchestratorConfig carries the Orchestrator's non-collaborator
// tunables.
type OrchestratorConfig struct {
	Company              string
	MaxConcurrentPerLine int
}

// Orchestrator is the Session Manager's on_event handler (spec.md §5,
// §7): it turns telephony events into session lifecycle transitions and
// drives each session's scenario flow, exactly once, to completion.
type Orchestrator struct {
	cfg      OrchestratorConfig
	tel      TelephonyClient
	registry *scenario.Registry
	sessions *Manager
	roster   *AgentRoster
	runFlow  FlowRunner
	report   Reporter
	forget   func(sessionID string)
	hangups  *slog.Logger
	userDrop *slog.Logger
	logger   *slog.Logger

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]telephony.Event // channelID -> NewChannel event, queued behind a saturated line
}

// NewOrchestrator wires an Orchestrator to its collaborators. hangups is
// the dedicated rotating hangup-outcome logger and userDrop the dedicated
// caller-drop logger (spec.md §6). forget is called once a session's
// final report has been handed off, so the result.Tracker's
// already-reported set doesn't grow unbounded for the life of the
// process; a nil forget is accepted for callers that don't need it (e.g.
// tests).
func NewOrchestrator(cfg OrchestratorConfig, tel TelephonyClient, registry *scenario.Registry,
	sessions *Manager, roster *AgentRoster, runFlow FlowRunner, report Reporter, forget func(sessionID string),
	hangups, userDrop, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		tel:      tel,
		registry: registry,
		sessions: sessions,
		roster:   roster,
		runFlow:  runFlow,
		report:   report,
		forget:   forget,
		hangups:  hangups,
		userDrop: userDrop,
		logger:   logger.With("subsystem", "orchestrator"),
		cancels:  make(map[string]context.CancelFunc),
		pending:  make(map[string]telephony.Event),
	}
}

// EventKey resolves an event to its telephony.NewConsumer serialization
// key, so events for the same session are always applied in stream order
// no matter how the consumer schedules the goroutines that carry them
// (spec.md §4.2, §5, §7). A channel-carrying event always keys on its raw
// channel id, deliberately never upgraded to a session id once one
// exists: a NewChannel event is dispatched (and its key resolved) before
// the session it creates is registered, while the very next event for
// that same channel may be dispatched after registration — resolving
// both to the channel id, instead of letting one resolve to a session id
// once available, is what keeps them on the same worker and thus in
// order. Playback/recording events, which can only ever be emitted after
// BindPlayback/BindRecording already ran (there is no equivalent
// bootstrap race for them), are folded into their owning session's
// customer-channel key so the whole session serializes as one stream.
func (o *Orchestrator) EventKey(evt telephony.Event) string {
	if evt.ChannelID != "" {
		return "channel:" + evt.ChannelID
	}
	if evt.PlaybackID != "" {
		if sess, ok := o.sessions.BySessionForPlayback(evt.PlaybackID); ok {
			sess.Lock()
			channelID := sess.CustomerLeg.ChannelID
			sess.Unlock()
			return "channel:" + channelID
		}
		return "playback:" + evt.PlaybackID
	}
	if evt.RecordingID != "" {
		if sess, ok := o.sessions.BySessionForRecording(evt.RecordingID); ok {
			sess.Lock()
			channelID := sess.CustomerLeg.ChannelID
			sess.Unlock()
			return "channel:" + channelID
		}
		return "recording:" + evt.RecordingID
	}
	return ""
}

// OnEvent is the Handler passed to telephony.NewConsumer. It must never
// block the read loop for long; all telephony calls it makes use short,
// independent deadlines.
func (o *Orchestrator) OnEvent(evt telephony.Event) {
	switch evt.Kind {
	case telephony.EventNewChannel:
		o.onNewChannel(evt)
	case telephony.EventChannelStateChange:
		o.onStateChange(evt)
	case telephony.EventChannelHangupReq, telephony.EventChannelDestroyed:
		o.onHangup(evt)
	case telephony.EventPlaybackFinished:
		o.onPlaybackFinished(evt)
	case telephony.EventRecordingFinished:
		o.onRecordingFinished(evt, false)
	case telephony.EventRecordingFailed:
		o.onRecordingFinished(evt, true)
	case telephony.EventDial:
		o.logger.Debug("dial progress", "channel_id", evt.ChannelID, "state", evt.State)
	default:
		o.logger.Debug("unhandled event kind", "kind", evt.Kind)
	}
}

func (o *Orchestrator) onNewChannel(evt telephony.Event) {
	if evt.Direction != "inbound" {
		return
	}
	if _, ok := o.sessions.BySessionForChannel(evt.ChannelID); ok {
		return
	}
	o.startInbound(evt)
}

// startInbound admits a new inbound call: matches it to a configured
// line, enforces the line's concurrency cap by queueing behind it if
// saturated, answers, picks an inbound-capable scenario, and starts the
// flow (spec.md §4.6, §5).
func (o *Orchestrator) startInbound(evt telephony.Event) {
	line, matched := MatchLine(o.sessions.Lines(), evt.DialedNumber)
	lineID := UnmappedLineID
	if matched {
		lineID = line.ID
		snap := line.Snapshot(time.Now())
		if o.cfg.MaxConcurrentPerLine > 0 && snap.OutboundInFlight+snap.InboundInFlight >= o.cfg.MaxConcurrentPerLine {
			o.pendingMu.Lock()
			o.pending[evt.ChannelID] = evt
			o.pendingMu.Unlock()
			o.sessions.EnqueueInboundWaiter(lineID, evt.ChannelID)
			line.SetInboundWaiting(1)
			return
		}
		line.AcquireInbound()
	}

	sess := o.sessions.NewSession(DirectionInbound, evt.ChannelID, evt.DialedNumber, evt.CallerNumber, lineID)

	answerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := o.tel.Answer(answerCtx, evt.ChannelID)
	cancel()
	if err != nil {
		o.logger.Warn("answer failed", "session_id", sess.ID, "channel_id", evt.ChannelID, "error", err)
		o.Cleanup(sess, "failed:answer_failed")
		return
	}

	now := time.Now()
	sess.Lock()
	sess.CustomerLeg.State = LegAnswered
	sess.AnsweredAt = &now
	sess.Unlock()

	active := o.sessions.ActiveScenarios()
	sc, ok := o.registry.NextInbound(o.cfg.Company, active)
	if !ok {
		sc, ok = o.fallbackInboundScenario()
	}
	if !ok {
		o.logger.Warn("no inbound-capable scenario available", "session_id", sess.ID)
		o.Cleanup(sess, "failed:no_scenario")
		return
	}

	sess.Lock()
	sess.ScenarioCompany = sc.Company
	sess.ScenarioName = sc.Name
	sess.Unlock()

	bridgeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	o.ensureBridge(bridgeCtx, sess)
	cancel()

	o.startFlow(sess, sc, true)
}

// fallbackInboundScenario is used when the panel's active_scenarios set
// is empty (panel disabled, or no batch fetched yet): an inbound caller
// must still be served, so any loaded scenario declaring an inbound flow
// is acceptable (spec.md §9 Open Question).
func (o *Orchestrator) fallbackInboundScenario() (*scenario.Scenario, bool) {
	for _, name := range o.registry.AllNames(o.cfg.Company) {
		if sc, ok := o.registry.Get(o.cfg.Company, name); ok && sc.HasInboundFlow() {
			return sc, true
		}
	}
	return nil, false
}

func (o *Orchestrator) ensureBridge(ctx context.Context, sess *Session) {
	sess.Lock()
	existing := sess.BridgeID
	customerChannel := sess.CustomerLeg.ChannelID
	sess.Unlock()
	if existing != "" {
		return
	}

	bridgeID, err := o.tel.CreateBridge(ctx)
	if err != nil {
		o.logger.Warn("create bridge failed", "session_id", sess.ID, "error", err)
		return
	}
	if err := o.tel.AddChannelToBridge(ctx, bridgeID, customerChannel); err != nil {
		o.logger.Warn("add customer leg to bridge failed", "session_id", sess.ID, "error", err)
		return
	}

	sess.Lock()
	sess.BridgeID = bridgeID
	sess.Unlock()
}

func (o *Orchestrator) onStateChange(evt telephony.Event) {
	sess, ok := o.sessions.BySessionForChannel(evt.ChannelID)
	if !ok {
		return
	}
	state := mapLegState(evt.State)

	sess.Lock()
	isCustomer := sess.CustomerLeg.ChannelID == evt.ChannelID
	isOperator := sess.OperatorLeg != nil && sess.OperatorLeg.ChannelID == evt.ChannelID
	if isCustomer {
		sess.CustomerLeg.State = state
	} else if isOperator {
		sess.OperatorLeg.State = state
	}
	alreadyStarted := sess.FlowStarted
	sess.Unlock()

	switch {
	case isCustomer && state == LegAnswered:
		o.sessions.Signal(SuspendKey{SessionID: sess.ID, Kind: "dial"})
		if sess.Direction == DirectionOutbound && !alreadyStarted {
			now := time.Now()
			sess.Lock()
			sess.AnsweredAt = &now
			scCompany, scName := sess.ScenarioCompany, sess.ScenarioName
			sess.Unlock()

			sc, ok := o.registry.Get(scCompany, scName)
			if !ok {
				o.logger.Error("answered session references unknown scenario", "session_id", sess.ID,
					"scenario_company", scCompany, "scenario_name", scName)
				o.Cleanup(sess, "failed:unknown_scenario")
				return
			}

			bridgeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			o.ensureBridge(bridgeCtx, sess)
			cancel()

			o.startFlow(sess, sc, false)
		}

	case isOperator && state == LegAnswered:
		o.sessions.Signal(SuspendKey{SessionID: sess.ID, Kind: "operator"})
		sess.Lock()
		bridgeID := sess.BridgeID
		sess.Unlock()
		if bridgeID != "" {
			addCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.tel.AddChannelToBridge(addCtx, bridgeID, evt.ChannelID); err != nil {
				o.logger.Warn("add operator leg to bridge failed", "session_id", sess.ID, "error", err)
			}
			cancel()
		}
	}
}

// startFlow runs sc's graph for sess exactly once, via a cancellable
// goroutine so a hangup event can unblock a step mid-wait instead of
// waiting out its full watchdog timeout.
func (o *Orchestrator) startFlow(sess *Session, sc *scenario.Scenario, inbound bool) {
	sess.Lock()
	if sess.FlowStarted {
		sess.Unlock()
		return
	}
	sess.FlowStarted = true
	sess.Unlock()

	entry, ok := sc.EntryStep(inbound)
	if !ok {
		o.logger.Error("scenario has no entry step", "session_id", sess.ID, "inbound", inbound)
		o.Cleanup(sess, "failed:no_entry_step")
		return
	}
	graph := sc.Flow
	if inbound {
		graph = sc.InboundFlow
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancelMu.Lock()
	o.cancels[sess.ID] = cancel
	o.cancelMu.Unlock()

	go func() {
		defer func() {
			o.cancelMu.Lock()
			delete(o.cancels, sess.ID)
			o.cancelMu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("flow run panicked", "session_id", sess.ID, "panic", r)
				o.Cleanup(sess, "failed:flow_error")
			}
		}()

		err := o.runFlow(runCtx, sess, sc, graph, entry.ID)
		if err != nil && runCtx.Err() == nil {
			o.logger.Error("flow run ended in error", "session_id", sess.ID, "error", err)
			o.Cleanup(sess, "failed:flow_error")
			return
		}
		o.Cleanup(sess, "hangup")
	}()
}

// Shutdown cancels every currently-running scenario flow task, which
// drives each one through its cleanup path with a "hangup" result
// (spec.md §6: "cancel active scenario tasks with hangup" on
// SIGINT/SIGTERM). It does not wait for their cleanup to finish; callers
// that need that should give the process a brief grace period after
// calling this before exiting.
func (o *Orchestrator) Shutdown() {
	o.cancelMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.cancels))
	for id, cancel := range o.cancels {
		cancels = append(cancels, cancel)
		delete(o.cancels, id)
	}
	o.cancelMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (o *Orchestrator) cancelFlow(sessionID string) {
	o.cancelMu.Lock()
	cancel, ok := o.cancels[sessionID]
	if ok {
		delete(o.cancels, sessionID)
	}
	o.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) onPlaybackFinished(evt telephony.Event) {
	sess, ok := o.sessions.BySessionForPlayback(evt.PlaybackID)
	if !ok {
		return
	}
	o.sessions.Signal(SuspendKey{SessionID: sess.ID, Kind: "playback"})
}

func (o *Orchestrator) onRecordingFinished(evt telephony.Event, failed bool) {
	sess, ok := o.sessions.BySessionForRecording(evt.RecordingID)
	if !ok {
		return
	}
	sess.Lock()
	sess.PendingRecordingPath = evt.RecordingPath
	sess.PendingRecordingFailed = failed
	sess.Unlock()
	o.sessions.Signal(SuspendKey{SessionID: sess.ID, Kind: "recording"})
}

// onHangup applies the SIP cause-code short-circuit for calls that never
// reached Answered (spec.md §4.6), otherwise falls back to "disconnected"
// for a customer leg that hung up mid-flow without the flow itself
// having already set a result.
func (o *Orchestrator) onHangup(evt telephony.Event) {
	sess, ok := o.sessions.BySessionForChannel(evt.ChannelID)
	if !ok {
		return
	}

	sess.Lock()
	isCustomer := sess.CustomerLeg.ChannelID == evt.ChannelID
	if isCustomer {
		sess.CustomerLeg.State = LegHungup
	} else if sess.OperatorLeg != nil && sess.OperatorLeg.ChannelID == evt.ChannelID {
		sess.OperatorLeg.State = LegHungup
	}
	sess.Unlock()

	if !isCustomer {
		return
	}

	o.cancelFlow(sess.ID)

	sess.Lock()
	answered := sess.AnsweredAt != nil
	resultAlready := sess.ResultCode != ""
	sess.Unlock()

	if resultAlready {
		o.Cleanup(sess, "hangup")
		return
	}
	if !answered {
		cause := evt.CauseCode
		if v, err := o.tel.GetChannelVar(context.Background(), evt.ChannelID, "HANGUPCAUSE"); err == nil {
			if n, convErr := strconv.Atoi(v); convErr == nil {
				cause = n
			}
		}
		o.Cleanup(sess, string(MapCause(cause)))
		return
	}
	o.Cleanup(sess, "disconnected")
}

// Cleanup idempotently tears a session down: hangs up any remaining legs,
// destroys its bridge, releases its line's counters, wakes a queued
// inbound waiter if any, reports the result, and removes it from the
// table. Safe to call more than once; only the first call acts.
func (o *Orchestrator) Cleanup(sess *Session, fallbackCode string) {
	sess.Lock()
	if sess.CleanupDone {
		sess.Unlock()
		return
	}
	sess.CleanupDone = true
	if sess.ResultCode == "" {
		sess.ResultCode = fallbackCode
	}
	resultCode := sess.ResultCode
	bridgeID := sess.BridgeID
	customerChannel := sess.CustomerLeg.ChannelID
	var operatorChannel string
	if sess.OperatorLeg != nil {
		operatorChannel = sess.OperatorLeg.ChannelID
	}
	lineID := sess.LineID
	direction := sess.Direction
	sess.Unlock()

	o.cancelFlow(sess.ID)

	teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if operatorChannel != "" {
		if err := o.tel.Hangup(teardownCtx, operatorChannel, 0); err != nil {
			o.logger.Debug("operator leg hangup during cleanup", "session_id", sess.ID, "error", err)
		}
	}
	if err := o.tel.Hangup(teardownCtx, customerChannel, 0); err != nil {
		o.logger.Debug("customer leg hangup during cleanup", "session_id", sess.ID, "error", err)
	}
	if bridgeID != "" {
		if err := o.tel.DestroyBridge(teardownCtx, bridgeID); err != nil {
			o.logger.Debug("bridge teardown during cleanup", "session_id", sess.ID, "error", err)
		}
	}

	if line, ok := o.sessions.LineByID(lineID); ok {
		if direction == DirectionOutbound {
			line.ReleaseOutbound()
		} else if lineID != UnmappedLineID {
			line.ReleaseInbound()
			o.wakeQueuedInbound(lineID)
		}
	}

	if o.hangups != nil {
		o.hangups.Info("session ended", "session_id", sess.ID, "result", resultCode, "direction", string(direction))
	}
	if o.userDrop != nil && resultCode == "hangup" {
		o.userDrop.Info("caller dropped", "session_id", sess.ID, "direction", string(direction))
	}
	if o.report != nil {
		o.report(sess, resultCode)
	}
	if o.forget != nil {
		o.forget(sess.ID)
	}

	o.sessions.Remove(sess.ID)
}

func (o *Orchestrator) wakeQueuedInbound(lineID string) {
	channelID, ok := o.sessions.OnLineFree(lineID)
	if !ok {
		return
	}
	if line, ok := o.sessions.LineByID(lineID); ok {
		line.SetInboundWaiting(o.sessions.QueuedInboundLen(lineID))
	}
	o.pendingMu.Lock()
	evt, ok := o.pending[channelID]
	if ok {
		delete(o.pending, channelID)
	}
	o.pendingMu.Unlock()
	if !ok {
		return
	}
	go o.startInbound(evt)
}

func mapLegState(raw string) LegState {
	switch raw {
	case "ringing":
		return LegRinging
	case "answered", "up":
		return LegAnswered
	case "down", "hungup":
		return LegHungup
	case "failed":
		return LegFailed
	default:
		return LegCreated
	}
}
