// Package flow implements the Scenario Flow Engine (C7): a per-call step
// interpreter dispatched by step kind over a scenario's declared graph
// (spec.md §3, §4.7). All step transitions are explicit edges; there is
// no implicit fallthrough.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/dialer/internal/llm"
	"github.com/flowpbx/dialer/internal/logging"
	"github.com/flowpbx/dialer/internal/scenario"
	"github.com/flowpbx/dialer/internal/session"
	"github.com/flowpbx/dialer/internal/stt"
	"github.com/flowpbx/dialer/internal/telephony"
)

const defaultStepTimeout = 30 * time.Second

// ErrNoSuchStep is returned when a step references a next/routes target
// that is not present in the scenario's graph.
var ErrNoSuchStep = errors.New("flow: no such step")

// Recorder fetches the raw bytes of a finished recording given its
// telephony reference, decoupling the flow engine from how the telephony
// server exposes recorded media.
type Recorder interface {
	FetchRecording(ctx context.Context, recordingPath string) ([]byte, error)
}

// Telephony is the subset of telephony.Client the flow engine calls
// directly, narrowed to an interface so the step interpreter can be
// tested against a fake instead of a real telephony server.
type Telephony interface {
	Play(ctx context.Context, channelID string, req telephony.PlayRequest) (telephony.PlayResult, error)
	Record(ctx context.Context, channelID string, req telephony.RecordRequest) (telephony.RecordResult, error)
	Originate(ctx context.Context, req telephony.OriginateRequest) (telephony.OriginateResult, error)
	Hangup(ctx context.Context, channelID string, cause int) error
}

// Transcriber is the subset of stt.Client the classify_intent step calls.
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID string, raw []byte, hotwords []string) (string, error)
}

// Classifier is the subset of llm.Client the classify_intent step calls.
type Classifier interface {
	Classify(ctx context.Context, promptTemplate, transcript string) (string, error)
}

// Reporter is called once per session when a terminal result has been
// decided, so the Dialer/session cleanup path can hand it to the Result
// Translator and Panel Adapter without the flow engine depending on
// either.
type Reporter func(sess *session.Session, resultCode string)

// DialerPauser is the narrow slice of the Dialer the flow engine needs:
// tripping the pause immediately on external-service quota exhaustion
// (spec.md §4.4, §7), bypassing the consecutive-failure cascade.
type DialerPauser interface {
	PauseForQuota(reason string)
}

// OperatorConfig carries the transfer_to_operator step's collaborators
// outside the scenario graph itself (spec.md §6 operator EXTENSION/
// TRUNK/CALLER_ID/TIMEOUT configuration).
type OperatorConfig struct {
	Trunk     string
	Extension string
	CallerID  string
	Timeout   time.Duration
}

// Engine walks a scenario's step graph for a single session at a time,
// one call to Run per session.
type Engine struct {
	telephony Telephony
	stt       Transcriber
	llm       Classifier
	sessions  *session.Manager
	roster    *session.AgentRoster
	operator  OperatorConfig
	recorder  Recorder
	outcome   *logging.Outcome
	report    Reporter
	pauser    DialerPauser
	logger    *slog.Logger
}

// New builds a flow engine wired to its collaborators.
func New(tel Telephony, sttClient Transcriber, llmClient Classifier, sessions *session.Manager,
	roster *session.AgentRoster, operator OperatorConfig, recorder Recorder, outcome *logging.Outcome,
	report Reporter, logger *slog.Logger) *Engine {
	return &Engine{
		telephony: tel,
		stt:       sttClient,
		llm:       llmClient,
		sessions:  sessions,
		roster:    roster,
		operator:  operator,
		recorder:  recorder,
		outcome:   outcome,
		report:    report,
		logger:    logger.With("subsystem", "flow_engine"),
	}
}

// SetPauser wires the Dialer's quota-pause hook into the engine. Called
// once at startup, after the Dialer is constructed, since the two share a
// construction-order dependency that a setter breaks cleanly.
func (e *Engine) SetPauser(p DialerPauser) {
	e.pauser = p
}

// Run walks sc's graph (outbound or inbound, chosen by the caller via
// graph) starting at entryStepID for sess, until a step returns no next
// edge (terminal) or an unrecoverable error occurs.
func (e *Engine) Run(ctx context.Context, sess *session.Session, sc *scenario.Scenario, graph map[string]scenario.Step, entryStepID string) error {
	currentID := entryStepID

	for {
		step, ok := graph[currentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchStep, currentID)
		}

		sess.Lock()
		sess.CurrentStep = step.ID
		sess.Unlock()

		stepCtx, cancel := context.WithTimeout(ctx, defaultStepTimeout)
		nextID, err := e.execute(stepCtx, sess, sc, graph, step)
		cancel()

		if err != nil {
			e.logger.Error("step execution failed", "session_id", sess.ID, "step", step.ID, "kind", step.Kind, "error", err)
			if step.OnFailure != "" {
				currentID = step.OnFailure
				continue
			}
			return err
		}

		if nextID == "" {
			return nil
		}
		currentID = nextID
	}
}

func (e *Engine) execute(ctx context.Context, sess *session.Session, sc *scenario.Scenario, graph map[string]scenario.Step, step scenario.Step) (string, error) {
	switch step.Kind {
	case scenario.KindEntry:
		return step.Next, nil
	case scenario.KindPlayPrompt:
		return e.playPrompt(ctx, sess, sc, step)
	case scenario.KindRecord:
		return e.record(ctx, sess, sc, step)
	case scenario.KindClassifyIntent:
		return e.classifyIntent(ctx, sess, sc, step)
	case scenario.KindRouteByIntent:
		return e.routeByIntent(sess, step)
	case scenario.KindSetResult:
		return e.setResult(sess, step)
	case scenario.KindTransferToOperator:
		return e.transferToOperator(ctx, sess, sc, step)
	case scenario.KindDisconnect, scenario.KindHangup:
		return e.hangup(ctx, sess)
	case scenario.KindWait:
		<-ctx.Done()
		return "", nil
	case scenario.KindCheckRetryLimit:
		return e.checkRetryLimit(sess, step), nil
	default:
		return "", fmt.Errorf("flow: unrecognised step kind %q", step.Kind)
	}
}

func (e *Engine) playPrompt(ctx context.Context, sess *session.Session, sc *scenario.Scenario, step scenario.Step) (string, error) {
	media, ok := sc.Prompts[step.PromptKey]
	if !ok {
		return "", fmt.Errorf("flow: unknown prompt key %q", step.PromptKey)
	}

	key := session.SuspendKey{SessionID: sess.ID, Kind: "playback"}
	// Registered before the triggering call so the PlaybackFinished event
	// can never arrive before we start waiting for it. A session runs one
	// flow step at a time, so a single outstanding wait per kind is never
	// ambiguous.
	wake := e.sessions.RegisterSignal(key)

	result, err := e.telephony.Play(ctx, sess.CustomerLeg.ChannelID, telephony.PlayRequest{Media: media})
	if err != nil {
		e.sessions.CancelSignal(key)
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", err
	}
	e.sessions.BindPlayback(result.PlaybackID, sess.ID)

	select {
	case <-wake:
		return step.Next, nil
	case <-ctx.Done():
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", ctx.Err()
	}
}

func (e *Engine) record(ctx context.Context, sess *session.Session, sc *scenario.Scenario, step scenario.Step) (string, error) {
	key := session.SuspendKey{SessionID: sess.ID, Kind: "recording"}
	wake := e.sessions.RegisterSignal(key)

	result, err := e.telephony.Record(ctx, sess.CustomerLeg.ChannelID, telephony.RecordRequest{
		Name:            sess.ID,
		MaxDurationSecs: sc.STT.MaxDurationSecs,
		MaxSilenceSecs:  sc.STT.MaxSilenceSecs,
	})
	if err != nil {
		e.sessions.CancelSignal(key)
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", err
	}
	e.sessions.BindRecording(result.RecordingID, sess.ID)

	select {
	case <-wake:
		sess.Lock()
		path := sess.PendingRecordingPath
		failed := sess.PendingRecordingFailed
		sess.Unlock()
		if failed && step.OnFailure != "" {
			return step.OnFailure, nil
		}
		if path == "" && step.OnEmpty != "" {
			return step.OnEmpty, nil
		}
		return step.Next, nil
	case <-ctx.Done():
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", ctx.Err()
	}
}

func (e *Engine) classifyIntent(ctx context.Context, sess *session.Session, sc *scenario.Scenario, step scenario.Step) (string, error) {
	sess.Lock()
	recordingPath := sess.PendingRecordingPath
	sess.Unlock()

	raw, err := e.recorder.FetchRecording(ctx, recordingPath)
	if err != nil {
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", err
	}

	transcript, sttErr := e.stt.Transcribe(ctx, sess.ID, raw, sc.STT.Hotwords)
	if sttErr != nil {
		var classified *stt.Error
		if errors.As(sttErr, &classified) {
			switch classified.Kind {
			case stt.ErrEmptyAudio:
				// An empty recording is treated as caller hangup, not a
				// failure (spec.md §4.3, §4.7): terminal, never routed
				// through on_empty/on_failure.
				return e.terminal(sess, "hangup")
			case stt.ErrQuotaExhausted:
				return e.quotaExhausted(sess, "vira_quota", classified.Err)
			}
		}
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", sttErr
	}

	intent, llmErr := e.llm.Classify(ctx, sc.LLM.PromptTemplate, transcript)
	if llmErr != nil {
		var classified *llm.Error
		if errors.As(llmErr, &classified) && classified.Kind == llm.ErrQuotaExhausted {
			// quota_exhausted must pause the dialer rather than degrade
			// gracefully (spec.md §4.4): terminal, never routed through
			// on_failure, so the cascade can't be masked by a scenario's
			// own failure edge.
			return e.quotaExhausted(sess, "llm_quota", classified.Err)
		}
		intent = llm.Fallback(transcript, sc.LLM.Fallbacks)
	}

	sess.Lock()
	sess.LastTranscript = transcript
	sess.LastIntent = intent
	if intent == "yes" {
		now := time.Now()
		sess.YesAt = &now
	}
	sess.Unlock()

	e.outcome.LogIntent(sess.ID, intent, transcript)

	return step.Next, nil
}

func (e *Engine) routeByIntent(sess *session.Session, step scenario.Step) (string, error) {
	sess.Lock()
	intent := sess.LastIntent
	sess.Unlock()

	if next, ok := step.Routes[intent]; ok {
		return next, nil
	}
	if next, ok := step.Routes["unknown"]; ok {
		return next, nil
	}
	return "", fmt.Errorf("flow: no route for intent %q and no unknown fallback", intent)
}

// terminal sets resultCode and ends the flow cleanly (no error, no next
// edge), so Run returns nil and the caller's cleanup path runs exactly as
// it would for any other terminal step.
func (e *Engine) terminal(sess *session.Session, resultCode string) (string, error) {
	sess.Lock()
	sess.ResultCode = resultCode
	sess.Unlock()
	e.report(sess, resultCode)
	return "", nil
}

// quotaExhausted records the failed:<source>_quota result and trips the
// dialer pause immediately, bypassing the consecutive-failure cascade
// (spec.md §4.4, §7: "External-service quota... trip the dialer pause,
// notify admins via SMS and the panel").
func (e *Engine) quotaExhausted(sess *session.Session, source string, cause error) (string, error) {
	resultCode := "failed:" + source
	e.logger.Error("external service quota exhausted", "session_id", sess.ID, "source", source, "error", cause)
	if e.pauser != nil {
		e.pauser.PauseForQuota(source + " exhausted")
	}
	return e.terminal(sess, resultCode)
}

func (e *Engine) setResult(sess *session.Session, step scenario.Step) (string, error) {
	sess.Lock()
	sess.ResultCode = step.Result
	sess.Unlock()

	e.report(sess, step.Result)
	return step.Next, nil
}

// transferToOperator picks the next available agent by round robin, marks
// it busy, plays onhold media on the bridge, and originates the operator
// leg, adding it to the bridge once it answers (spec.md §4.7). The
// agent's busy flag is released on every exit path, success or failure.
func (e *Engine) transferToOperator(ctx context.Context, sess *session.Session, sc *scenario.Scenario, step scenario.Step) (string, error) {
	agentType := step.AgentType
	if agentType == "" {
		agentType = "outbound"
	}

	agent, ok := e.roster.NextAvailable(agentType)
	if !ok {
		e.logger.Warn("no available operator agent", "session_id", sess.ID, "agent_type", agentType)
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", fmt.Errorf("flow: no available %s agent", agentType)
	}
	defer e.roster.Release(agentType, agent.ID)

	sess.Lock()
	bridgeID := sess.BridgeID
	customerNumber := sess.CustomerLeg.Number
	sess.Unlock()

	if bridgeID != "" {
		if onhold, ok := sc.Prompts["onhold"]; ok {
			if _, err := e.telephony.Play(ctx, bridgeID, telephony.PlayRequest{Media: onhold}); err != nil {
				e.logger.Warn("onhold playback failed", "session_id", sess.ID, "error", err)
			}
		}
	}

	callerID := customerNumber
	if callerID == "" {
		callerID = e.operator.CallerID
	}

	key := session.SuspendKey{SessionID: sess.ID, Kind: "operator"}
	wake := e.sessions.RegisterSignal(key)

	originateCtx, cancel := context.WithTimeout(ctx, e.operator.Timeout)
	defer cancel()

	result, err := e.telephony.Originate(originateCtx, telephony.OriginateRequest{
		Endpoint: e.operator.Extension + agent.PhoneNumber,
		CallerID: callerID,
		Trunk:    e.operator.Trunk,
		Timeout:  int(e.operator.Timeout.Seconds()),
	})
	if err != nil {
		e.sessions.CancelSignal(key)
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", err
	}

	sess.Lock()
	sess.OperatorLeg = &session.Leg{ChannelID: result.ChannelID, State: session.LegCreated, Number: agent.PhoneNumber}
	sess.AgentID = agent.ID
	sess.AgentPhone = agent.PhoneNumber
	sess.Unlock()
	e.sessions.BindChannel(result.ChannelID, sess.ID)

	select {
	case <-wake:
		now := time.Now()
		sess.Lock()
		sess.OperatorConnectedAt = &now
		sess.Unlock()
		return step.OnSuccess, nil
	case <-originateCtx.Done():
		e.sessions.CancelSignal(key)
		e.hangupBestEffort(result.ChannelID)
		if step.OnFailure != "" {
			return step.OnFailure, nil
		}
		return "", originateCtx.Err()
	}
}

func (e *Engine) hangupBestEffort(channelID string) {
	hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.telephony.Hangup(hangupCtx, channelID, 0); err != nil {
		e.logger.Warn("best-effort operator leg hangup failed", "channel_id", channelID, "error", err)
	}
}

func (e *Engine) hangup(ctx context.Context, sess *session.Session) (string, error) {
	if err := e.telephony.Hangup(ctx, sess.CustomerLeg.ChannelID, 0); err != nil {
		e.logger.Warn("hangup failed (best-effort)", "session_id", sess.ID, "error", err)
	}
	return "", nil
}

func (e *Engine) checkRetryLimit(sess *session.Session, step scenario.Step) string {
	sess.Lock()
	count := sess.LoopCounters[step.CounterKey]
	sess.LoopCounters[step.CounterKey] = count + 1
	sess.Unlock()

	if count+1 > step.Limit {
		return step.Over
	}
	return step.Under
}
