package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowpbx/dialer/internal/llm"
	"github.com/flowpbx/dialer/internal/logging"
	"github.com/flowpbx/dialer/internal/scenario"
	"github.com/flowpbx/dialer/internal/session"
	"github.com/flowpbx/dialer/internal/stt"
	"github.com/flowpbx/dialer/internal/telephony"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTelephony satisfies Telephony without any network I/O; Play/Record
// return fixed ids immediately and never signal the session's suspend key,
// so a step waiting on their completion event is not woken by this fake.
type fakeTelephony struct {
	sessions     *session.Manager
	hungup       []string
	originated   telephony.OriginateRequest
	originateErr error
}

func (f *fakeTelephony) Play(ctx context.Context, channelID string, req telephony.PlayRequest) (telephony.PlayResult, error) {
	return telephony.PlayResult{PlaybackID: "pb-1"}, nil
}

func (f *fakeTelephony) Record(ctx context.Context, channelID string, req telephony.RecordRequest) (telephony.RecordResult, error) {
	return telephony.RecordResult{RecordingID: "rec-1"}, nil
}

func (f *fakeTelephony) Originate(ctx context.Context, req telephony.OriginateRequest) (telephony.OriginateResult, error) {
	f.originated = req
	if f.originateErr != nil {
		return telephony.OriginateResult{}, f.originateErr
	}
	return telephony.OriginateResult{ChannelID: "operator-chan"}, nil
}

func (f *fakeTelephony) Hangup(ctx context.Context, channelID string, cause int) error {
	f.hungup = append(f.hungup, channelID)
	return nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, sessionID string, raw []byte, hotwords []string) (string, error) {
	return f.text, f.err
}

type fakeClassifier struct {
	intent string
	err    error
}

func (f *fakeClassifier) Classify(ctx context.Context, promptTemplate, transcript string) (string, error) {
	return f.intent, f.err
}

type fakeRecorder struct{}

func (fakeRecorder) FetchRecording(ctx context.Context, recordingPath string) ([]byte, error) {
	return []byte("audio"), nil
}

type fakePauser struct {
	reasons []string
}

func (p *fakePauser) PauseForQuota(reason string) { p.reasons = append(p.reasons, reason) }

func newTestEngine(t *testing.T, tel Telephony, transcriber Transcriber, classifier Classifier, report Reporter) (*Engine, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(discardLogger(), nil)
	roster := session.NewAgentRoster()
	outcome := logging.NewOutcome(t.TempDir())
	e := New(tel, transcriber, classifier, sessions, roster, OperatorConfig{Timeout: 2 * time.Second}, fakeRecorder{}, outcome, report, discardLogger())
	return e, sessions
}

func TestEngine_RouteByIntent_FallsBackToUnknown(t *testing.T) {
	e, sessions := newTestEngine(t, nil, nil, nil, func(*session.Session, string) {})
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)
	sess.Lock()
	sess.LastIntent = "maybe"
	sess.Unlock()

	next, err := e.routeByIntent(sess, scenario.Step{Routes: map[string]string{"yes": "a", "unknown": "b"}})
	require.NoError(t, err)
	require.Equal(t, "b", next)
}

func TestEngine_RouteByIntent_NoRouteAndNoFallback_Errors(t *testing.T) {
	e, sessions := newTestEngine(t, nil, nil, nil, func(*session.Session, string) {})
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)
	sess.Lock()
	sess.LastIntent = "maybe"
	sess.Unlock()

	_, err := e.routeByIntent(sess, scenario.Step{Routes: map[string]string{"yes": "a"}})
	require.Error(t, err)
}

func TestEngine_SetResult_ReportsAndReturnsNext(t *testing.T) {
	var reported []string
	e, sessions := newTestEngine(t, nil, nil, nil, func(sess *session.Session, resultCode string) { reported = append(reported, resultCode) })
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)

	next, err := e.setResult(sess, scenario.Step{Result: "completed:yes", Next: "hang"})
	require.NoError(t, err)
	require.Equal(t, "hang", next)
	require.Equal(t, "completed:yes", sess.ResultCode)
	require.Equal(t, []string{"completed:yes"}, reported)
}

func TestEngine_CheckRetryLimit_RoutesOverAndUnder(t *testing.T) {
	e, sessions := newTestEngine(t, nil, nil, nil, func(*session.Session, string) {})
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)
	step := scenario.Step{CounterKey: "retries", Limit: 2, Over: "give_up", Under: "retry"}

	require.Equal(t, "retry", e.checkRetryLimit(sess, step))
	require.Equal(t, "retry", e.checkRetryLimit(sess, step))
	require.Equal(t, "give_up", e.checkRetryLimit(sess, step))
}

func TestEngine_ClassifyIntent_EmptyAudioIsTerminalHangup(t *testing.T) {
	var reported []string
	e, sessions := newTestEngine(t, nil, &fakeTranscriber{err: &stt.Error{Kind: stt.ErrEmptyAudio, Err: errors.New("below threshold")}}, nil,
		func(sess *session.Session, resultCode string) { reported = append(reported, resultCode) })
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)

	next, err := e.classifyIntent(context.Background(), sess, &scenario.Scenario{}, scenario.Step{})
	require.NoError(t, err)
	require.Equal(t, "", next)
	require.Equal(t, "hangup", sess.ResultCode)
	require.Equal(t, []string{"hangup"}, reported)
}

func TestEngine_ClassifyIntent_STTQuotaExhausted_PausesDialer(t *testing.T) {
	var reported []string
	pauser := &fakePauser{}
	e, sessions := newTestEngine(t, nil, &fakeTranscriber{err: &stt.Error{Kind: stt.ErrQuotaExhausted, Err: errors.New("quota")}}, nil,
		func(sess *session.Session, resultCode string) { reported = append(reported, resultCode) })
	e.SetPauser(pauser)
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)

	_, err := e.classifyIntent(context.Background(), sess, &scenario.Scenario{}, scenario.Step{})
	require.NoError(t, err)
	require.Equal(t, "failed:vira_quota", sess.ResultCode)
	require.Equal(t, []string{"failed:vira_quota"}, reported)
	require.Len(t, pauser.reasons, 1)
}

func TestEngine_ClassifyIntent_LLMQuotaExhausted_BypassesOnFailure(t *testing.T) {
	pauser := &fakePauser{}
	e, sessions := newTestEngine(t, nil, &fakeTranscriber{text: "hello"},
		&fakeClassifier{err: &llm.Error{Kind: llm.ErrQuotaExhausted, Err: errors.New("quota")}},
		func(*session.Session, string) {})
	e.SetPauser(pauser)
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)

	next, err := e.classifyIntent(context.Background(), sess, &scenario.Scenario{}, scenario.Step{OnFailure: "should_not_be_used"})
	require.NoError(t, err)
	require.Equal(t, "", next)
	require.Equal(t, "failed:llm_quota", sess.ResultCode)
	require.Len(t, pauser.reasons, 1)
}

func TestEngine_ClassifyIntent_LLMTransientError_FallsBackToTokenMatch(t *testing.T) {
	e, sessions := newTestEngine(t, nil, &fakeTranscriber{text: "yes please"},
		&fakeClassifier{err: errors.New("network blip")},
		func(*session.Session, string) {})
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)
	sc := &scenario.Scenario{LLM: scenario.LLMConfig{Fallbacks: map[string][]string{"yes": {"yes"}}}}

	next, err := e.classifyIntent(context.Background(), sess, sc, scenario.Step{Next: "route"})
	require.NoError(t, err)
	require.Equal(t, "route", next)
	require.Equal(t, "yes", sess.LastIntent)
}

func TestEngine_TransferToOperator_NoAvailableAgent_RoutesOnFailure(t *testing.T) {
	e, sessions := newTestEngine(t, &fakeTelephony{}, nil, nil, func(*session.Session, string) {})
	sess := sessions.NewSession(session.DirectionOutbound, "chan-1", "0212", "0213", session.UnmappedLineID)

	next, err := e.transferToOperator(context.Background(), sess, &scenario.Scenario{}, scenario.Step{OnFailure: "no_agent"})
	require.NoError(t, err)
	require.Equal(t, "no_agent", next)
}
