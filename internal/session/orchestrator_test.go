package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/dialer/internal/scenario"
	"github.com/flowpbx/dialer/internal/telephony"
	"github.com/stretchr/testify/require"
)

// writeInboundScenario writes a minimal scenario YAML with both an
// outbound and an inbound entry, the same fixture shape
// scenario/loader_test.go uses.
func writeInboundScenario(t *testing.T, dir string) {
	t.Helper()
	body := `
company: acme
name: greeting
display_name: greeting
flow:
  entry:
    id: entry
    kind: entry
    next: hang
  hang:
    id: hang
    kind: hangup
inbound_flow:
  entry:
    id: entry
    kind: entry
    next: hang
  hang:
    id: hang
    kind: hangup
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.yaml"), []byte(body), 0o644))
}

// fakeTelephony is a minimal TelephonyClient fake: every call succeeds and
// is recorded for assertions, with no real network I/O.
type fakeTelephony struct {
	mu      sync.Mutex
	hungup  []string
	bridges int
}

func (f *fakeTelephony) Answer(ctx context.Context, channelID string) error { return nil }

func (f *fakeTelephony) Hangup(ctx context.Context, channelID string, cause int) error {
	f.mu.Lock()
	f.hungup = append(f.hungup, channelID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) CreateBridge(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.bridges++
	f.mu.Unlock()
	return "bridge-1", nil
}

func (f *fakeTelephony) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return nil
}

func (f *fakeTelephony) DestroyBridge(ctx context.Context, bridgeID string) error { return nil }

func (f *fakeTelephony) GetChannelVar(ctx context.Context, channelID, name string) (string, error) {
	return "", nil
}

func noopFlowRunner(ctx context.Context, sess *Session, sc *scenario.Scenario, graph map[string]scenario.Step, entryStepID string) error {
	<-ctx.Done()
	return nil
}

func emptyRegistry(t *testing.T) *scenario.Registry {
	t.Helper()
	reg, err := scenario.Load(t.TempDir())
	require.NoError(t, err)
	return reg
}

func newTestOrchestrator(t *testing.T, tel TelephonyClient, reg *scenario.Registry, report Reporter, forget func(string)) *Orchestrator {
	t.Helper()
	sessions := NewManager(discardLogger(), nil)
	return NewOrchestrator(
		OrchestratorConfig{Company: "acme", MaxConcurrentPerLine: 0},
		tel, reg, sessions, NewAgentRoster(), noopFlowRunner, report, forget,
		discardLogger(), discardLogger(), discardLogger(),
	)
}

func TestOrchestrator_HangupBeforeResult_DoesNotOverrideResult(t *testing.T) {
	tel := &fakeTelephony{}
	var reported []string
	report := func(sess *Session, resultCode string) { reported = append(reported, resultCode) }

	o := newTestOrchestrator(t, tel, emptyRegistry(t), report, nil)

	sess := o.sessions.NewSession(DirectionOutbound, "chan-1", "0212", "0213", UnmappedLineID)
	sess.Lock()
	sess.ResultCode = "completed:yes"
	sess.AnsweredAt = nil
	sess.Unlock()

	o.onHangup(telephony.Event{Kind: telephony.EventChannelDestroyed, ChannelID: "chan-1"})

	require.Equal(t, []string{"completed:yes"}, reported)
}

func TestOrchestrator_HangupWithoutResult_MapsSipCause(t *testing.T) {
	tel := &fakeTelephony{}
	var reported []string
	report := func(sess *Session, resultCode string) { reported = append(reported, resultCode) }

	o := newTestOrchestrator(t, tel, emptyRegistry(t), report, nil)

	sess := o.sessions.NewSession(DirectionOutbound, "chan-1", "0212", "0213", UnmappedLineID)

	o.onHangup(telephony.Event{Kind: telephony.EventChannelDestroyed, ChannelID: "chan-1", CauseCode: 17})

	require.Equal(t, []string{string(CauseBusy)}, reported)
}

func TestOrchestrator_Cleanup_IsIdempotent(t *testing.T) {
	tel := &fakeTelephony{}
	var reportCount int
	report := func(sess *Session, resultCode string) { reportCount++ }
	var forgotten []string
	forget := func(id string) { forgotten = append(forgotten, id) }

	o := newTestOrchestrator(t, tel, emptyRegistry(t), report, forget)

	sess := o.sessions.NewSession(DirectionOutbound, "chan-1", "0212", "0213", UnmappedLineID)

	o.Cleanup(sess, "hangup")
	o.Cleanup(sess, "hangup")

	require.Equal(t, 1, reportCount)
	require.Equal(t, []string{sess.ID}, forgotten)
	require.Len(t, tel.hungup, 1)
}

func TestOrchestrator_Cleanup_WakesQueuedInbound(t *testing.T) {
	tel := &fakeTelephony{}
	report := func(sess *Session, resultCode string) {}

	dir := t.TempDir()
	writeInboundScenario(t, dir)
	reg, err := scenario.Load(dir)
	require.NoError(t, err)

	o := newTestOrchestrator(t, tel, reg, report, nil)

	line := NewLine("line-1", "0212345678", "Line 1")
	o.sessions = NewManager(discardLogger(), []*Line{line})
	o.sessions.SetActiveScenarios([]string{"greeting"})

	active := o.sessions.NewSession(DirectionInbound, "chan-active", "0212345678", "caller-1", line.ID)
	line.AcquireInbound()

	o.pendingMu.Lock()
	o.pending["chan-waiting"] = telephony.Event{Kind: telephony.EventNewChannel, ChannelID: "chan-waiting", DialedNumber: "0212345678", CallerNumber: "caller-2"}
	o.pendingMu.Unlock()
	o.sessions.EnqueueInboundWaiter(line.ID, "chan-waiting")
	line.SetInboundWaiting(1)

	o.Cleanup(active, "hangup")

	require.Eventually(t, func() bool {
		_, admitted := o.sessions.BySessionForChannel("chan-waiting")
		return admitted
	}, time.Second, 10*time.Millisecond, "queued inbound call was never admitted")
}

func TestOrchestrator_EventKey_StableAcrossChannelLifecycle(t *testing.T) {
	tel := &fakeTelephony{}
	o := newTestOrchestrator(t, tel, emptyRegistry(t), func(*Session, string) {}, nil)

	newChannelKey := o.EventKey(telephony.Event{Kind: telephony.EventNewChannel, ChannelID: "chan-1"})
	require.Equal(t, "channel:chan-1", newChannelKey)

	// Once the session now exists for this channel, the key must still
	// resolve identically, or a ChannelStateChange racing the NewChannel
	// handler's completion could land on a different Sequencer worker.
	o.sessions.NewSession(DirectionInbound, "chan-1", "0212", "0213", UnmappedLineID)
	stateChangeKey := o.EventKey(telephony.Event{Kind: telephony.EventChannelStateChange, ChannelID: "chan-1", State: "answered"})
	require.Equal(t, newChannelKey, stateChangeKey)
}
