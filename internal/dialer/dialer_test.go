package dialer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowpbx/dialer/internal/panel"
	"github.com/flowpbx/dialer/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPickLine_FiltersSaturatedLines(t *testing.T) {
	now := time.Now()
	busy := session.NewLine("l1", "1111", "Busy")
	busy.RecordOutboundAttempt(now)
	busy.RecordOutboundAttempt(now)

	free := session.NewLine("l2", "2222", "Free")

	mgr := session.NewManager(discardLogger(), []*session.Line{busy, free})

	chosen, ok := pickLine([]*session.Line{busy, free}, now, 2, 100, 1000, 0, mgr)
	require.True(t, ok)
	require.Equal(t, "l2", chosen.ID)
}

func TestPickLine_NoneReturnsFalse(t *testing.T) {
	now := time.Now()
	l := session.NewLine("l1", "1111", "Only")
	l.RecordOutboundAttempt(now)

	mgr := session.NewManager(discardLogger(), []*session.Line{l})

	_, ok := pickLine([]*session.Line{l}, now, 1, 100, 1000, 0, mgr)
	require.False(t, ok)
}

func TestPickLine_PrefersLeastLoaded(t *testing.T) {
	now := time.Now()
	loaded := session.NewLine("l1", "1111", "Loaded")
	loaded.RecordOutboundAttempt(now)

	idle := session.NewLine("l2", "2222", "Idle")

	mgr := session.NewManager(discardLogger(), []*session.Line{loaded, idle})

	chosen, ok := pickLine([]*session.Line{loaded, idle}, now, 5, 100, 1000, 0, mgr)
	require.True(t, ok)
	require.Equal(t, "l2", chosen.ID)
}

func TestPickLine_TiesBrokenByConfigurationOrder(t *testing.T) {
	now := time.Now()
	a := session.NewLine("l1", "1111", "A")
	b := session.NewLine("l2", "2222", "B")

	mgr := session.NewManager(discardLogger(), []*session.Line{a, b})

	chosen, ok := pickLine([]*session.Line{a, b}, now, 5, 100, 1000, 0, mgr)
	require.True(t, ok)
	require.Equal(t, "l1", chosen.ID)
}

func TestPickLine_ExcludesLinesWithQueuedInbound(t *testing.T) {
	now := time.Now()
	a := session.NewLine("l1", "1111", "A")
	b := session.NewLine("l2", "2222", "B")

	mgr := session.NewManager(discardLogger(), []*session.Line{a, b})
	mgr.EnqueueInboundWaiter("l1", "chan-x")

	chosen, ok := pickLine([]*session.Line{a, b}, now, 5, 100, 1000, 0, mgr)
	require.True(t, ok)
	require.Equal(t, "l2", chosen.ID)
}

func TestDialer_RecordFailure_TripsPauseAtThreshold(t *testing.T) {
	mgr := session.NewManager(discardLogger(), nil)
	d := New(Config{FailAlertThreshold: 3}, "acme", nil, mgr, nil, &stubPanel{}, nil, nil, nil, discardLogger())

	d.recordFailure("missed")
	require.False(t, func() bool { p, _ := d.isPaused(); return p }())
	d.recordFailure("missed")
	require.False(t, func() bool { p, _ := d.isPaused(); return p }())
	d.recordFailure("missed")
	require.True(t, func() bool { p, _ := d.isPaused(); return p }())
}

func TestDialer_PauseForQuota_TripsImmediately(t *testing.T) {
	mgr := session.NewManager(discardLogger(), nil)
	panelSrc := &stubPanel{}
	d := New(Config{FailAlertThreshold: 100}, "acme", nil, mgr, nil, panelSrc, nil, nil, nil, discardLogger())

	d.PauseForQuota("llm_quota exhausted")

	paused, reason := d.isPaused()
	require.True(t, paused)
	require.Equal(t, "llm_quota exhausted", reason)
}

type stubPanel struct{ allowed bool }

func (s *stubPanel) GetNextBatch(ctx context.Context, size int) (panel.Batch, error) {
	return panel.Batch{}, nil
}
func (s *stubPanel) SetCallAllowed(allowed bool) { s.allowed = allowed }
func (s *stubPanel) Enabled() bool               { return false }
