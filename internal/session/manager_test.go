package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_NewSessionCreatesConsistentMappings(t *testing.T) {
	m := NewManager(discardLogger(), nil)
	s := m.NewSession(DirectionInbound, "chan-1", "0212", "0213", UnmappedLineID)

	got, ok := m.BySessionForChannel("chan-1")
	require.True(t, ok)
	require.Equal(t, s.ID, got.ID)

	_, ok = m.Get(s.ID)
	require.True(t, ok)
}

func TestManager_RemoveClearsAllMappings(t *testing.T) {
	m := NewManager(discardLogger(), nil)
	s := m.NewSession(DirectionOutbound, "chan-1", "0212", "0213", UnmappedLineID)
	m.BindPlayback("pb-1", s.ID)
	m.BindRecording("rec-1", s.ID)

	m.Remove(s.ID)

	_, ok := m.Get(s.ID)
	require.False(t, ok)
	_, ok = m.BySessionForChannel("chan-1")
	require.False(t, ok)
	_, ok = m.BySessionForPlayback("pb-1")
	require.False(t, ok)
	_, ok = m.BySessionForRecording("rec-1")
	require.False(t, ok)
}

func TestManager_RegisterSignalBeforeTrigger_NeverMissesWakeup(t *testing.T) {
	m := NewManager(discardLogger(), nil)
	key := SuspendKey{SessionID: "s1", Kind: "playback", ID: "pb-1"}

	ch := m.RegisterSignal(key)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Signal(key)
	}()
	wg.Wait()

	select {
	case <-ch:
	default:
		t.Fatal("signal was not delivered")
	}
}

func TestManager_OnLineFree_FIFOOrder(t *testing.T) {
	m := NewManager(discardLogger(), []*Line{NewLine("l1", "5551234", "Line 1")})
	m.EnqueueInboundWaiter("l1", "chan-a")
	m.EnqueueInboundWaiter("l1", "chan-b")

	first, ok := m.OnLineFree("l1")
	require.True(t, ok)
	require.Equal(t, "chan-a", first)

	second, ok := m.OnLineFree("l1")
	require.True(t, ok)
	require.Equal(t, "chan-b", second)

	_, ok = m.OnLineFree("l1")
	require.False(t, ok)
}

// TestManager_ConcurrentSessionCreationKeepsTableConsistent exercises the
// "exactly one session per live customer channel" invariant under random
// interleavings of concurrent session creation and removal.
func TestManager_ConcurrentSessionCreationKeepsTableConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("every created channel maps to exactly one session, and removal is total",
		prop.ForAll(
			func(n int) bool {
				m := NewManager(discardLogger(), nil)
				ids := make([]string, n)

				var wg sync.WaitGroup
				for i := 0; i < n; i++ {
					i := i
					wg.Add(1)
					go func() {
						defer wg.Done()
						s := m.NewSession(DirectionOutbound, channelName(i), "02120000000", "02130000000", UnmappedLineID)
						ids[i] = s.ID
					}()
				}
				wg.Wait()

				for i := 0; i < n; i++ {
					s, ok := m.BySessionForChannel(channelName(i))
					if !ok || s.ID != ids[i] {
						return false
					}
				}

				var wg2 sync.WaitGroup
				for i := 0; i < n; i++ {
					i := i
					wg2.Add(1)
					go func() {
						defer wg2.Done()
						m.Remove(ids[i])
					}()
				}
				wg2.Wait()

				for i := 0; i < n; i++ {
					if _, ok := m.BySessionForChannel(channelName(i)); ok {
						return false
					}
				}
				return true
			},
			gen.IntRange(1, 50),
		))

	properties.TestingRun(t)
}

func channelName(i int) string {
	return "chan-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
