package telephony

import (
	"sync"
	"time"
)

// sequencerIdleTimeout bounds how long a per-key worker goroutine lingers
// after its last event before it tears itself down; without this, a
// long-running process would leak one goroutine and channel per channel
// ID/session ever seen.
const sequencerIdleTimeout = 2 * time.Minute

// KeyFunc resolves the serialization key for an event. Two events that
// resolve to the same non-empty key are always handled in the order they
// were dispatched; events with different keys (or an empty key) may be
// handled concurrently, since there is nothing to serialize against.
type KeyFunc func(Event) string

// Sequencer restores per-session ordering on top of a read loop that must
// never block: Dispatch does not wait on handler execution (it blocks only
// while a key's event buffer is full, see Dispatch), but two
// events sharing a key are always run one at a time, in arrival order, by
// the same worker goroutine (spec.md §4.2, §5/§7 — "within a session,
// events are applied in stream order"). A bare `go handle(evt)` per event
// cannot provide this: two independently scheduled goroutines have no
// guaranteed relative execution order even though they were spawned in
// order.
type Sequencer struct {
	keyFunc KeyFunc
	handle  Handler

	mu      sync.Mutex
	workers map[string]chan Event
}

// NewSequencer builds a Sequencer that serializes events sharing a key
// resolved by keyFunc, ultimately invoking handle for each one.
func NewSequencer(keyFunc KeyFunc, handle Handler) *Sequencer {
	return &Sequencer{keyFunc: keyFunc, handle: handle, workers: make(map[string]chan Event)}
}

// Dispatch queues evt for its key's worker, starting one if none exists,
// and returns without waiting for the handler, unless that worker's
// 64-event buffer is full, in which case it blocks until there is room.
// Events with no resolvable key run on their own
// one-shot goroutine, unordered relative to everything else, since an
// unresolvable key means the event can't yet be tied to any session.
func (s *Sequencer) Dispatch(evt Event) {
	key := s.keyFunc(evt)
	if key == "" {
		go s.handle(evt)
		return
	}

	s.mu.Lock()
	ch, ok := s.workers[key]
	if !ok {
		ch = make(chan Event, 64)
		s.workers[key] = ch
		go s.drain(key, ch)
	}
	s.mu.Unlock()

	ch <- evt
}

// drain is the sole goroutine that ever calls handle for key, guaranteeing
// in-order delivery; it exits and removes itself from workers once key has
// been idle for sequencerIdleTimeout.
func (s *Sequencer) drain(key string, ch chan Event) {
	idle := time.NewTimer(sequencerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case evt := <-ch:
			if !idle.Stop() {
				<-idle.C
			}
			s.handle(evt)
			idle.Reset(sequencerIdleTimeout)
		case <-idle.C:
			s.mu.Lock()
			if len(ch) > 0 {
				// Lost the race against an in-flight Dispatch; keep going.
				s.mu.Unlock()
				idle.Reset(sequencerIdleTimeout)
				continue
			}
			delete(s.workers, key)
			s.mu.Unlock()
			return
		}
	}
}
