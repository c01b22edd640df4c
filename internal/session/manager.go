package session

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SuspendKey identifies a flow step parked waiting for a specific
// telephony event, registered before the triggering REST call is made so
// the wakeup can never race the subscription (spec.md §5 "event-driven
// awaits").
type SuspendKey struct {
	SessionID string
	Kind      string // "playback" | "recording" | "operator" | "dial"
	ID        string // optional; current callers leave it empty (one wait per kind per session)
}

// Manager owns the session table and is the sole mutator of it.
type Manager struct {
	logger *slog.Logger

	tableMu           sync.Mutex
	sessions          map[string]*Session
	channelToSession  map[string]string
	playbackToSession map[string]string
	recordingToSession map[string]string
	lines             map[string]*Line
	lineOrder         []*Line // configuration order, for Lines
	inboundWaitQueue  map[string]*list.List // lineID -> FIFO of pending channel IDs

	signalsMu sync.Mutex
	signals   map[SuspendKey]chan struct{}

	scenariosMu     sync.Mutex
	activeScenarios []string
}

// NewManager builds an empty session table over the given lines.
func NewManager(logger *slog.Logger, lines []*Line) *Manager {
	byID := make(map[string]*Line, len(lines))
	waitQueues := make(map[string]*list.List, len(lines))
	for _, l := range lines {
		byID[l.ID] = l
		waitQueues[l.ID] = list.New()
	}
	return &Manager{
		logger:             logger,
		sessions:           make(map[string]*Session),
		channelToSession:   make(map[string]string),
		playbackToSession:  make(map[string]string),
		recordingToSession: make(map[string]string),
		lines:              byID,
		lineOrder:          append([]*Line(nil), lines...),
		inboundWaitQueue:   waitQueues,
		signals:            make(map[SuspendKey]chan struct{}),
	}
}

// Lines returns every configured line, in configuration order, for the
// dialer's selection pass.
func (m *Manager) Lines() []*Line {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	return append([]*Line(nil), m.lineOrder...)
}

// Get returns the session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// BySessionForChannel resolves the owning session for a channel id.
func (m *Manager) BySessionForChannel(channelID string) (*Session, bool) {
	m.tableMu.Lock()
	sessID, ok := m.channelToSession[channelID]
	m.tableMu.Unlock()
	if !ok {
		return nil, false
	}
	return m.Get(sessID)
}

// BySessionForPlayback resolves the owning session for a playback id.
func (m *Manager) BySessionForPlayback(playbackID string) (*Session, bool) {
	m.tableMu.Lock()
	sessID, ok := m.playbackToSession[playbackID]
	m.tableMu.Unlock()
	if !ok {
		return nil, false
	}
	return m.Get(sessID)
}

// BySessionForRecording resolves the owning session for a recording id.
func (m *Manager) BySessionForRecording(recordingID string) (*Session, bool) {
	m.tableMu.Lock()
	sessID, ok := m.recordingToSession[recordingID]
	m.tableMu.Unlock()
	if !ok {
		return nil, false
	}
	return m.Get(sessID)
}

// NewSession allocates and inserts a fresh session bound to channelID.
func (m *Manager) NewSession(direction Direction, channelID, number, callerID, lineID string) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		Direction:    direction,
		CustomerLeg:  Leg{ChannelID: channelID, State: LegCreated, Number: number, CallerID: callerID},
		LineID:       lineID,
		LoopCounters: make(map[string]int),
	}

	m.tableMu.Lock()
	m.sessions[s.ID] = s
	m.channelToSession[channelID] = s.ID
	m.tableMu.Unlock()

	return s
}

// BindChannel registers an additional channel→session mapping, used for
// an operator leg originated after the session already exists.
func (m *Manager) BindChannel(channelID, sessionID string) {
	m.tableMu.Lock()
	m.channelToSession[channelID] = sessionID
	m.tableMu.Unlock()
}

// LineByID returns the configured line with the given id.
func (m *Manager) LineByID(id string) (*Line, bool) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	l, ok := m.lines[id]
	return l, ok
}

// ActiveSessionCount reports the number of live sessions, for metrics.
func (m *Manager) ActiveSessionCount() int {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	return len(m.sessions)
}

// LineOccupancy is a point-in-time read of a line's in-flight counters,
// for metrics export.
type LineOccupancy struct {
	ID               string
	OutboundInFlight int
	InboundInFlight  int
}

// LineOccupancySnapshot returns the current occupancy of every configured
// line.
func (m *Manager) LineOccupancySnapshot() []LineOccupancy {
	lines := m.Lines()
	now := time.Now()
	out := make([]LineOccupancy, 0, len(lines))
	for _, l := range lines {
		snap := l.Snapshot(now)
		out = append(out, LineOccupancy{ID: l.ID, OutboundInFlight: snap.OutboundInFlight, InboundInFlight: snap.InboundInFlight})
	}
	return out
}

// SetActiveScenarios records the panel's current active_scenarios names,
// refreshed on every batch fetch, so inbound call handling can select a
// scenario the panel currently wants used even though the panel's batch
// protocol is phrased around outbound dialing (spec.md §9 Open Question).
func (m *Manager) SetActiveScenarios(names []string) {
	m.scenariosMu.Lock()
	m.activeScenarios = names
	m.scenariosMu.Unlock()
}

// ActiveScenarios returns the most recently recorded active scenario
// names.
func (m *Manager) ActiveScenarios() []string {
	m.scenariosMu.Lock()
	defer m.scenariosMu.Unlock()
	return append([]string(nil), m.activeScenarios...)
}

// BindPlayback/BindRecording register an id→session mapping once the
// triggering telephony call has returned the id; the step's wakeup signal
// itself is registered before that call (RegisterSignal).
func (m *Manager) BindPlayback(playbackID, sessionID string) {
	m.tableMu.Lock()
	m.playbackToSession[playbackID] = sessionID
	m.tableMu.Unlock()
}

func (m *Manager) BindRecording(recordingID, sessionID string) {
	m.tableMu.Lock()
	m.recordingToSession[recordingID] = sessionID
	m.tableMu.Unlock()
}

// Remove deletes a session and all of its mappings. Callers must have
// already run cleanup.
func (m *Manager) Remove(sessionID string) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	delete(m.channelToSession, s.CustomerLeg.ChannelID)
	if s.OperatorLeg != nil {
		delete(m.channelToSession, s.OperatorLeg.ChannelID)
	}
	for pb, sid := range m.playbackToSession {
		if sid == sessionID {
			delete(m.playbackToSession, pb)
		}
	}
	for rec, sid := range m.recordingToSession {
		if sid == sessionID {
			delete(m.recordingToSession, rec)
		}
	}
}

// RegisterSignal creates and returns a one-shot wakeup channel for key.
// It must be called before the telephony call that will eventually
// produce the matching event, so Signal can never race ahead of the
// waiter (spec.md §5).
func (m *Manager) RegisterSignal(key SuspendKey) <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.signalsMu.Lock()
	m.signals[key] = ch
	m.signalsMu.Unlock()
	return ch
}

// Signal wakes the waiter registered for key, if any. It is safe to call
// even if no one is waiting (the event simply has no effect).
func (m *Manager) Signal(key SuspendKey) {
	m.signalsMu.Lock()
	ch, ok := m.signals[key]
	if ok {
		delete(m.signals, key)
	}
	m.signalsMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

// CancelSignal discards a registered wakeup without firing it, used when
// a step's watchdog deadline expires first.
func (m *Manager) CancelSignal(key SuspendKey) {
	m.signalsMu.Lock()
	delete(m.signals, key)
	m.signalsMu.Unlock()
}

// EnqueueInboundWaiter appends channelID to lineID's FIFO wait queue.
func (m *Manager) EnqueueInboundWaiter(lineID, channelID string) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	q, ok := m.inboundWaitQueue[lineID]
	if !ok {
		q = list.New()
		m.inboundWaitQueue[lineID] = q
	}
	q.PushBack(channelID)
}

// OnLineFree pops the next FIFO inbound waiter for lineID, if any.
func (m *Manager) OnLineFree(lineID string) (channelID string, ok bool) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	q, ok := m.inboundWaitQueue[lineID]
	if !ok || q.Len() == 0 {
		return "", false
	}
	front := q.Front()
	q.Remove(front)
	return front.Value.(string), true
}

// HasQueuedInbound reports whether lineID currently has any inbound
// waiter queued; the dialer must not resume outbound origination on a
// line while this is true (spec.md §5).
func (m *Manager) HasQueuedInbound(lineID string) bool {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	q, ok := m.inboundWaitQueue[lineID]
	return ok && q.Len() > 0
}

// QueuedInboundLen reports how many inbound waiters remain queued on
// lineID, for reconciling the line's own waiting-count metric.
func (m *Manager) QueuedInboundLen(lineID string) int {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	q, ok := m.inboundWaitQueue[lineID]
	if !ok {
		return 0
	}
	return q.Len()
}
