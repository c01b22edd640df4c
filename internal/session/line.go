package session

import (
	"strings"
	"sync"
	"time"
)

// Line is an outbound-trunk identity with live rate-limit counters
// (spec.md §3). Counter mutation is guarded by its own mutex, acquired
// briefly and never nested inside a session lock.
type Line struct {
	ID          string
	PhoneNumber string
	DisplayName string

	mu sync.Mutex

	outboundInFlight int
	inboundInFlight  int

	secondWindowStart time.Time
	originationsThisSecond int
	lastOriginationAt time.Time

	minuteTimestamps []time.Time

	dayStart time.Time
	callsToday int

	inboundWaiting int
}

// NewLine constructs a Line with its counters zeroed.
func NewLine(id, phoneNumber, displayName string) *Line {
	now := time.Now()
	return &Line{
		ID:          id,
		PhoneNumber: phoneNumber,
		DisplayName: displayName,
		dayStart:    localMidnight(now),
	}
}

func localMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Snapshot is a point-in-time read of a line's counters, used by the
// dialer's line-selection algorithm.
type Snapshot struct {
	OutboundInFlight       int
	InboundInFlight        int
	CallsLastMinute        int
	CallsToday             int
	InboundWaiting         int
	OriginationsThisSecond int
	LastOriginationAt      time.Time
}

// Snapshot returns the line's current counters, rolling the daily
// counter over at local midnight and pruning the sliding minute window.
func (l *Line) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay(now)
	l.pruneMinute(now)
	l.rollSecond(now)
	return Snapshot{
		OutboundInFlight:       l.outboundInFlight,
		InboundInFlight:        l.inboundInFlight,
		CallsLastMinute:        len(l.minuteTimestamps),
		CallsToday:             l.callsToday,
		InboundWaiting:         l.inboundWaiting,
		OriginationsThisSecond: l.originationsThisSecond,
		LastOriginationAt:      l.lastOriginationAt,
	}
}

func (l *Line) rollSecond(now time.Time) {
	if now.Sub(l.secondWindowStart) >= time.Second {
		l.secondWindowStart = now
		l.originationsThisSecond = 0
	}
}

func (l *Line) rollDay(now time.Time) {
	mid := localMidnight(now)
	if mid.After(l.dayStart) {
		l.dayStart = mid
		l.callsToday = 0
	}
}

func (l *Line) pruneMinute(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := l.minuteTimestamps[:0]
	for _, ts := range l.minuteTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.minuteTimestamps = kept
}

// RecordOutboundAttempt increments the line's in-flight, minute, and
// daily counters for a newly originated outbound call.
func (l *Line) RecordOutboundAttempt(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay(now)
	l.pruneMinute(now)
	l.rollSecond(now)
	l.outboundInFlight++
	l.minuteTimestamps = append(l.minuteTimestamps, now)
	l.callsToday++
	l.originationsThisSecond++
	l.lastOriginationAt = now
}

// ReleaseOutbound decrements the outbound in-flight counter once a call
// on this line has reached a terminal state.
func (l *Line) ReleaseOutbound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outboundInFlight > 0 {
		l.outboundInFlight--
	}
}

// AcquireInbound/ReleaseInbound track concurrent inbound legs on the line.
func (l *Line) AcquireInbound() {
	l.mu.Lock()
	l.inboundInFlight++
	l.mu.Unlock()
}

func (l *Line) ReleaseInbound() {
	l.mu.Lock()
	if l.inboundInFlight > 0 {
		l.inboundInFlight--
	}
	l.mu.Unlock()
}

func (l *Line) SetInboundWaiting(n int) {
	l.mu.Lock()
	l.inboundWaiting = n
	l.mu.Unlock()
}

// NormalizeNumber strips non-digit characters and prefixes a bare
// 10-digit number with a leading "0" (spec.md §4.6 "Number
// normalisation").
func NormalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		return "0" + digits
	}
	return digits
}

// MatchLine finds the configured line whose phone number shares the last
// four digits with the inbound DID (case-insensitive on formatting,
// applied via NormalizeNumber first). Returns false if no line matches.
func MatchLine(lines []*Line, inboundDID string) (*Line, bool) {
	did := NormalizeNumber(inboundDID)
	if len(did) < 4 {
		return nil, false
	}
	suffix := did[len(did)-4:]

	for _, l := range lines {
		num := NormalizeNumber(l.PhoneNumber)
		if len(num) < 4 {
			continue
		}
		if num[len(num)-4:] == suffix {
			return l, true
		}
	}
	return nil, false
}

const UnmappedLineID = "unmapped"

// CauseOutcome is the early-terminal result yielded directly from a SIP
// cause code, bypassing any subsequent scenario step (spec.md §4.6).
type CauseOutcome string

const (
	CauseBusy     CauseOutcome = "busy"
	CausePowerOff CauseOutcome = "power_off"
	CauseBanned   CauseOutcome = "banned"
	CauseMissed   CauseOutcome = "missed"
)

// MapCause translates a SIP numeric cause code into a terminal outcome.
func MapCause(code int) CauseOutcome {
	switch code {
	case 17:
		return CauseBusy
	case 18, 19, 20:
		return CausePowerOff
	case 21, 34, 41, 42:
		return CauseBanned
	default:
		return CauseMissed
	}
}
