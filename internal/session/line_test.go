package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeNumber(t *testing.T) {
	require.Equal(t, "02125551234", NormalizeNumber("(212) 555-1234"))
	require.Equal(t, "02125551234", NormalizeNumber(NormalizeNumber("(212) 555-1234")))
	require.Equal(t, "123", NormalizeNumber("123"))
}

func TestMatchLine_LastFourDigits(t *testing.T) {
	lines := []*Line{
		NewLine("l1", "+1-212-555-1234", "Line 1"),
		NewLine("l2", "+1-212-555-9999", "Line 2"),
	}

	l, ok := MatchLine(lines, "02125551234")
	require.True(t, ok)
	require.Equal(t, "l1", l.ID)

	_, ok = MatchLine(lines, "0000")
	require.False(t, ok)
}

func TestMapCause(t *testing.T) {
	cases := map[int]CauseOutcome{
		17: CauseBusy,
		18: CausePowerOff,
		19: CausePowerOff,
		20: CausePowerOff,
		21: CauseBanned,
		34: CauseBanned,
		41: CauseBanned,
		42: CauseBanned,
		1:  CauseMissed,
		99: CauseMissed,
	}
	for code, want := range cases {
		require.Equal(t, want, MapCause(code))
	}
}

func TestLine_DailyCounterRollsAtMidnight(t *testing.T) {
	l := NewLine("l1", "5551234", "Line 1")
	nextMidnight := l.dayStart.AddDate(0, 0, 1)
	day1 := nextMidnight.Add(-time.Minute)
	l.RecordOutboundAttempt(day1)
	require.Equal(t, 1, l.Snapshot(day1).CallsToday)

	day2 := nextMidnight.Add(time.Minute)
	require.Equal(t, 0, l.Snapshot(day2).CallsToday)
}

func TestLine_MinuteWindowPrunesOldEntries(t *testing.T) {
	l := NewLine("l1", "5551234", "Line 1")
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	l.RecordOutboundAttempt(base)
	l.RecordOutboundAttempt(base.Add(30 * time.Second))

	require.Equal(t, 2, l.Snapshot(base.Add(45*time.Second)).CallsLastMinute)
	require.Equal(t, 1, l.Snapshot(base.Add(75*time.Second)).CallsLastMinute)
	require.Equal(t, 0, l.Snapshot(base.Add(200*time.Second)).CallsLastMinute)
}

func TestLine_InFlightCounters(t *testing.T) {
	l := NewLine("l1", "5551234", "Line 1")
	now := time.Now()
	l.RecordOutboundAttempt(now)
	require.Equal(t, 1, l.Snapshot(now).OutboundInFlight)
	l.ReleaseOutbound()
	require.Equal(t, 0, l.Snapshot(now).OutboundInFlight)
	l.ReleaseOutbound()
	require.Equal(t, 0, l.Snapshot(now).OutboundInFlight)
}
