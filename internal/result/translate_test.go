package result

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslate_KnownCodes(t *testing.T) {
	cases := []struct {
		code       string
		status     Status
		transcript bool
	}{
		{"connected_to_operator", StatusConnected, true},
		{"not_interested", StatusNotInterested, true},
		{"disconnected", StatusDisconnected, true},
		{"unknown", StatusUnknown, true},
		{"hangup", StatusHangup, false},
		{"missed", StatusMissed, false},
		{"user_didnt_answer", StatusMissed, false},
		{"busy", StatusBusy, false},
		{"power_off", StatusPowerOff, false},
		{"banned", StatusBanned, false},
		{"failed:stt_failure", StatusNotInterested, false},
	}
	for _, c := range cases {
		status, transcript := Translate(c.code)
		require.Equal(t, c.status, status, c.code)
		require.Equal(t, c.transcript, transcript, c.code)
	}
}

func TestTranslate_GenericFailedPrefix(t *testing.T) {
	status, transcript := Translate("failed:telephony_error")
	require.Equal(t, StatusFailed, status)
	require.False(t, transcript)
}

func TestTranslate_UnmappedCodeFallsBackToUnknown(t *testing.T) {
	status, _ := Translate("something_unheard_of")
	require.Equal(t, StatusUnknown, status)
}

func TestTracker_AtMostOncePerSession(t *testing.T) {
	tr := NewTracker()
	require.True(t, tr.ShouldReport("sess-1"))
	require.False(t, tr.ShouldReport("sess-1"))
	require.True(t, tr.ShouldReport("sess-2"))
}

func TestTracker_ForgetAllowsReuse(t *testing.T) {
	tr := NewTracker()
	require.True(t, tr.ShouldReport("sess-1"))
	tr.Forget("sess-1")
	require.True(t, tr.ShouldReport("sess-1"))
}
