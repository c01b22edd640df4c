package stt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractText_FallsThroughLevels(t *testing.T) {
	var r transcribeResponse
	r.Text = "top level"
	require.Equal(t, "top level", extractText(r))

	r = transcribeResponse{}
	r.Data.Text = "nested"
	require.Equal(t, "nested", extractText(r))

	r = transcribeResponse{}
	r.Data.AIResponse.Result.Text = "deepest"
	require.Equal(t, "deepest", extractText(r))

	r = transcribeResponse{}
	require.Equal(t, "", extractText(r))
}

func TestIsQuotaPhrase(t *testing.T) {
	require.True(t, isQuotaPhrase("Insufficient Balance for this account"))
	require.True(t, isQuotaPhrase("quota exceeded today"))
	require.False(t, isQuotaPhrase("hello there"))
}

func TestPreFilterThresholds(t *testing.T) {
	require.True(t, minDurationSecs > 0)
	require.True(t, minRMS > 0)
	require.True(t, minBytes > 0)

	// Boundary values exactly at the threshold are not "too short"
	// ("duration < 0.1s" is exclusive of 0.1s itself, so only
	// strictly-below values reject).
	require.False(t, minDurationSecs < minDurationSecs)
}
