package telephony

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 20; i++ {
		b.next()
	}
	d := b.current()
	require.LessOrEqual(t, d, 30*time.Second+30*time.Second*20/100)
}

func TestBackoff_ResetReturnsToBase(t *testing.T) {
	b := newBackoff()
	b.next()
	b.next()
	b.reset()
	require.Equal(t, 0, b.attempt)
}

func TestClassify(t *testing.T) {
	cases := map[int]ErrorCategory{
		http.StatusNotFound:            ErrNotFound,
		http.StatusConflict:            ErrConflict,
		http.StatusForbidden:           ErrRejected,
		http.StatusUnauthorized:        ErrRejected,
		http.StatusInternalServerError: ErrServer,
		http.StatusBadRequest:          ErrRejected,
	}
	for status, want := range cases {
		require.Equal(t, want, classify(status))
	}
}
