package panel

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubReporter struct {
	mu   sync.Mutex
	fail bool
	got  []Result
}

func (s *stubReporter) ReportResult(ctx context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errFailing
	}
	s.got = append(s.got, r)
	return nil
}

var errFailing = &reportErr{}

type reportErr struct{}

func (e *reportErr) Error() string { return "reporter unavailable" }

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReportQueue_DropsOldestWhenFull(t *testing.T) {
	r := &stubReporter{fail: true}
	q := NewReportQueue(r, 2, silentLogger())

	q.Enqueue(Result{PhoneNumber: "1"})
	q.Enqueue(Result{PhoneNumber: "2"})
	q.Enqueue(Result{PhoneNumber: "3"})

	require.Equal(t, 2, q.Len())
	require.Equal(t, uint64(1), q.Dropped())

	first, ok := q.peek()
	require.True(t, ok)
	require.Equal(t, "2", first.PhoneNumber)
}

func TestReportQueue_Drain_StopsOnFirstFailure(t *testing.T) {
	r := &stubReporter{fail: true}
	q := NewReportQueue(r, 10, silentLogger())
	q.Enqueue(Result{PhoneNumber: "1"})
	q.Enqueue(Result{PhoneNumber: "2"})

	q.Drain(context.Background())

	require.Equal(t, 2, q.Len())
}

func TestReportQueue_Drain_FlushesOnSuccess(t *testing.T) {
	r := &stubReporter{}
	q := NewReportQueue(r, 10, silentLogger())
	q.Enqueue(Result{PhoneNumber: "1"})
	q.Enqueue(Result{PhoneNumber: "2"})

	q.Drain(context.Background())

	require.Equal(t, 0, q.Len())
	require.Len(t, r.got, 2)
}
