package relay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcprelay-go/internal/relay/types"
)

const (
	testBaseDelay = 30 * time.Second
	testMaxDelay  = 480 * time.Second
)

type retryRecorder struct {
	mu       sync.Mutex
	times    []time.Time
	failures int // retries fail until this many attempts have happened
	clock    clock.Clock
}

func (r *retryRecorder) retry(_ types.ServerKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, r.clock.Now())
	if len(r.times) <= r.failures {
		return errors.New("still down")
	}
	return nil
}

func (r *retryRecorder) callTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func newTestScheduler(t *testing.T, failures int) (*ReconnectionScheduler, *clock.Mock, *retryRecorder) {
	t.Helper()
	mock := clock.NewMock()
	rec := &retryRecorder{failures: failures, clock: mock}
	sched := NewReconnectionScheduler(mock, testBaseDelay, testMaxDelay, zap.NewNop())
	sched.SetRetryFunc(rec.retry)
	return sched, mock, rec
}

func TestBackoffDelaysDoubleAndSaturate(t *testing.T) {
	sched, mock, rec := newTestScheduler(t, 7)
	key := types.ServerKey{DeviceID: "dev-1", ServerName: "files"}

	start := mock.Now()
	sched.ScheduleRetry(key)

	// Drive the clock far enough for eight attempts.
	mock.Add(time.Hour)

	times := rec.callTimes()
	require.GreaterOrEqual(t, len(times), 7)

	// Delays from schedule to first attempt, then between attempts:
	// 30s, 60s, 120s, 240s, 480s, 480s, 480s.
	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		480 * time.Second,
		480 * time.Second,
	}
	prev := start
	for i, expected := range want {
		assert.Equal(t, expected, times[i].Sub(prev), "delay before attempt %d", i+1)
		prev = times[i]
	}
}

func TestThreeFailuresThenSuccess(t *testing.T) {
	sched, mock, rec := newTestScheduler(t, 3)
	key := types.ServerKey{DeviceID: "dev-1", ServerName: "files"}

	start := mock.Now()
	sched.ScheduleRetry(key)
	mock.Add(time.Hour)

	times := rec.callTimes()
	require.Len(t, times, 4, "three failed retries plus the successful one")

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
	}
	prev := start
	for i, expected := range want {
		assert.Equal(t, expected, times[i].Sub(prev), "delay before attempt %d", i+1)
		prev = times[i]
	}

	// Success clears the entry: no pending retry, attempts reset.
	assert.False(t, sched.Pending(key))
	assert.Equal(t, 0, sched.Attempts(key))
}

func TestSuccessResetsBackoff(t *testing.T) {
	sched, mock, rec := newTestScheduler(t, 2)
	key := types.ServerKey{DeviceID: "dev-1", ServerName: "files"}

	sched.ScheduleRetry(key)
	mock.Add(time.Hour)
	require.False(t, sched.Pending(key))

	// A fresh failure after success starts the backoff from the base delay.
	before := len(rec.callTimes())
	scheduledAt := mock.Now()
	sched.ScheduleRetry(key)

	next, ok := sched.NextRetry(key)
	require.True(t, ok)
	assert.Equal(t, testBaseDelay, next.Sub(scheduledAt))

	mock.Add(testBaseDelay)
	assert.Equal(t, before+1, len(rec.callTimes()))
}

func TestScheduleRetrySupersedesPendingTimer(t *testing.T) {
	sched, mock, rec := newTestScheduler(t, 0)
	key := types.ServerKey{DeviceID: "dev-1", ServerName: "files"}

	sched.ScheduleRetry(key)
	mock.Add(10 * time.Second)
	sched.ScheduleRetry(key)

	// The first timer was superseded: only one retry fires, at the
	// rescheduled deadline.
	mock.Add(30 * time.Second)
	times := rec.callTimes()
	require.Len(t, times, 1)

	mock.Add(time.Hour)
	assert.Len(t, rec.callTimes(), 1)
}

func TestCancelStopsPendingRetry(t *testing.T) {
	sched, mock, rec := newTestScheduler(t, 0)
	key := types.ServerKey{DeviceID: "dev-1", ServerName: "files"}

	sched.ScheduleRetry(key)
	require.True(t, sched.Pending(key))

	sched.Cancel(key)
	assert.False(t, sched.Pending(key))

	mock.Add(time.Hour)
	assert.Empty(t, rec.callTimes())

	// Cancelling a key with nothing pending is a no-op.
	sched.Cancel(key)
}

func TestCancelDeviceScopedToOneDevice(t *testing.T) {
	sched, mock, rec := newTestScheduler(t, 0)

	keyA := types.ServerKey{DeviceID: "dev-1", ServerName: "files"}
	keyB := types.ServerKey{DeviceID: "dev-1", ServerName: "browser"}
	keyC := types.ServerKey{DeviceID: "dev-2", ServerName: "files"}

	sched.ScheduleRetry(keyA)
	sched.ScheduleRetry(keyB)
	sched.ScheduleRetry(keyC)

	sched.CancelDevice("dev-1")
	assert.False(t, sched.Pending(keyA))
	assert.False(t, sched.Pending(keyB))
	assert.True(t, sched.Pending(keyC))

	mock.Add(time.Hour)
	assert.Len(t, rec.callTimes(), 1)
}

func TestCancelAll(t *testing.T) {
	sched, mock, rec := newTestScheduler(t, 0)

	sched.ScheduleRetry(types.ServerKey{DeviceID: "dev-1", ServerName: "a"})
	sched.ScheduleRetry(types.ServerKey{DeviceID: "dev-2", ServerName: "b"})

	sched.CancelAll()
	mock.Add(time.Hour)
	assert.Empty(t, rec.callTimes())
}

func TestNextRetryReportsDeadline(t *testing.T) {
	sched, mock, _ := newTestScheduler(t, 0)
	key := types.ServerKey{DeviceID: "dev-1", ServerName: "files"}

	_, ok := sched.NextRetry(key)
	assert.False(t, ok)

	sched.ScheduleRetry(key)
	next, ok := sched.NextRetry(key)
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(testBaseDelay), next)
}
