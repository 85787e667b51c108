// Package relay implements the tool server connection manager: connection
// lifecycle, health monitoring, and reconnection with exponential backoff.
package relay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mcprelay-go/internal/relay/types"
)

// RetryFunc attempts to re-establish one connection. A nil return stops
// further retries for that key; any error schedules the next attempt.
type RetryFunc func(key types.ServerKey) error

// ReconnectionScheduler owns the retry timers for lost connections. One
// timer exists per key at any time; scheduling again supersedes the
// pending timer. Retries continue until they succeed or are cancelled.
type ReconnectionScheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	base    time.Duration
	max     time.Duration
	retry   RetryFunc
	entries map[types.ServerKey]*reconnectEntry
	logger  *zap.Logger
}

type reconnectEntry struct {
	attempts    int
	timer       *clock.Timer
	nextRetryAt time.Time
	// gen invalidates a fired timer that was superseded or cancelled
	// while its callback was waiting on the lock
	gen uint64
}

// NewReconnectionScheduler creates a scheduler with the given backoff bounds.
func NewReconnectionScheduler(clk clock.Clock, base, max time.Duration, logger *zap.Logger) *ReconnectionScheduler {
	return &ReconnectionScheduler{
		clock:   clk,
		base:    base,
		max:     max,
		entries: make(map[types.ServerKey]*reconnectEntry),
		logger:  logger,
	}
}

// SetRetryFunc installs the retry callback. Must be called before the
// first ScheduleRetry.
func (s *ReconnectionScheduler) SetRetryFunc(retry RetryFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = retry
}

// delayFor computes the backoff delay for a given attempt count,
// doubling from the base and saturating at the max.
func (s *ReconnectionScheduler) delayFor(attempts int) time.Duration {
	delay := s.base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.max {
			return s.max
		}
	}
	if delay > s.max {
		return s.max
	}
	return delay
}

// ScheduleRetry arms (or re-arms) the retry timer for a key. If a timer is
// already pending it is cancelled and replaced; the attempt count carries
// over so the delay keeps growing.
func (s *ReconnectionScheduler) ScheduleRetry(key types.ServerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		entry = &reconnectEntry{}
		s.entries[key] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}

	s.scheduleLocked(key, entry)
}

func (s *ReconnectionScheduler) scheduleLocked(key types.ServerKey, entry *reconnectEntry) {
	entry.gen++
	gen := entry.gen
	delay := s.delayFor(entry.attempts)
	entry.nextRetryAt = s.clock.Now().Add(delay)
	entry.timer = s.clock.AfterFunc(delay, func() {
		s.fire(key, gen)
	})

	reconnectsScheduled.Inc()
	s.logger.Info("Scheduled reconnection attempt",
		zap.String("server", key.String()),
		zap.Int("attempt", entry.attempts+1),
		zap.Duration("delay", delay))
}

func (s *ReconnectionScheduler) fire(key types.ServerKey, gen uint64) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok || entry.gen != gen {
		s.mu.Unlock()
		return
	}
	retry := s.retry
	s.mu.Unlock()

	if retry == nil {
		return
	}
	err := retry(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok = s.entries[key]
	if !ok || entry.gen != gen {
		// Cancelled or superseded while the retry was running
		return
	}
	if err == nil {
		delete(s.entries, key)
		return
	}

	entry.attempts++
	s.scheduleLocked(key, entry)
}

// Cancel stops the pending retry for a key. Cancelling a key with no
// pending retry is a no-op.
func (s *ReconnectionScheduler) Cancel(key types.ServerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

func (s *ReconnectionScheduler) cancelLocked(key types.ServerKey) {
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gen++
	delete(s.entries, key)
}

// CancelDevice stops all pending retries for one device.
func (s *ReconnectionScheduler) CancelDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.DeviceID == deviceID {
			s.cancelLocked(key)
		}
	}
}

// CancelAll stops every pending retry.
func (s *ReconnectionScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		s.cancelLocked(key)
	}
}

// Pending reports whether a retry is scheduled for the key.
func (s *ReconnectionScheduler) Pending(key types.ServerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Attempts returns the number of failed attempts recorded for a key.
func (s *ReconnectionScheduler) Attempts(key types.ServerKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		return entry.attempts
	}
	return 0
}

// NextRetry returns when the pending retry for a key will fire.
func (s *ReconnectionScheduler) NextRetry(key types.ServerKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		return entry.nextRetryAt, true
	}
	return time.Time{}, false
}
