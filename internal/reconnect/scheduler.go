// Package reconnect drives retry timing for a failed transport:
// exponential backoff with one-sided jitter, a hard cap on the delay and
// a hard cap on consecutive attempts.
package reconnect

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/config"
)

// ErrRetriesExhausted is reported once maxAttempts consecutive failures
// occur with no successful open in between. The scheduler never recovers
// from this on its own.
var ErrRetriesExhausted = errors.New("reconnect: retries exhausted")

// Scheduler arms retry timers for a single transport. It is owned by
// exactly one channel and shares its lifetime.
type Scheduler struct {
	mu sync.Mutex

	clk  clock.Clock
	cfg  config.ReconnectConfig
	log  *zap.Logger
	rand func() float64

	// retry re-dials the transport; attempt numbering is 0-based.
	retry func(attempt int)
	// onExhausted fires exactly once when the attempt budget runs out.
	onExhausted func()

	timer     clock.Timer
	stopped   bool
	exhausted bool
}

func NewScheduler(clk clock.Clock, cfg config.ReconnectConfig, retry func(attempt int), onExhausted func(), log *zap.Logger) *Scheduler {
	return &Scheduler{
		clk:         clk,
		cfg:         cfg,
		log:         log,
		rand:        rand.Float64,
		retry:       retry,
		onExhausted: onExhausted,
	}
}

// Delay computes the backoff for a 0-based attempt number:
// min(maxDelay, base*2^attempt) scaled by a jitter multiplier in
// [1, 1+jitterFactor). Monotonically non-decreasing up to the cap.
func (s *Scheduler) Delay(attempt int) time.Duration {
	base := s.cfg.BaseDelay
	for i := 0; i < attempt && base < s.cfg.MaxDelay; i++ {
		base *= 2
	}
	if base > s.cfg.MaxDelay {
		base = s.cfg.MaxDelay
	}
	jitter := 1 + s.cfg.JitterFactor*s.rand()
	return time.Duration(float64(base) * jitter)
}

// Schedule arms a retry for the given 0-based attempt number. Returns
// ErrRetriesExhausted when the budget is spent, after reporting the
// terminal condition upward. Scheduling after Cancel is a no-op.
func (s *Scheduler) Schedule(attempt int) error {
	s.mu.Lock()
	if s.stopped || s.exhausted {
		s.mu.Unlock()
		if s.exhausted {
			return ErrRetriesExhausted
		}
		return nil
	}
	if attempt >= s.cfg.MaxAttempts {
		s.exhausted = true
		onExhausted := s.onExhausted
		s.mu.Unlock()

		s.log.Error("reconnect attempts exhausted",
			zap.Int("max_attempts", s.cfg.MaxAttempts))
		if onExhausted != nil {
			onExhausted()
		}
		return ErrRetriesExhausted
	}

	delay := s.Delay(attempt)
	s.timer = s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped || s.exhausted {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.retry(attempt)
	})
	s.mu.Unlock()

	s.log.Info("reconnect scheduled",
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay))
	return nil
}

// Cancel stops any pending retry and prevents future ones. Used on
// intentional disconnect; must be called before the transport closes so
// no retry fires after leave.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Exhausted reports whether the attempt budget has been spent.
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// SetRand overrides the jitter source. Tests use this to pin delays.
func (s *Scheduler) SetRand(r func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rand = r
}
