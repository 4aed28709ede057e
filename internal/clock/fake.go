package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Advance runs every timer and ticker
// whose deadline falls inside the advanced window, in deadline order, on
// the calling goroutine. That gives tests the same single-threaded,
// timer-driven scheduling the production event flow assumes.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake returns a Fake positioned at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{clock: f, interval: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers and ticking due
// tickers in chronological order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		fn, at, ok := f.nextFiring(target)
		if !ok {
			break
		}
		f.mu.Lock()
		if at.After(f.now) {
			f.now = at
		}
		f.mu.Unlock()
		fn()
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// nextFiring pops the earliest timer or ticker due at or before target.
func (f *Fake) nextFiring(target time.Time) (func(), time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sort.Slice(f.timers, func(i, j int) bool { return f.timers[i].deadline.Before(f.timers[j].deadline) })

	var bestTimer *fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fired && !t.deadline.After(target) {
			bestTimer = t
			break
		}
	}

	var bestTicker *fakeTicker
	for _, tk := range f.tickers {
		if !tk.stopped && !tk.next.After(target) {
			if bestTicker == nil || tk.next.Before(bestTicker.next) {
				bestTicker = tk
			}
		}
	}

	switch {
	case bestTimer == nil && bestTicker == nil:
		return nil, time.Time{}, false
	case bestTicker == nil || (bestTimer != nil && !bestTimer.deadline.After(bestTicker.next)):
		bestTimer.fired = true
		return bestTimer.fn, bestTimer.deadline, true
	default:
		at := bestTicker.next
		bestTicker.next = at.Add(bestTicker.interval)
		ch := bestTicker.ch
		return func() {
			select {
			case ch <- at:
			default:
			}
		}, at, true
	}
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeTicker struct {
	clock    *Fake
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
