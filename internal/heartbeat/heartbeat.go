// Package heartbeat implements the ping/pong liveness monitor for a
// duplex message channel. A silently dead socket keeps accepting writes,
// so the only reliable liveness signal is a missing pong.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/config"
)

// Monitor sends a ping at a fixed interval and expects a pong within the
// configured timeout. Invariant: at most one ping is outstanding at a
// time; while the pong deadline is armed no further ping is sent.
type Monitor struct {
	mu sync.Mutex

	clk clock.Clock
	cfg config.HeartbeatConfig
	log *zap.Logger

	// send transmits one ping message on the owning transport.
	send func() error
	// expire is invoked once when a ping goes unanswered; the owning
	// channel closes the transport with a heartbeat-timeout reason.
	expire func()

	running      bool
	pingTimer    clock.Timer
	pongDeadline clock.Timer
}

func NewMonitor(clk clock.Clock, cfg config.HeartbeatConfig, send func() error, expire func(), log *zap.Logger) *Monitor {
	return &Monitor{
		clk:    clk,
		cfg:    cfg,
		send:   send,
		expire: expire,
		log:    log,
	}
}

// Start begins the ping cycle. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.schedulePingLocked(m.cfg.PingInterval)
}

// Stop cancels all pending timers. Safe to call repeatedly and after the
// transport is already closed.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.pongDeadline != nil {
		m.pongDeadline.Stop()
		m.pongDeadline = nil
	}
}

// OnPong cancels the outstanding deadline and schedules the next ping.
// A pong with no ping in flight is ignored.
func (m *Monitor) OnPong() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pongDeadline == nil {
		return
	}
	m.pongDeadline.Stop()
	m.pongDeadline = nil

	if m.running {
		m.schedulePingLocked(m.cfg.PingInterval)
	}
}

// Outstanding reports whether a ping is awaiting its pong.
func (m *Monitor) Outstanding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pongDeadline != nil
}

func (m *Monitor) schedulePingLocked(after time.Duration) {
	m.pingTimer = m.clk.AfterFunc(after, m.firePing)
}

func (m *Monitor) firePing() {
	m.mu.Lock()
	if !m.running || m.pongDeadline != nil {
		// Stopped meanwhile, or a ping is already in flight.
		m.mu.Unlock()
		return
	}
	send := m.send
	m.pongDeadline = m.clk.AfterFunc(m.cfg.PongTimeout, m.fireDeadline)
	m.mu.Unlock()

	if err := send(); err != nil {
		m.log.Warn("heartbeat ping failed", zap.Error(err))
		// The write error surfaces through the read loop as a close;
		// the armed deadline guarantees expiry even if it does not.
	}
}

func (m *Monitor) fireDeadline() {
	m.mu.Lock()
	if !m.running || m.pongDeadline == nil {
		m.mu.Unlock()
		return
	}
	m.pongDeadline = nil
	m.running = false
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	expire := m.expire
	m.mu.Unlock()

	m.log.Warn("heartbeat timed out waiting for pong",
		zap.Duration("timeout", m.cfg.PongTimeout))
	expire()
}
