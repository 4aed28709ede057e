// Package calls establishes and retries direct media connections to the
// other participants of a room. Camera and screen-share calls to the same
// participant are tracked as independent attempts.
package calls

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/config"
	"meetmesh/internal/media"
)

// screenShareSuffix gives screen-share calls a distinct logical identity
// from the camera call to the same participant.
const screenShareSuffix = ":screen"

type attemptState int

const (
	attemptDialing attemptState = iota
	attemptWaitingStream
	attemptConnected
	attemptFailed
	attemptTorn
)

// attempt is one outbound call to a remote participant. Its epoch is
// bumped whenever the attempt moves on (retry, teardown), so callbacks
// from a superseded dial, timer or transport are recognized as stale.
type attempt struct {
	remoteID    string
	key         string
	screenShare bool
	stream      media.LocalStream

	state      attemptState
	retryCount int
	epoch      int

	transport   media.Transport
	streamTimer clock.Timer
	retryTimer  clock.Timer
}

// Manager owns all call attempts of a session.
type Manager struct {
	mu sync.Mutex

	clk    clock.Clock
	cfg    config.CallConfig
	dialer media.Dialer
	log    *zap.Logger

	active   map[string]bool
	attempts map[string]*attempt
	closed   bool

	// onConnected fires when a call delivers its remote stream.
	onConnected func(remoteID string, screenShare bool, t media.Transport)
	// onFailed fires when retries toward one peer are exhausted; the
	// session stays up and surfaces the peer as degraded.
	onFailed func(remoteID string, screenShare bool)
	// onLiveChange fires whenever the set of live transports changes.
	onLiveChange func()
}

// Callbacks wires the manager's events into the session.
type Callbacks struct {
	OnConnected  func(remoteID string, screenShare bool, t media.Transport)
	OnFailed     func(remoteID string, screenShare bool)
	OnLiveChange func()
}

func NewManager(clk clock.Clock, cfg config.CallConfig, dialer media.Dialer, cbs Callbacks, log *zap.Logger) *Manager {
	return &Manager{
		clk:          clk,
		cfg:          cfg,
		dialer:       dialer,
		log:          log,
		active:       make(map[string]bool),
		attempts:     make(map[string]*attempt),
		onConnected:  cbs.OnConnected,
		onFailed:     cbs.OnFailed,
		onLiveChange: cbs.OnLiveChange,
	}
}

func callKey(remoteID string, screenShare bool) string {
	if screenShare {
		return remoteID + screenShareSuffix
	}
	return remoteID
}

// HandlePeerJoined records a participant as active and initiates the
// camera call.
func (m *Manager) HandlePeerJoined(ctx context.Context, remoteID string, stream media.LocalStream) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.active[remoteID] = true
	m.mu.Unlock()

	m.ConnectTo(ctx, remoteID, stream, false)
}

// HandlePeerLeft tears down the camera and screen-share attempts toward a
// departed participant and suppresses any retry still in flight.
func (m *Manager) HandlePeerLeft(remoteID string) {
	m.mu.Lock()
	delete(m.active, remoteID)
	var stale []media.Transport
	found := false
	for _, key := range []string{callKey(remoteID, false), callKey(remoteID, true)} {
		if a, ok := m.attempts[key]; ok {
			stale = append(stale, m.tearDownLocked(a))
			delete(m.attempts, key)
			found = true
		}
	}
	cb := m.onLiveChange
	m.mu.Unlock()

	closeAll(stale)
	if found {
		m.log.Info("tore down calls to departed peer", zap.String("remote_id", remoteID))
		if cb != nil {
			cb()
		}
	}
}

// ConnectTo initiates (or restarts) a call toward a known participant.
// A fresh call replaces any existing attempt with the same identity.
func (m *Manager) ConnectTo(ctx context.Context, remoteID string, stream media.LocalStream, screenShare bool) {
	key := callKey(remoteID, screenShare)

	m.mu.Lock()
	if m.closed || !m.active[remoteID] {
		m.mu.Unlock()
		return
	}
	var prevTransport media.Transport
	if prev, ok := m.attempts[key]; ok {
		prevTransport = m.tearDownLocked(prev)
	}
	a := &attempt{
		remoteID:    remoteID,
		key:         key,
		screenShare: screenShare,
		stream:      stream,
	}
	m.attempts[key] = a
	m.mu.Unlock()

	if prevTransport != nil {
		prevTransport.Close()
	}
	m.startAttempt(ctx, a)
}

// startAttempt dials the peer. The stream-arrival timer is armed at call
// initiation so a hung negotiation counts against the same deadline.
func (m *Manager) startAttempt(ctx context.Context, a *attempt) {
	m.mu.Lock()
	if m.closed || !m.active[a.remoteID] || m.attempts[a.key] != a || a.state == attemptTorn {
		m.mu.Unlock()
		return
	}
	a.state = attemptDialing
	a.epoch++
	epoch := a.epoch
	retry := a.retryCount
	a.streamTimer = m.clk.AfterFunc(m.cfg.StreamTimeout, func() {
		m.handleNoStream(ctx, a, epoch)
	})
	m.mu.Unlock()

	m.log.Info("calling peer",
		zap.String("remote_id", a.remoteID),
		zap.Bool("screen_share", a.screenShare),
		zap.Int("retry", retry))

	go m.dial(ctx, a, epoch)
}

func (m *Manager) dial(ctx context.Context, a *attempt, epoch int) {
	t, err := m.dialer.Dial(ctx, a.remoteID, a.stream, a.screenShare)

	m.mu.Lock()
	// The peer may have left, or the attempt may have been superseded,
	// while the dial was in flight.
	if !m.currentLocked(a, epoch) {
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.log.Warn("call failed", zap.String("remote_id", a.remoteID), zap.Error(err))
		m.scheduleRetry(ctx, a, epoch)
		return
	}

	a.transport = t
	a.state = attemptWaitingStream
	m.mu.Unlock()

	t.OnStream(func() { m.handleStream(a, epoch) })
	t.OnClose(func() { m.handleTransportClosed(ctx, a, epoch) })
}

// currentLocked reports whether this attempt epoch is still the one the
// manager cares about. Every suspension point re-validates through it.
func (m *Manager) currentLocked(a *attempt, epoch int) bool {
	return !m.closed && m.attempts[a.key] == a && a.epoch == epoch &&
		m.active[a.remoteID] && a.state != attemptTorn
}

func (m *Manager) handleStream(a *attempt, epoch int) {
	m.mu.Lock()
	if !m.currentLocked(a, epoch) || a.state == attemptConnected {
		m.mu.Unlock()
		return
	}
	a.state = attemptConnected
	a.retryCount = 0
	if a.streamTimer != nil {
		a.streamTimer.Stop()
		a.streamTimer = nil
	}
	t := a.transport
	onConnected := m.onConnected
	onLive := m.onLiveChange
	m.mu.Unlock()

	m.log.Info("call connected",
		zap.String("remote_id", a.remoteID),
		zap.Bool("screen_share", a.screenShare))
	if onConnected != nil {
		onConnected(a.remoteID, a.screenShare, t)
	}
	if onLive != nil {
		onLive()
	}
}

func (m *Manager) handleNoStream(ctx context.Context, a *attempt, epoch int) {
	m.log.Warn("no stream within timeout",
		zap.String("remote_id", a.remoteID),
		zap.Duration("timeout", m.cfg.StreamTimeout))
	m.scheduleRetry(ctx, a, epoch)
}

func (m *Manager) handleTransportClosed(ctx context.Context, a *attempt, epoch int) {
	m.mu.Lock()
	if !m.currentLocked(a, epoch) {
		m.mu.Unlock()
		return
	}
	wasConnected := a.state == attemptConnected
	onLive := m.onLiveChange
	m.mu.Unlock()

	if wasConnected {
		m.log.Warn("established call dropped", zap.String("remote_id", a.remoteID))
		if onLive != nil {
			onLive()
		}
	}
	m.scheduleRetry(ctx, a, epoch)
}

// scheduleRetry arms the next attempt with linearly increasing delay,
// provided the peer is still known as active and retries remain. It
// supersedes any outstanding timer or transport callback by bumping the
// attempt epoch.
func (m *Manager) scheduleRetry(ctx context.Context, a *attempt, epoch int) {
	m.mu.Lock()
	if !m.currentLocked(a, epoch) {
		m.mu.Unlock()
		return
	}
	a.epoch++
	next := a.epoch
	if a.streamTimer != nil {
		a.streamTimer.Stop()
		a.streamTimer = nil
	}
	stale := a.transport
	a.transport = nil

	if a.retryCount >= m.cfg.MaxRetries {
		a.state = attemptFailed
		onFailed := m.onFailed
		m.mu.Unlock()

		if stale != nil {
			stale.Close()
		}
		m.log.Error("call retries exhausted",
			zap.String("remote_id", a.remoteID),
			zap.Bool("screen_share", a.screenShare),
			zap.Int("retries", m.cfg.MaxRetries))
		if onFailed != nil {
			onFailed(a.remoteID, a.screenShare)
		}
		return
	}

	delay := m.cfg.RetryDelay * time.Duration(a.retryCount+1)
	a.retryCount++
	retry := a.retryCount
	a.state = attemptDialing
	a.retryTimer = m.clk.AfterFunc(delay, func() {
		m.mu.Lock()
		// The peer may have left while the retry timer ran.
		if !m.currentLocked(a, next) {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.startAttempt(ctx, a)
	})
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	m.log.Info("call retry scheduled",
		zap.String("remote_id", a.remoteID),
		zap.Int("retry", retry),
		zap.Duration("delay", delay))
}

// tearDownLocked cancels an attempt's timers and detaches its transport,
// returning it for the caller to close outside the lock (closing can fire
// OnClose synchronously). Caller holds m.mu.
func (m *Manager) tearDownLocked(a *attempt) media.Transport {
	a.state = attemptTorn
	a.epoch++
	if a.streamTimer != nil {
		a.streamTimer.Stop()
		a.streamTimer = nil
	}
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	t := a.transport
	a.transport = nil
	return t
}

func closeAll(ts []media.Transport) {
	for _, t := range ts {
		if t != nil {
			t.Close()
		}
	}
}

// LiveTransports returns every transport that has delivered a stream and
// is still live. Quality control, telemetry and the status aggregator all
// read liveness through this.
func (m *Manager) LiveTransports() []media.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []media.Transport
	for _, a := range m.attempts {
		if a.state == attemptConnected && a.transport != nil && a.transport.Live() {
			out = append(out, a.transport)
		}
	}
	return out
}

// HasLivePeer reports whether at least one peer transport is live.
func (m *Manager) HasLivePeer() bool {
	return len(m.LiveTransports()) > 0
}

// IsActive reports whether a participant is currently known to the room.
func (m *Manager) IsActive(remoteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[remoteID]
}

// RetryCount exposes a call's retry counter for status display.
func (m *Manager) RetryCount(remoteID string, screenShare bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[callKey(remoteID, screenShare)]; ok {
		return a.retryCount
	}
	return 0
}

// Close tears down every attempt. Called on intentional leave, after the
// reconnect schedulers are cancelled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var stale []media.Transport
	for key, a := range m.attempts {
		stale = append(stale, m.tearDownLocked(a))
		delete(m.attempts, key)
	}
	m.active = make(map[string]bool)
	m.mu.Unlock()

	closeAll(stale)
}
