// Package signaling maintains the two duplex control channels of a
// meeting session: the room socket (signaling) and the user socket
// (notifications). Each channel owns a heartbeat monitor and a reconnect
// scheduler and presents a thin connecting→open→closed state machine.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/config"
	"meetmesh/internal/heartbeat"
	"meetmesh/internal/reconnect"
)

// Role distinguishes the room socket from the user socket.
type Role string

const (
	RoleSignaling    Role = "signaling"
	RoleNotification Role = "notification"
)

// Status is the channel state machine's current state.
type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotOpen is returned by Send while the channel has no live socket.
var ErrNotOpen = errors.New("signaling: channel not open")

// heartbeatCloseGrace bounds the close-frame write when tearing a socket
// down.
const heartbeatCloseGrace = 2 * time.Second

// ErrRejected marks an application-level rejection close; the channel
// will not reconnect.
var ErrRejected = errors.New("signaling: closed by application rejection")

// Channel is one duplex message channel. The websocket connection is
// replaced wholesale on every reconnect; a generation counter keeps
// events from a superseded socket out of the state machine.
type Channel struct {
	mu sync.Mutex

	role   Role
	url    string
	dialer *websocket.Dialer
	clk    clock.Clock
	log    *zap.Logger

	conn    *websocket.Conn
	gen     int
	status  Status
	attempt int

	hb    *heartbeat.Monitor
	sched *reconnect.Scheduler

	handlers map[MessageType][]func(Inbound)

	// onOpen fires after every successful open; reconnected is true when
	// this open recovered a dropped socket. The session uses it to send
	// the role-specific ready message (join-room or register).
	onOpen func(reconnected bool)
	// onStatusChange reports state transitions with the current attempt
	// counter for the aggregator's display.
	onStatusChange func(Status, int)
	// onExhausted fires once when the reconnect budget is spent.
	onExhausted func()

	ctx      context.Context
	rejected bool
	left     bool
}

// Options carries the session-level wiring for a channel.
type Options struct {
	Role           Role
	URL            string
	Heartbeat      config.HeartbeatConfig
	Reconnect      config.ReconnectConfig
	OnOpen         func(reconnected bool)
	OnStatusChange func(Status, int)
	OnExhausted    func()
}

func NewChannel(clk clock.Clock, opts Options, log *zap.Logger) *Channel {
	c := &Channel{
		role:           opts.Role,
		url:            opts.URL,
		dialer:         websocket.DefaultDialer,
		clk:            clk,
		log:            log.With(zap.String("channel", string(opts.Role))),
		status:         StatusClosed,
		handlers:       make(map[MessageType][]func(Inbound)),
		onOpen:         opts.OnOpen,
		onStatusChange: opts.OnStatusChange,
		onExhausted:    opts.OnExhausted,
	}
	c.hb = heartbeat.NewMonitor(clk, opts.Heartbeat, c.sendPing, c.expireHeartbeat, c.log)
	c.sched = reconnect.NewScheduler(clk, opts.Reconnect, c.redial, c.exhaust, c.log)
	return c
}

// On registers a handler for an application message type. Handlers for
// pong frames are never invoked; the heartbeat monitor consumes them.
func (c *Channel) On(t MessageType, h func(Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// Connect establishes the channel and starts its read loop. The context
// bounds the initial dial and all redials.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return fmt.Errorf("signaling: channel already closed")
	}
	c.ctx = ctx
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Channel) dial(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.log.Warn("dial failed", zap.Error(err))
		c.setStatus(StatusClosed)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("signaling: channel closed during dial")
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	wasReconnect := c.attempt > 0
	c.attempt = 0
	onOpen := c.onOpen
	c.mu.Unlock()

	c.setStatus(StatusOpen)
	c.hb.Start()
	c.log.Info("channel open", zap.Bool("reconnect", wasReconnect))

	if onOpen != nil {
		onOpen(wasReconnect)
	}

	go c.readLoop(conn, gen)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}

		msg, derr := decodeInbound(data)
		if derr != nil {
			c.log.Warn("dropping malformed frame", zap.Error(derr))
			continue
		}

		if c.stale(gen) {
			return
		}

		if msg.Type == TypePong {
			c.hb.OnPong()
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen || c.left
}

func (c *Channel) dispatch(msg Inbound) {
	c.mu.Lock()
	hs := make([]func(Inbound), len(c.handlers[msg.Type]))
	copy(hs, c.handlers[msg.Type])
	c.mu.Unlock()

	if len(hs) == 0 {
		c.log.Debug("no handler for message", zap.String("type", string(msg.Type)))
		return
	}
	for _, h := range hs {
		h(msg)
	}
}

// handleClosed runs when the read loop exits. Rejection closes and
// intentional leaves are terminal; everything else goes through the
// reconnect scheduler.
func (c *Channel) handleClosed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.left {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == CloseCodeRejected {
		c.rejected = true
	}
	rejected := c.rejected
	c.mu.Unlock()

	c.hb.Stop()

	if rejected {
		c.log.Warn("channel closed by application rejection; not retrying")
		c.sched.Cancel()
		c.setStatus(StatusClosed)
		return
	}

	c.log.Warn("channel closed unexpectedly", zap.Error(err))
	c.setStatus(StatusClosed)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()

	if err := c.sched.Schedule(attempt); err != nil {
		// Exhaustion already reported through onExhausted.
		return
	}
}

func (c *Channel) redial(int) {
	c.mu.Lock()
	ctx := c.ctx
	left := c.left
	c.mu.Unlock()
	if left {
		return
	}
	// Dial failures reschedule internally; nothing to do with the error.
	_ = c.dial(ctx)
}

func (c *Channel) exhaust() {
	c.setStatus(StatusClosed)
	c.mu.Lock()
	onExhausted := c.onExhausted
	c.mu.Unlock()
	if onExhausted != nil {
		onExhausted()
	}
}

// Send transmits one application message. Per-channel send order follows
// call order; the websocket write is serialized by the channel mutex.
func (c *Channel) Send(msg Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusOpen || c.conn == nil {
		return ErrNotOpen
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s: %w", msg.Type, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Channel) sendPing() error {
	return c.Send(Outbound{Type: TypePing})
}

// expireHeartbeat closes the socket after a missed pong. The read loop
// observes the close and runs the normal unexpected-closure path, so a
// heartbeat timeout is retryable like any other abnormal close.
func (c *Channel) expireHeartbeat() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat timeout"),
			c.clk.Now().Add(heartbeatCloseGrace))
		conn.Close()
	}
}

// Close performs an intentional disconnect: cancel the scheduler and all
// timers first, then close the socket, guaranteeing no retry fires after
// leave.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.sched.Cancel()
	c.hb.Stop()

	if conn != nil {
		c.setStatus(StatusClosing)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
			c.clk.Now().Add(heartbeatCloseGrace))
		conn.Close()
	}
	c.setStatus(StatusClosed)
	return nil
}

// Status returns the current state machine state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempt returns the 0-based reconnect attempt counter.
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Exhausted reports whether the reconnect budget is spent.
func (c *Channel) Exhausted() bool {
	return c.sched.Exhausted()
}

// Rejected reports whether the server closed the channel with the
// application rejection code.
func (c *Channel) Rejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	attempt := c.attempt
	cb := c.onStatusChange
	c.mu.Unlock()

	if cb != nil {
		cb(s, attempt)
	}
}
