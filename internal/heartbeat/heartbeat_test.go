package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/config"
)

func testConfig() config.HeartbeatConfig {
	return config.HeartbeatConfig{
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
	}
}

func TestPingPongCycle(t *testing.T) {
	clk := clock.NewFake()
	pings := 0
	expired := false
	m := NewMonitor(clk, testConfig(), func() error {
		pings++
		return nil
	}, func() { expired = true }, zap.NewNop())

	m.Start()
	assert.Equal(t, 0, pings)

	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, pings)
	assert.True(t, m.Outstanding())

	// A pong inside the timeout cancels the deadline and schedules the
	// next ping a full interval later.
	clk.Advance(5 * time.Second)
	m.OnPong()
	assert.False(t, m.Outstanding())

	clk.Advance(30 * time.Second)
	assert.Equal(t, 2, pings)
	assert.False(t, expired)
}

func TestAtMostOneOutstandingPing(t *testing.T) {
	clk := clock.NewFake()
	pings := 0
	m := NewMonitor(clk, testConfig(), func() error {
		pings++
		return nil
	}, func() {}, zap.NewNop())

	m.Start()
	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, pings)

	// No pong: the deadline is armed and no new ping may be scheduled.
	clk.Advance(9 * time.Second)
	assert.Equal(t, 1, pings)
	assert.True(t, m.Outstanding())
}

func TestMissedPongExpires(t *testing.T) {
	clk := clock.NewFake()
	expirations := 0
	m := NewMonitor(clk, testConfig(), func() error { return nil },
		func() { expirations++ }, zap.NewNop())

	m.Start()
	clk.Advance(30 * time.Second)
	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, expirations)

	// The monitor stopped itself; nothing further fires.
	clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, expirations)
	assert.False(t, m.Outstanding())
}

func TestStopIsIdempotent(t *testing.T) {
	clk := clock.NewFake()
	pings := 0
	expired := false
	m := NewMonitor(clk, testConfig(), func() error {
		pings++
		return nil
	}, func() { expired = true }, zap.NewNop())

	m.Start()
	m.Stop()
	m.Stop()

	clk.Advance(5 * time.Minute)
	assert.Equal(t, 0, pings)
	assert.False(t, expired)
}

func TestStopCancelsOutstandingDeadline(t *testing.T) {
	clk := clock.NewFake()
	expired := false
	m := NewMonitor(clk, testConfig(), func() error { return nil },
		func() { expired = true }, zap.NewNop())

	m.Start()
	clk.Advance(30 * time.Second)
	m.Stop()

	clk.Advance(time.Minute)
	assert.False(t, expired)
}

func TestPongWithoutPingIgnored(t *testing.T) {
	clk := clock.NewFake()
	m := NewMonitor(clk, testConfig(), func() error { return nil },
		func() {}, zap.NewNop())

	m.Start()
	m.OnPong()
	assert.False(t, m.Outstanding())
}

func TestRestartAfterStop(t *testing.T) {
	clk := clock.NewFake()
	pings := 0
	m := NewMonitor(clk, testConfig(), func() error {
		pings++
		return nil
	}, func() {}, zap.NewNop())

	m.Start()
	m.Stop()
	m.Start()

	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, pings)
}
