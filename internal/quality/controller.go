package quality

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/config"
	"meetmesh/internal/media"
)

// TransportSource supplies the live peer transports whose stats drive
// tier selection.
type TransportSource interface {
	LiveTransports() []media.Transport
}

// Change records one tier transition for telemetry.
type Change struct {
	From      Tier
	To        Tier
	Timestamp time.Time
}

// Controller samples uplink bandwidth on a fixed cadence and moves the
// outgoing video between tiers. Transitions happen only at tick
// boundaries, and only when the computed tier differs from the current
// one, so a single noisy sample cannot flap the encoder.
type Controller struct {
	mu sync.Mutex

	clk    clock.Clock
	cfg    config.QualityConfig
	source TransportSource
	stream media.LocalStream
	log    *zap.Logger

	tier     Tier
	override *Tier
	changes  []Change

	ticker  clock.Ticker
	stop    chan struct{}
	done    chan struct{}
	running bool

	// onTier fires after a tier is applied, for broadcasting the new
	// tier to the room.
	onTier func(Tier)
}

func NewController(clk clock.Clock, cfg config.QualityConfig, source TransportSource, stream media.LocalStream, onTier func(Tier), log *zap.Logger) *Controller {
	return &Controller{
		clk:    clk,
		cfg:    cfg,
		source: source,
		stream: stream,
		log:    log,
		tier:   TierHigh,
		onTier: onTier,
	}
}

// Start begins the sampling loop. It is a no-op if already running.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.ticker = c.clk.NewTicker(c.cfg.SampleInterval)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(ctx, c.ticker, c.stop, c.done)
}

// Stop halts the sampling loop and waits for it to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.ticker.Stop()
	close(c.stop)
	done := c.done
	c.mu.Unlock()
	<-done
}

func (c *Controller) run(ctx context.Context, ticker clock.Ticker, stop chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ticker.C():
			c.tick(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick takes one bandwidth sample and applies a tier change if needed.
// A pinned override skips sampling entirely; no stats calls are made
// until the override clears.
func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	pinned := c.override
	c.mu.Unlock()

	var (
		kbps float64
		rtt  time.Duration
		n    int
	)
	if pinned == nil {
		kbps, rtt, n = c.sample(ctx)
	}

	c.mu.Lock()
	target := c.tier
	if c.override != nil {
		target = *c.override
	} else if n > 0 {
		target = TierForBitrate(kbps, c.cfg)
	}
	// Without any live transport there is nothing to measure; hold the
	// current tier rather than guessing.
	if target == c.tier {
		c.mu.Unlock()
		return
	}
	from := c.tier
	c.tier = target
	c.changes = append(c.changes, Change{From: from, To: target, Timestamp: c.clk.Now()})
	onTier := c.onTier
	c.mu.Unlock()

	c.log.Info("quality tier changed",
		zap.String("from", from.String()),
		zap.String("to", target.String()),
		zap.Float64("available_kbps", kbps),
		zap.Duration("rtt", rtt),
		zap.Int("transports", n))

	c.apply(target)
	if onTier != nil {
		onTier(target)
	}
}

// sample averages available outgoing bitrate and round-trip time across
// the live transports. Transports whose stats cannot be read are skipped.
func (c *Controller) sample(ctx context.Context) (kbps float64, rtt time.Duration, n int) {
	var rttSum time.Duration
	for _, t := range c.source.LiveTransports() {
		stats, err := t.GetStats(ctx)
		if err != nil {
			c.log.Debug("stats read failed", zap.String("remote_id", t.RemoteID()), zap.Error(err))
			continue
		}
		kbps += stats.AvailableOutgoingKbps
		rttSum += stats.RTT
		n++
	}
	if n > 0 {
		kbps /= float64(n)
		rtt = rttSum / time.Duration(n)
	}
	return kbps, rtt, n
}

// apply pushes the tier's encoding profile to every video sender, or
// disables outgoing video entirely for the audio-only tier. Dropping to
// audio-only never renegotiates; the tracks stay attached and resume
// when bandwidth recovers.
func (c *Controller) apply(t Tier) {
	if t == TierAudioOnly {
		c.stream.SetVideoEnabled(false)
		return
	}
	c.stream.SetVideoEnabled(true)

	p := ProfileFor(t)
	params := media.EncodingParams{
		MaxBitrateKbps: p.MaxBitrateKbps,
		MaxFramerate:   p.FrameRate,
		// Scale down from the capture resolution toward the tier's
		// target height.
		ScaleResolutionDownBy: scaleFor(t),
	}
	for _, tr := range c.source.LiveTransports() {
		for _, s := range tr.VideoSenders() {
			if err := s.Apply(params); err != nil {
				c.log.Warn("encoding update failed",
					zap.String("remote_id", tr.RemoteID()), zap.Error(err))
			}
		}
	}
}

func scaleFor(t Tier) float64 {
	switch t {
	case TierHigh:
		return 1.0
	case TierMedium:
		return 1.5
	case TierLow:
		return 3.0
	default:
		return 1.0
	}
}

// SetOverride pins the tier manually. Automatic adaptation is suspended
// until ClearOverride; the pinned tier is applied on the next tick.
func (c *Controller) SetOverride(t Tier) {
	c.mu.Lock()
	c.override = &t
	c.mu.Unlock()
	c.log.Info("quality tier pinned", zap.String("tier", t.String()))
}

// ClearOverride resumes automatic adaptation starting with the next tick.
func (c *Controller) ClearOverride() {
	c.mu.Lock()
	c.override = nil
	c.mu.Unlock()
	c.log.Info("quality tier unpinned")
}

// Tier returns the currently applied tier.
func (c *Controller) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// DrainChanges returns and clears the tier transitions recorded since the
// previous call. Telemetry consumes these each upload cycle.
func (c *Controller) DrainChanges() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.changes
	c.changes = nil
	return out
}
