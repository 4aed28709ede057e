package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/media"
)

// TransportSource supplies the live transports to measure.
type TransportSource interface {
	LiveTransports() []media.Transport
}

// Sampler reads stats from one representative live transport on a fixed
// cadence and records a Sample into the ring. Send bitrate is derived
// from the byte counter delta between consecutive reads of the same
// transport.
type Sampler struct {
	mu sync.Mutex

	clk      clock.Clock
	interval time.Duration
	source   TransportSource
	ring     *Ring
	log      *zap.Logger

	prevRemoteID string
	prevBytes    uint64
	prevAt       time.Time

	ticker  clock.Ticker
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func NewSampler(clk clock.Clock, interval time.Duration, source TransportSource, ring *Ring, log *zap.Logger) *Sampler {
	return &Sampler{
		clk:      clk,
		interval: interval,
		source:   source,
		ring:     ring,
		log:      log,
	}
}

func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ticker = s.clk.NewTicker(s.interval)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx, s.ticker, s.stop, s.done)
}

func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Sampler) run(ctx context.Context, ticker clock.Ticker, stop chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ticker.C():
			s.SampleOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SampleOnce takes a single measurement. With no live transport it
// records nothing.
func (s *Sampler) SampleOnce(ctx context.Context) {
	transports := s.source.LiveTransports()
	if len(transports) == 0 {
		return
	}
	t := transports[0]

	stats, err := t.GetStats(ctx)
	if err != nil {
		s.log.Debug("telemetry stats read failed",
			zap.String("remote_id", t.RemoteID()), zap.Error(err))
		return
	}
	now := s.clk.Now()

	s.mu.Lock()
	var bitrate float64
	if s.prevRemoteID == t.RemoteID() && !s.prevAt.IsZero() && stats.BytesSent >= s.prevBytes {
		elapsed := now.Sub(s.prevAt).Seconds()
		if elapsed > 0 {
			bitrate = float64(stats.BytesSent-s.prevBytes) * 8 / 1000 / elapsed
		}
	}
	s.prevRemoteID = t.RemoteID()
	s.prevBytes = stats.BytesSent
	s.prevAt = now
	s.mu.Unlock()

	var loss float64
	if total := stats.PacketsLost + stats.PacketsSent; total > 0 {
		loss = float64(stats.PacketsLost) / float64(total)
	}

	s.ring.Add(Sample{
		Timestamp:      now,
		BitrateKbps:    bitrate,
		RTT:            stats.RTT,
		PacketLossRate: loss,
	})
}
