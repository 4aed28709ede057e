package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/quality"
)

// QualityChange is one tier transition included in an uploaded report.
type QualityChange struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the aggregated connection-stats payload posted to the
// backend.
type Report struct {
	RoomID     string `json:"room_id"`
	UserID     string `json:"user_id"`
	Browser    string `json:"browser,omitempty"`
	DeviceType string `json:"device_type,omitempty"`

	ConnectedAt time.Time `json:"connected_at"`
	SampleCount int       `json:"sample_count"`

	AvgBitrateKbps float64 `json:"avg_bitrate"`
	MinBitrateKbps float64 `json:"min_bitrate"`
	MaxBitrateKbps float64 `json:"max_bitrate"`
	AvgRTTMs       float64 `json:"avg_rtt"`
	PacketLoss     float64 `json:"packet_loss"`

	Reconnections  int             `json:"reconnections"`
	QualityChanges []QualityChange `json:"quality_changes"`
}

// Identity labels reports with the session they describe.
type Identity struct {
	RoomID      string
	UserID      string
	Browser     string
	DeviceType  string
	ConnectedAt time.Time
}

// Uploader aggregates the sample ring into a report on a fixed cadence
// and hands it to the reporter. The ring is never drained, so each
// report aggregates over everything the ring currently retains.
type Uploader struct {
	mu sync.Mutex

	clk      clock.Clock
	interval time.Duration
	ring     *Ring
	reporter *Reporter
	identity Identity
	log      *zap.Logger

	// reconnections returns the session's cumulative reconnect count.
	reconnections func() int
	// drainChanges pulls tier transitions recorded since the last pull.
	drainChanges func() []quality.Change

	changes []QualityChange

	ticker  clock.Ticker
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func NewUploader(clk clock.Clock, interval time.Duration, ring *Ring, reporter *Reporter, identity Identity, reconnections func() int, drainChanges func() []quality.Change, log *zap.Logger) *Uploader {
	return &Uploader{
		clk:           clk,
		interval:      interval,
		ring:          ring,
		reporter:      reporter,
		identity:      identity,
		log:           log,
		reconnections: reconnections,
		drainChanges:  drainChanges,
	}
}

func (u *Uploader) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return
	}
	u.running = true
	u.ticker = u.clk.NewTicker(u.interval)
	u.stop = make(chan struct{})
	u.done = make(chan struct{})
	go u.run(ctx, u.ticker, u.stop, u.done)
}

// Stop halts the upload loop and flushes one final report so samples
// taken since the last cycle are not lost on teardown.
func (u *Uploader) Stop(ctx context.Context) {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	u.ticker.Stop()
	close(u.stop)
	done := u.done
	u.mu.Unlock()
	<-done

	u.Upload(ctx)
}

func (u *Uploader) run(ctx context.Context, ticker clock.Ticker, stop chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ticker.C():
			u.Upload(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Upload builds and sends one report. With no samples and no events it
// sends nothing.
func (u *Uploader) Upload(ctx context.Context) {
	report, ok := u.buildReport()
	if !ok {
		return
	}
	if err := u.reporter.Send(ctx, report); err != nil {
		u.log.Warn("stats upload failed", zap.Error(err))
		return
	}
	u.log.Debug("stats report uploaded",
		zap.Int("samples", report.SampleCount),
		zap.Int("reconnections", report.Reconnections))
}

func (u *Uploader) buildReport() (Report, bool) {
	samples := u.ring.All()

	u.mu.Lock()
	if u.drainChanges != nil {
		for _, c := range u.drainChanges() {
			u.changes = append(u.changes, QualityChange{
				From:      c.From.String(),
				To:        c.To.String(),
				Timestamp: c.Timestamp,
			})
		}
	}
	changes := make([]QualityChange, len(u.changes))
	copy(changes, u.changes)
	u.mu.Unlock()

	var reconnects int
	if u.reconnections != nil {
		reconnects = u.reconnections()
	}
	if len(samples) == 0 && len(changes) == 0 && reconnects == 0 {
		return Report{}, false
	}

	report := Report{
		RoomID:         u.identity.RoomID,
		UserID:         u.identity.UserID,
		Browser:        u.identity.Browser,
		DeviceType:     u.identity.DeviceType,
		ConnectedAt:    u.identity.ConnectedAt,
		SampleCount:    len(samples),
		Reconnections:  reconnects,
		QualityChanges: changes,
	}
	if len(samples) > 0 {
		var bitrateSum, lossSum float64
		var rttSum time.Duration
		minB, maxB := samples[0].BitrateKbps, samples[0].BitrateKbps
		for _, s := range samples {
			bitrateSum += s.BitrateKbps
			lossSum += s.PacketLossRate
			rttSum += s.RTT
			if s.BitrateKbps < minB {
				minB = s.BitrateKbps
			}
			if s.BitrateKbps > maxB {
				maxB = s.BitrateKbps
			}
		}
		n := float64(len(samples))
		report.AvgBitrateKbps = bitrateSum / n
		report.MinBitrateKbps = minB
		report.MaxBitrateKbps = maxB
		report.AvgRTTMs = float64(rttSum.Milliseconds()) / n
		report.PacketLoss = lossSum / n
	}
	return report, true
}
