package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// EncoderControl adjusts the local encoder feeding outbound video. Pion
// senders do not carry browser-style encoding parameters, so tier changes
// are applied at the encoder.
type EncoderControl interface {
	SetTargetBitrate(kbps int) error
	SetMaxFramerate(fps int) error
	SetResolutionScale(scale float64) error
}

// Negotiator performs the SDP offer/answer exchange for a new peer
// connection. The broker that relays descriptions between participants is
// outside this layer.
type Negotiator interface {
	Negotiate(ctx context.Context, remoteID string, pc *webrtc.PeerConnection, screenShare bool) error
}

// PionDialer creates pion-backed transports.
type PionDialer struct {
	api        *webrtc.API
	cfg        webrtc.Configuration
	negotiator Negotiator
	control    EncoderControl
	log        *zap.Logger
}

func NewPionDialer(cfg webrtc.Configuration, negotiator Negotiator, control EncoderControl, log *zap.Logger) *PionDialer {
	return &PionDialer{
		api:        webrtc.NewAPI(),
		cfg:        cfg,
		negotiator: negotiator,
		control:    control,
		log:        log,
	}
}

func (d *PionDialer) Dial(ctx context.Context, remoteID string, stream LocalStream, screenShare bool) (Transport, error) {
	pc, err := d.api.NewPeerConnection(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("media: create peer connection: %w", err)
	}

	// The call manager hands over the current stream reference at call
	// time; only streams that expose pion tracks get them attached here.
	if tp, ok := stream.(TrackProvider); ok {
		for _, track := range tp.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("media: add local track: %w", err)
			}
		}
	}

	t := &pionTransport{
		remoteID: remoteID,
		pc:       pc,
		control:  d.control,
		log:      d.log.With(zap.String("remote_id", remoteID)),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.log.Info("remote track arrived",
			zap.String("kind", track.Kind().String()),
			zap.String("track_id", track.ID()))
		t.streamArrived()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.setLive(true)
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			t.transportClosed()
		}
	})

	if err := d.negotiator.Negotiate(ctx, remoteID, pc, screenShare); err != nil {
		pc.Close()
		return nil, fmt.Errorf("media: negotiate with %s: %w", remoteID, err)
	}

	return t, nil
}

// pionTransport adapts *webrtc.PeerConnection to the Transport interface.
type pionTransport struct {
	remoteID string
	pc       *webrtc.PeerConnection
	control  EncoderControl
	log      *zap.Logger

	mu       sync.Mutex
	live     bool
	closed   bool
	streamed bool
	onStream func()
	onClose  func()
}

func (t *pionTransport) RemoteID() string { return t.remoteID }

func (t *pionTransport) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live && !t.closed
}

func (t *pionTransport) OnStream(f func()) {
	t.mu.Lock()
	already := t.streamed
	t.onStream = f
	t.mu.Unlock()
	if already && f != nil {
		f()
	}
}

func (t *pionTransport) OnClose(f func()) {
	t.mu.Lock()
	already := t.closed
	t.onClose = f
	t.mu.Unlock()
	if already && f != nil {
		f()
	}
}

func (t *pionTransport) streamArrived() {
	t.mu.Lock()
	if t.streamed {
		t.mu.Unlock()
		return
	}
	t.streamed = true
	f := t.onStream
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

func (t *pionTransport) setLive(v bool) {
	t.mu.Lock()
	t.live = v
	t.mu.Unlock()
}

func (t *pionTransport) transportClosed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.live = false
	f := t.onClose
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// GetStats walks the pion stats report and extracts the aggregate fields
// the quality controller and telemetry sampler consume: available
// outgoing bitrate and RTT from the succeeded candidate pair, byte and
// packet counters from the outbound video stream, and losses from the
// remote inbound report.
func (t *pionTransport) GetStats(ctx context.Context) (Stats, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Stats{}, fmt.Errorf("media: transport to %s is closed", t.remoteID)
	}
	pc := t.pc
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	out := Stats{Timestamp: time.Now()}
	for _, s := range pc.GetStats() {
		switch stat := s.(type) {
		case webrtc.ICECandidatePairStats:
			if stat.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			out.AvailableOutgoingKbps = stat.AvailableOutgoingBitrate / 1000
			out.RTT = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
		case webrtc.OutboundRTPStreamStats:
			out.BytesSent += stat.BytesSent
			out.PacketsSent += uint64(stat.PacketsSent)
		case webrtc.RemoteInboundRTPStreamStats:
			if stat.PacketsLost > 0 {
				out.PacketsLost += uint64(stat.PacketsLost)
			}
			if out.RTT == 0 && stat.RoundTripTime > 0 {
				out.RTT = time.Duration(stat.RoundTripTime * float64(time.Second))
			}
		}
	}
	return out, nil
}

func (t *pionTransport) VideoSenders() []Sender {
	t.mu.Lock()
	pc := t.pc
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}

	var senders []Sender
	for _, s := range pc.GetSenders() {
		track := s.Track()
		if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		senders = append(senders, &pionSender{sender: s, control: t.control})
	}
	return senders
}

func (t *pionTransport) Close() error {
	t.transportClosed()
	return t.pc.Close()
}

type pionSender struct {
	sender  *webrtc.RTPSender
	control EncoderControl
}

// Apply routes per-tier constraints to the encoder. Senders without an
// encoder control record nothing; the tier broadcast still happens at the
// session level.
func (s *pionSender) Apply(params EncodingParams) error {
	if s.control == nil {
		return nil
	}
	if err := s.control.SetTargetBitrate(params.MaxBitrateKbps); err != nil {
		return fmt.Errorf("media: set bitrate: %w", err)
	}
	if err := s.control.SetMaxFramerate(params.MaxFramerate); err != nil {
		return fmt.Errorf("media: set framerate: %w", err)
	}
	if err := s.control.SetResolutionScale(params.ScaleResolutionDownBy); err != nil {
		return fmt.Errorf("media: set resolution scale: %w", err)
	}
	return nil
}

// TrackProvider is implemented by local streams that can expose pion
// tracks for attachment to a new peer connection.
type TrackProvider interface {
	Tracks() []webrtc.TrackLocal
}

// CaptureStream is the production LocalStream: a set of locally captured
// tracks and a video-enabled flag the capture gate consults before
// handing frames to the encoder. Disabling video stops outbound frames
// without renegotiating any peer connection.
type CaptureStream struct {
	mu           sync.Mutex
	tracks       []webrtc.TrackLocal
	videoEnabled atomic.Bool
}

func NewCaptureStream(tracks ...webrtc.TrackLocal) *CaptureStream {
	s := &CaptureStream{tracks: tracks}
	s.videoEnabled.Store(true)
	return s
}

func (s *CaptureStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *CaptureStream) SetVideoEnabled(enabled bool) {
	s.videoEnabled.Store(enabled)
}

func (s *CaptureStream) VideoEnabled() bool {
	return s.videoEnabled.Load()
}
