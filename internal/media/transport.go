// Package media abstracts the peer transport so the connection core is
// portable and unit-testable against fakes. The pion adapter in this
// package is the production implementation.
package media

import (
	"context"
	"time"
)

// Stats is one statistics snapshot from a peer transport. Failures while
// collecting stats are best-effort: callers skip the sample and never let
// the error reach liveness or quality logic.
type Stats struct {
	// AvailableOutgoingKbps is the transport's estimate of usable
	// outbound bandwidth.
	AvailableOutgoingKbps float64
	RTT                   time.Duration
	BytesSent             uint64
	PacketsSent           uint64
	PacketsLost           uint64
	Timestamp             time.Time
}

// EncodingParams are the per-tier constraints pushed onto outbound video
// senders.
type EncodingParams struct {
	MaxBitrateKbps        int
	MaxFramerate          int
	ScaleResolutionDownBy float64
}

// Sender is one outbound video sender on a transport.
type Sender interface {
	Apply(params EncodingParams) error
}

// Transport is a direct media connection to one remote participant.
type Transport interface {
	RemoteID() string
	Live() bool
	GetStats(ctx context.Context) (Stats, error)
	VideoSenders() []Sender

	// OnStream registers the callback fired when remote media arrives.
	OnStream(func())
	// OnClose registers the callback fired when the transport dies,
	// whether or not a stream ever arrived.
	OnClose(func())

	Close() error
}

// LocalStream is the local capture stream shared by the call manager and
// the quality controller. The call manager only reads the reference;
// video enablement is owned by the quality controller and explicit user
// actions.
type LocalStream interface {
	SetVideoEnabled(enabled bool)
	VideoEnabled() bool
}

// Dialer establishes a transport toward a remote participant. The dial
// returns as soon as the transport exists; stream arrival is reported
// asynchronously through Transport.OnStream.
type Dialer interface {
	Dial(ctx context.Context, remoteID string, stream LocalStream, screenShare bool) (Transport, error)
}
