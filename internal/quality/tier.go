// Package quality adapts outgoing video encoding to the available uplink
// bandwidth measured across all live peer connections.
package quality

import "meetmesh/internal/config"

// Tier is a discrete quality level for outgoing video.
type Tier int

const (
	TierAudioOnly Tier = iota
	TierLow
	TierMedium
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	case TierAudioOnly:
		return "audio-only"
	default:
		return "unknown"
	}
}

// Profile is the encoding target attached to a tier.
type Profile struct {
	Width          int
	Height         int
	FrameRate      int
	MaxBitrateKbps int
}

var tierProfiles = map[Tier]Profile{
	TierHigh:   {Width: 1280, Height: 720, FrameRate: 30, MaxBitrateKbps: 2500},
	TierMedium: {Width: 854, Height: 480, FrameRate: 25, MaxBitrateKbps: 1000},
	TierLow:    {Width: 426, Height: 240, FrameRate: 15, MaxBitrateKbps: 400},
	// Audio-only carries no video profile; video tracks are disabled.
	TierAudioOnly: {},
}

// ProfileFor returns the encoding profile for a tier.
func ProfileFor(t Tier) Profile {
	return tierProfiles[t]
}

// TierForBitrate maps a measured available uplink bitrate to a tier using
// the configured thresholds.
func TierForBitrate(kbps float64, cfg config.QualityConfig) Tier {
	switch {
	case kbps > float64(cfg.HighKbps):
		return TierHigh
	case kbps > float64(cfg.MediumKbps):
		return TierMedium
	case kbps > float64(cfg.LowKbps):
		return TierLow
	default:
		return TierAudioOnly
	}
}
