package media

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	// Registers the camera and microphone adapters.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// CaptureOptions configure the local camera and microphone capture.
type CaptureOptions struct {
	Width         int
	Height        int
	FrameRate     int
	VideoBitrate  int // bits per second
	AudioBitrate  int // bits per second
	VideoDeviceID string
	AudioDeviceID string
}

// NewCodecSelector builds a VP8 + Opus codec selector tuned for
// real-time conferencing.
func NewCodecSelector(opts CaptureOptions) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitrate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create opus params: %w", err)
	}
	opusParams.BitRate = opts.AudioBitrate
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// OpenCaptureStream acquires the local camera and microphone and wraps
// them as the session's outbound stream. Video frames flow through a
// gate that honors the stream's enabled flag and the control's framerate
// and resolution targets; the control's bitrate target seeds the encoder
// when it was set before opening (device switch, screen share).
func OpenCaptureStream(opts CaptureOptions, ctrl *CaptureControl, log *zap.Logger) (*CaptureStream, error) {
	if ctrl != nil {
		if kbps := ctrl.TargetBitrateKbps(); kbps > 0 {
			opts.VideoBitrate = kbps * 1000
		}
	}
	selector, err := NewCodecSelector(opts)
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if opts.VideoDeviceID != "" {
				c.DeviceID = prop.String(opts.VideoDeviceID)
			}
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
			c.Width = prop.Int(opts.Width)
			c.Height = prop.Int(opts.Height)
			c.FrameRate = prop.Float(float64(opts.FrameRate))
			c.DiscardFramesOlderThan = 500 * time.Millisecond
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if opts.AudioDeviceID != "" {
				c.DeviceID = prop.String(opts.AudioDeviceID)
			}
			c.SampleRate = prop.Int(48000)
			c.SampleSize = prop.Int(16)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(time.Millisecond * 50)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user media: %w", err)
	}

	tracks := stream.GetTracks()
	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		log.Info("capture track opened",
			zap.String("kind", t.Kind().String()),
			zap.String("id", t.ID()))
		locals = append(locals, t)
	}

	cs := NewCaptureStream(locals...)
	for _, t := range tracks {
		if vt, ok := t.(*mediadevices.VideoTrack); ok {
			vt.Transform(videoGate(cs, ctrl))
		}
	}
	return cs, nil
}

// videoGate sits between the camera and the encoder. It drops frames
// while outbound video is disabled, paces frames to the framerate
// target, and downscales when a resolution scale is set. Dropping at the
// gate stops outbound video without renegotiating any peer connection.
func videoGate(stream *CaptureStream, ctrl *CaptureControl) video.TransformFunc {
	return videoGateAt(stream, ctrl, time.Now)
}

func videoGateAt(stream *CaptureStream, ctrl *CaptureControl, now func() time.Time) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		var last time.Time
		return video.ReaderFunc(func() (image.Image, func(), error) {
			for {
				img, release, err := r.Read()
				if err != nil {
					return nil, nil, err
				}
				if !stream.VideoEnabled() {
					if release != nil {
						release()
					}
					continue
				}
				if ctrl != nil {
					if fps := ctrl.MaxFramerate(); fps > 0 && now().Sub(last) < time.Second/time.Duration(fps) {
						if release != nil {
							release()
						}
						continue
					}
				}
				last = now()
				if ctrl != nil {
					if scale := ctrl.ResolutionScale(); scale > 1 {
						scaled := downscale(img, scale)
						if release != nil {
							release()
						}
						return scaled, func() {}, nil
					}
				}
				return img, release, nil
			}
		})
	}
}

func downscale(img image.Image, scale float64) image.Image {
	b := img.Bounds()
	w := int(float64(b.Dx()) / scale)
	h := int(float64(b.Dy()) / scale)
	if w < 2 || h < 2 {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// CaptureControl holds the quality controller's encoding targets for
// the capture pipeline. The video gate consults the framerate and
// resolution targets on every frame; the bitrate target takes effect
// the next time a capture stream is opened, since VP8 parameters are
// fixed once an encoder is bound.
type CaptureControl struct {
	targetBitrate atomic.Int64
	maxFramerate  atomic.Int64
	scaleTimes10  atomic.Int64

	log *zap.Logger
}

func NewCaptureControl(log *zap.Logger) *CaptureControl {
	c := &CaptureControl{log: log}
	c.scaleTimes10.Store(10)
	return c
}

func (c *CaptureControl) SetTargetBitrate(kbps int) error {
	c.targetBitrate.Store(int64(kbps))
	c.log.Debug("encoder target bitrate set", zap.Int("kbps", kbps))
	return nil
}

func (c *CaptureControl) SetMaxFramerate(fps int) error {
	c.maxFramerate.Store(int64(fps))
	c.log.Debug("encoder max framerate set", zap.Int("fps", fps))
	return nil
}

func (c *CaptureControl) SetResolutionScale(scale float64) error {
	c.scaleTimes10.Store(int64(scale * 10))
	c.log.Debug("encoder resolution scale set", zap.Float64("scale", scale))
	return nil
}

// TargetBitrateKbps returns the most recent bitrate target, or 0 when
// the controller has not set one.
func (c *CaptureControl) TargetBitrateKbps() int {
	return int(c.targetBitrate.Load())
}

// MaxFramerate returns the current framerate target, or 0 when the
// controller has not set one.
func (c *CaptureControl) MaxFramerate() int {
	return int(c.maxFramerate.Load())
}

// ResolutionScale returns the current downscale factor; 1 means full
// resolution.
func (c *CaptureControl) ResolutionScale() float64 {
	return float64(c.scaleTimes10.Load()) / 10
}
