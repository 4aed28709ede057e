// Command meetmesh joins a meeting room as a native participant: it
// keeps the signaling channels alive, calls every peer in the room, and
// adapts outgoing video quality to the measured uplink.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/config"
	"meetmesh/internal/logging"
	"meetmesh/internal/media"
	"meetmesh/internal/quality"
	"meetmesh/internal/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		roomID     = flag.String("room", "", "room id to join")
		userID     = flag.String("user", "", "user id (a guest id is generated if empty)")
		username   = flag.String("username", "", "display name")
		moderator  = flag.Bool("moderator", false, "join as moderator")
	)
	flag.Parse()

	cfg := config.NewDefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *roomID != "" {
		cfg.RoomID = *roomID
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *username != "" {
		cfg.Username = *username
	}
	if *moderator {
		cfg.IsModerator = true
	}
	if cfg.RoomID == "" {
		log.Fatal("a room id is required (-room or config)")
	}
	if cfg.UserID == "" {
		cfg.UserID = "guest_" + uuid.NewString()
	}

	logger := logging.New(cfg.Logging.Level)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("session failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	control := media.NewCaptureControl(logger.Named("encoder"))

	profile := quality.ProfileFor(quality.TierHigh)
	stream, err := media.OpenCaptureStream(media.CaptureOptions{
		Width:        profile.Width,
		Height:       profile.Height,
		FrameRate:    profile.FrameRate,
		VideoBitrate: profile.MaxBitrateKbps * 1000,
		AudioBitrate: 32_000,
	}, control, logger.Named("capture"))
	if err != nil {
		return err
	}
	negotiator := media.NewHTTPNegotiator(cfg.BrokerURL, cfg.UserID, logger.Named("sdp"))
	dialer := media.NewPionDialer(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}, negotiator, control, logger.Named("media"))

	sess := session.New(clock.New(), cfg, stream, dialer, session.Events{
		OnStatusChange: func(state session.State, attempt int) {
			logger.Info("status", zap.String("state", state.String()), zap.Int("attempt", attempt))
		},
		OnPeerJoined: func(userID, username string) {
			logger.Info("participant joined", zap.String("user_id", userID), zap.String("username", username))
		},
		OnPeerLeft: func(userID string) {
			logger.Info("participant left", zap.String("user_id", userID))
		},
		OnRemoteTier: func(userID, tier string) {
			logger.Info("participant quality", zap.String("user_id", userID), zap.String("tier", tier))
		},
		OnPeerCallFailed: func(remoteID string, screenShare bool) {
			logger.Warn("participant unreachable",
				zap.String("user_id", remoteID), zap.Bool("screen_share", screenShare))
		},
		OnKicked: func() {
			logger.Warn("removed from the meeting")
		},
		OnMeetingEnded: func() {
			logger.Info("meeting ended by moderator")
		},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess.Join(ctx)
	logger.Info("joined", zap.String("room_id", cfg.RoomID), zap.String("user_id", sess.UserID()))

	<-ctx.Done()
	logger.Info("shutting down")
	sess.Leave()
	return nil
}
