package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meetmesh/internal/calls"
	"meetmesh/internal/clock"
	"meetmesh/internal/config"
	"meetmesh/internal/media"
	"meetmesh/internal/quality"
	"meetmesh/internal/signaling"
	"meetmesh/internal/telemetry"
)

// Events are the session's notifications to the embedding application.
// Nil callbacks are skipped.
type Events struct {
	OnStatusChange func(state State, attempt int)
	OnPeerJoined   func(userID, username string)
	OnPeerLeft     func(userID string)
	// OnRemoteTier reports another participant's quality tier for
	// indicator UI.
	OnRemoteTier     func(userID, tier string)
	OnPeerCallFailed func(remoteID string, screenShare bool)

	// Moderation events delivered over the notification socket.
	OnJoinRequest  func(userID, username string)
	OnJoinDecision func(approved bool, roomID string)
	OnMuteAll      func(moderatorID string)
	OnKicked       func()
	OnMeetingEnded func()
}

// Session owns both signaling channels, the peer call manager, the
// quality controller and the telemetry pipeline for one meeting. All
// connection state lives here; there are no package-level globals.
type Session struct {
	mu sync.Mutex

	cfg    *config.Config
	clk    clock.Clock
	log    *zap.Logger
	events Events

	userID string
	stream media.LocalStream

	room   *signaling.Channel
	notify *signaling.Channel
	calls  *calls.Manager
	qual   *quality.Controller

	ring     *telemetry.Ring
	sampler  *telemetry.Sampler
	uploader *telemetry.Uploader

	agg *aggregator

	roster         map[string]string
	peerEverJoined bool
	reconnects     int
	loopsStarted   bool
	left           bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles a session. Anonymous users get a generated guest
// identity.
func New(clk clock.Clock, cfg *config.Config, stream media.LocalStream, dialer media.Dialer, events Events, log *zap.Logger) *Session {
	userID := cfg.UserID
	if userID == "" {
		userID = "guest_" + uuid.NewString()
	}

	s := &Session{
		cfg:    cfg,
		clk:    clk,
		log:    log,
		events: events,
		userID: userID,
		stream: stream,
		roster: make(map[string]string),
	}
	s.agg = newAggregator(s.handleStatusChange)

	s.calls = calls.NewManager(clk, cfg.Calls, dialer, calls.Callbacks{
		OnConnected:  func(string, bool, media.Transport) { s.evaluate() },
		OnFailed:     s.handleCallFailed,
		OnLiveChange: s.evaluate,
	}, log.Named("calls"))

	s.qual = quality.NewController(clk, cfg.Quality, s.calls, stream, s.broadcastTier, log.Named("quality"))

	s.ring = telemetry.NewRing(cfg.Telemetry.BufferCapacity)
	s.sampler = telemetry.NewSampler(clk, cfg.Telemetry.SampleInterval, s.calls, s.ring, log.Named("telemetry"))

	s.room = signaling.NewChannel(clk, signaling.Options{
		Role:           signaling.RoleSignaling,
		URL:            cfg.SignalingURL,
		Heartbeat:      cfg.Heartbeat,
		Reconnect:      cfg.Reconnect,
		OnOpen:         s.handleRoomOpen,
		OnStatusChange: func(signaling.Status, int) { s.evaluate() },
		OnExhausted:    s.evaluate,
	}, log.Named("room"))
	s.registerRoomHandlers()

	s.notify = signaling.NewChannel(clk, signaling.Options{
		Role:      signaling.RoleNotification,
		URL:       cfg.NotificationURL,
		Heartbeat: cfg.Heartbeat,
		Reconnect: cfg.Reconnect,
		OnOpen:    s.handleNotifyOpen,
	}, log.Named("notify"))
	s.registerNotifyHandlers()

	return s
}

// Join connects both channels and announces this participant to the
// room. Initial dial failures are not fatal; the channels keep retrying
// on their own schedule.
func (s *Session) Join(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	sctx := s.ctx
	s.mu.Unlock()

	s.log.Info("joining room",
		zap.String("room_id", s.cfg.RoomID),
		zap.String("user_id", s.userID))

	if err := s.room.Connect(sctx); err != nil {
		s.log.Warn("initial signaling dial failed, retrying", zap.Error(err))
	}
	if err := s.notify.Connect(sctx); err != nil {
		s.log.Warn("initial notification dial failed, retrying", zap.Error(err))
	}
	s.evaluate()
}

// Leave tears the session down intentionally. Both channels cancel their
// reconnect schedulers and heartbeats before their sockets close, so no
// reconnect attempt can fire after this returns. A final telemetry
// report is flushed.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.left = true
	started := s.loopsStarted
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("leaving room", zap.String("room_id", s.cfg.RoomID))

	if err := s.room.Close(); err != nil {
		s.log.Debug("room channel close", zap.Error(err))
	}
	if err := s.notify.Close(); err != nil {
		s.log.Debug("notification channel close", zap.Error(err))
	}
	s.calls.Close()

	if started {
		s.qual.Stop()
		s.sampler.Stop()
		// The final flush gets its own deadline; the session context
		// is about to be cancelled.
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.uploader.Stop(flushCtx)
		flushCancel()
	}
	if cancel != nil {
		cancel()
	}
}

// Status returns the current aggregated connection status.
func (s *Session) Status() State {
	return s.agg.current()
}

// UserID returns the effective identity, including a generated guest id.
func (s *Session) UserID() string {
	return s.userID
}

// Reconnections returns the cumulative signaling reconnect count.
func (s *Session) Reconnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// SetQualityOverride pins the outgoing quality tier until cleared.
func (s *Session) SetQualityOverride(t quality.Tier) { s.qual.SetOverride(t) }

// ClearQualityOverride resumes automatic quality adaptation.
func (s *Session) ClearQualityOverride() { s.qual.ClearOverride() }

// SendJoinDecision answers a pending join request as moderator. The
// decision goes out on the room socket; the backend relays it to the
// requester's notification channel.
func (s *Session) SendJoinDecision(requestingUserID string, approved bool) error {
	return s.room.Send(signaling.Outbound{
		Type: signaling.TypeAlertResponse,
		Data: signaling.AlertResponsePayload{
			Approved:         approved,
			RequestingUserID: requestingUserID,
		},
	})
}

// evaluate recomputes the aggregated status from a fresh input snapshot.
func (s *Session) evaluate() {
	s.mu.Lock()
	ever := s.peerEverJoined
	s.mu.Unlock()

	s.agg.evaluate(Inputs{
		Signaling:      s.room.Status(),
		Attempt:        s.room.Attempt(),
		Exhausted:      s.room.Exhausted(),
		LivePeer:       s.calls.HasLivePeer(),
		PeerEverJoined: ever,
	})
}

func (s *Session) handleStatusChange(state State, attempt int) {
	s.log.Info("connection status changed",
		zap.String("status", state.String()),
		zap.Int("attempt", attempt))

	switch state {
	case StateConnected:
		s.startLoops()
	case StateDisconnected:
		s.log.Error("signaling retries exhausted; manual rejoin required")
	}
	if s.events.OnStatusChange != nil {
		s.events.OnStatusChange(state, attempt)
	}
}

// startLoops begins telemetry and quality monitoring on the first
// transition to connected. Later reconnects find them already running.
func (s *Session) startLoops() {
	s.mu.Lock()
	if s.loopsStarted || s.left {
		s.mu.Unlock()
		return
	}
	s.loopsStarted = true
	ctx := s.ctx
	identity := telemetry.Identity{
		RoomID:      s.cfg.RoomID,
		UserID:      s.userID,
		Browser:     s.cfg.Telemetry.Browser,
		DeviceType:  s.cfg.Telemetry.DeviceType,
		ConnectedAt: s.clk.Now(),
	}
	reporter := telemetry.NewReporter(s.cfg.StatsURL, s.log.Named("telemetry"))
	s.uploader = telemetry.NewUploader(s.clk, s.cfg.Telemetry.UploadInterval, s.ring, reporter,
		identity, s.Reconnections, s.qual.DrainChanges, s.log.Named("telemetry"))
	s.mu.Unlock()

	s.sampler.Start(ctx)
	s.uploader.Start(ctx)
	s.qual.Start(ctx)
}

func (s *Session) handleRoomOpen(reconnected bool) {
	if reconnected {
		s.mu.Lock()
		s.reconnects++
		n := s.reconnects
		s.mu.Unlock()
		s.log.Info("signaling channel reconnected", zap.Int("reconnections", n))
	}

	// Rejoining after a reconnect is idempotent on the server side.
	err := s.room.Send(signaling.Outbound{
		Type: signaling.TypeJoinRoom,
		Data: signaling.JoinRoomPayload{
			RoomID:      s.cfg.RoomID,
			UserID:      s.userID,
			Username:    s.cfg.Username,
			IsModerator: s.cfg.IsModerator,
		},
	})
	if err != nil {
		s.log.Warn("join-room send failed", zap.Error(err))
	}
	if reconnected {
		// Refresh the roster: peers answer with share-info.
		if err := s.room.Send(signaling.Outbound{Type: signaling.TypeRequestInfo}); err != nil {
			s.log.Warn("request-info send failed", zap.Error(err))
		}
	}
	s.evaluate()
}

func (s *Session) handleNotifyOpen(bool) {
	err := s.notify.Send(signaling.Outbound{
		Type: signaling.TypeRegister,
		Data: signaling.RegisterPayload{UserID: s.userID},
	})
	if err != nil {
		s.log.Warn("register send failed", zap.Error(err))
	}
}

func (s *Session) registerRoomHandlers() {
	s.room.On(signaling.TypeNewUserJoined, func(msg signaling.Inbound) {
		s.handlePeerAnnounce(msg.UserID, msg.Username, true)
	})
	s.room.On(signaling.TypeShareInfo, func(msg signaling.Inbound) {
		s.handlePeerAnnounce(msg.UserID, msg.Username, false)
	})
	s.room.On(signaling.TypeUserDisconnected, func(msg signaling.Inbound) {
		s.handlePeerLeft(msg.UserID)
	})
	s.room.On(signaling.TypeRequestInfo, func(msg signaling.Inbound) {
		err := s.room.Send(signaling.Outbound{
			Type: signaling.TypeShareInfo,
			Data: signaling.ShareInfoPayload{
				UserID:      s.userID,
				Username:    s.cfg.Username,
				IsModerator: s.cfg.IsModerator,
			},
		})
		if err != nil {
			s.log.Warn("share-info send failed", zap.Error(err))
		}
	})
	s.room.On(signaling.TypeQualityTier, func(msg signaling.Inbound) {
		if s.events.OnRemoteTier != nil {
			s.events.OnRemoteTier(msg.UserID, msg.Tier)
		}
	})
	s.room.On(signaling.TypeMuteAll, func(msg signaling.Inbound) {
		if s.events.OnMuteAll != nil {
			s.events.OnMuteAll(msg.ModeratorID)
		}
	})
	s.room.On(signaling.TypeKicked, func(signaling.Inbound) {
		s.log.Warn("removed from room by moderator")
		if s.events.OnKicked != nil {
			s.events.OnKicked()
		}
		s.Leave()
	})
	s.room.On(signaling.TypeMeetingEnded, func(msg signaling.Inbound) {
		s.log.Info("meeting ended", zap.String("moderator_id", msg.ModeratorID))
		if s.events.OnMeetingEnded != nil {
			s.events.OnMeetingEnded()
		}
		s.Leave()
	})
}

func (s *Session) registerNotifyHandlers() {
	s.notify.On(signaling.TypeRegistered, func(signaling.Inbound) {
		s.log.Debug("notification socket registered")
	})
	s.notify.On(signaling.TypeAlert, func(msg signaling.Inbound) {
		if s.events.OnJoinRequest != nil {
			s.events.OnJoinRequest(msg.UserID, msg.Username)
		}
	})
	s.notify.On(signaling.TypeAlertResponse, func(msg signaling.Inbound) {
		if s.events.OnJoinDecision != nil {
			s.events.OnJoinDecision(msg.Approved, msg.RoomID)
		}
	})
}

// handlePeerAnnounce processes both a fresh join and a share-info roster
// answer. Announcements for peers we already call are roster updates
// only, which keeps post-reconnect refreshes idempotent.
func (s *Session) handlePeerAnnounce(userID, username string, fresh bool) {
	if userID == "" || userID == s.userID {
		return
	}

	s.mu.Lock()
	_, known := s.roster[userID]
	s.roster[userID] = username
	s.peerEverJoined = true
	ctx := s.ctx
	s.mu.Unlock()

	if known {
		return
	}
	s.log.Info("peer joined",
		zap.String("user_id", userID),
		zap.Bool("announced", fresh))
	if s.events.OnPeerJoined != nil {
		s.events.OnPeerJoined(userID, username)
	}
	s.calls.HandlePeerJoined(ctx, userID, s.stream)
	s.evaluate()
}

func (s *Session) handlePeerLeft(userID string) {
	s.mu.Lock()
	_, known := s.roster[userID]
	delete(s.roster, userID)
	s.mu.Unlock()
	if !known {
		return
	}

	s.log.Info("peer left", zap.String("user_id", userID))
	s.calls.HandlePeerLeft(userID)
	if s.events.OnPeerLeft != nil {
		s.events.OnPeerLeft(userID)
	}
	s.evaluate()
}

func (s *Session) handleCallFailed(remoteID string, screenShare bool) {
	if s.events.OnPeerCallFailed != nil {
		s.events.OnPeerCallFailed(remoteID, screenShare)
	}
	s.evaluate()
}

// broadcastTier shares the local quality tier with the room.
func (s *Session) broadcastTier(t quality.Tier) {
	err := s.room.Send(signaling.Outbound{
		Type: signaling.TypeQualityTier,
		Data: signaling.QualityTierPayload{UserID: s.userID, Tier: t.String()},
	})
	if err != nil {
		s.log.Debug("quality-tier broadcast failed", zap.Error(err))
	}
}

// ShareScreen starts a screen-share call to every known peer.
func (s *Session) ShareScreen(stream media.LocalStream) {
	s.mu.Lock()
	peers := make([]string, 0, len(s.roster))
	for id := range s.roster {
		peers = append(peers, id)
	}
	ctx := s.ctx
	s.mu.Unlock()

	for _, id := range peers {
		s.calls.ConnectTo(ctx, id, stream, true)
	}
}
