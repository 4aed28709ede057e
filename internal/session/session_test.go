package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetmesh/internal/clock"
	"meetmesh/internal/config"
	"meetmesh/internal/media"
	"meetmesh/internal/signaling"
)

type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	accepted chan *websocket.Conn
	frames   chan signaling.Outbound
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{
		accepted: make(chan *websocket.Conn, 8),
		frames:   make(chan signaling.Outbound, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.accepted <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg signaling.Outbound
			if json.Unmarshal(data, &msg) == nil {
				s.frames <- msg
			}
		}
	}))
	t.Cleanup(func() {
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no client connected within deadline")
		return nil
	}
}

func (s *wsServer) expectNoConn(t *testing.T) {
	t.Helper()
	select {
	case <-s.accepted:
		t.Fatal("unexpected reconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *wsServer) nextFrame(t *testing.T) signaling.Outbound {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within deadline")
		return signaling.Outbound{}
	}
}

func serverSend(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

type fakeTransport struct {
	mu       sync.Mutex
	remoteID string
	live     bool
	streamed bool
	onStream func()
	onClose  func()
}

func (t *fakeTransport) RemoteID() string { return t.remoteID }

func (t *fakeTransport) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *fakeTransport) GetStats(context.Context) (media.Stats, error) {
	return media.Stats{}, nil
}

func (t *fakeTransport) VideoSenders() []media.Sender { return nil }

func (t *fakeTransport) OnStream(f func()) {
	t.mu.Lock()
	t.onStream = f
	fire := t.streamed
	t.mu.Unlock()
	if fire {
		f()
	}
}

func (t *fakeTransport) OnClose(f func()) {
	t.mu.Lock()
	t.onClose = f
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) deliverStream() {
	t.mu.Lock()
	t.streamed = true
	t.live = true
	f := t.onStream
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

type fakeDialer struct {
	dials chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, remoteID string, _ media.LocalStream, _ bool) (media.Transport, error) {
	tr := &fakeTransport{remoteID: remoteID}
	d.dials <- tr
	return tr, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.dials:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no media dial within deadline")
		return nil
	}
}

type nopStream struct{}

func (nopStream) SetVideoEnabled(bool) {}
func (nopStream) VideoEnabled() bool   { return true }

type statusLog struct {
	mu     sync.Mutex
	states []State
}

func (l *statusLog) record(s State, _ int) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *statusLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func testSession(t *testing.T, room, notify *wsServer, d media.Dialer, events Events) (*Session, *clock.Fake) {
	cfg := config.NewDefaultConfig()
	cfg.SignalingURL = room.url()
	cfg.NotificationURL = notify.url()
	cfg.StatsURL = "http://127.0.0.1:0/stats"
	cfg.RoomID = "room-1"
	cfg.UserID = "me"
	cfg.Username = "Me"
	cfg.Reconnect.JitterFactor = 0

	clk := clock.NewFake()
	s := New(clk, cfg, nopStream{}, d, events, zap.NewNop())
	return s, clk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestJoinAnnouncesAndRegisters(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)
	s, _ := testSession(t, room, notify, newFakeDialer(), Events{})
	defer s.Leave()

	s.Join(context.Background())
	room.nextConn(t)
	notify.nextConn(t)

	join := room.nextFrame(t)
	require.Equal(t, signaling.TypeJoinRoom, join.Type)
	payload, _ := json.Marshal(join.Data)
	var jr signaling.JoinRoomPayload
	require.NoError(t, json.Unmarshal(payload, &jr))
	assert.Equal(t, "room-1", jr.RoomID)
	assert.Equal(t, "me", jr.UserID)

	reg := notify.nextFrame(t)
	assert.Equal(t, signaling.TypeRegister, reg.Type)

	waitFor(t, func() bool { return s.Status() == StateConnected })
}

func TestPeerJoinTriggersCallAndPeerLeftTearsDown(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)
	d := newFakeDialer()

	var joined, left []string
	var mu sync.Mutex
	s, _ := testSession(t, room, notify, d, Events{
		OnPeerJoined: func(userID, _ string) {
			mu.Lock()
			joined = append(joined, userID)
			mu.Unlock()
		},
		OnPeerLeft: func(userID string) {
			mu.Lock()
			left = append(left, userID)
			mu.Unlock()
		},
	})
	defer s.Leave()

	s.Join(context.Background())
	conn := room.nextConn(t)
	room.nextFrame(t) // join-room

	serverSend(t, conn, map[string]any{"type": "newuserjoined", "user_id": "alice", "username": "Alice"})
	tr := d.next(t)
	assert.Equal(t, "alice", tr.remoteID)
	tr.deliverStream()
	waitFor(t, func() bool { return s.Status() == StateConnected })

	// Duplicate announcements do not spawn a second call.
	serverSend(t, conn, map[string]any{"type": "share-info", "user_id": "alice", "username": "Alice"})
	serverSend(t, conn, map[string]any{"type": "user-disconnected", "user_id": "alice"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(left) == 1
	})
	mu.Lock()
	assert.Equal(t, []string{"alice"}, joined)
	assert.Equal(t, []string{"alice"}, left)
	mu.Unlock()

	select {
	case <-d.dials:
		t.Fatal("duplicate announcement dialed again")
	default:
	}
}

func TestReconnectCycleEmitsStatusOnce(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)
	log := &statusLog{}
	s, clk := testSession(t, room, notify, newFakeDialer(), Events{OnStatusChange: log.record})
	defer s.Leave()

	s.Join(context.Background())
	conn := room.nextConn(t)
	notify.nextConn(t)
	waitFor(t, func() bool { return s.Status() == StateConnected })

	// Abnormal close: one reconnecting transition, then connected again
	// after the first backoff delay.
	conn.Close()
	waitFor(t, func() bool { return s.Status() == StateReconnecting })

	clk.Advance(time.Second)
	room.nextConn(t)
	waitFor(t, func() bool { return s.Status() == StateConnected })

	assert.Equal(t, []State{StateConnected, StateReconnecting, StateConnected}, log.all())
	assert.Equal(t, 1, s.Reconnections())

	// The rejoin after reconnect re-announces and refreshes the roster.
	types := map[signaling.MessageType]bool{}
	types[room.nextFrame(t).Type] = true
	types[room.nextFrame(t).Type] = true
	types[room.nextFrame(t).Type] = true
	assert.True(t, types[signaling.TypeJoinRoom])
	assert.True(t, types[signaling.TypeRequestInfo])
}

func TestRequestInfoAnsweredWithShareInfo(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)
	s, _ := testSession(t, room, notify, newFakeDialer(), Events{})
	defer s.Leave()

	s.Join(context.Background())
	conn := room.nextConn(t)
	room.nextFrame(t) // join-room

	serverSend(t, conn, map[string]any{"type": "request-info"})
	share := room.nextFrame(t)
	require.Equal(t, signaling.TypeShareInfo, share.Type)
	payload, _ := json.Marshal(share.Data)
	var si signaling.ShareInfoPayload
	require.NoError(t, json.Unmarshal(payload, &si))
	assert.Equal(t, "me", si.UserID)
}

func TestKickedLeavesWithoutReconnect(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)
	kicked := make(chan struct{}, 1)
	s, clk := testSession(t, room, notify, newFakeDialer(), Events{
		OnKicked: func() { kicked <- struct{}{} },
	})

	s.Join(context.Background())
	conn := room.nextConn(t)
	notify.nextConn(t)

	serverSend(t, conn, map[string]any{"type": "kicked"})
	select {
	case <-kicked:
	case <-time.After(2 * time.Second):
		t.Fatal("kick not surfaced")
	}

	clk.Advance(5 * time.Minute)
	room.expectNoConn(t)
}

func TestModerationEventsSurface(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)

	type decision struct {
		approved bool
		roomID   string
	}
	requests := make(chan string, 1)
	decisions := make(chan decision, 1)
	muted := make(chan string, 1)
	s, _ := testSession(t, room, notify, newFakeDialer(), Events{
		OnJoinRequest:  func(userID, _ string) { requests <- userID },
		OnJoinDecision: func(approved bool, roomID string) { decisions <- decision{approved, roomID} },
		OnMuteAll:      func(moderatorID string) { muted <- moderatorID },
	})
	defer s.Leave()

	s.Join(context.Background())
	roomConn := room.nextConn(t)
	notifyConn := notify.nextConn(t)

	serverSend(t, notifyConn, map[string]any{"type": "alert", "user_id": "guest_1", "username": "Guest"})
	assert.Equal(t, "guest_1", <-requests)

	serverSend(t, notifyConn, map[string]any{"type": "alert-response", "approved": true, "room_id": "room-1"})
	got := <-decisions
	assert.True(t, got.approved)
	assert.Equal(t, "room-1", got.roomID)

	serverSend(t, roomConn, map[string]any{"type": "mute-all", "moderator_id": "mod-1"})
	assert.Equal(t, "mod-1", <-muted)
}

func TestJoinDecisionGoesOutOnRoomSocket(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)
	s, _ := testSession(t, room, notify, newFakeDialer(), Events{})
	defer s.Leave()

	s.Join(context.Background())
	room.nextConn(t)
	notify.nextConn(t)
	require.Equal(t, signaling.TypeJoinRoom, room.nextFrame(t).Type)
	require.Equal(t, signaling.TypeRegister, notify.nextFrame(t).Type)

	require.NoError(t, s.SendJoinDecision("guest_1", true))

	// The server only relays alert-response received on the room socket;
	// the requester hears the verdict on their notification channel.
	frame := room.nextFrame(t)
	assert.Equal(t, signaling.TypeAlertResponse, frame.Type)
	payload, err := json.Marshal(frame.Data)
	require.NoError(t, err)
	var resp signaling.AlertResponsePayload
	require.NoError(t, json.Unmarshal(payload, &resp))
	assert.True(t, resp.Approved)
	assert.Equal(t, "guest_1", resp.RequestingUserID)

	select {
	case f := <-notify.frames:
		t.Fatalf("unexpected frame on notification socket: %s", f.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLeaveIsIdempotentAndFinal(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)
	s, clk := testSession(t, room, notify, newFakeDialer(), Events{})

	s.Join(context.Background())
	room.nextConn(t)
	notify.nextConn(t)

	s.Leave()
	s.Leave()

	clk.Advance(10 * time.Minute)
	room.expectNoConn(t)
	notify.expectNoConn(t)
}

func TestGuestIdentityGenerated(t *testing.T) {
	room, notify := newWSServer(t), newWSServer(t)
	cfg := config.NewDefaultConfig()
	cfg.SignalingURL = room.url()
	cfg.NotificationURL = notify.url()
	cfg.RoomID = "room-1"

	s := New(clock.NewFake(), cfg, nopStream{}, newFakeDialer(), Events{}, zap.NewNop())
	assert.True(t, strings.HasPrefix(s.UserID(), "guest_"))
	assert.Greater(t, len(s.UserID()), len("guest_"))
}
