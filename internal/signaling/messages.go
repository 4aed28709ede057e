package signaling

import "encoding/json"

// MessageType identifies a wire message. The server reads the type of a
// client frame and dispatches on it; server frames carry the type plus
// flat fields.
type MessageType string

const (
	// Control types. Pong frames are consumed by the heartbeat monitor
	// and never reach application listeners.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Room socket.
	TypeJoinRoom         MessageType = "join-room"
	TypeNewUserJoined    MessageType = "newuserjoined"
	TypeUserDisconnected MessageType = "user-disconnected"
	TypeQualityTier      MessageType = "quality-tier"
	TypeShareInfo        MessageType = "share-info"
	TypeRequestInfo      MessageType = "request-info"
	TypeMuteAll          MessageType = "mute-all"
	TypeKicked           MessageType = "kicked"
	TypeMeetingEnded     MessageType = "meeting-ended"

	// User socket (out-of-room notifications).
	TypeRegister      MessageType = "register"
	TypeRegistered    MessageType = "registered"
	TypeAlert         MessageType = "alert"
	TypeAlertResponse MessageType = "alert-response"
)

// CloseCodeRejected is the application-level close code for a deliberate
// rejection (duplicate session, revoked access). It suppresses
// reconnection; every other abnormal closure is retryable.
const CloseCodeRejected = 4029

// Outbound is the client→server envelope: the consumer reads "type" and a
// nested "data" payload.
type Outbound struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// JoinRoomPayload announces this participant to the room.
type JoinRoomPayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	IsModerator bool   `json:"is_moderator"`
}

// RegisterPayload identifies this user on the notification socket.
type RegisterPayload struct {
	UserID string `json:"user_id"`
}

// QualityTierPayload syncs the local quality tier to other participants.
type QualityTierPayload struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// ShareInfoPayload answers a roster refresh request.
type ShareInfoPayload struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	IsModerator bool   `json:"is_moderator"`
}

// AlertResponsePayload is the host's decision on a pending join request.
type AlertResponsePayload struct {
	Approved         bool   `json:"approved"`
	RequestingUserID string `json:"requesting_user_id"`
}

// Inbound is a server→client frame. Fields are flat; unused ones stay at
// their zero value for any given type.
type Inbound struct {
	Type        MessageType `json:"type"`
	UserID      string      `json:"user_id,omitempty"`
	Username    string      `json:"username,omitempty"`
	IsModerator bool        `json:"is_moderator,omitempty"`
	Tier        string      `json:"tier,omitempty"`
	RoomID      string      `json:"room_id,omitempty"`
	Approved    bool        `json:"approved,omitempty"`
	ModeratorID string      `json:"moderator_id,omitempty"`

	// Raw preserves the full frame for handlers that need fields
	// outside the common set.
	Raw json.RawMessage `json:"-"`
}

func decodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, err
	}
	msg.Raw = json.RawMessage(data)
	return msg, nil
}
