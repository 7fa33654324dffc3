// Package signaling carries the wire protocol between the client and the
// call-signaling server. All call messages carry a call_id for correlation;
// room messages carry the room_id handed out on acceptance.
package signaling

import "encoding/json"

// Client → server message types.
const (
	MsgInitiateCall        = "initiate-call"
	MsgAcceptCall          = "accept-call"
	MsgRejectCall          = "reject-call"
	MsgEndCall             = "end-call"
	MsgJoinCallRoom        = "join-call-room"
	MsgSendCallSignal      = "send-call-signal"
	MsgLeaveCallRoom       = "leave-call-room"
	MsgGetOnlineCounselors = "get-online-counselors"
	MsgGetUserStatus       = "get-user-status"
	MsgUpdateCallStatus    = "update-call-status"
)

// Server → client message types.
const (
	MsgIncomingCall         = "incoming-call"
	MsgCallAccepted         = "call-accepted"
	MsgCallRejected         = "call-rejected"
	MsgCallFailed           = "call-failed"
	MsgCallEnded            = "call-ended"
	MsgCallParticipants     = "call-participants"
	MsgUserJoinedCall       = "user-joined-call"
	MsgUserLeftCall         = "user-left-call"
	MsgReceiveCallSignal    = "receive-call-signal"
	MsgOnlineCounselorsList = "online-counselors-list"
	MsgUserStatusResponse   = "user-status-response"
	MsgCallStatusChanged    = "call-status-changed"
)

// Failure reasons carried by call-failed.
const (
	ReasonUserOffline = "user_offline"
	ReasonUserBusy    = "user_busy"
)

// Call status values tracked per user by the server and the local directory.
const (
	StatusAvailable = "available"
	StatusBusy      = "busy"
	StatusInCall    = "in_call"
	StatusAway      = "away"
)

// Envelope is the framing for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Payload: b}, nil
}

// UserInfo is advisory display data about a participant, never authoritative.
type UserInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	Specialization string `json:"specialization,omitempty"`
}

type InitiateCallPayload struct {
	CallID   string   `json:"call_id"`
	To       string   `json:"to"`
	CallType string   `json:"call_type"` // "audio" | "video"
	UserInfo UserInfo `json:"user_info"`
}

type IncomingCallPayload struct {
	CallID   string   `json:"call_id"`
	From     string   `json:"from"`
	CallType string   `json:"call_type"`
	UserInfo UserInfo `json:"user_info"`
}

type AcceptCallPayload struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type RejectCallPayload struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"` // "rejected" | "timeout" | "media_error"
}

type EndCallPayload struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type CallAcceptedPayload struct {
	CallID string `json:"call_id"`
	RoomID string `json:"room_id"`
}

type CallRejectedPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type CallFailedPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"` // ReasonUserOffline | ReasonUserBusy
}

type CallEndedPayload struct {
	CallID string `json:"call_id"`
	From   string `json:"from,omitempty"`
}

type JoinCallRoomPayload struct {
	RoomID   string   `json:"room_id"`
	UserID   string   `json:"user_id"`
	UserInfo UserInfo `json:"user_info"`
}

type LeaveCallRoomPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type CallParticipantsPayload struct {
	RoomID       string     `json:"room_id"`
	Participants []UserInfo `json:"participants"`
}

type UserJoinedCallPayload struct {
	RoomID   string   `json:"room_id"`
	UserID   string   `json:"user_id"`
	UserInfo UserInfo `json:"user_info"`
}

type UserLeftCallPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// Signal kinds relayed verbatim between the two peers of a call room.
const (
	SignalOffer      = "offer"
	SignalAnswer     = "answer"
	SignalCandidate  = "candidate"
	SignalMediaState = "media-state" // out-of-band mute/camera state, low priority
)

// Signal is the opaque-to-the-server negotiation payload relayed between peers.
type Signal struct {
	Kind      string          `json:"kind"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Media state flags, only set for SignalMediaState.
	AudioEnabled *bool `json:"audio_enabled,omitempty"`
	VideoEnabled *bool `json:"video_enabled,omitempty"`
}

type SendCallSignalPayload struct {
	RoomID string `json:"room_id"`
	To     string `json:"to"`
	Signal Signal `json:"signal"`
}

type ReceiveCallSignalPayload struct {
	RoomID string `json:"room_id"`
	From   string `json:"from"`
	Signal Signal `json:"signal"`
}

type GetUserStatusPayload struct {
	UserID string `json:"user_id"`
}

type UserStatusResponsePayload struct {
	UserID     string `json:"user_id"`
	CallStatus string `json:"call_status"`
	// Unix millis of when the user connected to the signaling server.
	ConnectedAt int64 `json:"connected_at,omitempty"`
}

type CounselorEntry struct {
	UserID         string `json:"user_id"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	CallStatus     string `json:"call_status"`
	ConnectedAt    int64  `json:"connected_at,omitempty"`
}

type OnlineCounselorsPayload struct {
	Counselors []CounselorEntry `json:"counselors"`
}

type CallStatusChangedPayload struct {
	UserID     string `json:"user_id"`
	CallStatus string `json:"call_status"`
}

type UpdateCallStatusPayload struct {
	UserID     string `json:"user_id"`
	CallStatus string `json:"call_status"`
}
