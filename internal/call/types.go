package call

// State is the lifecycle phase of the (at most one) call session.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"    // initiator waiting for accept/reject
	StateRinging    State = "ringing"    // receiver deciding
	StateConnecting State = "connecting" // accepted, media + peer link coming up
	StateConnected  State = "connected"
)

// Type selects which devices a call opens. Audio calls never touch the camera.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

func (t Type) WantsVideo() bool { return t == TypeVideo }

// Role records which side of the call this client is.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// EndReason explains why a session left the active states.
type EndReason string

const (
	EndLocalHangup EndReason = "local-hangup"
	EndRemoteEnded EndReason = "remote-ended"
	EndRejected    EndReason = "rejected"     // callee declined
	EndDismissed   EndReason = "dismissed"    // this side declined an incoming call
	EndMissed      EndReason = "missed"       // ring timeout fired
	EndUnanswered  EndReason = "unanswered"   // outgoing ring timed out
	EndOffline     EndReason = "user-offline" // server reported callee offline
	EndBusy        EndReason = "user-busy"    // server reported callee busy
	EndMediaError  EndReason = "media-error"
	EndPeerFailed  EndReason = "peer-failed"
	EndTransport   EndReason = "connection-lost"
)
