package call

import (
	"time"

	"github.com/mindhaven/callkit/internal/signaling"
)

// Session is the record of one call from first signal to teardown. The
// manager owns the live instance; everything handed out through events or
// Status is a value copy.
type Session struct {
	ID          string             `json:"id"`
	Type        Type               `json:"type"`
	Role        Role               `json:"role"`
	Counterpart signaling.UserInfo `json:"counterpart"`
	RoomID      string             `json:"room_id,omitempty"`
	Demo        bool               `json:"demo"`

	AudioEnabled bool `json:"audio_enabled"`
	VideoEnabled bool `json:"video_enabled"`
	RemoteAudio  bool `json:"remote_audio"`
	RemoteVideo  bool `json:"remote_video"`
	Sharing      bool `json:"sharing"`
	RemoteJoined bool `json:"remote_joined"`

	CreatedAt  time.Time `json:"created_at"`
	AcceptedAt time.Time `json:"accepted_at,omitempty"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	EndReason  EndReason `json:"end_reason,omitempty"`
}

// Duration is wall time spent connected; zero for calls that never connected.
func (s *Session) Duration() time.Duration {
	if s.AcceptedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.AcceptedAt)
}
