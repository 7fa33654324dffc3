package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatedTransport keeps the call flow working when the signaling server is
// unreachable. It implements the same Transport contract but synthesizes the
// server's responses locally after a fixed delay, against a canned counselor
// roster. Sessions driven through it are demo sessions: behaviorally
// identical for the UI, never touching the network.
//
// The one deliberate divergence: initiate-call is answered with an
// incoming-call from the target counselor rather than a remote accept, so the
// full ringing/accept flow stays demonstrable offline.
type SimulatedTransport struct {
	delay  time.Duration
	selfID string

	mu     sync.Mutex
	roster []CounselorEntry
	state  ConnState

	subMu sync.RWMutex
	subs  *subscribers

	done      chan struct{}
	closeOnce sync.Once
}

// DefaultRoster is the canned counselor set served in simulated mode.
func DefaultRoster() []CounselorEntry {
	now := time.Now().UnixMilli()
	return []CounselorEntry{
		{UserID: "demo-counselor-1", Name: "Dr. Sarah Chen", Role: "counselor", Specialization: "anxiety", CallStatus: StatusAvailable, ConnectedAt: now},
		{UserID: "demo-counselor-2", Name: "Dr. Miguel Alvarez", Role: "counselor", Specialization: "stress", CallStatus: StatusAvailable, ConnectedAt: now},
		{UserID: "demo-counselor-3", Name: "Dr. Priya Nair", Role: "counselor", Specialization: "depression", CallStatus: StatusBusy, ConnectedAt: now},
	}
}

// NewSimulatedTransport builds a simulated transport for selfID. A nil roster
// selects DefaultRoster.
func NewSimulatedTransport(selfID string, delay time.Duration, roster []CounselorEntry) *SimulatedTransport {
	if delay <= 0 {
		delay = 1500 * time.Millisecond
	}
	if roster == nil {
		roster = DefaultRoster()
	}
	return &SimulatedTransport{
		delay:  delay,
		selfID: selfID,
		roster: roster,
		state:  StateConnected,
		subs:   newSubscribers(),
		done:   make(chan struct{}),
	}
}

func (t *SimulatedTransport) Live() bool { return false }

func (t *SimulatedTransport) Connect(_ context.Context) error {
	log.Infof("simulated signaling active (demo mode)")
	return nil
}

// Send synthesizes the inbound message a real server would produce.
func (t *SimulatedTransport) Send(msgType string, payload any) error {
	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	switch msgType {
	case MsgInitiateCall:
		var p InitiateCallPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		t.answerInitiate(p)

	case MsgAcceptCall:
		var p AcceptCallPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		t.answerAccept(p)

	case MsgJoinCallRoom:
		var p JoinCallRoomPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		t.schedule(func() {
			t.emit(MsgCallParticipants, CallParticipantsPayload{
				RoomID:       p.RoomID,
				Participants: []UserInfo{},
			})
		})

	case MsgGetOnlineCounselors:
		t.schedule(func() {
			t.mu.Lock()
			roster := make([]CounselorEntry, len(t.roster))
			copy(roster, t.roster)
			t.mu.Unlock()
			t.emit(MsgOnlineCounselorsList, OnlineCounselorsPayload{Counselors: roster})
		})

	case MsgGetUserStatus:
		var p GetUserStatusPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		t.schedule(func() {
			t.emit(MsgUserStatusResponse, UserStatusResponsePayload{
				UserID:     p.UserID,
				CallStatus: t.statusOf(p.UserID),
			})
		})

	case MsgRejectCall, MsgEndCall, MsgLeaveCallRoom, MsgSendCallSignal, MsgUpdateCallStatus:
		// No remote party to inform.
		log.Debugf("simulated: swallowing %s", msgType)

	default:
		log.Debugf("simulated: unknown outbound %s", msgType)
	}
	return nil
}

// answerInitiate plays the demo loop: the dialed counselor "calls back" after
// the synthetic delay, which walks the UI through the incoming-call flow.
func (t *SimulatedTransport) answerInitiate(p InitiateCallPayload) {
	counselor := t.entryFor(p.To)
	t.schedule(func() {
		t.emit(MsgIncomingCall, IncomingCallPayload{
			CallID:   "demo-" + uuid.NewString(),
			From:     counselor.UserID,
			CallType: p.CallType,
			UserInfo: UserInfo{
				ID:             counselor.UserID,
				Name:           counselor.Name,
				Role:           counselor.Role,
				Specialization: counselor.Specialization,
			},
		})
	})
}

// answerAccept hands out a demo room and has the counselor join it, which the
// session layer reads as the peer link coming up.
func (t *SimulatedTransport) answerAccept(p AcceptCallPayload) {
	roomID := "demo-room-" + p.CallID
	// From is the accepting (local) user; To is the counselor being answered.
	counselor := t.entryFor(p.To)
	t.schedule(func() {
		t.emit(MsgCallAccepted, CallAcceptedPayload{CallID: p.CallID, RoomID: roomID})
		t.schedule(func() {
			t.emit(MsgUserJoinedCall, UserJoinedCallPayload{
				RoomID: roomID,
				UserID: counselor.UserID,
				UserInfo: UserInfo{
					ID:   counselor.UserID,
					Name: counselor.Name,
					Role: counselor.Role,
				},
			})
		})
	})
}

func (t *SimulatedTransport) entryFor(userID string) CounselorEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.roster {
		if c.UserID == userID {
			return c
		}
	}
	// Unknown target: invent a counselor so the demo flow still runs.
	return CounselorEntry{UserID: userID, Name: "Counselor", Role: "counselor", CallStatus: StatusAvailable}
}

func (t *SimulatedTransport) statusOf(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.roster {
		if c.UserID == userID {
			return c.CallStatus
		}
	}
	return StatusAway
}

func (t *SimulatedTransport) schedule(fn func()) {
	time.AfterFunc(t.delay, func() {
		select {
		case <-t.done:
		default:
			fn()
		}
	})
}

func (t *SimulatedTransport) emit(msgType string, payload any) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		log.Errorf("simulated: encode %s: %v", msgType, err)
		return
	}
	t.subMu.RLock()
	t.subs.fanOut(env)
	t.subMu.RUnlock()
}

func (t *SimulatedTransport) Subscribe() (chan *Envelope, func()) {
	ch := make(chan *Envelope, 64)
	t.subMu.Lock()
	t.subs.envs[ch] = struct{}{}
	t.subMu.Unlock()

	cancel := func() {
		t.subMu.Lock()
		if _, ok := t.subs.envs[ch]; ok {
			delete(t.subs.envs, ch)
			close(ch)
		}
		t.subMu.Unlock()
	}
	return ch, cancel
}

func (t *SimulatedTransport) States() (chan ConnState, func()) {
	ch := make(chan ConnState, 8)
	t.subMu.Lock()
	t.subs.states[ch] = struct{}{}
	t.subMu.Unlock()

	cancel := func() {
		t.subMu.Lock()
		if _, ok := t.subs.states[ch]; ok {
			delete(t.subs.states, ch)
			close(ch)
		}
		t.subMu.Unlock()
	}
	return ch, cancel
}

func (t *SimulatedTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()

		t.subMu.Lock()
		t.subs.closeAll()
		t.subMu.Unlock()
	})
	return nil
}
