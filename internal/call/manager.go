// Package call owns the client-side call lifecycle: at most one session at
// a time, driven by signaling messages on one side and UI operations on the
// other. The manager is the only writer of session state; everything else
// observes through the event stream or Status snapshots.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mindhaven/callkit/internal/signaling"
)

var log = logging.Logger("call")

// DefaultRingTimeout bounds how long an unanswered call rings.
const DefaultRingTimeout = 30 * time.Second

const (
	mediaAcquireTimeout = 15 * time.Second
	heartbeatInterval   = 15 * time.Second

	// How long a demo session pretends the peer link takes to come up.
	demoConnectDelay = 500 * time.Millisecond
)

// PeerController is the slice of the peer layer the manager drives. One
// controller per call; never reused after Teardown.
type PeerController interface {
	Acquire(ctx context.Context, wantVideo bool) error
	StartNegotiation(asInitiator bool) error
	HandleSignal(sig signaling.Signal)
	ToggleAudio() bool
	ToggleVideo() bool
	StartScreenShare() error
	StopScreenShare() error
	Teardown()
}

// PeerHooks are the callbacks a controller fires as the media link moves.
type PeerHooks struct {
	LocalMedia   func(kinds []string)
	RemoteStream func()
	Connected    func()
	Failed       func(err error)
}

// PeerFactory builds the controller for one call. send relays a negotiation
// signal to the counterpart; the manager fills in room addressing.
type PeerFactory func(callID string, send func(signaling.Signal) error, hooks PeerHooks) PeerController

// Options configures a Manager.
type Options struct {
	Self        signaling.UserInfo
	Transport   signaling.Transport
	Peers       PeerFactory
	RingTimeout time.Duration // DefaultRingTimeout when zero
}

// Manager is the call session state machine.
type Manager struct {
	self        signaling.UserInfo
	transport   signaling.Transport
	peers       PeerFactory
	ringTimeout time.Duration

	hub  *eventHub
	ring *ringTimer

	mu        sync.Mutex
	state     State
	session   *Session
	peer      PeerController
	heartbeat chan struct{} // closed when the connected session ends
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager wires a manager to its transport and starts the dispatch loop.
func NewManager(opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	m := &Manager{
		self:        opts.Self,
		transport:   opts.Transport,
		peers:       opts.Peers,
		ringTimeout: opts.RingTimeout,
		hub:         newEventHub(),
		ring:        newRingTimer(),
		state:       StateIdle,
		done:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	return m
}

// Subscribe returns the session event stream and its cancel func.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.hub.subscribe()
}

// Status returns the current phase and a copy of the live session, if any.
func (m *Manager) Status() (State, *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.sessionCopyLocked()
}

func (m *Manager) sessionCopyLocked() *Session {
	if m.session == nil {
		return nil
	}
	cp := *m.session
	return &cp
}

// InitiateCall dials target. Only legal from idle; any live session makes
// this ErrBusy. Over a simulated transport the session is flagged demo.
func (m *Manager) InitiateCall(ctx context.Context, target signaling.UserInfo, callType Type) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil, ErrBusy
	}

	s := &Session{
		ID:           uuid.NewString(),
		Type:         callType,
		Role:         RoleInitiator,
		Counterpart:  target,
		Demo:         !m.transport.Live(),
		AudioEnabled: true,
		VideoEnabled: callType.WantsVideo(),
		CreatedAt:    time.Now(),
	}
	m.session = s
	m.setStateLocked(StateCalling)
	callID := s.ID
	m.mu.Unlock()

	log.Infof("CALL [%s]: dialing %s (%s, demo=%v)", callID, target.ID, callType, s.Demo)
	err := m.transport.Send(signaling.MsgInitiateCall, signaling.InitiateCallPayload{
		CallID:   callID,
		To:       target.ID,
		CallType: string(callType),
		UserInfo: m.self,
	})
	if err != nil {
		m.failCall(callID, EndTransport, err)
		return nil, err
	}

	// Give up on an unanswered outgoing call after the ring window.
	m.ring.Start(m.ringTimeout, m.publishRingTick(callID), func() {
		m.expireOutgoing(callID)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCopyLocked(), nil
}

// AcceptCall answers the ringing incoming call. Media acquisition and room
// join happen asynchronously once the server confirms with call-accepted.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state != StateRinging || m.session == nil {
		m.mu.Unlock()
		return ErrBadState
	}
	s := m.session
	m.ring.Stop()
	m.setStateLocked(StateConnecting)
	callID, from := s.ID, s.Counterpart.ID
	m.mu.Unlock()

	log.Infof("CALL [%s]: accepting call from %s", callID, from)
	err := m.transport.Send(signaling.MsgAcceptCall, signaling.AcceptCallPayload{
		CallID: callID,
		From:   m.self.ID,
		To:     from,
	})
	if err != nil {
		m.failCall(callID, EndTransport, err)
	}
	return err
}

// RejectCall declines the ringing incoming call.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	if m.state != StateRinging || m.session == nil {
		m.mu.Unlock()
		return ErrBadState
	}
	s := m.session
	callID, to := s.ID, s.Counterpart.ID
	peer := m.finishLocked(EndDismissed)
	m.mu.Unlock()
	teardownPeer(peer)

	m.sendBestEffort(signaling.MsgRejectCall, signaling.RejectCallPayload{
		CallID: callID,
		From:   m.self.ID,
		To:     to,
		Reason: "rejected",
	})
	return nil
}

// EndCall hangs up whatever is in flight. Legal in every state and
// idempotent: with no session it does nothing and reports success.
func (m *Manager) EndCall() error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil
	}
	s := m.session
	callID, to, roomID := s.ID, s.Counterpart.ID, s.RoomID
	peer := m.finishLocked(EndLocalHangup)
	m.mu.Unlock()
	teardownPeer(peer)

	m.sendBestEffort(signaling.MsgEndCall, signaling.EndCallPayload{
		CallID: callID,
		From:   m.self.ID,
		To:     to,
	})
	if roomID != "" {
		m.sendBestEffort(signaling.MsgLeaveCallRoom, signaling.LeaveCallRoomPayload{
			RoomID: roomID,
			UserID: m.self.ID,
		})
	}
	return nil
}

// ToggleAudio flips the local microphone and tells the remote side.
func (m *Manager) ToggleAudio() (bool, error) {
	peer, callID, err := m.livePeer()
	if err != nil {
		return false, err
	}
	enabled := peer.ToggleAudio()

	m.mu.Lock()
	if m.session != nil && m.session.ID == callID {
		m.session.AudioEnabled = enabled
		m.publishLocked(Event{Type: EventMediaChanged})
	}
	m.mu.Unlock()

	m.sendMediaState(callID)
	return enabled, nil
}

// ToggleVideo flips the local camera and tells the remote side.
func (m *Manager) ToggleVideo() (bool, error) {
	peer, callID, err := m.livePeer()
	if err != nil {
		return false, err
	}
	enabled := peer.ToggleVideo()

	m.mu.Lock()
	if m.session != nil && m.session.ID == callID {
		m.session.VideoEnabled = enabled
		m.publishLocked(Event{Type: EventMediaChanged})
	}
	m.mu.Unlock()

	m.sendMediaState(callID)
	return enabled, nil
}

// StartScreenShare swaps the outgoing video for a screen capture.
func (m *Manager) StartScreenShare() error {
	peer, callID, err := m.livePeer()
	if err != nil {
		return err
	}
	if err := peer.StartScreenShare(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.session != nil && m.session.ID == callID {
		m.session.Sharing = true
		m.publishLocked(Event{Type: EventMediaChanged})
	}
	m.mu.Unlock()
	return nil
}

// StopScreenShare restores the camera.
func (m *Manager) StopScreenShare() error {
	peer, callID, err := m.livePeer()
	if err != nil {
		return err
	}
	if err := peer.StopScreenShare(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.session != nil && m.session.ID == callID {
		m.session.Sharing = false
		m.publishLocked(Event{Type: EventMediaChanged})
	}
	m.mu.Unlock()
	return nil
}

// Close tears everything down. Any live call is ended locally first.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.EndCall()
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
		m.wg.Wait()
		m.ring.Stop()
		m.hub.close()
	})
}

// ── dispatch ──

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()

	envCh, cancelEnvs := m.transport.Subscribe()
	defer cancelEnvs()
	stateCh, cancelStates := m.transport.States()
	defer cancelStates()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-envCh:
			if !ok {
				return
			}
			m.handleEnvelope(env)
		case st, ok := <-stateCh:
			if !ok {
				return
			}
			m.handleTransportState(st)
		}
	}
}

func (m *Manager) handleEnvelope(env *signaling.Envelope) {
	switch env.Type {
	case signaling.MsgIncomingCall:
		decode(env, m.handleIncoming)
	case signaling.MsgCallAccepted:
		decode(env, m.handleAccepted)
	case signaling.MsgCallRejected:
		decode(env, m.handleRejected)
	case signaling.MsgCallFailed:
		decode(env, m.handleFailed)
	case signaling.MsgCallEnded:
		decode(env, m.handleEnded)
	case signaling.MsgUserJoinedCall:
		decode(env, m.handleUserJoined)
	case signaling.MsgUserLeftCall:
		decode(env, m.handleUserLeft)
	case signaling.MsgReceiveCallSignal:
		decode(env, m.handleSignalIn)
	case signaling.MsgCallParticipants:
		// Two-party calls; the join/leave events carry everything we need.
	default:
		// Presence traffic and anything newer than this client.
	}
}

func decode[T any](env *signaling.Envelope, fn func(T)) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Warnf("bad %s payload: %v", env.Type, err)
		return
	}
	fn(payload)
}

func (m *Manager) handleIncoming(p signaling.IncomingCallPayload) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	switch {
	case m.state == StateIdle:
		s := &Session{
			ID:           p.CallID,
			Type:         Type(p.CallType),
			Role:         RoleReceiver,
			Counterpart:  p.UserInfo,
			Demo:         !m.transport.Live(),
			AudioEnabled: true,
			VideoEnabled: Type(p.CallType).WantsVideo(),
			CreatedAt:    time.Now(),
		}
		if s.Counterpart.ID == "" {
			s.Counterpart.ID = p.From
		}
		m.session = s
		m.setStateLocked(StateRinging)
		m.publishLocked(Event{Type: EventIncoming})
		callID := s.ID
		m.mu.Unlock()

		log.Infof("CALL [%s]: incoming %s call from %s", callID, p.CallType, p.From)
		m.ring.Start(m.ringTimeout, m.publishRingTick(callID), func() {
			m.expireIncoming(callID)
		})

	case m.session != nil && m.session.Demo && m.state == StateCalling && p.From == m.session.Counterpart.ID:
		// Demo loop: the dialed counselor "calls back". The outgoing attempt
		// becomes this incoming call.
		s := m.session
		s.ID = p.CallID
		s.Role = RoleReceiver
		if p.UserInfo.ID != "" {
			s.Counterpart = p.UserInfo
		}
		m.setStateLocked(StateRinging)
		m.publishLocked(Event{Type: EventIncoming})
		callID := s.ID
		m.mu.Unlock()

		log.Infof("CALL [%s]: demo callback from %s", callID, p.From)
		m.ring.Start(m.ringTimeout, m.publishRingTick(callID), func() {
			m.expireIncoming(callID)
		})

	default:
		m.mu.Unlock()
		log.Infof("CALL [%s]: busy, auto-rejecting call from %s", p.CallID, p.From)
		m.sendBestEffort(signaling.MsgRejectCall, signaling.RejectCallPayload{
			CallID: p.CallID,
			From:   m.self.ID,
			To:     p.From,
			Reason: signaling.ReasonUserBusy,
		})
	}
}

func (m *Manager) handleAccepted(p signaling.CallAcceptedPayload) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != p.CallID {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: dropping stale call-accepted", p.CallID)
		return
	}
	if m.state != StateCalling && m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	if s.RoomID != "" {
		// Duplicate accept; peer setup is already in flight.
		m.mu.Unlock()
		return
	}
	m.ring.Stop()
	s.RoomID = p.RoomID
	m.setStateLocked(StateConnecting)
	callID, roomID, to := s.ID, s.RoomID, s.Counterpart.ID
	asInitiator := s.Role == RoleInitiator
	wantVideo := s.Type.WantsVideo()
	m.mu.Unlock()

	log.Infof("CALL [%s]: accepted, room %s", callID, roomID)
	go m.setupPeer(callID, roomID, to, asInitiator, wantVideo)
}

// setupPeer builds the controller, acquires local media and joins the call
// room. Runs off the dispatch path; every failure funnels into failCall.
func (m *Manager) setupPeer(callID, roomID, to string, asInitiator, wantVideo bool) {
	send := func(sig signaling.Signal) error {
		return m.transport.Send(signaling.MsgSendCallSignal, signaling.SendCallSignalPayload{
			RoomID: roomID,
			To:     to,
			Signal: sig,
		})
	}
	hooks := PeerHooks{
		LocalMedia: func(kinds []string) {
			m.mu.Lock()
			if m.session != nil && m.session.ID == callID {
				m.publishLocked(Event{Type: EventLocalMedia})
			}
			m.mu.Unlock()
		},
		RemoteStream: func() {
			m.mu.Lock()
			if m.session != nil && m.session.ID == callID {
				m.publishLocked(Event{Type: EventRemoteStream})
			}
			m.mu.Unlock()
		},
		Connected: func() { m.onPeerConnected(callID) },
		Failed:    func(err error) { m.failCall(callID, EndPeerFailed, err) },
	}
	peer := m.peers(callID, send, hooks)

	m.mu.Lock()
	if m.session == nil || m.session.ID != callID {
		m.mu.Unlock()
		peer.Teardown()
		return
	}
	m.peer = peer
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), mediaAcquireTimeout)
	defer cancel()
	if err := peer.Acquire(ctx, wantVideo); err != nil {
		m.failMedia(callID, asInitiator, err)
		return
	}
	if !asInitiator {
		_ = peer.StartNegotiation(false)
	}

	if err := m.transport.Send(signaling.MsgJoinCallRoom, signaling.JoinCallRoomPayload{
		RoomID:   roomID,
		UserID:   m.self.ID,
		UserInfo: m.self,
	}); err != nil {
		m.failCall(callID, EndTransport, err)
		return
	}

	// The remote may have joined while media was still coming up; if so the
	// user-joined-call handler saw a nil peer and negotiation is on us now.
	m.mu.Lock()
	joined := m.session != nil && m.session.ID == callID && m.session.RemoteJoined
	m.mu.Unlock()
	if joined && asInitiator {
		if err := peer.StartNegotiation(true); err != nil {
			m.failCall(callID, EndPeerFailed, err)
		}
	}
}

func (m *Manager) handleUserJoined(p signaling.UserJoinedCallPayload) {
	if p.UserID == m.self.ID {
		return
	}
	m.mu.Lock()
	s := m.session
	if s == nil || s.RoomID != p.RoomID {
		m.mu.Unlock()
		return
	}
	s.RemoteJoined = true
	peer := m.peer
	asInitiator := s.Role == RoleInitiator
	demo := s.Demo
	callID := s.ID
	m.mu.Unlock()

	log.Infof("CALL [%s]: %s joined the room", callID, p.UserID)
	if peer != nil && asInitiator {
		if err := peer.StartNegotiation(true); err != nil {
			m.failCall(callID, EndPeerFailed, err)
		}
	}
	if demo {
		// No remote peer exists to complete negotiation; bring the link up
		// ourselves so the demo walks the full state machine.
		time.AfterFunc(demoConnectDelay, func() { m.onPeerConnected(callID) })
	}
}

func (m *Manager) handleUserLeft(p signaling.UserLeftCallPayload) {
	if p.UserID == m.self.ID {
		return
	}
	m.mu.Lock()
	s := m.session
	if s == nil || s.RoomID != p.RoomID {
		m.mu.Unlock()
		return
	}
	log.Infof("CALL [%s]: %s left the room", s.ID, p.UserID)
	peer := m.finishLocked(EndRemoteEnded)
	m.mu.Unlock()
	teardownPeer(peer)
}

func (m *Manager) handleRejected(p signaling.CallRejectedPayload) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != p.CallID {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: dropping stale call-rejected", p.CallID)
		return
	}
	reason := EndRejected
	if p.Reason == signaling.ReasonUserBusy {
		reason = EndBusy
	}
	log.Infof("CALL [%s]: rejected (%s)", s.ID, p.Reason)
	peer := m.finishLocked(reason)
	m.mu.Unlock()
	teardownPeer(peer)
}

func (m *Manager) handleFailed(p signaling.CallFailedPayload) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != p.CallID {
		m.mu.Unlock()
		return
	}
	reason := EndPeerFailed
	switch p.Reason {
	case signaling.ReasonUserOffline:
		reason = EndOffline
	case signaling.ReasonUserBusy:
		reason = EndBusy
	}
	log.Infof("CALL [%s]: failed (%s)", s.ID, p.Reason)
	peer := m.finishLocked(reason)
	m.mu.Unlock()
	teardownPeer(peer)
}

func (m *Manager) handleEnded(p signaling.CallEndedPayload) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != p.CallID {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: dropping stale call-ended", p.CallID)
		return
	}
	log.Infof("CALL [%s]: remote ended", s.ID)
	peer := m.finishLocked(EndRemoteEnded)
	m.mu.Unlock()
	teardownPeer(peer)
}

func (m *Manager) handleSignalIn(p signaling.ReceiveCallSignalPayload) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.RoomID != p.RoomID {
		m.mu.Unlock()
		log.Debugf("dropping signal for unknown room %s", p.RoomID)
		return
	}

	if p.Signal.Kind == signaling.SignalMediaState {
		if p.Signal.AudioEnabled != nil {
			s.RemoteAudio = *p.Signal.AudioEnabled
		}
		if p.Signal.VideoEnabled != nil {
			s.RemoteVideo = *p.Signal.VideoEnabled
		}
		m.publishLocked(Event{Type: EventMediaChanged})
		m.mu.Unlock()
		return
	}

	peer := m.peer
	m.mu.Unlock()
	if peer != nil {
		peer.HandleSignal(p.Signal)
	}
}

func (m *Manager) handleTransportState(st signaling.ConnState) {
	m.mu.Lock()
	m.publishLocked(Event{Type: EventTransport, Transport: string(st)})
	s := m.session
	var peer PeerController
	if st == signaling.StateUnavailable && s != nil {
		log.Warnf("CALL [%s]: signaling gone, ending call", s.ID)
		peer = m.finishLocked(EndTransport)
	}
	m.mu.Unlock()
	teardownPeer(peer)
}

// ── lifecycle plumbing ──

func (m *Manager) onPeerConnected(callID string) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != callID || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	s.AcceptedAt = time.Now()
	m.setStateLocked(StateConnected)
	stop := make(chan struct{})
	m.heartbeat = stop
	m.mu.Unlock()

	log.Infof("CALL [%s]: connected", callID)
	m.sendBestEffort(signaling.MsgUpdateCallStatus, signaling.UpdateCallStatusPayload{
		UserID:     m.self.ID,
		CallStatus: signaling.StatusInCall,
	})
	go m.heartbeatLoop(callID, stop)
}

// heartbeatLoop keeps the server's view of our call status fresh while
// connected.
func (m *Manager) heartbeatLoop(callID string, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sendBestEffort(signaling.MsgUpdateCallStatus, signaling.UpdateCallStatusPayload{
				UserID:     m.self.ID,
				CallStatus: signaling.StatusInCall,
			})
		}
	}
}

// failCall ends the session identified by callID with reason. Stale calls
// (session already replaced or gone) are ignored.
func (m *Manager) failCall(callID string, reason EndReason, err error) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != callID {
		m.mu.Unlock()
		return
	}
	log.Errorf("CALL [%s]: %s: %v", callID, reason, err)
	to, roomID := s.Counterpart.ID, s.RoomID
	peer := m.finishLocked(reason)
	m.mu.Unlock()
	teardownPeer(peer)

	m.sendBestEffort(signaling.MsgEndCall, signaling.EndCallPayload{
		CallID: callID,
		From:   m.self.ID,
		To:     to,
	})
	if roomID != "" {
		m.sendBestEffort(signaling.MsgLeaveCallRoom, signaling.LeaveCallRoomPayload{
			RoomID: roomID,
			UserID: m.self.ID,
		})
	}
}

// failMedia ends callID after local media acquisition failed. A receiver
// auto-rejects so the initiator's UI reads "rejected" rather than a mid-call
// drop; an initiator tears down with the usual end-call.
func (m *Manager) failMedia(callID string, asInitiator bool, err error) {
	if asInitiator {
		m.failCall(callID, EndMediaError, err)
		return
	}

	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != callID {
		m.mu.Unlock()
		return
	}
	log.Errorf("CALL [%s]: %s: %v", callID, EndMediaError, err)
	to, roomID := s.Counterpart.ID, s.RoomID
	peer := m.finishLocked(EndMediaError)
	m.mu.Unlock()
	teardownPeer(peer)

	m.sendBestEffort(signaling.MsgRejectCall, signaling.RejectCallPayload{
		CallID: callID,
		From:   m.self.ID,
		To:     to,
		Reason: "media_error",
	})
	if roomID != "" {
		m.sendBestEffort(signaling.MsgLeaveCallRoom, signaling.LeaveCallRoomPayload{
			RoomID: roomID,
			UserID: m.self.ID,
		})
	}
}

// finishLocked is the single teardown path: every route back to idle goes
// through here exactly once per session. It returns the peer controller so
// the caller can tear it down after releasing m.mu; doing that synchronously
// is what turns the camera light off before EndCall returns.
func (m *Manager) finishLocked(reason EndReason) PeerController {
	s := m.session
	if s == nil {
		return nil
	}
	s.EndedAt = time.Now()
	s.EndReason = reason

	m.ring.Stop()
	if m.heartbeat != nil {
		close(m.heartbeat)
		m.heartbeat = nil
	}
	peer := m.peer
	m.peer = nil
	m.session = nil

	ended := *s
	m.state = StateIdle
	m.publishLocked(Event{Type: EventEnded, Session: &ended, Reason: reason})
	m.publishLocked(Event{Type: EventStateChanged})

	go m.sendBestEffort(signaling.MsgUpdateCallStatus, signaling.UpdateCallStatusPayload{
		UserID:     m.self.ID,
		CallStatus: signaling.StatusAvailable,
	})
	log.Infof("CALL [%s]: finished (%s)", ended.ID, reason)
	return peer
}

// teardownPeer releases the controller returned by finishLocked. Must run
// without m.mu held.
func teardownPeer(peer PeerController) {
	if peer != nil {
		peer.Teardown()
	}
}

func (m *Manager) expireIncoming(callID string) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != callID || m.state != StateRinging {
		m.mu.Unlock()
		return
	}
	log.Infof("CALL [%s]: ring timeout, dismissing", callID)
	to := s.Counterpart.ID
	peer := m.finishLocked(EndMissed)
	m.mu.Unlock()
	teardownPeer(peer)

	m.sendBestEffort(signaling.MsgRejectCall, signaling.RejectCallPayload{
		CallID: callID,
		From:   m.self.ID,
		To:     to,
		Reason: "timeout",
	})
}

func (m *Manager) expireOutgoing(callID string) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != callID || m.state != StateCalling {
		m.mu.Unlock()
		return
	}
	log.Infof("CALL [%s]: no answer, giving up", callID)
	to := s.Counterpart.ID
	peer := m.finishLocked(EndUnanswered)
	m.mu.Unlock()
	teardownPeer(peer)

	m.sendBestEffort(signaling.MsgEndCall, signaling.EndCallPayload{
		CallID: callID,
		From:   m.self.ID,
		To:     to,
	})
}

func (m *Manager) publishRingTick(callID string) func(int) {
	return func(remaining int) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.session == nil || m.session.ID != callID {
			return
		}
		m.publishLocked(Event{Type: EventRingTick, Remaining: remaining})
	}
}

func (m *Manager) setStateLocked(st State) {
	if m.state == st {
		return
	}
	m.state = st
	m.publishLocked(Event{Type: EventStateChanged})
}

// publishLocked stamps the event with the current state and session copy.
func (m *Manager) publishLocked(ev Event) {
	ev.State = m.state
	if ev.Session == nil {
		ev.Session = m.sessionCopyLocked()
	}
	m.hub.publish(ev)
}

func (m *Manager) livePeer() (PeerController, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, "", ErrNoSession
	}
	if m.peer == nil {
		return nil, "", ErrBadState
	}
	return m.peer, m.session.ID, nil
}

func (m *Manager) sendMediaState(callID string) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ID != callID || s.RoomID == "" {
		m.mu.Unlock()
		return
	}
	audio, video := s.AudioEnabled, s.VideoEnabled
	roomID, to := s.RoomID, s.Counterpart.ID
	m.mu.Unlock()

	m.sendBestEffort(signaling.MsgSendCallSignal, signaling.SendCallSignalPayload{
		RoomID: roomID,
		To:     to,
		Signal: signaling.Signal{
			Kind:         signaling.SignalMediaState,
			AudioEnabled: &audio,
			VideoEnabled: &video,
		},
	})
}

// sendBestEffort sends a message whose loss the protocol tolerates.
func (m *Manager) sendBestEffort(msgType string, payload any) {
	if err := m.transport.Send(msgType, payload); err != nil {
		log.Debugf("send %s: %v", msgType, err)
	}
}
