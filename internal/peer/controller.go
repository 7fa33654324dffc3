// Package peer wraps a single Pion peer-to-peer media session for one call:
// local capture, SDP/ICE negotiation relayed through the signaling layer,
// mute/camera toggles, screen-share track substitution and deterministic
// teardown. Coupling to the rest of callkit is via the SendSignal callback
// and the Events hooks only.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/mindhaven/callkit/internal/signaling"
)

var log = logging.Logger("peer")

var (
	// ErrMediaDenied means the platform refused camera/microphone access.
	// Fatal to the call attempt, harmless to the rest of the application.
	ErrMediaDenied = errors.New("peer: media access denied")

	// ErrScreenShareUnsupported is returned on platforms without a screen
	// capture driver.
	ErrScreenShareUnsupported = errors.New("peer: screen share not supported on this platform")

	// ErrNegotiationFailed wraps SDP/ICE failures. Treated upstream as the
	// call ending; never retried.
	ErrNegotiationFailed = errors.New("peer: negotiation failed")
)

// Config carries the media knobs from the client configuration.
type Config struct {
	ICEServers    []string
	VideoDisabled bool
	// PreferredCam and PreferredMic pin capture to a specific device by
	// driver ID. Empty means whatever the OS picks first.
	PreferredCam string
	PreferredMic string
}

// Events are the hooks the session layer installs before use. Any hook may
// be nil. Connected and Failed fire at most once each per controller.
type Events struct {
	LocalMedia   func(kinds []string)
	RemoteStream func()
	Connected    func()
	Failed       func(err error)
}

// SendSignal relays one negotiation signal to the remote party. The session
// layer fills in the room/addressee.
type SendSignal func(sig signaling.Signal) error

// capturedMedia bundles local tracks with the function that releases the
// underlying devices (camera light off).
type capturedMedia struct {
	tracks []webrtc.TrackLocal
	stop   func()
}

// captureFunc acquires local media. Platform implementations live in the
// build-tagged media files; tests inject their own.
type captureFunc func(cfg Config, wantVideo bool) (*capturedMedia, error)

// Controller drives exactly one peer connection. Not reusable: one call,
// one controller.
type Controller struct {
	callID string
	cfg    Config
	send   SendSignal
	events Events

	capture       captureFunc
	captureScreen captureFunc

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	media       *capturedMedia
	screenMedia *capturedMedia
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	cameraTrack webrtc.TrackLocal // original outgoing video, for share fallback

	audioEnabled bool
	videoEnabled bool
	sharing      bool

	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	remoteSeen        bool
	connectedFired    bool
	failedFired       bool
	torn              bool

	stats Stats
}

// Stats is a point-in-time snapshot of inbound RTP counters.
type Stats struct {
	RemotePackets uint64 `json:"remote_packets"`
	RemoteBytes   uint64 `json:"remote_bytes"`
	LastSeq       uint16 `json:"last_seq"`
}

// Status is the debug snapshot served by the control API.
type Status struct {
	CallID       string `json:"call_id"`
	PCState      string `json:"pc_state"`
	AudioEnabled bool   `json:"audio_enabled"`
	VideoEnabled bool   `json:"video_enabled"`
	Sharing      bool   `json:"sharing"`
	RemoteStream bool   `json:"remote_stream"`
	LocalTracks  int    `json:"local_tracks"`
	Stats        Stats  `json:"stats"`
}

// New creates a controller for callID using the platform capture pipeline.
func New(cfg Config, callID string, send SendSignal, events Events) *Controller {
	return &Controller{
		callID:        callID,
		cfg:           cfg,
		send:          send,
		events:        events,
		capture:       platformCapture,
		captureScreen: platformScreenCapture,
	}
}

// newWithCapture is the test seam: identical to New but with injected capture.
func newWithCapture(cfg Config, callID string, send SendSignal, events Events, cap, screen captureFunc) *Controller {
	c := New(cfg, callID, send, events)
	c.capture = cap
	c.captureScreen = screen
	return c
}

// Acquire requests local media per the call type and attaches it to a fresh
// peer connection. Audio-only calls never request video. Blocks until the
// platform grants or denies; denial fails the call attempt with
// ErrMediaDenied.
func (c *Controller) Acquire(ctx context.Context, wantVideo bool) error {
	if c.cfg.VideoDisabled {
		wantVideo = false
	}

	pc, err := c.newPeerConnection()
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}

	type result struct {
		media *capturedMedia
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		m, err := c.capture(c.cfg, wantVideo)
		resCh <- result{m, err}
	}()

	var media *capturedMedia
	select {
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			pc.Close()
			return fmt.Errorf("%w: %v", ErrMediaDenied, res.err)
		}
		media = res.media
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		// Torn down while we were waiting on the device prompt.
		media.stop()
		pc.Close()
		return errors.New("peer: controller already torn down")
	}

	c.pc = pc
	c.media = media
	c.audioEnabled = false
	c.videoEnabled = false

	var kinds []string
	for _, track := range media.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Errorf("CALL [%s]: AddTrack error: %v", c.callID, err)
			continue
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			c.audioSender = sender
			c.audioEnabled = true
		case webrtc.RTPCodecTypeVideo:
			c.videoSender = sender
			c.cameraTrack = track
			c.videoEnabled = true
		}
		kinds = append(kinds, track.Kind().String())
	}

	// Always able to receive remote media, even when capture came up empty.
	c.ensureRecvTransceiversLocked()

	log.Infof("CALL [%s]: local media ready (%d tracks, video=%v)", c.callID, len(kinds), c.videoEnabled)
	if c.events.LocalMedia != nil {
		c.events.LocalMedia(kinds)
	}
	return nil
}

func (c *Controller) newPeerConnection() (*webrtc.PeerConnection, error) {
	api, err := newWebRTCAPI()
	if err != nil {
		return nil, err
	}

	iceServers := make([]webrtc.ICEServer, 0, len(c.cfg.ICEServers))
	for _, u := range c.cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		if err := c.send(signaling.Signal{Kind: signaling.SignalCandidate, Candidate: b}); err != nil {
			log.Debugf("CALL [%s]: candidate relay failed: %v", c.callID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Infof("CALL [%s]: remote %s track arrived", c.callID, track.Kind())
		c.mu.Lock()
		first := !c.remoteSeen
		c.remoteSeen = true
		c.mu.Unlock()

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.keyframeLoop(pc, uint32(track.SSRC()))
		}
		go c.drainRemote(track)

		if first && c.events.RemoteStream != nil {
			c.events.RemoteStream()
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("CALL [%s]: pc state %s", c.callID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			c.fireConnected()
		case webrtc.PeerConnectionStateFailed:
			c.fireFailed(fmt.Errorf("%w: ICE failed", ErrNegotiationFailed))
		case webrtc.PeerConnectionStateClosed:
			// Expected during teardown; fireFailed is a no-op once torn.
		}
	})

	return pc, nil
}

func (c *Controller) ensureRecvTransceiversLocked() {
	haveAudio := c.audioSender != nil
	haveVideo := c.videoSender != nil
	if !haveVideo {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("CALL [%s]: AddTransceiver(video) error: %v", c.callID, err)
		}
	}
	if !haveAudio {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("CALL [%s]: AddTransceiver(audio) error: %v", c.callID, err)
		}
	}
}

// StartNegotiation kicks off SDP exchange. Exactly one side per call is the
// initiator: it sends its offer first, the receiver answers after applying
// it (see HandleSignal).
func (c *Controller) StartNegotiation(asInitiator bool) error {
	if !asInitiator {
		// Receiver waits for the offer.
		return nil
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return errors.New("peer: negotiation before media acquisition")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}
	if err := c.send(signaling.Signal{Kind: signaling.SignalOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("%w: send offer: %v", ErrNegotiationFailed, err)
	}
	log.Debugf("CALL [%s]: offer sent", c.callID)
	return nil
}

// HandleSignal applies one inbound negotiation signal. Errors surface through
// the Failed hook rather than a return value because signals arrive on the
// transport dispatch path.
func (c *Controller) HandleSignal(sig signaling.Signal) {
	c.mu.Lock()
	pc := c.pc
	torn := c.torn
	c.mu.Unlock()
	if torn || pc == nil {
		return
	}

	switch sig.Kind {
	case signaling.SignalOffer:
		if err := c.applyOffer(pc, sig.SDP); err != nil {
			c.fireFailed(err)
		}
	case signaling.SignalAnswer:
		if err := c.applyRemoteDescription(pc, webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: sig.SDP,
		}); err != nil {
			c.fireFailed(err)
		}
	case signaling.SignalCandidate:
		c.addCandidate(pc, sig.Candidate)
	default:
		log.Debugf("CALL [%s]: ignoring signal kind %q", c.callID, sig.Kind)
	}
}

func (c *Controller) applyOffer(pc *webrtc.PeerConnection, sdp string) error {
	if err := c.applyRemoteDescription(pc, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}
	if err := c.send(signaling.Signal{Kind: signaling.SignalAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("%w: send answer: %v", ErrNegotiationFailed, err)
	}
	log.Debugf("CALL [%s]: answer sent", c.callID)
	return nil
}

func (c *Controller) applyRemoteDescription(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailed, err)
	}

	c.mu.Lock()
	c.remoteDescSet = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Warnf("CALL [%s]: buffered candidate rejected: %v", c.callID, err)
		}
	}
	return nil
}

// addCandidate applies an ICE candidate, buffering it when it races ahead of
// the remote description.
func (c *Controller) addCandidate(pc *webrtc.PeerConnection, raw json.RawMessage) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		log.Warnf("CALL [%s]: bad candidate payload: %v", c.callID, err)
		return
	}

	c.mu.Lock()
	if !c.remoteDescSet {
		c.pendingCandidates = append(c.pendingCandidates, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		log.Warnf("CALL [%s]: AddICECandidate error: %v", c.callID, err)
	}
}

// ToggleAudio flips the outgoing audio on/off. Idempotent per direction;
// returns the resulting enabled state.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioSender == nil {
		return false
	}
	if c.audioEnabled {
		c.audioEnabled = false
		_ = c.audioSender.ReplaceTrack(nil)
	} else {
		c.audioEnabled = true
		for _, t := range c.media.tracks {
			if t.Kind() == webrtc.RTPCodecTypeAudio {
				_ = c.audioSender.ReplaceTrack(t)
				break
			}
		}
	}
	log.Infof("CALL [%s]: audio enabled=%v", c.callID, c.audioEnabled)
	return c.audioEnabled
}

// ToggleVideo flips the outgoing camera on/off. While a screen share is
// active the flag is tracked but the share keeps streaming.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoSender == nil {
		return false
	}
	if c.videoEnabled {
		c.videoEnabled = false
		if !c.sharing {
			_ = c.videoSender.ReplaceTrack(nil)
		}
	} else {
		c.videoEnabled = true
		if !c.sharing {
			_ = c.videoSender.ReplaceTrack(c.cameraTrack)
		}
	}
	log.Infof("CALL [%s]: video enabled=%v", c.callID, c.videoEnabled)
	return c.videoEnabled
}

// MediaState returns the current (audio, video) enabled flags.
func (c *Controller) MediaState() (audio, video bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled, c.videoEnabled
}

// StartScreenShare swaps the outgoing video track for a screen capture
// without renegotiating. If the capture ends on its own (user revokes via OS
// chrome), the camera track is restored automatically.
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	if c.sharing {
		c.mu.Unlock()
		return nil
	}
	if c.videoSender == nil {
		c.mu.Unlock()
		return errors.New("peer: no video sender on this call")
	}
	c.mu.Unlock()

	screen, err := c.captureScreen(c.cfg, true)
	if err != nil {
		return fmt.Errorf("screen capture: %w", err)
	}
	var screenTrack webrtc.TrackLocal
	for _, t := range screen.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			screenTrack = t
			break
		}
	}
	if screenTrack == nil {
		screen.stop()
		return errors.New("peer: screen capture produced no video track")
	}

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		screen.stop()
		return errors.New("peer: controller already torn down")
	}
	c.screenMedia = screen
	c.sharing = true
	err = c.videoSender.ReplaceTrack(screenTrack)
	c.mu.Unlock()
	if err != nil {
		c.StopScreenShare()
		return fmt.Errorf("replace track: %w", err)
	}

	watchTrackEnded(screenTrack, func() {
		log.Infof("CALL [%s]: screen capture ended, falling back to camera", c.callID)
		_ = c.StopScreenShare()
	})

	log.Infof("CALL [%s]: screen share started", c.callID)
	return nil
}

// StopScreenShare restores the camera track. Idempotent.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	if !c.sharing {
		c.mu.Unlock()
		return nil
	}
	c.sharing = false
	screen := c.screenMedia
	c.screenMedia = nil
	var restore webrtc.TrackLocal
	if c.videoEnabled {
		restore = c.cameraTrack
	}
	sender := c.videoSender
	c.mu.Unlock()

	if screen != nil {
		screen.stop()
	}
	if sender != nil {
		if err := sender.ReplaceTrack(restore); err != nil {
			return fmt.Errorf("restore camera: %w", err)
		}
	}
	log.Infof("CALL [%s]: screen share stopped", c.callID)
	return nil
}

// Sharing reports whether a screen share is active.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// Teardown stops all local tracks (camera/mic indicator off), closes the
// peer connection and clears the remote stream reference. Safe to call any
// number of times, from any state.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	media := c.media
	screen := c.screenMedia
	pc := c.pc
	c.media = nil
	c.screenMedia = nil
	c.pc = nil
	c.remoteSeen = false
	c.sharing = false
	c.audioSender = nil
	c.videoSender = nil
	c.cameraTrack = nil
	c.mu.Unlock()

	if screen != nil {
		screen.stop()
	}
	if media != nil {
		media.stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("CALL [%s]: pc close: %v", c.callID, err)
		}
	}
	log.Infof("CALL [%s]: torn down", c.callID)
}

// Status returns a debug snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		CallID:       c.callID,
		PCState:      "released",
		AudioEnabled: c.audioEnabled,
		VideoEnabled: c.videoEnabled,
		Sharing:      c.sharing,
		RemoteStream: c.remoteSeen,
		Stats:        c.stats,
	}
	if c.pc != nil {
		st.PCState = c.pc.ConnectionState().String()
	}
	if c.media != nil {
		st.LocalTracks = len(c.media.tracks)
	}
	return st
}

func (c *Controller) fireConnected() {
	c.mu.Lock()
	fire := !c.connectedFired && !c.torn
	c.connectedFired = true
	c.mu.Unlock()
	if fire && c.events.Connected != nil {
		c.events.Connected()
	}
}

func (c *Controller) fireFailed(err error) {
	c.mu.Lock()
	fire := !c.failedFired && !c.torn
	c.failedFired = true
	c.mu.Unlock()
	if fire {
		log.Errorf("CALL [%s]: %v", c.callID, err)
		if c.events.Failed != nil {
			c.events.Failed(err)
		}
	}
}

// keyframeLoop nudges the sender with PLI requests so remote video recovers
// quickly after packet loss or a late join.
func (c *Controller) keyframeLoop(pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		torn := c.torn
		c.mu.Unlock()
		if torn {
			return
		}
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			return
		}
	}
}

// drainRemote keeps the depacketizer fed and counts inbound RTP.
func (c *Controller) drainRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("CALL [%s]: remote read ended: %v", c.callID, err)
			}
			return
		}
		c.mu.Lock()
		c.stats.RemotePackets++
		c.stats.RemoteBytes += uint64(len(pkt.Payload))
		c.stats.LastSeq = pkt.SequenceNumber
		c.mu.Unlock()
	}
}
