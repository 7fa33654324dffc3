package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindhaven/callkit/internal/signaling"
)

// fakeCapture hands out static sample tracks instead of touching devices.
type fakeCapture struct {
	mu        sync.Mutex
	wantVideo []bool
	stops     int
}

func (f *fakeCapture) fn(_ Config, wantVideo bool) (*capturedMedia, error) {
	f.mu.Lock()
	f.wantVideo = append(f.wantVideo, wantVideo)
	f.mu.Unlock()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "callkit")
	if err != nil {
		return nil, err
	}
	tracks := []webrtc.TrackLocal{audio}
	if wantVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "callkit")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, video)
	}
	return &capturedMedia{
		tracks: tracks,
		stop: func() {
			f.mu.Lock()
			f.stops++
			f.mu.Unlock()
		},
	}, nil
}

// sentSignals collects everything the controller relays out.
type sentSignals struct {
	mu   sync.Mutex
	sigs []signaling.Signal
}

func (s *sentSignals) send(sig signaling.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs = append(s.sigs, sig)
	return nil
}

func (s *sentSignals) byKind(kind string) []signaling.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Signal
	for _, sig := range s.sigs {
		if sig.Kind == kind {
			out = append(out, sig)
		}
	}
	return out
}

func newTestController(t *testing.T, ev Events) (*Controller, *fakeCapture, *sentSignals) {
	t.Helper()
	cap := &fakeCapture{}
	sent := &sentSignals{}
	c := newWithCapture(Config{}, "call-test", sent.send, ev, cap.fn, func(Config, bool) (*capturedMedia, error) {
		return nil, ErrScreenShareUnsupported
	})
	t.Cleanup(c.Teardown)
	return c, cap, sent
}

func TestAcquireAudioOnlySkipsVideo(t *testing.T) {
	c, cap, _ := newTestController(t, Events{})

	require.NoError(t, c.Acquire(context.Background(), false))

	require.Len(t, cap.wantVideo, 1)
	assert.False(t, cap.wantVideo[0], "audio-only call must not request the camera")

	audio, video := c.MediaState()
	assert.True(t, audio)
	assert.False(t, video)
}

func TestAcquireVideoDisabledOverridesCallType(t *testing.T) {
	cap := &fakeCapture{}
	sent := &sentSignals{}
	c := newWithCapture(Config{VideoDisabled: true}, "call-test", sent.send, Events{}, cap.fn, nil)
	t.Cleanup(c.Teardown)

	require.NoError(t, c.Acquire(context.Background(), true))
	require.Len(t, cap.wantVideo, 1)
	assert.False(t, cap.wantVideo[0])
}

func TestAcquireReportsLocalMedia(t *testing.T) {
	var got []string
	done := make(chan struct{})
	c, _, _ := newTestController(t, Events{
		LocalMedia: func(kinds []string) {
			got = kinds
			close(done)
		},
	})

	require.NoError(t, c.Acquire(context.Background(), true))
	select {
	case <-done:
	default:
		t.Fatal("LocalMedia hook did not fire")
	}
	assert.ElementsMatch(t, []string{"audio", "video"}, got)
}

func TestAcquireMediaDenied(t *testing.T) {
	sent := &sentSignals{}
	c := newWithCapture(Config{}, "call-test", sent.send, Events{},
		func(Config, bool) (*capturedMedia, error) {
			return nil, errors.New("device busy")
		}, nil)
	t.Cleanup(c.Teardown)

	err := c.Acquire(context.Background(), false)
	require.ErrorIs(t, err, ErrMediaDenied)
}

func TestStartNegotiationSendsOffer(t *testing.T) {
	c, _, sent := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), true))

	require.NoError(t, c.StartNegotiation(true))

	offers := sent.byKind(signaling.SignalOffer)
	require.Len(t, offers, 1)
	assert.NotEmpty(t, offers[0].SDP)
}

func TestReceiverSendsNothingUntilOffer(t *testing.T) {
	c, _, sent := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), true))

	require.NoError(t, c.StartNegotiation(false))
	assert.Empty(t, sent.byKind(signaling.SignalOffer))
	assert.Empty(t, sent.byKind(signaling.SignalAnswer))
}

func TestCandidateBufferedBeforeRemoteDescription(t *testing.T) {
	c, _, _ := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), true))

	c.HandleSignal(signaling.Signal{
		Kind:      signaling.SignalCandidate,
		Candidate: []byte(`{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host","sdpMid":"0"}`),
	})

	c.mu.Lock()
	buffered := len(c.pendingCandidates)
	c.mu.Unlock()
	assert.Equal(t, 1, buffered)
}

func TestToggleAudio(t *testing.T) {
	c, _, _ := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), false))

	assert.False(t, c.ToggleAudio(), "first toggle mutes")
	assert.True(t, c.ToggleAudio(), "second toggle unmutes")
}

func TestToggleVideoWithoutVideoSender(t *testing.T) {
	c, _, _ := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), false))

	assert.False(t, c.ToggleVideo(), "audio-only call has no video to enable")
}

func TestTeardownIdempotent(t *testing.T) {
	c, cap, _ := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), true))

	c.Teardown()
	c.Teardown()
	c.Teardown()

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, 1, cap.stops, "local tracks released exactly once")
}

func TestTeardownWithoutAcquire(t *testing.T) {
	c, _, _ := newTestController(t, Events{})
	c.Teardown() // must not panic
}

func TestHandleSignalAfterTeardownIsNoop(t *testing.T) {
	c, _, sent := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), true))
	c.Teardown()

	c.HandleSignal(signaling.Signal{Kind: signaling.SignalOffer, SDP: "v=0"})
	assert.Empty(t, sent.byKind(signaling.SignalAnswer))
}

func TestScreenShareUnsupported(t *testing.T) {
	c, _, _ := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), true))

	err := c.StartScreenShare()
	require.ErrorIs(t, err, ErrScreenShareUnsupported)
	assert.False(t, c.Sharing())
}

func TestScreenShareSwapAndRestore(t *testing.T) {
	cap := &fakeCapture{}
	sent := &sentSignals{}
	screen := func(Config, bool) (*capturedMedia, error) {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "callkit")
		if err != nil {
			return nil, err
		}
		return &capturedMedia{tracks: []webrtc.TrackLocal{track}, stop: func() {}}, nil
	}
	c := newWithCapture(Config{}, "call-test", sent.send, Events{}, cap.fn, screen)
	t.Cleanup(c.Teardown)
	require.NoError(t, c.Acquire(context.Background(), true))

	require.NoError(t, c.StartScreenShare())
	assert.True(t, c.Sharing())
	require.NoError(t, c.StartScreenShare(), "second start is a no-op")

	require.NoError(t, c.StopScreenShare())
	assert.False(t, c.Sharing())
	require.NoError(t, c.StopScreenShare(), "second stop is a no-op")
}

func TestAcquireCancelled(t *testing.T) {
	sent := &sentSignals{}
	block := make(chan struct{})
	c := newWithCapture(Config{}, "call-test", sent.send, Events{},
		func(Config, bool) (*capturedMedia, error) {
			<-block
			return &capturedMedia{stop: func() {}}, nil
		}, nil)
	t.Cleanup(func() { close(block); c.Teardown() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Acquire(ctx, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusSnapshot(t *testing.T) {
	c, _, _ := newTestController(t, Events{})
	require.NoError(t, c.Acquire(context.Background(), true))

	st := c.Status()
	assert.Equal(t, "call-test", st.CallID)
	assert.Equal(t, 2, st.LocalTracks)
	assert.True(t, st.AudioEnabled)
	assert.True(t, st.VideoEnabled)

	c.Teardown()
	assert.Equal(t, "released", c.Status().PCState)
}
