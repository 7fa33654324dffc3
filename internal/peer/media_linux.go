//go:build linux

package peer

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// newWebRTCAPI builds a Pion API with the mediadevices codecs registered and
// ICE timeouts loose enough to ride out short network blips.
func newWebRTCAPI() (*webrtc.API, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	// disconnect after 30s of silence, fail at 120s, keepalive every 2s
	settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

// platformCapture opens microphone plus, for video calls, the camera. An
// audio-only call never touches the camera driver. GetUserMedia fails as a
// unit if either track can't be opened, so a video call degrades to
// audio-only when the camera is missing or busy; when every attempt fails
// the error is returned and the call attempt dies with it.
func platformCapture(cfg Config, wantVideo bool) (*capturedMedia, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	attempts := [][2]bool{{false, true}} // {video, audio}
	if wantVideo {
		attempts = [][2]bool{{true, true}, {false, true}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a[0] {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG; some cameras expose an MJPEG V4L2 node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
				if cfg.PreferredCam != "" {
					c.DeviceID = prop.String(cfg.PreferredCam)
				}
			}
		}
		if a[1] {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if cfg.PreferredMic != "" {
					c.DeviceID = prop.String(cfg.PreferredMic)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warnf("GetUserMedia (video=%v) failed: %v", a[0], err)
			continue
		}
		return wrapStream(stream), nil
	}
	return nil, lastErr
}

// platformScreenCapture grabs the display as a video-only stream.
func platformScreenCapture(cfg Config, _ bool) (*capturedMedia, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return wrapStream(stream), nil
}

func wrapStream(stream mediadevices.MediaStream) *capturedMedia {
	mdTracks := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
	for _, t := range mdTracks {
		tracks = append(tracks, t)
	}
	return &capturedMedia{
		tracks: tracks,
		stop: func() {
			for _, t := range mdTracks {
				if err := t.Close(); err != nil {
					log.Debugf("track close: %v", err)
				}
			}
		},
	}
}

// watchTrackEnded invokes fn when a capture-backed track stops on its own,
// e.g. the user revoking the share from the OS picker.
func watchTrackEnded(track webrtc.TrackLocal, fn func()) {
	if mt, ok := track.(mediadevices.Track); ok {
		mt.OnEnded(func(error) { fn() })
	}
}
