//go:build !linux

package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newWebRTCAPI builds a Pion API with the default codecs. mediadevices
// capture requires platform drivers (V4L2/malgo) that only ship for Linux,
// so other platforms register codecs without the capture-backed selector.
func newWebRTCAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// platformCapture yields no local tracks on non-Linux platforms; the session
// proceeds receive-only via the recvonly transceivers.
func platformCapture(Config, bool) (*capturedMedia, error) {
	log.Warn("no local capture on this platform, proceeding receive-only")
	return &capturedMedia{stop: func() {}}, nil
}

func platformScreenCapture(Config, bool) (*capturedMedia, error) {
	return nil, ErrScreenShareUnsupported
}

func watchTrackEnded(webrtc.TrackLocal, func()) {}
