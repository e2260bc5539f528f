//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Devices acquires microphone/camera capture via pion/mediadevices
// (V4L2 + malgo on Linux).
type Devices struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

// NewDevices builds the capture adapter together with the webrtc.API
// whose media engine knows the capture codecs. Peer connections for
// real calls must come from this API so negotiated codecs match the
// encoder parameters.
func NewDevices(logger *zap.Logger) (*Devices, *webrtc.API, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	engine := &webrtc.MediaEngine{}
	selector.Populate(engine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}

	// The default disconnectedTimeout of 5s is too aggressive for mobile
	// radio handover; give ICE time to recover before the link layer
	// reports a failure.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return &Devices{selector: selector, logger: logger}, api, nil
}

// Acquire opens local capture for the requested constraints. When a
// camera cannot be opened but audio was also requested, it retries
// audio-only rather than failing the whole call.
func (d *Devices) Acquire(_ context.Context, c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no capture requested", ErrMediaUnavailable)
	}

	attempts := []Constraints{c}
	if c.Video && c.Audio {
		attempts = append(attempts, Constraints{Audio: true})
	}

	var lastErr error
	for _, a := range attempts {
		stream, err := d.getUserMedia(a)
		if err == nil {
			d.logger.Info("local capture acquired",
				zap.Bool("audio", a.Audio),
				zap.Bool("video", a.Video),
			)
			return stream, nil
		}
		d.logger.Warn("capture attempt failed",
			zap.Bool("audio", a.Audio),
			zap.Bool("video", a.Video),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, lastErr)
}

func (d *Devices) getUserMedia(c Constraints) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mt *mediadevices.MediaTrackConstraints) {
			mt.Width = prop.Int(640)
			mt.Height = prop.Int(480)
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := make([]LocalTrack, 0, 2)
	for _, t := range ms.GetTracks() {
		tracks = append(tracks, t)
	}
	return NewStream(tracks...), nil
}
