//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Devices is a stub on platforms without mediadevices drivers wired in.
// Capture via V4L2/malgo is Linux-only here; other platforms still get
// a working webrtc.API for receive-only use and tests.
type Devices struct {
	logger *zap.Logger
}

func NewDevices(logger *zap.Logger) (*Devices, *webrtc.API, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &Devices{logger: logger}, api, nil
}

func (d *Devices) Acquire(context.Context, Constraints) (*Stream, error) {
	return nil, fmt.Errorf("%w: platform capture not supported on this OS", ErrMediaUnavailable)
}
