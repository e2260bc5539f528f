// Package media wraps local capture behind a constraints-driven
// acquire/replace/release contract so the call engine never talks to
// platform drivers directly.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable means capture hardware is missing, busy, or
// permission was denied.
var ErrMediaUnavailable = errors.New("media unavailable")

// Constraints selects which kinds of local capture a call wants.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack is the subset of a captured track the engine needs: it can
// be added to a peer connection and stopped. pion/mediadevices tracks
// satisfy it directly.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// Acquirer opens local capture for the given constraints. Exactly one
// outstanding Stream per call; the caller releases it on teardown.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream owns the local tracks for one call, at most one per kind,
// plus the advisory mute state for each.
type Stream struct {
	mu       sync.Mutex
	tracks   map[webrtc.RTPCodecType]LocalTrack
	enabled  map[webrtc.RTPCodecType]bool
	released bool
}

// NewStream groups tracks into a stream. Duplicate kinds keep the first.
func NewStream(tracks ...LocalTrack) *Stream {
	s := &Stream{
		tracks:  make(map[webrtc.RTPCodecType]LocalTrack),
		enabled: make(map[webrtc.RTPCodecType]bool),
	}
	for _, t := range tracks {
		kind := kindOf(t)
		if _, dup := s.tracks[kind]; dup {
			continue
		}
		s.tracks[kind] = t
		s.enabled[kind] = true
	}
	return s
}

func kindOf(t webrtc.TrackLocal) webrtc.RTPCodecType {
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// Tracks returns the stream's tracks, audio before video.
func (s *Stream) Tracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LocalTrack, 0, len(s.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if t, ok := s.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Track returns the track of the given kind, if present.
func (s *Stream) Track(kind webrtc.RTPCodecType) (LocalTrack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[kind]
	return t, ok
}

// HasKind reports whether the stream carries a track of kind.
func (s *Stream) HasKind(kind webrtc.RTPCodecType) bool {
	_, ok := s.Track(kind)
	return ok
}

// SetEnabled flips the advisory mute state for kind and reports the new
// value. Missing kinds report false.
func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[kind]; !ok {
		return false
	}
	s.enabled[kind] = enabled
	return enabled
}

// Toggle flips the advisory mute state for kind and reports the new
// enabled value.
func (s *Stream) Toggle(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[kind]; !ok {
		return false
	}
	s.enabled[kind] = !s.enabled[kind]
	return s.enabled[kind]
}

// Enabled reports the advisory mute state for kind.
func (s *Stream) Enabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

// Release stops every track. Idempotent: tracks are stopped exactly
// once no matter how many times Release runs.
func (s *Stream) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	tracks := make([]LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	var firstErr error
	for _, t := range tracks {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
