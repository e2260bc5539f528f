// Package peer owns one native peer-to-peer media connection: local and
// remote descriptions, ICE candidate exchange, and the mapping from
// link-layer state to call-level connectivity.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/CounselLine/call-engine/internal/media"
)

// ErrNotReady means a session operation was attempted out of order,
// e.g. answering with no remote offer or offering on a closed session.
var ErrNotReady = errors.New("peer session not ready")

// LinkState is the peer link's connectivity as seen by the call layer.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Events are the session's outbound callbacks. They fire on pion's
// internal goroutines; handlers must not call back into the Session
// while holding their own locks against it.
type Events struct {
	OnCandidate   func(webrtc.ICECandidateInit)
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnLink        func(LinkState)
}

// Session wraps one webrtc.PeerConnection for the lifetime of a call.
type Session struct {
	logger *zap.Logger
	pc     *webrtc.PeerConnection
	ev     Events
	queue  candidateQueue

	mu         sync.Mutex
	remoteSet  bool
	localOffer bool
	closed     bool
	remote     []*webrtc.TrackRemote
	senders    map[webrtc.RTPCodecType]*webrtc.RTPSender
}

// New creates the peer connection and wires its state plumbing. The
// api must carry the codecs the local capture encodes with.
func New(api *webrtc.API, stunURLs []string, ev Events, logger *zap.Logger) (*Session, error) {
	var cfg webrtc.Configuration
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{
		logger:  logger,
		pc:      pc,
		ev:      ev,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			s.logger.Debug("ICE gathering complete")
			return
		}
		if s.ev.OnCandidate != nil {
			s.ev.OnCandidate(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info("remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		s.mu.Lock()
		s.remote = append(s.remote, track)
		s.mu.Unlock()
		if s.ev.OnRemoteTrack != nil {
			s.ev.OnRemoteTrack(track)
		}
		// Some platforms report link state late relative to first-frame
		// arrival; inbound media is itself a connected signal.
		if s.ev.OnLink != nil {
			s.ev.OnLink(LinkConnected)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("peer link state", zap.String("state", state.String()))
		if ls, ok := mapConnectionState(state); ok && s.ev.OnLink != nil {
			s.ev.OnLink(ls)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Info("ICE state", zap.String("state", state.String()))
		if ls, ok := mapICEState(state); ok && s.ev.OnLink != nil {
			s.ev.OnLink(ls)
		}
	})

	return s, nil
}

func mapConnectionState(state webrtc.PeerConnectionState) (LinkState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return LinkConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed, true
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed, true
	}
	return 0, false
}

func mapICEState(state webrtc.ICEConnectionState) (LinkState, bool) {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return LinkConnecting, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return LinkConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return LinkDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return LinkFailed, true
	}
	return 0, false
}

// AttachLocal adds the stream's tracks to the connection, skipping
// kinds that already have a sender.
func (s *Session) AttachLocal(stream *media.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrNotReady)
	}
	for _, track := range stream.Tracks() {
		if s.senderForKindLocked(track.Kind()) != nil {
			continue
		}
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		s.senders[track.Kind()] = sender
		s.logger.Info("local track attached", zap.String("kind", track.Kind().String()))
	}
	return nil
}

// ReplaceOrAddTrack swaps the sender for the track's kind without
// renegotiation, or adds a new sender when none exists.
func (s *Session) ReplaceOrAddTrack(track media.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrNotReady)
	}
	if sender := s.senderForKindLocked(track.Kind()); sender != nil {
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", track.Kind(), err)
		}
		s.logger.Info("local track replaced", zap.String("kind", track.Kind().String()))
		return nil
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	s.senders[track.Kind()] = sender
	s.logger.Info("local track attached", zap.String("kind", track.Kind().String()))
	return nil
}

// senderForKindLocked resolves the sender owning kind. The map is the
// source of truth: a silenced sender carries a nil track, so scanning
// sender tracks alone would lose it.
func (s *Session) senderForKindLocked(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	if sender, ok := s.senders[kind]; ok {
		return sender
	}
	for _, sender := range s.pc.GetSenders() {
		if t := sender.Track(); t != nil && t.Kind() == kind {
			s.senders[kind] = sender
			return sender
		}
	}
	return nil
}

// SetSending swaps what the kind's sender transmits without
// renegotiation: a nil track silences the kind, a track restores it.
// No-op when no sender of that kind exists.
func (s *Session) SetSending(kind webrtc.RTPCodecType, track media.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrNotReady)
	}
	sender := s.senderForKindLocked(kind)
	if sender == nil {
		return nil
	}
	if track == nil {
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("silence %s sender: %w", kind, err)
		}
		s.logger.Info("local track silenced", zap.String("kind", kind.String()))
		return nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("restore %s sender: %w", kind, err)
	}
	s.logger.Info("local track restored", zap.String("kind", kind.String()))
	return nil
}

// Sending reports whether a sender of kind currently carries a track.
func (s *Session) Sending(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender := s.senderForKindLocked(kind)
	return sender != nil && sender.Track() != nil
}

// EnsureReceiver guarantees the offer carries an m-line for kind even
// when no local track of that kind exists, via a recvonly transceiver.
func (s *Session) EnsureReceiver(kind webrtc.RTPCodecType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.senderForKindLocked(kind) != nil {
		return
	}
	for _, tr := range s.pc.GetTransceivers() {
		if tr.Kind() == kind {
			return
		}
	}
	if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		s.logger.Warn("add recvonly transceiver", zap.String("kind", kind.String()), zap.Error(err))
	}
}

// HasLocalKind reports whether a sender of the given kind is attached.
func (s *Session) HasLocalKind(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderForKindLocked(kind) != nil
}

// CreateOffer produces a local offer and installs it as the local
// description. Candidates trickle via OnCandidate as they are found.
func (s *Session) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: session closed", ErrNotReady)
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	s.localOffer = true
	return offer, nil
}

// ApplyRemoteOffer installs the far end's offer, drains any queued
// candidates, ensures local media is attached via ensureLocal (may be
// nil), and returns the installed answer.
func (s *Session) ApplyRemoteOffer(desc webrtc.SessionDescription, ensureLocal func() error) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("%w: session closed", ErrNotReady)
	}
	s.mu.Unlock()

	if ensureLocal != nil {
		if err := ensureLocal(); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	s.afterRemoteDescription()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// ApplyRemoteAnswer installs the far end's answer. Invalid unless a
// local offer is outstanding.
func (s *Session) ApplyRemoteAnswer(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed || !s.localOffer {
		s.mu.Unlock()
		return fmt.Errorf("%w: no outstanding local offer", ErrNotReady)
	}
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.afterRemoteDescription()
	return nil
}

func (s *Session) afterRemoteDescription() {
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()

	if err := s.queue.drain(s.pc.AddICECandidate); err != nil {
		s.logger.Warn("queued candidate apply failed", zap.Error(err))
	}
}

// AddRemoteCandidate applies the candidate now if a remote description
// exists, otherwise queues it. Queued candidates are never an error.
func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	ready := s.remoteSet && !s.closed
	s.mu.Unlock()

	if !ready {
		s.queue.add(c)
		s.logger.Debug("ICE candidate queued", zap.Int("queued", s.queue.len()))
		return nil
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// RemoteTracks returns the inbound tracks received so far.
func (s *Session) RemoteTracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.remote))
	copy(out, s.remote)
	return out
}

// Close tears the connection down. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		s.logger.Warn("peer connection close", zap.Error(err))
	}
}
