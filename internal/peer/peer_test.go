package peer

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/CounselLine/call-engine/internal/media"
)

// closableTrack gives a static sample track the Close method local
// capture tracks carry.
type closableTrack struct {
	*webrtc.TrackLocalStaticSample
}

func (closableTrack) Close() error { return nil }

func newLocalAudioTrack(t *testing.T) media.LocalTrack {
	t.Helper()
	base, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "capture",
	)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return closableTrack{base}
}

func newTestSession(t *testing.T, ev Events) *Session {
	t.Helper()
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	s, err := New(api, nil, ev, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestOfferAnswerHandshake(t *testing.T) {
	caller := newTestSession(t, Events{})
	callee := newTestSession(t, Events{})

	caller.EnsureReceiver(webrtc.RTPCodecTypeAudio)
	offer, err := caller.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.SDP == "" {
		t.Fatal("offer has empty SDP")
	}

	callee.EnsureReceiver(webrtc.RTPCodecTypeAudio)
	answer, err := callee.ApplyRemoteOffer(offer, nil)
	if err != nil {
		t.Fatalf("ApplyRemoteOffer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		t.Fatalf("bad answer: type=%v sdp-len=%d", answer.Type, len(answer.SDP))
	}

	if err := caller.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}
}

func TestAnswerWithoutOfferRejected(t *testing.T) {
	s := newTestSession(t, Events{})
	err := s.ApplyRemoteAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0",
	})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestCandidatesQueueUntilRemoteDescription(t *testing.T) {
	caller := newTestSession(t, Events{})
	callee := newTestSession(t, Events{})

	mid := "0"
	early := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:    &mid,
	}
	if err := callee.AddRemoteCandidate(early); err != nil {
		t.Fatalf("early candidate must queue, got %v", err)
	}
	if callee.queue.len() != 1 {
		t.Fatalf("queue len = %d, want 1", callee.queue.len())
	}

	caller.EnsureReceiver(webrtc.RTPCodecTypeAudio)
	offer, err := caller.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := callee.ApplyRemoteOffer(offer, nil); err != nil {
		t.Fatalf("ApplyRemoteOffer: %v", err)
	}
	if callee.queue.len() != 0 {
		t.Errorf("queue not drained, len = %d", callee.queue.len())
	}

	// With the remote description installed, candidates apply directly.
	if err := callee.AddRemoteCandidate(early); err != nil {
		t.Errorf("late candidate: %v", err)
	}
	if callee.queue.len() != 0 {
		t.Errorf("late candidate was queued")
	}
}

func TestSetSendingSilencesAndRestores(t *testing.T) {
	s := newTestSession(t, Events{})
	track := newLocalAudioTrack(t)
	if err := s.AttachLocal(media.NewStream(track)); err != nil {
		t.Fatalf("AttachLocal: %v", err)
	}
	if !s.Sending(webrtc.RTPCodecTypeAudio) {
		t.Fatal("attached kind must be sending")
	}

	if err := s.SetSending(webrtc.RTPCodecTypeAudio, nil); err != nil {
		t.Fatalf("silence: %v", err)
	}
	if s.Sending(webrtc.RTPCodecTypeAudio) {
		t.Error("silenced kind still carries a track")
	}
	// The silenced sender must stay addressable for the restore.
	if !s.HasLocalKind(webrtc.RTPCodecTypeAudio) {
		t.Error("silenced sender was lost")
	}

	if err := s.SetSending(webrtc.RTPCodecTypeAudio, track); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !s.Sending(webrtc.RTPCodecTypeAudio) {
		t.Error("restored kind not sending")
	}

	// Kinds with no sender are a no-op, not an error.
	if err := s.SetSending(webrtc.RTPCodecTypeVideo, nil); err != nil {
		t.Errorf("no-sender kind: %v", err)
	}
}

func TestEnsureReceiverIsIdempotent(t *testing.T) {
	s := newTestSession(t, Events{})
	s.EnsureReceiver(webrtc.RTPCodecTypeAudio)
	s.EnsureReceiver(webrtc.RTPCodecTypeAudio)
	count := 0
	for _, tr := range s.pc.GetTransceivers() {
		if tr.Kind() == webrtc.RTPCodecTypeAudio {
			count++
		}
	}
	if count != 1 {
		t.Errorf("audio transceivers = %d, want 1", count)
	}
}

func TestClosedSessionRejectsWork(t *testing.T) {
	s := newTestSession(t, Events{})
	s.Close()
	s.Close()

	if _, err := s.CreateOffer(nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("CreateOffer after close: %v, want ErrNotReady", err)
	}
	if _, err := s.ApplyRemoteOffer(webrtc.SessionDescription{}, nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("ApplyRemoteOffer after close: %v, want ErrNotReady", err)
	}
}

func TestMapConnectionState(t *testing.T) {
	cases := []struct {
		in   webrtc.PeerConnectionState
		want LinkState
		ok   bool
	}{
		{webrtc.PeerConnectionStateConnecting, LinkConnecting, true},
		{webrtc.PeerConnectionStateConnected, LinkConnected, true},
		{webrtc.PeerConnectionStateDisconnected, LinkDisconnected, true},
		{webrtc.PeerConnectionStateFailed, LinkFailed, true},
		{webrtc.PeerConnectionStateClosed, LinkClosed, true},
		{webrtc.PeerConnectionStateNew, 0, false},
	}
	for _, tc := range cases {
		got, ok := mapConnectionState(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("mapConnectionState(%v) = %v,%v, want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMapICEState(t *testing.T) {
	cases := []struct {
		in   webrtc.ICEConnectionState
		want LinkState
		ok   bool
	}{
		{webrtc.ICEConnectionStateChecking, LinkConnecting, true},
		{webrtc.ICEConnectionStateConnected, LinkConnected, true},
		{webrtc.ICEConnectionStateCompleted, LinkConnected, true},
		{webrtc.ICEConnectionStateDisconnected, LinkDisconnected, true},
		{webrtc.ICEConnectionStateFailed, LinkFailed, true},
		{webrtc.ICEConnectionStateNew, 0, false},
		{webrtc.ICEConnectionStateClosed, 0, false},
	}
	for _, tc := range cases {
		got, ok := mapICEState(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("mapICEState(%v) = %v,%v, want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLinkStateString(t *testing.T) {
	if LinkConnected.String() != "connected" || LinkState(99).String() != "unknown" {
		t.Error("LinkState.String mapping broken")
	}
}
