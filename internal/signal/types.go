package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type tags every frame on the signaling channel.
type Type string

const (
	TypeCallInitiated   Type = "call_initiated"
	TypeCallAccepted    Type = "call_accepted"
	TypeCounsellorReady Type = "counsellor_ready"
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeICECandidate    Type = "ice-candidate"
	TypeCallEnded       Type = "call_ended"
	TypeCallRejected    Type = "call_rejected"
	TypeMediaToggle     Type = "media-toggle"
)

// Party identifies which side of the booking emitted a message.
type Party string

const (
	PartyUser       Party = "user"
	PartyCounsellor Party = "counsellor"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

// SessionDescription is the SDP blob carried by offer and answer frames.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Message is one signaling frame. Exactly the payload fields for its
// Type are set; everything else stays zero and is omitted on the wire.
type Message struct {
	Type      Type                     `json:"type"`
	BookingID int                      `json:"booking_id"`
	Party     Party                    `json:"user_type,omitempty"`
	Offer     *SessionDescription      `json:"offer,omitempty"`
	Answer    *SessionDescription      `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	MediaKind string                   `json:"mediaType,omitempty"`
	Enabled   *bool                    `json:"enabled,omitempty"`
}

// Decode parses and validates one inbound frame. Frames with an unknown
// type fail with ErrUnknownType; known types missing their payload fail
// with ErrInvalidMessage.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal signal frame: %w", err)
	}

	// Older clients hyphenate the terminal message types.
	switch string(msg.Type) {
	case "call-ended":
		msg.Type = TypeCallEnded
	case "call-rejected":
		msg.Type = TypeCallRejected
	}

	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Encode renders the frame for the wire.
func (m Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m Message) validate() error {
	switch m.Type {
	case TypeCallInitiated, TypeCallAccepted, TypeCounsellorReady, TypeCallEnded, TypeCallRejected:
		// control frames carry no payload beyond booking/party
	case TypeOffer:
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%w: offer frame without SDP", ErrInvalidMessage)
		}
	case TypeAnswer:
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%w: answer frame without SDP", ErrInvalidMessage)
		}
	case TypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate frame without candidate", ErrInvalidMessage)
		}
	case TypeMediaToggle:
		if m.MediaKind != "audio" && m.MediaKind != "video" {
			return fmt.Errorf("%w: media-toggle frame with kind %q", ErrInvalidMessage, m.MediaKind)
		}
		if m.Enabled == nil {
			return fmt.Errorf("%w: media-toggle frame without enabled flag", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}
