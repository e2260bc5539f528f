package call

import "github.com/CounselLine/call-engine/internal/signal"

// State is the call-level lifecycle, distinct from the peer link state.
type State string

const (
	StateIdle         State = "idle"
	StateInitiating   State = "initiating"
	StateRinging      State = "ringing"
	StateIncoming     State = "incoming"
	StateAccepting    State = "accepting"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateEnded        State = "ended"
)

// Terminal reports whether s permits starting a new call.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateDisconnected, StateFailed, StateEnded:
		return true
	}
	return false
}

// Role fixes which side of the call this engine plays. Only the
// Initiator ever creates SDP offers; the Acceptor only answers. That
// asymmetry is the whole glare-avoidance mechanism.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "acceptor"
}

// Party maps the role onto the wire-level party tag.
func (r Role) Party() signal.Party {
	if r == RoleInitiator {
		return signal.PartyUser
	}
	return signal.PartyCounsellor
}
