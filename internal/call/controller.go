// Package call orchestrates one counselling call end to end: it owns
// the signaling channel, the peer session, and local capture, and it is
// the only component that mutates them.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/CounselLine/call-engine/internal/media"
	"github.com/CounselLine/call-engine/internal/metrics"
	"github.com/CounselLine/call-engine/internal/peer"
	"github.com/CounselLine/call-engine/internal/signal"
)

var (
	// ErrAuthRequired means no credential was supplied for the signaling
	// channel. Starting a call without one never proceeds silently.
	ErrAuthRequired = errors.New("no credential for signaling channel")
	// ErrAlreadyInProgress rejects starting a call while one is active.
	ErrAlreadyInProgress = errors.New("call already in progress")
)

// SignalChannel is the surface the controller needs from the signaling
// layer. *signal.Channel satisfies it.
type SignalChannel interface {
	Connect(ctx context.Context) error
	Send(signal.Message)
	Messages() <-chan signal.Message
	Disconnected() <-chan struct{}
	Close()
}

// Options configures a Controller.
type Options struct {
	RelayURL    string
	STUNServers []string
	Channel     signal.Config
	// API builds peer connections; its media engine must match the
	// Acquirer's codecs (media.NewDevices returns a matched pair).
	API      *webrtc.API
	Acquirer media.Acquirer
	Logger   *zap.Logger

	// Peer-link recovery bounds.
	LinkRetryLimit   int
	LinkRetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.LinkRetryLimit <= 0 {
		o.LinkRetryLimit = 2
	}
	if o.LinkRetryBackoff <= 0 {
		o.LinkRetryBackoff = time.Second
	}
	return o
}

// session is the one active call. Exclusively owned by the Controller.
type session struct {
	bookingID     int
	role          Role
	token         string
	constraints   media.Constraints
	budgetMinutes int

	ch    SignalChannel
	peer  *peer.Session
	local *media.Stream

	negotiating bool
	offerSent   bool
	linkRetries int
	connectedAt time.Time
	budgetTimer *time.Timer
	counted     bool
}

// Controller drives the call lifecycle and exposes its observable
// surfaces. One call may be active at a time.
type Controller struct {
	opts   Options
	logger *zap.Logger

	newChannel func(bookingID int, token string) SignalChannel

	stateB  *Broadcast[State]
	localB  *Broadcast[*media.Stream]
	remoteB *Broadcast[[]*webrtc.TrackRemote]
	msgB    *Broadcast[signal.Message]

	mu           sync.Mutex
	state        State
	sess         *session
	lastDuration time.Duration

	// budgetUnit scales budget minutes; shrunk in tests.
	budgetUnit time.Duration
}

// NewController wires a controller around the given options.
func NewController(opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		opts:       opts,
		logger:     opts.Logger,
		stateB:     NewBroadcast[State](),
		localB:     NewBroadcast[*media.Stream](),
		remoteB:    NewBroadcast[[]*webrtc.TrackRemote](),
		msgB:       NewBroadcast[signal.Message](),
		state:      StateIdle,
		budgetUnit: time.Minute,
	}
	c.newChannel = func(bookingID int, token string) SignalChannel {
		return signal.NewChannel(opts.RelayURL, bookingID, token, opts.Channel, opts.Logger)
	}
	c.stateB.Publish(StateIdle)
	return c
}

// States streams call-state changes with last-value replay.
func (c *Controller) States() (<-chan State, func()) { return c.stateB.Subscribe() }

// LocalStreams streams the local capture stream; nil on teardown.
func (c *Controller) LocalStreams() (<-chan *media.Stream, func()) { return c.localB.Subscribe() }

// RemoteTracks streams the inbound track set as it grows; nil on teardown.
func (c *Controller) RemoteTracks() (<-chan []*webrtc.TrackRemote, func()) {
	return c.remoteB.Subscribe()
}

// InboundMessages mirrors every accepted signaling message.
func (c *Controller) InboundMessages() (<-chan signal.Message, func()) { return c.msgB.Subscribe() }

// CurrentState returns the state right now.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalStream returns the current local capture stream, if any.
func (c *Controller) LocalStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.local
}

// StartCall places an outbound call for bookingID as the Initiator.
// It resolves once the relay accepted the call announcement; the offer
// itself waits for the far end's ready signal.
func (c *Controller) StartCall(ctx context.Context, bookingID int, cons media.Constraints, token string, budgetMinutes int) error {
	c.mu.Lock()
	if c.sess != nil && !c.state.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: booking %d", ErrAlreadyInProgress, c.sess.bookingID)
	}
	if token == "" {
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		return ErrAuthRequired
	}
	if c.sess != nil {
		// Leftover terminal session (e.g. an idle listener); release it.
		c.teardownLocked(c.state)
	}
	sess := &session{
		bookingID:     bookingID,
		role:          RoleInitiator,
		token:         token,
		constraints:   cons,
		budgetMinutes: budgetMinutes,
	}
	c.sess = sess
	c.setStateLocked(StateInitiating)
	c.mu.Unlock()

	if err := c.bringUp(ctx, sess, true); err != nil {
		return err
	}

	c.mu.Lock()
	c.setStateLocked(StateRinging)
	c.mu.Unlock()

	sess.ch.Send(signal.Message{
		Type:      signal.TypeCallInitiated,
		BookingID: bookingID,
		Party:     signal.PartyUser,
	})

	metrics.CallsStartedTotal.WithLabelValues(RoleInitiator.String()).Inc()
	metrics.ActiveCalls.Inc()
	sess.counted = true
	return nil
}

// ListenForCalls connects the signaling channel as the Acceptor so a
// call_initiated for bookingID is heard while otherwise idle. The
// constraints and budget are kept for the later accept.
func (c *Controller) ListenForCalls(ctx context.Context, bookingID int, cons media.Constraints, token string, budgetMinutes int) error {
	c.mu.Lock()
	if c.sess != nil && !c.state.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: booking %d", ErrAlreadyInProgress, c.sess.bookingID)
	}
	if token == "" {
		c.mu.Unlock()
		return ErrAuthRequired
	}
	if c.sess != nil {
		c.teardownLocked(c.state)
	}
	sess := &session{
		bookingID:     bookingID,
		role:          RoleAcceptor,
		token:         token,
		constraints:   cons,
		budgetMinutes: budgetMinutes,
	}
	c.sess = sess
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	ch := c.newChannel(bookingID, token)
	if err := ch.Connect(ctx); err != nil {
		c.fail(sess, err)
		return err
	}
	c.mu.Lock()
	sess.ch = ch
	c.mu.Unlock()
	go c.dispatchLoop(sess)

	c.logger.Info("listening for incoming call", zap.Int("booking", bookingID))
	return nil
}

// AcceptIncomingCall answers an incoming call as the Acceptor. Local
// media is acquired and attached before any ready signal goes out, so
// the Initiator's offer negotiation sees all local tracks.
func (c *Controller) AcceptIncomingCall(ctx context.Context, bookingID int, cons media.Constraints, token string, budgetMinutes int) error {
	c.mu.Lock()
	sess := c.sess
	reuse := sess != nil && sess.role == RoleAcceptor && sess.bookingID == bookingID &&
		(c.state == StateIdle || c.state == StateIncoming)
	if sess != nil && !reuse && !c.state.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: booking %d", ErrAlreadyInProgress, sess.bookingID)
	}
	if token == "" && (sess == nil || sess.token == "") {
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		return ErrAuthRequired
	}
	if !reuse {
		if sess != nil {
			c.teardownLocked(c.state)
		}
		sess = &session{
			bookingID: bookingID,
			role:      RoleAcceptor,
			token:     token,
		}
		c.sess = sess
	}
	if token != "" {
		sess.token = token
	}
	sess.constraints = cons
	if budgetMinutes > 0 {
		sess.budgetMinutes = budgetMinutes
	}
	c.setStateLocked(StateAccepting)
	c.mu.Unlock()

	if err := c.bringUp(ctx, sess, !reuse || sess.ch == nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	// Media is attached by now; only then may the ready handshake fire.
	sess.ch.Send(signal.Message{
		Type:      signal.TypeCallAccepted,
		BookingID: bookingID,
		Party:     signal.PartyCounsellor,
	})
	sess.ch.Send(signal.Message{
		Type:      signal.TypeCounsellorReady,
		BookingID: bookingID,
		Party:     signal.PartyCounsellor,
	})

	metrics.CallsStartedTotal.WithLabelValues(RoleAcceptor.String()).Inc()
	if !sess.counted {
		metrics.ActiveCalls.Inc()
		sess.counted = true
	}
	return nil
}

// bringUp builds the peer session, acquires and attaches local media,
// and connects the signaling channel, in that order. startDispatch
// controls whether a fresh dispatch loop is needed.
func (c *Controller) bringUp(ctx context.Context, sess *session, startDispatch bool) error {
	ps, err := c.newPeer(sess)
	if err != nil {
		c.fail(sess, err)
		return err
	}
	c.mu.Lock()
	old := sess.peer
	sess.peer = ps
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	local, err := c.opts.Acquirer.Acquire(ctx, sess.constraints)
	if err != nil {
		metrics.MediaAcquireErrorsTotal.Inc()
		c.fail(sess, err)
		return fmt.Errorf("acquire local media: %w", err)
	}
	c.mu.Lock()
	sess.local = local
	c.mu.Unlock()
	c.localB.Publish(local)

	if err := ps.AttachLocal(local); err != nil {
		c.fail(sess, err)
		return err
	}

	c.mu.Lock()
	if sess.ch == nil {
		sess.ch = c.newChannel(sess.bookingID, sess.token)
	}
	ch := sess.ch
	c.mu.Unlock()
	if err := ch.Connect(ctx); err != nil {
		c.fail(sess, err)
		return fmt.Errorf("connect signaling channel: %w", err)
	}
	if startDispatch {
		go c.dispatchLoop(sess)
	}
	return nil
}

func (c *Controller) newPeer(sess *session) (*peer.Session, error) {
	logger := c.logger.With(zap.Int("booking", sess.bookingID), zap.Stringer("role", sess.role))
	var ps *peer.Session
	var err error
	ps, err = peer.New(c.opts.API, c.opts.STUNServers, peer.Events{
		OnCandidate: func(cand webrtc.ICECandidateInit) {
			c.mu.Lock()
			stale := c.sess != sess || sess.peer != ps
			c.mu.Unlock()
			if stale {
				return
			}
			candCopy := cand
			sess.ch.Send(signal.Message{
				Type:      signal.TypeICECandidate,
				BookingID: sess.bookingID,
				Candidate: &candCopy,
			})
		},
		OnRemoteTrack: func(*webrtc.TrackRemote) {
			c.mu.Lock()
			if c.sess != sess || sess.peer != ps {
				c.mu.Unlock()
				return
			}
			tracks := ps.RemoteTracks()
			c.mu.Unlock()
			c.remoteB.Publish(tracks)
		},
		OnLink: func(ls peer.LinkState) {
			c.handleLink(sess, ps, ls)
		},
	}, logger)
	return ps, err
}

// dispatchLoop is the single consumer of inbound signaling. Messages
// are handled strictly in arrival order, one at a time.
func (c *Controller) dispatchLoop(sess *session) {
	for {
		select {
		case msg, ok := <-sess.ch.Messages():
			if !ok {
				return
			}
			c.handleMessage(sess, msg)
		case <-sess.ch.Disconnected():
			c.handleChannelLost(sess)
			return
		}
	}
}

func (c *Controller) handleChannelLost(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return
	}
	// Idle still counts: a listener whose channel died can no longer be
	// reached and must not keep looking reachable.
	if c.state.Terminal() && c.state != StateIdle {
		return
	}
	c.logger.Warn("signaling channel lost, reconnect budget spent",
		zap.Int("booking", sess.bookingID))
	c.teardownLocked(StateDisconnected)
}

func (c *Controller) handleMessage(sess *session, msg signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != sess {
		c.logger.Warn("dropping message for finished session", zap.String("type", string(msg.Type)))
		return
	}
	if msg.BookingID != 0 && msg.BookingID != sess.bookingID {
		c.logger.Warn("dropping message for stale booking",
			zap.Int("got", msg.BookingID),
			zap.Int("active", sess.bookingID),
		)
		return
	}

	c.msgB.Publish(msg)

	switch msg.Type {
	case signal.TypeCallInitiated:
		if sess.role != RoleAcceptor {
			c.protocolViolation("initiator received call_initiated")
			return
		}
		if c.state == StateIdle {
			c.setStateLocked(StateIncoming)
		}

	case signal.TypeCallAccepted, signal.TypeCounsellorReady:
		if sess.role != RoleInitiator {
			return
		}
		if c.state != StateConnected {
			c.setStateLocked(StateConnecting)
		}
		c.createOfferLocked(sess)

	case signal.TypeOffer:
		if sess.role == RoleInitiator {
			c.protocolViolation("initiator received offer")
			return
		}
		c.handleOfferLocked(sess, msg)

	case signal.TypeAnswer:
		if sess.role == RoleAcceptor {
			c.protocolViolation("acceptor received answer")
			return
		}
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Answer.SDP}
		if err := sess.peer.ApplyRemoteAnswer(desc); err != nil {
			c.logger.Error("apply remote answer", zap.Error(err))
			c.teardownLocked(StateFailed)
		}

	case signal.TypeICECandidate:
		if sess.peer == nil {
			return
		}
		if err := sess.peer.AddRemoteCandidate(*msg.Candidate); err != nil {
			c.logger.Warn("add remote candidate", zap.Error(err))
		}

	case signal.TypeCallEnded:
		c.endLocked()

	case signal.TypeCallRejected:
		c.logger.Info("call rejected by remote", zap.String("by", string(msg.Party)))
		c.teardownLocked(StateEnded)

	case signal.TypeMediaToggle:
		// Advisory; already mirrored to observers.
	}
}

// createOfferLocked creates and sends the one SDP offer of the call.
// A duplicated ready signal cannot produce a second offer.
func (c *Controller) createOfferLocked(sess *session) {
	if sess.offerSent {
		c.logger.Warn("duplicate ready signal, offer already sent")
		return
	}
	sess.offerSent = true

	sess.peer.EnsureReceiver(webrtc.RTPCodecTypeAudio)
	if sess.constraints.Video {
		sess.peer.EnsureReceiver(webrtc.RTPCodecTypeVideo)
	}

	offer, err := sess.peer.CreateOffer(nil)
	if err != nil {
		c.logger.Error("create offer", zap.Error(err))
		c.teardownLocked(StateFailed)
		return
	}
	sess.ch.Send(signal.Message{
		Type:      signal.TypeOffer,
		BookingID: sess.bookingID,
		Offer:     &signal.SessionDescription{Type: "offer", SDP: offer.SDP},
	})
}

// handleOfferLocked answers the Initiator's offer. A duplicate offer
// arriving mid-negotiation is dropped, not queued.
func (c *Controller) handleOfferLocked(sess *session, msg signal.Message) {
	if sess.peer == nil {
		// A listening session has no peer connection until the call is
		// accepted; the relay forwards whatever the far end sends.
		c.protocolViolation("offer before call was accepted")
		return
	}
	if sess.negotiating {
		c.logger.Warn("offer arrived mid-negotiation, dropping")
		return
	}
	sess.negotiating = true
	defer func() { sess.negotiating = false }()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.Offer.SDP}
	answer, err := sess.peer.ApplyRemoteOffer(desc, func() error {
		return c.ensureLocalMediaLocked(sess)
	})
	if err != nil {
		c.logger.Error("apply remote offer", zap.Error(err))
		c.teardownLocked(StateFailed)
		return
	}

	sess.ch.Send(signal.Message{
		Type:      signal.TypeAnswer,
		BookingID: sess.bookingID,
		Answer:    &signal.SessionDescription{Type: "answer", SDP: answer.SDP},
	})
}

// ensureLocalMediaLocked acquires capture lazily for the answering side
// when the offer arrived before AcceptIncomingCall attached media.
func (c *Controller) ensureLocalMediaLocked(sess *session) error {
	if sess.local != nil {
		return sess.peer.AttachLocal(sess.local)
	}
	local, err := c.opts.Acquirer.Acquire(context.Background(), sess.constraints)
	if err != nil {
		metrics.MediaAcquireErrorsTotal.Inc()
		return fmt.Errorf("acquire local media: %w", err)
	}
	sess.local = local
	c.localB.Publish(local)
	return sess.peer.AttachLocal(local)
}

func (c *Controller) handleLink(sess *session, from *peer.Session, ls peer.LinkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess || sess.peer != from {
		return
	}
	if c.state.Terminal() && c.state != StateIdle {
		return
	}

	switch ls {
	case peer.LinkConnecting:
		if c.state != StateConnected {
			c.setStateLocked(StateConnecting)
		}
	case peer.LinkConnected:
		sess.linkRetries = 0
		if c.state != StateConnected {
			c.setStateLocked(StateConnected)
		}
		if sess.connectedAt.IsZero() {
			sess.connectedAt = time.Now()
			c.armBudgetLocked(sess)
		}
	case peer.LinkDisconnected:
		c.recoverLinkLocked(sess, StateDisconnected)
	case peer.LinkFailed:
		c.recoverLinkLocked(sess, StateFailed)
	case peer.LinkClosed:
		if !c.state.Terminal() {
			c.teardownLocked(StateEnded)
		}
	}
}

// recoverLinkLocked retries the peer link a bounded number of times;
// once the budget is spent the call lands in the given terminal state.
// Recovery is an ICE restart, and per the offer asymmetry only the
// Initiator restarts; the Acceptor waits for the restart offer.
func (c *Controller) recoverLinkLocked(sess *session, terminal State) {
	if sess.linkRetries >= c.opts.LinkRetryLimit {
		c.logger.Warn("link retry budget spent", zap.String("terminal", string(terminal)))
		c.teardownLocked(terminal)
		return
	}
	sess.linkRetries++
	attempt := sess.linkRetries
	c.setStateLocked(StateConnecting)
	metrics.LinkRecoveriesTotal.Inc()

	// Linear-ish backoff doubled per attempt, tuned short for mobile.
	delay := c.opts.LinkRetryBackoff << (attempt - 1)
	c.logger.Info("recovering peer link",
		zap.Int("attempt", attempt),
		zap.Int("max", c.opts.LinkRetryLimit),
		zap.Duration("delay", delay),
	)

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sess != sess || c.state.Terminal() {
			return
		}
		if sess.role != RoleInitiator || !sess.offerSent {
			return
		}
		offer, err := sess.peer.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
		if err != nil {
			c.logger.Warn("ICE restart offer", zap.Error(err))
			return
		}
		sess.ch.Send(signal.Message{
			Type:      signal.TypeOffer,
			BookingID: sess.bookingID,
			Offer:     &signal.SessionDescription{Type: "offer", SDP: offer.SDP},
		})
	})
}

// RejectCall announces call_rejected tagged with this side's role and
// unconditionally tears the session down. No-op when no call is active.
func (c *Controller) RejectCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sess
	if sess == nil {
		return
	}
	c.logger.Info("rejecting call", zap.Int("booking", sess.bookingID))
	sess.ch.Send(signal.Message{
		Type:      signal.TypeCallRejected,
		BookingID: sess.bookingID,
		Party:     sess.role.Party(),
	})
	c.teardownLocked(StateEnded)
}

// EndCall announces call_ended and tears the session down. Idempotent;
// returns the connected duration (zero if the call never connected) so
// a collaborator can report minute credits.
func (c *Controller) EndCall() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLocked()
}

func (c *Controller) endLocked() time.Duration {
	sess := c.sess
	if sess == nil {
		return c.lastDuration
	}
	c.logger.Info("ending call", zap.Int("booking", sess.bookingID))
	if sess.ch != nil {
		sess.ch.Send(signal.Message{
			Type:      signal.TypeCallEnded,
			BookingID: sess.bookingID,
			Party:     sess.role.Party(),
		})
	}
	return c.teardownLocked(StateEnded)
}

// teardownLocked releases every resource exactly once and publishes the
// terminal state. The controller is ready for a new call afterwards.
func (c *Controller) teardownLocked(to State) time.Duration {
	sess := c.sess
	if sess == nil {
		c.setStateLocked(to)
		return c.lastDuration
	}
	c.sess = nil

	if sess.budgetTimer != nil {
		sess.budgetTimer.Stop()
	}
	if sess.local != nil {
		if err := sess.local.Release(); err != nil {
			c.logger.Warn("release local stream", zap.Error(err))
		}
		c.localB.Publish(nil)
	}
	if sess.peer != nil {
		sess.peer.Close()
	}
	if sess.ch != nil {
		sess.ch.Close()
	}
	c.remoteB.Publish(nil)

	var elapsed time.Duration
	if !sess.connectedAt.IsZero() {
		elapsed = time.Since(sess.connectedAt)
		metrics.CallDuration.Observe(elapsed.Seconds())
	}
	c.lastDuration = elapsed

	if sess.counted {
		metrics.ActiveCalls.Dec()
	}
	metrics.CallsEndedTotal.WithLabelValues(string(to)).Inc()

	c.setStateLocked(to)
	c.logger.Info("call torn down",
		zap.Int("booking", sess.bookingID),
		zap.Duration("connected_for", elapsed),
	)
	return elapsed
}

func (c *Controller) fail(sess *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return
	}
	c.logger.Error("call failed", zap.Int("booking", sess.bookingID), zap.Error(err))
	c.teardownLocked(StateFailed)
}

func (c *Controller) protocolViolation(detail string) {
	metrics.ProtocolViolationsTotal.Inc()
	c.logger.Warn("protocol violation", zap.String("detail", detail))
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.stateB.Publish(s)
	c.logger.Info("call state", zap.String("state", string(s)))
}

// Close shuts the controller down for good: any active call ends and
// the observable surfaces are closed.
func (c *Controller) Close() {
	c.EndCall()
	c.stateB.Close()
	c.localB.Close()
	c.remoteB.Close()
	c.msgB.Close()
}
