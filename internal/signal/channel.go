package signal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CounselLine/call-engine/internal/metrics"
)

var (
	// ErrChannelTimeout means the relay did not open the socket within the
	// configured bound. Mobile networks must fail fast here.
	ErrChannelTimeout = errors.New("signaling channel connect timeout")
	// ErrChannelError covers transport-level dial and handshake failures.
	ErrChannelError = errors.New("signaling channel error")
)

// Config bounds the channel's connect and recovery behavior.
type Config struct {
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	PendingSendLimit     int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 4 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 2
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.PendingSendLimit <= 0 {
		c.PendingSendLimit = 32
	}
	return c
}

type channelState int

const (
	stateIdle channelState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Channel is a duplex signaling connection scoped to one booking id.
// Inbound frames are delivered in arrival order on Messages to a single
// consumer. On unexpected closure the channel redials with bounded
// backoff; once the budget is spent, Disconnected is closed and the
// channel is terminally down.
type Channel struct {
	url       string
	bookingID int
	cfg       Config
	logger    *zap.Logger
	dialer    *websocket.Dialer

	mu      sync.Mutex
	state   channelState
	conn    *websocket.Conn
	pending []Message
	started bool
	closed  bool

	inbound      chan Message
	inboundOnce  sync.Once
	disconnected chan struct{}
	discOnce     sync.Once
	closeCh      chan struct{}
}

// NewChannel builds a channel for bookingID against the relay base URL
// (e.g. ws://host:8090). The token rides as a query parameter, matching
// the relay's wire contract. No network activity until Connect.
func NewChannel(baseURL string, bookingID int, token string, cfg Config, logger *zap.Logger) *Channel {
	cfg = cfg.withDefaults()
	endpoint := fmt.Sprintf("%s/ws/call/%d/", strings.TrimRight(baseURL, "/"), bookingID)
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}
	return &Channel{
		url:       endpoint,
		bookingID: bookingID,
		cfg:       cfg,
		logger:    logger.With(zap.Int("booking", bookingID)),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		inbound:      make(chan Message, 64),
		disconnected: make(chan struct{}),
		closeCh:      make(chan struct{}),
	}
}

// Connect dials the relay and resolves once the socket is open. Fails
// with ErrChannelTimeout after the configured bound, ErrChannelError on
// transport failures. Calling Connect on an open channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateOpen:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return fmt.Errorf("%w: channel closed", ErrChannelError)
	}
	c.state = stateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == stateConnecting {
			c.state = stateIdle
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: channel closed", ErrChannelError)
	}
	if c.state == stateOpen && c.conn != nil {
		// A concurrent redial won the race; keep its socket.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.state = stateOpen
	c.flushPendingLocked()
	alreadyRunning := c.started
	c.started = true
	c.mu.Unlock()

	if !alreadyRunning {
		go c.run(conn)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialID := uuid.NewString()
	c.logger.Info("dialing signaling relay", zap.String("dial_id", dialID))

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			c.logger.Warn("signaling connect timed out", zap.String("dial_id", dialID))
			return nil, fmt.Errorf("%w after %s", ErrChannelTimeout, c.cfg.ConnectTimeout)
		}
		c.logger.Warn("signaling connect failed", zap.String("dial_id", dialID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrChannelError, err)
	}
	c.logger.Info("signaling channel open", zap.String("dial_id", dialID))
	return conn, nil
}

// Send is fire-and-forget. While the channel is mid-handshake the frame
// is buffered and flushed on open; on a closed channel it is dropped
// with a warning.
func (c *Channel) Send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateOpen:
		c.writeLocked(msg)
	case stateIdle, stateConnecting:
		if len(c.pending) >= c.cfg.PendingSendLimit {
			c.logger.Warn("pending send buffer full, dropping frame", zap.String("type", string(msg.Type)))
			return
		}
		c.pending = append(c.pending, msg)
	case stateClosed:
		c.logger.Warn("send on closed signaling channel", zap.String("type", string(msg.Type)))
	}
}

func (c *Channel) writeLocked(msg Message) {
	raw, err := msg.Encode()
	if err != nil {
		c.logger.Warn("refusing to send invalid frame", zap.Error(err))
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		// The read loop will observe the broken socket and recover.
		c.logger.Warn("signaling write failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Type), "out").Inc()
}

func (c *Channel) flushPendingLocked() {
	for _, msg := range c.pending {
		c.writeLocked(msg)
	}
	c.pending = nil
}

// Messages delivers inbound frames in arrival order. The channel is
// closed once the Channel is closed or terminally disconnected.
func (c *Channel) Messages() <-chan Message {
	return c.inbound
}

// Disconnected is closed when the reconnect budget is exhausted.
func (c *Channel) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Close tears the channel down. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = stateClosed
	conn := c.conn
	c.conn = nil
	started := c.started
	c.mu.Unlock()

	close(c.closeCh)
	if conn != nil {
		conn.Close()
	}
	if !started {
		c.inboundOnce.Do(func() { close(c.inbound) })
	}
}

// run owns the socket: it reads until failure, then either redials or
// reports terminal disconnection.
func (c *Channel) run(conn *websocket.Conn) {
	defer c.inboundOnce.Do(func() { close(c.inbound) })

	for {
		c.readAll(conn)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.conn != conn {
			// Superseded by an explicit Connect; that socket has its own fate.
			conn = c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			continue
		}
		c.state = stateConnecting
		c.conn = nil
		c.mu.Unlock()

		next, ok := c.redial()
		if !ok {
			c.logger.Warn("signaling reconnect budget exhausted")
			c.mu.Lock()
			c.state = stateClosed
			c.mu.Unlock()
			c.discOnce.Do(func() { close(c.disconnected) })
			return
		}
		conn = next
	}
}

func (c *Channel) readAll(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.logger.Info("signaling socket closed", zap.Error(err))
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			metrics.DecodeErrorsTotal.Inc()
			c.logger.Warn("dropping bad signaling frame", zap.Error(err))
			continue
		}
		metrics.MessagesTotal.WithLabelValues(string(msg.Type), "in").Inc()
		select {
		case c.inbound <- msg:
		case <-c.closeCh:
			return
		}
	}
}

// redial retries the relay with exponential backoff, up to the
// configured attempt cap.
func (c *Channel) redial() (*websocket.Conn, bool) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-time.After(bo.NextBackOff()):
		case <-c.closeCh:
			return nil, false
		}

		metrics.ReconnectsTotal.Inc()
		c.logger.Info("reconnecting signaling channel",
			zap.Int("attempt", attempt),
			zap.Int("max", c.cfg.MaxReconnectAttempts),
		)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		c.state = stateOpen
		c.flushPendingLocked()
		c.mu.Unlock()
		return conn, true
	}
	return nil, false
}
