package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CounselLine/call-engine/internal/testutil"
)

// testRelay is a minimal websocket endpoint recording what clients send
// and echoing frames pushed through push().
type testRelay struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []Message
	dials    int
	reject   bool
}

func newTestRelay(t *testing.T) (*testRelay, *httptest.Server) {
	tr := &testRelay{t: t}
	srv := httptest.NewServer(http.HandlerFunc(tr.handle))
	t.Cleanup(srv.Close)
	return tr, srv
}

func (tr *testRelay) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/ws/call/") {
		http.NotFound(w, r)
		return
	}
	tr.mu.Lock()
	tr.dials++
	reject := tr.reject
	tr.mu.Unlock()
	if reject {
		http.Error(w, "nope", http.StatusServiceUnavailable)
		return
	}
	conn, err := tr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	tr.mu.Lock()
	tr.conns = append(tr.conns, conn)
	tr.mu.Unlock()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			tr.t.Errorf("relay got undecodable frame: %v", err)
			continue
		}
		tr.mu.Lock()
		tr.received = append(tr.received, msg)
		tr.mu.Unlock()
	}
}

func (tr *testRelay) push(msg Message) {
	raw, err := msg.Encode()
	if err != nil {
		tr.t.Fatalf("push encode: %v", err)
	}
	tr.mu.Lock()
	conn := tr.conns[len(tr.conns)-1]
	tr.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		tr.t.Fatalf("push write: %v", err)
	}
}

func (tr *testRelay) dropAll() {
	tr.mu.Lock()
	conns := tr.conns
	tr.conns = nil
	tr.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (tr *testRelay) sent() []Message {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Message, len(tr.received))
	copy(out, tr.received)
	return out
}

func (tr *testRelay) dialCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dials
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig() Config {
	return Config{
		ConnectTimeout:       2 * time.Second,
		MaxReconnectAttempts: 2,
		InitialBackoff:       20 * time.Millisecond,
		PendingSendLimit:     8,
	}
}

func TestChannelConnectAndReceive(t *testing.T) {
	relay, srv := newTestRelay(t)
	ch := NewChannel(wsURL(srv), 11, "tok", testConfig(), zap.NewNop())
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect should be a no-op: %v", err)
	}

	relay.push(Message{Type: TypeCallInitiated, BookingID: 11, Party: PartyUser})
	select {
	case msg := <-ch.Messages():
		if msg.Type != TypeCallInitiated {
			t.Errorf("got %q, want call_initiated", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestChannelBuffersSendsUntilOpen(t *testing.T) {
	relay, srv := newTestRelay(t)
	ch := NewChannel(wsURL(srv), 12, "tok", testConfig(), zap.NewNop())
	defer ch.Close()

	ch.Send(Message{Type: TypeCallInitiated, BookingID: 12, Party: PartyUser})
	ch.Send(Message{Type: TypeCallEnded, BookingID: 12, Party: PartyUser})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := relay.sent(); len(got) == 2 {
			if got[0].Type != TypeCallInitiated || got[1].Type != TypeCallEnded {
				t.Fatalf("flushed out of order: %q then %q", got[0].Type, got[1].Type)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relay saw %d frames, want 2", len(relay.sent()))
}

func TestChannelRedialsAfterSocketLoss(t *testing.T) {
	relay, srv := newTestRelay(t)
	ch := NewChannel(wsURL(srv), 13, "tok", testConfig(), zap.NewNop())
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	relay.dropAll()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if relay.dialCount() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if relay.dialCount() < 2 {
		t.Fatal("channel never redialed")
	}

	// The recovered socket still delivers.
	relay.push(Message{Type: TypeCounsellorReady, BookingID: 13, Party: PartyCounsellor})
	select {
	case msg := <-ch.Messages():
		if msg.Type != TypeCounsellorReady {
			t.Errorf("got %q, want counsellor_ready", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after redial")
	}

	select {
	case <-ch.Disconnected():
		t.Fatal("Disconnected fired despite successful redial")
	default:
	}
}

func TestChannelTerminalAfterBudgetExhausted(t *testing.T) {
	relay, srv := newTestRelay(t)
	ch := NewChannel(wsURL(srv), 14, "tok", testConfig(), zap.NewNop())
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	relay.mu.Lock()
	relay.reject = true
	relay.mu.Unlock()
	relay.dropAll()

	select {
	case <-ch.Disconnected():
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnected never closed")
	}
	// 1 initial dial + 2 failed redials, nothing beyond the cap.
	if got := relay.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}

	if _, open := <-ch.Messages(); open {
		t.Error("Messages still open after terminal disconnect")
	}
}

func TestChannelConnectFailureClassification(t *testing.T) {
	relay, srv := newTestRelay(t)
	relay.mu.Lock()
	relay.reject = true
	relay.mu.Unlock()

	ch := NewChannel(wsURL(srv), 15, "tok", testConfig(), zap.NewNop())
	defer ch.Close()

	err := ch.Connect(context.Background())
	if !errors.Is(err, ErrChannelError) {
		t.Fatalf("err = %v, want ErrChannelError", err)
	}

	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	// Reserved TEST-NET address: dials hang until the timeout.
	slow := NewChannel("ws://192.0.2.1:9", 16, "tok", cfg, zap.NewNop())
	defer slow.Close()
	err = slow.Connect(context.Background())
	if !errors.Is(err, ErrChannelTimeout) && !errors.Is(err, ErrChannelError) {
		t.Fatalf("err = %v, want timeout or channel error", err)
	}
}

func TestChannelSendAfterCloseIsDropped(t *testing.T) {
	_, srv := newTestRelay(t)
	baseline := runtime.NumGoroutine()

	ch := NewChannel(wsURL(srv), 17, "tok", testConfig(), zap.NewNop())
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.Close()
	ch.Close()
	ch.Send(Message{Type: TypeCallEnded, BookingID: 17, Party: PartyUser})

	testutil.WaitForGoroutines(t, baseline, 2)
}
