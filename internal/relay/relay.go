// Package relay is a development signaling relay implementing the wire
// contract the call engine depends on: one room per booking id, at most
// two parties, every frame forwarded verbatim to the other party.
package relay

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CounselLine/call-engine/internal/metrics"
)

const maxPartiesPerRoom = 2

// Hub owns the rooms. Tokens are opaque to the relay: any non-empty
// token is accepted, which is all local development needs.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[int]*room
}

type room struct {
	bookingID int
	clients   map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[int]*room),
	}
}

// Routes mounts the websocket endpoint at /ws/call/{bookingID}/.
func (h *Hub) Routes(r chi.Router) {
	r.Get("/ws/call/{bookingID}/", h.handleWS)
	r.Get("/ws/call/{bookingID}", h.handleWS)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	bookingID, err := strconv.Atoi(chi.URLParam(r, "bookingID"))
	if err != nil {
		http.Error(w, `{"error":"invalid booking id"}`, http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("token") == "" {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{id: uuid.NewString(), conn: conn}
	if !h.join(bookingID, cl) {
		h.logger.Warn("room full", zap.Int("booking", bookingID))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full"))
		conn.Close()
		return
	}

	h.logger.Info("party joined",
		zap.Int("booking", bookingID),
		zap.String("client", cl.id),
	)
	h.readLoop(bookingID, cl)
}

func (h *Hub) join(bookingID int, cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[bookingID]
	if !ok {
		rm = &room{bookingID: bookingID, clients: make(map[string]*client)}
		h.rooms[bookingID] = rm
		metrics.RelayRooms.Inc()
	}
	if len(rm.clients) >= maxPartiesPerRoom {
		return false
	}
	rm.clients[cl.id] = cl
	return true
}

func (h *Hub) leave(bookingID int, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[bookingID]
	if !ok {
		return
	}
	delete(rm.clients, cl.id)
	if len(rm.clients) == 0 {
		delete(h.rooms, bookingID)
		metrics.RelayRooms.Dec()
	}
}

// readLoop forwards each inbound frame to the other party in the room.
// The relay never inspects payloads; routing is purely by booking id.
func (h *Hub) readLoop(bookingID int, cl *client) {
	defer func() {
		h.leave(bookingID, cl)
		cl.conn.Close()
		h.logger.Info("party left",
			zap.Int("booking", bookingID),
			zap.String("client", cl.id),
		)
	}()

	for {
		messageType, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, other := range h.peers(bookingID, cl.id) {
			if err := other.write(messageType, data); err != nil {
				h.logger.Warn("relay write failed",
					zap.Int("booking", bookingID),
					zap.Error(err),
				)
			}
		}
	}
}

func (h *Hub) peers(bookingID int, excludeID string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[bookingID]
	if !ok {
		return nil
	}
	out := make([]*client, 0, 1)
	for id, cl := range rm.clients {
		if id != excludeID {
			out = append(out, cl)
		}
	}
	return out
}

// RoomCount reports the number of open rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
