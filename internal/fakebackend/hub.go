package fakebackend

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	userID string
	rooms  map[string]bool
}

// hub tracks socket clients and the rooms they joined.
type hub struct {
	clients    map[*client]bool
	rooms      map[string]map[*client]bool
	register   chan *client
	unregister chan *client
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		clients:    make(map[*client]bool),
		rooms:      make(map[string]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		stop:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("socket client registered", zap.String("user_id", c.userID), zap.String("client_id", c.id.String()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				for chatID := range c.rooms {
					h.leaveLocked(c, chatID)
				}
				close(c.send)
				h.logger.Debug("socket client unregistered", zap.String("user_id", c.userID))
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.rooms = make(map[string]map[*client]bool)
			h.mu.Unlock()
			return
		}
	}
}

func (h *hub) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *hub) join(c *client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	if h.rooms[chatID] == nil {
		h.rooms[chatID] = make(map[*client]bool)
	}
	h.rooms[chatID][c] = true
	c.rooms[chatID] = true
}

func (h *hub) leave(c *client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, chatID)
}

func (h *hub) leaveLocked(c *client, chatID string) {
	delete(c.rooms, chatID)
	if members, ok := h.rooms[chatID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

func (h *hub) roomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// broadcast sends a frame to every client in the room.
func (h *hub) broadcast(chatID, event string, data any) {
	frame, err := h.encode(event, data)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[chatID] {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("socket client too slow, dropping frame", zap.String("user_id", c.userID))
		}
	}
}

// sendTo sends a frame to one client.
func (h *hub) sendTo(c *client, event string, data any) {
	frame, err := h.encode(event, data)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *hub) encode(event string, data any) ([]byte, error) {
	frame, err := domain.NewSocketFrame(event, data)
	if err != nil {
		h.logger.Error("failed to encode socket frame", zap.String("event", event), zap.Error(err))
		return nil, err
	}
	out, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal socket frame", zap.String("event", event), zap.Error(err))
		return nil, err
	}
	return out, nil
}

// readPump feeds inbound frames to handle until the connection drops.
func (c *client) readPump(h *hub, handle func(*client, domain.SocketFrame)) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stop:
		}
		c.conn.Close()
	}()

	for {
		var frame domain.SocketFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("socket read failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		handle(c, frame)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
