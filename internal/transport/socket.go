// Package transport keeps the realtime socket of one chat screen: room
// membership, outgoing messages and the snapshots the server pushes back.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/locolive/chatsync/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// Credentials supplies the bearer token for the handshake and rotates it when
// the server refuses it. *httpclient.Client satisfies it.
type Credentials interface {
	Tokens() domain.TokenStore
	Refresh(ctx context.Context, rejectedAccess string) (domain.TokenPair, error)
}

// Hooks observe the socket lifecycle. Any of them may be nil.
type Hooks struct {
	OnConnect      func()
	OnDisconnect   func(err error)
	OnConnectError func(err error)
}

// Handlers receive the events of one joined room.
type Handlers struct {
	OnSnapshot func(domain.MessageRcvdEvent)
	OnError    func(domain.ErrorEvent)
}

type Transport struct {
	url    string
	creds  Credentials
	dialer *websocket.Dialer
	hooks  Hooks
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	closing bool
	aborted bool
	done    chan struct{}
	rooms   map[string]map[int]Handlers
	nextSub int
	pending []*Delivery

	writeMu sync.Mutex
}

// New creates a disconnected transport for the socket at url. A nil dialer
// uses websocket.DefaultDialer.
func New(url string, creds Credentials, dialer *websocket.Dialer, hooks Hooks, logger *zap.Logger) *Transport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Transport{
		url:    url,
		creds:  creds,
		dialer: dialer,
		hooks:  hooks,
		logger: logger,
		rooms:  make(map[string]map[int]Handlers),
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// InRoom reports whether chatID has at least one live subscription.
func (t *Transport) InRoom(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms[chatID]) > 0
}

// Connect dials the socket with the stored bearer token. A handshake refused
// with 401 rotates the token pair once and dials again. Connecting while
// already connected is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.aborted = false
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.aborted = false
		t.mu.Unlock()

		t.logger.Warn("socket connect failed", zap.String("url", t.url), zap.Error(err))
		if t.hooks.OnConnectError != nil {
			t.hooks.OnConnectError(err)
		}
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	done := make(chan struct{})
	t.mu.Lock()
	if t.aborted {
		t.state = StateDisconnected
		t.aborted = false
		t.mu.Unlock()
		conn.Close()
		t.logger.Debug("socket closed before the handshake finished", zap.String("url", t.url))
		return domain.ErrDisconnected
	}
	t.conn = conn
	t.state = StateConnected
	t.closing = false
	t.done = done
	t.mu.Unlock()

	go t.readPump(conn, done)

	t.logger.Info("socket connected", zap.String("url", t.url))
	if t.hooks.OnConnect != nil {
		t.hooks.OnConnect()
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	pair, err := t.creds.Tokens().Load(ctx)
	if err != nil {
		return nil, err
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, authHeader(pair.AccessToken))
	if err == nil {
		return conn, nil
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.logger.Debug("socket handshake rejected, refreshing token")
	fresh, err := t.creds.Refresh(ctx, pair.AccessToken)
	if err != nil {
		return nil, err
	}
	conn, _, err = t.dialer.DialContext(ctx, t.url, authHeader(fresh.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	return conn, nil
}

func authHeader(accessToken string) http.Header {
	tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	return http.Header{"Authorization": []string{tok.Type() + " " + tok.AccessToken}}
}

// JoinRoom subscribes h to chatID and tells the server to join the room.
func (t *Transport) JoinRoom(chatID string, h Handlers) (*Subscription, error) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	id := t.nextSub
	t.nextSub++
	if t.rooms[chatID] == nil {
		t.rooms[chatID] = make(map[int]Handlers)
	}
	t.rooms[chatID][id] = h
	t.mu.Unlock()

	if err := t.emit(domain.EventJoinRoom, domain.RoomRequest{ChatID: chatID}); err != nil {
		t.removeHandlers(chatID, id)
		return nil, err
	}

	t.logger.Debug("joined room", zap.String("chat_id", chatID))
	return &Subscription{t: t, chatID: chatID, id: id}, nil
}

// Send emits a chat message without waiting for the server. The returned
// Delivery settles when the echo carrying dto.ClientID arrives, or when the
// server answers with an error event or the socket drops.
func (t *Transport) Send(ctx context.Context, chatID string, dto domain.CreateMessageDTO) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	if len(t.rooms[chatID]) == 0 {
		t.mu.Unlock()
		return nil, domain.ErrNotInRoom
	}
	d := newDelivery(chatID, dto.ClientID)
	t.pending = append(t.pending, d)
	t.mu.Unlock()

	err := t.emit(domain.EventChat, domain.ChatEvent{CreateMessageDTO: dto, ChatID: chatID})
	if err != nil {
		t.mu.Lock()
		t.dropPendingLocked(d)
		t.mu.Unlock()
		return nil, err
	}
	return d, nil
}

// Disconnect drops every room subscription and closes the socket. Pending
// deliveries fail with domain.ErrDisconnected. A Connect still dialing
// closes its socket as soon as the handshake completes and returns
// domain.ErrDisconnected. Safe to call repeatedly.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.state == StateConnecting {
		t.aborted = true
		t.mu.Unlock()
		return
	}
	conn, done := t.conn, t.done
	if conn == nil || t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.rooms = make(map[string]map[int]Handlers)
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	conn.Close()

	<-done
}

func (t *Transport) emit(event string, data any) error {
	frame, err := domain.NewSocketFrame(event, data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return domain.ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		t.logger.Error("socket write failed", zap.String("event", event), zap.Error(err))
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		t.teardown(conn, readErr)
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		var frame domain.SocketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Warn("dropping malformed socket frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		t.dispatch(frame)
	}
}

func (t *Transport) dispatch(frame domain.SocketFrame) {
	switch frame.Event {
	case domain.EventMessageRcvd:
		var ev domain.MessageRcvdEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			t.logger.Warn("invalid messageRcvd payload", zap.Error(err))
			return
		}
		t.confirmDeliveries(ev)
		for _, h := range t.handlersFor(ev.ChatID) {
			if h.OnSnapshot != nil {
				h.OnSnapshot(ev)
			}
		}

	case domain.EventError:
		var ev domain.ErrorEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			t.logger.Warn("invalid error payload", zap.Error(err))
			return
		}
		t.logger.Warn("socket error event", zap.String("chat_id", ev.ChatID), zap.String("message", ev.Message))
		t.rejectDelivery(ev)
		for _, h := range t.handlersFor(ev.ChatID) {
			if h.OnError != nil {
				h.OnError(ev)
			}
		}

	default:
		t.logger.Debug("ignoring socket event", zap.String("event", frame.Event))
	}
}

// handlersFor returns the handlers of chatID, or of every joined room when the
// server did not name one.
func (t *Transport) handlersFor(chatID string) []Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Handlers
	for room, subs := range t.rooms {
		if chatID != "" && room != chatID {
			continue
		}
		for _, h := range subs {
			out = append(out, h)
		}
	}
	return out
}

func (t *Transport) confirmDeliveries(ev domain.MessageRcvdEvent) {
	echoed := make(map[string]domain.Message)
	for _, m := range ev.Messages {
		if m.ClientID != "" {
			echoed[m.ClientID] = m
		}
	}
	if len(echoed) == 0 {
		return
	}

	t.mu.Lock()
	var settled []*Delivery
	var confirmed []domain.Message
	kept := t.pending[:0]
	for _, d := range t.pending {
		m, ok := echoed[d.ClientID]
		if ok && (ev.ChatID == "" || ev.ChatID == d.ChatID) {
			settled = append(settled, d)
			confirmed = append(confirmed, m)
			continue
		}
		kept = append(kept, d)
	}
	t.pending = kept
	t.mu.Unlock()

	for i, d := range settled {
		d.resolve(confirmed[i], nil)
	}
}

// rejectDelivery fails the delivery named by ev.ClientID, or the oldest
// pending one for the chat when the server sent no client id.
func (t *Transport) rejectDelivery(ev domain.ErrorEvent) {
	t.mu.Lock()
	var target *Delivery
	for _, d := range t.pending {
		if ev.ClientID != "" {
			if d.ClientID == ev.ClientID {
				target = d
				break
			}
			continue
		}
		if ev.ChatID == "" || d.ChatID == ev.ChatID {
			target = d
			break
		}
	}
	if target != nil {
		t.dropPendingLocked(target)
	}
	t.mu.Unlock()

	if target != nil {
		target.resolve(domain.Message{}, &domain.DeliveryError{ChatID: target.ChatID, ClientID: target.ClientID, Message: ev.Message})
	}
}

func (t *Transport) dropPendingLocked(d *Delivery) {
	for i, p := range t.pending {
		if p == d {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

func (t *Transport) teardown(conn *websocket.Conn, readErr error) {
	t.mu.Lock()
	intentional := t.closing
	pending := t.pending
	t.pending = nil
	t.rooms = make(map[string]map[int]Handlers)
	t.conn = nil
	t.state = StateDisconnected
	t.closing = false
	t.mu.Unlock()

	conn.Close()
	for _, d := range pending {
		d.resolve(domain.Message{}, domain.ErrDisconnected)
	}

	var hookErr error
	if !intentional {
		hookErr = readErr
		if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			t.logger.Warn("socket closed unexpectedly", zap.Error(readErr))
		}
	}
	t.logger.Info("socket disconnected", zap.Bool("requested", intentional))
	if t.hooks.OnDisconnect != nil {
		t.hooks.OnDisconnect(hookErr)
	}
}

func (t *Transport) removeHandlers(chatID string, id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, ok := t.rooms[chatID]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(t.rooms, chatID)
	}
	return true
}

// Subscription is one JoinRoom registration.
type Subscription struct {
	t      *Transport
	chatID string
	id     int
	once   sync.Once
}

func (s *Subscription) ChatID() string {
	return s.chatID
}

// Close unregisters the handlers and emits leaveRoom. Only the first call has
// any effect.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if !s.t.removeHandlers(s.chatID, s.id) {
			return
		}
		if err := s.t.emit(domain.EventLeaveRoom, domain.RoomRequest{ChatID: s.chatID}); err != nil {
			s.t.logger.Debug("leaveRoom not sent", zap.String("chat_id", s.chatID), zap.Error(err))
			return
		}
		s.t.logger.Debug("left room", zap.String("chat_id", s.chatID))
	})
}
