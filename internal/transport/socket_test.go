package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/auth"
	"github.com/locolive/chatsync/internal/domain"
)

type roomServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	valid    string

	writeMu sync.Mutex

	mu      sync.Mutex
	events  []domain.SocketFrame
	conns   []*websocket.Conn
	handled chan string
}

func newRoomServer(t *testing.T, valid string) (*roomServer, string) {
	rs := &roomServer{t: t, valid: valid, handled: make(chan string, 64)}
	ts := httptest.NewServer(rs)
	t.Cleanup(func() {
		rs.closeAll()
		ts.Close()
	})
	return rs, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (rs *roomServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+rs.valid {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	rs.mu.Lock()
	rs.conns = append(rs.conns, conn)
	rs.mu.Unlock()

	for {
		var frame domain.SocketFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		rs.mu.Lock()
		rs.events = append(rs.events, frame)
		rs.mu.Unlock()

		if frame.Event == domain.EventChat {
			rs.answerChat(conn, frame)
		}
		rs.handled <- frame.Event
	}
}

func (rs *roomServer) answerChat(conn *websocket.Conn, frame domain.SocketFrame) {
	var ev domain.ChatEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		return
	}
	if ev.CreateMessageDTO.Text == "rejected" {
		out, _ := domain.NewSocketFrame(domain.EventError, domain.ErrorEvent{ChatID: ev.ChatID, ClientID: ev.CreateMessageDTO.ClientID, Message: "not allowed"})
		rs.write(conn, out)
		return
	}
	now := time.Now().UTC()
	out, _ := domain.NewSocketFrame(domain.EventMessageRcvd, domain.MessageRcvdEvent{
		ChatID:   ev.ChatID,
		SenderID: ev.CreateMessageDTO.SenderID,
		Messages: []domain.Message{{
			ID:       "srv-" + ev.CreateMessageDTO.ClientID,
			ClientID: ev.CreateMessageDTO.ClientID,
			Text:     ev.CreateMessageDTO.Text,
			Sender:   domain.UserRef{ID: ev.CreateMessageDTO.SenderID},
			SentAt:   &now,
		}},
	})
	rs.write(conn, out)
}

func (rs *roomServer) write(conn *websocket.Conn, frame domain.SocketFrame) {
	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()
	_ = conn.WriteJSON(frame)
}

// push writes a frame to every connected client.
func (rs *roomServer) push(event string, data any) {
	frame, err := domain.NewSocketFrame(event, data)
	require.NoError(rs.t, err)
	rs.mu.Lock()
	conns := append([]*websocket.Conn(nil), rs.conns...)
	rs.mu.Unlock()
	for _, c := range conns {
		rs.write(c, frame)
	}
}

// pushRaw writes data as a text frame to every connected client.
func (rs *roomServer) pushRaw(data []byte) {
	rs.mu.Lock()
	conns := append([]*websocket.Conn(nil), rs.conns...)
	rs.mu.Unlock()
	for _, c := range conns {
		rs.writeMu.Lock()
		_ = c.WriteMessage(websocket.TextMessage, data)
		rs.writeMu.Unlock()
	}
}

func (rs *roomServer) closeAll() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, c := range rs.conns {
		c.Close()
	}
}

func (rs *roomServer) count(event string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := 0
	for _, f := range rs.events {
		if f.Event == event {
			n++
		}
	}
	return n
}

func (rs *roomServer) await(t *testing.T, event string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-rs.handled:
			if got == event {
				return
			}
		case <-timeout:
			t.Fatalf("server never handled %s", event)
		}
	}
}

type fakeCredentials struct {
	store        *auth.MemoryTokenStore
	next         domain.TokenPair
	refreshCalls int
}

func (f *fakeCredentials) Tokens() domain.TokenStore {
	return f.store
}

func (f *fakeCredentials) Refresh(ctx context.Context, rejectedAccess string) (domain.TokenPair, error) {
	f.refreshCalls++
	if f.next.IsZero() {
		return domain.TokenPair{}, domain.ErrRefreshTokenExpired
	}
	if err := f.store.Save(ctx, f.next); err != nil {
		return domain.TokenPair{}, err
	}
	return f.next, nil
}

// gatedStore holds Load until release is closed.
type gatedStore struct {
	domain.TokenStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Load(ctx context.Context) (domain.TokenPair, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.TokenStore.Load(ctx)
}

type gatedCredentials struct {
	*fakeCredentials
	gate *gatedStore
}

func (g *gatedCredentials) Tokens() domain.TokenStore {
	return g.gate
}

func newCredentials(t *testing.T, access string) *fakeCredentials {
	t.Helper()
	store := auth.NewMemoryTokenStore()
	require.NoError(t, store.Save(context.Background(), domain.TokenPair{AccessToken: access, RefreshToken: "r"}))
	return &fakeCredentials{store: store}
}

func connected(t *testing.T, url string, creds Credentials, hooks Hooks) *Transport {
	t.Helper()
	tr := New(url, creds, nil, hooks, zap.NewNop())
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(tr.Disconnect)
	return tr
}

func TestConnectJoinAndState(t *testing.T) {
	rs, url := newRoomServer(t, "good")

	var connects int
	tr := connected(t, url, newCredentials(t, "good"), Hooks{OnConnect: func() { connects++ }})
	assert.Equal(t, StateConnected, tr.State())
	assert.Equal(t, 1, connects)

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, 1, connects)

	sub, err := tr.JoinRoom("c1", Handlers{})
	require.NoError(t, err)
	rs.await(t, domain.EventJoinRoom)
	assert.True(t, tr.InRoom("c1"))
	assert.Equal(t, "c1", sub.ChatID())
}

func TestSubscriptionCloseLeavesOnce(t *testing.T) {
	rs, url := newRoomServer(t, "good")
	tr := connected(t, url, newCredentials(t, "good"), Hooks{})

	sub, err := tr.JoinRoom("c1", Handlers{})
	require.NoError(t, err)
	rs.await(t, domain.EventJoinRoom)

	sub.Close()
	sub.Close()
	rs.await(t, domain.EventLeaveRoom)

	assert.False(t, tr.InRoom("c1"))
	assert.Equal(t, 1, rs.count(domain.EventLeaveRoom))
}

func TestSnapshotDispatchedToRoom(t *testing.T) {
	rs, url := newRoomServer(t, "good")
	tr := connected(t, url, newCredentials(t, "good"), Hooks{})

	got := make(chan domain.MessageRcvdEvent, 1)
	other := make(chan domain.MessageRcvdEvent, 1)
	_, err := tr.JoinRoom("c1", Handlers{OnSnapshot: func(ev domain.MessageRcvdEvent) { got <- ev }})
	require.NoError(t, err)
	_, err = tr.JoinRoom("c2", Handlers{OnSnapshot: func(ev domain.MessageRcvdEvent) { other <- ev }})
	require.NoError(t, err)
	rs.await(t, domain.EventJoinRoom)
	rs.await(t, domain.EventJoinRoom)

	rs.push(domain.EventMessageRcvd, domain.MessageRcvdEvent{
		ChatID:   "c1",
		SenderID: "bob",
		Messages: []domain.Message{{ID: "m1", Text: "hi", Sender: domain.UserRef{ID: "bob"}}},
	})

	select {
	case ev := <-got:
		assert.Equal(t, "bob", ev.SenderID)
		require.Len(t, ev.Messages, 1)
		assert.Equal(t, "m1", ev.Messages[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot not dispatched")
	}
	select {
	case <-other:
		t.Fatal("snapshot leaked to another room")
	default:
	}
}

func TestSendResolvesOnEcho(t *testing.T) {
	rs, url := newRoomServer(t, "good")
	tr := connected(t, url, newCredentials(t, "good"), Hooks{})
	_, err := tr.JoinRoom("c1", Handlers{})
	require.NoError(t, err)
	rs.await(t, domain.EventJoinRoom)

	d, err := tr.Send(context.Background(), "c1", domain.CreateMessageDTO{Text: "hello", SenderID: "me", ClientID: "cl-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := d.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv-cl-1", m.ID)
	assert.Equal(t, "hello", m.Text)
}

func TestSendRejectedByErrorEvent(t *testing.T) {
	rs, url := newRoomServer(t, "good")

	errs := make(chan domain.ErrorEvent, 1)
	tr := connected(t, url, newCredentials(t, "good"), Hooks{})
	_, err := tr.JoinRoom("c1", Handlers{OnError: func(ev domain.ErrorEvent) { errs <- ev }})
	require.NoError(t, err)
	rs.await(t, domain.EventJoinRoom)

	d, err := tr.Send(context.Background(), "c1", domain.CreateMessageDTO{Text: "rejected", SenderID: "me", ClientID: "cl-2"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Wait(ctx)

	var deliveryErr *domain.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "cl-2", deliveryErr.ClientID)
	assert.Equal(t, "not allowed", deliveryErr.Message)

	select {
	case ev := <-errs:
		assert.Equal(t, "not allowed", ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("error event not dispatched")
	}
}

func TestSendRequiresRoom(t *testing.T) {
	_, url := newRoomServer(t, "good")
	tr := New(url, newCredentials(t, "good"), nil, Hooks{}, zap.NewNop())

	_, err := tr.Send(context.Background(), "c1", domain.CreateMessageDTO{Text: "x"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	_, err = tr.JoinRoom("c1", Handlers{})
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	_, err = tr.Send(context.Background(), "c1", domain.CreateMessageDTO{Text: "x"})
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestDisconnectRejectsPendingAndIsIdempotent(t *testing.T) {
	_, url := newRoomServer(t, "good")

	var disconnects int
	tr := New(url, newCredentials(t, "good"), nil, Hooks{OnDisconnect: func(err error) {
		disconnects++
		assert.NoError(t, err)
	}}, zap.NewNop())
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.JoinRoom("c1", Handlers{})
	require.NoError(t, err)

	d := newDelivery("c1", "never-echoed")
	tr.mu.Lock()
	tr.pending = append(tr.pending, d)
	tr.mu.Unlock()

	tr.Disconnect()
	tr.Disconnect()

	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.InRoom("c1"))
	assert.Equal(t, 1, disconnects)

	_, err = d.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrDisconnected)
}

func TestServerDropNotifiesDisconnect(t *testing.T) {
	rs, url := newRoomServer(t, "good")

	dropped := make(chan error, 1)
	tr := New(url, newCredentials(t, "good"), nil, Hooks{OnDisconnect: func(err error) { dropped <- err }}, zap.NewNop())
	require.NoError(t, tr.Connect(context.Background()))
	_, err := tr.JoinRoom("c1", Handlers{})
	require.NoError(t, err)
	rs.await(t, domain.EventJoinRoom)

	rs.closeAll()

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook not called")
	}
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestHandshakeRefreshesRejectedToken(t *testing.T) {
	_, url := newRoomServer(t, "fresh")
	creds := newCredentials(t, "stale")
	creds.next = domain.TokenPair{AccessToken: "fresh", RefreshToken: "r2"}

	tr := connected(t, url, creds, Hooks{})
	assert.Equal(t, StateConnected, tr.State())
	assert.Equal(t, 1, creds.refreshCalls)
}

func TestHandshakeFailsWhenRefreshFails(t *testing.T) {
	_, url := newRoomServer(t, "fresh")

	var connectErr error
	tr := New(url, newCredentials(t, "stale"), nil, Hooks{OnConnectError: func(err error) { connectErr = err }}, zap.NewNop())

	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrRefreshTokenExpired)
	assert.ErrorIs(t, connectErr, domain.ErrRefreshTokenExpired)
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestDisconnectWhileConnectingClosesSocket(t *testing.T) {
	_, url := newRoomServer(t, "good")
	creds := newCredentials(t, "good")
	gate := &gatedStore{TokenStore: creds.store, entered: make(chan struct{}), release: make(chan struct{})}

	var connects int
	tr := New(url, &gatedCredentials{fakeCredentials: creds, gate: gate}, nil, Hooks{OnConnect: func() { connects++ }}, zap.NewNop())

	errc := make(chan error, 1)
	go func() { errc <- tr.Connect(context.Background()) }()
	<-gate.entered
	assert.Equal(t, StateConnecting, tr.State())

	tr.Disconnect()
	close(gate.release)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Equal(t, 0, connects)
	tr.mu.Lock()
	assert.Nil(t, tr.conn)
	tr.mu.Unlock()

	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(tr.Disconnect)
	assert.Equal(t, StateConnected, tr.State())
}

func TestMalformedFramesKeepConnection(t *testing.T) {
	rs, url := newRoomServer(t, "good")
	tr := connected(t, url, newCredentials(t, "good"), Hooks{})

	got := make(chan domain.MessageRcvdEvent, 1)
	_, err := tr.JoinRoom("c1", Handlers{OnSnapshot: func(ev domain.MessageRcvdEvent) { got <- ev }})
	require.NoError(t, err)
	rs.await(t, domain.EventJoinRoom)

	rs.pushRaw([]byte{})
	rs.pushRaw([]byte("{not json"))
	rs.pushRaw([]byte(`{"event": 7}`))
	rs.push(domain.EventMessageRcvd, domain.MessageRcvdEvent{
		ChatID:   "c1",
		SenderID: "bob",
		Messages: []domain.Message{{ID: "m1", Text: "hi", Sender: domain.UserRef{ID: "bob"}}},
	})

	select {
	case ev := <-got:
		assert.Equal(t, "m1", ev.Messages[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot after malformed frames not dispatched")
	}
	assert.Equal(t, StateConnected, tr.State())
}
