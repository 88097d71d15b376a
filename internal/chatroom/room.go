// Package chatroom drives one open chat: the initial snapshot, the socket
// room, REST refetches on focus and optimistic sends.
package chatroom

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/badge"
	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/internal/timeline"
	"github.com/locolive/chatsync/internal/transport"
	"github.com/locolive/chatsync/pkg/validator"
)

var ErrClosed = errors.New("chat room is closed")

type Options struct {
	// MaxLength caps message text in runes. Zero means no cap.
	MaxLength int
	// OnDeliveryFailed is called when the server refuses a sent message or
	// the socket drops before confirming it. The optimistic entry stays.
	OnDeliveryFailed func(clientID string, err error)
}

type Room struct {
	chat      domain.Chat
	userID    string
	api       domain.ChatAPI
	transport *transport.Transport
	counter   *badge.Counter
	timeline  *timeline.Timeline
	opts      Options
	logger    *zap.Logger

	mu     sync.Mutex
	sub    *transport.Subscription
	closed bool

	deliveries sync.WaitGroup
}

// New prepares the room of chat for the signed-in userID. Nothing is sent
// until Open.
func New(chat domain.Chat, userID string, api domain.ChatAPI, tr *transport.Transport, counter *badge.Counter, opts Options, logger *zap.Logger) *Room {
	return &Room{
		chat:      chat,
		userID:    userID,
		api:       api,
		transport: tr,
		counter:   counter,
		timeline:  timeline.New(userID),
		opts:      opts,
		logger:    logger.With(zap.String("chat_id", chat.ID)),
	}
}

func (r *Room) Chat() domain.Chat {
	return r.chat
}

// Entries returns the timeline, newest first.
func (r *Room) Entries() []timeline.Entry {
	return r.timeline.Entries()
}

// Subscribe registers fn to receive the timeline after every change.
func (r *Room) Subscribe(fn func([]timeline.Entry)) (unsubscribe func()) {
	return r.timeline.Subscribe(fn)
}

// Open shows the messages the chat came with, connects the socket and joins
// the room. Pushes about this chat stop counting as unseen while it is open.
func (r *Room) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	r.timeline.Replace(r.chat.Messages)
	r.counter.SetActiveChat(r.chat.ID)

	if err := r.transport.Connect(ctx); err != nil {
		return err
	}

	sub, err := r.transport.JoinRoom(r.chat.ID, transport.Handlers{
		OnSnapshot: r.onSnapshot,
		OnError: func(ev domain.ErrorEvent) {
			r.logger.Warn("server rejected socket request", zap.String("client_id", ev.ClientID), zap.String("message", ev.Message))
		},
	})
	if err != nil {
		r.logger.Error("failed to join room", zap.Error(err))
		return err
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.logger.Info("chat opened", zap.Int("messages", r.timeline.Len()))
	return nil
}

func (r *Room) onSnapshot(ev domain.MessageRcvdEvent) {
	if r.timeline.ApplySnapshot(ev) {
		r.logger.Debug("snapshot applied", zap.String("sender_id", ev.SenderID), zap.Int("messages", len(ev.Messages)))
	}
}

// Focus marks the chat as read and replaces the timeline with the server's
// history. A refetch that finishes after a newer one is discarded.
func (r *Room) Focus(ctx context.Context) error {
	if err := r.api.MarkAsRead(ctx, r.chat.ID, r.userID); err != nil {
		if errors.Is(err, domain.ErrRefreshTokenExpired) {
			return err
		}
		r.logger.Warn("mark as read failed", zap.Error(err))
	}

	refresh := r.timeline.BeginRefresh()
	messages, err := r.api.GetMessages(ctx, r.chat.ID)
	if err != nil {
		return err
	}
	if !r.timeline.ApplyRefresh(refresh, messages) {
		r.logger.Debug("stale refetch dropped")
	}
	return nil
}

// Send validates text, shows it immediately as a pending entry and emits it.
// The returned entry is the optimistic one. A send error leaves the entry in
// place until the next full replace.
func (r *Room) Send(ctx context.Context, text string) (timeline.Entry, error) {
	if r.chat.IsSystemMessage {
		return timeline.Entry{}, domain.ErrSystemChatReadOnly
	}
	text, errs := validator.MessageText(text, r.opts.MaxLength)
	if err := errs.Err(); err != nil {
		return timeline.Entry{}, err
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return timeline.Entry{}, ErrClosed
	}

	clientID := uuid.NewString()
	entry := r.timeline.NewLocalEntry(text, clientID)
	r.timeline.AppendLocal(entry)

	delivery, err := r.transport.Send(ctx, r.chat.ID, domain.CreateMessageDTO{
		Text:     text,
		SenderID: r.userID,
		ClientID: clientID,
	})
	if err != nil {
		r.logger.Warn("send failed", zap.String("client_id", clientID), zap.Error(err))
		return entry, err
	}

	r.deliveries.Add(1)
	go r.watch(delivery)
	return entry, nil
}

func (r *Room) watch(d *transport.Delivery) {
	defer r.deliveries.Done()

	<-d.Done()
	if _, err := d.Wait(context.Background()); err != nil {
		r.logger.Warn("message not delivered", zap.String("client_id", d.ClientID), zap.Error(err))
		if r.opts.OnDeliveryFailed != nil {
			r.opts.OnDeliveryFailed(d.ClientID, err)
		}
	}
}

// Close leaves the room and closes the socket. Safe to call more than once.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	r.transport.Disconnect()
	r.counter.ClearActiveChat(r.chat.ID)
	r.deliveries.Wait()

	r.logger.Info("chat closed")
}
