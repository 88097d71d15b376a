// Package badge tracks the signed-in user's unseen-message count. Local
// increments are a fast approximation; the server count fetched on foreground
// transitions corrects them.
package badge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/domain"
)

// Counter is the badge count store. Create one per process and pass it to the
// components that need it.
type Counter struct {
	mu         sync.Mutex
	value      int
	userID     string
	activeChat string

	server       domain.NotificationCounter
	flushTimeout time.Duration
	logger       *zap.Logger

	observers    map[int]func(int)
	nextObserver int
	version      uint64

	notifyMu  sync.Mutex
	delivered uint64

	flushes sync.WaitGroup
}

const defaultFlushTimeout = 10 * time.Second

func NewCounter(server domain.NotificationCounter, flushTimeout time.Duration, logger *zap.Logger) *Counter {
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &Counter{
		server:       server,
		flushTimeout: flushTimeout,
		logger:       logger,
		observers:    make(map[int]func(int)),
	}
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// UserID returns the user the counter is bound to, empty when signed out.
func (c *Counter) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Counter) Increment() int {
	c.mu.Lock()
	c.value++
	n := c.value
	c.notifyLocked()
	return n
}

func (c *Counter) Reset() {
	c.SetAbsolute(0)
}

// SetAbsolute overrides whatever the count was.
func (c *Counter) SetAbsolute(n int) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	c.value = n
	c.notifyLocked()
}

// Subscribe registers fn to receive the count after every change. The
// returned function releases the subscription and is safe to call twice.
func (c *Counter) Subscribe(fn func(int)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (c *Counter) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

// SetActiveChat records the chat whose screen is focused. Pushes for it do not
// count as unseen.
func (c *Counter) SetActiveChat(chatID string) {
	c.mu.Lock()
	c.activeChat = chatID
	c.mu.Unlock()
}

// ClearActiveChat forgets chatID if it is still the active chat.
func (c *Counter) ClearActiveChat(chatID string) {
	c.mu.Lock()
	if c.activeChat == chatID {
		c.activeChat = ""
	}
	c.mu.Unlock()
}

// HandlePush increments the count for new-message pushes about chats other
// than the active one. It reports whether the count changed.
func (c *Counter) HandlePush(n domain.Notification) bool {
	if !n.IsNewMessage() {
		return false
	}

	c.mu.Lock()
	if c.userID == "" || (n.ChatID != "" && n.ChatID == c.activeChat) {
		c.mu.Unlock()
		return false
	}
	c.value++
	c.notifyLocked()
	return true
}

// InboxFocused resets the count locally and on the server.
func (c *Counter) InboxFocused(ctx context.Context) {
	c.mu.Lock()
	c.value = 0
	userID := c.userID
	c.notifyLocked()

	if userID != "" {
		c.flush(ctx, userID, 0)
	}
}

// AppStateChanged applies the foreground/background policy: becoming active
// fetches the server count (server wins), leaving pushes the local count
// without waiting for the result.
func (c *Counter) AppStateChanged(ctx context.Context, state domain.AppState) error {
	c.mu.Lock()
	userID, value := c.userID, c.value
	c.mu.Unlock()

	if userID == "" {
		return nil
	}

	switch state {
	case domain.AppStateActive:
		return c.Sync(ctx)
	case domain.AppStateBackground, domain.AppStateInactive:
		c.flush(ctx, userID, value)
	}
	return nil
}

// Sync overwrites the count with the server's.
func (c *Counter) Sync(ctx context.Context) error {
	userID := c.UserID()
	if userID == "" {
		return domain.ErrNotAuthenticated
	}

	n, err := c.server.NotificationCount(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrRefreshTokenExpired) {
			c.SessionExpired()
		}
		c.logger.Warn("failed to fetch badge count", zap.String("user_id", userID), zap.Error(err))
		return err
	}

	c.mu.Lock()
	if c.userID != userID {
		c.mu.Unlock()
		return nil
	}
	c.value = n
	c.notifyLocked()
	return nil
}

// SessionExpired zeroes the count.
func (c *Counter) SessionExpired() {
	c.SetAbsolute(0)
}

// SignIn binds the counter to userID and loads the server count.
func (c *Counter) SignIn(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.userID = userID
	c.value = 0
	c.activeChat = ""
	c.notifyLocked()

	return c.Sync(ctx)
}

// SignOut zeroes the count and unbinds the user.
func (c *Counter) SignOut() {
	c.mu.Lock()
	c.userID = ""
	c.value = 0
	c.activeChat = ""
	c.notifyLocked()
}

// Wait blocks until every fire-and-forget flush has finished.
func (c *Counter) Wait() {
	c.flushes.Wait()
}

func (c *Counter) flush(ctx context.Context, userID string, count int) {
	c.flushes.Add(1)
	go func() {
		defer c.flushes.Done()

		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flushTimeout)
		defer cancel()

		if err := c.server.UpdateNotificationCount(flushCtx, userID, count); err != nil {
			c.logger.Warn("badge flush failed", zap.String("user_id", userID), zap.Int("count", count), zap.Error(err))
			return
		}
		c.logger.Debug("badge flushed", zap.String("user_id", userID), zap.Int("count", count))
	}()
}

// notifyLocked releases the lock, then calls observers in change order,
// skipping a value that a newer change has already been delivered over.
// Observers must not change the count.
func (c *Counter) notifyLocked() {
	c.version++
	version := c.version
	value := c.value
	observers := make([]func(int), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if version < c.delivered {
		return
	}
	c.delivered = version
	for _, fn := range observers {
		fn(value)
	}
}
