// Package inbox builds the user's conversation list, most recently active
// first.
package inbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/domain"
)

type State int

const (
	StateLoaded State = iota
	StateEmpty
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateEmpty:
		return "empty"
	}
	return "error"
}

const (
	MessageEmpty          = "You have no messages yet."
	MessageUnavailable    = "Could not load your messages. Please try again."
	MessageRetryLater     = "Messages are temporarily unavailable. Please try again later."
	MessageSessionExpired = "Your session has expired. Please sign in again."
)

// Summary is one row of the inbox.
type Summary struct {
	ChatID       string
	Counterpart  domain.UserRef
	Listing      domain.ListingRef
	LastMessage  domain.Message
	LastActivity time.Time
	Unread       int
	System       bool
	Chat         domain.Chat
}

// Result is the outcome of one Load. Message is user-facing text for the
// Empty and Error states; Err carries the underlying failure.
type Result struct {
	State   State
	Chats   []Summary
	Message string
	Err     error
}

type Aggregator struct {
	api    domain.ChatAPI
	logger *zap.Logger
}

func NewAggregator(api domain.ChatAPI, logger *zap.Logger) *Aggregator {
	return &Aggregator{api: api, logger: logger}
}

// Load fetches the chats of userID, drops those without messages and sorts the
// rest by their last message, newest first. Chats whose last messages share a
// timestamp keep the order the server returned them in.
func (a *Aggregator) Load(ctx context.Context, userID string) Result {
	chats, err := a.api.GetChats(ctx, userID)
	if err != nil {
		if domain.IsNotFound(err) {
			return Result{State: StateEmpty, Chats: []Summary{}, Message: MessageEmpty}
		}
		a.logger.Warn("inbox load failed", zap.String("user_id", userID), zap.Error(err))
		msg := MessageUnavailable
		switch {
		case errors.Is(err, domain.ErrRefreshTokenExpired):
			msg = MessageSessionExpired
		case domain.IsTransient(err):
			msg = MessageRetryLater
		}
		return Result{State: StateError, Message: msg, Err: err}
	}

	summaries := Rank(chats, userID)
	if len(summaries) == 0 {
		return Result{State: StateEmpty, Chats: summaries, Message: MessageEmpty}
	}
	return Result{State: StateLoaded, Chats: summaries}
}

// Rank turns chats into inbox rows for userID.
func Rank(chats []domain.Chat, userID string) []Summary {
	out := make([]Summary, 0, len(chats))
	for _, c := range chats {
		last, ok := c.LastMessage()
		if !ok {
			continue
		}
		s := Summary{
			ChatID:      c.ID,
			Counterpart: c.Counterpart(userID),
			Listing:     c.Listing,
			LastMessage: last,
			Unread:      c.UnreadFor(userID),
			System:      c.IsSystemMessage,
			Chat:        c,
		}
		if last.SentAt != nil {
			s.LastActivity = *last.SentAt
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}
