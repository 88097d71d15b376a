package domain

import (
	"context"
	"time"
)

// Chat is a conversation between a buyer and a seller about one listing,
// or a system conversation that accepts no replies.
type Chat struct {
	ID              string            `json:"id"`
	Seller          UserRef           `json:"seller"`
	Buyer           UserRef           `json:"buyer"`
	Listing         ListingRef        `json:"listing"`
	Messages        []Message         `json:"messages,omitempty"`
	IsSystemMessage bool              `json:"isSystemMessage"`
	UnreadCount     map[string]int    `json:"unreadCount,omitempty"`
	LastMessageRead map[string]string `json:"lastMessageRead,omitempty"`
	CreatedAt       *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt       *time.Time        `json:"updatedAt,omitempty"`
}

// Message is one chat utterance. ID is empty until the server acknowledges it.
type Message struct {
	ID       string     `json:"id,omitempty"`
	ClientID string     `json:"clientId,omitempty"`
	Sender   UserRef    `json:"sender"`
	Text     string     `json:"text"`
	SentAt   *time.Time `json:"sentAt,omitempty"`
}

// LastMessage returns the most recently sent message of the chat.
func (c *Chat) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	last := c.Messages[0]
	for _, m := range c.Messages[1:] {
		if m.SentAt == nil {
			continue
		}
		if last.SentAt == nil || m.SentAt.After(*last.SentAt) {
			last = m
		}
	}
	return last, true
}

// Counterpart returns the party of the chat that is not userID.
func (c *Chat) Counterpart(userID string) UserRef {
	if c.Buyer.ID == userID {
		return c.Seller
	}
	return c.Buyer
}

// UnreadFor returns the unread count of userID in this chat.
func (c *Chat) UnreadFor(userID string) int {
	if c.UnreadCount == nil {
		return 0
	}
	return c.UnreadCount[userID]
}

// CreateChatRequest creates a chat or returns the existing one for the same
// seller, buyer and listing.
type CreateChatRequest struct {
	SellerID  string `json:"sellerId"`
	BuyerID   string `json:"buyerId"`
	ListingID string `json:"listingId"`
}

type CreateSystemChatRequest struct {
	BuyerID   string `json:"buyerId"`
	ListingID string `json:"listingId"`
}

type MarkAsReadRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type UpdateNotificationCountRequest struct {
	UserID string `json:"userId"`
	Count  int    `json:"count"`
}

// NotificationCount is the body of the notification count endpoint.
type NotificationCount struct {
	Count int `json:"count"`
}

// ChatAPI is the REST surface of the chat backend.
type ChatAPI interface {
	GetChats(ctx context.Context, userID string) ([]Chat, error)
	CreateChat(ctx context.Context, req CreateChatRequest) (*Chat, error)
	CreateSystemChat(ctx context.Context, req CreateSystemChatRequest) (*Chat, error)
	GetMessages(ctx context.Context, chatID string) ([]Message, error)
	MarkAsRead(ctx context.Context, chatID, userID string) error
}

// NotificationCounter reads and writes the server-side unread count.
type NotificationCounter interface {
	NotificationCount(ctx context.Context, userID string) (int, error)
	UpdateNotificationCount(ctx context.Context, userID string, count int) error
}
