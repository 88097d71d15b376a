package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/internal/httpclient"
)

// Service is the typed REST surface of the chat backend
type Service struct {
	client *httpclient.Client
	logger *zap.Logger
}

func NewService(client *httpclient.Client, logger *zap.Logger) *Service {
	return &Service{
		client: client,
		logger: logger,
	}
}

// GetChats returns the chats of userID. A 404 means the user has no chats.
func (s *Service) GetChats(ctx context.Context, userID string) ([]domain.Chat, error) {
	var chats []domain.Chat
	if err := s.client.GetJSON(ctx, "/chat/"+url.PathEscape(userID), &chats); err != nil {
		if domain.IsNotFound(err) {
			return []domain.Chat{}, nil
		}
		s.logger.Error("failed to fetch chats", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	return chats, nil
}

// CreateChat creates the chat between seller and buyer about a listing, or
// returns the existing one.
func (s *Service) CreateChat(ctx context.Context, req domain.CreateChatRequest) (*domain.Chat, error) {
	var chat domain.Chat
	if err := s.client.PostJSON(ctx, "/chat", req, &chat); err != nil {
		s.logger.Error("failed to create chat",
			zap.String("listing_id", req.ListingID),
			zap.String("buyer_id", req.BuyerID),
			zap.Error(err),
		)
		return nil, err
	}
	return &chat, nil
}

// CreateSystemChat creates a system conversation for buyer about a listing.
func (s *Service) CreateSystemChat(ctx context.Context, req domain.CreateSystemChatRequest) (*domain.Chat, error) {
	var chat domain.Chat
	if err := s.client.PostJSON(ctx, "/chat/create-system-chat", req, &chat); err != nil {
		s.logger.Error("failed to create system chat", zap.String("listing_id", req.ListingID), zap.Error(err))
		return nil, err
	}
	return &chat, nil
}

// GetMessages returns the full message history of a chat. A 404 yields an
// empty history.
func (s *Service) GetMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	var messages []domain.Message
	if err := s.client.GetJSON(ctx, "/chat/"+url.PathEscape(chatID)+"/messages", &messages); err != nil {
		if domain.IsNotFound(err) {
			return []domain.Message{}, nil
		}
		s.logger.Error("failed to fetch messages", zap.String("chat_id", chatID), zap.Error(err))
		return nil, err
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

func (s *Service) MarkAsRead(ctx context.Context, chatID, userID string) error {
	err := s.client.PostJSON(ctx, "/chat/markAsRead", domain.MarkAsReadRequest{ChatID: chatID, UserID: userID}, nil)
	if err != nil {
		s.logger.Error("failed to mark chat as read", zap.String("chat_id", chatID), zap.Error(err))
		return err
	}
	return nil
}

// NotificationCount fetches the authoritative unread count. The endpoint is
// public and answers either {"count": n} or a bare integer.
func (s *Service) NotificationCount(ctx context.Context, userID string) (int, error) {
	var raw json.RawMessage
	if err := s.client.PublicGetJSON(ctx, "/chat/"+url.PathEscape(userID)+"/notificationCountV2", &raw); err != nil {
		s.logger.Error("failed to fetch notification count", zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}
	return parseCount(raw)
}

// UpdateNotificationCount pushes the local unread count to the server.
func (s *Service) UpdateNotificationCount(ctx context.Context, userID string, count int) error {
	req := domain.UpdateNotificationCountRequest{UserID: userID, Count: count}
	if err := s.client.PostJSON(ctx, "/chat/"+url.PathEscape(userID)+"/updateNotificationCount", req, nil); err != nil {
		s.logger.Warn("failed to update notification count", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

func parseCount(raw json.RawMessage) (int, error) {
	var body domain.NotificationCount
	if err := json.Unmarshal(raw, &body); err == nil {
		return body.Count, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("unexpected notification count body %q", string(raw))
	}
	return n, nil
}

var (
	_ domain.ChatAPI             = (*Service)(nil)
	_ domain.NotificationCounter = (*Service)(nil)
)
