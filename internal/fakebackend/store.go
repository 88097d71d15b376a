package fakebackend

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/locolive/chatsync/internal/auth"
	"github.com/locolive/chatsync/internal/domain"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrChatNotFound       = errors.New("chat not found")
	ErrNotParticipant     = errors.New("user is not part of the chat")
)

type userRecord struct {
	user         domain.User
	passwordHash string
}

// store is the in-memory state of the backend double.
type store struct {
	mu sync.RWMutex

	users   map[string]*userRecord
	byEmail map[string]string

	chats     map[string]*domain.Chat
	chatOrder []string

	// refresh token hash -> user id
	refreshTokens map[string]string
	counts        map[string]int
}

func newStore() *store {
	return &store{
		users:         make(map[string]*userRecord),
		byEmail:       make(map[string]string),
		chats:         make(map[string]*domain.Chat),
		refreshTokens: make(map[string]string),
		counts:        make(map[string]int),
	}
}

func (s *store) createUser(email, password, name string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return nil, ErrUserAlreadyExists
	}
	u := domain.User{ID: uuid.NewString(), Email: email, Name: name}
	s.users[u.ID] = &userRecord{user: u, passwordHash: hash}
	s.byEmail[email] = u.ID
	return &u, nil
}

func (s *store) verifyUser(email, password string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	var rec userRecord
	if ok {
		rec = *s.users[id]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := auth.VerifyPassword(password, rec.passwordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &rec.user, nil
}

func (s *store) userRef(id string) domain.UserRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userRefLocked(id)
}

func (s *store) userRefLocked(id string) domain.UserRef {
	if rec, ok := s.users[id]; ok {
		return rec.user.Ref()
	}
	return domain.UserRef{ID: id}
}

// createChat returns the chat of seller and buyer about listing, creating it
// on first contact.
func (s *store) createChat(sellerID, buyerID string, listing domain.ListingRef, system bool) *domain.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.chatOrder {
		c := s.chats[id]
		if c.Seller.ID == sellerID && c.Buyer.ID == buyerID && c.Listing.ID == listing.ID && c.IsSystemMessage == system {
			return copyChat(c)
		}
	}

	now := time.Now().UTC()
	c := &domain.Chat{
		ID:              uuid.NewString(),
		Seller:          s.userRefLocked(sellerID),
		Buyer:           s.userRefLocked(buyerID),
		Listing:         listing,
		IsSystemMessage: system,
		UnreadCount:     map[string]int{},
		LastMessageRead: map[string]string{},
		CreatedAt:       &now,
		UpdatedAt:       &now,
	}
	s.chats[c.ID] = c
	s.chatOrder = append(s.chatOrder, c.ID)
	return copyChat(c)
}

// chatsFor returns the chats userID takes part in, in creation order.
func (s *store) chatsFor(userID string) []domain.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Chat
	for _, id := range s.chatOrder {
		c := s.chats[id]
		if c.Seller.ID == userID || c.Buyer.ID == userID {
			out = append(out, *copyChat(c))
		}
	}
	return out
}

func (s *store) chat(chatID string) (*domain.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return copyChat(c), nil
}

// appendMessage stores a message from senderID and returns it with the full
// message list of the chat.
func (s *store) appendMessage(chatID, senderID, text, clientID string) (domain.Message, []domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return domain.Message{}, nil, ErrChatNotFound
	}
	if senderID != c.Seller.ID && senderID != c.Buyer.ID {
		return domain.Message{}, nil, ErrNotParticipant
	}
	if c.IsSystemMessage && senderID == c.Buyer.ID {
		return domain.Message{}, nil, domain.ErrSystemChatReadOnly
	}

	now := time.Now().UTC()
	m := domain.Message{
		ID:       uuid.NewString(),
		ClientID: clientID,
		Sender:   s.userRefLocked(senderID),
		Text:     text,
		SentAt:   &now,
	}
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = &now

	recipient := c.Counterpart(senderID).ID
	c.UnreadCount[recipient]++
	c.LastMessageRead[senderID] = m.ID
	s.counts[recipient]++

	return m, copyMessages(c.Messages), nil
}

func (s *store) markAsRead(chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	if userID != c.Seller.ID && userID != c.Buyer.ID {
		return ErrNotParticipant
	}
	c.UnreadCount[userID] = 0
	if n := len(c.Messages); n > 0 {
		c.LastMessageRead[userID] = c.Messages[n-1].ID
	}
	return nil
}

func (s *store) notificationCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[userID]
}

func (s *store) setNotificationCount(userID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[userID] = n
}

func (s *store) saveRefreshToken(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[auth.HashToken(token)] = userID
}

// consumeRefreshToken revokes token and reports the user it belonged to.
func (s *store) consumeRefreshToken(token string) (string, bool) {
	hash := auth.HashToken(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refreshTokens[hash]
	delete(s.refreshTokens, hash)
	return userID, ok
}

func copyChat(c *domain.Chat) *domain.Chat {
	out := *c
	out.Messages = copyMessages(c.Messages)
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	out.LastMessageRead = make(map[string]string, len(c.LastMessageRead))
	for k, v := range c.LastMessageRead {
		out.LastMessageRead[k] = v
	}
	return &out
}

func copyMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	copy(out, in)
	return out
}
