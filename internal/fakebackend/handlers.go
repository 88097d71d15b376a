package fakebackend

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/auth"
	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/pkg/response"
	"github.com/locolive/chatsync/pkg/validator"
)

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	req.Email = validator.SanitizeEmail(req.Email)
	if errs := validator.ValidateCredentials(req.Email, req.Password); errs.HasErrors() {
		response.BadRequest(w, errs.Error())
		return
	}

	user, err := s.store.verifyUser(req.Email, req.Password)
	if err != nil {
		response.Unauthorized(w, "invalid email or password")
		return
	}

	pair, err := s.issueTokens(user.ID, user.Email)
	if err != nil {
		s.logger.Error("failed to issue tokens", zap.Error(err))
		response.InternalError(w, "login failed")
		return
	}

	response.OK(w, domain.LoginResult{User: user, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCalls++
	fail := s.failRefresh
	s.mu.Unlock()

	var req domain.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		response.BadRequest(w, "refresh token is required")
		return
	}
	if fail {
		response.Unauthorized(w, "refresh token has expired")
		return
	}

	claims, err := s.issuer.Validate(req.RefreshToken, auth.RefreshToken)
	if err != nil {
		response.Unauthorized(w, "invalid refresh token")
		return
	}
	userID, ok := s.store.consumeRefreshToken(req.RefreshToken)
	if !ok || userID != claims.ResolvedUserID() {
		response.Unauthorized(w, "refresh token has been revoked")
		return
	}

	pair, err := s.issueTokens(userID, claims.Email)
	if err != nil {
		s.logger.Error("failed to issue tokens", zap.Error(err))
		response.InternalError(w, "refresh failed")
		return
	}
	response.OK(w, pair)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.logoutCalls++
	s.mu.Unlock()

	var req domain.LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RefreshToken != "" {
		s.store.consumeRefreshToken(req.RefreshToken)
	}
	response.Ack(w)
}

func (s *Server) getChats(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	if chi.URLParam(r, "id") != userID {
		response.Forbidden(w, "cannot read another user's chats")
		return
	}

	chats := s.store.chatsFor(userID)
	if len(chats) == 0 {
		response.NotFound(w, "no chats found")
		return
	}
	response.OK(w, chats)
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	var req domain.CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if req.SellerID == "" || req.BuyerID == "" || req.ListingID == "" {
		response.BadRequest(w, "sellerId, buyerId and listingId are required")
		return
	}
	if userID != req.SellerID && userID != req.BuyerID {
		response.Forbidden(w, "not a party of the chat")
		return
	}

	chat := s.store.createChat(req.SellerID, req.BuyerID, domain.ListingRef{ID: req.ListingID}, false)
	response.OK(w, chat)
}

func (s *Server) createSystemChat(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSystemChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if req.BuyerID == "" || req.ListingID == "" {
		response.BadRequest(w, "buyerId and listingId are required")
		return
	}

	chat := s.store.createChat(SystemUserID, req.BuyerID, domain.ListingRef{ID: req.ListingID}, true)
	response.OK(w, chat)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	chat, err := s.store.chat(chi.URLParam(r, "id"))
	if err != nil {
		response.NotFound(w, "chat not found")
		return
	}
	if chat.Seller.ID != userID && chat.Buyer.ID != userID {
		response.Forbidden(w, "not a party of the chat")
		return
	}
	if len(chat.Messages) == 0 {
		response.NotFound(w, "no messages found")
		return
	}
	response.OK(w, chat.Messages)
}

func (s *Server) markAsRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	var req domain.MarkAsReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if req.UserID != userID {
		response.Forbidden(w, "cannot mark chats of another user")
		return
	}

	s.mu.Lock()
	s.markAsReadCalls++
	s.mu.Unlock()

	if err := s.store.markAsRead(req.ChatID, req.UserID); err != nil {
		if errors.Is(err, ErrChatNotFound) {
			response.NotFound(w, "chat not found")
			return
		}
		response.Forbidden(w, err.Error())
		return
	}
	response.Ack(w)
}

func (s *Server) notificationCount(w http.ResponseWriter, r *http.Request) {
	response.OK(w, domain.NotificationCount{Count: s.store.notificationCount(chi.URLParam(r, "id"))})
}

func (s *Server) updateNotificationCount(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())
	if chi.URLParam(r, "id") != userID {
		response.Forbidden(w, "cannot update another user's count")
		return
	}

	var req domain.UpdateNotificationCountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count < 0 {
		response.BadRequest(w, "invalid request body")
		return
	}

	s.store.setNotificationCount(userID, req.Count)
	response.Ack(w)
}

func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		rooms:  make(map[string]bool),
	}

	select {
	case s.hub.register <- c:
	case <-s.hub.stop:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.hub, s.handleFrame)
}

func (s *Server) handleFrame(c *client, frame domain.SocketFrame) {
	switch frame.Event {
	case domain.EventJoinRoom:
		var req domain.RoomRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.hub.sendTo(c, domain.EventError, domain.ErrorEvent{Message: "invalid joinRoom payload"})
			return
		}
		chat, err := s.store.chat(req.ChatID)
		if err != nil || (chat.Seller.ID != c.userID && chat.Buyer.ID != c.userID) {
			s.hub.sendTo(c, domain.EventError, domain.ErrorEvent{ChatID: req.ChatID, Message: "cannot join chat"})
			return
		}
		s.hub.join(c, req.ChatID)

	case domain.EventLeaveRoom:
		var req domain.RoomRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return
		}
		s.hub.leave(c, req.ChatID)

	case domain.EventChat:
		var ev domain.ChatEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			s.hub.sendTo(c, domain.EventError, domain.ErrorEvent{Message: "invalid chat payload"})
			return
		}
		s.handleChat(c, ev)

	default:
		s.logger.Debug("unknown socket event", zap.String("event", frame.Event))
	}
}

func (s *Server) handleChat(c *client, ev domain.ChatEvent) {
	dto := ev.CreateMessageDTO
	fail := func(message string) {
		s.hub.sendTo(c, domain.EventError, domain.ErrorEvent{ChatID: ev.ChatID, ClientID: dto.ClientID, Message: message})
	}

	if dto.SenderID != "" && dto.SenderID != c.userID {
		fail("sender does not match the connection")
		return
	}
	text, errs := validator.MessageText(dto.Text, 0)
	if errs.HasErrors() {
		fail(errs.Error())
		return
	}

	_, all, err := s.store.appendMessage(ev.ChatID, c.userID, text, dto.ClientID)
	if err != nil {
		fail(err.Error())
		return
	}
	s.hub.broadcast(ev.ChatID, domain.EventMessageRcvd, domain.MessageRcvdEvent{ChatID: ev.ChatID, Messages: all, SenderID: c.userID})
}
