// Package fakebackend is an in-memory stand-in for the chat backend. It speaks
// the same REST and socket protocol and exists for tests and the CLI sandbox.
package fakebackend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/auth"
	"github.com/locolive/chatsync/internal/domain"
)

// SystemUserID is the sender of system chat messages.
const SystemUserID = "system"

const (
	accessExpiry  = 15 * time.Minute
	refreshExpiry = 7 * 24 * time.Hour
)

type Server struct {
	store  *store
	hub    *hub
	issuer *auth.Issuer
	logger *zap.Logger
	router *chi.Mux

	mu              sync.Mutex
	issuedAccess    []string
	revokedAccess   map[string]bool
	failRefresh     bool
	refreshCalls    int
	markAsReadCalls int
	logoutCalls     int
}

func New(logger *zap.Logger) *Server {
	s := &Server{
		store:         newStore(),
		hub:           newHub(logger),
		issuer:        auth.NewIssuer(uuid.NewString(), accessExpiry, refreshExpiry),
		logger:        logger,
		revokedAccess: make(map[string]bool),
	}
	s.router = s.routes()
	go s.hub.run()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(recoverer(s.logger))
	r.Use(requestLogger(s.logger))
	r.Use(corsHandler())

	r.Get("/health", s.health)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.login)
		r.Post("/refresh", s.refresh)
		r.Post("/logout", s.logout)
	})

	r.Route("/chat", func(r chi.Router) {
		r.Get("/{id}/notificationCountV2", s.notificationCount)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/", s.createChat)
			r.Post("/create-system-chat", s.createSystemChat)
			r.Post("/markAsRead", s.markAsRead)
			r.Get("/{id}", s.getChats)
			r.Get("/{id}/messages", s.getMessages)
			r.Post("/{id}/updateNotificationCount", s.updateNotificationCount)
		})
	})

	r.With(s.requireAuth).Get("/socket", s.socket)

	return r
}

// Handler returns the HTTP handler serving REST and the socket.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("sandbox shutdown error", zap.Error(err))
		}
	}()

	s.logger.Info("sandbox backend listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drops every socket connection.
func (s *Server) Close() {
	s.hub.shutdown()
}

// CreateUser registers a user that can log in with email and password.
func (s *Server) CreateUser(email, password, name string) (*domain.User, error) {
	return s.store.createUser(email, password, name)
}

// CreateChat returns the chat of seller and buyer about listing.
func (s *Server) CreateChat(sellerID, buyerID string, listing domain.ListingRef) domain.Chat {
	return *s.store.createChat(sellerID, buyerID, listing, false)
}

func (s *Server) CreateSystemChat(buyerID string, listing domain.ListingRef) domain.Chat {
	return *s.store.createChat(SystemUserID, buyerID, listing, true)
}

// PostMessage stores a message as if senderID had sent it over the socket and
// pushes the new snapshot to the room.
func (s *Server) PostMessage(chatID, senderID, text string) (domain.Message, error) {
	m, all, err := s.store.appendMessage(chatID, senderID, text, "")
	if err != nil {
		return domain.Message{}, err
	}
	s.hub.broadcast(chatID, domain.EventMessageRcvd, domain.MessageRcvdEvent{ChatID: chatID, Messages: all, SenderID: senderID})
	return m, nil
}

func (s *Server) Chat(chatID string) (domain.Chat, error) {
	c, err := s.store.chat(chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	return *c, nil
}

func (s *Server) NotificationCount(userID string) int {
	return s.store.notificationCount(userID)
}

func (s *Server) SetNotificationCount(userID string, n int) {
	s.store.setNotificationCount(userID, n)
}

// ExpireAccessTokens makes every access token issued so far answer 401.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.issuedAccess {
		s.revokedAccess[tok] = true
	}
	s.issuedAccess = nil
}

// SetRefreshFailure makes the refresh endpoint reject every token.
func (s *Server) SetRefreshFailure(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func (s *Server) MarkAsReadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markAsReadCalls
}

func (s *Server) LogoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutCalls
}

// RoomSize returns the number of sockets joined to chatID.
func (s *Server) RoomSize(chatID string) int {
	return s.hub.roomSize(chatID)
}

func (s *Server) issueTokens(userID, email string) (domain.TokenPair, error) {
	access, refresh, err := s.issuer.IssuePair(userID, email)
	if err != nil {
		return domain.TokenPair{}, err
	}
	s.store.saveRefreshToken(refresh, userID)

	s.mu.Lock()
	s.issuedAccess = append(s.issuedAccess, access)
	s.mu.Unlock()

	return domain.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) accessRevoked(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokedAccess[token]
}
