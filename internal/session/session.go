// Package session owns the signed-in user: login, restoring a stored session,
// logout and the reaction to an expired refresh token.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/auth"
	"github.com/locolive/chatsync/internal/badge"
	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/internal/httpclient"
	"github.com/locolive/chatsync/pkg/validator"
)

type Session struct {
	client  *httpclient.Client
	counter *badge.Counter
	logger  *zap.Logger

	mu        sync.Mutex
	user      *domain.User
	onExpired func()
}

func New(client *httpclient.Client, counter *badge.Counter, logger *zap.Logger) *Session {
	return &Session{
		client:  client,
		counter: counter,
		logger:  logger,
	}
}

// OnExpired registers fn to run after the session ends because the refresh
// token was rejected.
func (s *Session) OnExpired(fn func()) {
	s.mu.Lock()
	s.onExpired = fn
	s.mu.Unlock()
}

// User returns the signed-in user, or nil.
func (s *Session) User() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// SignIn logs in with email and password and stores the issued token pair.
func (s *Session) SignIn(ctx context.Context, email, password string) (*domain.User, error) {
	email = validator.SanitizeEmail(email)
	if err := validator.ValidateCredentials(email, password).Err(); err != nil {
		return nil, err
	}

	var res domain.LoginResult
	if err := s.client.PublicPostJSON(ctx, "/auth/login", domain.LoginRequest{Email: email, Password: password}, &res); err != nil {
		s.logger.Warn("login failed", zap.String("email", email), zap.Error(err))
		return nil, err
	}
	if res.User == nil || res.AccessToken == "" {
		return nil, errors.New("login response is missing the user or tokens")
	}

	if err := s.client.Tokens().Save(ctx, res.Pair()); err != nil {
		return nil, err
	}

	s.start(ctx, res.User)
	s.logger.Info("signed in", zap.String("user_id", res.User.ID))
	return s.User(), nil
}

// Restore resumes the session of the stored token pair. The user is read from
// the access token claims; a token that cannot be read ends the session.
func (s *Session) Restore(ctx context.Context) (*domain.User, error) {
	tokens := s.client.Tokens()
	pair, err := tokens.Load(ctx)
	if err != nil {
		return nil, err
	}

	claims, err := auth.ReadClaims(pair.AccessToken)
	if err != nil {
		s.logger.Warn("stored access token is unreadable, clearing session", zap.Error(err))
		if err := tokens.Clear(ctx); err != nil {
			s.logger.Error("failed to clear tokens", zap.Error(err))
		}
		return nil, domain.ErrNotAuthenticated
	}

	s.start(ctx, &domain.User{ID: claims.ResolvedUserID(), Email: claims.Email})
	s.logger.Info("session restored", zap.String("user_id", claims.ResolvedUserID()))
	return s.User(), nil
}

func (s *Session) start(ctx context.Context, user *domain.User) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()

	if err := s.counter.SignIn(ctx, user.ID); err != nil {
		s.HandleError(ctx, err)
	}
}

// SignOut revokes the refresh token on a best-effort basis and forgets the
// local session.
func (s *Session) SignOut(ctx context.Context) error {
	tokens := s.client.Tokens()
	if pair, err := tokens.Load(ctx); err == nil {
		err := s.client.PublicPostJSON(ctx, "/auth/logout", domain.LogoutRequest{RefreshToken: pair.RefreshToken}, nil)
		if err != nil {
			s.logger.Warn("logout request failed", zap.Error(err))
		}
	}

	s.end()
	if err := tokens.Clear(ctx); err != nil {
		s.logger.Error("failed to clear tokens", zap.Error(err))
		return err
	}
	s.logger.Info("signed out")
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
	s.counter.SignOut()
}

// HandleError ends the session when err says the refresh token was rejected.
// It reports whether it did.
func (s *Session) HandleError(ctx context.Context, err error) bool {
	if !errors.Is(err, domain.ErrRefreshTokenExpired) {
		return false
	}

	s.logger.Warn("session expired, signing out", zap.String("user_id", s.UserID()))
	s.counter.SessionExpired()
	s.end()
	if err := s.client.Tokens().Clear(ctx); err != nil {
		s.logger.Error("failed to clear tokens", zap.Error(err))
	}

	s.mu.Lock()
	fn := s.onExpired
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

// AppStateChanged forwards the transition to the badge counter.
func (s *Session) AppStateChanged(ctx context.Context, state domain.AppState) error {
	err := s.counter.AppStateChanged(ctx, state)
	if err != nil && s.HandleError(ctx, err) {
		return domain.ErrRefreshTokenExpired
	}
	return err
}
