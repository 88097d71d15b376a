package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRefreshTokenExpired means the refresh token was rejected. Both stored
	// tokens have been deleted and the user must be signed out.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrSystemChatReadOnly  = errors.New("system chats do not accept replies")
	ErrNotConnected        = errors.New("socket not connected")
	ErrNotInRoom           = errors.New("socket has not joined the room")
	ErrDisconnected        = errors.New("socket disconnected")
)

// APIError is a non-2xx response of the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsTransient reports whether err is a server-side (5xx) failure worth a
// user-triggered retry.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= http.StatusInternalServerError
}

// DeliveryError is a socket error event received after a send.
type DeliveryError struct {
	ChatID   string
	ClientID string
	Message  string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message delivery failed in chat %s: %s", e.ChatID, e.Message)
}
