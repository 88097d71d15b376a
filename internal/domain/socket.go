package domain

import "encoding/json"

// Socket event names.
const (
	EventJoinRoom     = "joinRoom"
	EventLeaveRoom    = "leaveRoom"
	EventChat         = "chat"
	EventMessageRcvd  = "messageRcvd"
	EventError        = "error"
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// SocketFrame is the envelope of every socket text frame.
type SocketFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RoomRequest struct {
	ChatID string `json:"chatId"`
}

// CreateMessageDTO is the message a client asks the server to create.
type CreateMessageDTO struct {
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
	ClientID string `json:"clientId,omitempty"`
}

type ChatEvent struct {
	CreateMessageDTO CreateMessageDTO `json:"createMessageDTO"`
	ChatID           string           `json:"chatId"`
}

// MessageRcvdEvent carries the complete message set of a room after a change.
type MessageRcvdEvent struct {
	ChatID   string    `json:"chatId,omitempty"`
	Messages []Message `json:"messages"`
	SenderID string    `json:"senderId"`
}

type ErrorEvent struct {
	ChatID   string `json:"chatId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Message  string `json:"message"`
}

// NewSocketFrame marshals data into a frame for event.
func NewSocketFrame(event string, data any) (SocketFrame, error) {
	if data == nil {
		return SocketFrame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return SocketFrame{}, err
	}
	return SocketFrame{Event: event, Data: raw}, nil
}
