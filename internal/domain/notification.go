package domain

// NotificationTypeNewMessage tags pushes about a new chat message.
const NotificationTypeNewMessage = "new_message"

// Notification is the data part of a push notification delivered to the app.
type Notification struct {
	Type   string            `json:"type"`
	ChatID string            `json:"chatId,omitempty"`
	Title  string            `json:"title,omitempty"`
	Body   string            `json:"body,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// IsNewMessage reports whether the notification announces a chat message.
func (n Notification) IsNewMessage() bool {
	return n.Type == NotificationTypeNewMessage
}

// AppState is the foreground/background state of the host application.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateInactive   AppState = "inactive"
	AppStateBackground AppState = "background"
)
