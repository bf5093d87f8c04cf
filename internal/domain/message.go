package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxContentLength is the per-message content cap applied during
// normalization, in runes.
const MaxContentLength = 4000

// Message is a normalized chat message as stored and forwarded by the relay.
// ID doubles as the idempotency key when the message is sent to the gateway.
type Message struct {
	ID         string    `json:"id,omitempty"`
	SessionKey string    `json:"session_key"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is the normalized shape of a gateway chat session.
type Session struct {
	SessionKey         string    `json:"session_key"`
	Title              string    `json:"title"`
	IsPinned           bool      `json:"is_pinned"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
	CreatedAt          time.Time `json:"created_at"`
}
