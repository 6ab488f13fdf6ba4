package domain

import "time"

// ConversationType discriminates one-to-one chats from group chats.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// MessageType describes the payload kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// User represents an application user. IsOnline and LastSeen are mirrors of
// live connection state and are written only by the presence tracker.
type User struct {
	ID             int64     `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	DisplayName    string    `db:"display_name" json:"display_name"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	IsOnline       bool      `db:"is_online" json:"is_online"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastSeen       time.Time `db:"last_seen" json:"last_seen"`
}

// Conversation represents a chat conversation. The participant set is fixed
// at creation time.
type Conversation struct {
	ID        int64            `db:"id" json:"id"`
	Name      *string          `db:"name" json:"name,omitempty"`
	Type      ConversationType `db:"type" json:"type"`
	CreatedBy int64            `db:"created_by" json:"created_by"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`
}

// Message is append-only; only IsRead may flip after creation. The total
// order within a conversation is (CreatedAt, ID), tie-broken by ID.
type Message struct {
	ID             int64       `db:"id" json:"id"`
	ConversationID int64       `db:"conversation_id" json:"conversation_id"`
	SenderID       int64       `db:"sender_id" json:"sender_id"`
	Content        string      `db:"content" json:"content"`
	MessageType    MessageType `db:"message_type" json:"message_type"`
	IsRead         bool        `db:"is_read" json:"is_read"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// Before reports whether m precedes other under the conversation ordering.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
