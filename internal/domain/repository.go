package domain

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	SearchByName(ctx context.Context, query string, limit int) ([]*User, error)
	ListOnline(ctx context.Context) ([]*User, error)
	SetOnlineStatus(ctx context.Context, id int64, isOnline bool, lastSeen time.Time) error
}

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation, participantIDs []int64) error
	GetByID(ctx context.Context, id int64) (*Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]*Conversation, error)
	FindDirect(ctx context.Context, userA, userB int64) (*Conversation, error)
	Touch(ctx context.Context, id int64) error
}

// MessageRepository defines persistence operations for messages. Create
// assigns the id and the authoritative timestamp; client-supplied times are
// never used for ordering.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	ListForConversation(ctx context.Context, conversationID int64, limit int) ([]*Message, error)
	MarkAllRead(ctx context.Context, conversationID, readerID int64) error
}

// ParticipantRepository defines operations around conversation membership.
type ParticipantRepository interface {
	ListParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	// PeerIDs returns ids of users sharing at least one conversation with
	// userID, excluding userID itself.
	PeerIDs(ctx context.Context, userID int64) ([]int64, error)
}
