// Package protocol defines the JSON frame types exchanged over the duplex
// channel between clients and the server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"swiftchat/internal/domain"
)

// Frame type identifiers.
const (
	// Inbound (client to server).
	TypeAuth    = "auth"
	TypeMessage = "message"
	TypePing    = "ping"

	// Outbound (server to client). TypeMessage is used in both directions.
	TypeAuthSuccess  = "auth_success"
	TypeUserStatus   = "user_status"
	TypeMessagesRead = "messages_read"
	TypeError        = "error"
	TypePong         = "pong"
)

// Frame is the envelope for every payload on the wire.
type Frame struct {
	Type      string          `json:"type"`
	UserID    int64           `json:"user_id,omitempty"`
	Username  string          `json:"username,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Critical reports whether the frame must not be shed under backpressure.
// Presence and heartbeat traffic is droppable; everything else is not.
func (f *Frame) Critical() bool {
	switch f.Type {
	case TypeUserStatus, TypePong, TypePing:
		return false
	}
	return true
}

// AuthData is the payload of a legacy post-upgrade auth frame. Identity is
// always taken from the verified token, not from the bare fields.
type AuthData struct {
	Token    string `json:"token"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// MessageData is the payload of an inbound message frame.
type MessageData struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// StatusData is the payload of a user_status frame.
type StatusData struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// ReadData is the payload of a messages_read frame.
type ReadData struct {
	ConversationID int64 `json:"conversation_id"`
	ReaderID       int64 `json:"reader_id"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// Decode parses a raw inbound frame.
func Decode(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// DecodeData parses a frame's data payload into dst.
func DecodeData(f *Frame, dst any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %q: empty data", f.Type)
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("frame %q: %w", f.Type, err)
	}
	return nil
}

func mustData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All callers marshal plain structs; this cannot fail at runtime.
		panic(err)
	}
	return b
}

// NewMessageFrame builds the outbound frame for a persisted message.
func NewMessageFrame(m *domain.Message, senderUsername string) *Frame {
	return &Frame{
		Type:      TypeMessage,
		UserID:    m.SenderID,
		Username:  senderUsername,
		Timestamp: m.CreatedAt.Unix(),
		Data:      mustData(m),
	}
}

// NewStatusFrame builds a user_status frame for a presence transition.
func NewStatusFrame(userID int64, username string, online bool, lastSeen time.Time) *Frame {
	return &Frame{
		Type:      TypeUserStatus,
		UserID:    userID,
		Username:  username,
		Timestamp: time.Now().Unix(),
		Data: mustData(StatusData{
			UserID:   userID,
			Username: username,
			Online:   online,
			LastSeen: lastSeen.Unix(),
		}),
	}
}

// NewMessagesReadFrame tells participants that a user caught up on a
// conversation.
func NewMessagesReadFrame(conversationID, readerID int64, readerUsername string) *Frame {
	return &Frame{
		Type:      TypeMessagesRead,
		UserID:    readerID,
		Username:  readerUsername,
		Timestamp: time.Now().Unix(),
		Data: mustData(ReadData{
			ConversationID: conversationID,
			ReaderID:       readerID,
		}),
	}
}

// NewErrorFrame builds an error frame addressed to the originating client.
func NewErrorFrame(msg string) *Frame {
	return &Frame{
		Type:      TypeError,
		Timestamp: time.Now().Unix(),
		Data:      mustData(ErrorData{Message: msg}),
	}
}

// NewAuthSuccessFrame acknowledges a completed authentication.
func NewAuthSuccessFrame(userID int64, username string) *Frame {
	return &Frame{
		Type:      TypeAuthSuccess,
		UserID:    userID,
		Username:  username,
		Timestamp: time.Now().Unix(),
	}
}

// NewPongFrame answers an application-level ping.
func NewPongFrame() *Frame {
	return &Frame{
		Type:      TypePong,
		Timestamp: time.Now().Unix(),
	}
}
