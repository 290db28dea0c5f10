package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReplyNotFound is returned when a reply target is missing or belongs to another chat.
	ErrReplyNotFound = errors.New("reply target not found")
)

// User represents an account. The realtime core only reads it.
type User struct {
	ID           string
	Email        string
	Username     string
	DisplayName  string
	AvatarURL    string
	PasswordHash string
	LastActive   *time.Time
	CreatedAt    time.Time
}

// UserSummary is the public projection of a user attached to messages.
type UserSummary struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
}

// Chat represents a direct or group conversation.
type Chat struct {
	ID            string
	Name          string
	IsGroup       bool
	LastMessageID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChatParticipant represents chat membership. Active while LeftAt is nil.
type ChatParticipant struct {
	ChatID   string
	UserID   string
	JoinedAt time.Time
	LeftAt   *time.Time
}

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeVideo MessageType = "VIDEO"
	MessageTypeAudio MessageType = "AUDIO"
	MessageTypeFile  MessageType = "FILE"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

// Message is a persisted, hydrated chat message.
// Seq is assigned by the gateway on insert and orders messages across senders.
type Message struct {
	Seq       int64
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	Type      MessageType
	MediaURL  *string
	ReplyToID *string
	CreatedAt time.Time

	Sender  UserSummary
	ReplyTo *ReplyPreview
}

// ReplyPreview is the replied-to message embedded in a hydrated message.
type ReplyPreview struct {
	ID        string
	Content   string
	Type      MessageType
	CreatedAt time.Time
	Sender    UserSummary
}

// NewMessage carries the fields needed to create a message.
type NewMessage struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	Type      MessageType
	MediaURL  *string
	ReplyToID *string
	CreatedAt time.Time
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser inserts a user. ID and CreatedAt must be set by the caller.
	CreateUser(ctx context.Context, user *User) error

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// TouchUserActivity records the last time the user was seen.
	TouchUserActivity(ctx context.Context, userID string, at time.Time) error
}

// ChatStore handles chats and their membership.
type ChatStore interface {
	// CreateChat inserts a chat and adds memberIDs as active participants.
	CreateChat(ctx context.Context, chat *Chat, memberIDs []string) error

	// GetChat retrieves a chat by ID.
	GetChat(ctx context.Context, id string) (*Chat, error)

	// AddParticipant adds a user to a chat or re-activates a previous membership.
	AddParticipant(ctx context.Context, chatID, userID string) error

	// RemoveParticipant marks the membership as left.
	RemoveParticipant(ctx context.Context, chatID, userID string, at time.Time) error

	// FindActiveMembership returns ErrNotFound when the user is not an active member.
	FindActiveMembership(ctx context.Context, userID, chatID string) (*ChatParticipant, error)

	// ListActiveMembers lists user IDs of active participants.
	ListActiveMembers(ctx context.Context, chatID string) ([]string, error)

	// TouchChat updates the chat's last message and activity marker.
	TouchChat(ctx context.Context, chatID, lastMessageID string, at time.Time) error
}

// MessageStore handles message persistence.
type MessageStore interface {
	// CreateMessage persists a message and returns it hydrated with sender and reply preview.
	// Returns ErrReplyNotFound when ReplyToID does not name a message of the same chat.
	CreateMessage(ctx context.Context, in NewMessage) (*Message, error)

	// ListMessages retrieves messages from a chat in insertion order.
	// If beforeID is provided, returns messages older than that ID.
	ListMessages(ctx context.Context, chatID string, limit int, beforeID *string) ([]*Message, error)
}

// AtomicMessageWriter is implemented by stores that can create a message and
// touch the chat activity marker in one transaction.
type AtomicMessageWriter interface {
	CreateMessageTouchChat(ctx context.Context, in NewMessage) (*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ChatStore
	MessageStore

	// Migrate applies the schema.
	Migrate(ctx context.Context) error

	// Close closes the underlying database connection.
	Close() error
}
