package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/guffghar-rt/internal/store"
)

// Schema is the SQLite DDL for users, chats, participants and messages.
//
//go:embed schema.sql
var Schema string

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New creates a new SQLite store.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, nil)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema on an in-memory database.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// ApplySchema is a setup function for NewWithSetup that creates all tables.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser inserts a user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *store.User) error {
	query := `
		INSERT INTO users (id, email, username, display_name, avatar_url, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Username, user.DisplayName, user.AvatarURL, user.PasswordHash, user.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	return s.getUser(ctx, "id", id)
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *SQLiteStore) getUser(ctx context.Context, column, value string) (*store.User, error) {
	query := `
		SELECT id, email, username, display_name, avatar_url, password_hash, last_active, created_at
		FROM users
		WHERE ` + column + ` = ?
	`
	var (
		user       store.User
		lastActive sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.DisplayName,
		&user.AvatarURL,
		&user.PasswordHash,
		&lastActive,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", value, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if lastActive.Valid {
		user.LastActive = &lastActive.Time
	}

	return &user, nil
}

// TouchUserActivity records the last time the user was seen.
func (s *SQLiteStore) TouchUserActivity(ctx context.Context, userID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_active = ? WHERE id = ?`, at.UTC(), userID); err != nil {
		return fmt.Errorf("update last active: %w", err)
	}
	return nil
}

// ==== ChatStore implementation ====

// CreateChat inserts a chat together with its initial participants.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *store.Chat, memberIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO chats (id, name, is_group, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, chat.ID, chat.Name, chat.IsGroup, chat.CreatedAt.UTC(), chat.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}

	memberQuery := `
		INSERT INTO chat_participants (chat_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`
	for _, userID := range memberIDs {
		if _, err := tx.ExecContext(ctx, memberQuery, chat.ID, userID, chat.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("add participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*store.Chat, error) {
	query := `
		SELECT id, name, is_group, last_message_id, created_at, updated_at
		FROM chats
		WHERE id = ?
	`
	var (
		chat    store.Chat
		lastMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&chat.ID,
		&chat.Name,
		&chat.IsGroup,
		&lastMsg,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query chat: %w", err)
	}
	if lastMsg.Valid {
		chat.LastMessageID = &lastMsg.String
	}
	return &chat, nil
}

// AddParticipant adds a user to a chat or re-activates a previous membership.
func (s *SQLiteStore) AddParticipant(ctx context.Context, chatID, userID string) error {
	query := `
		INSERT INTO chat_participants (chat_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET left_at = NULL, joined_at = excluded.joined_at
	`
	if _, err := s.db.ExecContext(ctx, query, chatID, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// RemoveParticipant marks the membership as left.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, chatID, userID string, at time.Time) error {
	query := `
		UPDATE chat_participants SET left_at = ?
		WHERE chat_id = ? AND user_id = ? AND left_at IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), chatID, userID); err != nil {
		return fmt.Errorf("mark participant left: %w", err)
	}
	return nil
}

// FindActiveMembership returns the active membership or store.ErrNotFound.
func (s *SQLiteStore) FindActiveMembership(ctx context.Context, userID, chatID string) (*store.ChatParticipant, error) {
	query := `
		SELECT chat_id, user_id, joined_at
		FROM chat_participants
		WHERE user_id = ? AND chat_id = ? AND left_at IS NULL
	`
	var p store.ChatParticipant
	err := s.db.QueryRowContext(ctx, query, userID, chatID).Scan(&p.ChatID, &p.UserID, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query membership: %w", err)
	}
	return &p, nil
}

// ListActiveMembers lists user IDs of active participants.
func (s *SQLiteStore) ListActiveMembers(ctx context.Context, chatID string) ([]string, error) {
	query := `
		SELECT user_id FROM chat_participants
		WHERE chat_id = ? AND left_at IS NULL
		ORDER BY joined_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, userID)
	}

	return members, rows.Err()
}

// TouchChat updates the chat's last message and activity marker.
func (s *SQLiteStore) TouchChat(ctx context.Context, chatID, lastMessageID string, at time.Time) error {
	return touchChat(ctx, s.db, chatID, lastMessageID, at)
}

func touchChat(ctx context.Context, q queryer, chatID, lastMessageID string, at time.Time) error {
	query := `
		UPDATE chats SET last_message_id = ?, updated_at = ?
		WHERE id = ?
	`
	if _, err := q.ExecContext(ctx, query, lastMessageID, at.UTC(), chatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// ==== MessageStore implementation ====

// CreateMessage persists a message and returns it hydrated.
func (s *SQLiteStore) CreateMessage(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	return s.createMessage(ctx, in, false)
}

// CreateMessageTouchChat persists a message and updates the chat activity marker in one transaction.
func (s *SQLiteStore) CreateMessageTouchChat(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	return s.createMessage(ctx, in, true)
}

func (s *SQLiteStore) createMessage(ctx context.Context, in store.NewMessage, touch bool) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if in.ReplyToID != nil {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ? AND chat_id = ?`, *in.ReplyToID, in.ChatID).Scan(&exists)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrReplyNotFound
			}
			return nil, fmt.Errorf("query reply target: %w", err)
		}
	}

	query := `
		INSERT INTO messages (id, chat_id, sender_id, content, type, media_url, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		in.ID, in.ChatID, in.SenderID, in.Content, string(in.Type), in.MediaURL, in.ReplyToID, in.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if touch {
		if err := touchChat(ctx, tx, in.ChatID, in.ID, in.CreatedAt); err != nil {
			return nil, err
		}
	}

	msgs, err := queryMessages(ctx, tx, `WHERE m.id = ?`, in.ID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s vanished after insert", in.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return msgs[0], nil
}

// ListMessages retrieves messages from a chat with pagination.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int, beforeID *string) ([]*store.Message, error) {
	var (
		where string
		args  []any
	)
	if beforeID != nil {
		where = `WHERE m.chat_id = ? AND m.seq < (SELECT seq FROM messages WHERE id = ?) ORDER BY m.seq DESC LIMIT ?`
		args = []any{chatID, *beforeID, limit}
	} else {
		where = `WHERE m.chat_id = ? ORDER BY m.seq DESC LIMIT ?`
		args = []any{chatID, limit}
	}

	messages, err := queryMessages(ctx, s.db, where, args...)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i := range len(messages) / 2 {
		messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
	}
	return messages, nil
}

const messageSelect = `
	SELECT m.seq, m.id, m.chat_id, m.sender_id, m.content, m.type, m.media_url, m.reply_to_id, m.created_at,
		u.username, u.display_name, u.avatar_url,
		r.id, r.content, r.type, r.created_at,
		ru.id, ru.username, ru.display_name, ru.avatar_url
	FROM messages m
	JOIN users u ON u.id = m.sender_id
	LEFT JOIN messages r ON r.id = m.reply_to_id
	LEFT JOIN users ru ON ru.id = r.sender_id
`

func queryMessages(ctx context.Context, q queryer, where string, args ...any) ([]*store.Message, error) {
	rows, err := q.QueryContext(ctx, messageSelect+strings.TrimSpace(where), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var (
			msg       store.Message
			msgType   string
			mediaURL  sql.NullString
			replyToID sql.NullString

			replyID, replyContent, replyType                         sql.NullString
			replyCreated                                             sql.NullTime
			replyUserID, replyUsername, replyDisplayName, replyAvatar sql.NullString
		)
		err := rows.Scan(
			&msg.Seq, &msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msgType, &mediaURL, &replyToID, &msg.CreatedAt,
			&msg.Sender.Username, &msg.Sender.DisplayName, &msg.Sender.AvatarURL,
			&replyID, &replyContent, &replyType, &replyCreated,
			&replyUserID, &replyUsername, &replyDisplayName, &replyAvatar,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg.Type = store.MessageType(msgType)
		msg.Sender.ID = msg.SenderID
		if mediaURL.Valid {
			msg.MediaURL = &mediaURL.String
		}
		if replyToID.Valid {
			msg.ReplyToID = &replyToID.String
		}
		if replyID.Valid {
			msg.ReplyTo = &store.ReplyPreview{
				ID:        replyID.String,
				Content:   replyContent.String,
				Type:      store.MessageType(replyType.String),
				CreatedAt: replyCreated.Time,
				Sender: store.UserSummary{
					ID:          replyUserID.String,
					Username:    replyUsername.String,
					DisplayName: replyDisplayName.String,
					AvatarURL:   replyAvatar.String,
				},
			}
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// Ensure SQLiteStore implements the store contracts.
var (
	_ store.Store               = (*SQLiteStore)(nil)
	_ store.AtomicMessageWriter = (*SQLiteStore)(nil)
)
