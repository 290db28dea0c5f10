package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vovakirdan/guffghar-rt/internal/store"
)

//go:embed schema.sql
var schema string

// PostgresStore implements store.Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// New connects to PostgreSQL using dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ==== UserStore implementation ====

func (s *PostgresStore) CreateUser(ctx context.Context, user *store.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, username, display_name, avatar_url, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.Username, user.DisplayName, user.AvatarURL, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *PostgresStore) getUser(ctx context.Context, column, value string) (*store.User, error) {
	var user store.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, username, display_name, avatar_url, password_hash, last_active, created_at
		FROM users WHERE `+column+` = $1`, value).Scan(
		&user.ID, &user.Email, &user.Username, &user.DisplayName, &user.AvatarURL,
		&user.PasswordHash, &user.LastActive, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", value, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

func (s *PostgresStore) TouchUserActivity(ctx context.Context, userID string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE users SET last_active = $1 WHERE id = $2`, at, userID); err != nil {
		return fmt.Errorf("update last active: %w", err)
	}
	return nil
}

// ==== ChatStore implementation ====

func (s *PostgresStore) CreateChat(ctx context.Context, chat *store.Chat, memberIDs []string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chats (id, name, is_group, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			chat.ID, chat.Name, chat.IsGroup, chat.CreatedAt, chat.UpdatedAt); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}

		batch := &pgx.Batch{}
		for _, userID := range memberIDs {
			batch.Queue(`INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES ($1, $2, $3)`,
				chat.ID, userID, chat.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("add participants: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetChat(ctx context.Context, id string) (*store.Chat, error) {
	var chat store.Chat
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, is_group, last_message_id, created_at, updated_at
		FROM chats WHERE id = $1`, id).Scan(
		&chat.ID, &chat.Name, &chat.IsGroup, &chat.LastMessageID, &chat.CreatedAt, &chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query chat: %w", err)
	}
	return &chat, nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, chatID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_participants (chat_id, user_id, joined_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chat_id, user_id) DO UPDATE SET left_at = NULL, joined_at = excluded.joined_at`,
		chatID, userID)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, chatID, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_participants SET left_at = $1
		WHERE chat_id = $2 AND user_id = $3 AND left_at IS NULL`, at, chatID, userID)
	if err != nil {
		return fmt.Errorf("mark participant left: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindActiveMembership(ctx context.Context, userID, chatID string) (*store.ChatParticipant, error) {
	var p store.ChatParticipant
	err := s.pool.QueryRow(ctx, `
		SELECT chat_id, user_id, joined_at FROM chat_participants
		WHERE user_id = $1 AND chat_id = $2 AND left_at IS NULL`, userID, chatID).Scan(
		&p.ChatID, &p.UserID, &p.JoinedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query membership: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListActiveMembers(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM chat_participants
		WHERE chat_id = $1 AND left_at IS NULL
		ORDER BY joined_at ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) TouchChat(ctx context.Context, chatID, lastMessageID string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE chats SET last_message_id = $1, updated_at = $2 WHERE id = $3`,
		lastMessageID, at, chatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// ==== MessageStore implementation ====

func (s *PostgresStore) CreateMessage(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	return s.createMessage(ctx, in, false)
}

func (s *PostgresStore) CreateMessageTouchChat(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	return s.createMessage(ctx, in, true)
}

func (s *PostgresStore) createMessage(ctx context.Context, in store.NewMessage, touch bool) (*store.Message, error) {
	var msg *store.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if in.ReplyToID != nil {
			var exists bool
			err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND chat_id = $2)`,
				*in.ReplyToID, in.ChatID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("query reply target: %w", err)
			}
			if !exists {
				return store.ErrReplyNotFound
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, chat_id, sender_id, content, type, media_url, reply_to_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			in.ID, in.ChatID, in.SenderID, in.Content, string(in.Type), in.MediaURL, in.ReplyToID, in.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if touch {
			if _, err := tx.Exec(ctx, `UPDATE chats SET last_message_id = $1, updated_at = $2 WHERE id = $3`,
				in.ID, in.CreatedAt, in.ChatID); err != nil {
				return fmt.Errorf("touch chat: %w", err)
			}
		}

		msgs, err := queryMessages(ctx, tx, `WHERE m.id = $1`, in.ID)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("message %s vanished after insert", in.ID)
		}
		msg = msgs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, limit int, beforeID *string) ([]*store.Message, error) {
	var (
		messages []*store.Message
		err      error
	)
	if beforeID != nil {
		messages, err = queryMessages(ctx, s.pool,
			`WHERE m.chat_id = $1 AND m.seq < (SELECT seq FROM messages WHERE id = $2) ORDER BY m.seq DESC LIMIT $3`,
			chatID, *beforeID, limit)
	} else {
		messages, err = queryMessages(ctx, s.pool, `WHERE m.chat_id = $1 ORDER BY m.seq DESC LIMIT $2`, chatID, limit)
	}
	if err != nil {
		return nil, err
	}

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

func queryMessages(ctx context.Context, q querier, where string, args ...any) ([]*store.Message, error) {
	rows, err := q.Query(ctx, messageSelect+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var (
			msg     store.Message
			msgType string

			replyID, replyContent, replyType                          *string
			replyCreated                                              *time.Time
			replyUserID, replyUsername, replyDisplayName, replyAvatar *string
		)
		err := rows.Scan(
			&msg.Seq, &msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msgType, &msg.MediaURL, &msg.ReplyToID, &msg.CreatedAt,
			&msg.Sender.Username, &msg.Sender.DisplayName, &msg.Sender.AvatarURL,
			&replyID, &replyContent, &replyType, &replyCreated,
			&replyUserID, &replyUsername, &replyDisplayName, &replyAvatar,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg.Type = store.MessageType(msgType)
		msg.Sender.ID = msg.SenderID
		if replyID != nil {
			msg.ReplyTo = &store.ReplyPreview{
				ID:        *replyID,
				Content:   deref(replyContent),
				Type:      store.MessageType(deref(replyType)),
				CreatedAt: derefTime(replyCreated),
				Sender: store.UserSummary{
					ID:          deref(replyUserID),
					Username:    deref(replyUsername),
					DisplayName: deref(replyDisplayName),
					AvatarURL:   deref(replyAvatar),
				},
			}
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var (
	_ store.Store               = (*PostgresStore)(nil)
	_ store.AtomicMessageWriter = (*PostgresStore)(nil)
)
