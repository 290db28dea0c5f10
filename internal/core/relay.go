package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/guffghar-rt/internal/metrics"
	"github.com/vovakirdan/guffghar-rt/internal/store"
)

const (
	defaultMaxContentBytes = 4000
	notificationPreviewLen = 100
)

// Gateway is the persistence surface the realtime core consumes.
// store.Store satisfies it.
type Gateway interface {
	MembershipFinder
	CreateMessage(ctx context.Context, in store.NewMessage) (*store.Message, error)
	TouchChat(ctx context.Context, chatID, lastMessageID string, at time.Time) error
	ListActiveMembers(ctx context.Context, chatID string) ([]string, error)
	TouchUserActivity(ctx context.Context, userID string, at time.Time) error
}

// RelayConfig bounds the message relay.
type RelayConfig struct {
	PersistTimeout  time.Duration
	MaxContentBytes int
}

// MessageRelay runs the join/leave/send/typing flow for chat rooms.
// Fan-out happens only after the message is durably written.
type MessageRelay struct {
	reg      *Registry
	auth     *Authorizer
	gw       Gateway
	fanout   Fanout
	presence Presence
	notifier OfflineNotifier
	log      *zerolog.Logger
	metrics  *metrics.Metrics
	cfg      RelayConfig
	seq      *roomSequencer

	now func() time.Time
	wg  sync.WaitGroup
}

func newMessageRelay(reg *Registry, gw Gateway, fanout Fanout, presence Presence, notifier OfflineNotifier,
	cfg RelayConfig, logger *zerolog.Logger, m *metrics.Metrics) *MessageRelay {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	return &MessageRelay{
		reg:      reg,
		auth:     NewAuthorizer(gw, cfg.PersistTimeout),
		gw:       gw,
		fanout:   fanout,
		presence: presence,
		notifier: notifier,
		log:      logger,
		metrics:  m,
		cfg:      cfg,
		seq:      newRoomSequencer(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Join subscribes c to roomID after a fresh membership check.
func (r *MessageRelay) Join(ctx context.Context, c *Client, roomID string) error {
	if roomID == "" {
		return validationError("chatId is required")
	}
	ok, err := r.auth.Authorize(ctx, c.Identity.ID, roomID)
	if err != nil {
		return err
	}
	if !ok {
		// Removed from the chat while connected: drop any live subscription.
		r.Leave(ctx, c, roomID)
		return ErrUnauthorized
	}

	added := r.reg.JoinRoom(c, roomID)
	identity := c.Identity
	c.deliver(&Event{Kind: EventJoined, ChatID: roomID, User: &identity})
	if added {
		r.emit(ctx, roomID, &Event{Kind: EventUserOnline, ChatID: roomID, User: &identity}, c.ID)
	}
	return nil
}

// Leave unsubscribes c from roomID. Leaving a room that was never joined is a no-op.
func (r *MessageRelay) Leave(ctx context.Context, c *Client, roomID string) {
	if !r.reg.LeaveRoom(c, roomID) {
		return
	}
	identity := c.Identity
	r.emit(ctx, roomID, &Event{Kind: EventUserOffline, ChatID: roomID, User: &identity}, c.ID)
}

// Disconnected tells every room c was in that its user went away.
func (r *MessageRelay) Disconnected(ctx context.Context, c *Client, rooms []string) {
	identity := c.Identity
	for _, roomID := range rooms {
		r.emit(ctx, roomID, &Event{Kind: EventUserOffline, ChatID: roomID, User: &identity}, c.ID)
	}
}

// Send validates, persists and fans out a message.
func (r *MessageRelay) Send(ctx context.Context, c *Client, cmd *Command) (*store.Message, error) {
	if cmd.ChatID == "" {
		return nil, validationError("chatId is required")
	}
	ok, err := r.auth.Authorize(ctx, c.Identity.ID, cmd.ChatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.Leave(ctx, c, cmd.ChatID)
		return nil, ErrUnauthorized
	}

	in, err := r.newMessage(c, cmd)
	if err != nil {
		return nil, err
	}

	emit := func(m *store.Message) {
		if err := r.fanout.ToRoom(ctx, m.ChatID, &Event{Kind: EventMessage, ChatID: m.ChatID, Message: m}, ""); err != nil {
			// The message is durable; subscribers that missed it will load it from history.
			r.log.Warn().Err(err).Str("chat_id", m.ChatID).Str("message_id", m.ID).Msg("message fan-out failed")
		}
	}

	slot := r.seq.reserve(in.ChatID)
	msg, err := r.persist(ctx, in)
	if err != nil {
		r.seq.resolve(in.ChatID, slot, nil, emit)
		return nil, err
	}
	r.metrics.MessagePersisted()
	r.seq.resolve(in.ChatID, slot, msg, emit)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.notifyAbsent(c.Identity, msg)
	}()
	return msg, nil
}

// Typing relays a typing indicator to the other subscribers. Dropped unless c is subscribed.
func (r *MessageRelay) Typing(ctx context.Context, c *Client, roomID string, typing bool) {
	if !r.reg.InRoom(c, roomID) {
		return
	}
	kind := EventStoppedTyping
	if typing {
		kind = EventTyping
	}
	identity := c.Identity
	r.emit(ctx, roomID, &Event{Kind: kind, ChatID: roomID, User: &identity}, c.ID)
}

// Wait blocks until background notification work has finished.
func (r *MessageRelay) Wait() {
	r.wg.Wait()
}

func (r *MessageRelay) newMessage(c *Client, cmd *Command) (store.NewMessage, error) {
	content := strings.TrimSpace(cmd.Content)
	if content == "" {
		return store.NewMessage{}, validationError("content must not be empty")
	}
	if len(content) > r.cfg.MaxContentBytes {
		return store.NewMessage{}, validationError(fmt.Sprintf("content exceeds %d bytes", r.cfg.MaxContentBytes))
	}

	typ := cmd.Type
	if typ == "" {
		typ = store.MessageTypeText
	}
	if !typ.Valid() {
		return store.NewMessage{}, validationError(fmt.Sprintf("unknown message type %q", typ))
	}

	var mediaURL *string
	if cmd.MediaURL != nil && *cmd.MediaURL != "" {
		if !validMediaURL(*cmd.MediaURL) {
			return store.NewMessage{}, validationError("mediaUrl must be an absolute http(s) URL")
		}
		mediaURL = cmd.MediaURL
	}

	var replyTo *string
	if cmd.ReplyToID != nil && *cmd.ReplyToID != "" {
		replyTo = cmd.ReplyToID
	}

	id, err := uuid.NewV7()
	if err != nil {
		return store.NewMessage{}, fmt.Errorf("message id: %w", err)
	}

	return store.NewMessage{
		ID:        id.String(),
		ChatID:    cmd.ChatID,
		SenderID:  c.Identity.ID,
		Content:   content,
		Type:      typ,
		MediaURL:  mediaURL,
		ReplyToID: replyTo,
		CreatedAt: r.now(),
	}, nil
}

func (r *MessageRelay) persist(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	if r.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PersistTimeout)
		defer cancel()
	}

	if atomic, ok := r.gw.(store.AtomicMessageWriter); ok {
		msg, err := atomic.CreateMessageTouchChat(ctx, in)
		if err != nil {
			return nil, persistError(err)
		}
		return msg, nil
	}

	msg, err := r.gw.CreateMessage(ctx, in)
	if err != nil {
		return nil, persistError(err)
	}
	if err := r.gw.TouchChat(ctx, msg.ChatID, msg.ID, msg.CreatedAt); err != nil {
		r.log.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("touch chat failed")
	}
	return msg, nil
}

func persistError(err error) error {
	if errors.Is(err, store.ErrReplyNotFound) {
		return validationError("replyToId does not reference a message in this chat")
	}
	return fmt.Errorf("%w: create message: %v", ErrPersistenceUnavailable, err)
}

// notifyAbsent covers members who did not see the message in the room:
// offline members go to the notifier, online members elsewhere get an in-app nudge.
func (r *MessageRelay) notifyAbsent(sender Identity, msg *store.Message) {
	ctx := context.Background()
	if r.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PersistTimeout)
		defer cancel()
	}

	members, err := r.gw.ListActiveMembers(ctx, msg.ChatID)
	if err != nil {
		r.log.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("list members for notification failed")
		return
	}

	preview := truncateRunes(msg.Content, notificationPreviewLen)
	for _, member := range members {
		if member == sender.ID {
			continue
		}
		online, err := r.presence.IsOnline(ctx, member)
		if err != nil {
			r.log.Warn().Err(err).Str("user_id", member).Msg("presence lookup failed")
			continue
		}
		if !online {
			if r.notifier == nil {
				continue
			}
			notice := OfflineNotice{
				UserID:     member,
				ChatID:     msg.ChatID,
				MessageID:  msg.ID,
				SenderID:   sender.ID,
				SenderName: sender.Name(),
				Preview:    preview,
			}
			if err := r.notifier.NotifyOffline(ctx, notice); err != nil {
				r.log.Warn().Err(err).Str("user_id", member).Msg("offline notification failed")
			}
			continue
		}
		if r.reg.WatchingRoom(member, msg.ChatID) {
			continue
		}
		ev := &Event{Kind: EventNotification, ChatID: msg.ChatID, Notification: &Notification{
			Type:     "MESSAGE",
			Title:    sender.Name(),
			Content:  preview,
			ChatID:   msg.ChatID,
			SenderID: sender.ID,
		}}
		if err := r.fanout.ToUser(ctx, member, ev, ""); err != nil {
			r.log.Debug().Err(err).Str("user_id", member).Msg("notification fan-out failed")
		}
	}
}

func (r *MessageRelay) emit(ctx context.Context, roomID string, ev *Event, exceptConnID string) {
	if err := r.fanout.ToRoom(ctx, roomID, ev, exceptConnID); err != nil {
		r.log.Debug().Err(err).Str("chat_id", roomID).Str("event", ev.Kind.String()).Msg("fan-out failed")
	}
}

func validMediaURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
