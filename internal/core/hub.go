package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/guffghar-rt/internal/metrics"
)

// Options wires the optional collaborators of a Hub. Nil fields fall back to
// in-process implementations backed by the hub's own registry.
type Options struct {
	Registry *Registry
	Fanout   Fanout
	Presence Presence
	Notifier OfflineNotifier
	Relay    RelayConfig
}

// Hub owns the connection registry and both relays, and serves each
// connection's intents in submission order.
type Hub struct {
	reg      *Registry
	relay    *MessageRelay
	calls    *CallRelay
	presence Presence
	gw       Gateway
	log      *zerolog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
}

// NewHub creates a new hub instance. logger and m may be nil.
func NewHub(gw Gateway, opts Options, logger *zerolog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry(m)
	}
	fanout := opts.Fanout
	if fanout == nil {
		fanout = NewLocalFanout(reg)
	}
	presence := opts.Presence
	if presence == nil {
		presence = NewLocalPresence(reg)
	}

	return &Hub{
		reg:      reg,
		relay:    newMessageRelay(reg, gw, fanout, presence, opts.Notifier, opts.Relay, logger, m),
		calls:    newCallRelay(fanout, logger, m),
		presence: presence,
		gw:       gw,
		log:      logger,
		metrics:  m,
		timeout:  opts.Relay.PersistTimeout,
	}
}

// Registry exposes the hub's connection registry.
func (h *Hub) Registry() *Registry { return h.reg }

// Calls exposes the call signaling relay.
func (h *Hub) Calls() *CallRelay { return h.calls }

// RegisterClient adds an authenticated client to the hub.
func (h *Hub) RegisterClient(ctx context.Context, c *Client) error {
	if err := h.reg.Register(c); err != nil {
		return err
	}
	h.metrics.ConnOpened()

	if err := h.presence.Connected(ctx, c.Identity.ID, c.ID); err != nil {
		h.log.Warn().Err(err).Str("conn_id", c.ID).Str("user_id", c.Identity.ID).Msg("presence connect failed")
	}
	h.touchActivity(ctx, c.Identity.ID)

	h.log.Debug().Str("conn_id", c.ID).Str("user_id", c.Identity.ID).Msg("client registered")
	return nil
}

// UnregisterClient removes the client, tells its rooms the user went offline
// and hangs up any call when this was the identity's last connection.
func (h *Hub) UnregisterClient(ctx context.Context, c *Client) {
	rooms, last, removed := h.reg.Unregister(c)
	if !removed {
		return
	}
	c.Close()
	h.metrics.ConnClosed()

	h.relay.Disconnected(ctx, c, rooms)
	if err := h.presence.Disconnected(ctx, c.Identity.ID, c.ID); err != nil {
		h.log.Warn().Err(err).Str("conn_id", c.ID).Str("user_id", c.Identity.ID).Msg("presence disconnect failed")
	}
	if last {
		h.calls.DropIdentity(ctx, c.Identity.ID)
	}
	h.touchActivity(ctx, c.Identity.ID)

	h.log.Debug().Str("conn_id", c.ID).Str("user_id", c.Identity.ID).Int("rooms", len(rooms)).Msg("client unregistered")
}

// ServeClient handles c's commands one at a time until ctx ends or c is closed.
func (h *Hub) ServeClient(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case cmd := <-c.Commands:
			if cmd != nil {
				// A started intent runs to completion, bounded by the persist timeout.
				h.Handle(context.WithoutCancel(ctx), c, cmd)
			}
		}
	}
}

// Handle runs one intent. Failures become an error event for c alone.
func (h *Hub) Handle(ctx context.Context, c *Client, cmd *Command) {
	err := h.dispatch(ctx, c, cmd)
	if err == nil {
		h.metrics.Intent(cmd.Kind.String(), "ok")
		return
	}

	ce := ToCoreError(err)
	h.metrics.Intent(cmd.Kind.String(), ce.Code)
	ev := h.log.Debug()
	if ce.Code == ErrCodePersistenceUnavailable || ce.Code == ErrCodeInternal {
		ev = h.log.Warn()
	}
	ev.Err(err).
		Str("conn_id", c.ID).
		Str("user_id", c.Identity.ID).
		Str("chat_id", cmd.ChatID).
		Str("event", cmd.Name).
		Msg("intent failed")

	c.deliver(ErrorEvent(ce, cmd.Name))
}

func (h *Hub) dispatch(ctx context.Context, c *Client, cmd *Command) error {
	switch cmd.Kind {
	case CommandJoinRoom:
		return h.relay.Join(ctx, c, cmd.ChatID)
	case CommandLeaveRoom:
		h.relay.Leave(ctx, c, cmd.ChatID)
		return nil
	case CommandSendMessage:
		_, err := h.relay.Send(ctx, c, cmd)
		return err
	case CommandTyping:
		h.relay.Typing(ctx, c, cmd.ChatID, cmd.Typing)
		return nil
	case CommandCallInvite:
		return h.calls.Invite(ctx, c, cmd.ChatID, cmd.Participants, cmd.CallType)
	case CommandCallAnswer:
		h.calls.Answer(ctx, c, cmd.ChatID, cmd.Answer)
		return nil
	case CommandCallReject:
		h.calls.Reject(ctx, c, cmd.ChatID)
		return nil
	case CommandCallEnd:
		h.calls.End(ctx, c, cmd.ChatID)
		return nil
	case CommandSignal:
		return h.calls.RelayPayload(ctx, c, cmd.Target, cmd.SignalKind, cmd.ChatID, cmd.Payload)
	default:
		return coreError(ErrCodeBadRequest, "unknown command")
	}
}

// Wait blocks until background work started by sends has finished.
func (h *Hub) Wait() {
	h.relay.Wait()
}

func (h *Hub) touchActivity(ctx context.Context, userID string) {
	if h.gw == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	if err := h.gw.TouchUserActivity(ctx, userID, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Debug().Err(err).Str("user_id", userID).Msg("touch user activity failed")
	}
}
