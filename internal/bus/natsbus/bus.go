// Package natsbus carries fan-out between instances over a NATS subject.
// Every instance publishes room and user deliveries to the same subject and
// delivers what it receives into its own registry.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/guffghar-rt/internal/core"
	"github.com/vovakirdan/guffghar-rt/internal/metrics"
)

const (
	scopeRoom = "room"
	scopeUser = "user"
)

// envelope is the wire form of a single fan-out.
type envelope struct {
	Origin string      `json:"origin"`
	Scope  string      `json:"scope"`
	Target string      `json:"target"`
	Except string      `json:"except,omitempty"`
	Event  *core.Event `json:"event"`
}

// Config describes the NATS connection.
type Config struct {
	URL        string
	Subject    string
	InstanceID string
}

// Bus implements core.Fanout on top of a NATS subject.
type Bus struct {
	nc       *nats.Conn
	subject  string
	instance string
	reg      *core.Registry
	log      *zerolog.Logger
	metrics  *metrics.Metrics

	mu  sync.Mutex
	sub *nats.Subscription
}

// Connect dials NATS with reconnects enabled.
func Connect(cfg Config, logger *zerolog.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	opts := []nats.Option{
		nats.Name("guffghar-rt " + cfg.InstanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// New builds a bus delivering into reg. nc may be nil in tests that only exercise handle.
func New(nc *nats.Conn, cfg Config, reg *core.Registry, logger *zerolog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Bus{
		nc:       nc,
		subject:  cfg.Subject,
		instance: cfg.InstanceID,
		reg:      reg,
		log:      logger,
		metrics:  m,
	}
}

// Start subscribes to the fan-out subject. A plain subscription (no queue
// group) so that every instance sees every delivery.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}
	sub, err := b.nc.Subscribe(b.subject, b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	b.log.Info().Str("subject", b.subject).Msg("fan-out bus subscribed")
	return nil
}

// Close drains the subscription and the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		_ = b.sub.Drain()
		b.sub = nil
	}
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}

func (b *Bus) ToRoom(ctx context.Context, roomID string, ev *core.Event, exceptConnID string) error {
	return b.publish(ctx, envelope{Scope: scopeRoom, Target: roomID, Except: exceptConnID, Event: ev})
}

func (b *Bus) ToUser(ctx context.Context, identityID string, ev *core.Event, exceptConnID string) error {
	return b.publish(ctx, envelope{Scope: scopeUser, Target: identityID, Except: exceptConnID, Event: ev})
}

func (b *Bus) publish(ctx context.Context, env envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env.Origin = b.instance
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Scope, err)
	}
	return nil
}

// handle runs on the subscription goroutine, so deliveries from one
// publisher reach local connections in publish order.
func (b *Bus) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Event == nil {
		b.log.Warn().Err(err).Msg("invalid fan-out envelope")
		return
	}

	switch env.Scope {
	case scopeRoom:
		n := b.reg.DeliverRoom(env.Target, env.Event, env.Except)
		b.metrics.Fanout(n)
	case scopeUser:
		b.reg.DeliverUser(env.Target, env.Event, env.Except)
	default:
		b.log.Warn().Str("scope", env.Scope).Msg("unknown fan-out scope")
	}
}
