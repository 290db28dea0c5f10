package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/guffghar-rt/internal/auth"
	"github.com/vovakirdan/guffghar-rt/internal/bus/natsbus"
	"github.com/vovakirdan/guffghar-rt/internal/config"
	"github.com/vovakirdan/guffghar-rt/internal/core"
	"github.com/vovakirdan/guffghar-rt/internal/metrics"
	"github.com/vovakirdan/guffghar-rt/internal/notify"
	"github.com/vovakirdan/guffghar-rt/internal/presence"
	"github.com/vovakirdan/guffghar-rt/internal/store"
	transporthttp "github.com/vovakirdan/guffghar-rt/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *transporthttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	bus             *natsbus.Bus
	rdb             *redis.Client
	tracker         *presence.RedisTracker
	kafka           *notify.KafkaNotifier
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	a := &App{shutdownTimeout: cfg.ShutdownTimeout, log: logger}

	st, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = st
	if err := st.Migrate(ctx); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database initialized")

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	reg := core.NewRegistry(m)
	opts := core.Options{
		Registry: reg,
		Notifier: notify.NewLogNotifier(logger),
		Relay: core.RelayConfig{
			PersistTimeout:  cfg.WS.PersistTimeout,
			MaxContentBytes: cfg.WS.MaxContentBytes,
		},
	}

	if cfg.NATS.URL != "" {
		busCfg := natsbus.Config{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject, InstanceID: cfg.InstanceID}
		nc, err := natsbus.Connect(busCfg, logger)
		if err != nil {
			a.cleanup()
			return nil, err
		}
		a.bus = natsbus.New(nc, busCfg, reg, logger, m)
		if err := a.bus.Start(); err != nil {
			a.cleanup()
			return nil, err
		}
		opts.Fanout = a.bus
		logger.Info().Str("subject", cfg.NATS.Subject).Msg("cluster fan-out enabled")
	}

	if cfg.Redis.Addr != "" {
		pcfg := presence.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TTL:        cfg.Redis.PresenceTTL,
			InstanceID: cfg.InstanceID,
		}
		rdb, err := presence.NewClient(ctx, pcfg)
		if err != nil {
			a.cleanup()
			return nil, err
		}
		a.rdb = rdb
		a.tracker = presence.NewRedisTracker(rdb, pcfg, logger)
		opts.Presence = a.tracker
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("cluster presence enabled")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kn, err := notify.NewKafkaNotifier(notify.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			a.cleanup()
			return nil, err
		}
		a.kafka = kn
		opts.Notifier = kn
		logger.Info().Str("topic", cfg.Kafka.Topic).Msg("offline notices go to kafka")
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWT.Secret),
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		TTL:      cfg.JWT.TTL,
	}
	verifier := auth.NewVerifier(jwtConfig, st)

	a.hub = core.NewHub(st, opts, logger, m)
	a.server = transporthttp.NewServer(transporthttp.Deps{
		Hub:      a.hub,
		Verifier: verifier,
		Metrics:  m,
		Gatherer: promReg,
	}, *cfg, logger)

	logger.Info().Str("instance_id", cfg.InstanceID).Msg("app initialized")
	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	if a.tracker != nil {
		go a.tracker.Run(ctx)
	}

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		// Returns once socket handlers are gone, so cleanup never closes the
		// store under an in-flight send.
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup waits for background notification work, then closes brokers and the store.
func (a *App) cleanup() {
	if a.hub != nil {
		a.hub.Wait()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close nats bus")
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close kafka producer")
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
