package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/guffghar-rt/internal/config"
	"github.com/vovakirdan/guffghar-rt/internal/core"
	"github.com/vovakirdan/guffghar-rt/internal/metrics"
	"github.com/vovakirdan/guffghar-rt/internal/proto"
)

// StatusUnauthenticated closes a socket whose handshake credential was rejected.
const StatusUnauthenticated websocket.StatusCode = 4401

var errSlowConsumer = errors.New("slow consumer")

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub      *core.Hub
	verifier core.IdentityVerifier
	cfg      config.WSConfig
	log      *zerolog.Logger
	metrics  *metrics.Metrics

	// Hijacked connections are invisible to http.Server.Shutdown, so the
	// handler tracks its own.
	mu       sync.Mutex
	closing  bool
	active   sync.WaitGroup
	stopping context.Context
	stop     context.CancelFunc
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, verifier core.IdentityVerifier, cfg config.WSConfig, logger *zerolog.Logger, m *metrics.Metrics) *WSHandler {
	stopping, stop := context.WithCancel(context.Background())
	return &WSHandler{hub: hub, verifier: verifier, cfg: cfg, log: logger, metrics: m, stopping: stopping, stop: stop}
}

// Shutdown refuses new upgrades, closes open sockets with StatusGoingAway and
// waits until their handlers return. In-flight intents finish first.
func (h *WSHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.stop()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws shutdown: %w", ctx.Err())
	}
}

// track registers a handler with Shutdown. It reports false once shutdown began.
func (h *WSHandler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

func (h *WSHandler) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{OriginPatterns: h.cfg.AllowedOrigins}
	if len(h.cfg.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" {
			opts.InsecureSkipVerify = true
		}
	}
	return opts
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	if !h.track() {
		stdhttp.Error(w, "server shutting down", stdhttp.StatusServiceUnavailable)
		return
	}
	defer h.active.Done()

	ctx := r.Context()

	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	// The reader sees the close and unwinds the loops below.
	defer context.AfterFunc(h.stopping, func() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	})()
	if h.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxFrameBytes)
	}

	d := parseDialect(r.URL.Query().Get("dialect"))

	identity, err := h.handshake(ctx, conn, r)
	if err != nil {
		h.metrics.HandshakeFailed()
		ce := core.ToCoreError(err)
		status := StatusUnauthenticated
		if ce.Code != core.ErrCodeUnauthenticated {
			status = websocket.StatusTryAgainLater
		}
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws handshake failed")
		_ = h.writeFrame(ctx, conn, outboundFromEvent(core.ErrorEvent(ce, proto.InboundAuth), d))
		conn.Close(status, ce.Code)
		return
	}

	client := core.NewClient(uuid.NewString(), identity, h.cfg.SendBuffer)
	if err := h.hub.RegisterClient(ctx, client); err != nil {
		conn.Close(StatusUnauthenticated, core.ErrCodeUnauthenticated)
		return
	}
	defer h.hub.UnregisterClient(context.WithoutCancel(ctx), client)

	logger := h.log.With().Str("conn_id", client.ID).Str("user_id", identity.ID).Logger()
	logger.Info().Msg("client connected")

	ready := proto.Outbound{Event: proto.OutboundReady, Data: proto.ReadyData{
		ConnectionID: client.ID,
		User:         identityToProto(identity),
	}}
	if err := h.writeFrame(ctx, conn, ready); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		h.hub.ServeClient(ctx, client)
	}()

	errCh := make(chan error, 3)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, &logger)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client, d)
	}()
	go func() {
		errCh <- h.pingLoop(ctx, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutines
	<-errCh
	<-errCh
	<-serveDone

	status := websocket.StatusNormalClosure
	reason := "closing"
	if h.stopping.Err() != nil {
		status = websocket.StatusGoingAway
		reason = "server shutting down"
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if errors.Is(err, errSlowConsumer) {
			status = websocket.StatusPolicyViolation
			reason = err.Error()
			h.metrics.EventDropped("slow_consumer_closed")
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "internal error"
			logger.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	logger.Info().Msg("client disconnected")
	conn.Close(status, reason)
}

// handshake resolves the bearer credential and verifies it exactly once.
// The token comes from the Authorization header, the token query parameter
// or, failing both, a first "auth" frame.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn, r *stdhttp.Request) (core.Identity, error) {
	if h.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
		defer cancel()
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		inbound, err := readAuthFrame(ctx, r.Context(), conn)
		if err != nil {
			return core.Identity{}, fmt.Errorf("%w: no credential: %v", core.ErrUnauthenticated, err)
		}
		if inbound.Event != proto.InboundAuth {
			return core.Identity{}, fmt.Errorf("%w: expected auth frame, got %q", core.ErrUnauthenticated, inbound.Event)
		}
		var data proto.AuthData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			return core.Identity{}, fmt.Errorf("%w: malformed auth frame", core.ErrUnauthenticated)
		}
		token = data.Token
	}

	identity, err := h.verifier.VerifyIdentity(ctx, token)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.Identity{}, fmt.Errorf("%w: handshake timed out", core.ErrUnauthenticated)
		}
		return core.Identity{}, err
	}
	if !identity.Valid() {
		return core.Identity{}, core.ErrUnauthenticated
	}
	return identity, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, logger *zerolog.Logger) error {
	limiter := newRateLimiter(h.cfg.RateLimitPerMinute)

	for {
		inbound, err := readInbound(ctx, conn)
		if errors.Is(err, errMalformedFrame) {
			client.Push(transportError(proto.ErrCodeBadRequest, "frame is not a valid event envelope", ""))
			continue
		}
		if err != nil {
			return err
		}

		if inbound.Event == proto.InboundAuth {
			// Already authenticated; a repeated auth frame is ignored.
			continue
		}
		if !limiter.allow() {
			h.metrics.Intent("any", core.ErrCodeRateLimited)
			client.Push(transportError(proto.ErrCodeRateLimited, "too many events, slow down", inbound.Event))
			continue
		}

		cmd, perr := inboundToCommand(inbound)
		if perr != nil {
			logger.Debug().Str("event", inbound.Event).Str("code", perr.Code).Msg("inbound rejected")
			client.Push(transportError(perr.Code, perr.Message, perr.Event))
			continue
		}

		select {
		case client.Commands <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		case <-client.Done():
			return errSlowConsumer
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, d dialect) error {
	for {
		select {
		case event := <-client.Events():
			if err := h.writeFrame(ctx, conn, outboundFromEvent(event, d)); err != nil {
				return err
			}
		case <-client.Done():
			return errSlowConsumer
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if h.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errMalformedFrame = errors.New("malformed frame")

// readAuthFrame waits for the first frame until deadlineCtx ends. The read itself
// runs on connCtx: an expired read context would tear the socket down before
// the handshake error could be written.
func readAuthFrame(deadlineCtx, connCtx context.Context, conn *websocket.Conn) (proto.Inbound, error) {
	type result struct {
		inbound proto.Inbound
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		in, err := readInbound(connCtx, conn)
		ch <- result{in, err}
	}()

	select {
	case res := <-ch:
		return res.inbound, res.err
	case <-deadlineCtx.Done():
		return proto.Inbound{}, deadlineCtx.Err()
	}
}

// readInbound reads one frame. Unlike wsjson.Read it keeps the connection
// open when the payload is not a valid envelope.
func readInbound(ctx context.Context, conn *websocket.Conn) (proto.Inbound, error) {
	var inbound proto.Inbound
	_, b, err := conn.Read(ctx)
	if err != nil {
		return inbound, err
	}
	if err := json.Unmarshal(b, &inbound); err != nil || inbound.Event == "" {
		return inbound, errMalformedFrame
	}
	return inbound, nil
}

func (h *WSHandler) writeFrame(ctx context.Context, conn *websocket.Conn, out proto.Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, out)
}

func transportError(code, msg, event string) *core.Event {
	return core.ErrorEvent(&core.CoreError{Code: code, Message: msg}, event)
}
