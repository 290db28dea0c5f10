package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/guffghar-rt/internal/config"
	"github.com/vovakirdan/guffghar-rt/internal/core"
	"github.com/vovakirdan/guffghar-rt/internal/metrics"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Hub      *core.Hub
	Verifier core.IdentityVerifier
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil disables /metrics
}

// Server is an http.Server whose Shutdown also drains upgraded sockets.
type Server struct {
	*stdhttp.Server
	ws *WSHandler
}

// NewServer builds an HTTP server with health, metrics and socket routes.
func NewServer(deps Deps, cfg config.Config, logger *zerolog.Logger) *Server {
	handler, ws := newHandler(deps, cfg, logger)
	return &Server{
		Server: &stdhttp.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		ws: ws,
	}
}

// Shutdown stops the listener, then closes open sockets and waits for their
// handlers, so nothing touches the store after it returns nil.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	if werr := s.ws.Shutdown(ctx); err == nil {
		err = werr
	}
	return err
}

// NewHandler builds the routed handler. Split from NewServer so tests can mount it on httptest.
func NewHandler(deps Deps, cfg config.Config, logger *zerolog.Logger) stdhttp.Handler {
	handler, _ := newHandler(deps, cfg, logger)
	return handler
}

func newHandler(deps Deps, cfg config.Config, logger *zerolog.Logger) (stdhttp.Handler, *WSHandler) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	ws := NewWSHandler(deps.Hub, deps.Verifier, cfg.WS, logger, deps.Metrics)
	router.GET("/ws", gin.WrapH(ws))

	return withCORS(cfg, router), ws
}

func withCORS(cfg config.Config, router stdhttp.Handler) stdhttp.Handler {
	return handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(corsOrigins(cfg.WS.AllowedOrigins)),
		handlers.AllowedMethods([]string{stdhttp.MethodGet, stdhttp.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(router)
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

// corsOrigins turns socket origin patterns (host[:port]) into CORS origins.
func corsOrigins(patterns []string) []string {
	if len(patterns) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(patterns)*2)
	for _, p := range patterns {
		if p == "*" {
			return []string{"*"}
		}
		out = append(out, "http://"+p, "https://"+p)
	}
	return out
}
