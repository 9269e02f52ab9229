// Package server exposes the orchestrator over HTTP: bundle and asset
// requests, symbolication helpers, introspection and the HMR websocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/packd/internal/buildlog"
	"git.home.luguber.info/inful/packd/internal/bundle"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/hmr"
	"git.home.luguber.info/inful/packd/internal/metrics"
	"git.home.luguber.info/inful/packd/internal/orchestrator"
	"git.home.luguber.info/inful/packd/internal/server/middleware"
)

// Compiler is the part of the orchestrator the server uses.
type Compiler interface {
	GetAsset(ctx context.Context, filename, platform string) (*orchestrator.AssetEntry, error)
	GetSource(ctx context.Context, fileURL string) ([]byte, error)
	GetSourceMap(ctx context.Context, fileURL string) ([]byte, error)
	GetHmrBody(platform string) (*bundle.Stats, error)
	Invalidate(platform string) error
	Platforms() []string
	Assets(platform string) ([]orchestrator.AssetEntry, error)
	State(platform string) (orchestrator.PlatformState, error)
}

// History lists recorded builds.
type History interface {
	List(ctx context.Context, platform string, limit int) ([]buildlog.Record, error)
}

// Subscriptions hands out HMR subscribers.
type Subscriptions interface {
	Subscribe(platform string) *hmr.Subscriber
}

type Config struct {
	Addr           string
	RequestTimeout time.Duration
	PingInterval   time.Duration
	// PongWait is how long a websocket may stay silent before it is closed.
	PongWait time.Duration
}

type Option func(*Server)

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prom.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

type Server struct {
	cfg      Config
	compiler Compiler
	hub      Subscriptions
	history  History
	gatherer prom.Gatherer
	logger   *slog.Logger
	errors   *ferrors.HTTPErrorAdapter
	upgrader websocket.Upgrader
	router   *chi.Mux
	server   *http.Server
}

func New(cfg Config, compiler Compiler, hub Subscriptions, opts ...Option) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 3
	}

	s := &Server{
		cfg:      cfg,
		compiler: compiler,
		hub:      hub,
		logger:   slog.Default(),
		router:   chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.errors = ferrors.NewHTTPErrorAdapter(s.logger)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Chain(s.logger, s.errors))

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.HTTPHandler(s.gatherer))
	}
	// Long-lived; no request timeout.
	r.Get("/__hmr", s.handleHMR)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(s.cfg.RequestTimeout))
		r.Use(chimw.GetHead)

		r.Route("/api", func(r chi.Router) {
			r.Get("/platforms", s.handlePlatforms)
			r.Post("/invalidate", s.handleInvalidate)
			r.Get("/{platform}/state", s.handleState)
			r.Get("/{platform}/stats", s.handleStats)
			r.Get("/{platform}/assets", s.handleAssets)
			r.Get("/{platform}/builds", s.handleBuilds)
		})
		r.Get("/source", s.handleSource)
		r.Get("/source-map", s.handleSourceMap)
		r.Get("/*", s.handleAsset)
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("HTTP server listening", slog.String("addr", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "serve HTTP").Build()
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "listen").
			WithContext("addr", s.cfg.Addr).
			UserAction().
			Build()
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "shutdown HTTP server").Build()
	}
	return nil
}
