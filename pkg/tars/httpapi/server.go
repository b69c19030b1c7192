// Package httpapi serves the loopback-only listener of a running instance:
// the relay tools for the primary child at /mcp, plus the control routes
// (injection, status, Prometheus metrics) and health.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/tars/pkg/tars/config"
	"github.com/jholhewres/tars/pkg/tars/supervisor"
)

// maxBodyBytes caps injection payloads.
const maxBodyBytes = 1 << 20

// Service is what the endpoint needs from the supervisor.
type Service interface {
	Inject(source, text string) bool
	Status() supervisor.Status
}

// Server is the HTTP listener of an instance.
type Server struct {
	svc     Service
	cfg     config.HTTPConfig
	metrics *prometheus.Registry
	relay   http.Handler
	logger  *slog.Logger

	server   *http.Server
	listener net.Listener
}

// Option customizes a Server.
type Option func(*Server)

// WithRelay mounts the relay's MCP handler at /mcp.
func WithRelay(h http.Handler) Option {
	return func(s *Server) { s.relay = h }
}

// New builds the server. Non-loopback addresses are rejected as a
// configuration error.
func New(svc Service, cfg config.HTTPConfig, metrics *prometheus.Registry, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.CheckLoopback(cfg.Addr); err != nil {
		return nil, &config.Error{Issues: []string{"http.addr: " + err.Error()}}
	}
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "httpapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	})
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Mcp-Session-Id"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(s.originMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/health", s.handleHealth)
	if s.relay != nil {
		r.Handle("/mcp", s.relay)
	}
	if s.cfg.Enabled {
		r.With(middleware.AllowContentType("application/json")).Post("/inject", s.handleInject)
		r.Get("/status", s.handleStatus)
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
		}
	}
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("listening", "address", ln.Addr().String(), "control", s.cfg.Enabled, "relay", s.relay != nil)
	return nil
}

// Addr is the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
