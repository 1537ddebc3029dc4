package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
	"github.com/davidleathers/policy-guardian/internal/service/guardian"
)

// Engine is the governance surface served over HTTP
type Engine interface {
	EvaluateCompliance(ctx context.Context, evalCtx compliance.EvaluationContext, data map[string]interface{}, userID string) *compliance.ComplianceResult
	DetectThreat(ctx context.Context, threatType threat.Type, source string, data, eventCtx map[string]interface{}) (*threat.Detection, error)
	RespondToThreat(ctx context.Context, threatID string, actions []threat.ResponseAction, agentID string) (*threat.Response, error)
	ClearEmergency(ctx context.Context, operator string) (bool, error)
	GetSystemStatus() (*guardian.Status, error)
}

// Config holds HTTP server settings
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxBodyBytes bounds request bodies; zero means 1 MiB.
	MaxBodyBytes int64
}

// Server represents the API server
type Server struct {
	config     Config
	httpServer *http.Server
	handler    *Handler
	logger     *slog.Logger
	registry   *prometheus.Registry
	limiter    *RateLimiter
}

// Option configures a Server
type Option func(*Server)

// WithRateLimiter throttles every route except /healthz and /metrics
func WithRateLimiter(l *RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// NewServer wires the routes, the Prometheus registry and the middleware
// chain. The status collector and the HTTP instruments are registered on a
// private registry served at /metrics.
func NewServer(cfg Config, engine Engine, logger *slog.Logger, opts ...Option) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(NewStatusCollector(engine)); err != nil {
		return nil, fmt.Errorf("registering status collector: %w", err)
	}
	instruments := newHTTPMetrics(registry)

	s := &Server{
		config:   cfg,
		handler:  NewHandler(engine, logger, cfg.MaxBodyBytes),
		logger:   logger,
		registry: registry,
	}
	for _, opt := range opts {
		opt(s)
	}

	var h http.Handler = s.routes()
	h = instruments.middleware(h)
	if s.limiter != nil {
		h = s.limitedExcept(h, "/healthz", "/metrics")
	}
	h = userMiddleware(h)
	h = loggingMiddleware(logger)(h)
	h = recoveryMiddleware(logger)(h)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handler.handleHealth)
	mux.HandleFunc("GET /status", s.handler.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/evaluate", s.handler.handleEvaluate)
	mux.HandleFunc("POST /v1/threats", s.handler.handleDetect)
	mux.HandleFunc("POST /v1/threats/{id}/respond", s.handler.handleRespond)
	mux.HandleFunc("POST /v1/emergency/clear", s.handler.handleClearEmergency)

	return mux
}

func (s *Server) limitedExcept(next http.Handler, paths ...string) http.Handler {
	limited := s.limiter.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range paths {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}
		limited.ServeHTTP(w, r)
	})
}

// Handler returns the full middleware wrapped handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting API server", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown server", "error", err)
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}
