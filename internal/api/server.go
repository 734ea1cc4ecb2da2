// Package api serves the task runner and the test engine over HTTP.
package api

import (
	"context"
	"crypto/tls"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"randomness-lab/internal/clock"
	"randomness-lab/internal/metrics"
	"randomness-lab/internal/task"
	"randomness-lab/internal/tlsutil"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tevino/abool"
	"go.uber.org/zap"
)

const (
	defaultHTTPAddress       = "127.0.0.1:8080"
	defaultShutdownTimeout   = 5 * time.Second
	defaultIdleTimeout       = 30 * time.Second
	defaultReadTimeout       = 5 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultRateLimitRPS      = 5
	defaultRateLimitBurst    = 10
	defaultRetryAfterSeconds = 1
	defaultMaxAnalyzeBits    = 1 << 20
	baseURLV1                = "/api/v1"
)

//go:embed openapi.yaml
var openAPISpec []byte

// Config configures a Server. Zero values select the defaults.
type Config struct {
	Addr        string
	AllowPublic bool
	// RetryAfterSeconds is the minimum Retry-After sent with a 503.
	RetryAfterSeconds int
	// RateLimitRPS and RateLimitBurst shape the token bucket shared by the
	// endpoints that start work.
	RateLimitRPS   int
	RateLimitBurst int
	// MaxAnalyzeBits bounds the bit string accepted by the analyze endpoint.
	MaxAnalyzeBits int
	Clock          clock.Clock
}

// Server exposes the task manager over a loopback HTTP interface:
//   - POST /api/v1/tasks -- start a task from JSON or form fields
//   - GET  /api/v1/tasks, GET /api/v1/tasks/{id} -- task status
//   - POST /api/v1/tasks/{id}/stop -- request cancellation
//   - GET  /api/v1/tests, GET /api/v1/sources -- catalogues
//   - GET  /api/v1/sources/{name}/sample?upper_bound=N -- one direct sample
//   - POST /api/v1/analyze -- run the engine on a literal bit string
//   - GET  /api/v1/health, GET /api/v1/ready, GET /api/v1/openapi
//
// Endpoints that start work share a token-bucket rate limiter.
type Server struct {
	tasks             *task.Manager
	sources           task.SourceFactory
	server            *http.Server
	listener          net.Listener
	router            chi.Router
	ready             *abool.AtomicBool
	limiter           *tokenBucket
	shutdownTimeout   time.Duration
	retryAfterSeconds int
	maxAnalyzeBits    int
}

// NewServer builds a Server bound to cfg.Addr, which must be a loopback
// address unless cfg.AllowPublic is set. The server starts unready.
func NewServer(cfg Config, tasks *task.Manager, sources task.SourceFactory) (*Server, error) {
	if tasks == nil {
		return nil, errors.New("api server: task manager is nil")
	}
	if cfg.RetryAfterSeconds <= 0 {
		cfg.RetryAfterSeconds = defaultRetryAfterSeconds
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = defaultRateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.MaxAnalyzeBits <= 0 {
		cfg.MaxAnalyzeBits = defaultMaxAnalyzeBits
	}

	addr, err := enforceLoopbackAddr(cfg.Addr, cfg.AllowPublic)
	if err != nil {
		return nil, err
	}

	s := &Server{
		tasks:             tasks,
		sources:           sources,
		ready:             abool.New(),
		limiter:           newTokenBucket(float64(cfg.RateLimitRPS), float64(cfg.RateLimitBurst), cfg.Clock),
		shutdownTimeout:   defaultShutdownTimeout,
		retryAfterSeconds: cfg.RetryAfterSeconds,
		maxAnalyzeBits:    cfg.MaxAnalyzeBits,
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	zap.S().Infof("api server: rate limiter configured (rps=%d, burst=%d)", cfg.RateLimitRPS, cfg.RateLimitBurst)
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Route(baseURLV1, func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/openapi", handleOpenAPI)
		r.Get("/tests", s.handleTests)
		r.Get("/sources", s.handleSources)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/tasks", s.handleStartTask)
			r.Post("/tasks/{id}/stop", s.handleStopTask)
			r.Post("/analyze", s.handleAnalyze)
			r.Get("/sources/{name}/sample", s.handleSample)
		})
	})
	return r
}

// instrument records status and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(route, status, time.Since(start))
		zap.S().Debugf("api server: %s %s -> %d (%s)", r.Method, r.URL.Path, status, time.Since(start))
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// SetReady marks the server ready or unready for /ready.
func (s *Server) SetReady(ready bool) {
	s.ready.SetTo(ready)
}

// IsReady reports the readiness flag.
func (s *Server) IsReady() bool {
	return s.ready.IsSet()
}

// Start begins listening for HTTP requests. It returns an error if the
// socket cannot be bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api server: listen: %w", err)
	}
	s.serve(listener)
	zap.S().Infof("api server: listening on %s", listener.Addr())
	return nil
}

// StartTLS begins listening for HTTPS requests. caFile, when set, enables
// client certificate verification according to clientAuth.
func (s *Server) StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error {
	tlsConfig, err := tlsutil.ServerConfig(certFile, keyFile, caFile, clientAuth)
	if err != nil {
		return fmt.Errorf("api server: configure TLS: %w", err)
	}
	s.server.TLSConfig = tlsConfig

	zap.S().Infof("api server: loaded server certificate from %s", certFile)
	if caFile != "" {
		zap.S().Infof("api server: using custom CA certificate from %s for client verification", caFile)
	}

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api server: listen: %w", err)
	}
	s.serve(tls.NewListener(listener, tlsConfig))
	zap.S().Infof("api server: listening on %s (TLS enabled)", listener.Addr())
	return nil
}

func (s *Server) serve(listener net.Listener) {
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorf("api server: serve error: %v", err)
		}
	}()
}

// Shutdown marks the server unready and stops it gracefully. A nil ctx
// waits up to the default shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.UnSet()
	if s.server == nil {
		return nil
	}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
	}

	err := s.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// enforceLoopbackAddr validates that addr is a loopback address, or allows
// any address with a warning when allowPublic is set. It returns the
// canonical host:port.
func enforceLoopbackAddr(addr string, allowPublic bool) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultHTTPAddress
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("api server: invalid address %q: %w", addr, err)
	}
	if host == "" {
		return "", errors.New("api server: host must be specified")
	}
	if strings.EqualFold(host, "localhost") {
		return net.JoinHostPort("localhost", port), nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if allowPublic {
			zap.S().Warnf("api server: public binding allowed, binding to %s", addr)
			return addr, nil
		}
		return "", fmt.Errorf("api server: host %q is not loopback", host)
	}

	if !ip.IsLoopback() {
		if allowPublic {
			zap.S().Warnf("api server: public binding allowed, binding to %s", addr)
			return net.JoinHostPort(ip.String(), port), nil
		}
		return "", fmt.Errorf("api server: host %q must be loopback", host)
	}

	return net.JoinHostPort(ip.String(), port), nil
}
