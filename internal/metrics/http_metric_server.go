package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"randomness-lab/internal/tlsutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const baseURLV1 = "/api/v1"

// Server exposes Prometheus metrics on /api/v1/metrics and a liveness probe
// on /api/v1/health.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a metrics server for addr ("host:port" or ":port").
// A nil gatherer serves prometheus.DefaultGatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle(baseURLV1+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(baseURLV1+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			zap.S().Warnf("metrics: health handler write error: %v", err)
		}
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.server == nil {
		return http.NotFoundHandler()
	}
	return s.server.Handler
}

// Start serves plain HTTP until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	if s.server == nil {
		return errors.New("metrics server not initialized")
	}
	if err := validateAddress(s.addr); err != nil {
		return fmt.Errorf("metrics: invalid address %q: %w", s.addr, err)
	}

	zap.S().Infof("metrics: starting HTTP server on %s", s.addr)

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: HTTP server error: %w", err)
	}

	zap.S().Info("metrics: HTTP server stopped")
	return nil
}

// StartTLS serves HTTPS, optionally verifying client certificates against
// caFile according to clientAuth.
func (s *Server) StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error {
	if s.server == nil {
		return errors.New("metrics server not initialized")
	}
	if err := validateAddress(s.addr); err != nil {
		return fmt.Errorf("metrics: invalid address %q: %w", s.addr, err)
	}

	tlsConfig, err := tlsutil.ServerConfig(certFile, keyFile, caFile, clientAuth)
	if err != nil {
		return fmt.Errorf("metrics: configure TLS: %w", err)
	}
	s.server.TLSConfig = tlsConfig

	zap.S().Infof("metrics: starting HTTPS server on %s (cert %s)", s.addr, certFile)
	if caFile != "" {
		zap.S().Infof("metrics: verifying client certificates against %s", caFile)
	}

	err = s.server.ListenAndServeTLS("", "")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: HTTPS server error: %w", err)
	}

	zap.S().Info("metrics: HTTPS server stopped")
	return nil
}

// Shutdown gracefully stops the server within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	zap.S().Info("metrics: shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown error: %w", err)
	}
	return nil
}

// validateAddress rejects malformed host:port pairs and unresolvable hosts
// before binding.
func validateAddress(addr string) error {
	if addr == "" {
		return errors.New("empty address")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid host:port format: %w", err)
	}
	if port == "" {
		return errors.New("port is required")
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := net.LookupHost(host); err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}
	return nil
}
