// Package grpc serves the standard gRPC health service. Its status follows a
// readiness probe, normally the HTTP API's readiness flag, so that gRPC-aware
// orchestrators see the same state as /api/v1/ready.
package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"randomness-lab/internal/clock"
	"randomness-lab/internal/metrics"
	"randomness-lab/internal/tlsutil"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "randomness_lab.TestRunner"

const (
	defaultPollInterval = time.Second
	defaultAddress      = "127.0.0.1:9090"
)

// Config configures a HealthServer.
type Config struct {
	Addr string
	// TLSCertFile and TLSKeyFile enable TLS; TLSCAFile additionally verifies
	// client certificates according to ClientAuth.
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	ClientAuth  tls.ClientAuthType
	// PollInterval is how often Follow re-evaluates the readiness probe.
	PollInterval time.Duration
	Clock        clock.Clock
}

// HealthServer hosts grpc.health.v1.Health. It starts NOT_SERVING.
type HealthServer struct {
	addr     string
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	serving bool
	known   bool
}

// NewHealthServer builds the server without binding a socket.
func NewHealthServer(cfg Config) (*HealthServer, error) {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddress
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	var opts []grpc.ServerOption
	if cfg.TLSCertFile != "" || cfg.TLSKeyFile != "" {
		tlsConfig, err := tlsutil.ServerConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile, cfg.ClientAuth)
		if err != nil {
			return nil, fmt.Errorf("grpc: configure TLS: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		zap.S().Infof("grpc: TLS enabled (CA: %q)", cfg.TLSCAFile)
	}

	h := &HealthServer{
		addr:     cfg.Addr,
		server:   grpc.NewServer(opts...),
		health:   health.NewServer(),
		interval: cfg.PollInterval,
		clock:    cfg.Clock,
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	h.SetServing(false)
	return h, nil
}

// Start listens on the configured address and serves in the background.
func (h *HealthServer) Start() error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("grpc: listen: %w", err)
	}
	h.Serve(listener)
	zap.S().Infof("grpc: health server listening on %s", listener.Addr())
	return nil
}

// Serve serves on an existing listener in the background.
func (h *HealthServer) Serve(listener net.Listener) {
	h.listener = listener
	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			zap.S().Errorf("grpc: serve error: %v", err)
		}
	}()
}

// Addr returns the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// SetServing publishes SERVING or NOT_SERVING for the overall status and
// ServiceName. Transitions are logged.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}

	h.mu.Lock()
	changed := !h.known || h.serving != serving
	h.serving = serving
	h.known = true
	h.mu.Unlock()

	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	metrics.SetGRPCHealthServing(serving)
	if changed {
		zap.S().Infof("grpc: health status %s", status)
	}
}

// Serving reports the last published status.
func (h *HealthServer) Serving() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serving
}

// Follow publishes probe's answer every poll interval until ctx ends.
func (h *HealthServer) Follow(ctx context.Context, probe func() bool) {
	for {
		h.SetServing(probe())
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(h.interval):
		}
	}
}

// Shutdown marks every service NOT_SERVING and stops the server, waiting
// for in-flight RPCs until ctx ends.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	h.health.Shutdown()
	metrics.SetGRPCHealthServing(false)
	h.mu.Lock()
	h.serving = false
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.server.Stop()
		return fmt.Errorf("grpc: shutdown: %w", ctx.Err())
	}
}
