package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"randomness-lab/internal/source"
	"randomness-lab/internal/task"
	"randomness-lab/testutil"

	"github.com/stretchr/testify/require"
)

func prngSources(ctx context.Context, name string) (source.Source, error) {
	return source.New(ctx, name, source.Config{Seed: 17})
}

func newTestServer(t *testing.T, cfg Config, taskCfg task.Config) *Server {
	t.Helper()

	manager := task.NewManager(taskCfg, prngSources)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, manager.Shutdown(ctx))
	})

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	server, err := NewServer(cfg, manager, prngSources)
	require.NoError(t, err)
	return server
}

func startOrSkip(t *testing.T, start func() error) {
	t.Helper()

	if err := start(); err != nil {
		if testutil.IsListenPermissionError(err) {
			t.Skipf("skipping API server test: %v", err)
		}
		t.Fatalf("expected Start to succeed, got error: %v", err)
	}
}

func getWithRetry(t *testing.T, client *http.Client, url string) *http.Response {
	t.Helper()

	var (
		resp *http.Response
		err  error
	)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = client.Get(url)
		if err == nil {
			return resp
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("failed to reach %s: %v", url, err)
	return nil
}

func TestEnforceLoopbackAddrAllowsLoopbackHosts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		addr     string
		expected string
	}{
		{"ipv4 loopback", "127.0.0.1:8080", "127.0.0.1:8080"},
		{"localhost", "LocalHost:9000", "localhost:9000"},
		{"ipv6 loopback", "[::1]:7000", "[::1]:7000"},
		{"default", "  ", defaultHTTPAddress},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			addr, err := enforceLoopbackAddr(tc.addr, false)
			require.NoError(t, err)
			require.Equal(t, tc.expected, addr)
		})
	}
}

func TestEnforceLoopbackAddrRejectsUnsafeHosts(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"0.0.0.0:8080", "192.168.1.10:80", ":9000", "example.com:80", "no-port"} {
		t.Run(addr, func(t *testing.T) {
			t.Parallel()
			_, err := enforceLoopbackAddr(addr, false)
			require.Error(t, err)
		})
	}
}

func TestEnforceLoopbackAddrAllowsPublicWhenConfigured(t *testing.T) {
	t.Parallel()

	addr, err := enforceLoopbackAddr("0.0.0.0:8080", true)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", addr)

	addr, err = enforceLoopbackAddr("example.com:9000", true)
	require.NoError(t, err)
	require.Equal(t, "example.com:9000", addr)
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	manager := task.NewManager(task.Config{}, prngSources)

	_, err := NewServer(Config{Addr: "192.168.0.5:8080"}, manager, prngSources)
	require.ErrorContains(t, err, "must be loopback")

	_, err = NewServer(Config{}, nil, prngSources)
	require.ErrorContains(t, err, "task manager is nil")

	server, err := NewServer(Config{}, manager, prngSources)
	require.NoError(t, err)
	require.Equal(t, defaultHTTPAddress, server.Addr())
	require.Equal(t, defaultRetryAfterSeconds, server.retryAfterSeconds)
	require.Equal(t, defaultMaxAnalyzeBits, server.maxAnalyzeBits)
	require.Equal(t, float64(defaultRateLimitBurst), server.limiter.capacity)
	require.False(t, server.IsReady())
}

func TestServerStartLifecycle(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	server := newTestServer(t, Config{}, task.Config{})
	t.Cleanup(func() { _ = server.Shutdown(context.TODO()) })
	startOrSkip(t, server.Start)
	server.SetReady(true)

	resp := getWithRetry(t, http.DefaultClient, fmt.Sprintf("http://%s/api/v1/ready", server.listener.Addr()))
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Shutdown(context.TODO()))
	require.False(t, server.IsReady())
}

func TestServerStartFailsOnBoundPort(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	first := newTestServer(t, Config{}, task.Config{})
	t.Cleanup(func() { _ = first.Shutdown(context.TODO()) })
	startOrSkip(t, first.Start)

	second := newTestServer(t, Config{Addr: first.listener.Addr().String()}, task.Config{})
	require.ErrorContains(t, second.Start(), "listen")
}

func TestServerStartTLS(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	certPath, keyPath := testutil.WriteSelfSignedCert(t)
	server := newTestServer(t, Config{}, task.Config{})
	t.Cleanup(func() { _ = server.Shutdown(context.TODO()) })
	startOrSkip(t, func() error {
		return server.StartTLS(certPath, keyPath, "", tls.NoClientCert)
	})

	pem, err := os.ReadFile(certPath)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pem))
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}

	resp := getWithRetry(t, client, fmt.Sprintf("https://%s/api/v1/health", server.listener.Addr()))
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "status=ok")
}

func TestServerStartTLSMissingCertificate(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, Config{}, task.Config{})
	err := server.StartTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", "", tls.NoClientCert)
	require.ErrorContains(t, err, "configure TLS")
}

func TestServerShutdownVariants(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, Config{}, task.Config{})
	require.NoError(t, server.Shutdown(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, server.Shutdown(ctx))

	var empty Server
	empty.ready = server.ready
	require.NoError(t, empty.Shutdown(context.TODO()))
}
