package mqtt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"randomness-lab/internal/clock"
	"randomness-lab/internal/metrics"
	"randomness-lab/testutil"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newStubClient(stub *stubPahoClient, cfg Config) *Client {
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"timestamps/channel/1"}
	}
	return &Client{
		config:                    cfg,
		pahoClient:                stub,
		initialSubscriptionResult: make(chan error, 1),
		clockSource:               clock.NewFakeClock(),
	}
}

func TestClientConnectWaitsForInitialSubscription(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	client := newStubClient(&stubPahoClient{}, Config{})

	done := make(chan error, 1)
	go func() {
		done <- client.Connect(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("Connect completed before subscription result: %v", err)
	case <-time.After(10 * time.Millisecond):
	}

	client.completeInitialSubscription(nil)

	require.NoError(t, testutil.WaitForError(t, done, "Connect to complete after subscription result"))
}

func TestClientConnectPropagatesSubscriptionErrorWithoutRetry(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	stub := &stubPahoClient{}
	client := newStubClient(stub, Config{ConnectRetries: 3, RetryInterval: time.Millisecond})
	client.completeInitialSubscription(errors.New("subscribe failure"))

	err := client.Connect(context.Background())
	require.ErrorContains(t, err, "subscribe failure")
	require.Equal(t, 1, stub.connectCount())
	require.Equal(t, float64(0), promtest.ToFloat64(metrics.MQTTConnected))
}

func TestClientConnectRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	stub := &stubPahoClient{}
	client := newStubClient(stub, Config{ConnectRetries: 3, RetryInterval: time.Millisecond})
	stub.connectFn = func(attempt int) paho.Token {
		if attempt < 3 {
			return &stubToken{waitTimeoutResult: true, err: errors.New("connection refused")}
		}
		client.handleConnect(stub)
		return &stubToken{waitTimeoutResult: true}
	}

	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, 3, stub.connectCount())
	require.Equal(t, float64(1), promtest.ToFloat64(metrics.MQTTConnected))
	require.Equal(t, float64(1), promtest.ToFloat64(metrics.MQTTConnectionEvents.WithLabelValues("connect")))
}

func TestClientConnectGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	stub := &stubPahoClient{connectFn: func(int) paho.Token {
		return &stubToken{waitTimeoutResult: true, err: errors.New("authentication failed")}
	}}
	client := newStubClient(stub, Config{ConnectRetries: 2, RetryInterval: time.Millisecond})

	err := client.Connect(context.Background())
	require.ErrorContains(t, err, "connect failed")
	require.ErrorContains(t, err, "authentication failed")
	require.Equal(t, 3, stub.connectCount())
	require.Zero(t, stub.subscribeCalls)
}

func TestClientConnectTimeout(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	stub := &stubPahoClient{connectFn: func(int) paho.Token {
		return &stubToken{waitTimeoutResult: false}
	}}
	client := newStubClient(stub, Config{})

	require.ErrorContains(t, client.Connect(context.Background()), "connect timeout")
	require.Equal(t, 1, stub.connectCount())
}

func TestClientConnectStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	stub := &stubPahoClient{connectFn: func(int) paho.Token {
		return &stubToken{waitTimeoutResult: false}
	}}
	client := newStubClient(stub, Config{ConnectRetries: 100, RetryInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Connect(ctx)
	}()

	_, err := testutil.WaitForCondition(context.Background(), func() (int, bool) {
		n := stub.connectCount()
		return n, n >= 1
	})
	require.NoError(t, err)
	cancel()

	require.ErrorIs(t, testutil.WaitForError(t, done, "Connect to observe cancellation"), context.Canceled)
}

func TestClientConnectInitialSubscribeTimeout(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	fakeClock := clock.NewFakeClock()
	stub := &stubPahoClient{}
	client := newStubClient(stub, Config{ConnectRetries: 5, RetryInterval: time.Millisecond})
	client.clockSource = fakeClock

	// A fire with no waiter is held for the next After call.
	fakeClock.Fire()

	require.ErrorContains(t, client.Connect(context.Background()), "initial subscribe timeout")
	require.Equal(t, 1, stub.connectCount())
}

func TestClientConnectWithNilPahoClient(t *testing.T) {
	t.Parallel()

	client := &Client{initialSubscriptionResult: make(chan error, 1)}
	require.ErrorContains(t, client.Connect(context.Background()), "client not initialized")
}

func TestHandleConnectSubscribeFailureNotifies(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	stub := &stubPahoClient{
		subscribeFn: func(string, byte, paho.MessageHandler) paho.Token {
			return &stubToken{waitTimeoutResult: true, err: errors.New("subscribe boom")}
		},
		isOpen: true,
	}
	client := newStubClient(stub, Config{})

	client.handleConnect(stub)

	err := testutil.WaitForError(t, client.initialSubscriptionResult, "subscription error to propagate")
	require.ErrorContains(t, err, "subscribe boom")
	require.Equal(t, 1, stub.subscribeCalls)
}

func TestHandleConnectCountsReconnects(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	stub := &stubPahoClient{isOpen: true}
	client := newStubClient(stub, Config{Topics: []string{"a", "b"}})

	client.handleConnect(stub)
	client.handleConnect(stub)
	client.handleConnect(stub)

	require.Equal(t, 6, stub.subscribeCalls)
	require.Equal(t, float64(1), promtest.ToFloat64(metrics.MQTTConnectionEvents.WithLabelValues("connect")))
	require.Equal(t, float64(2), promtest.ToFloat64(metrics.MQTTConnectionEvents.WithLabelValues("reconnect")))
	require.Equal(t, float64(1), promtest.ToFloat64(metrics.MQTTConnected))
}

func TestSubscribeTimeoutAndError(t *testing.T) {
	t.Parallel()

	timeout := &stubPahoClient{subscribeFn: func(string, byte, paho.MessageHandler) paho.Token {
		return &stubToken{waitTimeoutResult: false}
	}}
	client := newStubClient(timeout, Config{})
	require.ErrorContains(t, client.subscribe(timeout), "timeout")

	failing := &stubPahoClient{subscribeFn: func(string, byte, paho.MessageHandler) paho.Token {
		return &stubToken{waitTimeoutResult: true, err: errors.New("not authorized")}
	}}
	require.ErrorContains(t, client.subscribe(failing), "not authorized")
}

func TestClientCloseDisconnectsOpenConnection(t *testing.T) {
	t.Parallel()

	testutil.ResetRegistryForTest(t)

	stub := &stubPahoClient{isOpen: true}
	client := newStubClient(stub, Config{})

	client.Close()
	client.Close()

	require.Equal(t, 1, stub.disconnectCalls)
	require.Equal(t, float64(1), promtest.ToFloat64(metrics.MQTTConnectionEvents.WithLabelValues("disconnect")))

	(&Client{}).Close()
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Topics: []string{"t"}}, nil)
	require.ErrorContains(t, err, "BrokerURL required")

	_, err = NewClient(Config{BrokerURL: "tcp://localhost:1883"}, nil)
	require.ErrorContains(t, err, "at least one Topic required")
}

func TestNewClientDefaults(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{BrokerURL: "tcp://localhost:1883", Topics: []string{"t"}, QoS: 2}, NewSampleBuffer(1))
	require.NoError(t, err)
	require.Equal(t, byte(1), client.config.QoS)
	require.Equal(t, defaultConnectTimeout, client.config.ConnectTimeout)
	require.Equal(t, defaultRetryInterval, client.config.RetryInterval)

	require.True(t, strings.HasPrefix(client.ClientID(), clientIDPrefix))
	_, err = uuid.Parse(strings.TrimPrefix(client.ClientID(), clientIDPrefix))
	require.NoError(t, err)

	named, err := NewClient(Config{BrokerURL: "tcp://localhost:1883", Topics: []string{"t"}, ClientID: "bench-1"}, nil)
	require.NoError(t, err)
	require.Equal(t, "bench-1", named.ClientID())
}

func TestGenerateClientIDIsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := generateClientID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate client id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNewClientTLSBrokers(t *testing.T) {
	t.Parallel()

	for _, url := range []string{"ssl://broker:8883", "tls://broker:8883", "mqtts://broker:8883", "TCPS://broker:8883"} {
		require.True(t, isTLSBroker(url), url)
		_, err := NewClient(Config{BrokerURL: url, Topics: []string{"t"}}, nil)
		require.NoError(t, err, url)
	}
	require.False(t, isTLSBroker("tcp://broker:1883"))

	invalid := filepath.Join(t.TempDir(), "invalid.crt")
	require.NoError(t, os.WriteFile(invalid, []byte("not a valid PEM certificate"), 0o600))

	_, err := NewClient(Config{BrokerURL: "ssl://broker:8883", Topics: []string{"t"}, TLSCAFile: invalid}, nil)
	require.ErrorContains(t, err, "failed to parse CA certificate")

	_, err = NewClient(Config{BrokerURL: "ssl://broker:8883", Topics: []string{"t"}, TLSCAFile: "/nonexistent/ca.crt"}, nil)
	require.ErrorContains(t, err, "read CA certificate")
}

func TestClientAfterDurationUsesClock(t *testing.T) {
	t.Parallel()

	fakeClock := clock.NewFakeClock()
	client := &Client{clockSource: fakeClock}

	ch := client.afterDuration(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fake timer fired before Fire()")
	default:
	}

	fakeClock.Fire()
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fake timer did not fire")
	}

	select {
	case <-(&Client{}).afterDuration(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}

type stubPahoClient struct {
	mu              sync.Mutex
	connectFn       func(attempt int) paho.Token
	connects        int
	subscribeFn     func(string, byte, paho.MessageHandler) paho.Token
	subscribeCalls  int
	isOpen          bool
	disconnectCalls int
}

func (s *stubPahoClient) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *stubPahoClient) IsConnected() bool { return s.isOpen }

func (s *stubPahoClient) IsConnectionOpen() bool { return s.isOpen }

func (s *stubPahoClient) Connect() paho.Token {
	s.mu.Lock()
	s.connects++
	attempt := s.connects
	s.mu.Unlock()

	if s.connectFn != nil {
		return s.connectFn(attempt)
	}
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) Disconnect(uint) {
	s.disconnectCalls++
	s.isOpen = false
}

func (s *stubPahoClient) Publish(string, byte, bool, interface{}) paho.Token {
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	s.subscribeCalls++
	if s.subscribeFn != nil {
		return s.subscribeFn(topic, qos, nil)
	}
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) Unsubscribe(...string) paho.Token {
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) AddRoute(string, paho.MessageHandler) {}

func (s *stubPahoClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

type stubToken struct {
	waitTimeoutResult bool
	err               error
}

func (t *stubToken) Wait() bool { return t.waitTimeoutResult }

func (t *stubToken) WaitTimeout(time.Duration) bool { return t.waitTimeoutResult }

func (t *stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *stubToken) Error() error { return t.err }
