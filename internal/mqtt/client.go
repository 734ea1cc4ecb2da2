// Package mqtt provides a receive-only MQTT client used by the mqtt sample
// source. It wraps the Eclipse Paho library, retries the initial connection
// with exponential backoff, resubscribes after reconnections and supports
// optional TLS transport.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"randomness-lab/internal/clock"
	"randomness-lab/internal/metrics"
	"randomness-lab/internal/tlsutil"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRetryInterval  = 500 * time.Millisecond
	maxRetryInterval      = 10 * time.Second
	clientIDPrefix        = "randomness-lab-"
)

// Handler receives MQTT messages. Implementations should return promptly.
type Handler interface {
	OnMessage(topic string, payload []byte)
}

// Config holds the broker connection parameters and the topics carrying
// sample payloads.
type Config struct {
	BrokerURL string   // e.g. "tcp://127.0.0.1:1883" or "ssl://broker:8883"
	ClientID  string   // generated when empty
	Topics    []string // topic filters, e.g. ["timestamps/channel/1"]
	QoS       byte     // 0 or 1
	Username  string
	Password  string
	TLSCAFile string // CA for ssl:// brokers; system pool when empty

	ConnectTimeout time.Duration // per attempt, default 10s
	ConnectRetries uint64        // extra attempts after the first
	RetryInterval  time.Duration // initial backoff interval, default 500ms
}

// Client is a receive-only MQTT client. It subscribes to the configured
// topics on connect and resubscribes after reconnections.
type Client struct {
	config                    Config
	pahoClient                paho.Client
	handler                   Handler
	initialSubscriptionOnce   sync.Once
	initialSubscriptionResult chan error
	connectAttempts           int32
	clockSource               clock.Clock
}

// NewClient validates config and builds the Paho client. No connection is
// opened until Connect.
func NewClient(config Config, handler Handler) (*Client, error) {
	if config.BrokerURL == "" {
		return nil, errors.New("mqtt: BrokerURL required")
	}
	if len(config.Topics) == 0 {
		return nil, errors.New("mqtt: at least one Topic required")
	}
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.QoS > 1 {
		config.QoS = 1
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}

	client := &Client{
		config:                    config,
		handler:                   handler,
		initialSubscriptionResult: make(chan error, 1),
		clockSource:               clock.RealClock{},
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetKeepAlive(20 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			if handler != nil {
				handler.OnMessage(msg.Topic(), msg.Payload())
			}
		}).
		SetOnConnectHandler(func(pc paho.Client) {
			client.handleConnect(pc)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			metrics.SetMQTTConnected(false)
			metrics.RecordMQTTDisconnect()
			zap.S().Warnf("mqtt: connection lost: %v", err)
		})

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	if isTLSBroker(config.BrokerURL) {
		tlsConfig, err := tlsutil.ClientConfig(config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: TLS configuration failed: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client.pahoClient = paho.NewClient(opts)
	return client, nil
}

// ClientID returns the identifier presented to the broker.
func (c *Client) ClientID() string {
	return c.config.ClientID
}

func isTLSBroker(brokerURL string) bool {
	lower := strings.ToLower(brokerURL)
	return strings.HasPrefix(lower, "ssl://") ||
		strings.HasPrefix(lower, "tls://") ||
		strings.HasPrefix(lower, "mqtts://") ||
		strings.HasPrefix(lower, "tcps://")
}

func generateClientID() string {
	return clientIDPrefix + uuid.NewString()
}

// Connect opens the connection and blocks until the initial subscription
// completes. Failed connection attempts are retried with exponential backoff
// up to ConnectRetries times or until ctx is done; a failed subscription is
// not retried.
func (c *Client) Connect(ctx context.Context) error {
	if c.pahoClient == nil {
		return errors.New("mqtt: client not initialized")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval()
	policy.MaxInterval = maxRetryInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		return c.connectOnce()
	}
	notify := func(err error, next time.Duration) {
		zap.S().Warnf("mqtt: connect attempt %d failed: %v, retrying in %s", attempt, err, next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.config.ConnectRetries), ctx), notify)
	if err != nil {
		metrics.SetMQTTConnected(false)
	}
	return err
}

func (c *Client) connectOnce() error {
	token := c.pahoClient.Connect()
	if !token.WaitTimeout(c.connectTimeout()) {
		return errors.New("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	select {
	case err, ok := <-c.initialSubscriptionResult:
		if !ok || err == nil {
			return nil
		}
		return backoff.Permanent(err)
	case <-c.afterDuration(c.connectTimeout()):
		return backoff.Permanent(errors.New("mqtt: initial subscribe timeout"))
	}
}

func (c *Client) connectTimeout() time.Duration {
	if c.config.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return c.config.ConnectTimeout
}

func (c *Client) retryInterval() time.Duration {
	if c.config.RetryInterval <= 0 {
		return defaultRetryInterval
	}
	return c.config.RetryInterval
}

func (c *Client) afterDuration(d time.Duration) <-chan time.Time {
	if c.clockSource == nil {
		return time.After(d)
	}
	return c.clockSource.After(d)
}

// Close disconnects from the broker with a 250 ms quiesce period.
func (c *Client) Close() {
	metrics.SetMQTTConnected(false)

	if c.pahoClient != nil && c.pahoClient.IsConnectionOpen() {
		metrics.RecordMQTTDisconnect()
		c.pahoClient.Disconnect(250)
	}
}

// handleConnect runs on every connection, including reconnections.
func (c *Client) handleConnect(pahoClient paho.Client) {
	if err := c.subscribe(pahoClient); err != nil {
		metrics.SetMQTTConnected(false)
		zap.S().Errorf("mqtt: subscribe failed: %v", err)
		c.completeInitialSubscription(fmt.Errorf("mqtt: subscribe failed: %w", err))
		return
	}

	if atomic.AddInt32(&c.connectAttempts, 1) > 1 {
		metrics.RecordMQTTReconnect()
		zap.S().Infof("mqtt: re-subscribed to %v (QoS=%d)", c.config.Topics, c.config.QoS)
	} else {
		metrics.RecordMQTTConnect()
		zap.S().Infof("mqtt: subscribed to %v (QoS=%d)", c.config.Topics, c.config.QoS)
	}

	metrics.SetMQTTConnected(true)
	c.completeInitialSubscription(nil)
}

func (c *Client) subscribe(pahoClient paho.Client) error {
	for _, topic := range c.config.Topics {
		token := pahoClient.Subscribe(topic, c.config.QoS, nil)
		if !token.WaitTimeout(c.connectTimeout()) {
			return fmt.Errorf("subscribe to %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

// completeInitialSubscription delivers the first subscription result once.
func (c *Client) completeInitialSubscription(err error) {
	c.initialSubscriptionOnce.Do(func() {
		c.initialSubscriptionResult <- err
		close(c.initialSubscriptionResult)
	})
}
