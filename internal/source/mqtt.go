package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"randomness-lab/internal/mqtt"
)

const defaultMQTTWait = 5 * time.Second

// ErrNoSamples is returned when the MQTT feed delivers nothing in time.
var ErrNoSamples = errors.New("source: no samples received")

type feed interface {
	Connect(ctx context.Context) error
	Close()
}

// mqttSource serves timestamps received from an MQTT feed, reduced modulo
// upperBound+1.
type mqttSource struct {
	client feed
	buffer *mqtt.SampleBuffer
	wait   time.Duration
}

func newMQTTSource(ctx context.Context, cfg Config) (*mqttSource, error) {
	if cfg.MQTT.BrokerURL == "" || len(cfg.MQTT.Topics) == 0 {
		return nil, fmt.Errorf("%w: mqtt source requires a broker URL and topics", ErrNotConfigured)
	}

	buffer := mqtt.NewSampleBuffer(cfg.MQTTBufferSize)
	client, err := mqtt.NewClient(cfg.MQTT, buffer)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return connectMQTTSource(ctx, client, buffer, cfg.MQTTWait)
}

func connectMQTTSource(ctx context.Context, client feed, buffer *mqtt.SampleBuffer, wait time.Duration) (*mqttSource, error) {
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("source: %w", err)
	}
	if wait <= 0 {
		wait = defaultMQTTWait
	}
	return &mqttSource{client: client, buffer: buffer, wait: wait}, nil
}

func (s *mqttSource) Name() string { return MQTT }

func (s *mqttSource) Generate(ctx context.Context, upperBound int64) (int64, error) {
	if err := checkBound(upperBound); err != nil {
		return 0, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()

	value, err := s.buffer.Next(waitCtx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%w within %s", ErrNoSamples, s.wait)
	}
	return reduce(value, upperBound), nil
}

// Close disconnects from the broker.
func (s *mqttSource) Close() error {
	s.client.Close()
	return nil
}
