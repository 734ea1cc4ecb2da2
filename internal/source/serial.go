package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

const (
	defaultSerialBaud        = 115200
	defaultSerialReadTimeout = time.Second
	healthCheckBytes         = 256
	minDistinctBytes         = 8
)

// openPort is replaced in tests.
var openPort = func(cfg *serial.Config) (io.ReadCloser, error) {
	return serial.OpenPort(cfg)
}

// serialSource reads a hardware TRNG attached to a serial port.
type serialSource struct {
	device string

	mu   sync.Mutex
	port io.ReadCloser
}

func newSerialSource(cfg Config) (*serialSource, error) {
	if cfg.SerialDevice == "" {
		return nil, fmt.Errorf("%w: serial source requires a device", ErrNotConfigured)
	}
	baud := cfg.SerialBaud
	if baud <= 0 {
		baud = defaultSerialBaud
	}
	readTimeout := cfg.SerialReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultSerialReadTimeout
	}

	port, err := openPort(&serial.Config{
		Name:        cfg.SerialDevice,
		Baud:        baud,
		Size:        8,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("source: open serial device %s: %w", cfg.SerialDevice, err)
	}

	if err := healthCheck(port); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("source: serial device %s failed health check: %w", cfg.SerialDevice, err)
	}

	zap.S().Infof("source: serial TRNG ready on %s (%d baud)", cfg.SerialDevice, baud)
	return &serialSource{device: cfg.SerialDevice, port: port}, nil
}

func (s *serialSource) Name() string { return Serial }

func (s *serialSource) Generate(ctx context.Context, upperBound int64) (int64, error) {
	if err := checkBound(upperBound); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return 0, errors.New("source: serial device closed")
	}
	return uniformFromReader(s.port, upperBound)
}

// Close releases the serial port. It is safe to call more than once.
func (s *serialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// healthCheck reads a block from r and rejects a disconnected or stuck
// device. It cannot prove randomness.
func healthCheck(r io.Reader) error {
	buf := make([]byte, healthCheckBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read failed: %w", err)
	}

	distinct := make(map[byte]struct{}, 256)
	for _, b := range buf {
		distinct[b] = struct{}{}
	}
	switch {
	case len(distinct) == 1:
		return errors.New("device appears stuck (all sampled bytes identical)")
	case len(distinct) < minDistinctBytes:
		return fmt.Errorf("sample has too few distinct byte values (%d)", len(distinct))
	}
	return nil
}
