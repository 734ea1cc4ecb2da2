// Package source provides the sample generators that feed the randomness
// tests. Every source draws integers uniformly (as far as the underlying
// mechanism allows) from [0, upperBound] and reports failures as errors
// rather than substituting a value.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"randomness-lab/internal/clock"
	"randomness-lab/internal/mqtt"
)

// Source names accepted by New.
const (
	PRNG    = "prng"
	Time    = "time"
	Command = "command"
	Serial  = "serial"
	MQTT    = "mqtt"
	Mix     = "mix"
)

var (
	// ErrUnknownSource is returned by New for names outside the registry.
	ErrUnknownSource = errors.New("source: unknown source")
	// ErrInvalidBound is returned by Generate for a negative upper bound.
	ErrInvalidBound = errors.New("source: upper bound must be non-negative")
	// ErrNotConfigured is returned by New when a source lacks required settings.
	ErrNotConfigured = errors.New("source: not configured")
)

var names = []string{PRNG, Time, Command, Serial, MQTT, Mix}

var displayNames = map[string]string{
	PRNG:    "Go PRNG Generator (math/rand)",
	Time:    "Time Nano Generator",
	Command: "External Command Generator",
	Serial:  "Serial TRNG Generator",
	MQTT:    "MQTT Timestamp Generator",
	Mix:     "Mixed Generator (command + time)",
}

// Source produces one sample per Generate call.
type Source interface {
	Name() string
	Generate(ctx context.Context, upperBound int64) (int64, error)
}

// Config carries the settings of every source; each source reads only its
// own section.
type Config struct {
	// Seed seeds the PRNG source and the mix selector; zero picks a random seed.
	Seed  uint64
	Clock clock.Clock

	// Command is the generator argv; the upper bound is appended as the last argument.
	Command        []string
	CommandDir     string
	CommandTimeout time.Duration

	SerialDevice      string
	SerialBaud        int
	SerialReadTimeout time.Duration

	MQTT           mqtt.Config
	MQTTBufferSize int
	// MQTTWait bounds how long Generate waits for a buffered sample.
	MQTTWait time.Duration
}

// Names lists the registered source names in display order.
func Names() []string {
	return append([]string(nil), names...)
}

// DisplayName returns the human readable name of a registered source.
func DisplayName(name string) (string, bool) {
	display, ok := displayNames[name]
	return display, ok
}

// New builds the named source. Sources holding external resources (serial
// port, broker connection) acquire them here and release them in Close.
func New(ctx context.Context, name string, cfg Config) (Source, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	switch name {
	case PRNG:
		return newPRNGSource(cfg.Seed), nil
	case Time:
		return newTimeSource(cfg.Clock, cfg.Seed), nil
	case Command:
		return newCommandSource(cfg)
	case Serial:
		return newSerialSource(cfg)
	case MQTT:
		return newMQTTSource(ctx, cfg)
	case Mix:
		cmd, err := newCommandSource(cfg)
		if err != nil {
			return nil, err
		}
		return newMixSource(cmd, newTimeSource(cfg.Clock, cfg.Seed), cfg.Seed), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
}

// Close releases the resources held by src, if any.
func Close(src Source) error {
	if closer, ok := src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func checkBound(upperBound int64) error {
	if upperBound < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBound, upperBound)
	}
	return nil
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
