package source

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"randomness-lab/internal/clock"
)

const (
	minJitter   = time.Microsecond
	jitterRange = time.Microsecond
	// timeDigits keeps the six least significant decimal digits of now/100ns.
	timeDigits = 1_000_000
)

// timeSource derives samples from the low digits of the wall clock after a
// random 1-2 microsecond sleep.
type timeSource struct {
	clock clock.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

func newTimeSource(c clock.Clock, seed uint64) *timeSource {
	return &timeSource{clock: c, rng: newRand(seed)}
}

func (s *timeSource) Name() string { return Time }

func (s *timeSource) Generate(ctx context.Context, upperBound int64) (int64, error) {
	if err := checkBound(upperBound); err != nil {
		return 0, err
	}

	s.mu.Lock()
	jitter := minJitter + time.Duration(s.rng.Int64N(int64(jitterRange)+1))
	s.mu.Unlock()

	if err := s.clock.Sleep(ctx, jitter); err != nil {
		return 0, err
	}

	digits := (s.clock.Now().UnixNano() / 100) % timeDigits
	if digits < 0 {
		digits = -digits
	}
	return reduce(uint64(digits), upperBound), nil
}
