package source

import (
	"context"
	"math/rand/v2"
	"sync"
)

type prngSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newPRNGSource(seed uint64) *prngSource {
	return &prngSource{rng: newRand(seed)}
}

func (s *prngSource) Name() string { return PRNG }

func (s *prngSource) Generate(ctx context.Context, upperBound int64) (int64, error) {
	if err := checkBound(upperBound); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.rng.Uint64N(uint64(upperBound) + 1)), nil
}
