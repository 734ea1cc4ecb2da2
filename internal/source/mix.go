package source

import (
	"context"
	"math/rand/v2"
	"sync"
)

// mixSource draws a 2-bit selector per sample: 1 routes to the command
// source, everything else to the time source.
type mixSource struct {
	command Source
	timing  Source

	mu  sync.Mutex
	rng *rand.Rand
}

func newMixSource(command, timing Source, seed uint64) *mixSource {
	return &mixSource{command: command, timing: timing, rng: newRand(seed)}
}

func (s *mixSource) Name() string { return Mix }

func (s *mixSource) Generate(ctx context.Context, upperBound int64) (int64, error) {
	if err := checkBound(upperBound); err != nil {
		return 0, err
	}

	s.mu.Lock()
	selector := s.rng.IntN(4)
	s.mu.Unlock()

	if selector == 1 {
		return s.command.Generate(ctx, upperBound)
	}
	return s.timing.Generate(ctx, upperBound)
}

// Close releases both underlying sources.
func (s *mixSource) Close() error {
	err := Close(s.command)
	if timingErr := Close(s.timing); err == nil {
		err = timingErr
	}
	return err
}
