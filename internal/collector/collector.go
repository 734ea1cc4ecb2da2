// Package collector draws samples from a source, reporting progress and
// running continuous health tests on the sample stream so that a stuck
// source is noticed while the sequence is still being assembled.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"randomness-lab/internal/clock"
	"randomness-lab/internal/metrics"
	"randomness-lab/internal/source"
	"randomness-lab/internal/validation"

	"go.uber.org/zap"
)

// ErrInvalidCount is returned when fewer than one sample is requested.
var ErrInvalidCount = errors.New("collector: sample count must be positive")

// Progress describes collection progress after Collected of Total samples.
type Progress struct {
	Collected int
	Total     int
	Percent   int
}

// ProgressFunc receives progress updates. It runs on the collecting
// goroutine and should return promptly.
type ProgressFunc func(Progress)

// Report is the outcome of a collection run. Samples holds everything
// drawn before an error or cancellation.
type Report struct {
	Source             string
	Samples            []int64
	RepetitionFailures int
	ProportionFailures int
	Elapsed            time.Duration
}

// Option configures a collection run.
type Option func(*settings)

type settings struct {
	progressEvery    int
	onProgress       ProgressFunc
	repetitionCutoff int
	proportionCutoff int
	proportionWindow int
	clockSource      clock.Clock
}

// WithProgress reports progress every `every` samples and at the last
// sample. A non-positive interval reports at each whole percent.
func WithProgress(every int, fn ProgressFunc) Option {
	return func(s *settings) {
		s.progressEvery = every
		s.onProgress = fn
	}
}

// WithHealthCutoffs overrides the continuous health test parameters.
func WithHealthCutoffs(repetitionCutoff, proportionCutoff, proportionWindow int) Option {
	return func(s *settings) {
		s.repetitionCutoff = repetitionCutoff
		s.proportionCutoff = proportionCutoff
		s.proportionWindow = proportionWindow
	}
}

// WithClock injects a clock for elapsed-time measurement in tests.
func WithClock(clockSource clock.Clock) Option {
	return func(s *settings) {
		s.clockSource = clockSource
	}
}

// Collect draws n samples in [0, upperBound] from src. The context is
// checked before every draw; on cancellation the samples collected so far
// are returned with the context error. Source errors abort the run.
func Collect(ctx context.Context, src source.Source, upperBound int64, n int, opts ...Option) (report Report, err error) {
	cfg := settings{
		repetitionCutoff: validation.DefaultRepetitionCutoff,
		proportionCutoff: validation.DefaultProportionCutoff,
		proportionWindow: validation.DefaultProportionWindow,
		clockSource:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	report.Source = src.Name()
	if n <= 0 {
		return report, fmt.Errorf("%w: %d", ErrInvalidCount, n)
	}

	every := cfg.progressEvery
	if every <= 0 {
		every = max(1, n/100)
	}

	rct := validation.NewRepetitionCountTest(cfg.repetitionCutoff)
	apt := validation.NewAdaptiveProportionTest(cfg.proportionCutoff, cfg.proportionWindow)

	start := cfg.clockSource.Now()
	defer func() {
		report.Elapsed = cfg.clockSource.Now().Sub(start)
	}()

	report.Samples = make([]int64, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			zap.S().Infof("collector: %s stopped after %d/%d samples: %v", report.Source, i, n, err)
			return report, err
		}

		sample, err := src.Generate(ctx, upperBound)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			metrics.RecordSourceError(report.Source)
			return report, fmt.Errorf("collector: sample %d from %s: %w", i+1, report.Source, err)
		}
		metrics.RecordSample(report.Source)
		report.Samples = append(report.Samples, sample)

		if !rct.Test(sample) {
			report.RepetitionFailures++
			metrics.RecordContinuousRCTFailure()
			value, count := rct.State()
			zap.S().Warnf("collector: %s repetition count test failed (value %d repeated %d times)", report.Source, value, count)
			rct.Reset()
		}
		if !apt.Test(sample) {
			report.ProportionFailures++
			metrics.RecordContinuousAPTFailure()
			value, _, _ := apt.State()
			zap.S().Warnf("collector: %s adaptive proportion test failed (value %d dominated a window of %d samples)", report.Source, value, cfg.proportionWindow)
		}

		collected := i + 1
		if cfg.onProgress != nil && (collected%every == 0 || collected == n) {
			cfg.onProgress(Progress{Collected: collected, Total: n, Percent: collected * 100 / n})
		}
	}

	return report, nil
}
