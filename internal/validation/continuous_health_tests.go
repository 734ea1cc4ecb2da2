package validation

import (
	"sync"
)

// Default continuous health test parameters. The repetition cutoff of 40
// corresponds to a false-positive rate of about 2^-40 for a one-bit source;
// the adaptive proportion window is sized for the few hundred samples of a
// typical test run.
const (
	DefaultRepetitionCutoff = 40
	DefaultProportionCutoff = 410
	DefaultProportionWindow = 512
)

// RepetitionCountTest detects a stuck source by counting consecutive
// identical samples. It fails once a value repeats cutoff times in a row.
// All methods are safe for concurrent use.
type RepetitionCountTest struct {
	mu          sync.Mutex
	cutoff      int
	lastSample  int64
	repeatCount int
	initialized bool
}

// NewRepetitionCountTest returns a RepetitionCountTest with the given
// cutoff. Non-positive cutoffs default to DefaultRepetitionCutoff.
func NewRepetitionCountTest(cutoff int) *RepetitionCountTest {
	if cutoff <= 0 {
		cutoff = DefaultRepetitionCutoff
	}
	return &RepetitionCountTest{cutoff: cutoff}
}

// Test records sample and reports whether the run of identical samples is
// still below the cutoff.
func (rct *RepetitionCountTest) Test(sample int64) bool {
	rct.mu.Lock()
	defer rct.mu.Unlock()

	if !rct.initialized || sample != rct.lastSample {
		rct.lastSample = sample
		rct.repeatCount = 1
		rct.initialized = true
		return true
	}

	rct.repeatCount++
	return rct.repeatCount < rct.cutoff
}

// Reset returns the test to its uninitialised state.
func (rct *RepetitionCountTest) Reset() {
	rct.mu.Lock()
	defer rct.mu.Unlock()

	rct.lastSample = 0
	rct.repeatCount = 0
	rct.initialized = false
}

// State returns the last sample and its current repeat count.
func (rct *RepetitionCountTest) State() (int64, int) {
	rct.mu.Lock()
	defer rct.mu.Unlock()

	return rct.lastSample, rct.repeatCount
}

// AdaptiveProportionTest detects bias by counting how often the first
// sample of each window of windowSize samples recurs within that window. A
// completed window fails when the count reaches cutoff.
// All methods are safe for concurrent use.
type AdaptiveProportionTest struct {
	mu          sync.Mutex
	cutoff      int
	windowSize  int
	firstSample int64
	matchCount  int
	sampleCount int
}

// NewAdaptiveProportionTest returns an AdaptiveProportionTest. Non-positive
// values fall back to DefaultProportionCutoff and DefaultProportionWindow.
func NewAdaptiveProportionTest(cutoff, windowSize int) *AdaptiveProportionTest {
	if cutoff <= 0 {
		cutoff = DefaultProportionCutoff
	}
	if windowSize <= 0 {
		windowSize = DefaultProportionWindow
	}
	return &AdaptiveProportionTest{cutoff: cutoff, windowSize: windowSize}
}

// Test records sample. It returns true while a window is filling and the
// window's verdict when sample completes it; the next sample opens a new
// window.
func (apt *AdaptiveProportionTest) Test(sample int64) bool {
	apt.mu.Lock()
	defer apt.mu.Unlock()

	if apt.sampleCount == 0 {
		apt.firstSample = sample
		apt.matchCount = 1
	} else if sample == apt.firstSample {
		apt.matchCount++
	}
	apt.sampleCount++

	if apt.sampleCount < apt.windowSize {
		return true
	}

	passed := apt.matchCount < apt.cutoff
	apt.sampleCount = 0
	apt.matchCount = 0
	return passed
}

// Reset discards the current window.
func (apt *AdaptiveProportionTest) Reset() {
	apt.mu.Lock()
	defer apt.mu.Unlock()

	apt.firstSample = 0
	apt.matchCount = 0
	apt.sampleCount = 0
}

// State returns the current window's first sample, match count and fill.
func (apt *AdaptiveProportionTest) State() (int64, int, int) {
	apt.mu.Lock()
	defer apt.mu.Unlock()

	return apt.firstSample, apt.matchCount, apt.sampleCount
}
