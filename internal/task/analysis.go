package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"randomness-lab/internal/bitseq"
	"randomness-lab/internal/metrics"
	"randomness-lab/internal/validation"
)

// BatteryTestType selects the whole catalogue instead of a single test.
const BatteryTestType = "battery"

// ErrUnknownTest is returned for a test type that is neither a catalogue
// identifier nor BatteryTestType.
var ErrUnknownTest = errors.New("task: unknown test type")

// Analysis is the outcome of running a test type against one sequence.
// Exactly one of Result and Battery is set.
type Analysis struct {
	TestType string                    `json:"test_type"`
	Bits     int                       `json:"bits"`
	Result   validation.Result         `json:"result,omitempty"`
	Battery  *validation.BatteryReport `json:"battery,omitempty"`
}

// Passed reports whether the single test, or every battery test, passed.
func (a Analysis) Passed() bool {
	if a.Battery != nil {
		return a.Battery.AllPassed()
	}
	return a.Result != nil && a.Result.Succeeded()
}

func (a Analysis) String() string {
	if a.Battery == nil {
		if a.Result == nil {
			return ""
		}
		return a.Result.String()
	}

	var b strings.Builder
	for _, entry := range a.Battery.Entries {
		fmt.Fprintf(&b, "%-10s %s\n", entry.ID, entry.Result)
	}
	fmt.Fprintf(&b, "Battery: %d passed, %d failed over %d bits; min-entropy %.3f bits/byte (MCV %.3f, collision %.3f)",
		a.Battery.Passed, a.Battery.Failed, a.Battery.Bits,
		a.Battery.MinEntropy.Conservative, a.Battery.MinEntropy.MCV, a.Battery.MinEntropy.Collision)
	return b.String()
}

// ValidTestType reports whether id names a catalogue test or the battery.
func ValidTestType(id string) bool {
	if id == BatteryTestType {
		return true
	}
	_, ok := validation.Lookup(id)
	return ok
}

// TestTypes lists every accepted test type, catalogue order first.
func TestTypes() []string {
	entries := validation.Catalogue()
	out := make([]string, 0, len(entries)+1)
	for _, entry := range entries {
		out = append(out, entry.ID)
	}
	return append(out, BatteryTestType)
}

// Analyze runs testType against seq and records the outcome in the metrics.
// Test failures are part of the Analysis; the error covers an unknown test
// type and cancellation of a battery run.
func Analyze(ctx context.Context, seq bitseq.Sequence, testType string) (Analysis, error) {
	analysis := Analysis{TestType: testType, Bits: seq.Len()}

	if testType == BatteryTestType {
		report, err := validation.RunBattery(ctx, seq, nil)
		if err != nil {
			return analysis, err
		}
		metrics.RecordSequenceBits(seq.Len())
		for _, entry := range report.Entries {
			recordResult(entry.Result, entry.Elapsed)
		}
		metrics.RecordMinEntropy(report.MinEntropy.MCV, report.MinEntropy.Collision)
		analysis.Battery = &report
		return analysis, nil
	}

	spec, ok := validation.Lookup(testType)
	if !ok {
		return analysis, fmt.Errorf("%w: %q", ErrUnknownTest, testType)
	}
	if err := ctx.Err(); err != nil {
		return analysis, err
	}

	metrics.RecordSequenceBits(seq.Len())
	start := time.Now()
	analysis.Result = validation.Run(spec, seq)
	recordResult(analysis.Result, time.Since(start))
	return analysis, nil
}

func recordResult(result validation.Result, elapsed time.Duration) {
	_, failed := result.(validation.ErrorResult)
	p, defined := result.PValue()
	metrics.RecordTest(string(result.Test()), result.Succeeded(), failed, p, defined, elapsed)
}
