package validation

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"randomness-lab/internal/bitseq"
)

// BatteryEntry is the outcome of one catalogue test within a battery run.
type BatteryEntry struct {
	ID      string        `json:"id"`
	Spec    Spec          `json:"spec"`
	Passed  bool          `json:"passed"`
	Result  Result        `json:"result"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// BatteryReport aggregates a battery run over a single sequence.
type BatteryReport struct {
	Bits       int                `json:"bits"`
	Entries    []BatteryEntry     `json:"entries"`
	Passed     int                `json:"passed"`
	Failed     int                `json:"failed"`
	MinEntropy MinEntropyEstimate `json:"min_entropy"`
}

// AllPassed reports whether every test of the battery passed.
func (r BatteryReport) AllPassed() bool {
	return r.Failed == 0 && len(r.Entries) > 0
}

// RunBattery runs every entry against seq concurrently and returns the
// results in the order of entries. A nil entries slice runs the whole
// catalogue. The only error is ctx's, when it is cancelled before all tests
// have been scheduled.
func RunBattery(ctx context.Context, seq bitseq.Sequence, entries []CatalogueEntry) (BatteryReport, error) {
	if entries == nil {
		entries = Catalogue()
	}

	results := make([]BatteryEntry, len(entries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.GOMAXPROCS(0))

	for i, entry := range entries {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			start := time.Now()
			result := Run(entry.Spec, seq)
			results[i] = BatteryEntry{
				ID:      entry.ID,
				Spec:    entry.Spec,
				Passed:  result.Succeeded(),
				Result:  result,
				Elapsed: time.Since(start),
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return BatteryReport{}, err
	}

	report := BatteryReport{
		Bits:       seq.Len(),
		Entries:    results,
		MinEntropy: EstimateMinEntropy(seq),
	}
	for _, entry := range results {
		if entry.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	return report, nil
}
