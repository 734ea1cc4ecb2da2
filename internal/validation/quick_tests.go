// Package validation implements the randomness test engine: seven classical
// statistical tests over a bit sequence (frequency, runs, group chi-square,
// serial, autocorrelation, poker and Maurer's universal test), a closed
// dispatcher over them, and the continuous health tests and min-entropy
// estimators used while samples are being collected.
//
// All tests are pure functions of their arguments and are safe for
// concurrent use.
package validation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"randomness-lab/internal/bitseq"
)

// FrequencyTest counts zeros and ones and compares them with n/2 each using
// a chi-square statistic with one degree of freedom. The test passes when
// the p-value exceeds 0.05. An empty sequence yields zero counts, a p-value
// of 0 and a failing verdict.
func FrequencyTest(seq bitseq.Sequence) FrequencyResult {
	n := seq.Len()
	ones := seq.Ones()
	zeros := n - ones
	if n == 0 {
		return FrequencyResult{}
	}

	half := float64(n) / 2
	chi2 := stat.ChiSquare([]float64{float64(zeros), float64(ones)}, []float64{half, half})
	p := chiSquareSurvival(chi2, 1)

	return FrequencyResult{
		Zeros:     zeros,
		Ones:      ones,
		ChiSquare: chi2,
		P:         p,
		Passed:    p > alpha,
	}
}

// RunsTest counts maximal blocks of identical digits in one pass and
// compares the count with its expectation under independence. The test
// passes when |z| < 1.96. Zero variance yields z = 0.
func RunsTest(seq bitseq.Sequence) RunsResult {
	n := seq.Len()
	ones := seq.Ones()
	result := RunsResult{N0: n - ones, N1: ones}
	if n == 0 {
		result.Passed = true
		return result
	}

	runs := 1
	last := seq.At(0)
	for i := 1; i < n; i++ {
		if bit := seq.At(i); bit != last {
			runs++
			last = bit
		}
	}
	result.Runs = runs

	fn := float64(n)
	product := 2 * float64(result.N0) * float64(result.N1)
	result.ExpectedRuns = product/fn + 1

	var variance float64
	if n > 1 {
		variance = product * (product - fn) / (fn * fn * (fn - 1))
	}
	if variance > 0 {
		result.Z = (float64(runs) - result.ExpectedRuns) / math.Sqrt(variance)
	}

	result.Passed = math.Abs(result.Z) < runsZBound
	return result
}
