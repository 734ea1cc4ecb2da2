package validation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"randomness-lab/internal/bitseq"
)

// Significance levels used by the verdicts.
const (
	alpha       = 0.05
	maurerAlpha = 0.01
	runsZBound  = 1.96
	autocorrMax = 0.05

	// rescaleTolerance is the largest tolerated gap between the observed and
	// expected totals before expected counts are rescaled.
	rescaleTolerance = 1e-8
)

// expectationPolicy selects how expected category counts relate to the
// observed total.
type expectationPolicy int

const (
	// rescaleToObserved scales expected counts so that they sum to the
	// observed total. Used by the group chi-square and serial tests.
	rescaleToObserved expectationPolicy = iota
	// fixedUniform uses total/categories as is. Used by the poker test.
	fixedUniform
)

// uniformChiSquare compares counts against a uniform distribution over
// len(counts) categories and returns the statistic with its p-value. total
// must be positive.
func uniformChiSquare(counts []int, total int, policy expectationPolicy) (float64, float64) {
	categories := len(counts)
	observed := make([]float64, categories)
	var observedSum float64
	for i, count := range counts {
		observed[i] = float64(count)
		observedSum += observed[i]
	}

	expected := make([]float64, categories)
	perCategory := float64(total) / float64(categories)
	var expectedSum float64
	for i := range expected {
		expected[i] = perCategory
		expectedSum += perCategory
	}

	if policy == rescaleToObserved && math.Abs(expectedSum-observedSum) > rescaleTolerance {
		scale := observedSum / expectedSum
		for i := range expected {
			expected[i] *= scale
		}
	}

	chi2 := stat.ChiSquare(observed, expected)
	return chi2, chiSquareSurvival(chi2, categories-1)
}

// chiSquareSurvival returns P(X >= chi2) for a chi-square distribution with
// dof degrees of freedom.
func chiSquareSurvival(chi2 float64, dof int) float64 {
	if dof < 1 {
		return 0
	}
	return clampProbability(distuv.ChiSquared{K: float64(dof)}.Survival(chi2))
}

// twoSidedNormal returns 2*(1 - Phi(|z|)).
func twoSidedNormal(z float64) float64 {
	return clampProbability(2 * (1 - distuv.UnitNormal.CDF(math.Abs(z))))
}

func clampProbability(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 0
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// groupCounts counts the non-overlapping width-bit groups starting at offset
// 0, or every overlapping window when overlapping is set. It returns the
// per-value counts and the number of groups examined.
func groupCounts(seq bitseq.Sequence, width int, overlapping bool) ([]int, int) {
	counts := make([]int, 1<<width)
	n := seq.Len()
	if n < width {
		return counts, 0
	}

	if !overlapping {
		groups := n / width
		for g := 0; g < groups; g++ {
			counts[seq.Window(g*width, width)]++
		}
		return counts, groups
	}

	// Rolling value of the current window; mask drops the leading bit.
	mask := uint64(1)<<width - 1
	value := seq.Window(0, width)
	counts[value]++
	for i := width; i < n; i++ {
		value = (value<<1 | uint64(seq.At(i))) & mask
		counts[value]++
	}
	return counts, n - width + 1
}

// patternCounts labels counts with their zero-padded binary patterns.
func patternCounts(counts []int, width int) []PatternCount {
	out := make([]PatternCount, len(counts))
	for value, count := range counts {
		out[value] = PatternCount{Pattern: fmt.Sprintf("%0*b", width, value), Count: count}
	}
	return out
}
