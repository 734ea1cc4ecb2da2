package validation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"randomness-lab/internal/bitseq"
)

// AutocorrelationTest measures the normalised correlation between seq and
// itself shifted by lag bits. The coefficient is the mean-centred lag
// product sum over the centred sum of squares, and 0 when the sequence is
// constant. The verdict passes when |r| < 0.05; the p-value comes from the
// normal approximation z = r*sqrt(n-lag). Requires n > lag.
func AutocorrelationTest(seq bitseq.Sequence, lag int) (AutocorrelationResult, error) {
	if lag < 1 {
		return AutocorrelationResult{}, newError(Autocorrelation, ErrInvalidInput, "lag %d must be at least 1", lag)
	}

	n := seq.Len()
	if n <= lag {
		return AutocorrelationResult{}, newError(Autocorrelation, ErrSequenceTooShort,
			"sequence too short: %d bits for lag %d", n, lag)
	}

	values := make([]float64, n)
	for i := range values {
		values[i] = float64(seq.At(i))
	}
	mean := stat.Mean(values, nil)

	var numerator float64
	for i := 0; i < n-lag; i++ {
		numerator += (values[i] - mean) * (values[i+lag] - mean)
	}
	var denominator float64
	for _, v := range values {
		denominator += (v - mean) * (v - mean)
	}

	var r float64
	if denominator != 0 {
		r = numerator / denominator
	}
	z := r * math.Sqrt(float64(n-lag))

	return AutocorrelationResult{
		Autocorrelation: r,
		Lag:             lag,
		Z:               z,
		P:               twoSidedNormal(z),
		N:               n,
		Passed:          math.Abs(r) < autocorrMax,
	}, nil
}
