package validation

import (
	"math"

	"randomness-lab/internal/bitseq"
)

const (
	// DefaultMaurerBlockLength is the conventional block length L.
	DefaultMaurerBlockLength = 7
	// maurerMinBits is the shortest sequence the universal test accepts.
	maurerMinBits = 1010
)

// Expected value and variance of the universal statistic per block length,
// from Maurer's reference tables.
var (
	maurerExpected = map[int]float64{
		6:  5.2177052,
		7:  6.1962507,
		8:  7.1836656,
		9:  8.1764248,
		10: 9.1723243,
		11: 10.170032,
		12: 11.168765,
		13: 12.168070,
		14: 13.167693,
		15: 14.167488,
		16: 15.167379,
	}
	maurerVariance = map[int]float64{
		6:  2.954,
		7:  3.125,
		8:  3.238,
		9:  3.311,
		10: 3.356,
		11: 3.384,
		12: 3.401,
		13: 3.410,
		14: 3.416,
		15: 3.419,
		16: 3.421,
	}
)

// maurerConstants returns the reference expectation and variance for L.
// Block lengths outside 6..16 fall back to expectation 0 and variance 1,
// which makes the verdict meaningless for them; callers that care should
// stay within the table.
func maurerConstants(blockLength int) (float64, float64) {
	expected, ok := maurerExpected[blockLength]
	if !ok {
		return 0, 1
	}
	return expected, maurerVariance[blockLength]
}

// MaurerTest runs Maurer's universal statistical test with block length L.
// The first Q = 10*2^L blocks initialise the last-seen table; the remaining
// K blocks accumulate log2 of the distance to the previous occurrence of
// the same block. The test passes when the p-value exceeds 0.01.
//
// Sequences shorter than 1010 bits fail with ErrSequenceTooShort and runs
// without test blocks fail with ErrInsufficientBlocks.
func MaurerTest(seq bitseq.Sequence, blockLength int) (MaurerResult, error) {
	if blockLength < 1 || blockLength > maxGroupSize {
		return MaurerResult{}, newError(Maurer, ErrInvalidInput,
			"block length %d outside [1, %d]", blockLength, maxGroupSize)
	}

	n := seq.Len()
	if n < maurerMinBits {
		return MaurerResult{}, newError(Maurer, ErrSequenceTooShort,
			"sequence too short: %d bits, need at least %d", n, maurerMinBits)
	}

	q := 10 * (1 << blockLength)
	blocks := n / blockLength
	k := blocks - q
	if k <= 0 {
		return MaurerResult{}, newError(Maurer, ErrInsufficientBlocks,
			"insufficient blocks: %d blocks of %d bits, initialisation needs %d", blocks, blockLength, q)
	}

	// lastSeen holds the 1-based index of the latest block per key, 0 if unseen.
	lastSeen := make([]int, 1<<blockLength)
	for i := 0; i < q; i++ {
		lastSeen[seq.Window(i*blockLength, blockLength)] = i + 1
	}

	var sum float64
	for i := q; i < q+k; i++ {
		key := seq.Window(i*blockLength, blockLength)
		sum += math.Log2(float64(i + 1 - lastSeen[key]))
		lastSeen[key] = i + 1
	}

	expected, variance := maurerConstants(blockLength)
	fn := sum / float64(k)
	sigma := math.Sqrt(variance / float64(k))
	z := (fn - expected) / sigma
	p := twoSidedNormal(z)

	return MaurerResult{
		Fn:       fn,
		Expected: expected,
		Z:        z,
		P:        p,
		L:        blockLength,
		Q:        q,
		K:        k,
		N:        n,
		Passed:   p > maurerAlpha,
	}, nil
}
