package validation

import (
	"randomness-lab/internal/bitseq"
)

// ChiSquareTest splits seq into non-overlapping groups of groupSize bits,
// discarding a shorter trailing remainder, and compares the frequency of
// every group value with a uniform distribution. The conventional byte test
// uses groupSize 8. The test passes when the p-value exceeds 0.05. A
// sequence without a single full group yields a zero statistic and a
// failing verdict.
func ChiSquareTest(seq bitseq.Sequence, groupSize int) (ChiSquareResult, error) {
	if err := checkGroupSize(ChiSquare, groupSize); err != nil {
		return ChiSquareResult{}, err
	}

	counts, groups := groupCounts(seq, groupSize, false)
	result := ChiSquareResult{GroupSize: groupSize, Groups: groups}
	if groups == 0 {
		return result, nil
	}

	for _, count := range counts {
		if count > 0 {
			result.ObservedNonzero++
		}
	}

	result.ChiSquare, result.P = uniformChiSquare(counts, groups, rescaleToObserved)
	result.Passed = result.P > alpha
	return result, nil
}

// SerialTest slides a groupSize-bit window over seq with stride 1 and
// compares the frequency of every pattern with a uniform distribution. All
// 2^groupSize patterns are reported in binary order, absent ones with a
// zero count. The test passes when the p-value exceeds 0.05.
func SerialTest(seq bitseq.Sequence, groupSize int) (SerialResult, error) {
	if err := checkGroupSize(Serial, groupSize); err != nil {
		return SerialResult{}, err
	}

	counts, windows := groupCounts(seq, groupSize, true)
	result := SerialResult{
		Windows:       windows,
		GroupSize:     groupSize,
		PatternCounts: patternCounts(counts, groupSize),
	}
	if windows == 0 {
		return result, nil
	}

	result.ChiSquare, result.P = uniformChiSquare(counts, windows, rescaleToObserved)
	result.Passed = result.P > alpha
	return result, nil
}

// PokerTest splits seq into n/groupSize non-overlapping hands and compares
// the frequency of every hand pattern with num_groups/2^groupSize. Unlike
// ChiSquareTest the expected counts are never rescaled. A sequence shorter
// than one hand fails with ErrSequenceTooShort.
func PokerTest(seq bitseq.Sequence, groupSize int) (PokerResult, error) {
	if err := checkGroupSize(Poker, groupSize); err != nil {
		return PokerResult{}, err
	}
	if seq.Len() < groupSize {
		return PokerResult{}, newError(Poker, ErrSequenceTooShort,
			"sequence too short: %d bits, need at least one %d-bit group", seq.Len(), groupSize)
	}

	counts, groups := groupCounts(seq, groupSize, false)
	result := PokerResult{
		NumGroups:     groups,
		GroupSize:     groupSize,
		PatternCounts: patternCounts(counts, groupSize),
	}

	result.ChiSquare, result.P = uniformChiSquare(counts, groups, fixedUniform)
	result.Passed = result.P > alpha
	return result, nil
}
