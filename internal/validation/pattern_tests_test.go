package validation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"randomness-lab/internal/bitseq"
)

func sumCounts(counts []PatternCount) int {
	total := 0
	for _, pc := range counts {
		total += pc.Count
	}
	return total
}

func TestChiSquareTestTwoBytes(t *testing.T) {
	t.Parallel()

	result, err := ChiSquareTest(bitseq.MustParse("0000000011111111"), 8)
	require.NoError(t, err)
	require.Equal(t, 2, result.Groups)
	require.Equal(t, 8, result.GroupSize)
	require.Equal(t, 2, result.ObservedNonzero)
	// Two observations over 256 cells with expectation 2/256 each.
	require.InDelta(t, 254.0, result.ChiSquare, 1e-9)
	require.True(t, result.Passed)
}

func TestChiSquareTestDiscardsRemainder(t *testing.T) {
	t.Parallel()

	result, err := ChiSquareTest(bitseq.MustParse("00011011"+"101"), 2)
	require.NoError(t, err)
	require.Equal(t, 5, result.Groups)
	require.Equal(t, 4, result.ObservedNonzero)
}

func TestChiSquareTestWithoutFullGroupIsDegenerate(t *testing.T) {
	t.Parallel()

	result, err := ChiSquareTest(bitseq.MustParse("0101"), 8)
	require.NoError(t, err)
	require.Zero(t, result.Groups)
	require.Zero(t, result.ChiSquare)
	require.Zero(t, result.P)
	require.False(t, result.Passed)
}

func TestGroupCountsSumToGroupsExamined(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 10; seed++ {
		seq := randomSequence(t, 500+int(seed)*13, seed)
		for _, width := range []int{1, 2, 3, 5, 8} {
			for _, overlapping := range []bool{false, true} {
				counts, groups := groupCounts(seq, width, overlapping)
				total := 0
				for _, c := range counts {
					total += c
				}
				require.Equal(t, groups, total, "width=%d overlapping=%v", width, overlapping)
				if overlapping {
					require.Equal(t, seq.Len()-width+1, groups)
				} else {
					require.Equal(t, seq.Len()/width, groups)
				}
			}
		}
	}
}

func TestSerialTestPairs(t *testing.T) {
	t.Parallel()

	result, err := SerialTest(bitseq.MustParse("001100110011"), 2)
	require.NoError(t, err)
	require.Equal(t, 11, result.Windows)
	require.Equal(t, []PatternCount{
		{Pattern: "00", Count: 3},
		{Pattern: "01", Count: 3},
		{Pattern: "10", Count: 2},
		{Pattern: "11", Count: 3},
	}, result.PatternCounts)
	require.Equal(t, 11, sumCounts(result.PatternCounts))
}

func TestSerialTestListsAbsentPatterns(t *testing.T) {
	t.Parallel()

	result, err := SerialTest(bitseq.MustParse("0000000"), 3)
	require.NoError(t, err)
	require.Len(t, result.PatternCounts, 8)
	require.Equal(t, "000", result.PatternCounts[0].Pattern)
	require.Equal(t, 5, result.PatternCounts[0].Count)
	require.Equal(t, "111", result.PatternCounts[7].Pattern)
	require.Zero(t, result.PatternCounts[7].Count)
	require.False(t, result.Passed)
}

func TestSerialTestShortSequenceIsDegenerate(t *testing.T) {
	t.Parallel()

	result, err := SerialTest(bitseq.MustParse("01"), 3)
	require.NoError(t, err)
	require.Zero(t, result.Windows)
	require.Zero(t, result.P)
	require.False(t, result.Passed)
	require.Len(t, result.PatternCounts, 8)
}

func TestSerialTestCountsSumToWindows(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 10; seed++ {
		seq := randomSequence(t, 200+int(seed), seed)
		for _, width := range []int{2, 3, 4} {
			result, err := SerialTest(seq, width)
			require.NoError(t, err)
			require.Equal(t, result.Windows, sumCounts(result.PatternCounts))
		}
	}
}

func TestPokerTest(t *testing.T) {
	t.Parallel()

	result, err := PokerTest(bitseq.MustParse("0100011101000111"), 4)
	require.NoError(t, err)
	require.Equal(t, 4, result.NumGroups)
	require.Len(t, result.PatternCounts, 16)
	require.Equal(t, PatternCount{Pattern: "0100", Count: 2}, result.PatternCounts[4])
	require.Equal(t, PatternCount{Pattern: "0111", Count: 2}, result.PatternCounts[7])
	// 14 empty cells contribute 0.25 each, two cells (2-0.25)^2/0.25 each.
	require.InDelta(t, 28.0, result.ChiSquare, 1e-9)
	require.False(t, result.Passed)
}

func TestPokerTestTooShort(t *testing.T) {
	t.Parallel()

	_, err := PokerTest(bitseq.MustParse("01"), 4)
	require.ErrorIs(t, err, ErrSequenceTooShort)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, Poker, verr.Test)
}

func TestGroupSizeValidation(t *testing.T) {
	t.Parallel()

	seq := randomSequence(t, 64, 3)
	for _, size := range []int{0, -1, 25} {
		_, err := ChiSquareTest(seq, size)
		require.ErrorIs(t, err, ErrInvalidInput)
		_, err = SerialTest(seq, size)
		require.ErrorIs(t, err, ErrInvalidInput)
		_, err = PokerTest(seq, size)
		require.ErrorIs(t, err, ErrInvalidInput)
	}
}
