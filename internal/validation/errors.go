package validation

import (
	"errors"
	"fmt"

	"randomness-lab/internal/bitseq"
)

// Error kinds reported by the randomness tests. Every *Error unwraps to
// exactly one of them, so callers can branch with errors.Is.
var (
	// ErrInvalidInput reports a malformed sample or an out-of-range parameter.
	ErrInvalidInput = bitseq.ErrInvalidInput
	// ErrSequenceTooShort reports a sequence with too few bits or groups for
	// the requested test.
	ErrSequenceTooShort = errors.New("sequence too short")
	// ErrInsufficientBlocks reports a Maurer run that has no test blocks left
	// after the initialisation segment.
	ErrInsufficientBlocks = errors.New("insufficient blocks")
)

// maxGroupSize bounds group sizes and Maurer block lengths; 2^24 categories
// is already far more than any collected sequence can populate.
const maxGroupSize = 24

// Error describes why a test could not produce a statistic.
type Error struct {
	Test    Name
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Test, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(test Name, kind error, format string, args ...any) *Error {
	return &Error{Test: test, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindLabel returns the stable label for the kind carried by err, as used in
// ErrorResult and metrics.
func KindLabel(err error) string {
	switch {
	case errors.Is(err, ErrSequenceTooShort):
		return "sequence_too_short"
	case errors.Is(err, ErrInsufficientBlocks):
		return "insufficient_blocks"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}

func checkGroupSize(test Name, groupSize int) error {
	if groupSize < 1 || groupSize > maxGroupSize {
		return newError(test, ErrInvalidInput, "group size %d outside [1, %d]", groupSize, maxGroupSize)
	}
	return nil
}
