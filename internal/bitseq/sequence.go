// Package bitseq assembles the ordered bit sequences consumed by the
// randomness test engine. Samples are concatenated using their minimal
// binary representation, so a sample of 5 contributes "101" and a sample of
// 0 contributes "0". Sequences are immutable once built.
package bitseq

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidInput reports a sample or literal that cannot be turned into bits.
var ErrInvalidInput = errors.New("invalid input")

// Sequence is an immutable ordered sequence of binary digits. The zero value
// is an empty sequence.
type Sequence struct {
	bits []byte // each element is 0 or 1
}

// FromSamples concatenates the minimal unpadded binary form of every sample
// in arrival order. Small samples contribute fewer digits than large ones,
// which skews the digit distribution; FromSamplesPadded is the fixed-width
// alternative. A negative sample fails with ErrInvalidInput.
func FromSamples(samples []int64) (Sequence, error) {
	var builder Builder
	for index, sample := range samples {
		if err := builder.Append(sample); err != nil {
			return Sequence{}, fmt.Errorf("bitseq: sample %d: %w", index, err)
		}
	}
	return builder.Sequence(), nil
}

// FromSamplesPadded concatenates every sample zero-padded to width digits.
// Samples wider than width keep all of their digits. A non-positive width or
// a negative sample fails with ErrInvalidInput.
func FromSamplesPadded(samples []int64, width int) (Sequence, error) {
	if width <= 0 {
		return Sequence{}, fmt.Errorf("bitseq: width %d: %w", width, ErrInvalidInput)
	}

	builder := Builder{width: width}
	for index, sample := range samples {
		if err := builder.Append(sample); err != nil {
			return Sequence{}, fmt.Errorf("bitseq: sample %d: %w", index, err)
		}
	}
	return builder.Sequence(), nil
}

// WidthFor returns the number of binary digits needed to represent
// upperBound, the natural padding width for samples drawn from
// [0, upperBound]. Non-positive bounds need a single digit.
func WidthFor(upperBound int64) int {
	if upperBound <= 0 {
		return 1
	}
	return len(strconv.FormatInt(upperBound, 2))
}

// Parse builds a sequence from a literal such as "010011". Whitespace is
// ignored; any other character than '0' or '1' fails with ErrInvalidInput.
func Parse(literal string) (Sequence, error) {
	bits := make([]byte, 0, len(literal))
	for index, ch := range literal {
		switch ch {
		case '0':
			bits = append(bits, 0)
		case '1':
			bits = append(bits, 1)
		case ' ', '\t', '\n', '\r':
		default:
			return Sequence{}, fmt.Errorf("bitseq: character %q at offset %d: %w", ch, index, ErrInvalidInput)
		}
	}
	return Sequence{bits: bits}, nil
}

// MustParse is like Parse but panics on malformed input. It is intended for
// fixed literals in tests and examples.
func MustParse(literal string) Sequence {
	seq, err := Parse(literal)
	if err != nil {
		panic(err)
	}
	return seq
}

// Len returns the number of digits in the sequence.
func (s Sequence) Len() int {
	return len(s.bits)
}

// At returns the digit at index i as 0 or 1. It panics when i is out of range.
func (s Sequence) At(i int) byte {
	return s.bits[i]
}

// Ones returns the number of digits equal to 1.
func (s Sequence) Ones() int {
	ones := 0
	for _, bit := range s.bits {
		ones += int(bit)
	}
	return ones
}

// Window interprets the width digits starting at offset as an unsigned
// big-endian integer. The caller guarantees offset+width <= Len() and
// width <= 63.
func (s Sequence) Window(offset, width int) uint64 {
	var value uint64
	for _, bit := range s.bits[offset : offset+width] {
		value = value<<1 | uint64(bit)
	}
	return value
}

// Bytes packs the sequence MSB-first into bytes. A trailing partial byte is
// zero-padded in its least significant positions.
func (s Sequence) Bytes() []byte {
	if len(s.bits) == 0 {
		return nil
	}

	output := make([]byte, (len(s.bits)+7)/8)
	for index, bit := range s.bits {
		if bit != 0 {
			output[index/8] |= 1 << (7 - index%8)
		}
	}
	return output
}

// String renders the sequence as a string of '0' and '1' characters.
func (s Sequence) String() string {
	var sb strings.Builder
	sb.Grow(len(s.bits))
	for _, bit := range s.bits {
		sb.WriteByte('0' + bit)
	}
	return sb.String()
}

// Builder assembles a Sequence incrementally, one sample at a time. The zero
// value appends unpadded representations. A Builder must not be copied after
// first use.
type Builder struct {
	bits  []byte
	width int
}

// NewBuilder returns a Builder with room for about sizeHint digits.
func NewBuilder(sizeHint int) *Builder {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Builder{bits: make([]byte, 0, sizeHint)}
}

// Append adds the binary representation of sample. Negative samples fail
// with ErrInvalidInput and leave the builder unchanged.
func (b *Builder) Append(sample int64) error {
	if sample < 0 {
		return fmt.Errorf("negative sample %d: %w", sample, ErrInvalidInput)
	}

	digits := strconv.FormatUint(uint64(sample), 2)
	for pad := len(digits); pad < b.width; pad++ {
		b.bits = append(b.bits, 0)
	}
	for i := 0; i < len(digits); i++ {
		b.bits = append(b.bits, digits[i]-'0')
	}
	return nil
}

// Len returns the number of digits appended so far.
func (b *Builder) Len() int {
	return len(b.bits)
}

// Sequence returns a snapshot of the digits appended so far. Later appends
// do not affect the returned value.
func (b *Builder) Sequence() Sequence {
	bits := make([]byte, len(b.bits))
	copy(bits, b.bits)
	return Sequence{bits: bits}
}
