package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// maxRejections bounds rejection sampling; a healthy device is rejected
// with probability below one half per draw.
const maxRejections = 64

var errRejectionLimit = errors.New("source: too many rejected draws")

// reduce maps v onto [0, upperBound] by modulo.
func reduce(v uint64, upperBound int64) int64 {
	return int64(v % (uint64(upperBound) + 1))
}

// uniformFromReader reads big-endian 64-bit words from r and returns the
// first one below the largest multiple of upperBound+1, reduced modulo
// upperBound+1, so every value in [0, upperBound] is equally likely.
func uniformFromReader(r io.Reader, upperBound int64) (int64, error) {
	span := uint64(upperBound) + 1
	rem := (math.MaxUint64%span + 1) % span
	threshold := uint64(math.MaxUint64) - rem

	var buf [8]byte
	for attempt := 0; attempt < maxRejections; attempt++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, fmt.Errorf("source: read random bytes: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if rem == 0 || v <= threshold {
			return int64(v % span), nil
		}
	}
	return 0, errRejectionLimit
}
