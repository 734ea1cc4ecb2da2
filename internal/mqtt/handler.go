package mqtt

import (
	"context"
	"strconv"
	"strings"

	"randomness-lab/internal/metrics"

	"go.uber.org/zap"
)

// Message outcomes recorded in metrics.MQTTMessages.
const (
	OutcomeAccepted   = "accepted"
	OutcomeParseError = "parse_error"
	OutcomeInvalid    = "invalid"
	OutcomeBufferFull = "buffer_full"
	OutcomeMeta       = "meta"
)

// DefaultBufferSize bounds the number of unread samples kept per client.
const DefaultBufferSize = 4096

// SampleBuffer implements Handler by parsing decimal timestamp payloads
// into a bounded queue. Messages arriving while the queue is full are
// dropped.
type SampleBuffer struct {
	samples chan uint64
}

// NewSampleBuffer returns a buffer holding at most capacity samples.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &SampleBuffer{samples: make(chan uint64, capacity)}
}

// OnMessage parses payload and enqueues the value. Status metadata on
// ".../meta" topics and zero timestamps are discarded.
func (b *SampleBuffer) OnMessage(topic string, payload []byte) {
	if isMetaTopic(topic) {
		metrics.RecordMQTTMessage(OutcomeMeta)
		return
	}

	value, err := parseTimestamp(payload)
	if err != nil {
		metrics.RecordMQTTMessage(OutcomeParseError)
		zap.S().Debugf("mqtt: parse error on %s: %v", topic, err)
		return
	}
	if value == 0 {
		metrics.RecordMQTTMessage(OutcomeInvalid)
		return
	}

	select {
	case b.samples <- value:
		metrics.RecordMQTTMessage(OutcomeAccepted)
	default:
		metrics.RecordMQTTMessage(OutcomeBufferFull)
	}
}

// Next blocks until a sample is available or ctx is done.
func (b *SampleBuffer) Next(ctx context.Context) (uint64, error) {
	select {
	case value := <-b.samples:
		return value, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Len reports the number of buffered samples.
func (b *SampleBuffer) Len() int {
	return len(b.samples)
}

func isMetaTopic(topic string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(topic)), "/meta")
}

func parseTimestamp(payload []byte) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(string(payload)), 10, 64)
}
