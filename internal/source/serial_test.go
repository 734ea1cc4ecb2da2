package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
)

type fakePort struct {
	mu     sync.Mutex
	r      io.Reader
	closed int
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// withPort swaps openPort for the duration of the test. Tests using it do
// not run in parallel.
func withPort(t *testing.T, port *fakePort, openErr error) *serial.Config {
	t.Helper()

	var got serial.Config
	original := openPort
	openPort = func(cfg *serial.Config) (io.ReadCloser, error) {
		got = *cfg
		if openErr != nil {
			return nil, openErr
		}
		return port, nil
	}
	t.Cleanup(func() { openPort = original })
	return &got
}

func randomBytes(n int, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(rng.UintN(256))
	}
	return out
}

func TestSerialSourceOpensAndGenerates(t *testing.T) {
	port := &fakePort{r: bytes.NewReader(randomBytes(healthCheckBytes+8*100, 1))}
	opened := withPort(t, port, nil)

	src, err := New(context.Background(), Serial, Config{SerialDevice: "/dev/ttyACM0"})
	require.NoError(t, err)
	require.Equal(t, Serial, src.Name())

	require.Equal(t, "/dev/ttyACM0", opened.Name)
	require.Equal(t, defaultSerialBaud, opened.Baud)
	require.Equal(t, byte(8), opened.Size)
	require.Equal(t, defaultSerialReadTimeout, opened.ReadTimeout)

	for i := 0; i < 50; i++ {
		v, err := src.Generate(context.Background(), 99)
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, int64(0))
		require.LessOrEqual(t, v, int64(99))
	}

	require.NoError(t, Close(src))
	require.NoError(t, Close(src))
	require.Equal(t, 1, port.closed)

	_, err = src.Generate(context.Background(), 10)
	require.ErrorContains(t, err, "closed")
}

func TestSerialSourceHealthCheckFailures(t *testing.T) {
	cases := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{name: "stuck", data: bytes.Repeat([]byte{0xAA}, healthCheckBytes), wantErr: "all sampled bytes identical"},
		{name: "low diversity", data: bytes.Repeat([]byte{1, 2, 3, 4}, healthCheckBytes/4), wantErr: "too few distinct byte values"},
		{name: "short read", data: []byte{1, 2, 3}, wantErr: "read failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			port := &fakePort{r: bytes.NewReader(tc.data)}
			withPort(t, port, nil)

			_, err := New(context.Background(), Serial, Config{SerialDevice: "/dev/ttyUSB0", SerialBaud: 9600, SerialReadTimeout: time.Millisecond})
			require.ErrorContains(t, err, tc.wantErr)
			require.Equal(t, 1, port.closed)
		})
	}
}

func TestSerialSourceOpenFailure(t *testing.T) {
	withPort(t, nil, errors.New("no such device"))

	_, err := New(context.Background(), Serial, Config{SerialDevice: "/dev/missing"})
	require.ErrorContains(t, err, "no such device")
}

func TestUniformFromReaderRejectsBiasedDraws(t *testing.T) {
	t.Parallel()

	// upperBound 2^63-1 gives span 2^63: every draw is accepted.
	var all [8]byte
	binary.BigEndian.PutUint64(all[:], ^uint64(0))
	v, err := uniformFromReader(bytes.NewReader(all[:]), maxInt64)
	require.NoError(t, err)
	require.Equal(t, maxInt64, v)

	// span 3: 2^64 mod 3 = 1, so the largest word is rejected and the next
	// one (10) is reduced to 1.
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, ^uint64(0))
	_ = binary.Write(&buf, binary.BigEndian, uint64(10))
	v, err = uniformFromReader(&buf, 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestUniformFromReaderLimits(t *testing.T) {
	t.Parallel()

	rejected := bytes.Repeat([]byte{0xFF}, 8*maxRejections)
	_, err := uniformFromReader(bytes.NewReader(rejected), 2)
	require.ErrorIs(t, err, errRejectionLimit)

	_, err = uniformFromReader(bytes.NewReader([]byte{1, 2}), 2)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestUniformFromReaderIsRoughlyUniform(t *testing.T) {
	t.Parallel()

	r := bytes.NewReader(randomBytes(8*6000, 9))
	counts := make([]int, 6)
	for i := 0; i < 6000; i++ {
		v, err := uniformFromReader(r, 5)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		counts[v]++
	}
	for value, count := range counts {
		require.InDelta(t, 1000, count, 150, "value %d", value)
	}
}
