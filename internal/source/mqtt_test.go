package source

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"randomness-lab/internal/mqtt"
	"randomness-lab/testutil"

	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	connectErr error
	connects   int
	closes     int
}

func (f *stubFeed) Connect(context.Context) error {
	f.connects++
	return f.connectErr
}

func (f *stubFeed) Close() { f.closes++ }

func TestMQTTSourceServesBufferedTimestamps(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	feed := &stubFeed{}
	buffer := mqtt.NewSampleBuffer(8)
	src, err := connectMQTTSource(context.Background(), feed, buffer, time.Second)
	require.NoError(t, err)
	require.Equal(t, MQTT, src.Name())
	require.Equal(t, 1, feed.connects)

	for _, ts := range []uint64{987654321000, 17, 5} {
		buffer.OnMessage("timestamps/channel/1", []byte(strconv.FormatUint(ts, 10)))
	}

	want := []int64{987654321000 % 11, 17 % 11, 5}
	for _, w := range want {
		v, err := src.Generate(context.Background(), 10)
		require.NoError(t, err)
		require.Equal(t, w, v)
	}

	require.NoError(t, Close(src))
	require.Equal(t, 1, feed.closes)
}

func TestMQTTSourceTimesOutWithoutSamples(t *testing.T) {
	t.Parallel()

	src, err := connectMQTTSource(context.Background(), &stubFeed{}, mqtt.NewSampleBuffer(1), 5*time.Millisecond)
	require.NoError(t, err)

	_, err = src.Generate(context.Background(), 10)
	require.ErrorIs(t, err, ErrNoSamples)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Generate(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)

	_, err = src.Generate(context.Background(), -3)
	require.ErrorIs(t, err, ErrInvalidBound)
}

func TestMQTTSourceConnectFailureClosesClient(t *testing.T) {
	t.Parallel()

	feed := &stubFeed{connectErr: errors.New("mqtt: connect timeout")}
	_, err := connectMQTTSource(context.Background(), feed, mqtt.NewSampleBuffer(1), 0)
	require.ErrorContains(t, err, "connect timeout")
	require.Equal(t, 1, feed.closes)
}

func TestMQTTSourceDefaultWait(t *testing.T) {
	t.Parallel()

	src, err := connectMQTTSource(context.Background(), &stubFeed{}, mqtt.NewSampleBuffer(1), 0)
	require.NoError(t, err)
	require.Equal(t, defaultMQTTWait, src.wait)
}
