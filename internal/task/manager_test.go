package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"randomness-lab/internal/clock"
	"randomness-lab/internal/metrics"
	"randomness-lab/internal/source"
	"randomness-lab/testutil"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// gatedSource serves free samples, then fails with err or blocks until its
// context ends.
type gatedSource struct {
	name   string
	free   int64
	err    error
	calls  atomic.Int64
	closed atomic.Bool
}

func (s *gatedSource) Name() string { return s.name }

func (s *gatedSource) Generate(ctx context.Context, upperBound int64) (int64, error) {
	n := s.calls.Add(1)
	if n > s.free {
		if s.err != nil {
			return 0, s.err
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return n % (upperBound + 1), nil
}

func (s *gatedSource) Close() error {
	s.closed.Store(true)
	return nil
}

func prngFactory(seed uint64) SourceFactory {
	return func(ctx context.Context, name string) (source.Source, error) {
		return source.New(ctx, name, source.Config{Seed: seed})
	}
}

func fixedFactory(src source.Source) SourceFactory {
	return func(context.Context, string) (source.Source, error) {
		return src, nil
	}
}

func newTestManager(t *testing.T, cfg Config, factory SourceFactory) *Manager {
	t.Helper()

	m := NewManager(cfg, factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m
}

func waitDone(t *testing.T, m *Manager, id string) Status {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := m.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, status.Done)
	return status
}

// waitIdle waits until no task is running, which also means every finished
// task has been recorded in the metrics.
func waitIdle(t *testing.T, m *Manager) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := testutil.WaitForCondition(ctx, func() (struct{}, bool) {
		return struct{}{}, m.Active() == 0
	})
	require.NoError(t, err)
}

func waitCollected(t *testing.T, m *Manager, id string, collected int) Status {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := testutil.WaitForCondition(ctx, func() (Status, bool) {
		status, err := m.Get(id)
		return status, err == nil && status.Collected >= collected
	})
	require.NoError(t, err)
	return status
}

func TestManagerRunsTaskToCompletion(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	m := newTestManager(t, Config{}, prngFactory(42))
	started, err := m.Start(Request{Generator: source.PRNG, TestType: "frequency", UpperBound: 1000})
	require.NoError(t, err)

	require.NotEmpty(t, started.ID)
	require.Equal(t, "Go PRNG Generator (math/rand)", started.Generator)
	require.Equal(t, StatusInitializing, started.Status)
	require.Equal(t, StateRunning, started.State)
	require.Equal(t, DefaultSamples, started.Requested)

	final := waitDone(t, m, started.ID)
	require.Equal(t, StateCompleted, final.State)
	require.Equal(t, StatusCompleted, final.Status)
	require.Equal(t, 100, final.Percent)
	require.Equal(t, DefaultSamples, final.Collected)
	require.Contains(t, final.Result, "Frequency Test:")
	require.NotNil(t, final.Analysis)
	require.Equal(t, final.Analysis.String(), final.Result)
	require.False(t, final.FinishedAt.IsZero())

	waitIdle(t, m)
	require.Equal(t, float64(1), promtest.ToFloat64(metrics.TasksFinished.WithLabelValues(string(StateCompleted))))
	require.Equal(t, float64(0), promtest.ToFloat64(metrics.TasksActive))
	require.Equal(t, float64(DefaultSamples), promtest.ToFloat64(metrics.SamplesCollected.WithLabelValues(source.PRNG)))
}

func TestManagerReportsProgressAndStops(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	src := &gatedSource{name: source.PRNG, free: 20}
	m := newTestManager(t, Config{}, fixedFactory(src))

	started, err := m.Start(Request{Generator: source.PRNG, TestType: "runs", UpperBound: 9, Samples: 100})
	require.NoError(t, err)

	progress := waitCollected(t, m, started.ID, 20)
	require.Equal(t, 20, progress.Percent)
	require.Equal(t, "20% complete - Go PRNG Generator (math/rand)", progress.Status)
	require.False(t, progress.Done)
	require.Equal(t, 1, m.Active())

	require.NoError(t, m.Stop(started.ID))
	final := waitDone(t, m, started.ID)
	require.Equal(t, StateStopped, final.State)
	require.Equal(t, StatusStopped, final.Status)
	require.Equal(t, "Test stopped", final.Result)
	require.Equal(t, 20, final.Collected)
	require.Nil(t, final.Analysis)

	waitIdle(t, m)
	require.True(t, src.closed.Load())

	// Stopping again is harmless.
	require.NoError(t, m.Stop(started.ID))
	require.Equal(t, float64(1), promtest.ToFloat64(metrics.TasksFinished.WithLabelValues(string(StateStopped))))
}

func TestManagerGeneratorErrors(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	cases := []struct {
		name       string
		factory    SourceFactory
		wantStatus string
	}{
		{
			name: "source construction",
			factory: func(context.Context, string) (source.Source, error) {
				return nil, errors.New("serial: open /dev/ttyACM0: no such device")
			},
			wantStatus: "Generator error: serial: open /dev/ttyACM0: no such device",
		},
		{
			name:       "draw",
			factory:    fixedFactory(&gatedSource{name: source.Command, free: 3, err: errors.New("exit status 1")}),
			wantStatus: "Generator error: collector: sample 4 from command: exit status 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, Config{}, tc.factory)
			started, err := m.Start(Request{Generator: source.Command, TestType: "poker4", UpperBound: 15, Samples: 10})
			require.NoError(t, err)

			final := waitDone(t, m, started.ID)
			require.Equal(t, StateFailed, final.State)
			require.Equal(t, tc.wantStatus, final.Status)
			require.Empty(t, final.Result)
		})
	}

	require.Equal(t, float64(2), promtest.ToFloat64(metrics.TasksFinished.WithLabelValues(string(StateFailed))))
}

func TestManagerValidatesRequests(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{MaxSamples: 1000}, prngFactory(1))

	cases := []struct {
		name string
		req  Request
	}{
		{name: "unknown generator", req: Request{Generator: "audio", TestType: "runs", UpperBound: 10}},
		{name: "unknown test", req: Request{Generator: source.PRNG, TestType: "spectral", UpperBound: 10}},
		{name: "zero bound", req: Request{Generator: source.PRNG, TestType: "runs"}},
		{name: "negative samples", req: Request{Generator: source.PRNG, TestType: "runs", UpperBound: 10, Samples: -1}},
		{name: "samples over limit", req: Request{Generator: source.PRNG, TestType: "runs", UpperBound: 10, Samples: 1001}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Start(tc.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	require.Empty(t, m.List())
}

func TestManagerDefaultSamplesRespectLimit(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{MaxSamples: 64}, prngFactory(3))
	started, err := m.Start(Request{Generator: source.PRNG, TestType: "frequency", UpperBound: 3})
	require.NoError(t, err)
	require.Equal(t, 64, started.Requested)
	require.Equal(t, 64, waitDone(t, m, started.ID).Collected)
}

func TestManagerLimitsActiveTasks(t *testing.T) {
	t.Parallel()

	src := &gatedSource{name: source.Time}
	m := newTestManager(t, Config{MaxActive: 1}, fixedFactory(src))
	req := Request{Generator: source.Time, TestType: "serial2", UpperBound: 255, Samples: 10}

	first, err := m.Start(req)
	require.NoError(t, err)

	_, err = m.Start(req)
	require.ErrorIs(t, err, ErrTooManyTasks)

	require.NoError(t, m.Stop(first.ID))
	waitDone(t, m, first.ID)
	waitIdle(t, m)

	_, err = m.Start(req)
	require.NoError(t, err)
}

func TestManagerUnknownTask(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{}, prngFactory(1))

	_, err := m.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.Stop("missing"), ErrNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = m.Wait(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerShutdownStopsRunningTasks(t *testing.T) {
	t.Parallel()

	src := &gatedSource{name: source.Mix, free: 5}
	m := newTestManager(t, Config{ProgressEvery: 1}, fixedFactory(src))

	started, err := m.Start(Request{Generator: source.Mix, TestType: "maurer7", UpperBound: 100, Samples: 50})
	require.NoError(t, err)
	waitCollected(t, m, started.ID, 5)
	require.Equal(t, StateRunning, m.List()[0].State)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	final, err := m.Get(started.ID)
	require.NoError(t, err)
	require.Equal(t, StateStopped, final.State)
	require.Equal(t, 5, final.Collected)
	require.Zero(t, m.Active())
	require.True(t, src.closed.Load())

	_, err = m.Start(Request{Generator: source.Mix, TestType: "runs", UpperBound: 100})
	require.ErrorIs(t, err, ErrClosed)
}

func TestManagerExpiresFinishedTasks(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{ResultTTL: 20 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}, prngFactory(9))
	started, err := m.Start(Request{Generator: source.PRNG, TestType: "autocorr1", UpperBound: 7, Samples: 30})
	require.NoError(t, err)
	waitDone(t, m, started.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = testutil.WaitForCondition(ctx, func() (struct{}, bool) {
		_, err := m.Get(started.ID)
		return struct{}{}, errors.Is(err, ErrNotFound)
	})
	require.NoError(t, err)
}

func TestManagerListsNewestFirst(t *testing.T) {
	t.Parallel()

	fake := clock.NewFakeClock()
	m := newTestManager(t, Config{Clock: fake}, prngFactory(5))

	var ids []string
	for i := 0; i < 3; i++ {
		started, err := m.Start(Request{Generator: source.PRNG, TestType: "serial3", UpperBound: 31, Samples: 20})
		require.NoError(t, err)
		ids = append(ids, started.ID)
		fake.Advance(time.Second)
	}

	list := m.List()
	require.Len(t, list, 3)
	require.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})
}
