// Package task runs sample collection and analysis in the background and
// tracks each run under a task identifier until its result expires.
package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"randomness-lab/internal/bitseq"
	"randomness-lab/internal/clock"
	"randomness-lab/internal/collector"
	"randomness-lab/internal/metrics"
	"randomness-lab/internal/source"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// State is the lifecycle state of a task.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Status messages shown while a task runs and after it ends.
const (
	StatusInitializing     = "Initializing test..."
	StatusAnalyzing        = "100% complete - Analyzing results..."
	StatusCompleted        = "Test completed - 100% done"
	StatusStopped          = "Stopped by user"
	StatusComputationError = "Test computation error"

	resultStopped = "Test stopped"
)

// Defaults applied by NewManager to zero Config fields.
const (
	DefaultSamples         = 500
	DefaultMaxSamples      = 100_000
	DefaultProgressEvery   = 10
	DefaultResultTTL       = time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

var (
	// ErrNotFound is returned for unknown or expired task identifiers.
	ErrNotFound = errors.New("task: not found")
	// ErrInvalidRequest wraps every request validation failure.
	ErrInvalidRequest = errors.New("task: invalid request")
	// ErrTooManyTasks is returned when MaxActive tasks are already running.
	ErrTooManyTasks = errors.New("task: too many active tasks")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("task: manager closed")
)

// Request describes one collection and analysis run.
type Request struct {
	Generator  string `json:"generator"`
	TestType   string `json:"test_type"`
	UpperBound int64  `json:"upper_bound"`
	// Samples of zero selects the configured default.
	Samples int `json:"samples"`
}

// Status is a point-in-time view of a task.
type Status struct {
	ID        string `json:"task_id"`
	Source    string `json:"generator"`
	Generator string `json:"generator_name"`
	TestType  string `json:"test_type"`
	State     State  `json:"state"`
	Status    string `json:"status"`
	Percent   int    `json:"percent"`
	Done      bool   `json:"done"`
	Result    string `json:"result"`

	Collected          int       `json:"collected"`
	Requested          int       `json:"requested"`
	RepetitionFailures int       `json:"repetition_failures"`
	ProportionFailures int       `json:"proportion_failures"`
	Analysis           *Analysis `json:"analysis,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at,omitzero"`
}

// SourceFactory builds the named source for one task. The task closes the
// source when it ends.
type SourceFactory func(ctx context.Context, name string) (source.Source, error)

// Config tunes a Manager.
type Config struct {
	DefaultSamples int
	MaxSamples     int
	// ProgressEvery is the number of samples between status updates.
	ProgressEvery int
	// MaxActive bounds concurrently running tasks; zero means unbounded.
	MaxActive       int
	ResultTTL       time.Duration
	CleanupInterval time.Duration
	Clock           clock.Clock
}

// Manager owns the running and recently finished tasks.
type Manager struct {
	cfg       Config
	newSource SourceFactory
	store     *cache.Cache

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	active int
	closed bool
}

type task struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
}

// NewManager returns a Manager drawing sources from factory.
func NewManager(cfg Config, factory SourceFactory) *Manager {
	if cfg.DefaultSamples <= 0 {
		cfg.DefaultSamples = DefaultSamples
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.DefaultSamples > cfg.MaxSamples {
		cfg.DefaultSamples = cfg.MaxSamples
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		newSource: factory,
		store:     cache.New(cfg.ResultTTL, cfg.CleanupInterval),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// Start validates req and launches the task in the background.
func (m *Manager) Start(req Request) (Status, error) {
	req, err := m.normalize(req)
	if err != nil {
		return Status{}, err
	}
	display, _ := source.DisplayName(req.Generator)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Status{}, ErrClosed
	}
	if m.cfg.MaxActive > 0 && m.active >= m.cfg.MaxActive {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("%w: limit %d", ErrTooManyTasks, m.cfg.MaxActive)
	}
	m.active++
	m.wg.Add(1)
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(m.baseCtx)
	t := &task{
		cancel: cancel,
		status: Status{
			ID:        uuid.NewString(),
			Source:    req.Generator,
			Generator: display,
			TestType:  req.TestType,
			State:     StateRunning,
			Status:    StatusInitializing,
			Requested: req.Samples,
			StartedAt: m.cfg.Clock.Now(),
		},
	}
	m.store.Set(t.status.ID, t, cache.NoExpiration)
	metrics.TaskStarted()
	zap.S().Infof("task: %s started (%s, %s, %d samples in [0, %d])",
		t.status.ID, req.Generator, req.TestType, req.Samples, req.UpperBound)

	snapshot := t.snapshot()
	go m.run(ctx, t, req)
	return snapshot, nil
}

// Get returns the current status of a task.
func (m *Manager) Get(id string) (Status, error) {
	t, ok := m.lookup(id)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.snapshot(), nil
}

// List returns every known task, most recently started first.
func (m *Manager) List() []Status {
	items := m.store.Items()
	out := make([]Status, 0, len(items))
	for _, item := range items {
		if t, ok := item.Object.(*task); ok {
			out = append(out, t.snapshot())
		}
	}
	slices.SortFunc(out, func(a, b Status) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out
}

// Stop requests cooperative cancellation. Stopping a finished task is a
// no-op.
func (m *Manager) Stop(id string) error {
	t, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	zap.S().Infof("task: stop requested for %s", id)
	t.cancel()
	return nil
}

// Active returns the number of running tasks.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Wait blocks until the task has finished or ctx ends and returns its
// final status.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := m.Get(id)
		if err != nil || status.Done {
			return status, err
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops every running task and waits for them to finish or for
// ctx to end. Start fails afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) lookup(id string) (*task, bool) {
	obj, ok := m.store.Get(id)
	if !ok {
		return nil, false
	}
	t, ok := obj.(*task)
	return t, ok
}

func (m *Manager) normalize(req Request) (Request, error) {
	if _, ok := source.DisplayName(req.Generator); !ok {
		return req, fmt.Errorf("%w: unknown generator %q", ErrInvalidRequest, req.Generator)
	}
	if !ValidTestType(req.TestType) {
		return req, fmt.Errorf("%w: unknown test type %q", ErrInvalidRequest, req.TestType)
	}
	if req.UpperBound <= 0 {
		return req, fmt.Errorf("%w: upper bound must be positive, got %d", ErrInvalidRequest, req.UpperBound)
	}
	switch {
	case req.Samples == 0:
		req.Samples = m.cfg.DefaultSamples
	case req.Samples < 0:
		return req, fmt.Errorf("%w: samples must be positive, got %d", ErrInvalidRequest, req.Samples)
	case req.Samples > m.cfg.MaxSamples:
		return req, fmt.Errorf("%w: samples %d exceed the limit of %d", ErrInvalidRequest, req.Samples, m.cfg.MaxSamples)
	}
	return req, nil
}

func (m *Manager) run(ctx context.Context, t *task, req Request) {
	defer m.wg.Done()
	defer t.cancel()

	state := m.execute(ctx, t, req)
	metrics.TaskFinished(string(state))
	// Re-inserting starts the expiry clock for the finished task.
	m.store.SetDefault(t.snapshot().ID, t)

	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

func (m *Manager) execute(ctx context.Context, t *task, req Request) State {
	id := t.snapshot().ID

	src, err := m.newSource(ctx, req.Generator)
	if err != nil {
		if ctx.Err() != nil {
			return t.stop(m.cfg.Clock.Now())
		}
		zap.S().Warnf("task: %s source %s: %v", id, req.Generator, err)
		return t.fail(fmt.Sprintf("Generator error: %v", err), m.cfg.Clock.Now())
	}
	defer func() {
		if err := source.Close(src); err != nil {
			zap.S().Warnf("task: %s closing source %s: %v", id, req.Generator, err)
		}
	}()

	display := t.snapshot().Generator
	report, err := collector.Collect(ctx, src, req.UpperBound, req.Samples,
		collector.WithClock(m.cfg.Clock),
		collector.WithProgress(m.cfg.ProgressEvery, func(p collector.Progress) {
			t.update(func(s *Status) {
				s.Collected = p.Collected
				s.Percent = p.Percent
				s.Status = fmt.Sprintf("%d%% complete - %s", p.Percent, display)
			})
		}),
	)
	t.update(func(s *Status) {
		s.Collected = len(report.Samples)
		s.RepetitionFailures = report.RepetitionFailures
		s.ProportionFailures = report.ProportionFailures
	})
	if err != nil {
		if ctx.Err() != nil {
			zap.S().Infof("task: %s stopped after %d samples", id, len(report.Samples))
			return t.stop(m.cfg.Clock.Now())
		}
		zap.S().Warnf("task: %s generator error: %v", id, err)
		return t.fail(fmt.Sprintf("Generator error: %v", err), m.cfg.Clock.Now())
	}

	t.update(func(s *Status) {
		s.Percent = 100
		s.Status = StatusAnalyzing
	})

	seq, err := bitseq.FromSamples(report.Samples)
	if err != nil {
		zap.S().Errorf("task: %s assembling sequence: %v", id, err)
		return t.fail(StatusComputationError, m.cfg.Clock.Now())
	}

	analysis, err := Analyze(ctx, seq, req.TestType)
	if err != nil {
		if ctx.Err() != nil {
			return t.stop(m.cfg.Clock.Now())
		}
		zap.S().Errorf("task: %s analysis: %v", id, err)
		return t.fail(StatusComputationError, m.cfg.Clock.Now())
	}

	zap.S().Infof("task: %s completed over %d bits (passed=%t)", id, analysis.Bits, analysis.Passed())
	t.update(func(s *Status) {
		s.State = StateCompleted
		s.Status = StatusCompleted
		s.Done = true
		s.Result = analysis.String()
		s.Analysis = &analysis
		s.FinishedAt = m.cfg.Clock.Now()
	})
	return StateCompleted
}

func (t *task) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *task) update(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
}

func (t *task) stop(now time.Time) State {
	t.update(func(s *Status) {
		s.State = StateStopped
		s.Status = StatusStopped
		s.Result = resultStopped
		s.Done = true
		s.FinishedAt = now
	})
	return StateStopped
}

func (t *task) fail(message string, now time.Time) State {
	t.update(func(s *Status) {
		s.State = StateFailed
		s.Status = message
		s.Result = ""
		s.Done = true
		s.FinishedAt = now
	})
	return StateFailed
}
