package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultCommandTimeout = 10 * time.Second
	// commandWaitDelay bounds the wait for output pipes held open by
	// grandchildren after the generator is killed.
	commandWaitDelay = 500 * time.Millisecond
)

// commandSource runs an external generator process per sample. The process
// receives the upper bound as its last argument and prints one integer.
type commandSource struct {
	argv    []string
	dir     string
	timeout time.Duration
}

func newCommandSource(cfg Config) (*commandSource, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("%w: command source requires a generator command", ErrNotConfigured)
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &commandSource{
		argv:    append([]string(nil), cfg.Command...),
		dir:     cfg.CommandDir,
		timeout: timeout,
	}, nil
}

func (s *commandSource) Name() string { return Command }

func (s *commandSource) Generate(ctx context.Context, upperBound int64) (int64, error) {
	if err := checkBound(upperBound); err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := append(append([]string(nil), s.argv[1:]...), strconv.FormatInt(upperBound, 10))
	cmd := exec.CommandContext(runCtx, s.argv[0], args...)
	cmd.Dir = s.dir
	cmd.WaitDelay = commandWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("source: command timed out after %s", s.timeout)
		}
		return 0, fmt.Errorf("source: command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseCommandOutput(stdout.String(), upperBound)
}

// parseCommandOutput takes the absolute value of the printed integer and
// reduces it into [0, upperBound] when the generator overshoots.
func parseCommandOutput(output string, upperBound int64) (int64, error) {
	text := strings.TrimSpace(output)
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("source: command output %q is not an integer: %w", text, err)
	}
	if value == math.MinInt64 {
		return 0, fmt.Errorf("source: command output %d has no absolute value", value)
	}
	if value < 0 {
		value = -value
	}
	if value > upperBound {
		return reduce(uint64(value), upperBound), nil
	}
	return value, nil
}
