// Package clock abstracts time for the sample sources and the task runner so
// that timing-dependent behaviour can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used by timing-dependent components.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// Sleep pauses for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock delegates to the standard library.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// After relays to time.After.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for d. It returns ctx.Err() when ctx ends first.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
