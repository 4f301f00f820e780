// Package clock abstracts timers so the session, poller and refresh scheduler
// can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the subset of the time package the daemon schedules work with.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d (Real) or during
	// Advance (Fake).
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer cancels a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
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
