// Package worker runs the long-lived sync pipelines: one goroutine per
// loop, a trigger channel for immediate wake-ups, and exponential backoff
// on persistent failure.
package worker

import (
	"context"
	"log/slog"
	"time"
)

const MaxDelay = 3600 * time.Second

// Loop alternates fn with a sleep. The delay starts at Interval, doubles on
// every consecutive failure up to MaxDelay, and snaps back on success. A
// send on Trigger runs fn immediately regardless of the timer.
type Loop struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error

	// Trigger wakes the loop early. Buffered so hooks never block.
	Trigger chan struct{}
}

// NewLoop builds a loop with a one-slot trigger channel.
func NewLoop(name string, interval time.Duration, fn func(ctx context.Context) error) *Loop {
	return &Loop{
		Name:     name,
		Interval: interval,
		Fn:       fn,
		Trigger:  make(chan struct{}, 1),
	}
}

// Kick requests an immediate iteration without blocking the caller.
func (l *Loop) Kick() {
	select {
	case l.Trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	delay := l.Interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	runOnce := func() {
		if err := l.Fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("worker iteration failed", "worker", l.Name, "err", err, "next_delay", delay)
			delay *= 2
			if delay > MaxDelay {
				delay = MaxDelay
			}
		} else {
			delay = l.Interval
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			runOnce()
			timer.Reset(delay)
		case <-l.Trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			runOnce()
			timer.Reset(delay)
		}
	}
}

// Retry calls fn up to attempts times with exponential backoff starting at
// initial. The last error is returned when every attempt fails.
func Retry(ctx context.Context, attempts int, initial time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := initial
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
