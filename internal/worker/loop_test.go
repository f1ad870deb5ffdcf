package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A kick runs the function without waiting for the interval.
func TestLoop_KickRunsImmediately(t *testing.T) {
	var runs atomic.Int32
	loop := NewLoop("test", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	loop.Kick()
	require.Eventually(t, func() bool { return runs.Load() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

// Kicks while one is pending coalesce instead of queueing.
func TestLoop_KicksCoalesce(t *testing.T) {
	loop := NewLoop("test", time.Hour, func(ctx context.Context) error { return nil })
	loop.Kick()
	loop.Kick()
	loop.Kick()
	assert.Len(t, loop.Trigger, 1)
}

func TestLoop_StopsOnCancel(t *testing.T) {
	loop := NewLoop("test", time.Hour, func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, attempts)
}

func TestRetry_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, time.Minute, func() error { return errors.New("nope") })
	assert.ErrorIs(t, err, context.Canceled)
}
