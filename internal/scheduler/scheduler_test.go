package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunHonoursInitialDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	var ticks atomic.Int32
	s := New(Options{Name: "late", Interval: Fixed(time.Millisecond), InitialDelay: time.Hour}, zerolog.Nop())
	err := s.Run(ctx, func(context.Context, time.Time) error {
		ticks.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, ticks.Load())
}

func TestRunTicksRepeatedly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	s := New(Options{Name: "fast", Interval: Fixed(2 * time.Millisecond)}, zerolog.Nop())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			ticks.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestIntervalIsReadAfterEveryTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interval atomic.Int64
	interval.Store(int64(time.Hour))
	var ticks atomic.Int32

	s := New(Options{Name: "reconfigured", Interval: func() time.Duration { return time.Duration(interval.Load()) }}, zerolog.Nop())
	go func() {
		_ = s.Run(ctx, func(context.Context, time.Time) error {
			// The first tick shortens the period for every following activation.
			interval.Store(int64(time.Millisecond))
			ticks.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestResetRearmsPendingTimer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interval atomic.Int64
	interval.Store(int64(time.Hour))
	var ticks atomic.Int32
	reset := make(chan struct{}, 1)

	s := New(Options{
		Name:     "rearmed",
		Interval: func() time.Duration { return time.Duration(interval.Load()) },
		Reset:    reset,
	}, zerolog.Nop())
	go func() {
		_ = s.Run(ctx, func(context.Context, time.Time) error {
			ticks.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, time.Millisecond)
	// The hour-long wait is already armed; shortening must not wait it out.
	interval.Store(int64(5 * time.Millisecond))
	reset <- struct{}{}
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 200*time.Millisecond, time.Millisecond)
}

func TestResetKeepsInitialDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	var ticks atomic.Int32
	reset := make(chan struct{}, 1)
	reset <- struct{}{}
	s := New(Options{Name: "delayed", Interval: Fixed(time.Millisecond), InitialDelay: time.Hour, Reset: reset}, zerolog.Nop())
	err := s.Run(ctx, func(context.Context, time.Time) error {
		ticks.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, ticks.Load())
}

func TestNewRequiresInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
