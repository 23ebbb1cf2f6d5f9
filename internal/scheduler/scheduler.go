package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every activation.
type TickFunc func(ctx context.Context, at time.Time) error

// IntervalFunc returns the period until the next activation. It is read after every tick and on
// every Reset signal so the period can change at runtime.
type IntervalFunc func() time.Duration

// Fixed returns an IntervalFunc that never changes.
func Fixed(d time.Duration) IntervalFunc {
	return func() time.Duration { return d }
}

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     IntervalFunc
	InitialDelay time.Duration
	// Reset re-reads Interval and re-arms the pending timer relative to the last activation.
	// A nil channel disables it.
	Reset <-chan struct{}
}

// Scheduler drives one periodic activity.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval == nil {
		panic("scheduler interval must be set")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("activity", opts.Name).Logger(),
	}
}

// Run blocks until ctx is cancelled: it waits InitialDelay, ticks, then ticks again every interval.
// A tick that overruns its slot is followed immediately by the next one, never by a burst.
// A Reset before the first tick keeps the initial delay.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	next := time.Now().Add(s.opts.InitialDelay)
	var last time.Time
	for {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_run", next).Msg("waiting for next activation")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.opts.Reset:
			timer.Stop()
			if last.IsZero() {
				continue
			}
			interval := s.opts.Interval()
			if interval <= 0 {
				continue
			}
			next = clampNow(last.Add(interval))
			s.logger.Debug().Dur("interval", interval).Msg("interval reset")
			continue
		case <-timer.C:
		}

		last = next
		at := time.Now().UTC()
		if err := tick(ctx, at); err != nil {
			s.logger.Debug().Err(err).Msg("tick returned error")
		}

		interval := s.opts.Interval()
		if interval <= 0 {
			s.logger.Warn().Dur("interval", interval).Msg("non-positive interval, stopping")
			<-ctx.Done()
			return ctx.Err()
		}
		next = clampNow(next.Add(interval))
	}
}

func clampNow(t time.Time) time.Time {
	if now := time.Now(); t.Before(now) {
		return now
	}
	return t
}
