package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"market-autopilot/internal/market"
)

// RetryPolicy bounds the shared retry wrapper.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// BreakerSettings configure the per-provider circuit breaker.
type BreakerSettings struct {
	Enabled             bool
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
}

// Guarded decorates a DataSource with classified retries and a circuit breaker.
type Guarded struct {
	source  DataSource
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// Guard wraps source. Only temporary failures count against the breaker.
func Guard(source DataSource, policy RetryPolicy, settings BreakerSettings, logger zerolog.Logger) *Guarded {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}

	g := &Guarded{
		source: source,
		policy: policy,
		logger: logger.With().Str("component", "provider_guard").Str("provider", source.Name()).Logger(),
	}

	if settings.Enabled {
		failures := settings.ConsecutiveFailures
		if failures == 0 {
			failures = 5
		}
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     source.Name(),
			Interval: settings.Interval,
			Timeout:  settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !retryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		})
	}

	return g
}

// Name returns the wrapped provider name.
func (g *Guarded) Name() string { return g.source.Name() }

// IsConfigured delegates to the wrapped provider.
func (g *Guarded) IsConfigured() bool { return g.source.IsConfigured() }

// IsFallback keeps the fallback marker of the wrapped provider visible to the chain.
func (g *Guarded) IsFallback() bool { return isFallback(g.source) }

// FetchHistorical calls the wrapped provider with retries.
func (g *Guarded) FetchHistorical(ctx context.Context, inst market.Instrument, windowDays int) ([]market.PricePoint, error) {
	res, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.source.FetchHistorical(ctx, inst, windowDays)
	})
	if err != nil {
		return nil, err
	}
	points, _ := res.([]market.PricePoint)
	return points, nil
}

// FetchLatest calls the wrapped provider with retries.
func (g *Guarded) FetchLatest(ctx context.Context, inst market.Instrument) (*market.PricePoint, error) {
	res, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.source.FetchLatest(ctx, inst)
	})
	if err != nil {
		return nil, err
	}
	point, _ := res.(*market.PricePoint)
	return point, nil
}

func (g *Guarded) call(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	for attempt := 1; attempt <= g.policy.Attempts; attempt++ {
		res, err := g.execute(ctx, fn)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable(err) || attempt == g.policy.Attempts {
			break
		}

		wait := g.policy.Backoff * time.Duration(attempt)
		g.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying provider call")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (g *Guarded) execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if g.breaker == nil {
		return fn(ctx)
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &ProviderError{Provider: g.source.Name(), Kind: KindUpstream, Temporary: true, Err: err}
	}
	return res, err
}

var _ DataSource = (*Guarded)(nil)
