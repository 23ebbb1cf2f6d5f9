package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-autopilot/internal/market"
	"market-autopilot/internal/ratelimit"
)

// Observer receives one call per provider attempt.
type Observer interface {
	ObserveProviderFetch(provider, outcome string, elapsed time.Duration)
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithPacer spaces consecutive calls to the same provider.
func WithPacer(p *ratelimit.Pacer) ChainOption {
	return func(c *Chain) { c.pacer = p }
}

// WithObserver reports provider attempts, typically to metrics.
func WithObserver(o Observer) ChainOption {
	return func(c *Chain) { c.observer = o }
}

// Chain tries data sources one at a time in priority order and returns the first non-empty result.
// Sources are never queried in parallel so paid quotas are only spent when earlier sources fail.
type Chain struct {
	sources  []DataSource
	pacer    *ratelimit.Pacer
	observer Observer
	logger   zerolog.Logger
}

// NewChain keeps the given priority order, except that fallback sources always move to the end.
func NewChain(sources []DataSource, logger zerolog.Logger, opts ...ChainOption) *Chain {
	ordered := make([]DataSource, 0, len(sources))
	var fallbacks []DataSource
	for _, src := range sources {
		if src == nil {
			continue
		}
		if isFallback(src) {
			fallbacks = append(fallbacks, src)
			continue
		}
		ordered = append(ordered, src)
	}
	ordered = append(ordered, fallbacks...)

	c := &Chain{sources: ordered, logger: logger.With().Str("component", "provider_chain").Logger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured lists the names of sources that currently report credentials, in priority order.
func (c *Chain) Configured() []string {
	names := make([]string, 0, len(c.sources))
	for _, src := range c.sources {
		if src.IsConfigured() {
			names = append(names, src.Name())
		}
	}
	return names
}

// Fetch returns historical points from the first source that yields data.
func (c *Chain) Fetch(ctx context.Context, inst market.Instrument, windowDays int) (Batch, error) {
	var batch Batch
	err := c.try(ctx, inst, func(ctx context.Context, src DataSource) (bool, error) {
		points, err := src.FetchHistorical(ctx, inst, windowDays)
		if err != nil {
			return false, err
		}
		if len(points) == 0 {
			return false, nil
		}
		batch = Batch{Source: src.Name(), Points: points}
		return true, nil
	})
	return batch, err
}

// FetchLatest returns the latest point from the first source that yields one.
func (c *Chain) FetchLatest(ctx context.Context, inst market.Instrument) (market.PricePoint, string, error) {
	var (
		point  market.PricePoint
		source string
	)
	err := c.try(ctx, inst, func(ctx context.Context, src DataSource) (bool, error) {
		p, err := src.FetchLatest(ctx, inst)
		if err != nil {
			return false, err
		}
		if p == nil {
			return false, nil
		}
		point, source = *p, src.Name()
		return true, nil
	})
	return point, source, err
}

func (c *Chain) try(ctx context.Context, inst market.Instrument, attempt func(context.Context, DataSource) (bool, error)) error {
	var lastErr error
	for _, src := range c.sources {
		if !src.IsConfigured() {
			continue
		}
		if err := c.pacer.Wait(ctx, src.Name()); err != nil {
			return err
		}

		start := time.Now()
		ok, err := attempt(ctx, src)
		elapsed := time.Since(start)

		switch {
		case err == nil && ok:
			c.observe(src.Name(), "success", elapsed)
			return nil
		case err == nil:
			err = emptyResult(src.Name(), inst.ID)
			c.observe(src.Name(), string(KindEmptyResult), elapsed)
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.observe(src.Name(), outcomeOf(err), elapsed)
		}

		c.logger.Warn().Err(err).Str("provider", src.Name()).Str("instrument", inst.ID).Msg("provider failed, trying next")
		lastErr = err
	}

	if lastErr == nil {
		return fmt.Errorf("%w: no configured providers for %s", ErrNoProviderAvailable, inst.ID)
	}
	return fmt.Errorf("%w for %s: %w", ErrNoProviderAvailable, inst.ID, lastErr)
}

func (c *Chain) observe(provider, outcome string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveProviderFetch(provider, outcome, elapsed)
	}
}

func outcomeOf(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return string(perr.Kind)
	}
	return "error"
}
