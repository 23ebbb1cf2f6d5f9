package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"market-autopilot/internal/market"
)

// Store is the slice of the record store the analyzer needs.
type Store interface {
	FindActiveInstruments(ctx context.Context) ([]market.Instrument, error)
	RecentPrices(ctx context.Context, instrumentID string, limit int) ([]market.PricePoint, error)
	SaveIndicators(ctx context.Context, set market.IndicatorSet) error
}

// Analyzer recomputes indicators over a trailing window of stored prices.
type Analyzer struct {
	store    Store
	lookback int
	logger   zerolog.Logger
}

// NewAnalyzer builds an analyzer. Lookback is raised to the warmup length when smaller.
func NewAnalyzer(store Store, lookback int, logger zerolog.Logger) *Analyzer {
	if lookback < WarmupLength {
		lookback = 200
	}
	return &Analyzer{store: store, lookback: lookback, logger: logger.With().Str("component", "analysis").Logger()}
}

// Run analyzes every active instrument. Failures are collected, never abort the batch.
func (a *Analyzer) Run(ctx context.Context) error {
	instruments, err := a.store.FindActiveInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load active instruments: %w", err)
	}

	var failures []error
	for _, inst := range instruments {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		n, err := a.AnalyzeInstrument(ctx, inst)
		if err != nil {
			a.logger.Error().Err(err).Str("instrument", inst.ID).Msg("analysis failed, continuing batch")
			failures = append(failures, fmt.Errorf("analyze %s: %w", inst.ID, err))
			continue
		}
		a.logger.Debug().Str("instrument", inst.ID).Int("sets", n).Msg("indicators updated")
	}
	return errors.Join(failures...)
}

// AnalyzeInstrument stores indicator sets for the trailing window of inst and returns how many were written.
// When the window may not reach back to the first stored price, incomplete warmup sets are not written
// so rows made analyzable by an earlier, longer pass keep their values.
func (a *Analyzer) AnalyzeInstrument(ctx context.Context, inst market.Instrument) (int, error) {
	points, err := a.store.RecentPrices(ctx, inst.ID, a.lookback)
	if err != nil {
		return 0, fmt.Errorf("load prices: %w", err)
	}
	fullHistory := len(points) < a.lookback

	written := 0
	for _, set := range Compute(points) {
		if !fullHistory && !set.Complete() {
			continue
		}
		if err := a.store.SaveIndicators(ctx, set); err != nil {
			return written, fmt.Errorf("save indicators: %w", err)
		}
		written++
	}
	return written, nil
}
