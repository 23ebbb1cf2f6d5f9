package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-autopilot/internal/fetcher"
	"market-autopilot/internal/market"
	"market-autopilot/internal/metrics"
	"market-autopilot/internal/ratelimit"
)

// Fetcher returns history for one instrument. *fetcher.Chain satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, inst market.Instrument, windowDays int) (fetcher.Batch, error)
}

// Store is the slice of the record store the pipeline writes to.
type Store interface {
	FindActiveInstruments(ctx context.Context) ([]market.Instrument, error)
	UpsertPricePoint(ctx context.Context, point market.PricePoint) error
}

// Publisher receives every stored batch. Failures are logged and never fail the refresh.
type Publisher interface {
	PublishPrices(ctx context.Context, instrumentID, source string, points []market.PricePoint) error
}

// Options tune the pipeline.
type Options struct {
	WindowDays int
	Publisher  Publisher
	Metrics    *metrics.Recorder
}

// Pipeline refreshes tracked instruments through the provider chain into the store.
type Pipeline struct {
	chain   Fetcher
	store   Store
	limiter *ratelimit.Limiter
	opts    Options
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New wires a pipeline.
func New(chain Fetcher, store Store, limiter *ratelimit.Limiter, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 120
	}
	return &Pipeline{
		chain:   chain,
		store:   store,
		limiter: limiter,
		opts:    opts,
		logger:  logger.With().Str("component", "ingestion").Logger(),
		sleep:   sleepCtx,
	}
}

// RefreshAll refreshes every active instrument once, in tracked order. A failing instrument does not
// stop the batch; the returned error joins every per-instrument failure.
func (p *Pipeline) RefreshAll(ctx context.Context) error {
	instruments, err := p.store.FindActiveInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load active instruments: %w", err)
	}

	var (
		failures []error
		points   int
	)
	for i, inst := range instruments {
		source, n, err := p.refresh(ctx, inst)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				failures = append(failures, ctxErr)
				break
			}
			p.logger.Error().Err(err).Str("instrument", inst.ID).Msg("instrument refresh failed, continuing batch")
			failures = append(failures, fmt.Errorf("refresh %s: %w", inst.ID, err))
		}
		points += n

		if i == len(instruments)-1 || source == "" {
			continue
		}
		if err := p.sleep(ctx, p.limiter.DelayFor(source)); err != nil {
			failures = append(failures, err)
			break
		}
	}

	p.logger.Info().
		Int("instruments", len(instruments)).
		Int("failed", len(failures)).
		Int("points", points).
		Msg("refresh cycle finished")

	return errors.Join(failures...)
}

// RefreshOne fetches history for inst and upserts every point. It returns the number of points stored.
func (p *Pipeline) RefreshOne(ctx context.Context, inst market.Instrument) (int, error) {
	_, n, err := p.refresh(ctx, inst)
	return n, err
}

func (p *Pipeline) refresh(ctx context.Context, inst market.Instrument) (string, int, error) {
	batch, err := p.chain.Fetch(ctx, inst, p.opts.WindowDays)
	if err != nil {
		p.opts.Metrics.RecordInstrumentRefresh("", 0, err)
		return "", 0, err
	}

	stored := 0
	for _, point := range batch.Points {
		point.InstrumentID = inst.ID
		if point.Source == "" {
			point.Source = batch.Source
		}
		if err := p.store.UpsertPricePoint(ctx, point); err != nil {
			p.opts.Metrics.RecordInstrumentRefresh(batch.Source, stored, err)
			return batch.Source, stored, fmt.Errorf("store %s @ %s: %w", inst.ID, point.Timestamp.Format(time.RFC3339), err)
		}
		stored++
	}
	p.opts.Metrics.RecordInstrumentRefresh(batch.Source, stored, nil)

	if n := len(batch.Points); n > 0 {
		p.opts.Metrics.RecordLastClose(inst.ID, batch.Points[n-1].Close.InexactFloat64())
	}

	if p.opts.Publisher != nil {
		if err := p.opts.Publisher.PublishPrices(ctx, inst.ID, batch.Source, batch.Points); err != nil {
			p.logger.Warn().Err(err).Str("instrument", inst.ID).Msg("publish price batch failed")
		}
	}

	p.logger.Debug().Str("instrument", inst.ID).Str("provider", batch.Source).Int("points", stored).Msg("instrument refreshed")
	return batch.Source, stored, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
