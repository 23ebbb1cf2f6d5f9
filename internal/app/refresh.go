package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"market-autopilot/internal/market"
)

// Refresh fetches history for the selected instruments outside the scheduler. Without tickers every
// active instrument is refreshed. Unknown tickers are tracked first.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	instruments, err := a.selectInstruments(ctx, rt, opts.Tickers, true)
	if err != nil {
		return err
	}
	if len(instruments) == 0 {
		return errors.New("no active instruments; track one with `autopilot track TICKER`")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		points atomic.Int64
		failed atomic.Int32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, inst := range instruments {
		g.Go(func() error {
			n, err := rt.pipeline.RefreshOne(gctx, inst)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed.Add(1)
				a.Logger.Error().Err(err).Str("instrument", inst.ID).Msg("refresh failed")
				return nil
			}
			points.Add(int64(n))
			a.Logger.Info().Str("instrument", inst.ID).Int("points", n).Msg("instrument refreshed")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.Logger.Info().
		Int("instruments", len(instruments)).
		Int32("failed", failed.Load()).
		Int64("points", points.Load()).
		Msg("refresh complete")

	if opts.Analyze {
		for _, inst := range instruments {
			n, err := rt.analyzer.AnalyzeInstrument(ctx, inst)
			if err != nil {
				return fmt.Errorf("analyze %s: %w", inst.ID, err)
			}
			a.Logger.Info().Str("instrument", inst.ID).Int("indicator_sets", n).Msg("indicators updated")
		}
	}

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d instruments failed to refresh, check the log", n, len(instruments))
	}
	return nil
}

// selectInstruments resolves tickers, tracking unknown ones when track is set.
func (a *App) selectInstruments(ctx context.Context, rt *runtime, tickers []string, track bool) ([]market.Instrument, error) {
	if len(tickers) == 0 {
		return rt.store.FindActiveInstruments(ctx)
	}
	out := make([]market.Instrument, 0, len(tickers))
	for _, t := range tickers {
		id, err := requireTicker(t)
		if err != nil {
			return nil, err
		}
		if !track {
			out = append(out, market.Instrument{ID: id, Active: true})
			continue
		}
		inst, err := rt.store.TrackInstrument(ctx, id, "")
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", id, err)
		}
		out = append(out, inst)
	}
	return out, nil
}
