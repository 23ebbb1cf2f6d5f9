package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"market-autopilot/internal/storage"
)

// Track adds or reactivates an instrument on the watch-list.
func (a *App) Track(ctx context.Context, ticker, name string) error {
	id, err := requireTicker(ticker)
	if err != nil {
		return err
	}
	store, closeStore, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	inst, err := store.TrackInstrument(ctx, id, name)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("instrument", inst.ID).Msg("instrument tracked")
	return nil
}

// Untrack deactivates an instrument. Its history is kept.
func (a *App) Untrack(ctx context.Context, ticker string) error {
	id, err := requireTicker(ticker)
	if err != nil {
		return err
	}
	store, closeStore, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.UntrackInstrument(ctx, id); err != nil {
		return fmt.Errorf("untrack %s: %w", id, err)
	}
	a.Logger.Info().Str("instrument", id).Msg("instrument untracked")
	return nil
}

// ListInstruments prints the active watch-list in tracked order.
func (a *App) ListInstruments(ctx context.Context) error {
	store, closeStore, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	return listInstruments(ctx, store, os.Stdout)
}

func listInstruments(ctx context.Context, store storage.InstrumentStore, out io.Writer) error {
	instruments, err := store.FindActiveInstruments(ctx)
	if err != nil {
		return err
	}
	if len(instruments) == 0 {
		fmt.Fprintln(out, "no active instruments")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Ticker\tName\tTracked since")
	for _, inst := range instruments {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", inst.ID, inst.Name, inst.CreatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}
