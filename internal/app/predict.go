package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"market-autopilot/internal/market"
	"market-autopilot/internal/storage"
)

// Predict runs the stored model against the latest analyzable row of the selected instruments and
// prints the stored predictions. Without tickers every active instrument is predicted.
func (a *App) Predict(ctx context.Context, tickers []string) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	instruments, err := a.selectInstruments(ctx, rt, tickers, false)
	if err != nil {
		return err
	}

	preds := make([]market.Prediction, 0, len(instruments))
	var failures []error
	for _, inst := range instruments {
		pred, ok, err := rt.predictor.PredictInstrument(ctx, inst)
		if errors.Is(err, storage.ErrNotFound) {
			return errors.New("no trained model yet; run `autopilot train` first")
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("predict %s: %w", inst.ID, err))
			continue
		}
		if !ok {
			a.Logger.Warn().Str("instrument", inst.ID).Msg("no analyzable row yet, skipping")
			continue
		}
		preds = append(preds, pred)
	}

	if err := writePredictions(os.Stdout, preds); err != nil {
		return err
	}
	return errors.Join(failures...)
}

func writePredictions(out io.Writer, preds []market.Prediction) error {
	if len(preds) == 0 {
		fmt.Fprintln(out, "no predictions")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Ticker\tAs of\tPredicted close\tReturn %\tModel trained")
	for _, p := range preds {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%+.2f\t%s\n",
			p.InstrumentID,
			p.Timestamp.UTC().Format(time.DateOnly),
			formatDecimal(p.PredictedClose, 2),
			p.PredictedReturn*100,
			p.ModelTrainedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}
