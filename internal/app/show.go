package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"market-autopilot/internal/market"
	"market-autopilot/internal/storage"
)

// Show prints recent prices, the latest complete indicator set, and the latest prediction for a ticker.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	return showInstrument(ctx, store, os.Stdout, opts)
}

type showStore interface {
	RecentPrices(ctx context.Context, instrumentID string, limit int) ([]market.PricePoint, error)
	LoadAnalyzableWindow(ctx context.Context, instrumentID string, length int) ([]market.AnalyzableRow, error)
	LatestPredictions(ctx context.Context) ([]market.Prediction, error)
}

func showInstrument(ctx context.Context, store showStore, out io.Writer, opts ShowOptions) error {
	id, err := requireTicker(opts.Ticker)
	if err != nil {
		return err
	}

	prices, err := store.RecentPrices(ctx, id, opts.Limit)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		fmt.Fprintf(out, "no prices found for %s\n", id)
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date (UTC)\tOpen\tHigh\tLow\tClose\tVolume\tSource")
	for _, p := range prices {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			p.Timestamp.UTC().Format(time.DateOnly),
			formatDecimal(p.Open, 2),
			formatDecimal(p.High, 2),
			formatDecimal(p.Low, 2),
			formatDecimal(p.Close, 2),
			p.Volume,
			p.Source,
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	rows, err := store.LoadAnalyzableWindow(ctx, id, 1)
	if err != nil {
		return err
	}
	if len(rows) == 1 {
		ind := rows[0].Indicators
		fmt.Fprintf(out, "\nindicators at %s\n", ind.Timestamp.UTC().Format(time.DateOnly))
		writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "SMA20\tSMA50\tEMA12\tEMA26\tMACD\tRSI14\tBB upper\tBB lower\tVol20")
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatFloat(ind.SMA20, 2), formatFloat(ind.SMA50, 2),
			formatFloat(ind.EMA12, 2), formatFloat(ind.EMA26, 2),
			formatFloat(ind.MACD, 4), formatFloat(ind.RSI14, 1),
			formatFloat(ind.BollingerUpper, 2), formatFloat(ind.BollingerLower, 2),
			formatFloat(ind.Volatility20, 4),
		)
		if err := writer.Flush(); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, "\nno complete indicator set yet")
	}

	preds, err := store.LatestPredictions(ctx)
	if err != nil {
		return err
	}
	for _, p := range preds {
		if p.InstrumentID != id {
			continue
		}
		fmt.Fprintf(out, "\nprediction for the session after %s: close %s (%+.2f%%), model trained %s\n",
			p.Timestamp.UTC().Format(time.DateOnly),
			formatDecimal(p.PredictedClose, 2),
			p.PredictedReturn*100,
			p.ModelTrainedAt.UTC().Format(time.RFC3339),
		)
		return nil
	}
	fmt.Fprintln(out, "\nno prediction yet")
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatFloat(v *float64, places int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f", places, *v)
}
