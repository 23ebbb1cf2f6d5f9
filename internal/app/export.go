package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"market-autopilot/internal/analysis"
	"market-autopilot/internal/market"
	"market-autopilot/internal/storage"
)

// smaWarmup extra rows are loaded ahead of the window so both averages are defined from its start.
const smaWarmup = 50

type exportRow struct {
	Price market.PricePoint
	SMA20 *float64
	SMA50 *float64
}

// Export renders an instrument's close price and moving averages as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	id, err := requireTicker(opts.Ticker)
	if err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	now := time.Now().UTC()
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(-1, 0, 0)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	limit := int(now.Sub(from).Hours()/24) + 1 + smaWarmup
	prices, err := store.RecentPrices(ctx, id, limit)
	if err != nil {
		return err
	}

	rows := exportWindow(prices, from, to)
	if len(rows) == 0 {
		a.Logger.Info().Str("instrument", id).Msg("no prices found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Str("instrument", id).Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting prices")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, id, downsampled); err != nil {
			return err
		}
	}
	return nil
}

// exportWindow attaches moving averages to prices and keeps those in [from, to).
func exportWindow(prices []market.PricePoint, from, to time.Time) []exportRow {
	closes := make([]float64, len(prices))
	for i, p := range prices {
		closes[i] = p.Close.InexactFloat64()
	}
	sma20 := analysis.SMA(closes, 20)
	sma50 := analysis.SMA(closes, 50)

	rows := make([]exportRow, 0, len(prices))
	for i, p := range prices {
		if p.Timestamp.Before(from) || !p.Timestamp.Before(to) {
			continue
		}
		rows = append(rows, exportRow{Price: p, SMA20: sma20[i], SMA50: sma50[i]})
	}
	return rows
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"date", "open", "high", "low", "close", "volume", "source", "sma20", "sma50"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Price.Timestamp.UTC().Format(time.DateOnly),
			r.Price.Open.String(),
			r.Price.High.String(),
			r.Price.Low.String(),
			r.Price.Close.String(),
			strconv.FormatInt(r.Price.Volume, 10),
			r.Price.Source,
			csvFloat(r.SMA20),
			csvFloat(r.SMA50),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func writeRowsPNG(path, instrument string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		x      = make([]time.Time, len(rows))
		closes = make([]float64, len(rows))
		x20    []time.Time
		sma20  []float64
		x50    []time.Time
		sma50  []float64
	)
	for i, r := range rows {
		x[i] = r.Price.Timestamp
		closes[i] = r.Price.Close.InexactFloat64()
		if r.SMA20 != nil {
			x20 = append(x20, r.Price.Timestamp)
			sma20 = append(sma20, *r.SMA20)
		}
		if r.SMA50 != nil {
			x50 = append(x50, r.Price.Timestamp)
			sma50 = append(sma50, *r.SMA50)
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{Name: "Close", XValues: x, YValues: closes},
	}
	// go-chart rejects series with fewer than two points.
	if len(sma20) > 1 {
		series = append(series, chart.TimeSeries{Name: "SMA 20", XValues: x20, YValues: sma20})
	}
	if len(sma50) > 1 {
		series = append(series, chart.TimeSeries{Name: "SMA 50", XValues: x50, YValues: sma50})
	}

	graph := chart.Chart{
		Title:  instrument,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
