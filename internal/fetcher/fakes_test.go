package fetcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-autopilot/internal/market"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeSource struct {
	name       string
	configured bool
	fallback   bool
	points     []market.PricePoint
	errs       []error // returned in order, then points
	calls      atomic.Int32
}

func (f *fakeSource) Name() string       { return f.name }
func (f *fakeSource) IsConfigured() bool { return f.configured }
func (f *fakeSource) IsFallback() bool   { return f.fallback }

func (f *fakeSource) FetchHistorical(ctx context.Context, inst market.Instrument, windowDays int) ([]market.PricePoint, error) {
	n := int(f.calls.Add(1))
	if n <= len(f.errs) {
		return nil, f.errs[n-1]
	}
	return f.points, nil
}

func (f *fakeSource) FetchLatest(ctx context.Context, inst market.Instrument) (*market.PricePoint, error) {
	points, err := f.FetchHistorical(ctx, inst, 1)
	if err != nil || len(points) == 0 {
		return nil, err
	}
	return &points[len(points)-1], nil
}

func samplePoints(id string, n int) []market.PricePoint {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]market.PricePoint, n)
	for i := range points {
		price := decimal.NewFromInt(int64(100 + i))
		points[i] = market.PricePoint{
			InstrumentID: id,
			Timestamp:    start.AddDate(0, 0, i),
			Open:         price,
			High:         price,
			Low:          price,
			Close:        price,
			Volume:       1000,
		}
	}
	return points
}
