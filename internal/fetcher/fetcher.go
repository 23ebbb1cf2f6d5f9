package fetcher

import (
	"context"

	"market-autopilot/internal/market"
)

// DataSource is one upstream market-data provider.
type DataSource interface {
	// Name identifies the provider in logs, metrics and the rate-limit table.
	Name() string
	// IsConfigured reports whether the credentials the provider needs are present.
	IsConfigured() bool
	FetchHistorical(ctx context.Context, inst market.Instrument, windowDays int) ([]market.PricePoint, error)
	FetchLatest(ctx context.Context, inst market.Instrument) (*market.PricePoint, error)
}

// fallbackSource marks sources the chain must always try last.
type fallbackSource interface {
	IsFallback() bool
}

func isFallback(src DataSource) bool {
	f, ok := src.(fallbackSource)
	return ok && f.IsFallback()
}

// Batch is the outcome of a successful chain fetch.
type Batch struct {
	Source string
	Points []market.PricePoint
}
