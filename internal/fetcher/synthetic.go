package fetcher

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-autopilot/internal/market"
)

// SyntheticName is the provider key of the always-available fallback.
const SyntheticName = "synthetic"

// SyntheticOptions shape the generated series.
type SyntheticOptions struct {
	BasePrice  float64
	Volatility float64
	MinVolume  int64
	MaxVolume  int64
	Seed       uint64
}

// Synthetic fabricates a bounded random walk so the pipeline always has a working path.
// Every bar is a function of (instrument, day, seed) alone, so overlapping windows agree
// and FetchLatest returns the newest historical bar.
type Synthetic struct {
	opts   SyntheticOptions
	logger zerolog.Logger
	now    func() time.Time
}

// syntheticMemory is how many daily shocks make up one close.
const syntheticMemory = 20

// NewSynthetic builds the fallback source.
func NewSynthetic(opts SyntheticOptions, logger zerolog.Logger) *Synthetic {
	if opts.BasePrice <= 0 {
		opts.BasePrice = 100
	}
	if opts.Volatility <= 0 {
		opts.Volatility = 0.02
	}
	if opts.MinVolume <= 0 {
		opts.MinVolume = 100_000
	}
	if opts.MaxVolume < opts.MinVolume {
		opts.MaxVolume = opts.MinVolume * 10
	}
	return &Synthetic{opts: opts, logger: logger.With().Str("component", "synthetic_fetcher").Logger(), now: time.Now}
}

func (s *Synthetic) Name() string { return SyntheticName }

func (s *Synthetic) IsConfigured() bool { return true }

func (s *Synthetic) IsFallback() bool { return true }

// FetchHistorical returns one bar per day ending today (UTC).
func (s *Synthetic) FetchHistorical(ctx context.Context, inst market.Instrument, windowDays int) ([]market.PricePoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if windowDays <= 0 {
		windowDays = 1
	}

	end := s.now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -(windowDays - 1))

	h := fnv.New64a()
	_, _ = h.Write([]byte(inst.ID))
	instSeed := h.Sum64() ^ s.opts.Seed

	base := s.opts.BasePrice * (0.8 + float64(h.Sum64()%400)/1000)
	floor, ceiling := base*0.5, base*1.5

	// shocks[j] is the shock of day start+(j-syntheticMemory).
	shocks := make([]float64, windowDays+syntheticMemory)
	for j := range shocks {
		shocks[j] = dayRand(instSeed, start.AddDate(0, 0, j-syntheticMemory), 0).NormFloat64()
	}
	closeAt := func(j int) float64 {
		var level float64
		for _, v := range shocks[j-syntheticMemory+1 : j+1] {
			level += v
		}
		return clamp(base*(1+level*s.opts.Volatility), floor, ceiling)
	}

	points := make([]market.PricePoint, 0, windowDays)
	for i := 0; i < windowDays; i++ {
		day := start.AddDate(0, 0, i)
		j := i + syntheticMemory
		open, price := closeAt(j-1), closeAt(j)

		rng := dayRand(instSeed, day, 1)
		high := math.Max(open, price) * (1 + math.Abs(rng.NormFloat64())*s.opts.Volatility/2)
		low := math.Min(open, price) * (1 - math.Abs(rng.NormFloat64())*s.opts.Volatility/2)
		volume := s.opts.MinVolume + rng.Int64N(s.opts.MaxVolume-s.opts.MinVolume+1)

		points = append(points, market.PricePoint{
			InstrumentID: inst.ID,
			Timestamp:    day,
			Open:         decimal.NewFromFloat(open).Round(4),
			High:         decimal.NewFromFloat(high).Round(4),
			Low:          decimal.NewFromFloat(low).Round(4),
			Close:        decimal.NewFromFloat(price).Round(4),
			Volume:       volume,
			Source:       SyntheticName,
		})
	}

	s.logger.Debug().
		Str("instrument", inst.ID).
		Time("from", start).
		Time("to", end).
		Msg("generated synthetic series")
	return points, nil
}

// FetchLatest returns today's synthetic bar.
func (s *Synthetic) FetchLatest(ctx context.Context, inst market.Instrument) (*market.PricePoint, error) {
	points, err := s.FetchHistorical(ctx, inst, 1)
	if err != nil {
		return nil, err
	}
	return &points[0], nil
}

// dayRand returns the generator for one (instrument, day) pair; stream separates independent draws.
func dayRand(instSeed uint64, day time.Time, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(instSeed, uint64(day.Unix())<<1|stream))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

var _ DataSource = (*Synthetic)(nil)
