package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-autopilot/internal/fetcher"
	"market-autopilot/internal/market"
	"market-autopilot/internal/ratelimit"
	"market-autopilot/internal/storage"
)

type scriptedFetcher struct {
	mu     sync.Mutex
	failOn map[string]error
	closes map[string]int64
	calls  []string
}

func (f *scriptedFetcher) Fetch(_ context.Context, inst market.Instrument, windowDays int) (fetcher.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inst.ID)
	if err := f.failOn[inst.ID]; err != nil {
		return fetcher.Batch{}, err
	}
	base := f.closes[inst.ID]
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]market.PricePoint, windowDays)
	for i := range points {
		price := decimal.NewFromInt(base + int64(i))
		points[i] = market.PricePoint{Timestamp: start.AddDate(0, 0, i), Open: price, High: price, Low: price, Close: price}
	}
	return fetcher.Batch{Source: "finnhub", Points: points}, nil
}

func trackAll(t *testing.T, store *storage.MemoryStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := store.TrackInstrument(context.Background(), id, "")
		require.NoError(t, err)
	}
}

func newTestPipeline(chain Fetcher, store Store, limiter *ratelimit.Limiter, opts Options) (*Pipeline, *[]time.Duration) {
	p := New(chain, store, limiter, opts, zerolog.Nop())
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestRefreshAllContinuesPastFailingInstrument(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	trackAll(t, store, "AAPL", "MSFT", "NVDA")

	boom := errors.New("upstream exploded")
	chain := &scriptedFetcher{
		failOn: map[string]error{"MSFT": boom},
		closes: map[string]int64{"AAPL": 100, "NVDA": 500},
	}
	p, _ := newTestPipeline(chain, store, nil, Options{WindowDays: 3})

	err := p.RefreshAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "refresh MSFT")
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, chain.calls, "every instrument is attempted in tracked order")

	for id, wantLast := range map[string]string{"AAPL": "102", "NVDA": "502"} {
		points, err := store.RecentPrices(ctx, id, 10)
		require.NoError(t, err)
		require.Len(t, points, 3, id)
		assert.Equal(t, wantLast, points[2].Close.String())
		assert.Equal(t, id, points[2].InstrumentID)
		assert.Equal(t, "finnhub", points[2].Source)
	}
	msft, err := store.RecentPrices(ctx, "MSFT", 10)
	require.NoError(t, err)
	assert.Empty(t, msft)
}

func TestRefreshOneIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	chain := &scriptedFetcher{closes: map[string]int64{"AAPL": 100}}
	p, _ := newTestPipeline(chain, store, nil, Options{WindowDays: 5})

	inst := market.Instrument{ID: "AAPL", Active: true}
	for i := 0; i < 2; i++ {
		n, err := p.RefreshOne(ctx, inst)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	}

	points, err := store.RecentPrices(ctx, "AAPL", 100)
	require.NoError(t, err)
	assert.Len(t, points, 5)
}

func TestRefreshAllPacesBetweenInstruments(t *testing.T) {
	store := storage.NewMemoryStore()
	trackAll(t, store, "AAPL", "MSFT", "NVDA")
	chain := &scriptedFetcher{closes: map[string]int64{}}
	limiter := ratelimit.New(ratelimit.Table{"finnhub": 60})

	p, slept := newTestPipeline(chain, store, limiter, Options{WindowDays: 1})
	require.NoError(t, p.RefreshAll(context.Background()))

	assert.Equal(t, []time.Duration{time.Second, time.Second}, *slept, "no delay after the last instrument")
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) PublishPrices(context.Context, string, string, []market.PricePoint) error {
	f.calls++
	return errors.New("broker down")
}

func TestPublisherFailureDoesNotFailRefresh(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &failingPublisher{}
	chain := &scriptedFetcher{closes: map[string]int64{"AAPL": 1}}
	p, _ := newTestPipeline(chain, store, nil, Options{WindowDays: 2, Publisher: pub})

	n, err := p.RefreshOne(context.Background(), market.Instrument{ID: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, pub.calls)
}

func TestRefreshAllStopsOnCancellation(t *testing.T) {
	store := storage.NewMemoryStore()
	trackAll(t, store, "AAPL", "MSFT")
	chain := &scriptedFetcher{closes: map[string]int64{}}
	limiter := ratelimit.New(ratelimit.Table{"finnhub": 1})
	p := New(chain, store, limiter, Options{WindowDays: 1}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.RefreshAll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"AAPL"}, chain.calls)
}
