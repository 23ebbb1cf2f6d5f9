package prediction

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-autopilot/internal/market"
	"market-autopilot/internal/storage"
	"market-autopilot/internal/training"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func seedRow(t *testing.T, store *storage.MemoryStore, id string, closeValue int64) {
	t.Helper()
	ctx := context.Background()
	_, err := store.TrackInstrument(ctx, id, "")
	require.NoError(t, err)
	price := decimal.NewFromInt(closeValue)
	require.NoError(t, store.UpsertPricePoint(ctx, market.PricePoint{
		InstrumentID: id, Timestamp: day, Open: price, High: price, Low: price, Close: price,
	}))
	require.NoError(t, store.SaveIndicators(ctx, market.IndicatorSet{
		InstrumentID: id, Timestamp: day,
		SMA20: ptr(1), SMA50: ptr(1), EMA12: ptr(1), EMA26: ptr(1), MACD: ptr(0),
		RSI14: ptr(50), BollingerUpper: ptr(2), BollingerLower: ptr(0), Volatility20: ptr(0.1),
	}))
}

func saveModel(t *testing.T, store *storage.MemoryStore, bias float64, trainedAt time.Time) {
	t.Helper()
	ones := make([]float64, market.FeatureCount)
	for i := range ones {
		ones[i] = 1
	}
	a := training.Artifact{
		Weights:  make([]float64, market.FeatureCount),
		Bias:     bias,
		Scaler:   training.Scaler{Means: make([]float64, market.FeatureCount), Stds: ones},
		Metadata: training.Metadata{RunID: "run", ModelType: training.ModelTypeLinear, TrainedAt: trainedAt},
	}
	payload, err := a.Encode()
	require.NoError(t, err)
	require.NoError(t, store.SaveModelArtifact(context.Background(), storage.Artifact{Payload: payload, TrainedAt: trainedAt}))
}

func TestRunWithoutModelIsSkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRow(t, store, "AAPL", 100)

	require.NoError(t, NewPredictor(store, zerolog.Nop()).Run(context.Background()))
	preds, err := store.LatestPredictions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestRunStoresPredictions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRow(t, store, "AAPL", 200)
	_, err := store.TrackInstrument(ctx, "MSFT", "")
	require.NoError(t, err)
	saveModel(t, store, 0.01, day)

	require.NoError(t, NewPredictor(store, zerolog.Nop()).Run(ctx))

	preds, err := store.LatestPredictions(ctx)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "AAPL", preds[0].InstrumentID)
	assert.True(t, preds[0].Timestamp.Equal(day))
	assert.InDelta(t, 202, preds[0].PredictedClose.InexactFloat64(), 1e-9)
	assert.InDelta(t, 0.01, preds[0].PredictedReturn, 1e-12)
}

func TestModelReloadedOnlyWhenRetrained(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRow(t, store, "AAPL", 100)
	saveModel(t, store, 0.01, day)

	p := NewPredictor(store, zerolog.Nop())
	pred, ok, err := p.PredictInstrument(ctx, market.Instrument{ID: "AAPL"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 101, pred.PredictedClose.InexactFloat64(), 1e-9)

	// Same trained_at with an unreadable payload: the cached model keeps serving.
	require.NoError(t, store.SaveModelArtifact(ctx, storage.Artifact{Payload: []byte("garbage"), TrainedAt: day}))
	_, _, err = p.PredictInstrument(ctx, market.Instrument{ID: "AAPL"})
	require.NoError(t, err)

	saveModel(t, store, -0.02, day.Add(time.Hour))
	pred, _, err = p.PredictInstrument(ctx, market.Instrument{ID: "AAPL"})
	require.NoError(t, err)
	assert.InDelta(t, 98, pred.PredictedClose.InexactFloat64(), 1e-9)
	assert.True(t, pred.ModelTrainedAt.Equal(day.Add(time.Hour)))
}
