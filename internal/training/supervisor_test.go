package training

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-autopilot/internal/market"
	"market-autopilot/internal/storage"
)

func ptr(v float64) *float64 { return &v }

// seedAnalyzable stores n consecutive daily rows with complete indicators for id.
func seedAnalyzable(t *testing.T, store *storage.MemoryStore, id string, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := store.TrackInstrument(ctx, id, "")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		closeValue := 100 + 5*math.Sin(float64(i)/4)
		ts := start.AddDate(0, 0, i)
		price := decimal.NewFromFloat(closeValue)
		require.NoError(t, store.UpsertPricePoint(ctx, market.PricePoint{
			InstrumentID: id, Timestamp: ts, Open: price, High: price, Low: price, Close: price, Volume: 1000,
		}))
		require.NoError(t, store.SaveIndicators(ctx, market.IndicatorSet{
			InstrumentID:   id,
			Timestamp:      ts,
			SMA20:          ptr(closeValue - math.Cos(float64(i)/4)),
			SMA50:          ptr(100),
			EMA12:          ptr(closeValue - 0.5*math.Cos(float64(i)/4)),
			EMA26:          ptr(closeValue - math.Cos(float64(i)/3)),
			MACD:           ptr(0.5 * math.Cos(float64(i)/4)),
			RSI14:          ptr(50 + 20*math.Cos(float64(i)/4)),
			BollingerUpper: ptr(closeValue + 4),
			BollingerLower: ptr(closeValue - 4),
			Volatility20:   ptr(0.01 + 0.005*math.Sin(float64(i)/7)),
		}))
	}
}

// blockingModel parks inside every epoch until released.
type blockingModel struct {
	entered chan int
	release chan struct{}
	epoch   int
}

func newBlockingFactory(m *blockingModel) ModelFactory {
	return func(Dataset, float64) Model { return m }
}

func (m *blockingModel) TrainEpoch() (EpochStats, error) {
	m.epoch++
	m.entered <- m.epoch
	<-m.release
	return EpochStats{Loss: 1 / float64(m.epoch), Accuracy: 0.5}, nil
}

func (m *blockingModel) Parameters() ([]float64, float64) {
	return make([]float64, market.FeatureCount), 0
}

func waitIdle(t *testing.T, s *Supervisor) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Status().IsTraining }, 5*time.Second, 5*time.Millisecond)
}

func TestStartRejectsInsufficientData(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAnalyzable(t, store, "AAPL", 50)

	s := NewSupervisor(store, Options{MinRows: 100}, zerolog.Nop())
	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrInsufficientData)
	assert.False(t, s.Status().IsTraining)
}

func TestStopWhenIdle(t *testing.T) {
	s := NewSupervisor(storage.NewMemoryStore(), Options{}, zerolog.Nop())
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotTraining)
}

func TestCompletedRunPersistsArtifact(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedAnalyzable(t, store, "AAPL", 80)
	seedAnalyzable(t, store, "MSFT", 80)

	s := NewSupervisor(store, Options{Epochs: 20, MinRows: 100, LearningRate: 0.1}, zerolog.Nop())
	st, err := s.Start(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsTraining)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, 20, st.TotalEpochs)

	waitIdle(t, s)

	res, ok := s.LastResult()
	require.True(t, ok)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, st.RunID, res.RunID)
	assert.Equal(t, 20, res.Epochs)

	stored, err := store.LoadModelArtifact(ctx)
	require.NoError(t, err)
	artifact, err := DecodeArtifact(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, st.RunID, artifact.Metadata.RunID)
	assert.Equal(t, ModelTypeLinear, artifact.Metadata.ModelType)
	assert.Equal(t, market.FeatureCount, artifact.Metadata.FeaturesCount)
	// 79 samples per instrument: 64 train and 15 test each.
	assert.Equal(t, 158, artifact.Metadata.SamplesCount)
	assert.False(t, math.IsNaN(artifact.Metadata.TestScore))
}

func TestSecondStartWhileTrainingIsRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAnalyzable(t, store, "AAPL", 120)

	m := &blockingModel{entered: make(chan int), release: make(chan struct{})}
	s := NewSupervisor(store, Options{Epochs: 3, NewModel: newBlockingFactory(m), PollInterval: time.Millisecond}, zerolog.Nop())

	first, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, <-m.entered)
	m.release <- struct{}{}
	require.Equal(t, 2, <-m.entered)

	before := s.Status()
	require.Equal(t, 1, before.CurrentEpoch)

	_, err = s.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyTraining)

	after := s.Status()
	assert.Equal(t, first.RunID, after.RunID)
	assert.Equal(t, 1, after.CurrentEpoch, "rejected start must not reset progress")
	assert.Equal(t, before.TotalEpochs, after.TotalEpochs)
	assert.Equal(t, before.StartTime, after.StartTime)

	close(m.release)
	go func() {
		for range m.entered {
		}
	}()
	waitIdle(t, s)
}

// gatedCount blocks CountAnalyzableRows until gate is closed.
type gatedCount struct {
	*storage.MemoryStore
	counting chan struct{}
	gate     chan struct{}
}

func (g *gatedCount) CountAnalyzableRows(ctx context.Context) (int64, error) {
	g.counting <- struct{}{}
	<-g.gate
	return g.MemoryStore.CountAnalyzableRows(ctx)
}

func TestSlowRowCountDoesNotBlockStop(t *testing.T) {
	mem := storage.NewMemoryStore()
	seedAnalyzable(t, mem, "AAPL", 120)
	store := &gatedCount{MemoryStore: mem, counting: make(chan struct{}, 2), gate: make(chan struct{})}

	m := &blockingModel{entered: make(chan int), release: make(chan struct{})}
	s := NewSupervisor(store, Options{Epochs: 2, NewModel: newBlockingFactory(m), PollInterval: time.Millisecond}, zerolog.Nop())

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Start(context.Background())
			results <- err
		}()
	}
	<-store.counting
	<-store.counting

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, ErrNotTraining)
	case <-time.After(time.Second):
		t.Fatal("stop blocked behind a pending row count")
	}

	// Both starts passed the first check; only one may launch a run.
	close(store.gate)
	errs := []error{<-results, <-results}
	if errs[0] == nil {
		assert.ErrorIs(t, errs[1], ErrAlreadyTraining)
	} else {
		assert.ErrorIs(t, errs[0], ErrAlreadyTraining)
		assert.NoError(t, errs[1])
	}

	close(m.release)
	go func() {
		for range m.entered {
		}
	}()
	waitIdle(t, s)
}

func TestStopTakesEffectAtEpochBoundary(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedAnalyzable(t, store, "AAPL", 120)

	m := &blockingModel{entered: make(chan int), release: make(chan struct{})}
	s := NewSupervisor(store, Options{Epochs: 10, NewModel: newBlockingFactory(m), PollInterval: time.Millisecond}, zerolog.Nop())

	_, err := s.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, <-m.entered)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(ctx) }()

	require.Eventually(t, func() bool { return s.Status().StopRequested }, time.Second, time.Millisecond)
	// Still inside epoch 1: Stop has to wait.
	select {
	case err := <-stopped:
		t.Fatalf("stop returned before the epoch finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, s.Status().IsTraining)

	m.release <- struct{}{}
	require.NoError(t, <-stopped)

	st := s.Status()
	assert.False(t, st.IsTraining)
	assert.Equal(t, 1, st.CurrentEpoch)

	res, ok := s.LastResult()
	require.True(t, ok)
	assert.Equal(t, OutcomeAborted, res.Outcome)

	_, err = store.LoadModelArtifact(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStopHonoursCallerDeadline(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAnalyzable(t, store, "AAPL", 120)

	m := &blockingModel{entered: make(chan int), release: make(chan struct{})}
	s := NewSupervisor(store, Options{Epochs: 2, NewModel: newBlockingFactory(m), PollInterval: time.Millisecond}, zerolog.Nop())
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	<-m.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	close(m.release)
	waitIdle(t, s)
	res, _ := s.LastResult()
	assert.Equal(t, OutcomeAborted, res.Outcome)
}

func TestRestartAfterAbort(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedAnalyzable(t, store, "AAPL", 120)

	m := &blockingModel{entered: make(chan int), release: make(chan struct{})}
	s := NewSupervisor(store, Options{Epochs: 5, NewModel: newBlockingFactory(m), PollInterval: time.Millisecond}, zerolog.Nop())
	first, err := s.Start(ctx)
	require.NoError(t, err)
	<-m.entered
	go func() { m.release <- struct{}{} }()
	require.NoError(t, s.Stop(ctx))

	s.opts.NewModel = NewLinearModel
	second, err := s.Start(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.False(t, second.StopRequested)
	waitIdle(t, s)

	res, _ := s.LastResult()
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestSamplesUseNextClose(t *testing.T) {
	rows := []market.AnalyzableRow{
		{Price: market.PricePoint{Close: decimal.NewFromInt(100)}, Indicators: completeSet()},
		{Price: market.PricePoint{Close: decimal.NewFromInt(110)}, Indicators: completeSet()},
		{Price: market.PricePoint{Close: decimal.NewFromInt(99)}, Indicators: completeSet()},
	}
	d := samplesFrom(rows)
	require.Equal(t, 2, d.Len())
	assert.InDelta(t, 0.10, d.Y[0], 1e-12)
	assert.InDelta(t, -0.10, d.Y[1], 1e-12)
}

func completeSet() market.IndicatorSet {
	return market.IndicatorSet{
		SMA20: ptr(1), SMA50: ptr(1), EMA12: ptr(1), EMA26: ptr(1), MACD: ptr(0),
		RSI14: ptr(50), BollingerUpper: ptr(2), BollingerLower: ptr(0), Volatility20: ptr(0.1),
	}
}
