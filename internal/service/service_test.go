package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-autopilot/internal/alerting"
	"market-autopilot/internal/config"
	"market-autopilot/internal/engine"
	"market-autopilot/internal/storage"
	"market-autopilot/internal/training"
)

type nopSink struct{}

func (nopSink) Info(string, string, string)     {}
func (nopSink) Warning(string, string, string)  {}
func (nopSink) Error(string, string, string)    {}
func (nopSink) Critical(string, string, string) {}

var _ alerting.Sink = nopSink{}

type stubTrainer struct {
	err   error
	calls atomic.Int32
}

func (s *stubTrainer) Start(context.Context) (training.Status, error) {
	s.calls.Add(1)
	if s.err != nil {
		return training.Status{}, s.err
	}
	return training.Status{RunID: "run", IsTraining: true}, nil
}

func ok(context.Context) error { return nil }

func every(d time.Duration) config.ActivityConfig {
	return config.ActivityConfig{Interval: d}
}

func TestNewRegistersEnabledActivitiesOnly(t *testing.T) {
	store := storage.NewMemoryStore()
	eng := engine.New(store, nopSink{}, engine.Options{}, zerolog.Nop())
	parts := Components{Ingestion: ok, Analysis: ok, Prediction: ok, Portfolio: ok, Risk: ok, Health: ok, Cleanup: ok, Training: &stubTrainer{}}

	New(eng, parts, config.ActivitiesConfig{
		DataCollection:    every(time.Minute),
		TechnicalAnalysis: every(time.Minute),
		Training:          every(time.Hour),
		Cleanup:           config.ActivityConfig{},
	}, store, 0, zerolog.Nop())

	assert.Equal(t, []string{engine.DataCollection, engine.TechnicalAnalysis, engine.Training}, eng.ActivityNames())
}

func TestTrainingBodyToleratesPreconditions(t *testing.T) {
	ctx := context.Background()
	for _, err := range []error{nil, training.ErrAlreadyTraining, fmt.Errorf("%w: 50 rows", training.ErrInsufficientData)} {
		assert.NoError(t, trainingBody(&stubTrainer{err: err}, zerolog.Nop())(ctx))
	}
	boom := errors.New("count analyzable rows: connection reset")
	assert.ErrorIs(t, trainingBody(&stubTrainer{err: boom}, zerolog.Nop())(ctx), boom)
}

func TestRunStopsOnCancellation(t *testing.T) {
	store := storage.NewMemoryStore()
	eng := engine.New(store, nopSink{}, engine.Options{}, zerolog.Nop())
	var runs atomic.Int32
	body := func(context.Context) error {
		runs.Add(1)
		return nil
	}
	svc := New(eng, Components{Ingestion: body}, config.ActivitiesConfig{DataCollection: every(time.Hour)}, store, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, eng.Status().IsRunning)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, eng.Status().IsRunning)
}

type lockedStore struct {
	*storage.MemoryStore
	acquired bool
	released atomic.Bool
}

func (l *lockedStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() { l.released.Store(true) }, l.acquired, nil
}

func TestRunRefusesWhenLockHeldElsewhere(t *testing.T) {
	store := &lockedStore{MemoryStore: storage.NewMemoryStore()}
	eng := engine.New(store, nopSink{}, engine.Options{}, zerolog.Nop())
	svc := New(eng, Components{}, config.ActivitiesConfig{}, store, 42, zerolog.Nop())

	err := svc.Run(context.Background())
	assert.ErrorContains(t, err, "advisory lock 42")
	assert.False(t, eng.Status().IsRunning)
}

func TestRunReturnsHaltCause(t *testing.T) {
	store := &lockedStore{MemoryStore: storage.NewMemoryStore(), acquired: true}
	eng := engine.New(store, nopSink{}, engine.Options{MaxRetries: 1, StopOnCriticalError: true}, zerolog.Nop())
	failing := func(context.Context) error { return errors.New("upstream down") }
	svc := New(eng, Components{Ingestion: failing}, config.ActivitiesConfig{DataCollection: every(time.Hour)}, store, 42, zerolog.Nop())

	err := svc.Run(context.Background())
	assert.ErrorIs(t, err, engine.ErrCriticalEngineFailure)
	assert.True(t, store.released.Load())
}
