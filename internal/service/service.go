package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-autopilot/internal/config"
	"market-autopilot/internal/engine"
	"market-autopilot/internal/storage"
	"market-autopilot/internal/training"
)

// Trainer starts a training run.
type Trainer interface {
	Start(ctx context.Context) (training.Status, error)
}

// Components are the activity bodies wired onto the engine.
type Components struct {
	Ingestion  engine.Body
	Analysis   engine.Body
	Prediction engine.Body
	Portfolio  engine.Body
	Risk       engine.Body
	Health     engine.Body
	Cleanup    engine.Body
	Training   Trainer
}

const stopGrace = 30 * time.Second

// Service registers the activities on the engine and runs it under an optional advisory lock.
type Service struct {
	engine  *engine.Engine
	locker  storage.AdvisoryLocker
	lockKey int64
	logger  zerolog.Logger
}

// New registers every activity with a positive interval. A zero interval leaves the activity off.
func New(eng *engine.Engine, parts Components, activities config.ActivitiesConfig, store storage.Pinger, lockKey int64, logger zerolog.Logger) *Service {
	s := &Service{
		engine:  eng,
		lockKey: lockKey,
		logger:  logger.With().Str("component", "service").Logger(),
	}
	if l, ok := store.(storage.AdvisoryLocker); ok {
		s.locker = l
	}

	s.register(engine.DataCollection, activities.DataCollection, parts.Ingestion)
	s.register(engine.TechnicalAnalysis, activities.TechnicalAnalysis, parts.Analysis)
	s.register(engine.Prediction, activities.Prediction, parts.Prediction)
	s.register(engine.PortfolioReview, activities.PortfolioReview, parts.Portfolio)
	s.register(engine.RiskReview, activities.RiskReview, parts.Risk)
	s.register(engine.HealthCheck, activities.HealthCheck, parts.Health)
	if parts.Training != nil {
		s.register(engine.Training, activities.Training, trainingBody(parts.Training, s.logger))
	}
	s.register(engine.Cleanup, activities.Cleanup, parts.Cleanup)
	return s
}

func (s *Service) register(name string, cfg config.ActivityConfig, body engine.Body) {
	if cfg.Interval <= 0 || body == nil {
		s.logger.Info().Str("activity", name).Msg("activity disabled")
		return
	}
	s.engine.Register(name, cfg.Interval, cfg.InitialDelay, body)
}

// trainingBody starts a run and returns immediately. A run already in progress or too little data
// is not an activity failure.
func trainingBody(t Trainer, logger zerolog.Logger) engine.Body {
	return func(ctx context.Context) error {
		st, err := t.Start(ctx)
		switch {
		case err == nil:
			logger.Info().Str("run_id", st.RunID).Msg("scheduled training started")
			return nil
		case errors.Is(err, training.ErrAlreadyTraining):
			logger.Info().Msg("scheduled training skipped, a run is in progress")
			return nil
		case errors.Is(err, training.ErrInsufficientData):
			logger.Info().Err(err).Msg("scheduled training skipped")
			return nil
		default:
			return err
		}
	}
}

// Run takes the advisory lock, starts the engine and blocks until ctx is done or the engine halts.
func (s *Service) Run(ctx context.Context) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		return fmt.Errorf("another instance holds advisory lock %d", s.lockKey)
	}
	if unlock != nil {
		defer unlock()
	}

	if err := s.engine.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutdown requested")
	case <-s.engine.Done():
		runErr = s.engine.Err()
	}

	// The caller's ctx is already done; in-flight activities get a bounded grace period.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
	defer cancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Error().Err(err).Msg("engine stop failed")
	}
	return runErr
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
