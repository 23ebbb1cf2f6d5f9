package prediction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-autopilot/internal/market"
	"market-autopilot/internal/storage"
	"market-autopilot/internal/training"
)

// Store is the slice of the record store the predictor needs.
type Store interface {
	FindActiveInstruments(ctx context.Context) ([]market.Instrument, error)
	LoadAnalyzableWindow(ctx context.Context, instrumentID string, length int) ([]market.AnalyzableRow, error)
	LoadModelArtifact(ctx context.Context) (storage.Artifact, error)
	SavePrediction(ctx context.Context, p market.Prediction) error
}

// Predictor applies the persisted model to the newest analyzable row of every instrument.
type Predictor struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	model     *training.Artifact
	trainedAt time.Time
}

// NewPredictor builds a predictor. The artifact is loaded on first use.
func NewPredictor(store Store, logger zerolog.Logger) *Predictor {
	return &Predictor{
		store:  store,
		logger: logger.With().Str("component", "prediction").Logger(),
		now:    time.Now,
	}
}

// Run predicts every active instrument. A missing artifact is not an error.
func (p *Predictor) Run(ctx context.Context) error {
	model, err := p.loadModel(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Info().Msg("no trained model yet, no prediction possible")
		return nil
	}
	if err != nil {
		return err
	}

	instruments, err := p.store.FindActiveInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load active instruments: %w", err)
	}

	var failures []error
	for _, inst := range instruments {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		pred, ok, err := p.predictOne(ctx, model, inst)
		if err != nil {
			p.logger.Error().Err(err).Str("instrument", inst.ID).Msg("prediction failed, continuing batch")
			failures = append(failures, fmt.Errorf("predict %s: %w", inst.ID, err))
			continue
		}
		if !ok {
			p.logger.Debug().Str("instrument", inst.ID).Msg("no analyzable row yet")
			continue
		}
		p.logger.Debug().
			Str("instrument", inst.ID).
			Str("predicted_close", pred.PredictedClose.StringFixed(4)).
			Float64("predicted_return", pred.PredictedReturn).
			Msg("prediction stored")
	}
	return errors.Join(failures...)
}

// PredictInstrument predicts a single instrument. ok is false when it has no analyzable row.
func (p *Predictor) PredictInstrument(ctx context.Context, inst market.Instrument) (market.Prediction, bool, error) {
	model, err := p.loadModel(ctx)
	if err != nil {
		return market.Prediction{}, false, err
	}
	return p.predictOne(ctx, model, inst)
}

func (p *Predictor) predictOne(ctx context.Context, model training.Artifact, inst market.Instrument) (market.Prediction, bool, error) {
	rows, err := p.store.LoadAnalyzableWindow(ctx, inst.ID, 1)
	if err != nil {
		return market.Prediction{}, false, fmt.Errorf("load latest row: %w", err)
	}
	if len(rows) == 0 {
		return market.Prediction{}, false, nil
	}
	row := rows[len(rows)-1]

	ret, err := model.PredictReturn(row.Features())
	if err != nil {
		return market.Prediction{}, false, err
	}
	pred := market.Prediction{
		InstrumentID:    inst.ID,
		Timestamp:       row.Price.Timestamp,
		PredictedClose:  row.Price.Close.Mul(decimal.NewFromFloat(1 + ret)).Round(8),
		PredictedReturn: ret,
		ModelTrainedAt:  model.Metadata.TrainedAt,
		CreatedAt:       p.now().UTC(),
	}
	if err := p.store.SavePrediction(ctx, pred); err != nil {
		return market.Prediction{}, false, fmt.Errorf("save prediction: %w", err)
	}
	return pred, true, nil
}

// loadModel returns the cached artifact, decoding the stored one again only when it was retrained.
func (p *Predictor) loadModel(ctx context.Context) (training.Artifact, error) {
	stored, err := p.store.LoadModelArtifact(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return training.Artifact{}, err
		}
		return training.Artifact{}, fmt.Errorf("load model artifact: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil && p.trainedAt.Equal(stored.TrainedAt) {
		return *p.model, nil
	}

	model, err := training.DecodeArtifact(stored.Payload)
	if err != nil {
		return training.Artifact{}, err
	}
	p.model = &model
	p.trainedAt = stored.TrainedAt
	p.logger.Info().
		Str("run_id", model.Metadata.RunID).
		Time("trained_at", stored.TrainedAt).
		Float64("test_score", model.Metadata.TestScore).
		Msg("model loaded")
	return model, nil
}
