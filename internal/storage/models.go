package storage

import (
	"context"
	"errors"
	"time"

	"market-autopilot/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// Artifact is the persisted output of a completed training run. Payload is opaque JSON.
type Artifact struct {
	Payload   []byte
	TrainedAt time.Time
	SavedAt   time.Time
}

// InstrumentStore manages the watch-list.
type InstrumentStore interface {
	// FindActiveInstruments returns active instruments in tracked (creation) order.
	FindActiveInstruments(ctx context.Context) ([]market.Instrument, error)
	TrackInstrument(ctx context.Context, id, name string) (market.Instrument, error)
	UntrackInstrument(ctx context.Context, id string) error
	// CountInstruments counts every known instrument, active or not.
	CountInstruments(ctx context.Context) (int64, error)
}

// PriceStore persists OHLCV points.
type PriceStore interface {
	// UpsertPricePoint overwrites OHLCV for an existing (instrument, timestamp).
	UpsertPricePoint(ctx context.Context, point market.PricePoint) error
	// RecentPrices returns at most limit of the newest points, oldest first.
	RecentPrices(ctx context.Context, instrumentID string, limit int) ([]market.PricePoint, error)
	// DeletePricesBefore removes points older than cutoff together with derived rows.
	DeletePricesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IndicatorStore persists derived indicators and exposes analyzable rows.
type IndicatorStore interface {
	SaveIndicators(ctx context.Context, set market.IndicatorSet) error
	// CountAnalyzableRows counts rows of active instruments with a complete indicator set.
	CountAnalyzableRows(ctx context.Context) (int64, error)
	// LoadAnalyzableWindow returns at most length of the newest analyzable rows, oldest first.
	LoadAnalyzableWindow(ctx context.Context, instrumentID string, length int) ([]market.AnalyzableRow, error)
}

// ArtifactStore keeps the single model artifact.
type ArtifactStore interface {
	SaveModelArtifact(ctx context.Context, artifact Artifact) error
	// LoadModelArtifact returns ErrNotFound when no model has been trained yet.
	LoadModelArtifact(ctx context.Context) (Artifact, error)
}

// PredictionStore persists model outputs.
type PredictionStore interface {
	SavePrediction(ctx context.Context, p market.Prediction) error
	// LatestPredictions returns the newest prediction per instrument ordered by instrument.
	LatestPredictions(ctx context.Context) ([]market.Prediction, error)
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecordStore is everything the automation core reads and writes.
type RecordStore interface {
	Pinger
	InstrumentStore
	PriceStore
	IndicatorStore
	ArtifactStore
	PredictionStore
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
