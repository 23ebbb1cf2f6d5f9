package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"market-autopilot/internal/market"
	"market-autopilot/internal/metrics"
	"market-autopilot/internal/storage"
)

var (
	// ErrAlreadyTraining is returned by Start while a run is in progress.
	ErrAlreadyTraining = errors.New("training: already training")
	// ErrNotTraining is returned by Stop when no run is in progress.
	ErrNotTraining = errors.New("training: not training")
	// ErrInsufficientData is returned when there are fewer analyzable rows than required.
	ErrInsufficientData = errors.New("training: insufficient data")

	errDiverged = errors.New("training: loss diverged")
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// Store is the slice of the record store the supervisor uses.
type Store interface {
	FindActiveInstruments(ctx context.Context) ([]market.Instrument, error)
	CountAnalyzableRows(ctx context.Context) (int64, error)
	LoadAnalyzableWindow(ctx context.Context, instrumentID string, length int) ([]market.AnalyzableRow, error)
	SaveModelArtifact(ctx context.Context, artifact storage.Artifact) error
}

// Options are read when a run starts; changing them never affects a run in flight.
type Options struct {
	Epochs       int
	MinRows      int
	WindowLength int
	LearningRate float64
	TestFraction float64
	// PollInterval is how often Stop checks whether the loop has exited.
	PollInterval time.Duration
	// EpochPause is an optional sleep after every epoch.
	EpochPause time.Duration
	NewModel   ModelFactory
	Metrics    *metrics.Recorder
}

// Status is a snapshot of the current or last run.
type Status struct {
	RunID         string    `json:"run_id,omitempty"`
	IsTraining    bool      `json:"is_training"`
	StopRequested bool      `json:"stop_requested"`
	StartTime     time.Time `json:"start_time"`
	CurrentEpoch  int       `json:"current_epoch"`
	TotalEpochs   int       `json:"total_epochs"`
	Loss          float64   `json:"loss"`
	Accuracy      float64   `json:"accuracy"`
}

// Result describes a finished run.
type Result struct {
	RunID      string    `json:"run_id"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"start_time"`
	FinishedAt time.Time `json:"finished_at"`
	Epochs     int       `json:"epochs"`
	Loss       float64   `json:"loss"`
	Accuracy   float64   `json:"accuracy"`
	TrainScore float64   `json:"train_score"`
	TestScore  float64   `json:"test_score"`
}

// Supervisor owns the single training run: Idle -> Training -> {Completed, Aborted, Failed} -> Idle.
type Supervisor struct {
	store  Store
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	// lifecycle serialises Start and the flag-set half of Stop.
	lifecycle  sync.Mutex
	shouldStop atomic.Bool

	// progress guards status and last; it is never held while the loop does work.
	progress sync.RWMutex
	status   Status
	last     *Result
}

// NewSupervisor builds an idle supervisor.
func NewSupervisor(store Store, opts Options, logger zerolog.Logger) *Supervisor {
	if opts.Epochs <= 0 {
		opts.Epochs = 50
	}
	if opts.MinRows <= 0 {
		opts.MinRows = 100
	}
	if opts.WindowLength <= 1 {
		opts.WindowLength = 250
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.05
	}
	if opts.TestFraction < 0 || opts.TestFraction >= 1 {
		opts.TestFraction = 0.2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.NewModel == nil {
		opts.NewModel = NewLinearModel
	}
	return &Supervisor{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "training").Logger(),
		now:    time.Now,
	}
}

// Start launches a run on its own goroutine. The caller's ctx only bounds the precondition checks.
func (s *Supervisor) Start(ctx context.Context) (Status, error) {
	if s.Status().IsTraining {
		return Status{}, ErrAlreadyTraining
	}

	// The count runs outside lifecycle so a slow store never blocks Stop.
	rows, err := s.store.CountAnalyzableRows(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count analyzable rows: %w", err)
	}
	if rows < int64(s.opts.MinRows) {
		return Status{}, fmt.Errorf("%w: %d analyzable rows, need %d", ErrInsufficientData, rows, s.opts.MinRows)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.Status().IsTraining {
		return Status{}, ErrAlreadyTraining
	}

	opts := s.opts
	st := Status{
		RunID:       uuid.NewString(),
		IsTraining:  true,
		StartTime:   s.now().UTC(),
		TotalEpochs: opts.Epochs,
	}
	s.shouldStop.Store(false)
	s.progress.Lock()
	s.status = st
	s.progress.Unlock()

	s.logger.Info().Str("run_id", st.RunID).Int64("rows", rows).Int("epochs", opts.Epochs).Msg("training started")
	go s.run(st, opts)
	return st, nil
}

// Stop requests cancellation and blocks until the loop leaves Training or ctx is done.
// The loop only observes the request at an epoch boundary.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	st := s.Status()
	if !st.IsTraining {
		s.lifecycle.Unlock()
		return ErrNotTraining
	}
	s.shouldStop.Store(true)
	s.progress.Lock()
	s.status.StopRequested = true
	s.progress.Unlock()
	s.lifecycle.Unlock()

	s.logger.Info().Str("run_id", st.RunID).Msg("stop requested, waiting for epoch boundary")

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		cur := s.Status()
		if !cur.IsTraining || cur.RunID != st.RunID {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status never blocks on the fit loop.
func (s *Supervisor) Status() Status {
	s.progress.RLock()
	defer s.progress.RUnlock()
	return s.status
}

// LastResult returns the outcome of the most recent finished run.
func (s *Supervisor) LastResult() (Result, bool) {
	s.progress.RLock()
	defer s.progress.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

func (s *Supervisor) run(st Status, opts Options) {
	// Detached from any request: the run outlives the call that started it.
	ctx := context.Background()
	res := s.fit(ctx, st, opts)

	res.RunID = st.RunID
	res.StartTime = st.StartTime
	res.FinishedAt = s.now().UTC()

	s.progress.Lock()
	res.Epochs = s.status.CurrentEpoch
	res.Loss = s.status.Loss
	res.Accuracy = s.status.Accuracy
	s.status.IsTraining = false
	s.last = &res
	s.progress.Unlock()

	opts.Metrics.RecordTrainingOutcome(string(res.Outcome))

	event := s.logger.Info()
	if res.Outcome == OutcomeFailed {
		event = s.logger.Error().Str("error", res.Error)
	}
	event.Str("run_id", res.RunID).
		Str("outcome", string(res.Outcome)).
		Int("epochs", res.Epochs).
		Float64("loss", res.Loss).
		Dur("elapsed", res.FinishedAt.Sub(res.StartTime)).
		Msg("training finished")
}

func (s *Supervisor) fit(ctx context.Context, st Status, opts Options) Result {
	fail := func(err error) Result {
		return Result{Outcome: OutcomeFailed, Error: err.Error()}
	}

	train, test, err := s.buildDatasets(ctx, opts)
	if err != nil {
		return fail(err)
	}
	scaler := FitScaler(train.X)
	train, test = scaler.transformAll(train), scaler.transformAll(test)
	model := opts.NewModel(train, opts.LearningRate)

	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		if s.shouldStop.Load() {
			return Result{Outcome: OutcomeAborted}
		}

		stats, err := model.TrainEpoch()
		if err != nil {
			return fail(fmt.Errorf("epoch %d: %w", epoch, err))
		}

		s.progress.Lock()
		s.status.CurrentEpoch = epoch
		s.status.Loss = stats.Loss
		s.status.Accuracy = stats.Accuracy
		s.progress.Unlock()
		opts.Metrics.RecordTrainingProgress(epoch, stats.Loss)

		if opts.EpochPause > 0 {
			time.Sleep(opts.EpochPause)
		}
	}
	if s.shouldStop.Load() {
		return Result{Outcome: OutcomeAborted}
	}

	weights, bias := model.Parameters()
	predict := func(x []float64) float64 { return linear(weights, bias, x) }
	trainScore, testScore := r2(train, predict), r2(test, predict)

	artifact := Artifact{
		Weights: weights,
		Bias:    bias,
		Scaler:  scaler,
		Metadata: Metadata{
			RunID:         st.RunID,
			ModelType:     ModelTypeLinear,
			FeaturesCount: len(weights),
			SamplesCount:  train.Len() + test.Len(),
			TrainScore:    trainScore,
			TestScore:     testScore,
			Epochs:        opts.Epochs,
			TrainedAt:     s.now().UTC(),
		},
	}
	payload, err := artifact.Encode()
	if err != nil {
		return fail(err)
	}
	if err := s.store.SaveModelArtifact(ctx, storage.Artifact{Payload: payload, TrainedAt: artifact.Metadata.TrainedAt}); err != nil {
		return fail(fmt.Errorf("save artifact: %w", err))
	}
	return Result{Outcome: OutcomeCompleted, TrainScore: trainScore, TestScore: testScore}
}

// buildDatasets turns each instrument's analyzable window into (features, next-row return) samples
// and splits every instrument chronologically so the test rows are the newest ones.
func (s *Supervisor) buildDatasets(ctx context.Context, opts Options) (Dataset, Dataset, error) {
	instruments, err := s.store.FindActiveInstruments(ctx)
	if err != nil {
		return Dataset{}, Dataset{}, fmt.Errorf("load active instruments: %w", err)
	}

	var train, test Dataset
	for _, inst := range instruments {
		rows, err := s.store.LoadAnalyzableWindow(ctx, inst.ID, opts.WindowLength)
		if err != nil {
			return Dataset{}, Dataset{}, fmt.Errorf("load window for %s: %w", inst.ID, err)
		}
		samples := samplesFrom(rows)
		cut := samples.Len() - int(float64(samples.Len())*opts.TestFraction)
		train.X = append(train.X, samples.X[:cut]...)
		train.Y = append(train.Y, samples.Y[:cut]...)
		test.X = append(test.X, samples.X[cut:]...)
		test.Y = append(test.Y, samples.Y[cut:]...)
	}

	if train.Len() == 0 {
		return Dataset{}, Dataset{}, fmt.Errorf("%w: no training samples", ErrInsufficientData)
	}
	return train, test, nil
}

func samplesFrom(rows []market.AnalyzableRow) Dataset {
	var d Dataset
	for i := 0; i+1 < len(rows); i++ {
		cur := rows[i].Price.Close.InexactFloat64()
		next := rows[i+1].Price.Close.InexactFloat64()
		if cur == 0 {
			continue
		}
		d.X = append(d.X, rows[i].Features())
		d.Y = append(d.Y, next/cur-1)
	}
	return d
}
