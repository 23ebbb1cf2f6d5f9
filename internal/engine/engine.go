package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"market-autopilot/internal/alerting"
	"market-autopilot/internal/market"
	"market-autopilot/internal/metrics"
	"market-autopilot/internal/scheduler"
)

// Activity names.
const (
	DataCollection    = "data_collection"
	TechnicalAnalysis = "technical_analysis"
	Prediction        = "prediction"
	PortfolioReview   = "portfolio_review"
	RiskReview        = "risk_review"
	HealthCheck       = "health_check"
	Training          = "training"
	Cleanup           = "cleanup"

	// MainLoop is the supervising loop; its failures feed the same error handler.
	MainLoop = "main_loop"
)

// maxErrorRecords bounds the rolling error buffer.
const maxErrorRecords = 100

var (
	// ErrCriticalEngineFailure is recorded when the retry budget is exhausted and the engine halts itself.
	ErrCriticalEngineFailure = errors.New("engine: critical failure, retry budget exhausted")
	// ErrUnknownActivity is returned for names that were never registered.
	ErrUnknownActivity = errors.New("engine: unknown activity")
	// ErrActivityBusy is returned by RunActivity while the same activity is in flight.
	ErrActivityBusy = errors.New("engine: activity already running")
)

// State of one activity.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateError  State = "error"
)

// Body is the work an activity performs.
type Body func(ctx context.Context) error

// Store is the slice of the record store the engine itself touches.
type Store interface {
	Ping(ctx context.Context) error
	CountInstruments(ctx context.Context) (int64, error)
	TrackInstrument(ctx context.Context, id, name string) (market.Instrument, error)
}

// Options configure the engine. Activity intervals are given per Register call.
type Options struct {
	MainLoopInterval    time.Duration
	MaxRetries          int
	StopOnCriticalError bool
	ErrorThreshold      int
	Workers             int
	// StaleFactor flags an activity whose last run is older than StaleFactor intervals.
	StaleFactor        int
	DefaultInstruments []string
	Metrics            *metrics.Recorder
}

// ActivityStatus is a copy of one activity's state.
type ActivityStatus struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	Interval     time.Duration `json:"interval"`
	InitialDelay time.Duration `json:"initial_delay"`
	LastRun      time.Time     `json:"last_run"`
	LastError    string        `json:"last_error,omitempty"`
	ErrorCount   int           `json:"error_count"`
	Runs         int           `json:"runs"`
	Stale        bool          `json:"stale"`
}

// ErrorRecord is one entry of the rolling error buffer.
type ErrorRecord struct {
	Time     time.Time `json:"time"`
	Activity string    `json:"activity"`
	Message  string    `json:"message"`
}

// Status is a deep copy of the engine state.
type Status struct {
	IsRunning  bool                      `json:"is_running"`
	StartedAt  time.Time                 `json:"started_at"`
	Cycles     int64                     `json:"cycles"`
	RetryCount int                       `json:"retry_count"`
	Halted     bool                      `json:"halted"`
	HaltReason string                    `json:"halt_reason,omitempty"`
	Activities map[string]ActivityStatus `json:"activities"`
	Errors     []ErrorRecord             `json:"errors"`
}

type activity struct {
	name         string
	body         Body
	interval     atomic.Int64
	initialDelay time.Duration
	inFlight     atomic.Bool
	reset        chan struct{}

	// guarded by Engine.mu
	status            ActivityStatus
	thresholdNotified bool
}

// Engine schedules the registered activities and supervises them with the main loop.
type Engine struct {
	store  Store
	sink   alerting.Sink
	opts   Options
	logger zerolog.Logger
	sem    *semaphore.Weighted
	now    func() time.Time

	mu         sync.Mutex
	activities map[string]*activity
	order      []string
	running    bool
	starting   bool
	startedAt  time.Time
	cycles     int64
	retryCount int
	halted     bool
	haltErr    error
	errs       []ErrorRecord
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  *sync.Once
	wg         sync.WaitGroup
}

// New builds a stopped engine.
func New(store Store, sink alerting.Sink, opts Options, logger zerolog.Logger) *Engine {
	if opts.MainLoopInterval <= 0 {
		opts.MainLoopInterval = time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.StaleFactor <= 0 {
		opts.StaleFactor = 3
	}
	return &Engine{
		store:      store,
		sink:       sink,
		opts:       opts,
		logger:     logger.With().Str("component", "engine").Logger(),
		sem:        semaphore.NewWeighted(int64(opts.Workers)),
		now:        time.Now,
		activities: make(map[string]*activity),
	}
}

// Register adds an activity. Registering after Start takes effect on the next Start.
func (e *Engine) Register(name string, interval, initialDelay time.Duration, body Body) {
	if interval <= 0 {
		panic(fmt.Sprintf("engine: activity %s interval must be positive", name))
	}
	a := &activity{name: name, body: body, initialDelay: initialDelay, reset: make(chan struct{}, 1)}
	a.interval.Store(int64(interval))
	a.status = ActivityStatus{Name: name, State: StateIdle, Interval: interval, InitialDelay: initialDelay}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.activities[name]; !ok {
		e.order = append(e.order, name)
	}
	e.activities[name] = a
}

// Start health-checks the store, seeds default instruments when none were ever tracked and arms
// every activity timer. Calling Start on a running or starting engine only logs a warning.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running || e.starting {
		e.mu.Unlock()
		e.logger.Warn().Msg("engine already running")
		return nil
	}
	e.starting = true
	e.mu.Unlock()

	// Store round trips happen without e.mu so Status and Stop stay responsive.
	err := e.store.Ping(ctx)
	if err != nil {
		err = fmt.Errorf("engine health check: %w", err)
	} else {
		err = e.seed(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.starting = false
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.halted = false
	e.haltErr = nil
	e.retryCount = 0
	e.startedAt = e.now().UTC()
	e.done = make(chan struct{})
	e.closeOnce = &sync.Once{}

	for _, name := range e.order {
		a := e.activities[name]
		a.thresholdNotified = false
		sched := scheduler.New(scheduler.Options{
			Name:         name,
			InitialDelay: a.initialDelay,
			Interval:     func() time.Duration { return time.Duration(a.interval.Load()) },
			Reset:        a.reset,
		}, e.logger)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_ = sched.Run(runCtx, func(ctx context.Context, _ time.Time) error {
				e.dispatch(ctx, a)
				return nil
			})
		}()
	}

	mainLoop := scheduler.New(scheduler.Options{
		Name:         MainLoop,
		InitialDelay: e.opts.MainLoopInterval,
		Interval:     scheduler.Fixed(e.opts.MainLoopInterval),
	}, e.logger)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = mainLoop.Run(runCtx, func(ctx context.Context, _ time.Time) error {
			e.cycle(ctx)
			return nil
		})
	}()

	e.opts.Metrics.SetEngineState(true, 0)
	e.logger.Info().Int("activities", len(e.order)).Dur("main_loop", e.opts.MainLoopInterval).Msg("engine started")
	return nil
}

func (e *Engine) seed(ctx context.Context) error {
	count, err := e.store.CountInstruments(ctx)
	if err != nil {
		return fmt.Errorf("count instruments: %w", err)
	}
	if count > 0 || len(e.opts.DefaultInstruments) == 0 {
		return nil
	}
	for _, ticker := range e.opts.DefaultInstruments {
		id := market.NormalizeTicker(ticker)
		if id == "" {
			continue
		}
		if _, err := e.store.TrackInstrument(ctx, id, ""); err != nil {
			return fmt.Errorf("seed instrument %s: %w", id, err)
		}
	}
	e.logger.Info().Strs("instruments", e.opts.DefaultInstruments).Msg("seeded default instruments")
	return nil
}

// Stop cancels every timer and waits for in-flight activities or ctx. Training is not touched.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	wasRunning := e.running
	e.haltLocked()
	e.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	if wasRunning {
		e.logger.Info().Msg("engine stopped")
	}
	return nil
}

// haltLocked cancels the timers without waiting; e.mu must be held.
func (e *Engine) haltLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.running {
		e.running = false
		e.closeOnce.Do(func() { close(e.done) })
	}
	e.opts.Metrics.SetEngineState(false, e.retryCount)
}

// Done is closed when the current run stops or halts. It is nil before the first Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Err returns the halt cause after the engine stopped itself.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haltErr
}

// SetInterval changes an activity's period. A running timer is re-armed so the next activation
// falls one new interval after the previous one, or immediately if that moment has passed.
func (e *Engine) SetInterval(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("engine: interval for %s must be positive", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.activities[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActivity, name)
	}
	a.interval.Store(int64(d))
	a.status.Interval = d
	select {
	case a.reset <- struct{}{}:
	default:
	}
	e.logger.Info().Str("activity", name).Dur("interval", d).Msg("interval changed")
	return nil
}

// RunActivity runs one activity now through the same wrapper as the timers and returns its error.
func (e *Engine) RunActivity(ctx context.Context, name string) error {
	e.mu.Lock()
	a, ok := e.activities[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActivity, name)
	}
	if !a.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrActivityBusy, name)
	}
	defer a.inFlight.Store(false)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return e.execute(ctx, a)
}

// dispatch hands a timer activation to the worker pool. An activation that finds the previous one
// still in flight is skipped.
func (e *Engine) dispatch(ctx context.Context, a *activity) {
	if !a.inFlight.CompareAndSwap(false, true) {
		e.logger.Debug().Str("activity", a.name).Msg("previous run still in flight, skipping")
		e.opts.Metrics.RecordActivity(a.name, "skipped", 0)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer a.inFlight.Store(false)
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		_ = e.execute(ctx, a)
	}()
}

// execute is the activity wrapper: active, body, then idle or error.
func (e *Engine) execute(ctx context.Context, a *activity) error {
	e.mu.Lock()
	a.status.State = StateActive
	e.mu.Unlock()

	started := e.now()
	err := a.body(ctx)
	elapsed := e.now().Sub(started)

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Stopped while running: not a failure of the activity.
		e.mu.Lock()
		a.status.State = StateIdle
		e.mu.Unlock()
		e.opts.Metrics.RecordActivity(a.name, "skipped", elapsed)
		return err
	}

	if err != nil {
		e.mu.Lock()
		a.status.State = StateError
		a.status.ErrorCount++
		a.status.LastError = err.Error()
		e.mu.Unlock()
		e.opts.Metrics.RecordActivity(a.name, "error", elapsed)
		e.logger.Error().Err(err).Str("activity", a.name).Dur("elapsed", elapsed).Msg("activity failed")
		e.handleError(a.name, err)
		return err
	}

	e.mu.Lock()
	a.status.State = StateIdle
	a.status.LastRun = e.now().UTC()
	a.status.Runs++
	a.status.Stale = false
	e.mu.Unlock()
	e.opts.Metrics.RecordActivity(a.name, "success", elapsed)
	e.logger.Debug().Str("activity", a.name).Dur("elapsed", elapsed).Msg("activity completed")
	return nil
}

// handleError is shared by every activity and the main loop. The retry counter is global: any
// failure anywhere counts toward the halt budget, and only a clean main-loop cycle resets it.
func (e *Engine) handleError(source string, err error) {
	e.mu.Lock()
	e.recordLocked(source, err)
	e.retryCount++
	retries := e.retryCount

	var warn *ActivityStatus
	if a, ok := e.activities[source]; ok && !a.thresholdNotified && a.status.ErrorCount >= e.opts.ErrorThreshold {
		a.thresholdNotified = true
		st := a.status
		warn = &st
	}

	var critical error
	if e.opts.StopOnCriticalError && retries >= e.opts.MaxRetries && e.running && !e.halted {
		e.halted = true
		critical = fmt.Errorf("%w: %d consecutive failures, last in %s: %v", ErrCriticalEngineFailure, retries, source, err)
		e.haltErr = critical
		e.haltLocked()
	} else {
		e.opts.Metrics.SetEngineState(e.running, retries)
	}
	e.mu.Unlock()

	if warn != nil {
		e.sink.Warning(
			fmt.Sprintf("Activity %s crossed its error threshold", warn.Name),
			fmt.Sprintf("%d errors so far, last: %s", warn.ErrorCount, warn.LastError),
			"engine",
		)
	}
	if critical != nil {
		e.logger.Error().Err(critical).Msg("retry budget exhausted, engine halted")
		e.sink.Critical("Automation engine halted", critical.Error(), "engine")
	}
}

func (e *Engine) recordLocked(source string, err error) {
	e.errs = append(e.errs, ErrorRecord{Time: e.now().UTC(), Activity: source, Message: err.Error()})
	if over := len(e.errs) - maxErrorRecords; over > 0 {
		e.errs = append(e.errs[:0:0], e.errs[over:]...)
	}
}

// cycle is one main-loop pass: ping the store, flag stale activities, and reset the retry counter
// when nothing is failing.
func (e *Engine) cycle(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, e.opts.MainLoopInterval)
	err := e.store.Ping(pingCtx)
	cancel()

	e.mu.Lock()
	e.cycles++
	cycles := e.cycles
	e.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error().Err(err).Int64("cycle", cycles).Msg("main loop: store unreachable")
		e.handleError(MainLoop, fmt.Errorf("store ping: %w", err))
		return
	}

	now := e.now()
	e.mu.Lock()
	var stale, failing []string
	for _, name := range e.order {
		a := e.activities[name]
		since := a.status.LastRun
		if since.IsZero() {
			since = e.startedAt.Add(a.initialDelay)
		}
		limit := time.Duration(e.opts.StaleFactor) * time.Duration(a.interval.Load())
		a.status.Stale = now.Sub(since) > limit
		if a.status.Stale {
			stale = append(stale, name)
		}
		if a.status.State == StateError {
			failing = append(failing, name)
		}
	}
	if len(failing) == 0 {
		e.retryCount = 0
	}
	retries := e.retryCount
	running := e.running
	e.mu.Unlock()

	e.opts.Metrics.SetEngineState(running, retries)
	event := e.logger.Debug()
	if len(stale) > 0 {
		event = e.logger.Warn().Strs("stale", stale)
	}
	event.Int64("cycle", cycles).Strs("failing", failing).Int("retry_count", retries).Msg("main loop cycle")
}

// Status returns a deep copy of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		IsRunning:  e.running,
		StartedAt:  e.startedAt,
		Cycles:     e.cycles,
		RetryCount: e.retryCount,
		Halted:     e.halted,
		Activities: make(map[string]ActivityStatus, len(e.activities)),
		Errors:     append([]ErrorRecord(nil), e.errs...),
	}
	if e.haltErr != nil {
		st.HaltReason = e.haltErr.Error()
	}
	for name, a := range e.activities {
		st.Activities[name] = a.status
	}
	return st
}

// ActivityNames returns the registered activities in registration order.
func (e *Engine) ActivityNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// Summary renders the status as aligned text lines, sorted by activity name.
func (s Status) Summary() string {
	var b strings.Builder
	state := "stopped"
	if s.IsRunning {
		state = "running"
	}
	if s.Halted {
		state = "halted"
	}
	fmt.Fprintf(&b, "engine %s, cycles=%d retries=%d\n", state, s.Cycles, s.RetryCount)
	names := make([]string, 0, len(s.Activities))
	for name := range s.Activities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := s.Activities[name]
		last := "never"
		if !a.LastRun.IsZero() {
			last = a.LastRun.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "  %-20s %-6s every %-8s last=%s errors=%d\n", name, a.State, a.Interval, last, a.ErrorCount)
	}
	return b.String()
}
