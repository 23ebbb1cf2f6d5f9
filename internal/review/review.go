package review

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-autopilot/internal/alerting"
	"market-autopilot/internal/market"
	"market-autopilot/internal/storage"
	"market-autopilot/internal/training"
)

// Notification categories.
const (
	CategoryPortfolio = "portfolio"
	CategoryRisk      = "risk"
	CategoryHealth    = "health"
)

// tradingDaysPerYear annualises daily volatility.
const tradingDaysPerYear = 252

// Store is the slice of the record store the reviews read.
type Store interface {
	FindActiveInstruments(ctx context.Context) ([]market.Instrument, error)
	RecentPrices(ctx context.Context, instrumentID string, limit int) ([]market.PricePoint, error)
	LatestPredictions(ctx context.Context) ([]market.Prediction, error)
	LoadModelArtifact(ctx context.Context) (storage.Artifact, error)
	DeletePricesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// ProviderLister reports the configured upstream sources.
type ProviderLister interface {
	Configured() []string
}

// TrainingStatus exposes the training supervisor's state.
type TrainingStatus interface {
	Status() training.Status
	LastResult() (training.Result, bool)
}

// Options tune the reviews.
type Options struct {
	PortfolioWindowDays int
	RiskWindowDays      int
	MaxVolatility       float64
	MaxDrawdown         float64
	Retention           time.Duration
}

// Reviewer implements the portfolio, risk, health and cleanup activity bodies.
type Reviewer struct {
	store     Store
	providers ProviderLister
	training  TrainingStatus
	sink      alerting.Sink
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	mu sync.Mutex
	// degraded is the condition set last warned about; empty while healthy.
	degraded string
}

// New builds a Reviewer. providers and trainer may be nil.
func New(store Store, providers ProviderLister, trainer TrainingStatus, sink alerting.Sink, opts Options, logger zerolog.Logger) *Reviewer {
	if opts.PortfolioWindowDays <= 0 {
		opts.PortfolioWindowDays = 30
	}
	if opts.RiskWindowDays <= 0 {
		opts.RiskWindowDays = 60
	}
	if opts.MaxVolatility <= 0 {
		opts.MaxVolatility = 0.6
	}
	if opts.MaxDrawdown <= 0 {
		opts.MaxDrawdown = 0.25
	}
	return &Reviewer{
		store:     store,
		providers: providers,
		training:  trainer,
		sink:      sink,
		opts:      opts,
		logger:    logger.With().Str("component", "review").Logger(),
		now:       time.Now,
	}
}

// InstrumentReturn is the return of one instrument over the review window.
type InstrumentReturn struct {
	InstrumentID string
	Return       float64
}

// PortfolioSummary is the outcome of a portfolio review.
type PortfolioSummary struct {
	Return      float64
	Returns     []InstrumentReturn
	Best        *InstrumentReturn
	Worst       *InstrumentReturn
	Predictions []market.Prediction
}

// Portfolio computes the equal-weight return of the watch list and sends it as an info notification.
func (r *Reviewer) Portfolio(ctx context.Context) (PortfolioSummary, error) {
	instruments, err := r.store.FindActiveInstruments(ctx)
	if err != nil {
		return PortfolioSummary{}, fmt.Errorf("load active instruments: %w", err)
	}

	var summary PortfolioSummary
	for _, inst := range instruments {
		points, err := r.store.RecentPrices(ctx, inst.ID, r.opts.PortfolioWindowDays+1)
		if err != nil {
			return PortfolioSummary{}, fmt.Errorf("load prices for %s: %w", inst.ID, err)
		}
		if len(points) < 2 {
			continue
		}
		first := points[0].Close.InexactFloat64()
		last := points[len(points)-1].Close.InexactFloat64()
		if first == 0 {
			continue
		}
		summary.Returns = append(summary.Returns, InstrumentReturn{InstrumentID: inst.ID, Return: last/first - 1})
	}

	if len(summary.Returns) == 0 {
		r.logger.Info().Msg("portfolio review skipped, no price history")
		return summary, nil
	}

	var total float64
	for i := range summary.Returns {
		ret := summary.Returns[i]
		total += ret.Return
		if summary.Best == nil || ret.Return > summary.Best.Return {
			summary.Best = &summary.Returns[i]
		}
		if summary.Worst == nil || ret.Return < summary.Worst.Return {
			summary.Worst = &summary.Returns[i]
		}
	}
	summary.Return = total / float64(len(summary.Returns))

	preds, err := r.store.LatestPredictions(ctx)
	if err != nil {
		return PortfolioSummary{}, fmt.Errorf("load predictions: %w", err)
	}
	summary.Predictions = preds

	r.sink.Info(
		fmt.Sprintf("Portfolio review: %+.2f%% over %d days", summary.Return*100, r.opts.PortfolioWindowDays),
		renderPortfolio(summary),
		CategoryPortfolio,
	)
	r.logger.Info().
		Float64("return", summary.Return).
		Int("instruments", len(summary.Returns)).
		Msg("portfolio review complete")
	return summary, nil
}

func renderPortfolio(s PortfolioSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Best: %s %+.2f%%\n", s.Best.InstrumentID, s.Best.Return*100)
	fmt.Fprintf(&b, "Worst: %s %+.2f%%\n", s.Worst.InstrumentID, s.Worst.Return*100)
	if len(s.Predictions) > 0 {
		b.WriteString("Predictions:\n")
		for _, p := range s.Predictions {
			fmt.Fprintf(&b, "  %s next close %s (%+.2f%%)\n", p.InstrumentID, p.PredictedClose.StringFixed(2), p.PredictedReturn*100)
		}
	}
	return b.String()
}

// RiskFigures are the per-instrument risk measures.
type RiskFigures struct {
	InstrumentID string
	Volatility   float64
	MaxDrawdown  float64
}

// Risk measures annualised volatility and max drawdown per instrument. All breaches are reported
// in a single warning notification.
func (r *Reviewer) Risk(ctx context.Context) ([]RiskFigures, error) {
	instruments, err := r.store.FindActiveInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active instruments: %w", err)
	}

	var figures []RiskFigures
	var breaches []string
	for _, inst := range instruments {
		points, err := r.store.RecentPrices(ctx, inst.ID, r.opts.RiskWindowDays)
		if err != nil {
			return nil, fmt.Errorf("load prices for %s: %w", inst.ID, err)
		}
		if len(points) < 2 {
			continue
		}
		closes := make([]float64, len(points))
		for i, p := range points {
			closes[i] = p.Close.InexactFloat64()
		}
		fig := RiskFigures{
			InstrumentID: inst.ID,
			Volatility:   AnnualisedVolatility(closes),
			MaxDrawdown:  MaxDrawdown(closes),
		}
		figures = append(figures, fig)

		if fig.Volatility > r.opts.MaxVolatility {
			breaches = append(breaches, fmt.Sprintf("%s volatility %.1f%% > %.1f%%", inst.ID, fig.Volatility*100, r.opts.MaxVolatility*100))
		}
		if fig.MaxDrawdown > r.opts.MaxDrawdown {
			breaches = append(breaches, fmt.Sprintf("%s drawdown %.1f%% > %.1f%%", inst.ID, fig.MaxDrawdown*100, r.opts.MaxDrawdown*100))
		}
	}

	if len(breaches) > 0 {
		r.sink.Warning(
			fmt.Sprintf("Risk review: %d threshold breach(es)", len(breaches)),
			strings.Join(breaches, "\n"),
			CategoryRisk,
		)
	}
	r.logger.Info().Int("instruments", len(figures)).Int("breaches", len(breaches)).Msg("risk review complete")
	return figures, nil
}

// AnnualisedVolatility is the sample standard deviation of daily log returns scaled to a year.
func AnnualisedVolatility(closes []float64) float64 {
	var returns []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(returns)-1)) * math.Sqrt(tradingDaysPerYear)
}

// MaxDrawdown is the largest peak-to-trough decline as a fraction of the peak.
func MaxDrawdown(closes []float64) float64 {
	var peak, worst float64
	for _, c := range closes {
		if c > peak {
			peak = c
		}
		if peak > 0 {
			if dd := (peak - c) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// HealthReport is the outcome of a health check.
type HealthReport struct {
	StoreOK     bool
	Providers   []string
	HasModel    bool
	Training    training.Status
	LastOutcome training.Outcome
	Degraded    []string
}

// Health checks the store, providers, model and trainer. An unreachable store is returned as an error;
// a warning is sent when the set of degraded conditions changes, not on every check.
func (r *Reviewer) Health(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	if err := r.store.Ping(ctx); err != nil {
		return report, fmt.Errorf("store unreachable: %w", err)
	}
	report.StoreOK = true

	if r.providers != nil {
		report.Providers = r.providers.Configured()
	}
	if len(report.Providers) == 0 {
		report.Degraded = append(report.Degraded, "no market data provider configured")
	}

	_, err := r.store.LoadModelArtifact(ctx)
	switch {
	case err == nil:
		report.HasModel = true
	case errors.Is(err, storage.ErrNotFound):
		report.Degraded = append(report.Degraded, "no trained model")
	default:
		return report, fmt.Errorf("load model artifact: %w", err)
	}

	if r.training != nil {
		report.Training = r.training.Status()
		if last, ok := r.training.LastResult(); ok {
			report.LastOutcome = last.Outcome
			if last.Outcome == training.OutcomeFailed {
				report.Degraded = append(report.Degraded, "last training run failed: "+last.Error)
			}
		}
	}

	sort.Strings(report.Degraded)
	if body := strings.Join(report.Degraded, "\n"); r.degradedChanged(body) && body != "" {
		r.sink.Warning("Health check: degraded", body, CategoryHealth)
	}
	r.logger.Info().
		Strs("providers", report.Providers).
		Bool("model", report.HasModel).
		Bool("training", report.Training.IsTraining).
		Int("degraded", len(report.Degraded)).
		Msg("health check complete")
	return report, nil
}

func (r *Reviewer) degradedChanged(body string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded == body {
		return false
	}
	r.degraded = body
	return true
}

// Cleanup deletes price points older than the retention period. A zero retention keeps everything.
func (r *Reviewer) Cleanup(ctx context.Context) (int64, error) {
	if r.opts.Retention <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().Add(-r.opts.Retention)
	deleted, err := r.store.DeletePricesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete prices before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	r.logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("cleanup complete")
	return deleted, nil
}
