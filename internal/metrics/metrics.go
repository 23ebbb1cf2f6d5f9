package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autopilot"

// Recorder records engine, provider and training metrics using Prometheus.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	providerFetches  *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	pointsUpserted   *prometheus.CounterVec
	instrumentResult *prometheus.CounterVec
	lastClose        *prometheus.GaugeVec
	activityRuns     *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec
	engineRunning    prometheus.Gauge
	engineRetries    prometheus.Gauge
	trainingEpoch    prometheus.Gauge
	trainingLoss     prometheus.Gauge
	trainingRuns     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

// New creates a recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		providerFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_fetches_total",
				Help:      "Provider attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		providerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_fetch_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		pointsUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "price_points_upserted_total",
				Help:      "Price points written by the ingestion pipeline",
			},
			[]string{"source"},
		),
		instrumentResult: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instrument_refreshes_total",
				Help:      "Per-instrument refresh results",
			},
			[]string{"outcome"},
		),
		lastClose: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_close",
				Help:      "Latest stored close per instrument",
			},
			[]string{"instrument"},
		),
		activityRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_runs_total",
				Help:      "Scheduled activity invocations by outcome",
			},
			[]string{"activity", "outcome"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activity_duration_seconds",
				Help:      "Duration of scheduled activity bodies",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"activity"},
		),
		engineRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_running",
			Help:      "1 while the automation engine is running",
		}),
		engineRetries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_retry_count",
			Help:      "Current value of the shared retry counter",
		}),
		trainingEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_epoch",
			Help:      "Epoch of the active training run",
		}),
		trainingLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_loss",
			Help:      "Latest training loss",
		}),
		trainingRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "training_runs_total",
				Help:      "Finished training runs by outcome",
			},
			[]string{"outcome"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications by severity and delivery result",
			},
			[]string{"severity", "result"},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveProviderFetch records one provider attempt.
func (r *Recorder) ObserveProviderFetch(provider, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.providerFetches.WithLabelValues(provider, outcome).Inc()
	r.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordInstrumentRefresh records the outcome of refreshing one instrument.
func (r *Recorder) RecordInstrumentRefresh(source string, points int, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.instrumentResult.WithLabelValues("error").Inc()
		return
	}
	r.instrumentResult.WithLabelValues("success").Inc()
	r.pointsUpserted.WithLabelValues(source).Add(float64(points))
}

// RecordLastClose records the newest close for an instrument.
func (r *Recorder) RecordLastClose(instrument string, price float64) {
	if r == nil {
		return
	}
	r.lastClose.WithLabelValues(instrument).Set(price)
}

// RecordActivity records one activity invocation. Outcome is success, error or skipped.
func (r *Recorder) RecordActivity(activity, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.activityRuns.WithLabelValues(activity, outcome).Inc()
	if outcome != "skipped" {
		r.activityDuration.WithLabelValues(activity).Observe(elapsed.Seconds())
	}
}

// SetEngineState records the running flag and shared retry counter.
func (r *Recorder) SetEngineState(running bool, retries int) {
	if r == nil {
		return
	}
	if running {
		r.engineRunning.Set(1)
	} else {
		r.engineRunning.Set(0)
	}
	r.engineRetries.Set(float64(retries))
}

// RecordTrainingProgress records the latest epoch and loss.
func (r *Recorder) RecordTrainingProgress(epoch int, loss float64) {
	if r == nil {
		return
	}
	r.trainingEpoch.Set(float64(epoch))
	r.trainingLoss.Set(loss)
}

// RecordTrainingOutcome records a finished run.
func (r *Recorder) RecordTrainingOutcome(outcome string) {
	if r == nil {
		return
	}
	r.trainingRuns.WithLabelValues(outcome).Inc()
}

// RecordNotification records a notification delivery or drop.
func (r *Recorder) RecordNotification(severity, result string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(severity, result).Inc()
}
