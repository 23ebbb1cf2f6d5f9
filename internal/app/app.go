package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-autopilot/internal/alerting"
	"market-autopilot/internal/analysis"
	"market-autopilot/internal/config"
	"market-autopilot/internal/engine"
	"market-autopilot/internal/events"
	"market-autopilot/internal/fetcher"
	"market-autopilot/internal/ingest"
	"market-autopilot/internal/market"
	"market-autopilot/internal/metrics"
	"market-autopilot/internal/prediction"
	"market-autopilot/internal/ratelimit"
	"market-autopilot/internal/review"
	"market-autopilot/internal/service"
	"market-autopilot/internal/storage"
	"market-autopilot/internal/training"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds every component built for one command. close releases them in reverse order.
type runtime struct {
	store      storage.RecordStore
	recorder   *metrics.Recorder
	chain      *fetcher.Chain
	pipeline   *ingest.Pipeline
	analyzer   *analysis.Analyzer
	predictor  *prediction.Predictor
	trainer    *training.Supervisor
	reviewer   *review.Reviewer
	dispatcher *alerting.Dispatcher
	closers    []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// build wires the full component graph. The caller must call close on the result.
func (a *App) build(ctx context.Context) (*runtime, error) {
	cfg := a.Config
	rt := &runtime{recorder: metrics.New()}

	store, closeStore, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, closeStore)

	rt.dispatcher = a.newDispatcher(rt.recorder)
	rt.closers = append(rt.closers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.dispatcher.Close(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("notification queue not fully flushed")
		}
	})

	limiter := ratelimit.New(ratelimit.Table(cfg.Providers.RateLimits))
	rt.chain = fetcher.NewChain(a.newSources(), a.Logger,
		fetcher.WithPacer(ratelimit.NewPacer(limiter)),
		fetcher.WithObserver(rt.recorder),
	)

	ingestOpts := ingest.Options{WindowDays: cfg.Ingestion.WindowDays, Metrics: rt.recorder}
	if cfg.Kafka.Enabled {
		pub, err := events.NewKafkaPublisher(events.KafkaOptions{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			rt.close()
			return nil, err
		}
		ingestOpts.Publisher = pub
		rt.closers = append(rt.closers, func() {
			if err := pub.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka publisher")
			}
		})
	}
	rt.pipeline = ingest.New(rt.chain, store, limiter, ingestOpts, a.Logger)

	rt.analyzer = analysis.NewAnalyzer(store, cfg.Review.AnalysisLookback, a.Logger)
	rt.predictor = prediction.NewPredictor(store, a.Logger)
	rt.trainer = training.NewSupervisor(store, training.Options{
		Epochs:       cfg.Training.Epochs,
		MinRows:      cfg.Training.MinRows,
		WindowLength: cfg.Training.WindowLength,
		LearningRate: cfg.Training.LearningRate,
		TestFraction: cfg.Training.TestFraction,
		PollInterval: cfg.Training.PollInterval,
		EpochPause:   cfg.Training.EpochPause,
		Metrics:      rt.recorder,
	}, a.Logger)
	rt.reviewer = review.New(store, rt.chain, rt.trainer, rt.dispatcher, review.Options{
		PortfolioWindowDays: cfg.Review.PortfolioWindowDays,
		RiskWindowDays:      cfg.Review.RiskWindowDays,
		MaxVolatility:       cfg.Review.MaxVolatility,
		MaxDrawdown:         cfg.Review.MaxDrawdown,
		Retention:           cfg.Ingestion.Retention,
	}, a.Logger)

	return rt, nil
}

// newSources lists the providers in priority order; the synthetic fallback is always last.
func (a *App) newSources() []fetcher.DataSource {
	p := a.Config.Providers
	policy := fetcher.RetryPolicy{Attempts: p.Retry.Attempts, Backoff: p.Retry.Backoff}
	breaker := fetcher.BreakerSettings{
		Enabled:             p.Breaker.Enabled,
		ConsecutiveFailures: p.Breaker.ConsecutiveFailures,
		OpenTimeout:         p.Breaker.OpenTimeout,
		Interval:            p.Breaker.Interval,
	}

	upstream := []fetcher.DataSource{
		fetcher.NewAlphaVantage(fetcher.AlphaVantageOptions{
			APIKey:  p.AlphaVantage.APIKey,
			BaseURL: p.AlphaVantage.BaseURL,
			Timeout: p.AlphaVantage.RequestTimeout,
		}, a.Logger),
		fetcher.NewFinnhub(fetcher.FinnhubOptions{
			Token:   p.Finnhub.Token,
			BaseURL: p.Finnhub.BaseURL,
			Timeout: p.Finnhub.RequestTimeout,
		}, a.Logger),
		fetcher.NewChainlink(fetcher.ChainlinkOptions{
			RPCURL:    p.Chainlink.RPCURL,
			Feeds:     p.Chainlink.Feeds,
			Timeout:   p.Chainlink.RequestTimeout,
			MaxRounds: p.Chainlink.MaxRounds,
		}, a.Logger),
	}

	sources := make([]fetcher.DataSource, 0, len(upstream)+1)
	for _, src := range upstream {
		sources = append(sources, fetcher.Guard(src, policy, breaker, a.Logger))
	}
	if p.Synthetic.Enabled {
		sources = append(sources, fetcher.NewSynthetic(fetcher.SyntheticOptions{
			BasePrice:  p.Synthetic.BasePrice,
			Volatility: p.Synthetic.Volatility,
			MinVolume:  p.Synthetic.MinVolume,
			MaxVolume:  p.Synthetic.MaxVolume,
			Seed:       p.Synthetic.Seed,
		}, a.Logger))
	}
	return sources
}

func (a *App) newDispatcher(recorder *metrics.Recorder) *alerting.Dispatcher {
	cfg := a.Config.Alerting
	notifiers := []alerting.Notifier{alerting.NewLogNotifier(a.Logger)}
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:    cfg.Telegram.BotToken,
			ChatID:      cfg.Telegram.ChatID,
			BaseURL:     cfg.Telegram.APIBase,
			MinSeverity: alerting.Severity(cfg.Telegram.MinSeverity),
			Categories:  cfg.Telegram.Categories,
		}, a.Logger))
	}
	if cfg.Redis.Enabled {
		notifiers = append(notifiers, alerting.NewRedisNotifier(alerting.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, a.Logger))
	}
	return alerting.NewDispatcher(cfg.QueueSize, recorder, a.Logger, notifiers...)
}

func (a *App) newService(rt *runtime) *service.Service {
	cfg := a.Config.Engine
	eng := engine.New(rt.store, rt.dispatcher, engine.Options{
		MainLoopInterval:    cfg.MainLoopInterval,
		MaxRetries:          cfg.MaxRetries,
		StopOnCriticalError: cfg.StopOnCriticalError,
		ErrorThreshold:      cfg.ErrorThreshold,
		Workers:             cfg.Workers,
		StaleFactor:         cfg.StaleFactor,
		DefaultInstruments:  a.Config.Ingestion.DefaultInstruments,
		Metrics:             rt.recorder,
	}, a.Logger)

	parts := service.Components{
		Ingestion:  rt.pipeline.RefreshAll,
		Analysis:   rt.analyzer.Run,
		Prediction: rt.predictor.Run,
		Portfolio: func(ctx context.Context) error {
			_, err := rt.reviewer.Portfolio(ctx)
			return err
		},
		Risk: func(ctx context.Context) error {
			_, err := rt.reviewer.Risk(ctx)
			return err
		},
		Health: func(ctx context.Context) error {
			_, err := rt.reviewer.Health(ctx)
			return err
		},
		Cleanup: func(ctx context.Context) error {
			_, err := rt.reviewer.Cleanup(ctx)
			return err
		},
		Training: rt.trainer,
	}
	svc := service.New(eng, parts, cfg.Activities, rt.store, a.Config.Database.AdvisoryLockKey, a.Logger)
	return svc
}

// Run executes the long-running automation service until SIGINT/SIGTERM or an engine halt.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if a.Config.Metrics.Enabled {
		srv := a.serveMetrics(rt.recorder)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	svc := a.newService(rt)

	a.Logger.Info().Msg("starting automation service")
	err = svc.Run(ctx)

	if rt.trainer.Status().IsTraining {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if stopErr := rt.trainer.Stop(stopCtx); stopErr != nil && !errors.Is(stopErr, training.ErrNotTraining) {
			a.Logger.Warn().Err(stopErr).Msg("training did not stop cleanly")
		}
		cancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("automation service terminated with error")
		return err
	}
	a.Logger.Info().Msg("automation service stopped")
	return nil
}

func (a *App) serveMetrics(recorder *metrics.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(a.Config.Metrics.Path, recorder.Handler())
	srv := &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Str("addr", srv.Addr).Msg("metrics server failed")
		}
	}()
	a.Logger.Info().Str("addr", srv.Addr).Str("path", a.Config.Metrics.Path).Msg("metrics server listening")
	return srv
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Ticker    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Ticker string
	Limit  int
}

// RefreshOptions configure the refresh command.
type RefreshOptions struct {
	Tickers []string
	Workers int
	Analyze bool
}

func requireTicker(ticker string) (string, error) {
	id := market.NormalizeTicker(ticker)
	if id == "" {
		return "", fmt.Errorf("ticker must not be empty")
	}
	return id, nil
}
