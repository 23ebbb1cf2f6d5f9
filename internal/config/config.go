package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-autopilot/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Training  TrainingConfig  `mapstructure:"training"`
	Review    ReviewConfig    `mapstructure:"review"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the record store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres memory"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ActivityConfig times one periodic activity. A zero interval disables it.
type ActivityConfig struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gte=0"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
}

// ActivitiesConfig lists the scheduled activities.
type ActivitiesConfig struct {
	DataCollection    ActivityConfig `mapstructure:"data_collection"`
	TechnicalAnalysis ActivityConfig `mapstructure:"technical_analysis"`
	Prediction        ActivityConfig `mapstructure:"prediction"`
	PortfolioReview   ActivityConfig `mapstructure:"portfolio_review"`
	RiskReview        ActivityConfig `mapstructure:"risk_review"`
	HealthCheck       ActivityConfig `mapstructure:"health_check"`
	Training          ActivityConfig `mapstructure:"training"`
	Cleanup           ActivityConfig `mapstructure:"cleanup"`
}

// EngineConfig governs the automation engine.
type EngineConfig struct {
	MainLoopInterval    time.Duration    `mapstructure:"main_loop_interval" validate:"gt=0"`
	MaxRetries          int              `mapstructure:"max_retries" validate:"gte=1"`
	StopOnCriticalError bool             `mapstructure:"stop_on_critical_error"`
	ErrorThreshold      int              `mapstructure:"error_threshold" validate:"gte=1"`
	Workers             int              `mapstructure:"workers" validate:"gte=1"`
	StaleFactor         int              `mapstructure:"stale_factor" validate:"gte=1"`
	Activities          ActivitiesConfig `mapstructure:"activities"`
}

// ProvidersConfig lists upstream market data sources in priority order.
type ProvidersConfig struct {
	AlphaVantage AlphaVantageConfig `mapstructure:"alpha_vantage"`
	Finnhub      FinnhubConfig      `mapstructure:"finnhub"`
	Chainlink    ChainlinkConfig    `mapstructure:"chainlink"`
	Synthetic    SyntheticConfig    `mapstructure:"synthetic"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	// RateLimits maps provider names to requests per minute. Zero disables pacing.
	RateLimits map[string]int `mapstructure:"rate_limits"`
}

// AlphaVantageConfig covers the Alpha Vantage REST API.
type AlphaVantageConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FinnhubConfig covers the Finnhub REST API.
type FinnhubConfig struct {
	Token          string        `mapstructure:"token"`
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ChainlinkConfig covers on-chain Chainlink price feeds.
type ChainlinkConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	MaxRounds      int               `mapstructure:"max_rounds" validate:"gte=0"`
}

// SyntheticConfig shapes the fallback random walk.
type SyntheticConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	BasePrice  float64 `mapstructure:"base_price" validate:"gt=0"`
	Volatility float64 `mapstructure:"volatility" validate:"gt=0,lt=1"`
	MinVolume  int64   `mapstructure:"min_volume" validate:"gt=0"`
	MaxVolume  int64   `mapstructure:"max_volume" validate:"gtefield=MinVolume"`
	Seed       uint64  `mapstructure:"seed"`
}

// RetryConfig is the shared provider retry policy.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts" validate:"gte=1"`
	Backoff  time.Duration `mapstructure:"backoff" validate:"gte=0"`
}

// BreakerConfig is the per-provider circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	Interval            time.Duration `mapstructure:"interval"`
}

// IngestionConfig governs price collection.
type IngestionConfig struct {
	WindowDays         int           `mapstructure:"window_days" validate:"gte=1"`
	DefaultInstruments []string      `mapstructure:"default_instruments"`
	Retention          time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// TrainingConfig governs model fitting. Changes apply to the next run only.
type TrainingConfig struct {
	Epochs       int           `mapstructure:"epochs" validate:"gte=1"`
	MinRows      int           `mapstructure:"min_rows" validate:"gte=1"`
	WindowLength int           `mapstructure:"window_length" validate:"gte=2"`
	LearningRate float64       `mapstructure:"learning_rate" validate:"gt=0"`
	TestFraction float64       `mapstructure:"test_fraction" validate:"gte=0,lt=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	EpochPause   time.Duration `mapstructure:"epoch_pause" validate:"gte=0"`
}

// ReviewConfig tunes portfolio and risk reviews.
type ReviewConfig struct {
	PortfolioWindowDays int     `mapstructure:"portfolio_window_days" validate:"gte=1"`
	RiskWindowDays      int     `mapstructure:"risk_window_days" validate:"gte=2"`
	MaxVolatility       float64 `mapstructure:"max_volatility" validate:"gt=0"`
	MaxDrawdown         float64 `mapstructure:"max_drawdown" validate:"gt=0,lte=1"`
	AnalysisLookback    int     `mapstructure:"analysis_lookback" validate:"gte=50"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	QueueSize int            `mapstructure:"queue_size" validate:"gte=1"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
	Redis     RedisConfig    `mapstructure:"redis"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	BotToken    string   `mapstructure:"bot_token"`
	ChatID      string   `mapstructure:"chat_id"`
	APIBase     string   `mapstructure:"api_base" validate:"omitempty,url"`
	MinSeverity string   `mapstructure:"min_severity" validate:"oneof=info warning error critical"`
	Categories  []string `mapstructure:"categories"`
}

// RedisConfig describes the Redis pub/sub notifier.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Channel  string `mapstructure:"channel"`
}

// KafkaConfig describes the price batch publisher.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "market-autopilot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.advisory_lock_key", int64(0x4d4b5441))

	v.SetDefault("engine.main_loop_interval", "60s")
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.stop_on_critical_error", true)
	v.SetDefault("engine.error_threshold", 5)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.stale_factor", 3)

	activities := []struct {
		name     string
		interval string
		delay    string
	}{
		{"data_collection", "5m", "5s"},
		{"technical_analysis", "10m", "2m"},
		{"prediction", "15m", "4m"},
		{"portfolio_review", "1h", "6m"},
		{"risk_review", "30m", "8m"},
		{"health_check", "5m", "30s"},
		{"training", "24h", "10m"},
		{"cleanup", "24h", "15m"},
	}
	for _, a := range activities {
		v.SetDefault("engine.activities."+a.name+".interval", a.interval)
		v.SetDefault("engine.activities."+a.name+".initial_delay", a.delay)
	}

	// Empty secrets are registered so AUTOPILOT_* environment variables reach Unmarshal.
	v.SetDefault("providers.alpha_vantage.api_key", "")
	v.SetDefault("providers.finnhub.token", "")
	v.SetDefault("providers.chainlink.rpc_url", "")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("providers.alpha_vantage.base_url", "https://www.alphavantage.co")
	v.SetDefault("providers.alpha_vantage.request_timeout", "10s")
	v.SetDefault("providers.finnhub.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("providers.finnhub.request_timeout", "10s")
	v.SetDefault("providers.chainlink.request_timeout", "10s")
	v.SetDefault("providers.chainlink.max_rounds", 500)
	v.SetDefault("providers.synthetic.enabled", true)
	v.SetDefault("providers.synthetic.base_price", 100.0)
	v.SetDefault("providers.synthetic.volatility", 0.02)
	v.SetDefault("providers.synthetic.min_volume", 100000)
	v.SetDefault("providers.synthetic.max_volume", 1000000)
	v.SetDefault("providers.retry.attempts", 3)
	v.SetDefault("providers.retry.backoff", "1s")
	v.SetDefault("providers.breaker.enabled", true)
	v.SetDefault("providers.breaker.consecutive_failures", 5)
	v.SetDefault("providers.breaker.open_timeout", "2m")
	v.SetDefault("providers.rate_limits", map[string]int{
		"alpha_vantage": 5,
		"finnhub":       60,
		"chainlink":     120,
	})

	v.SetDefault("ingestion.window_days", 120)
	v.SetDefault("ingestion.default_instruments", []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA"})
	v.SetDefault("ingestion.retention", "8760h")

	v.SetDefault("training.epochs", 50)
	v.SetDefault("training.min_rows", 100)
	v.SetDefault("training.window_length", 250)
	v.SetDefault("training.learning_rate", 0.05)
	v.SetDefault("training.test_fraction", 0.2)
	v.SetDefault("training.poll_interval", "100ms")
	v.SetDefault("training.epoch_pause", "0s")

	v.SetDefault("review.portfolio_window_days", 30)
	v.SetDefault("review.risk_window_days", 60)
	v.SetDefault("review.max_volatility", 0.6)
	v.SetDefault("review.max_drawdown", 0.25)
	v.SetDefault("review.analysis_lookback", 200)

	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.min_severity", "warning")
	v.SetDefault("alerting.redis.enabled", false)
	v.SetDefault("alerting.redis.addr", "localhost:6379")
	v.SetDefault("alerting.redis.channel", "autopilot.notifications")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "autopilot.prices")
	v.SetDefault("kafka.write_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs struct-tag validation plus cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s: failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is postgres")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Alerting.Redis.Enabled && (c.Alerting.Redis.Addr == "" || c.Alerting.Redis.Channel == "") {
		return fmt.Errorf("alerting.redis.addr and alerting.redis.channel are required when redis is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Engine.Activities.DataCollection.Interval <= 0 {
		return fmt.Errorf("engine.activities.data_collection.interval must be greater than zero")
	}
	if c.Training.MinRows < 2 {
		return fmt.Errorf("training.min_rows must allow a train/test split")
	}
	for name, rpm := range c.Providers.RateLimits {
		if rpm < 0 {
			return fmt.Errorf("providers.rate_limits.%s cannot be negative", name)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
