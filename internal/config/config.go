package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Trace      TraceConfig      `yaml:"trace" mapstructure:"trace"`
	Network    NetworkConfig    `yaml:"network" mapstructure:"network"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Platform   PlatformConfig   `yaml:"platform" mapstructure:"platform"`
	Similarity SimilarityConfig `yaml:"similarity" mapstructure:"similarity"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BudgetConfig configures the fetch budget manager.
type BudgetConfig struct {
	WindowDays         int `yaml:"window_days" mapstructure:"window_days"`
	WindowQuota        int `yaml:"window_quota" mapstructure:"window_quota"` // per platform per rolling window
	ChronologicalCap   int `yaml:"chronological_cap" mapstructure:"chronological_cap"`
	NetworkCap         int `yaml:"network_cap" mapstructure:"network_cap"`
	FetchConcurrency   int `yaml:"fetch_concurrency" mapstructure:"fetch_concurrency"`
	CacheTTLHours      int `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	AuditTrailCapacity int `yaml:"audit_trail_capacity" mapstructure:"audit_trail_capacity"`
}

// TraceConfig configures the chronological tracer.
type TraceConfig struct {
	MaxHops int `yaml:"max_hops" mapstructure:"max_hops"`
}

// NetworkConfig configures the network traversal analyzer.
type NetworkConfig struct {
	BatchSize           int     `yaml:"batch_size" mapstructure:"batch_size"`
	MaxBatchSize        int     `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	PairWindowHours     int     `yaml:"pair_window_hours" mapstructure:"pair_window_hours"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// ConfidenceConfig configures score fusion.
type ConfidenceConfig struct {
	WeightsPath           string  `yaml:"weights_path" mapstructure:"weights_path"`
	ProvisionalMultiplier float64 `yaml:"provisional_multiplier" mapstructure:"provisional_multiplier"`
	SingletonPenalty      float64 `yaml:"singleton_penalty" mapstructure:"singleton_penalty"`
}

// PlatformConfig holds content fetch adapter settings.
type PlatformConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// SimilarityConfig holds similarity scorer settings. An empty BaseURL
// selects the built-in lexical scorer.
type SimilarityConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures metrics collection and alerting.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ExhaustionRateThreshold float64 `yaml:"exhaustion_rate_threshold" mapstructure:"exhaustion_rate_threshold"`
	DLQDepthThreshold       int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// ServerConfig configures the HTTP query surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VIRALTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "viraltrace.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("budget.window_days", 30)
	v.SetDefault("budget.window_quota", 10000)
	v.SetDefault("budget.chronological_cap", 5)
	v.SetDefault("budget.network_cap", 30)
	v.SetDefault("budget.fetch_concurrency", 4)
	v.SetDefault("budget.cache_ttl_hours", 24)
	v.SetDefault("budget.audit_trail_capacity", 10000)
	v.SetDefault("trace.max_hops", 10)
	v.SetDefault("network.batch_size", 20)
	v.SetDefault("network.max_batch_size", 50)
	v.SetDefault("network.pair_window_hours", 72)
	v.SetDefault("network.similarity_threshold", 0.8)
	v.SetDefault("confidence.provisional_multiplier", 0.85)
	v.SetDefault("confidence.singleton_penalty", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.exhaustion_rate_threshold", 0.5)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)
	v.SetDefault("platform.timeout_secs", 10)
	v.SetDefault("platform.requests_per_sec", 2.0)
	v.SetDefault("similarity.timeout_secs", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
