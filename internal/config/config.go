package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"min=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"min=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// BatchConfig configures batch validation runs.
type BatchConfig struct {
	Concurrency         int `yaml:"concurrency" mapstructure:"concurrency" validate:"min=1,max=256"`
	ProviderTimeoutSecs int `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs" validate:"min=1"`
	DefaultLimit        int `yaml:"default_limit" mapstructure:"default_limit" validate:"min=0"`
	DLQMaxRetries       int `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries" validate:"min=0"`
}

// SourcesConfig configures the three evidence sources.
type SourcesConfig struct {
	ImportTimeoutSecs     int     `yaml:"import_timeout_secs" mapstructure:"import_timeout_secs" validate:"min=1"`
	RegistryTimeoutSecs   int     `yaml:"registry_timeout_secs" mapstructure:"registry_timeout_secs" validate:"min=1"`
	EnrichmentTimeoutSecs int     `yaml:"enrichment_timeout_secs" mapstructure:"enrichment_timeout_secs" validate:"min=1"`
	RegistryURL           string  `yaml:"registry_url" mapstructure:"registry_url" validate:"omitempty,url"`
	RegistryRateLimit     float64 `yaml:"registry_rate_limit" mapstructure:"registry_rate_limit" validate:"min=0"`
	RegistryCacheSize     int     `yaml:"registry_cache_size" mapstructure:"registry_cache_size" validate:"min=0"`
	RegistryCacheTTLSecs  int     `yaml:"registry_cache_ttl_secs" mapstructure:"registry_cache_ttl_secs" validate:"min=0"`
	RegistryFixture       string  `yaml:"registry_fixture" mapstructure:"registry_fixture"`
	BreakerThreshold      int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold" validate:"min=0"`
	BreakerResetSecs      int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs" validate:"min=0"`
}

// ScoringConfig holds the trust and weight policy used by detection and scoring.
type ScoringConfig struct {
	Trust        TrustConfig        `yaml:"trust" mapstructure:"trust"`
	FieldWeights map[string]float64 `yaml:"field_weights" mapstructure:"field_weights"`
	FieldsFile   string             `yaml:"fields_file" mapstructure:"fields_file"`
}

// TrustConfig assigns a 0-100 trust weight to each source.
type TrustConfig struct {
	Registry   int `yaml:"registry" mapstructure:"registry" validate:"min=0,max=100"`
	Enrichment int `yaml:"enrichment" mapstructure:"enrichment" validate:"min=0,max=100"`
	Import     int `yaml:"import" mapstructure:"import" validate:"min=0,max=100"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// MonitoringConfig configures health checks and webhook alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"min=0,max=1"`
	HighRiskThreshold    float64 `yaml:"high_risk_threshold" mapstructure:"high_risk_threshold" validate:"min=0,max=1"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold" validate:"min=0"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours" validate:"min=1"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs" validate:"min=0"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MEDATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "medatlas.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("batch.concurrency", 8)
	v.SetDefault("batch.provider_timeout_secs", 60)
	v.SetDefault("batch.default_limit", 0)
	v.SetDefault("batch.dlq_max_retries", 3)
	v.SetDefault("sources.import_timeout_secs", 5)
	v.SetDefault("sources.registry_timeout_secs", 10)
	v.SetDefault("sources.enrichment_timeout_secs", 15)
	v.SetDefault("sources.registry_url", "https://npiregistry.cms.hhs.gov/api/")
	v.SetDefault("sources.registry_rate_limit", 5.0)
	v.SetDefault("sources.registry_cache_size", 4096)
	v.SetDefault("sources.registry_cache_ttl_secs", 3600)
	v.SetDefault("sources.breaker_threshold", 5)
	v.SetDefault("sources.breaker_reset_secs", 30)
	v.SetDefault("scoring.trust.registry", 90)
	v.SetDefault("scoring.trust.enrichment", 75)
	v.SetDefault("scoring.trust.import", 60)
	v.SetDefault("scoring.field_weights", DefaultFieldWeights())
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.high_risk_threshold", 0.25)
	v.SetDefault("monitoring.dlq_threshold", 50)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

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

// DefaultFieldWeights returns the scoring weight per registered field.
// Identity and contact fields outweigh optional ones.
func DefaultFieldWeights() map[string]float64 {
	return map[string]float64{
		"npi":               3,
		"first_name":        2,
		"last_name":         2,
		"organization_name": 2,
		"phone":             2,
		"address_line1":     2,
		"license_number":    2,
		"city":              1,
		"state":             1,
		"zip_code":          1,
		"email":             1,
		"website":           1,
		"specialty":         1,
		"license_state":     1,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	for field, w := range c.Scoring.FieldWeights {
		if w < 0 {
			return eris.Errorf("config: negative weight for field %q", field)
		}
	}
	return nil
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
