package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "medatlas.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
	assert.Equal(t, 60, cfg.Batch.ProviderTimeoutSecs)
	assert.Equal(t, 10, cfg.Sources.RegistryTimeoutSecs)
	assert.Equal(t, 90, cfg.Scoring.Trust.Registry)
	assert.Equal(t, 75, cfg.Scoring.Trust.Enrichment)
	assert.Equal(t, 60, cfg.Scoring.Trust.Import)
	assert.InDelta(t, 3.0, cfg.Scoring.FieldWeights["npi"], 0.001)
	assert.InDelta(t, 1.0, cfg.Scoring.FieldWeights["website"], 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 50, cfg.Monitoring.DLQThreshold)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/medatlas
log:
  level: debug
  format: console
batch:
  concurrency: 4
scoring:
  trust:
    registry: 95
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Batch.Concurrency)
	assert.Equal(t, 95, cfg.Scoring.Trust.Registry)
	// Defaults still apply for unset values
	assert.Equal(t, 75, cfg.Scoring.Trust.Enrichment)
	assert.Equal(t, 60, cfg.Batch.ProviderTimeoutSecs)
}

func TestLoadTimeoutKeys(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
batch:
  provider_timeout_secs: 90
  dlq_max_retries: 5
sources:
  import_timeout_secs: 2
  registry_timeout_secs: 20
  enrichment_timeout_secs: 30
  registry_cache_ttl_secs: 600
  breaker_threshold: 0
  breaker_reset_secs: 45
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Batch.ProviderTimeoutSecs)
	assert.Equal(t, 5, cfg.Batch.DLQMaxRetries)
	assert.Equal(t, 2, cfg.Sources.ImportTimeoutSecs)
	assert.Equal(t, 20, cfg.Sources.RegistryTimeoutSecs)
	assert.Equal(t, 30, cfg.Sources.EnrichmentTimeoutSecs)
	assert.Equal(t, 600, cfg.Sources.RegistryCacheTTLSecs)
	assert.Equal(t, 0, cfg.Sources.BreakerThreshold)
	assert.Equal(t, 45, cfg.Sources.BreakerResetSecs)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MEDATLAS_STORE_DRIVER", "postgres")
	t.Setenv("MEDATLAS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("MEDATLAS_BATCH_CONCURRENCY", "32")
	t.Setenv("MEDATLAS_SCORING_TRUST_IMPORT", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Batch.Concurrency)
	assert.Equal(t, 50, cfg.Scoring.Trust.Import)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	return &Config{
		Store: StoreConfig{Driver: "sqlite", DatabaseURL: "file.db"},
		Log:   LogConfig{Level: "info", Format: "json"},
		Batch: BatchConfig{Concurrency: 8, ProviderTimeoutSecs: 60},
		Sources: SourcesConfig{
			ImportTimeoutSecs:     5,
			RegistryTimeoutSecs:   10,
			EnrichmentTimeoutSecs: 15,
			RegistryURL:           "https://npiregistry.cms.hhs.gov/api/",
		},
		Scoring: ScoringConfig{
			Trust:        TrustConfig{Registry: 90, Enrichment: 75, Import: 60},
			FieldWeights: DefaultFieldWeights(),
		},
		Monitoring: MonitoringConfig{
			FailureRateThreshold: 0.1,
			HighRiskThreshold:    0.25,
			LookbackWindowHours:  24,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "Driver"},
		{name: "missing url", mutate: func(c *Config) { c.Store.DatabaseURL = "" }, wantErr: "DatabaseURL"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Batch.Concurrency = 0 }, wantErr: "Concurrency"},
		{name: "trust over 100", mutate: func(c *Config) { c.Scoring.Trust.Registry = 101 }, wantErr: "Registry"},
		{name: "negative weight", mutate: func(c *Config) { c.Scoring.FieldWeights["phone"] = -1 }, wantErr: "phone"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "Format"},
		{name: "failure rate over 1", mutate: func(c *Config) { c.Monitoring.FailureRateThreshold = 1.5 }, wantErr: "FailureRateThreshold"},
		{name: "bad webhook", mutate: func(c *Config) { c.Monitoring.WebhookURL = "not a url" }, wantErr: "WebhookURL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
