package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medatlas/provider-validator/internal/collect"
	"github.com/medatlas/provider-validator/internal/config"
	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/monitoring"
	"github.com/medatlas/provider-validator/internal/pipeline"
	"github.com/medatlas/provider-validator/internal/resilience"
	"github.com/medatlas/provider-validator/internal/store"
	"github.com/medatlas/provider-validator/pkg/nppes"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "medatlas.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// appEnv holds the store, the validation service and its metrics for the
// commands that validate providers.
type appEnv struct {
	Store    store.Store
	Service  *pipeline.Service
	Metrics  *monitoring.Metrics
	Registry *collect.CachedRegistry
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp opens the store and wires the collector, pipeline, runner and
// service. Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	fields, err := fieldRegistry(cfg.Scoring)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	client, err := registryClient(cfg.Sources)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	cached := collect.NewCachedRegistry(
		collect.NewNPPESRegistry(client),
		max(cfg.Sources.RegistryCacheSize, 1),
		time.Duration(cfg.Sources.RegistryCacheTTLSecs)*time.Second,
	)

	opts := []collect.Option{
		collect.WithTimeouts(collect.Timeouts{
			Import:     time.Duration(cfg.Sources.ImportTimeoutSecs) * time.Second,
			Registry:   time.Duration(cfg.Sources.RegistryTimeoutSecs) * time.Second,
			Enrichment: time.Duration(cfg.Sources.EnrichmentTimeoutSecs) * time.Second,
		}),
		collect.WithRetryPolicy(resilience.DefaultPolicy()),
		collect.WithDegradedHook(metrics.SourceDegraded),
	}
	if cfg.Sources.BreakerThreshold > 0 {
		opts = append(opts, collect.WithBreakers(resilience.NewBreakers(
			cfg.Sources.BreakerThreshold,
			time.Duration(cfg.Sources.BreakerResetSecs)*time.Second,
			metrics.BreakerChanged,
		)))
	}
	collector := collect.New(fields, collect.RecordImport{}, cached, collect.StoreEnrichment{Store: st}, opts...)

	p := pipeline.New(st, fields, trustPolicy(cfg.Scoring.Trust), collector,
		pipeline.WithProviderTimeout(time.Duration(cfg.Batch.ProviderTimeoutSecs)*time.Second),
		pipeline.WithRecorder(metrics),
	)
	runner := pipeline.NewRunner(p, st, cfg.Batch.Concurrency, cfg.Batch.DLQMaxRetries)

	return &appEnv{
		Store:    st,
		Service:  pipeline.NewService(st, p, runner),
		Metrics:  metrics,
		Registry: cached,
	}, nil
}

func fieldRegistry(sc config.ScoringConfig) (*model.FieldRegistry, error) {
	reg := model.DefaultFieldRegistry()
	if sc.FieldsFile != "" {
		loaded, err := model.LoadFieldRegistry(sc.FieldsFile)
		if err != nil {
			return nil, err
		}
		reg = loaded
	}
	if len(sc.FieldWeights) > 0 {
		reg = reg.WithWeights(sc.FieldWeights)
	}
	return reg, nil
}

func trustPolicy(tc config.TrustConfig) model.TrustPolicy {
	return model.TrustPolicy{
		model.SourceRegistry:   tc.Registry,
		model.SourceEnrichment: tc.Enrichment,
		model.SourceImport:     tc.Import,
	}
}

// registryClient returns the offline fixture when one is configured,
// otherwise the live NPPES client.
func registryClient(sc config.SourcesConfig) (nppes.Client, error) {
	if sc.RegistryFixture != "" {
		f, err := nppes.LoadFixture(sc.RegistryFixture)
		if err != nil {
			return nil, err
		}
		zap.L().Info("using registry fixture",
			zap.String("path", sc.RegistryFixture),
			zap.Int("records", f.Len()),
		)
		return f, nil
	}
	var opts []nppes.Option
	if sc.RegistryURL != "" {
		opts = append(opts, nppes.WithBaseURL(sc.RegistryURL))
	}
	if sc.RegistryRateLimit > 0 {
		opts = append(opts, nppes.WithRateLimit(sc.RegistryRateLimit))
	}
	return nppes.NewClient(opts...), nil
}
