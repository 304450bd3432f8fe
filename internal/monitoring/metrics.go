package monitoring

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/resilience"
)

const namespace = "medatlas"

// Metrics exports validation counters on a private Prometheus registry.
// It satisfies pipeline.Recorder.
type Metrics struct {
	registry *prom.Registry

	validated  *prom.CounterVec
	failed     *prom.CounterVec
	degraded   *prom.CounterVec
	duration   prom.Histogram
	runs       *prom.CounterVec
	runSize    prom.Histogram
	open       prom.Gauge
	breakers   *prom.GaugeVec
	dlqDepth   prom.Gauge
	directory  *prom.GaugeVec
	confidence prom.Gauge
}

// NewMetrics creates and registers the validation metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prom.NewRegistry(),
		validated: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "providers_validated_total",
			Help:      "Providers that completed validation, by resulting status.",
		}, []string{"status"}),
		failed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "providers_failed_total",
			Help:      "Provider validations that failed, by error class.",
		}, []string{"error_type"}),
		degraded: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "source_degraded_total",
			Help:      "Sources downgraded to absent during collection.",
		}, []string{"source"}),
		duration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_validation_seconds",
			Help:      "Time to validate one provider.",
			Buckets:   prom.ExponentialBuckets(0.005, 2, 12),
		}),
		runs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Validation runs, by trigger and final status.",
		}, []string{"trigger", "status"}),
		runSize: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_providers",
			Help:      "Providers selected per run.",
			Buckets:   prom.ExponentialBuckets(1, 4, 8),
		}),
		open: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "open_discrepancies",
			Help:      "Open discrepancies after the last validation.",
		}),
		breakers: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "source_breaker_state",
			Help:      "Circuit breaker state per source (0 closed, 1 open, 2 half-open).",
		}, []string{"source"}),
		dlqDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Providers waiting in the dead letter queue.",
		}),
		directory: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_providers",
			Help:      "Providers in the directory, by group.",
		}, []string{"group"}),
		confidence: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_avg_confidence",
			Help:      "Average confidence score of validated providers.",
		}),
	}
	m.registry.MustRegister(
		m.validated, m.failed, m.degraded, m.duration,
		m.runs, m.runSize, m.open, m.breakers,
		m.dlqDepth, m.directory, m.confidence,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prom.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ProviderValidated(status model.ValidationStatus, _ []model.Source, d time.Duration) {
	m.validated.WithLabelValues(string(status)).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) ProviderFailed(errorType string) {
	m.failed.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RunCompleted(trigger model.RunTrigger, status model.RunStatus, s *model.RunSummary) {
	m.runs.WithLabelValues(string(trigger), string(status)).Inc()
	if s != nil {
		m.runSize.Observe(float64(s.Total))
	}
}

func (m *Metrics) OpenDiscrepancies(n int) {
	m.open.Set(float64(n))
}

// SourceDegraded counts a source downgraded to absent. Its signature matches
// the collector's degraded hook.
func (m *Metrics) SourceDegraded(src model.Source, _ error) {
	m.degraded.WithLabelValues(string(src)).Inc()
}

// BreakerChanged tracks breaker transitions. Its signature matches the
// resilience.Breakers change callback.
func (m *Metrics) BreakerChanged(name string, _, to resilience.BreakerState) {
	m.breakers.WithLabelValues(name).Set(float64(to))
}

// ObserveSnapshot publishes directory-wide gauges from a snapshot.
func (m *Metrics) ObserveSnapshot(snap *Snapshot) {
	m.dlqDepth.Set(float64(snap.DLQDepth))
	m.directory.WithLabelValues("total").Set(float64(snap.Directory.TotalProviders))
	m.directory.WithLabelValues("validated").Set(float64(snap.Directory.ValidatedProviders))
	m.directory.WithLabelValues("pending").Set(float64(snap.Directory.PendingProviders))
	m.directory.WithLabelValues("high_risk").Set(float64(snap.Directory.HighRiskProviders))
	m.confidence.Set(snap.Directory.AvgConfidenceScore)
	m.open.Set(float64(snap.Directory.OpenDiscrepancies))
}
