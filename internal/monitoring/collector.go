package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/store"
)

// Snapshot holds a point-in-time view of validation health.
type Snapshot struct {
	// Runs started within the lookback window.
	RunsTotal     int `json:"runs_total"`
	RunsComplete  int `json:"runs_complete"`
	RunsFailed    int `json:"runs_failed"`
	RunsCancelled int `json:"runs_cancelled"`
	RunsRunning   int `json:"runs_running"`

	// Provider outcomes summed over those runs.
	ProvidersProcessed int     `json:"providers_processed"`
	ProvidersFailed    int     `json:"providers_failed"`
	ProvidersDegraded  int     `json:"providers_degraded"`
	ProviderFailRate   float64 `json:"provider_fail_rate"`

	// Directory-wide state.
	Directory     model.DirectorySummary `json:"directory"`
	HighRiskShare float64                `json:"high_risk_share"`
	DLQDepth      int                    `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Store is the read access the collector needs.
type Store interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	Summary(ctx context.Context) (*model.DirectorySummary, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers snapshots from the store.
type Collector struct {
	store Store
}

// NewCollector creates a Collector.
func NewCollector(st Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := time.Now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		StartedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusCancelled:
			snap.RunsCancelled++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Summary != nil {
			snap.ProvidersProcessed += r.Summary.Completed() + r.Summary.Failed
			snap.ProvidersFailed += r.Summary.Failed
			snap.ProvidersDegraded += r.Summary.Degraded
		}
	}
	if snap.ProvidersProcessed > 0 {
		snap.ProviderFailRate = float64(snap.ProvidersFailed) / float64(snap.ProvidersProcessed)
	}

	dir, err := c.store.Summary(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: directory summary")
	}
	snap.Directory = *dir
	if dir.TotalProviders > 0 {
		snap.HighRiskShare = float64(dir.HighRiskProviders) / float64(dir.TotalProviders)
	}

	depth, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = depth

	return snap, nil
}
