package store

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/resilience"
)

var (
	// ErrNotFound is returned when a provider, discrepancy or run does not exist.
	ErrNotFound = eris.New("not found")
	// ErrConflict is returned when an optimistic version check fails because
	// another writer changed the row first.
	ErrConflict = eris.New("version conflict")
)

// ProviderFilter specifies criteria for listing providers.
type ProviderFilter struct {
	IDs    []int64                `json:"ids,omitempty"`
	Status model.ValidationStatus `json:"status,omitempty"`
	// AfterID restricts results to ids greater than it, for keyset paging.
	AfterID int64 `json:"after_id,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
}

// DiscrepancyFilter specifies criteria for listing discrepancies.
type DiscrepancyFilter struct {
	ProviderID int64                   `json:"provider_id,omitempty"`
	Status     model.DiscrepancyStatus `json:"status,omitempty"`
	Field      string                  `json:"field,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus  `json:"status,omitempty"`
	Trigger      model.RunTrigger `json:"trigger,omitempty"`
	StartedAfter time.Time        `json:"started_after,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	Offset       int              `json:"offset,omitempty"`
}

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	ProviderID int64  `json:"provider_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ValidationWrite is the result of one provider validation, applied in a
// single transaction. Provider.Version and each Updates[i].Version must hold
// the version read before the run; a mismatch aborts the whole write with
// ErrConflict and leaves stored state unchanged.
type ValidationWrite struct {
	Provider *model.Provider
	Inserts  []model.Discrepancy
	Updates  []model.Discrepancy
	Audit    *model.AuditEvent
}

// Resolution closes one open discrepancy. ExpectedVersion must match the
// stored version. FinalValue, when set, replaces the reconciled value.
type Resolution struct {
	ID              int64
	ExpectedVersion int64
	Notes           string
	FinalValue      *string
	At              time.Time
}

// Store defines the persistence interface for the provider directory.
type Store interface {
	// Providers
	UpsertProvider(ctx context.Context, p *model.Provider) (id int64, created bool, err error)
	GetProvider(ctx context.Context, id int64) (*model.Provider, error)
	FindProviderByNPI(ctx context.Context, npi string) (*model.Provider, error)
	ListProviders(ctx context.Context, filter ProviderFilter) ([]model.Provider, error)
	ListProviderIDs(ctx context.Context, filter ProviderFilter) ([]int64, error)
	SaveValidation(ctx context.Context, w *ValidationWrite) ([]model.Discrepancy, error)

	// Enrichment evidence
	SaveEnrichment(ctx context.Context, providerID int64, payload *model.EnrichmentPayload) error
	GetEnrichment(ctx context.Context, providerID int64) (*model.EnrichmentPayload, error)

	// Discrepancies
	GetDiscrepancy(ctx context.Context, id int64) (*model.Discrepancy, error)
	ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]model.Discrepancy, error)
	ResolveDiscrepancy(ctx context.Context, r Resolution) (*model.Discrepancy, error)

	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	CompleteRun(ctx context.Context, id string, status model.RunStatus, summary *model.RunSummary, errMsg string) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Audit log
	AppendAudit(ctx context.Context, e *model.AuditEvent) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error)

	// Directory summary
	Summary(ctx context.Context) (*model.DirectorySummary, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func notFound(entity string, id any) error {
	return eris.Wrapf(ErrNotFound, "%s %v", entity, id)
}

func conflict(entity string, id any) error {
	return eris.Wrapf(ErrConflict, "%s %v", entity, id)
}

// stampProvider fills defaults for a provider about to be imported.
func stampProvider(p *model.Provider) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.ValidationStatus == "" {
		p.ValidationStatus = model.StatusPending
	}
}

func prepareDLQEntry(e resilience.DLQEntry) resilience.DLQEntry {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = resilience.NextRetryAt(now, e.RetryCount)
	}
	if e.ErrorType == "" {
		e.ErrorType = resilience.ErrorTransient
	}
	return e
}

func roundTo2(f float64) float64 {
	return math.Round(f*100) / 100
}
