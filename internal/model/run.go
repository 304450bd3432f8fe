package model

import "time"

// RunStatus represents the state of a validation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerSingle RunTrigger = "single"
	TriggerBatch  RunTrigger = "batch"
	TriggerRetry  RunTrigger = "retry"
)

// RunScope selects the providers of a batch. When ProviderIDs is empty the
// batch covers every provider, optionally narrowed by Status.
type RunScope struct {
	ProviderIDs []int64          `json:"provider_ids,omitempty"`
	Status      ValidationStatus `json:"status,omitempty"`
	Limit       int              `json:"limit,omitempty"`
	Force       bool             `json:"force"`
}

// RunContext carries per-run state through the pipeline.
type RunContext struct {
	RunID     string
	Trigger   RunTrigger
	Force     bool
	StartedAt time.Time
}

// Run is an audit log entry for one single or batch invocation.
type Run struct {
	ID          string      `json:"id"`
	Trigger     RunTrigger  `json:"trigger"`
	Status      RunStatus   `json:"status"`
	Scope       RunScope    `json:"scope"`
	Summary     *RunSummary `json:"summary,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// RunSummary counts outcomes of one batch. Degraded counts providers that
// completed with at least one source downgraded to absent; they are also
// counted under their resulting status.
type RunSummary struct {
	Total             int   `json:"total"`
	Validated         int   `json:"validated"`
	NeedsReview       int   `json:"needs_review"`
	ReviewRecommended int   `json:"review_recommended"`
	HighRisk          int   `json:"high_risk"`
	Failed            int   `json:"failed"`
	Degraded          int   `json:"degraded"`
	Skipped           int   `json:"skipped"`
	DurationMS        int64 `json:"duration_ms"`
}

// Record adds one completed provider to the summary.
func (s *RunSummary) Record(status ValidationStatus) {
	switch status {
	case StatusValidated:
		s.Validated++
	case StatusNeedsReview:
		s.NeedsReview++
	case StatusReviewRecommended:
		s.ReviewRecommended++
	case StatusHighRisk:
		s.HighRisk++
	}
}

// Completed returns the number of providers that finished with a status.
func (s RunSummary) Completed() int {
	return s.Validated + s.NeedsReview + s.ReviewRecommended + s.HighRisk
}

// HighRiskScore is the provider risk score at which the directory summary
// counts a provider as high risk.
const HighRiskScore = 70

// DirectorySummary is the directory-wide snapshot returned by getSummary.
type DirectorySummary struct {
	TotalProviders     int     `json:"total_providers"`
	ValidatedProviders int     `json:"validated_providers"`
	PendingProviders   int     `json:"pending_providers"`
	TotalDiscrepancies int     `json:"total_discrepancies"`
	OpenDiscrepancies  int     `json:"open_discrepancies"`
	AvgConfidenceScore float64 `json:"avg_confidence_score"`
	HighRiskProviders  int     `json:"high_risk_providers"`
}
