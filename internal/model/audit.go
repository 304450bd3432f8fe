package model

import (
	"encoding/json"
	"time"
)

// Audit event types.
const (
	EventImported            = "provider_imported"
	EventValidated           = "provider_validated"
	EventValidationFailed    = "validation_failed"
	EventDiscrepancyResolved = "discrepancy_resolved"
	EventSourceDegraded      = "source_degraded"
)

// AuditEvent is one entry in the append-only audit log.
type AuditEvent struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id,omitempty"`
	ProviderID int64           `json:"provider_id,omitempty"`
	EventType  string          `json:"event_type"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
