package model

import "time"

// ValidationStatus is the provider-level outcome of the latest run.
type ValidationStatus string

const (
	StatusPending           ValidationStatus = "pending"
	StatusValidated         ValidationStatus = "validated"
	StatusNeedsReview       ValidationStatus = "needs_review"
	StatusReviewRecommended ValidationStatus = "review_recommended"
	StatusHighRisk          ValidationStatus = "high_risk"
)

// RiskLevel is the categorical severity derived from a confidence value.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFor maps a 0-100 confidence to a risk level using the same thresholds
// as provider status: <60 high, 60-79 medium, >=80 low.
func RiskFor(confidence int) RiskLevel {
	switch {
	case confidence >= 80:
		return RiskLow
	case confidence >= 60:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Provider is a directory record. Fields holds the current directory values:
// the import values until the first completed run, the reconciled values after.
type Provider struct {
	ID               int64              `json:"id"`
	Fields           FieldSet           `json:"fields"`
	ConfidenceScore  int                `json:"confidence_score"`
	RiskScore        int                `json:"risk_score"`
	ValidationStatus ValidationStatus   `json:"validation_status"`
	SourceFile       string             `json:"source_file,omitempty"`
	Raw              ImportPayload      `json:"raw"`
	Registry         *RegistryPayload   `json:"registry,omitempty"`
	Enriched         *EnrichmentPayload `json:"enriched,omitempty"`
	Validated        *ValidatedPayload  `json:"validated,omitempty"`
	Version          int64              `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	LastValidatedAt  *time.Time         `json:"last_validated_at,omitempty"`
}

// DisplayName returns the person or organization name.
func (p *Provider) DisplayName() string {
	first, last := p.Fields.Value(FieldFirstName), p.Fields.Value(FieldLastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case last != "":
		return last
	default:
		return p.Fields.Value(FieldOrganizationName)
	}
}

// ImportPayload is the operator-supplied row as imported.
type ImportPayload struct {
	Fields     FieldSet  `json:"fields"`
	SourceFile string    `json:"source_file,omitempty"`
	Row        int       `json:"row,omitempty"`
	ImportedAt time.Time `json:"imported_at"`
}

// RegistryPayload is the last registry lookup result. Found is false when
// the registry answered but had no record for the identifier.
type RegistryPayload struct {
	Fields    FieldSet  `json:"fields"`
	Found     bool      `json:"found"`
	FetchedAt time.Time `json:"fetched_at"`
}

// EnrichmentPayload is best-effort data recovered from documents or the web.
type EnrichmentPayload struct {
	Fields      FieldSet  `json:"fields"`
	Origins     []string  `json:"origins,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// FinalField is the reconciled value of one field.
type FinalField struct {
	Value       *string   `json:"value"`
	Normalized  *string   `json:"normalized,omitempty"`
	Source      Source    `json:"source,omitempty"`
	Confidence  int       `json:"confidence"`
	Risk        RiskLevel `json:"risk"`
	Discrepancy bool      `json:"discrepancy"`
	Override    bool      `json:"override,omitempty"`
}

// ValidatedPayload is the reconciled view persisted after a completed run.
type ValidatedPayload struct {
	RunID       string                `json:"run_id"`
	Fields      map[string]FinalField `json:"fields"`
	Degraded    []Source              `json:"degraded,omitempty"`
	ValidatedAt time.Time             `json:"validated_at"`
}

// FinalizedProvider is the result of validating one provider.
type FinalizedProvider struct {
	ProviderID      int64                 `json:"provider_id"`
	RunID           string                `json:"run_id"`
	ConfidenceScore int                   `json:"confidence_score"`
	RiskScore       int                   `json:"risk_score"`
	Status          ValidationStatus      `json:"validation_status"`
	Fields          map[string]FinalField `json:"fields"`
	Discrepancies   []Discrepancy         `json:"discrepancies"`
	Degraded        []Source              `json:"degraded,omitempty"`
	Cached          bool                  `json:"cached"`
	ValidatedAt     time.Time             `json:"validated_at"`
}
