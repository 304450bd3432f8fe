package model

import "time"

// DiscrepancyStatus is the lifecycle state of a discrepancy. Resolved is terminal.
type DiscrepancyStatus string

const (
	DiscrepancyOpen     DiscrepancyStatus = "open"
	DiscrepancyResolved DiscrepancyStatus = "resolved"
)

// Discrepancy records a disagreement between two or more present sources for
// one field of one provider.
type Discrepancy struct {
	ID              int64             `json:"id"`
	ProviderID      int64             `json:"provider_id"`
	FieldName       string            `json:"field_name"`
	ImportValue     *string           `json:"import_value"`
	RegistryValue   *string           `json:"registry_value"`
	EnrichmentValue *string           `json:"enrichment_value"`
	FinalValue      *string           `json:"final_value"`
	Confidence      int               `json:"confidence"`
	RiskLevel       RiskLevel         `json:"risk_level"`
	Status          DiscrepancyStatus `json:"status"`
	Notes           string            `json:"notes,omitempty"`
	Override        bool              `json:"override"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
}

// SourceValue returns the stored value for src.
func (d *Discrepancy) SourceValue(src Source) *string {
	switch src {
	case SourceImport:
		return d.ImportValue
	case SourceRegistry:
		return d.RegistryValue
	case SourceEnrichment:
		return d.EnrichmentValue
	}
	return nil
}

// SameEvidence reports whether d recorded exactly the given per-source values.
func (d *Discrepancy) SameEvidence(importV, registryV, enrichmentV *string) bool {
	return EqualPtr(d.ImportValue, importV) &&
		EqualPtr(d.RegistryValue, registryV) &&
		EqualPtr(d.EnrichmentValue, enrichmentV)
}

// EqualPtr compares two optional strings; nil equals only nil.
func EqualPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
