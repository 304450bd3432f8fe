// Package reconcile chooses the final value of every field and turns field
// outcomes into idempotent discrepancy writes.
package reconcile

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/normalize"
	"github.com/medatlas/provider-validator/internal/scorer"
	"github.com/medatlas/provider-validator/internal/store"
)

// Override is a manual final value for a field with an open discrepancy.
type Override struct {
	Value *string
	Notes string
}

// Store is the persistence the Reconciler needs.
type Store interface {
	ListDiscrepancies(ctx context.Context, filter store.DiscrepancyFilter) ([]model.Discrepancy, error)
	SaveValidation(ctx context.Context, w *store.ValidationWrite) ([]model.Discrepancy, error)
}

// Input is everything known about one provider after detection and scoring.
type Input struct {
	Provider   *model.Provider
	Outcomes   map[string]model.FieldOutcome
	Candidates model.Candidates
	Score      scorer.Result
	Overrides  map[string]Override
	Registry   *model.RegistryPayload
	Enrichment *model.EnrichmentPayload
	Degraded   []model.Source
}

// Reconciler applies selection and discrepancy lifecycle rules.
type Reconciler struct {
	store Store
	reg   *model.FieldRegistry
	now   func() time.Time
}

// New creates a Reconciler.
func New(st Store, reg *model.FieldRegistry) *Reconciler {
	return &Reconciler{
		store: st,
		reg:   reg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile picks final values, plans discrepancy changes against what is
// stored, and writes everything in one transaction. Re-running with unchanged
// candidates updates nothing but the provider's validation timestamp.
func (r *Reconciler) Reconcile(ctx context.Context, rc model.RunContext, in Input) (*model.FinalizedProvider, error) {
	p := in.Provider
	existing, err := r.store.ListDiscrepancies(ctx, store.DiscrepancyFilter{ProviderID: p.ID})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: load discrepancies for provider %d", p.ID)
	}

	now := r.now()
	plan := r.plan(p.ID, in, existing, now)

	riskScore := scorer.RiskScore(in.Score.Confidence, plan.openFields, r.reg)

	updated := *p
	for name, ff := range plan.fields {
		if ff.Value != nil {
			updated.Fields.Set(name, ff.Value)
		}
	}
	updated.ConfidenceScore = in.Score.Confidence
	updated.RiskScore = riskScore
	updated.ValidationStatus = in.Score.Status
	updated.Registry = in.Registry
	updated.Enriched = in.Enrichment
	updated.Validated = &model.ValidatedPayload{
		RunID:       rc.RunID,
		Fields:      plan.fields,
		Degraded:    in.Degraded,
		ValidatedAt: now,
	}
	updated.LastValidatedAt = &now
	updated.UpdatedAt = now

	meta, _ := json.Marshal(map[string]any{
		"confidence_score": in.Score.Confidence,
		"status":           in.Score.Status,
		"open_fields":      plan.openFields,
		"degraded":         in.Degraded,
	})
	w := &store.ValidationWrite{
		Provider: &updated,
		Inserts:  plan.inserts,
		Updates:  plan.updates,
		Audit: &model.AuditEvent{
			RunID:      rc.RunID,
			ProviderID: p.ID,
			EventType:  model.EventValidated,
			Message:    "provider validated as " + string(in.Score.Status),
			Metadata:   meta,
			CreatedAt:  now,
		},
	}

	written, err := r.store.SaveValidation(ctx, w)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: save provider %d", p.ID)
	}

	if len(plan.inserts)+len(plan.updates) > 0 {
		zap.L().Debug("reconcile: discrepancies written",
			zap.Int64("provider_id", p.ID),
			zap.Int("inserted", len(plan.inserts)),
			zap.Int("updated", len(plan.updates)),
		)
	}

	return &model.FinalizedProvider{
		ProviderID:      p.ID,
		RunID:           rc.RunID,
		ConfidenceScore: in.Score.Confidence,
		RiskScore:       riskScore,
		Status:          in.Score.Status,
		Fields:          plan.fields,
		Discrepancies:   mergeDiscrepancies(plan.untouched, written),
		Degraded:        in.Degraded,
		ValidatedAt:     now,
	}, nil
}

type plan struct {
	fields     map[string]model.FinalField
	inserts    []model.Discrepancy
	updates    []model.Discrepancy
	untouched  []model.Discrepancy
	openFields []string
}

func (r *Reconciler) plan(providerID int64, in Input, existing []model.Discrepancy, now time.Time) plan {
	open := make(map[string]model.Discrepancy)
	lastResolved := make(map[string]model.Discrepancy)
	for _, d := range existing {
		switch d.Status {
		case model.DiscrepancyOpen:
			open[d.FieldName] = d
		case model.DiscrepancyResolved:
			if prev, ok := lastResolved[d.FieldName]; !ok || d.ID > prev.ID {
				lastResolved[d.FieldName] = d
			}
		}
	}

	pl := plan{fields: make(map[string]model.FinalField, len(r.reg.Fields))}

	for _, name := range r.reg.Names() {
		out := in.Outcomes[name]
		cands := in.Candidates[name]
		imp, regv, enr := sourceValue(cands, model.SourceImport), sourceValue(cands, model.SourceRegistry), sourceValue(cands, model.SourceEnrichment)

		ff := model.FinalField{
			Confidence:  out.Confidence,
			Risk:        out.Risk,
			Discrepancy: out.Discrepancy,
		}
		if out.Selected != nil {
			ff.Value = displayPtr(out.Selected.Raw)
			ff.Normalized = out.Selected.Normalized
			ff.Source = out.Selected.Source
		}

		row, hasOpen := open[name]
		ov, hasOverride := in.Overrides[name]

		switch {
		case hasOpen && hasOverride:
			row.ImportValue, row.RegistryValue, row.EnrichmentValue = imp, regv, enr
			row.FinalValue = ov.Value
			row.Confidence, row.RiskLevel = out.Confidence, out.Risk
			row.Status = model.DiscrepancyResolved
			row.Override = true
			row.Notes = appendNote(row.Notes, ov.Notes)
			row.ResolvedAt = &now
			row.UpdatedAt = now
			pl.updates = append(pl.updates, row)

			ff.Value, ff.Normalized, ff.Source, ff.Override = ov.Value, nil, "", true

		case out.Discrepancy && hasOpen:
			next := row
			next.ImportValue, next.RegistryValue, next.EnrichmentValue = imp, regv, enr
			next.FinalValue = ff.Value
			next.Confidence, next.RiskLevel = out.Confidence, out.Risk
			if sameRow(row, next) {
				pl.untouched = append(pl.untouched, row)
			} else {
				next.UpdatedAt = now
				pl.updates = append(pl.updates, next)
			}
			pl.openFields = append(pl.openFields, name)

		case out.Discrepancy:
			if prev, ok := lastResolved[name]; ok && prev.SameEvidence(imp, regv, enr) {
				// Already reviewed with this exact evidence; keep the decision.
				ff.Value = prev.FinalValue
				ff.Override = prev.Override
				if prev.Override {
					ff.Normalized, ff.Source = nil, ""
				}
				break
			}
			pl.inserts = append(pl.inserts, model.Discrepancy{
				ProviderID:      providerID,
				FieldName:       name,
				ImportValue:     imp,
				RegistryValue:   regv,
				EnrichmentValue: enr,
				FinalValue:      ff.Value,
				Confidence:      out.Confidence,
				RiskLevel:       out.Risk,
				Status:          model.DiscrepancyOpen,
				CreatedAt:       now,
				UpdatedAt:       now,
			})
			pl.openFields = append(pl.openFields, name)

		case hasOpen:
			row.ImportValue, row.RegistryValue, row.EnrichmentValue = imp, regv, enr
			row.FinalValue = ff.Value
			row.Confidence, row.RiskLevel = out.Confidence, out.Risk
			row.Status = model.DiscrepancyResolved
			row.Notes = appendNote(row.Notes, autoCloseNote(out))
			row.ResolvedAt = &now
			row.UpdatedAt = now
			pl.updates = append(pl.updates, row)
		}

		if hasOverride && !hasOpen {
			zap.L().Warn("reconcile: override ignored, no open discrepancy",
				zap.Int64("provider_id", providerID),
				zap.String("field", name),
			)
		}

		pl.fields[name] = ff
	}

	return pl
}

func autoCloseNote(out model.FieldOutcome) string {
	if out.Present >= 2 {
		return "auto-resolved: sources agree"
	}
	return "auto-resolved: fewer than two sources present"
}

func appendNote(notes, add string) string {
	switch {
	case add == "":
		return notes
	case notes == "":
		return add
	default:
		return notes + "\n" + add
	}
}

// sourceValue returns the raw value src supplied, exactly as received.
func sourceValue(cands []model.FieldCandidate, src model.Source) *string {
	for _, c := range cands {
		if c.Source == src {
			return c.Raw
		}
	}
	return nil
}

func displayPtr(raw *string) *string {
	if raw == nil {
		return nil
	}
	v := normalize.Display(*raw)
	return &v
}

func sameRow(a, b model.Discrepancy) bool {
	return a.SameEvidence(b.ImportValue, b.RegistryValue, b.EnrichmentValue) &&
		model.EqualPtr(a.FinalValue, b.FinalValue) &&
		a.Confidence == b.Confidence &&
		a.RiskLevel == b.RiskLevel
}

func mergeDiscrepancies(untouched, written []model.Discrepancy) []model.Discrepancy {
	out := make([]model.Discrepancy, 0, len(untouched)+len(written))
	out = append(out, untouched...)
	out = append(out, written...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
