// Package detect compares normalized candidates per field and decides whether
// the sources disagree, how confident the field is, and how risky.
package detect

import (
	"math"

	"github.com/medatlas/provider-validator/internal/model"
)

// Detector applies the trust policy to candidate sets. It is stateless and
// safe for concurrent use.
type Detector struct {
	trust model.TrustPolicy
}

// New creates a Detector with the given source trust weights.
func New(trust model.TrustPolicy) *Detector {
	if trust == nil {
		trust = model.DefaultTrustPolicy()
	}
	return &Detector{trust: trust}
}

// Trust returns the detector's trust policy.
func (d *Detector) Trust() model.TrustPolicy {
	return d.trust
}

// Detect evaluates one field. The result does not depend on candidate order.
//
//   - no present source: confidence 0, high risk
//   - one present source: confidence is that source's trust weight
//   - all valid values equal: confidence is the share of present sources that
//     are valid, 100 when none is unparseable
//   - valid values differ: a discrepancy; confidence is the share of present
//     sources agreeing with the selected value
func (d *Detector) Detect(field string, cands []model.FieldCandidate) model.FieldOutcome {
	out := model.FieldOutcome{Field: field}

	var valid []model.FieldCandidate
	for _, c := range cands {
		if !c.Present() {
			continue
		}
		out.Present++
		if c.Valid() {
			valid = append(valid, c)
		} else {
			out.Invalid++
		}
	}

	out.Selected = Select(cands, d.trust)

	switch {
	case out.Present == 0 || len(valid) == 0:
		out.Confidence = 0

	case out.Present == 1:
		out.Agreeing = 1
		out.Confidence = d.trust.Weight(valid[0].Source)

	default:
		distinct := make(map[string]struct{}, len(valid))
		for _, c := range valid {
			distinct[*c.Normalized] = struct{}{}
		}
		if len(distinct) > 1 {
			out.Discrepancy = true
		}
		for _, c := range valid {
			if *c.Normalized == *out.Selected.Normalized {
				out.Agreeing++
			}
		}
		out.Confidence = percent(out.Agreeing, out.Present)
	}

	out.Risk = model.RiskFor(out.Confidence)
	return out
}

// DetectAll evaluates every registered field.
func (d *Detector) DetectAll(reg *model.FieldRegistry, cands model.Candidates) map[string]model.FieldOutcome {
	out := make(map[string]model.FieldOutcome, len(reg.Fields))
	for _, name := range reg.Names() {
		out[name] = d.Detect(name, cands[name])
	}
	return out
}

// Select returns the candidate from the most trusted source with a valid
// value, preferring non-blank values. It returns nil when no candidate is valid.
func Select(cands []model.FieldCandidate, trust model.TrustPolicy) *model.FieldCandidate {
	ranked := trust.Ranked()
	for _, wantBlank := range []bool{false, true} {
		for _, src := range ranked {
			for i := range cands {
				c := cands[i]
				if c.Source != src || !c.Valid() {
					continue
				}
				if (*c.Normalized == "") == wantBlank {
					return &c
				}
			}
		}
	}
	return nil
}

func percent(n, of int) int {
	if of == 0 {
		return 0
	}
	return int(math.Round(float64(n) * 100 / float64(of)))
}
