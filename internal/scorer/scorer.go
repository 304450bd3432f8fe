// Package scorer aggregates per-field confidences into a provider-level
// confidence score, validation status, and risk score.
package scorer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/medatlas/provider-validator/internal/model"
)

// Status thresholds. These are user-visible and must not drift.
const (
	ValidatedMin = 80
	ReviewMin    = 60
)

// Result is the provider-level score.
type Result struct {
	Confidence int
	Status     model.ValidationStatus
	// Scored lists the fields that contributed to the weighted mean.
	Scored []string
	// HighRisk lists scored fields whose risk is high.
	HighRisk []string
}

// Scorer computes weighted provider confidence from field outcomes.
type Scorer struct {
	reg *model.FieldRegistry
}

// New creates a Scorer using the weights and required flags in reg.
func New(reg *model.FieldRegistry) *Scorer {
	return &Scorer{reg: reg}
}

// Score takes the weighted mean of field confidences. Required fields always
// count; optional fields count only when at least one source supplied them.
// Fields with zero weight are ignored.
func (s *Scorer) Score(outcomes map[string]model.FieldOutcome) Result {
	var (
		res       Result
		sum, wsum float64
	)
	for _, spec := range s.reg.Fields {
		out, ok := outcomes[spec.Name]
		if !ok && !spec.Required {
			continue
		}
		if !spec.Required && out.Present == 0 {
			continue
		}
		if spec.Weight <= 0 {
			continue
		}
		sum += spec.Weight * float64(out.Confidence)
		wsum += spec.Weight
		res.Scored = append(res.Scored, spec.Name)
		if out.Present == 0 || out.Risk == model.RiskHigh {
			res.HighRisk = append(res.HighRisk, spec.Name)
		}
	}

	if wsum > 0 {
		res.Confidence = clamp(int(math.Round(sum / wsum)))
	}
	res.Status = StatusFor(res.Confidence, len(res.HighRisk) > 0)
	return res
}

// StatusFor maps a provider score to a status:
// >=80 validated; 60-79 review_recommended when any field is high risk,
// needs_review otherwise; <60 high_risk.
func StatusFor(score int, anyHighRisk bool) model.ValidationStatus {
	switch {
	case score >= ValidatedMin:
		return model.StatusValidated
	case score >= ReviewMin:
		if anyHighRisk {
			return model.StatusReviewRecommended
		}
		return model.StatusNeedsReview
	default:
		return model.StatusHighRisk
	}
}

// RiskScore rates a provider 0-100 from its confidence and open discrepancies.
// Each open discrepancy on a critical field adds 15, any other adds 5.
func RiskScore(confidence int, openFields []string, reg *model.FieldRegistry) int {
	risk := 0
	switch {
	case confidence < 50:
		risk += 40
	case confidence < 70:
		risk += 20
	}
	for _, f := range openFields {
		if spec := reg.ByName(f); spec != nil && spec.Critical {
			risk += 15
		} else {
			risk += 5
		}
	}
	return min(risk, 100)
}

// ValidateWeights checks that a weight table is usable with reg.
func ValidateWeights(weights map[string]float64, reg *model.FieldRegistry) error {
	var errs []string

	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum float64
	for _, name := range names {
		w := weights[name]
		if w < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", name))
		}
		if reg.ByName(name) == nil {
			errs = append(errs, fmt.Sprintf("%s is not a registered field", name))
		}
		sum += w
	}

	// Weights must sum to a positive number.
	if len(weights) > 0 && sum <= 0 {
		errs = append(errs, "weight sum must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: weight validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func clamp(n int) int {
	return max(0, min(n, 100))
}
