package model

import "sort"

// Source identifies where a candidate value came from.
type Source string

const (
	SourceImport     Source = "import"
	SourceRegistry   Source = "registry"
	SourceEnrichment Source = "enrichment"
)

// AllSources lists every source in default trust order, highest first.
var AllSources = []Source{SourceRegistry, SourceEnrichment, SourceImport}

// sourceRank breaks ties between sources configured with equal trust.
func sourceRank(s Source) int {
	switch s {
	case SourceRegistry:
		return 0
	case SourceEnrichment:
		return 1
	case SourceImport:
		return 2
	default:
		return 3
	}
}

// TrustPolicy assigns a 0-100 trust weight per source. A source that is
// trusted more wins final-value selection and, when it is the only present
// source, its weight becomes the field confidence.
type TrustPolicy map[Source]int

// DefaultTrustPolicy returns registry=90, enrichment=75, import=60.
func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{
		SourceRegistry:   90,
		SourceEnrichment: 75,
		SourceImport:     60,
	}
}

// Weight returns the trust weight for s, or 0 if unset.
func (p TrustPolicy) Weight(s Source) int {
	return p[s]
}

// Ranked returns all sources ordered by descending trust.
func (p TrustPolicy) Ranked() []Source {
	out := make([]Source, len(AllSources))
	copy(out, AllSources)
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := p.Weight(out[i]), p.Weight(out[j])
		if wi != wj {
			return wi > wj
		}
		return sourceRank(out[i]) < sourceRank(out[j])
	})
	return out
}
