package model

import "strings"

// Presence distinguishes the three states a source can report for a field.
type Presence int

const (
	// Absent: the source was queried but supplied nothing for the field.
	Absent Presence = iota
	// Blank: the source supplied an empty or whitespace-only string.
	Blank
	// Supplied: the source supplied a non-blank string.
	Supplied
)

func (p Presence) String() string {
	switch p {
	case Blank:
		return "blank"
	case Supplied:
		return "supplied"
	default:
		return "absent"
	}
}

// FieldCandidate is one source's value for one field. Raw is nil when the
// source is absent for the field. Normalized is nil when Raw is nil or could
// not be parsed.
type FieldCandidate struct {
	Field      string  `json:"field"`
	Source     Source  `json:"source"`
	Raw        *string `json:"raw"`
	Normalized *string `json:"normalized"`
}

// Presence reports whether the source supplied, blanked, or omitted the field.
func (c FieldCandidate) Presence() Presence {
	switch {
	case c.Raw == nil:
		return Absent
	case strings.TrimSpace(*c.Raw) == "":
		return Blank
	default:
		return Supplied
	}
}

// Present reports whether the source supplied any value, blank included.
func (c FieldCandidate) Present() bool {
	return c.Raw != nil
}

// Valid reports whether the candidate is present and normalized successfully.
func (c FieldCandidate) Valid() bool {
	return c.Raw != nil && c.Normalized != nil
}

// Candidates maps field name to that field's candidates, one per queried source.
type Candidates map[string][]FieldCandidate

// BySource returns the candidate from src, if any.
func (c Candidates) BySource(field string, src Source) (FieldCandidate, bool) {
	for _, fc := range c[field] {
		if fc.Source == src {
			return fc, true
		}
	}
	return FieldCandidate{}, false
}

// FieldOutcome is the detector's verdict on one field.
type FieldOutcome struct {
	Field       string          `json:"field"`
	Confidence  int             `json:"confidence"`
	Risk        RiskLevel       `json:"risk"`
	Discrepancy bool            `json:"discrepancy"`
	Present     int             `json:"present"`
	Invalid     int             `json:"invalid"`
	Agreeing    int             `json:"agreeing"`
	Selected    *FieldCandidate `json:"selected,omitempty"`
}
