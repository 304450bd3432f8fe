// Package normalize canonicalizes raw field values so that equivalent values
// from different sources compare equal. Every function is pure and idempotent:
// normalizing a canonical value returns it unchanged.
package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/medatlas/provider-validator/internal/model"
)

// Error reports why a raw value could not be canonicalized.
type Error struct {
	Type   model.FieldType
	Raw    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize: %s %q: %s", e.Type, e.Raw, e.Reason)
}

var multiSpace = regexp.MustCompile(`\s+`)

func collapse(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

// Check canonicalizes raw for field type t. Blank input yields "" with no
// error; blank is a value distinct from unparseable.
func Check(t model.FieldType, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}

	var (
		out    string
		reason string
	)
	switch t {
	case model.FieldTypePhone:
		out, reason = phone(raw)
	case model.FieldTypeAddress:
		out, reason = address(raw)
	case model.FieldTypeName:
		out, reason = name(raw)
	case model.FieldTypeOrganization:
		out, reason = organization(raw)
	case model.FieldTypeSpecialty:
		out, reason = specialty(raw)
	case model.FieldTypeWebsite:
		out, reason = website(raw)
	case model.FieldTypeEmail:
		out, reason = email(raw)
	case model.FieldTypeZip:
		out, reason = zip(raw)
	case model.FieldTypeState:
		out, reason = state(raw)
	case model.FieldTypeNPI:
		out, reason = npi(raw)
	case model.FieldTypeLicense:
		out, reason = license(raw)
	default:
		out = strings.ToLower(collapse(raw))
	}

	if reason != "" {
		return "", &Error{Type: t, Raw: raw, Reason: reason}
	}
	return out, nil
}

// Normalize canonicalizes raw for field type t and returns nil when the value
// is unparseable. It never fails.
func Normalize(t model.FieldType, raw string) *string {
	out, err := Check(t, raw)
	if err != nil {
		return nil
	}
	return &out
}

// Display returns raw in its presentation form: trimmed, whitespace collapsed,
// original casing preserved.
func Display(raw string) string {
	return collapse(raw)
}

// Candidates fills Normalized on every present candidate using the field
// types in reg. Fields missing from reg are normalized as free text.
func Candidates(reg *model.FieldRegistry, cands model.Candidates) {
	for field, list := range cands {
		t := model.FieldTypeText
		if spec := reg.ByName(field); spec != nil {
			t = spec.Type
		}
		for i := range list {
			if list[i].Raw == nil {
				list[i].Normalized = nil
				continue
			}
			list[i].Normalized = Normalize(t, *list[i].Raw)
		}
	}
}
