package model

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// FieldType selects the normalization rule applied to a field.
type FieldType string

const (
	FieldTypePhone        FieldType = "phone"
	FieldTypeAddress      FieldType = "address"
	FieldTypeName         FieldType = "name"
	FieldTypeOrganization FieldType = "organization"
	FieldTypeSpecialty    FieldType = "specialty"
	FieldTypeWebsite      FieldType = "website"
	FieldTypeEmail        FieldType = "email"
	FieldTypeZip          FieldType = "zip"
	FieldTypeState        FieldType = "state"
	FieldTypeNPI          FieldType = "npi"
	FieldTypeLicense      FieldType = "license"
	FieldTypeText         FieldType = "text"
)

// Field names. Every registered field must also be addressable on FieldSet.
const (
	FieldNPI              = "npi"
	FieldFirstName        = "first_name"
	FieldLastName         = "last_name"
	FieldOrganizationName = "organization_name"
	FieldProviderType     = "provider_type"
	FieldSpecialty        = "specialty"
	FieldAddressLine1     = "address_line1"
	FieldAddressLine2     = "address_line2"
	FieldCity             = "city"
	FieldState            = "state"
	FieldZipCode          = "zip_code"
	FieldPhone            = "phone"
	FieldEmail            = "email"
	FieldWebsite          = "website"
	FieldLicenseNumber    = "license_number"
	FieldLicenseState     = "license_state"
	FieldPracticeName     = "practice_name"
)

// FieldSpec describes one validated field.
type FieldSpec struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Weight   float64   `yaml:"weight" json:"weight"`
	Required bool      `yaml:"required" json:"required"`
	Critical bool      `yaml:"critical" json:"critical"`
}

// FieldRegistry is an indexed, ordered collection of field specs.
type FieldRegistry struct {
	Fields   []FieldSpec
	byName   map[string]*FieldSpec
	required []*FieldSpec
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups.
func NewFieldRegistry(fields []FieldSpec) *FieldRegistry {
	r := &FieldRegistry{
		Fields: fields,
		byName: make(map[string]*FieldSpec, len(fields)),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		r.byName[f.Name] = f
		if f.Required {
			r.required = append(r.required, f)
		}
	}
	return r
}

// ByName returns the spec for the given field, or nil if not registered.
func (r *FieldRegistry) ByName(name string) *FieldSpec {
	return r.byName[name]
}

// Required returns all required field specs.
func (r *FieldRegistry) Required() []*FieldSpec {
	return r.required
}

// Names returns registered field names in registry order.
func (r *FieldRegistry) Names() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Name
	}
	return out
}

// Weights returns a field name to weight map.
func (r *FieldRegistry) Weights() map[string]float64 {
	out := make(map[string]float64, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Name] = f.Weight
	}
	return out
}

// WithWeights returns a copy of the registry with weights overridden from w.
// Fields missing from w keep their existing weight.
func (r *FieldRegistry) WithWeights(w map[string]float64) *FieldRegistry {
	fields := make([]FieldSpec, len(r.Fields))
	copy(fields, r.Fields)
	for i := range fields {
		if v, ok := w[fields[i].Name]; ok {
			fields[i].Weight = v
		}
	}
	return NewFieldRegistry(fields)
}

// DefaultFieldRegistry returns the built-in set of validated fields.
func DefaultFieldRegistry() *FieldRegistry {
	return NewFieldRegistry([]FieldSpec{
		{Name: FieldNPI, Type: FieldTypeNPI, Weight: 3, Required: true, Critical: true},
		{Name: FieldFirstName, Type: FieldTypeName, Weight: 2},
		{Name: FieldLastName, Type: FieldTypeName, Weight: 2},
		{Name: FieldOrganizationName, Type: FieldTypeOrganization, Weight: 2},
		{Name: FieldPhone, Type: FieldTypePhone, Weight: 2, Required: true, Critical: true},
		{Name: FieldAddressLine1, Type: FieldTypeAddress, Weight: 2, Required: true, Critical: true},
		{Name: FieldCity, Type: FieldTypeText, Weight: 1, Required: true},
		{Name: FieldState, Type: FieldTypeState, Weight: 1, Required: true},
		{Name: FieldZipCode, Type: FieldTypeZip, Weight: 1, Required: true},
		{Name: FieldEmail, Type: FieldTypeEmail, Weight: 1},
		{Name: FieldWebsite, Type: FieldTypeWebsite, Weight: 1},
		{Name: FieldSpecialty, Type: FieldTypeSpecialty, Weight: 1},
		{Name: FieldLicenseNumber, Type: FieldTypeLicense, Weight: 2, Critical: true},
		{Name: FieldLicenseState, Type: FieldTypeState, Weight: 1},
	})
}

type fieldsFile struct {
	Fields []FieldSpec `yaml:"fields"`
}

// LoadFieldRegistry reads a YAML field list from path. Unknown field names
// are rejected since they cannot be read from a FieldSet.
func LoadFieldRegistry(path string) (*FieldRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "model: read fields file")
	}

	var ff fieldsFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, eris.Wrap(err, "model: parse fields file")
	}
	if len(ff.Fields) == 0 {
		return nil, eris.New("model: fields file declares no fields")
	}

	var probe FieldSet
	for _, f := range ff.Fields {
		if !probe.Has(f.Name) {
			return nil, eris.Errorf("model: unknown field %q", f.Name)
		}
		if f.Type == "" {
			return nil, eris.Errorf("model: field %q has no type", f.Name)
		}
	}

	return NewFieldRegistry(ff.Fields), nil
}
