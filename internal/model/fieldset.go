package model

// FieldSet holds one source's view of a provider. A nil pointer means the
// source did not supply the field; a pointer to "" means it supplied a blank.
type FieldSet struct {
	NPI              *string `json:"npi,omitempty"`
	FirstName        *string `json:"first_name,omitempty"`
	LastName         *string `json:"last_name,omitempty"`
	OrganizationName *string `json:"organization_name,omitempty"`
	ProviderType     *string `json:"provider_type,omitempty"`
	Specialty        *string `json:"specialty,omitempty"`
	AddressLine1     *string `json:"address_line1,omitempty"`
	AddressLine2     *string `json:"address_line2,omitempty"`
	City             *string `json:"city,omitempty"`
	State            *string `json:"state,omitempty"`
	ZipCode          *string `json:"zip_code,omitempty"`
	Phone            *string `json:"phone,omitempty"`
	Email            *string `json:"email,omitempty"`
	Website          *string `json:"website,omitempty"`
	LicenseNumber    *string `json:"license_number,omitempty"`
	LicenseState     *string `json:"license_state,omitempty"`
	PracticeName     *string `json:"practice_name,omitempty"`
}

func (f *FieldSet) slot(name string) **string {
	switch name {
	case FieldNPI:
		return &f.NPI
	case FieldFirstName:
		return &f.FirstName
	case FieldLastName:
		return &f.LastName
	case FieldOrganizationName:
		return &f.OrganizationName
	case FieldProviderType:
		return &f.ProviderType
	case FieldSpecialty:
		return &f.Specialty
	case FieldAddressLine1:
		return &f.AddressLine1
	case FieldAddressLine2:
		return &f.AddressLine2
	case FieldCity:
		return &f.City
	case FieldState:
		return &f.State
	case FieldZipCode:
		return &f.ZipCode
	case FieldPhone:
		return &f.Phone
	case FieldEmail:
		return &f.Email
	case FieldWebsite:
		return &f.Website
	case FieldLicenseNumber:
		return &f.LicenseNumber
	case FieldLicenseState:
		return &f.LicenseState
	case FieldPracticeName:
		return &f.PracticeName
	}
	return nil
}

// Has reports whether name is a FieldSet field.
func (f *FieldSet) Has(name string) bool {
	return f.slot(name) != nil
}

// Get returns the raw value for name, or nil when absent or unknown.
func (f *FieldSet) Get(name string) *string {
	if f == nil {
		return nil
	}
	if p := f.slot(name); p != nil {
		return *p
	}
	return nil
}

// Set stores v under name. Unknown names are ignored.
func (f *FieldSet) Set(name string, v *string) {
	if p := f.slot(name); p != nil {
		*p = v
	}
}

// Value returns the field value or "" when absent.
func (f *FieldSet) Value(name string) string {
	if v := f.Get(name); v != nil {
		return *v
	}
	return ""
}

// FieldSetNames lists every FieldSet field in column order.
var FieldSetNames = []string{
	FieldNPI, FieldFirstName, FieldLastName, FieldOrganizationName,
	FieldProviderType, FieldSpecialty, FieldAddressLine1, FieldAddressLine2,
	FieldCity, FieldState, FieldZipCode, FieldPhone, FieldEmail, FieldWebsite,
	FieldLicenseNumber, FieldLicenseState, FieldPracticeName,
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string {
	return &s
}
