package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldRegistry(t *testing.T) {
	t.Parallel()

	reg := DefaultFieldRegistry()

	t.Run("ByName returns spec", func(t *testing.T) {
		t.Parallel()
		f := reg.ByName(FieldPhone)
		require.NotNil(t, f)
		assert.Equal(t, FieldTypePhone, f.Type)
		assert.True(t, f.Critical)
	})

	t.Run("ByName unknown", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, reg.ByName("fax"))
	})

	t.Run("Required", func(t *testing.T) {
		t.Parallel()
		var names []string
		for _, f := range reg.Required() {
			names = append(names, f.Name)
		}
		assert.ElementsMatch(t, []string{FieldNPI, FieldPhone, FieldAddressLine1, FieldCity, FieldState, FieldZipCode}, names)
	})

	t.Run("every field addressable on FieldSet", func(t *testing.T) {
		t.Parallel()
		var fs FieldSet
		for _, name := range reg.Names() {
			assert.True(t, fs.Has(name), name)
		}
	})

	t.Run("WithWeights overrides copy", func(t *testing.T) {
		t.Parallel()
		r2 := reg.WithWeights(map[string]float64{FieldPhone: 5})
		assert.InDelta(t, 5.0, r2.ByName(FieldPhone).Weight, 0.001)
		assert.InDelta(t, 2.0, reg.ByName(FieldPhone).Weight, 0.001)
		assert.InDelta(t, 3.0, r2.Weights()[FieldNPI], 0.001)
	})
}

func TestLoadFieldRegistry(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "fields.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
fields:
  - name: npi
    type: npi
    weight: 4
    required: true
  - name: phone
    type: phone
    weight: 1
`), 0o644))

		reg, err := LoadFieldRegistry(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"npi", "phone"}, reg.Names())
		assert.Len(t, reg.Required(), 1)
	})

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("fields:\n  - name: fax\n    type: phone\n"), 0o644))
		_, err := LoadFieldRegistry(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fax")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFieldRegistry(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestTrustPolicyRanked(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []Source{SourceRegistry, SourceEnrichment, SourceImport}, DefaultTrustPolicy().Ranked())

	custom := TrustPolicy{SourceRegistry: 50, SourceEnrichment: 50, SourceImport: 80}
	assert.Equal(t, []Source{SourceImport, SourceRegistry, SourceEnrichment}, custom.Ranked())
}

func TestFieldCandidatePresence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cand  FieldCandidate
		want  Presence
		valid bool
	}{
		{"absent", FieldCandidate{}, Absent, false},
		{"blank", FieldCandidate{Raw: StrPtr("  "), Normalized: StrPtr("")}, Blank, true},
		{"unparseable", FieldCandidate{Raw: StrPtr("abc")}, Supplied, false},
		{"supplied", FieldCandidate{Raw: StrPtr("555"), Normalized: StrPtr("555")}, Supplied, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cand.Presence())
			assert.Equal(t, tt.valid, tt.cand.Valid())
		})
	}
}

func TestRiskFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RiskHigh, RiskFor(0))
	assert.Equal(t, RiskHigh, RiskFor(59))
	assert.Equal(t, RiskMedium, RiskFor(60))
	assert.Equal(t, RiskMedium, RiskFor(79))
	assert.Equal(t, RiskLow, RiskFor(80))
	assert.Equal(t, RiskLow, RiskFor(100))
}

func TestRunSummaryRecord(t *testing.T) {
	t.Parallel()

	var s RunSummary
	for _, st := range []ValidationStatus{StatusValidated, StatusValidated, StatusNeedsReview, StatusReviewRecommended, StatusHighRisk} {
		s.Record(st)
	}
	assert.Equal(t, 2, s.Validated)
	assert.Equal(t, 1, s.NeedsReview)
	assert.Equal(t, 1, s.ReviewRecommended)
	assert.Equal(t, 1, s.HighRisk)
	assert.Equal(t, 5, s.Completed())
}

func TestDiscrepancySameEvidence(t *testing.T) {
	t.Parallel()

	d := Discrepancy{ImportValue: StrPtr("123 Main St"), RegistryValue: StrPtr("456 Oak Ave")}
	assert.True(t, d.SameEvidence(StrPtr("123 Main St"), StrPtr("456 Oak Ave"), nil))
	assert.False(t, d.SameEvidence(StrPtr("123 Main St"), StrPtr("456 Oak Ave"), StrPtr("")))
	assert.False(t, d.SameEvidence(nil, StrPtr("456 Oak Ave"), nil))
}

func TestProviderDisplayName(t *testing.T) {
	t.Parallel()

	p := Provider{Fields: FieldSet{FirstName: StrPtr("Ada"), LastName: StrPtr("Lovelace")}}
	assert.Equal(t, "Ada Lovelace", p.DisplayName())

	org := Provider{Fields: FieldSet{OrganizationName: StrPtr("Mercy Clinic")}}
	assert.Equal(t, "Mercy Clinic", org.DisplayName())
}
