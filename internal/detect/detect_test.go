package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/normalize"
)

func cand(src model.Source, raw *string, typ model.FieldType) model.FieldCandidate {
	c := model.FieldCandidate{Field: "f", Source: src, Raw: raw}
	if raw != nil {
		c.Normalized = normalize.Normalize(typ, *raw)
	}
	return c
}

var s = model.StrPtr

func TestDetect(t *testing.T) {
	t.Parallel()

	d := New(model.DefaultTrustPolicy())

	tests := []struct {
		name        string
		typ         model.FieldType
		imp, reg    *string
		enr         *string
		confidence  int
		risk        model.RiskLevel
		discrepancy bool
		selected    model.Source
	}{
		{
			name: "no present source", typ: model.FieldTypePhone,
			confidence: 0, risk: model.RiskHigh,
		},
		{
			name: "registry only", typ: model.FieldTypePhone, reg: s("555-123-4567"),
			confidence: 90, risk: model.RiskLow, selected: model.SourceRegistry,
		},
		{
			name: "enrichment only", typ: model.FieldTypePhone, enr: s("555-123-4567"),
			confidence: 75, risk: model.RiskMedium, selected: model.SourceEnrichment,
		},
		{
			name: "import only", typ: model.FieldTypePhone, imp: s("555-123-4567"),
			confidence: 60, risk: model.RiskMedium, selected: model.SourceImport,
		},
		{
			name: "single unparseable", typ: model.FieldTypePhone, imp: s("n/a"),
			confidence: 0, risk: model.RiskHigh,
		},
		{
			name: "phones normalize equal", typ: model.FieldTypePhone,
			imp: s("(555) 123-4567"), reg: s("555-123-4567"),
			confidence: 100, risk: model.RiskLow, selected: model.SourceRegistry,
		},
		{
			name: "address mismatch", typ: model.FieldTypeAddress,
			imp: s("123 Main St"), reg: s("456 Oak Ave"),
			confidence: 50, risk: model.RiskHigh, discrepancy: true, selected: model.SourceRegistry,
		},
		{
			name: "two of three agree with registry", typ: model.FieldTypeAddress,
			imp: s("123 Main St"), reg: s("456 Oak Ave"), enr: s("456 OAK AVENUE"),
			confidence: 67, risk: model.RiskMedium, discrepancy: true, selected: model.SourceRegistry,
		},
		{
			name: "registry is the odd one out", typ: model.FieldTypeAddress,
			imp: s("123 Main St"), reg: s("456 Oak Ave"), enr: s("123 MAIN STREET"),
			confidence: 33, risk: model.RiskHigh, discrepancy: true, selected: model.SourceRegistry,
		},
		{
			name: "unparseable registry falls back", typ: model.FieldTypePhone,
			imp: s("555-123-4567"), reg: s("garbage"), enr: s("5551234567"),
			confidence: 67, risk: model.RiskMedium, selected: model.SourceEnrichment,
		},
		{
			name: "all unparseable", typ: model.FieldTypePhone,
			imp: s("x"), reg: s("y"),
			confidence: 0, risk: model.RiskHigh,
		},
		{
			name: "blank versus value", typ: model.FieldTypePhone,
			imp: s(""), reg: s("555-123-4567"),
			confidence: 50, risk: model.RiskHigh, discrepancy: true, selected: model.SourceRegistry,
		},
		{
			name: "all blank", typ: model.FieldTypeWebsite,
			imp: s(" "), reg: s(""),
			confidence: 100, risk: model.RiskLow, selected: model.SourceRegistry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cands := []model.FieldCandidate{
				cand(model.SourceImport, tt.imp, tt.typ),
				cand(model.SourceRegistry, tt.reg, tt.typ),
				cand(model.SourceEnrichment, tt.enr, tt.typ),
			}
			out := d.Detect("f", cands)
			assert.Equal(t, tt.confidence, out.Confidence)
			assert.Equal(t, tt.risk, out.Risk)
			assert.Equal(t, tt.discrepancy, out.Discrepancy)
			if tt.selected == "" {
				assert.Nil(t, out.Selected)
			} else {
				require.NotNil(t, out.Selected)
				assert.Equal(t, tt.selected, out.Selected.Source)
			}
		})
	}
}

func TestDetectOrderIndependent(t *testing.T) {
	t.Parallel()

	d := New(nil)
	a := cand(model.SourceImport, s("123 Main St"), model.FieldTypeAddress)
	b := cand(model.SourceRegistry, s("456 Oak Ave"), model.FieldTypeAddress)
	c := cand(model.SourceEnrichment, s("123 Main Street"), model.FieldTypeAddress)

	first := d.Detect("address_line1", []model.FieldCandidate{a, b, c})
	second := d.Detect("address_line1", []model.FieldCandidate{c, a, b})
	assert.Equal(t, first, second)
}

func TestDetectCustomTrust(t *testing.T) {
	t.Parallel()

	d := New(model.TrustPolicy{model.SourceRegistry: 50, model.SourceEnrichment: 70, model.SourceImport: 95})
	out := d.Detect("phone", []model.FieldCandidate{
		cand(model.SourceImport, s("555-000-1111"), model.FieldTypePhone),
		cand(model.SourceRegistry, s("555-123-4567"), model.FieldTypePhone),
	})
	require.NotNil(t, out.Selected)
	assert.Equal(t, model.SourceImport, out.Selected.Source)

	single := d.Detect("phone", []model.FieldCandidate{cand(model.SourceImport, s("555-000-1111"), model.FieldTypePhone)})
	assert.Equal(t, 95, single.Confidence)
}

func TestDetectAll(t *testing.T) {
	t.Parallel()

	reg := model.DefaultFieldRegistry()
	out := New(nil).DetectAll(reg, model.Candidates{
		model.FieldPhone: {cand(model.SourceRegistry, s("5551234567"), model.FieldTypePhone)},
	})
	assert.Len(t, out, len(reg.Fields))
	assert.Equal(t, 90, out[model.FieldPhone].Confidence)
	assert.Equal(t, 0, out[model.FieldEmail].Confidence)
}
