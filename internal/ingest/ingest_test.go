package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Providers")
	require.NoError(t, err)
	for _, data := range rows {
		row := sheet.AddRow()
		for _, v := range data {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "directory.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestColumnField(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"npi", model.FieldNPI},
		{"NPI", model.FieldNPI},
		{" First Name ", model.FieldFirstName},
		{"address-line1", model.FieldAddressLine1},
		{"Zip", model.FieldZipCode},
		{"Postal Code", model.FieldZipCode},
		{"Phone Number", model.FieldPhone},
		{"\ufeffnpi", model.FieldNPI},
		{"favorite_color", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, ColumnField(tt.header))
		})
	}
}

func TestImportFile_CSV(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	path := writeFile(t, "directory.csv", strings.Join([]string{
		"NPI,First Name,Last Name,Phone,Address,Notes",
		"1234567893,Jane,Doe,(217) 555-0101,123 Main St,prefers email",
		"1234567802,John,Roe,,9 Elm St,",
		",,,,,",
		"",
	}, "\n"))

	res, err := NewImporter(st).ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "directory.csv", res.File)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"Notes"}, res.Ignored)
	assert.Empty(t, res.Failures)

	jane, err := st.FindProviderByNPI(ctx, "1234567893")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, jane.ValidationStatus)
	assert.Equal(t, "Jane", jane.Fields.Value(model.FieldFirstName))
	assert.Equal(t, 2, jane.Raw.Row)
	assert.Equal(t, "directory.csv", jane.SourceFile)
	// No email column: absent.
	assert.Nil(t, jane.Fields.Email)

	john, err := st.FindProviderByNPI(ctx, "1234567802")
	require.NoError(t, err)
	// Empty cell: present but blank.
	require.NotNil(t, john.Raw.Fields.Phone)
	assert.Equal(t, "", *john.Raw.Fields.Phone)

	events, err := st.ListAudit(ctx, store.AuditFilter{ProviderID: jane.ID, EventType: model.EventImported})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestImportFile_ReimportKeepsID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	im := NewImporter(st)

	first := writeFile(t, "a.csv", "npi,phone\n1234567893,2175550101\n")
	_, err := im.ImportFile(ctx, first)
	require.NoError(t, err)
	before, err := st.FindProviderByNPI(ctx, "1234567893")
	require.NoError(t, err)

	second := writeFile(t, "b.csv", "npi,phone\n1234567893,2175550199\n")
	res, err := im.ImportFile(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Updated)

	after, err := st.FindProviderByNPI(ctx, "1234567893")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "2175550199", *after.Raw.Fields.Phone)
	assert.Equal(t, "b.csv", after.SourceFile)
	assert.Equal(t, model.StatusPending, after.ValidationStatus)
}

func TestImportFile_XLSX(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	path := createTestXLSX(t, [][]string{
		{"NPI", "Organization", "Zip", "Phone"},
		{"1234567810", "Springfield Clinic, LLC", "62701", "217-555-0100"},
		{"1234567828", "Capital Pediatrics"},
	})

	res, err := NewImporter(st).ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, []string{model.FieldNPI, model.FieldOrganizationName, model.FieldZipCode, model.FieldPhone}, res.Columns)

	p, err := st.FindProviderByNPI(ctx, "1234567828")
	require.NoError(t, err)
	assert.Equal(t, "Capital Pediatrics", p.Fields.Value(model.FieldOrganizationName))
	// Trailing cells dropped by the sheet are blank, not absent.
	require.NotNil(t, p.Raw.Fields.ZipCode)
	assert.Equal(t, "", *p.Raw.Fields.ZipCode)
}

func TestImportFile_Errors(t *testing.T) {
	st := newTestStore(t)
	im := NewImporter(st)
	ctx := context.Background()

	_, err := im.ImportFile(ctx, writeFile(t, "d.pdf", "%PDF"))
	assert.Error(t, err)

	_, err = im.ImportFile(ctx, writeFile(t, "empty.csv", ""))
	assert.Error(t, err)

	_, err = im.ImportFile(ctx, writeFile(t, "odd.csv", "color,size\nred,9\n"))
	assert.Error(t, err)

	_, err = im.ImportFile(ctx, filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestAttachEnrichment(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	im := NewImporter(st)

	_, err := im.ImportFile(ctx, writeFile(t, "dir.csv", "npi,phone\n1234567893,2175550101\n"))
	require.NoError(t, err)

	doc := `[
		{"npi": "1234-567-893", "fields": {"phone": "217.555.0101", "website": "https://example.org", "shoe_size": "9"},
		 "origins": ["https://example.org/contact"], "collected_at": "2026-02-01T10:00:00Z"},
		{"npi": "1234567802", "fields": {"phone": "2175550000"}}
	]`
	res, err := im.AttachEnrichment(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, 1, res.Attached)
	assert.Equal(t, []string{"1234567802"}, res.Unmatched)

	p, err := st.FindProviderByNPI(ctx, "1234567893")
	require.NoError(t, err)
	payload, err := st.GetEnrichment(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "217.555.0101", *payload.Fields.Phone)
	assert.Equal(t, "https://example.org", *payload.Fields.Website)
	assert.Nil(t, payload.Fields.Email)
	assert.Equal(t, []string{"https://example.org/contact"}, payload.Origins)
	assert.Equal(t, 2026, payload.CollectedAt.Year())
}

func TestAttachEnrichment_BadJSON(t *testing.T) {
	st := newTestStore(t)
	_, err := NewImporter(st).AttachEnrichment(context.Background(), strings.NewReader("{"))
	assert.Error(t, err)
}
