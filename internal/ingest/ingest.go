// Package ingest loads operator directory files into pending providers and
// attaches enrichment evidence produced by document and web collaborators.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/normalize"
	"github.com/medatlas/provider-validator/internal/store"
)

// Store is the persistence ingestion writes to.
type Store interface {
	UpsertProvider(ctx context.Context, p *model.Provider) (int64, bool, error)
	FindProviderByNPI(ctx context.Context, npi string) (*model.Provider, error)
	SaveEnrichment(ctx context.Context, providerID int64, payload *model.EnrichmentPayload) error
	AppendAudit(ctx context.Context, e *model.AuditEvent) error
}

// columnAliases maps common header spellings to field names.
var columnAliases = map[string]string{
	"npi_number":     model.FieldNPI,
	"first":          model.FieldFirstName,
	"given_name":     model.FieldFirstName,
	"last":           model.FieldLastName,
	"surname":        model.FieldLastName,
	"family_name":    model.FieldLastName,
	"organization":   model.FieldOrganizationName,
	"org_name":       model.FieldOrganizationName,
	"entity_type":    model.FieldProviderType,
	"taxonomy":       model.FieldSpecialty,
	"address":        model.FieldAddressLine1,
	"address1":       model.FieldAddressLine1,
	"street":         model.FieldAddressLine1,
	"address2":       model.FieldAddressLine2,
	"suite":          model.FieldAddressLine2,
	"zip":            model.FieldZipCode,
	"zipcode":        model.FieldZipCode,
	"postal_code":    model.FieldZipCode,
	"phone_number":   model.FieldPhone,
	"telephone":      model.FieldPhone,
	"email_address":  model.FieldEmail,
	"url":            model.FieldWebsite,
	"license":        model.FieldLicenseNumber,
	"license_no":     model.FieldLicenseNumber,
	"practice":       model.FieldPracticeName,
	"group_name":     model.FieldPracticeName,
	"license_issuer": model.FieldLicenseState,
}

// ColumnField returns the field a header names, or "" when it names none.
func ColumnField(header string) string {
	key := strings.ToLower(strings.TrimSpace(header))
	key = strings.TrimPrefix(key, "\ufeff")
	key = strings.NewReplacer(" ", "_", "-", "_", ".", "").Replace(key)
	var probe model.FieldSet
	if probe.Has(key) {
		return key
	}
	return columnAliases[key]
}

// RowError reports a row that could not be imported.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// Result summarizes one import.
type Result struct {
	File     string     `json:"file"`
	Rows     int        `json:"rows"`
	Created  int        `json:"created"`
	Updated  int        `json:"updated"`
	Skipped  int        `json:"skipped"`
	Columns  []string   `json:"columns"`
	Ignored  []string   `json:"ignored,omitempty"`
	Failures []RowError `json:"failures,omitempty"`
}

// Importer turns rows into pending providers.
type Importer struct {
	store Store
	now   func() time.Time
}

// NewImporter creates an Importer.
func NewImporter(st Store) *Importer {
	return &Importer{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// ImportFile imports a CSV, TSV or XLSX file.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows, errs, closeFn, err := OpenRows(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return im.Import(ctx, filepath.Base(path), rows, errs)
}

// Import consumes a header row followed by data rows. A column missing from
// the header leaves that field absent; an empty cell sets it blank. Providers
// are matched by NPI: an existing provider keeps its id and returns to
// pending. Rows that fail to store are reported and do not stop the import.
// The producer behind rows must stop when ctx is cancelled.
func (im *Importer) Import(ctx context.Context, source string, rows <-chan []string, errs <-chan error) (*Result, error) {
	res := &Result{File: source}

	header, ok := <-rows
	if !ok {
		if err := <-errs; err != nil {
			return nil, err
		}
		return nil, eris.New("ingest: file has no header row")
	}

	cols := make(map[int]string, len(header))
	seen := make(map[string]bool)
	for i, h := range header {
		name := ColumnField(h)
		if name == "" || seen[name] {
			if strings.TrimSpace(h) != "" {
				res.Ignored = append(res.Ignored, h)
			}
			continue
		}
		cols[i] = name
		seen[name] = true
		res.Columns = append(res.Columns, name)
	}
	if len(cols) == 0 {
		return nil, eris.Errorf("ingest: no recognized columns in %s", source)
	}
	if len(res.Ignored) > 0 {
		zap.L().Warn("ingest: ignoring unrecognized columns",
			zap.String("file", source),
			zap.Strings("columns", res.Ignored),
		)
	}

	line := 1
	for row := range rows {
		line++
		if blankRow(row) {
			res.Skipped++
			continue
		}
		res.Rows++

		fs := rowFields(cols, row)
		p := &model.Provider{
			Fields:           fs,
			ValidationStatus: model.StatusPending,
			SourceFile:       source,
			Raw: model.ImportPayload{
				Fields:     fs,
				SourceFile: source,
				Row:        line,
				ImportedAt: im.now(),
			},
		}

		id, created, err := im.store.UpsertProvider(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return res, eris.Wrap(ctx.Err(), "ingest: import cancelled")
			}
			res.Failures = append(res.Failures, RowError{Row: line, Err: err.Error()})
			zap.L().Warn("ingest: row failed", zap.String("file", source), zap.Int("row", line), zap.Error(err))
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		im.audit(ctx, id, source, line, created)
	}

	if err := <-errs; err != nil {
		return res, err
	}

	zap.L().Info("ingest: import complete",
		zap.String("file", source),
		zap.Int("rows", res.Rows),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("failed", len(res.Failures)),
	)
	return res, nil
}

func (im *Importer) audit(ctx context.Context, id int64, source string, line int, created bool) {
	meta, _ := json.Marshal(map[string]any{"file": source, "row": line, "created": created})
	msg := "provider re-imported"
	if created {
		msg = "provider imported"
	}
	err := im.store.AppendAudit(ctx, &model.AuditEvent{
		ProviderID: id,
		EventType:  model.EventImported,
		Message:    msg,
		Metadata:   meta,
		CreatedAt:  im.now(),
	})
	if err != nil {
		zap.L().Warn("ingest: append audit", zap.Int64("provider_id", id), zap.Error(err))
	}
}

func rowFields(cols map[int]string, row []string) model.FieldSet {
	var fs model.FieldSet
	for i, name := range cols {
		v := ""
		if i < len(row) {
			v = row[i]
		}
		fs.Set(name, &v)
	}
	return fs
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// EnrichmentRecord is one entry of an enrichment file.
type EnrichmentRecord struct {
	NPI         string            `json:"npi"`
	Fields      map[string]string `json:"fields"`
	Origins     []string          `json:"origins,omitempty"`
	CollectedAt *time.Time        `json:"collected_at,omitempty"`
}

// EnrichmentResult summarizes an enrichment attach.
type EnrichmentResult struct {
	Records   int      `json:"records"`
	Attached  int      `json:"attached"`
	Unmatched []string `json:"unmatched,omitempty"`
}

// AttachEnrichment reads a JSON array of EnrichmentRecords and stores each as
// the enrichment payload of the provider with the same NPI. Records for
// unknown NPIs are reported, not fatal. Only fields named in a record are
// present; unknown field names are dropped.
func (im *Importer) AttachEnrichment(ctx context.Context, r io.Reader) (*EnrichmentResult, error) {
	var records []EnrichmentRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, eris.Wrap(err, "ingest: decode enrichment file")
	}

	res := &EnrichmentResult{Records: len(records)}
	for _, rec := range records {
		p, err := im.findByNPI(ctx, rec.NPI)
		if errors.Is(err, store.ErrNotFound) {
			res.Unmatched = append(res.Unmatched, rec.NPI)
			continue
		}
		if err != nil {
			return res, err
		}

		payload := &model.EnrichmentPayload{Origins: rec.Origins, CollectedAt: im.now()}
		if rec.CollectedAt != nil {
			payload.CollectedAt = rec.CollectedAt.UTC()
		}
		for name, v := range rec.Fields {
			payload.Fields.Set(name, model.StrPtr(v))
		}

		if err := im.store.SaveEnrichment(ctx, p.ID, payload); err != nil {
			return res, eris.Wrapf(err, "ingest: save enrichment for provider %d", p.ID)
		}
		res.Attached++
	}

	if len(res.Unmatched) > 0 {
		zap.L().Warn("ingest: enrichment records without a provider", zap.Strings("npi", res.Unmatched))
	}
	return res, nil
}

// findByNPI looks up the NPI as written, then in canonical digits.
func (im *Importer) findByNPI(ctx context.Context, npi string) (*model.Provider, error) {
	raw := strings.TrimSpace(npi)
	if raw == "" {
		return nil, eris.Wrap(store.ErrNotFound, "ingest: empty npi")
	}
	p, err := im.store.FindProviderByNPI(ctx, raw)
	if !errors.Is(err, store.ErrNotFound) {
		return p, err
	}
	if canon := normalize.Normalize(model.FieldTypeNPI, raw); canon != nil && *canon != raw {
		return im.store.FindProviderByNPI(ctx, *canon)
	}
	return nil, err
}
