package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/resilience"
)

const defaultListLimit = 100

var providerColumns = []string{
	"id", "npi", "fields", "confidence_score", "risk_score", "validation_status",
	"source_file", "raw_payload", "registry_payload", "enriched_payload",
	"validated_payload", "version", "created_at", "updated_at", "last_validated_at",
}

var discrepancyColumns = []string{
	"id", "provider_id", "field_name", "import_value", "registry_value",
	"enrichment_value", "final_value", "confidence", "risk_level", "status",
	"notes", "override", "version", "created_at", "updated_at", "resolved_at",
}

var runColumns = []string{
	"id", "trigger_type", "status", "scope", "summary", "error", "started_at", "completed_at",
}

var auditColumns = []string{
	"id", "run_id", "provider_id", "event_type", "message", "metadata", "created_at",
}

var dlqColumns = []string{
	"id", "provider_id", "run_id", "error", "error_type", "retry_count",
	"max_retries", "next_retry_at", "created_at", "last_failed_at",
}

type providerRow struct {
	ID               int64      `db:"id"`
	NPI              *string    `db:"npi"`
	Fields           []byte     `db:"fields"`
	ConfidenceScore  int        `db:"confidence_score"`
	RiskScore        int        `db:"risk_score"`
	ValidationStatus string     `db:"validation_status"`
	SourceFile       string     `db:"source_file"`
	RawPayload       []byte     `db:"raw_payload"`
	RegistryPayload  []byte     `db:"registry_payload"`
	EnrichedPayload  []byte     `db:"enriched_payload"`
	ValidatedPayload []byte     `db:"validated_payload"`
	Version          int64      `db:"version"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	LastValidatedAt  *time.Time `db:"last_validated_at"`
}

func (r *providerRow) toModel() (*model.Provider, error) {
	p := &model.Provider{
		ID:               r.ID,
		ConfidenceScore:  r.ConfidenceScore,
		RiskScore:        r.RiskScore,
		ValidationStatus: model.ValidationStatus(r.ValidationStatus),
		SourceFile:       r.SourceFile,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastValidatedAt:  r.LastValidatedAt,
	}
	if err := json.Unmarshal(r.Fields, &p.Fields); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal fields of provider %d", r.ID)
	}
	if err := json.Unmarshal(r.RawPayload, &p.Raw); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal raw payload of provider %d", r.ID)
	}
	if err := fromJSON(r.RegistryPayload, &p.Registry); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal registry payload of provider %d", r.ID)
	}
	if err := fromJSON(r.EnrichedPayload, &p.Enriched); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal enriched payload of provider %d", r.ID)
	}
	if err := fromJSON(r.ValidatedPayload, &p.Validated); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal validated payload of provider %d", r.ID)
	}
	return p, nil
}

func providersFromRows(rows []providerRow) ([]model.Provider, error) {
	out := make([]model.Provider, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

type discrepancyRow struct {
	ID              int64      `db:"id"`
	ProviderID      int64      `db:"provider_id"`
	FieldName       string     `db:"field_name"`
	ImportValue     *string    `db:"import_value"`
	RegistryValue   *string    `db:"registry_value"`
	EnrichmentValue *string    `db:"enrichment_value"`
	FinalValue      *string    `db:"final_value"`
	Confidence      int        `db:"confidence"`
	RiskLevel       string     `db:"risk_level"`
	Status          string     `db:"status"`
	Notes           string     `db:"notes"`
	Override        bool       `db:"override"`
	Version         int64      `db:"version"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	ResolvedAt      *time.Time `db:"resolved_at"`
}

func (r *discrepancyRow) toModel() model.Discrepancy {
	return model.Discrepancy{
		ID:              r.ID,
		ProviderID:      r.ProviderID,
		FieldName:       r.FieldName,
		ImportValue:     r.ImportValue,
		RegistryValue:   r.RegistryValue,
		EnrichmentValue: r.EnrichmentValue,
		FinalValue:      r.FinalValue,
		Confidence:      r.Confidence,
		RiskLevel:       model.RiskLevel(r.RiskLevel),
		Status:          model.DiscrepancyStatus(r.Status),
		Notes:           r.Notes,
		Override:        r.Override,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ResolvedAt:      r.ResolvedAt,
	}
}

func discrepanciesFromRows(rows []discrepancyRow) []model.Discrepancy {
	out := make([]model.Discrepancy, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out
}

type runRow struct {
	ID          string     `db:"id"`
	Trigger     string     `db:"trigger_type"`
	Status      string     `db:"status"`
	Scope       []byte     `db:"scope"`
	Summary     []byte     `db:"summary"`
	Error       string     `db:"error"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r *runRow) toModel() (*model.Run, error) {
	run := &model.Run{
		ID:          r.ID,
		Trigger:     model.RunTrigger(r.Trigger),
		Status:      model.RunStatus(r.Status),
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if len(r.Scope) > 0 {
		if err := json.Unmarshal(r.Scope, &run.Scope); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal scope of run %s", r.ID)
		}
	}
	if err := fromJSON(r.Summary, &run.Summary); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal summary of run %s", r.ID)
	}
	return run, nil
}

type auditRow struct {
	ID         int64     `db:"id"`
	RunID      string    `db:"run_id"`
	ProviderID int64     `db:"provider_id"`
	EventType  string    `db:"event_type"`
	Message    string    `db:"message"`
	Metadata   []byte    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *auditRow) toModel() model.AuditEvent {
	e := model.AuditEvent{
		ID:         r.ID,
		RunID:      r.RunID,
		ProviderID: r.ProviderID,
		EventType:  r.EventType,
		Message:    r.Message,
		CreatedAt:  r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		e.Metadata = json.RawMessage(r.Metadata)
	}
	return e
}

type dlqRow struct {
	ID           string    `db:"id"`
	ProviderID   int64     `db:"provider_id"`
	RunID        string    `db:"run_id"`
	Error        string    `db:"error"`
	ErrorType    string    `db:"error_type"`
	RetryCount   int       `db:"retry_count"`
	MaxRetries   int       `db:"max_retries"`
	NextRetryAt  time.Time `db:"next_retry_at"`
	CreatedAt    time.Time `db:"created_at"`
	LastFailedAt time.Time `db:"last_failed_at"`
}

func (r *dlqRow) toModel() resilience.DLQEntry {
	return resilience.DLQEntry{
		ID:           r.ID,
		ProviderID:   r.ProviderID,
		RunID:        r.RunID,
		Error:        r.Error,
		ErrorType:    r.ErrorType,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		NextRetryAt:  r.NextRetryAt,
		CreatedAt:    r.CreatedAt,
		LastFailedAt: r.LastFailedAt,
	}
}

// toJSON marshals v to a JSON string, or nil for a nil pointer so the column
// is stored as NULL.
func toJSON[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func mustJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON[T any](src []byte, dst **T) error {
	if len(src) == 0 {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(src, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func npiKey(p *model.Provider) *string {
	if p.Fields.NPI == nil {
		return nil
	}
	v := strings.TrimSpace(*p.Fields.NPI)
	if v == "" {
		return nil
	}
	return &v
}

func limitOr(n int) uint64 {
	if n <= 0 {
		return defaultListLimit
	}
	return uint64(n)
}

// Query builders shared by both stores. Callers pick the placeholder format.

func selectProviders(b sq.StatementBuilderType, f ProviderFilter) sq.SelectBuilder {
	q := b.Select(providerColumns...).From("providers")
	if len(f.IDs) > 0 {
		q = q.Where(sq.Eq{"id": f.IDs})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"validation_status": string(f.Status)})
	}
	if f.AfterID > 0 {
		q = q.Where(sq.Gt{"id": f.AfterID})
	}
	q = q.OrderBy("id ASC").Limit(limitOr(f.Limit))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q
}

func selectProviderIDs(b sq.StatementBuilderType, f ProviderFilter) sq.SelectBuilder {
	q := b.Select("id").From("providers").OrderBy("id ASC")
	if len(f.IDs) > 0 {
		q = q.Where(sq.Eq{"id": f.IDs})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"validation_status": string(f.Status)})
	}
	if f.AfterID > 0 {
		q = q.Where(sq.Gt{"id": f.AfterID})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

func selectDiscrepancies(b sq.StatementBuilderType, f DiscrepancyFilter) sq.SelectBuilder {
	q := b.Select(discrepancyColumns...).From("discrepancies")
	if f.ProviderID != 0 {
		q = q.Where(sq.Eq{"provider_id": f.ProviderID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Field != "" {
		q = q.Where(sq.Eq{"field_name": f.Field})
	}
	q = q.OrderBy("id ASC")
	// No limit returns every match. SQLite only accepts OFFSET after a LIMIT.
	switch {
	case f.Limit > 0:
		q = q.Limit(uint64(f.Limit))
	case f.Offset > 0:
		q = q.Limit(math.MaxInt64)
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q
}

func selectRuns(b sq.StatementBuilderType, f RunFilter) sq.SelectBuilder {
	q := b.Select(runColumns...).From("validation_runs")
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Trigger != "" {
		q = q.Where(sq.Eq{"trigger_type": string(f.Trigger)})
	}
	if !f.StartedAfter.IsZero() {
		q = q.Where(sq.Gt{"started_at": f.StartedAfter})
	}
	q = q.OrderBy("started_at DESC").Limit(limitOr(f.Limit))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q
}

func selectAudit(b sq.StatementBuilderType, f AuditFilter) sq.SelectBuilder {
	q := b.Select(auditColumns...).From("audit_log")
	if f.ProviderID != 0 {
		q = q.Where(sq.Eq{"provider_id": f.ProviderID})
	}
	if f.RunID != "" {
		q = q.Where(sq.Eq{"run_id": f.RunID})
	}
	if f.EventType != "" {
		q = q.Where(sq.Eq{"event_type": f.EventType})
	}
	return q.OrderBy("id ASC").Limit(limitOr(f.Limit))
}

func selectDueDLQ(b sq.StatementBuilderType, f resilience.DLQFilter, now time.Time) sq.SelectBuilder {
	q := b.Select(dlqColumns...).From("dead_letter_queue").
		Where(sq.LtOrEq{"next_retry_at": now}).
		Where("retry_count < max_retries")
	if f.ErrorType != "" {
		q = q.Where(sq.Eq{"error_type": f.ErrorType})
	}
	return q.OrderBy("next_retry_at ASC").Limit(limitOr(f.Limit))
}

func insertProvider(b sq.StatementBuilderType, p *model.Provider) (sq.InsertBuilder, error) {
	fields, err := mustJSON(p.Fields)
	if err != nil {
		return sq.InsertBuilder{}, eris.Wrap(err, "store: marshal fields")
	}
	raw, err := mustJSON(p.Raw)
	if err != nil {
		return sq.InsertBuilder{}, eris.Wrap(err, "store: marshal raw payload")
	}
	return b.Insert("providers").
		Columns("npi", "fields", "confidence_score", "risk_score", "validation_status",
			"source_file", "raw_payload", "version", "created_at", "updated_at").
		Values(npiKey(p), fields, p.ConfidenceScore, p.RiskScore, string(p.ValidationStatus),
			p.SourceFile, raw, 1, p.CreatedAt, p.UpdatedAt).
		Suffix("RETURNING id"), nil
}

// reimportProvider replaces the imported payload of an existing provider and
// returns it to pending. Validation snapshots are kept for history.
func reimportProvider(b sq.StatementBuilderType, id int64, p *model.Provider) (sq.UpdateBuilder, error) {
	fields, err := mustJSON(p.Fields)
	if err != nil {
		return sq.UpdateBuilder{}, eris.Wrap(err, "store: marshal fields")
	}
	raw, err := mustJSON(p.Raw)
	if err != nil {
		return sq.UpdateBuilder{}, eris.Wrap(err, "store: marshal raw payload")
	}
	return b.Update("providers").
		Set("fields", fields).
		Set("raw_payload", raw).
		Set("source_file", p.SourceFile).
		Set("validation_status", string(model.StatusPending)).
		Set("updated_at", p.UpdatedAt).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": id}), nil
}

func updateValidatedProvider(b sq.StatementBuilderType, p *model.Provider) (sq.UpdateBuilder, error) {
	fields, err := mustJSON(p.Fields)
	if err != nil {
		return sq.UpdateBuilder{}, eris.Wrap(err, "store: marshal fields")
	}
	registry, err := toJSON(p.Registry)
	if err != nil {
		return sq.UpdateBuilder{}, eris.Wrap(err, "store: marshal registry payload")
	}
	enriched, err := toJSON(p.Enriched)
	if err != nil {
		return sq.UpdateBuilder{}, eris.Wrap(err, "store: marshal enriched payload")
	}
	validated, err := toJSON(p.Validated)
	if err != nil {
		return sq.UpdateBuilder{}, eris.Wrap(err, "store: marshal validated payload")
	}
	return b.Update("providers").
		Set("fields", fields).
		Set("confidence_score", p.ConfidenceScore).
		Set("risk_score", p.RiskScore).
		Set("validation_status", string(p.ValidationStatus)).
		Set("registry_payload", registry).
		Set("enriched_payload", enriched).
		Set("validated_payload", validated).
		Set("last_validated_at", p.LastValidatedAt).
		Set("updated_at", p.UpdatedAt).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": p.ID, "version": p.Version}), nil
}

func insertDiscrepancy(b sq.StatementBuilderType, d *model.Discrepancy) sq.InsertBuilder {
	return b.Insert("discrepancies").
		Columns("provider_id", "field_name", "import_value", "registry_value",
			"enrichment_value", "final_value", "confidence", "risk_level", "status",
			"notes", "override", "version", "created_at", "updated_at", "resolved_at").
		Values(d.ProviderID, d.FieldName, d.ImportValue, d.RegistryValue,
			d.EnrichmentValue, d.FinalValue, d.Confidence, string(d.RiskLevel), string(d.Status),
			d.Notes, d.Override, 1, d.CreatedAt, d.UpdatedAt, d.ResolvedAt).
		Suffix("RETURNING id")
}

func updateDiscrepancy(b sq.StatementBuilderType, d *model.Discrepancy) sq.UpdateBuilder {
	return b.Update("discrepancies").
		Set("import_value", d.ImportValue).
		Set("registry_value", d.RegistryValue).
		Set("enrichment_value", d.EnrichmentValue).
		Set("final_value", d.FinalValue).
		Set("confidence", d.Confidence).
		Set("risk_level", string(d.RiskLevel)).
		Set("status", string(d.Status)).
		Set("notes", d.Notes).
		Set("override", d.Override).
		Set("updated_at", d.UpdatedAt).
		Set("resolved_at", d.ResolvedAt).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": d.ID, "version": d.Version})
}

func resolveDiscrepancy(b sq.StatementBuilderType, r Resolution) sq.UpdateBuilder {
	q := b.Update("discrepancies").
		Set("status", string(model.DiscrepancyResolved)).
		Set("notes", r.Notes).
		Set("resolved_at", r.At).
		Set("updated_at", r.At).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{
			"id":      r.ID,
			"version": r.ExpectedVersion,
			"status":  string(model.DiscrepancyOpen),
		})
	if r.FinalValue != nil {
		q = q.Set("final_value", *r.FinalValue).Set("override", true)
	}
	return q
}

func insertAudit(b sq.StatementBuilderType, e *model.AuditEvent) sq.InsertBuilder {
	var meta *string
	if len(e.Metadata) > 0 {
		s := string(e.Metadata)
		meta = &s
	}
	return b.Insert("audit_log").
		Columns("run_id", "provider_id", "event_type", "message", "metadata", "created_at").
		Values(e.RunID, e.ProviderID, e.EventType, e.Message, meta, e.CreatedAt).
		Suffix("RETURNING id")
}

func summaryQuery(b sq.StatementBuilderType) sq.SelectBuilder {
	return b.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN validation_status = 'validated' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN validation_status = 'pending' THEN 1 ELSE 0 END), 0)",
		fmt.Sprintf("COALESCE(SUM(CASE WHEN risk_score >= %d THEN 1 ELSE 0 END), 0)", model.HighRiskScore),
		"COALESCE(AVG(confidence_score), 0)",
	).From("providers")
}

func discrepancyCountQuery(b sq.StatementBuilderType) sq.SelectBuilder {
	return b.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END), 0)",
	).From("discrepancies")
}
