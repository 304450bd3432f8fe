package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Pragmas apply per connection.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	npi               TEXT,
	fields            TEXT NOT NULL,
	confidence_score  INTEGER NOT NULL DEFAULT 0,
	risk_score        INTEGER NOT NULL DEFAULT 0,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	source_file       TEXT NOT NULL DEFAULT '',
	raw_payload       TEXT NOT NULL,
	registry_payload  TEXT,
	enriched_payload  TEXT,
	validated_payload TEXT,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	last_validated_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_npi ON providers(npi) WHERE npi IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_providers_status ON providers(validation_status);

CREATE TABLE IF NOT EXISTS discrepancies (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id      INTEGER NOT NULL REFERENCES providers(id),
	field_name       TEXT NOT NULL,
	import_value     TEXT,
	registry_value   TEXT,
	enrichment_value TEXT,
	final_value      TEXT,
	confidence       INTEGER NOT NULL,
	risk_level       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'open',
	notes            TEXT NOT NULL DEFAULT '',
	override         BOOLEAN NOT NULL DEFAULT 0,
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	resolved_at      DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open
	ON discrepancies(provider_id, field_name) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_discrepancies_provider ON discrepancies(provider_id);
CREATE INDEX IF NOT EXISTS idx_discrepancies_status ON discrepancies(status);

CREATE TABLE IF NOT EXISTS enrichment_payloads (
	provider_id  INTEGER PRIMARY KEY REFERENCES providers(id),
	payload      TEXT NOT NULL,
	collected_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS validation_runs (
	id           TEXT PRIMARY KEY,
	trigger_type TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	scope        TEXT NOT NULL,
	summary      TEXT,
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_validation_runs_status ON validation_runs(status);
CREATE INDEX IF NOT EXISTS idx_validation_runs_started ON validation_runs(started_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL DEFAULT '',
	provider_id INTEGER NOT NULL DEFAULT 0,
	event_type  TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	metadata    TEXT,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_provider ON audit_log(provider_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_run ON audit_log(run_id);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	provider_id    INTEGER NOT NULL,
	run_id         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_dlq_provider ON dead_letter_queue(provider_id);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Providers

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p *model.Provider) (int64, bool, error) {
	stampProvider(p)
	var (
		id      int64
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing := int64(0)
		if npi := npiKey(p); npi != nil {
			err := tx.QueryRowContext(ctx, `SELECT id FROM providers WHERE npi = ?`, *npi).Scan(&existing)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return eris.Wrap(err, "sqlite: find provider by npi")
			}
		}

		if existing != 0 {
			q, err := reimportProvider(s.sb, existing, p)
			if err != nil {
				return err
			}
			query, args, err := q.ToSql()
			if err != nil {
				return eris.Wrap(err, "sqlite: build reimport")
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return eris.Wrapf(err, "sqlite: reimport provider %d", existing)
			}
			id = existing
			return nil
		}

		q, err := insertProvider(s.sb, p)
		if err != nil {
			return err
		}
		query, args, err := q.ToSql()
		if err != nil {
			return eris.Wrap(err, "sqlite: build insert provider")
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return eris.Wrap(err, "sqlite: insert provider")
		}
		created = true
		return nil
	})
	return id, created, err
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id int64) (*model.Provider, error) {
	query, args, err := s.sb.Select(providerColumns...).From("providers").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get provider")
	}
	var row providerRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, notFound("provider", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get provider %d", id)
	}
	return row.toModel()
}

func (s *SQLiteStore) FindProviderByNPI(ctx context.Context, npi string) (*model.Provider, error) {
	query, args, err := s.sb.Select(providerColumns...).From("providers").Where(sq.Eq{"npi": npi}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build find provider")
	}
	var row providerRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, notFound("provider with npi", npi)
		}
		return nil, eris.Wrapf(err, "sqlite: find provider by npi %s", npi)
	}
	return row.toModel()
}

func (s *SQLiteStore) ListProviders(ctx context.Context, filter ProviderFilter) ([]model.Provider, error) {
	query, args, err := selectProviders(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list providers")
	}
	var rows []providerRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers")
	}
	return providersFromRows(rows)
}

func (s *SQLiteStore) ListProviderIDs(ctx context.Context, filter ProviderFilter) ([]int64, error) {
	query, args, err := selectProviderIDs(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list provider ids")
	}
	var ids []int64
	if err := sqlscan.Select(ctx, s.db, &ids, query, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: list provider ids")
	}
	return ids, nil
}

func (s *SQLiteStore) SaveValidation(ctx context.Context, w *ValidationWrite) ([]model.Discrepancy, error) {
	var written []model.Discrepancy
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		written = written[:0]

		q, err := updateValidatedProvider(s.sb, w.Provider)
		if err != nil {
			return err
		}
		if err := s.execVersioned(ctx, tx, q, "provider", w.Provider.ID); err != nil {
			return err
		}

		for _, d := range w.Updates {
			if err := s.execVersioned(ctx, tx, updateDiscrepancy(s.sb, &d), "discrepancy", d.ID); err != nil {
				return err
			}
			d.Version++
			written = append(written, d)
		}

		for _, d := range w.Inserts {
			query, args, err := insertDiscrepancy(s.sb, &d).ToSql()
			if err != nil {
				return eris.Wrap(err, "sqlite: build insert discrepancy")
			}
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&d.ID); err != nil {
				if isConstraintViolation(err) {
					return conflict("open discrepancy for field", d.FieldName)
				}
				return eris.Wrapf(err, "sqlite: insert discrepancy %s", d.FieldName)
			}
			d.Version = 1
			written = append(written, d)
		}

		if w.Audit != nil {
			if err := s.appendAudit(ctx, tx, w.Audit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// Enrichment evidence

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, providerID int64, payload *model.EnrichmentPayload) error {
	data, err := mustJSON(payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_payloads (provider_id, payload, collected_at) VALUES (?, ?, ?)
		 ON CONFLICT (provider_id) DO UPDATE SET payload = excluded.payload, collected_at = excluded.collected_at`,
		providerID, data, payload.CollectedAt,
	)
	return eris.Wrapf(err, "sqlite: save enrichment for provider %d", providerID)
}

func (s *SQLiteStore) GetEnrichment(ctx context.Context, providerID int64) (*model.EnrichmentPayload, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM enrichment_payloads WHERE provider_id = ?`, providerID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get enrichment for provider %d", providerID)
	}
	var out *model.EnrichmentPayload
	if err := fromJSON(data, &out); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal enrichment")
	}
	return out, nil
}

// Discrepancies

func (s *SQLiteStore) GetDiscrepancy(ctx context.Context, id int64) (*model.Discrepancy, error) {
	query, args, err := s.sb.Select(discrepancyColumns...).From("discrepancies").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get discrepancy")
	}
	var row discrepancyRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, notFound("discrepancy", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get discrepancy %d", id)
	}
	d := row.toModel()
	return &d, nil
}

func (s *SQLiteStore) ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]model.Discrepancy, error) {
	query, args, err := selectDiscrepancies(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list discrepancies")
	}
	var rows []discrepancyRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: list discrepancies")
	}
	return discrepanciesFromRows(rows), nil
}

func (s *SQLiteStore) ResolveDiscrepancy(ctx context.Context, r Resolution) (*model.Discrepancy, error) {
	query, args, err := resolveDiscrepancy(s.sb, r).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build resolve discrepancy")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: resolve discrepancy %d", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Missing rows report not found; anything else lost a race.
		if _, err := s.GetDiscrepancy(ctx, r.ID); err != nil {
			return nil, err
		}
		return nil, conflict("discrepancy", r.ID)
	}
	return s.GetDiscrepancy(ctx, r.ID)
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	scope, err := mustJSON(run.Scope)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal scope")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO validation_runs (id, trigger_type, status, scope, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), string(run.Status), scope, run.StartedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status model.RunStatus, summary *model.RunSummary, errMsg string) error {
	sum, err := toJSON(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_runs SET status = ?, summary = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), sum, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query, args, err := s.sb.Select(runColumns...).From("validation_runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get run")
	}
	var row runRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, notFound("run", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return row.toModel()
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query, args, err := selectRuns(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list runs")
	}
	var rows []runRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	runs := make([]model.Run, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, nil
}

// Audit log

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *model.AuditEvent) error {
	return s.appendAudit(ctx, s.db, e)
}

type sqlQueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) appendAudit(ctx context.Context, q sqlQueryRower, e *model.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query, args, err := insertAudit(s.sb, e).ToSql()
	if err != nil {
		return eris.Wrap(err, "sqlite: build insert audit")
	}
	return eris.Wrap(q.QueryRowContext(ctx, query, args...).Scan(&e.ID), "sqlite: insert audit event")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error) {
	query, args, err := selectAudit(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list audit")
	}
	var rows []auditRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	out := make([]model.AuditEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// Directory summary

func (s *SQLiteStore) Summary(ctx context.Context) (*model.DirectorySummary, error) {
	var sum model.DirectorySummary

	query, args, err := summaryQuery(s.sb).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build summary")
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sum.TotalProviders, &sum.ValidatedProviders, &sum.PendingProviders,
		&sum.HighRiskProviders, &sum.AvgConfidenceScore,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: provider summary")
	}

	query, args, err = discrepancyCountQuery(s.sb).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build discrepancy counts")
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sum.TotalDiscrepancies, &sum.OpenDiscrepancies,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: discrepancy summary")
	}

	sum.AvgConfidenceScore = roundTo2(sum.AvgConfidenceScore)
	return &sum, nil
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	entry = prepareDLQEntry(entry)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, provider_id, run_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider_id) DO UPDATE SET
		   run_id = excluded.run_id, error = excluded.error, error_type = excluded.error_type,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.ProviderID, entry.RunID, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query, args, err := selectDueDLQ(s.sb, filter, time.Now().UTC()).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build dequeue dlq")
	}
	var rows []dlqRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	out := make([]resilience.DLQEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt, lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// execVersioned runs a version-checked update. Zero affected rows means the
// row is gone or was changed by another writer.
func (s *SQLiteStore) execVersioned(ctx context.Context, tx *sql.Tx, q sq.UpdateBuilder, entity string, id int64) error {
	query, args, err := q.ToSql()
	if err != nil {
		return eris.Wrapf(err, "sqlite: build update %s", entity)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update %s %d", entity, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return conflict(entity, id)
	}
	return nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
