package store

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/medatlas/provider-validator/internal/db"
	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	sb      sq.StatementBuilderType
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		closeFn: closeFn,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id                BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	npi               TEXT,
	fields            JSONB NOT NULL,
	confidence_score  INTEGER NOT NULL DEFAULT 0,
	risk_score        INTEGER NOT NULL DEFAULT 0,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	source_file       TEXT NOT NULL DEFAULT '',
	raw_payload       JSONB NOT NULL,
	registry_payload  JSONB,
	enriched_payload  JSONB,
	validated_payload JSONB,
	version           BIGINT NOT NULL DEFAULT 1,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_validated_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_npi ON providers(npi) WHERE npi IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_providers_status ON providers(validation_status);

CREATE TABLE IF NOT EXISTS discrepancies (
	id               BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	provider_id      BIGINT NOT NULL REFERENCES providers(id),
	field_name       TEXT NOT NULL,
	import_value     TEXT,
	registry_value   TEXT,
	enrichment_value TEXT,
	final_value      TEXT,
	confidence       INTEGER NOT NULL,
	risk_level       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'open',
	notes            TEXT NOT NULL DEFAULT '',
	override         BOOLEAN NOT NULL DEFAULT false,
	version          BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open
	ON discrepancies(provider_id, field_name) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_discrepancies_provider ON discrepancies(provider_id);
CREATE INDEX IF NOT EXISTS idx_discrepancies_status ON discrepancies(status);

CREATE TABLE IF NOT EXISTS enrichment_payloads (
	provider_id  BIGINT PRIMARY KEY REFERENCES providers(id),
	payload      JSONB NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS validation_runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	trigger_type TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	scope        JSONB NOT NULL,
	summary      JSONB,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_validation_runs_status ON validation_runs(status);
CREATE INDEX IF NOT EXISTS idx_validation_runs_started ON validation_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	run_id      TEXT NOT NULL DEFAULT '',
	provider_id BIGINT NOT NULL DEFAULT 0,
	event_type  TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_log_provider ON audit_log(provider_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_run ON audit_log(run_id);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider_id    BIGINT NOT NULL UNIQUE,
	run_id         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Providers

func (s *PostgresStore) UpsertProvider(ctx context.Context, p *model.Provider) (int64, bool, error) {
	stampProvider(p)
	var (
		id      int64
		created bool
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if npi := npiKey(p); npi != nil {
			err := tx.QueryRow(ctx, `SELECT id FROM providers WHERE npi = $1 FOR UPDATE`, *npi).Scan(&id)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrap(err, "postgres: find provider by npi")
			}
		}

		if id != 0 {
			q, err := reimportProvider(s.sb, id, p)
			if err != nil {
				return err
			}
			query, args, err := q.ToSql()
			if err != nil {
				return eris.Wrap(err, "postgres: build reimport")
			}
			_, err = tx.Exec(ctx, query, args...)
			return eris.Wrapf(err, "postgres: reimport provider %d", id)
		}

		q, err := insertProvider(s.sb, p)
		if err != nil {
			return err
		}
		query, args, err := q.ToSql()
		if err != nil {
			return eris.Wrap(err, "postgres: build insert provider")
		}
		if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			return eris.Wrap(err, "postgres: insert provider")
		}
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

func (s *PostgresStore) GetProvider(ctx context.Context, id int64) (*model.Provider, error) {
	query, args, err := s.sb.Select(providerColumns...).From("providers").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get provider")
	}
	var row providerRow
	if err := pgxscan.Get(ctx, s.pool, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, notFound("provider", id)
		}
		return nil, eris.Wrapf(err, "postgres: get provider %d", id)
	}
	return row.toModel()
}

func (s *PostgresStore) FindProviderByNPI(ctx context.Context, npi string) (*model.Provider, error) {
	query, args, err := s.sb.Select(providerColumns...).From("providers").Where(sq.Eq{"npi": npi}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build find provider")
	}
	var row providerRow
	if err := pgxscan.Get(ctx, s.pool, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, notFound("provider with npi", npi)
		}
		return nil, eris.Wrapf(err, "postgres: find provider by npi %s", npi)
	}
	return row.toModel()
}

func (s *PostgresStore) ListProviders(ctx context.Context, filter ProviderFilter) ([]model.Provider, error) {
	query, args, err := selectProviders(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list providers")
	}
	var rows []providerRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "postgres: list providers")
	}
	return providersFromRows(rows)
}

func (s *PostgresStore) ListProviderIDs(ctx context.Context, filter ProviderFilter) ([]int64, error) {
	query, args, err := selectProviderIDs(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list provider ids")
	}
	var ids []int64
	if err := pgxscan.Select(ctx, s.pool, &ids, query, args...); err != nil {
		return nil, eris.Wrap(err, "postgres: list provider ids")
	}
	return ids, nil
}

func (s *PostgresStore) SaveValidation(ctx context.Context, w *ValidationWrite) ([]model.Discrepancy, error) {
	var written []model.Discrepancy
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
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
				return eris.Wrap(err, "postgres: build insert discrepancy")
			}
			if err := tx.QueryRow(ctx, query, args...).Scan(&d.ID); err != nil {
				if db.IsUniqueViolation(err) {
					return conflict("open discrepancy for field", d.FieldName)
				}
				return eris.Wrapf(err, "postgres: insert discrepancy %s", d.FieldName)
			}
			d.Version = 1
			written = append(written, d)
		}

		if w.Audit != nil {
			return s.appendAudit(ctx, tx, w.Audit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// Enrichment evidence

func (s *PostgresStore) SaveEnrichment(ctx context.Context, providerID int64, payload *model.EnrichmentPayload) error {
	data, err := mustJSON(payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal enrichment")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_payloads (provider_id, payload, collected_at) VALUES ($1, $2, $3)
		 ON CONFLICT (provider_id) DO UPDATE SET payload = $2, collected_at = $3`,
		providerID, data, payload.CollectedAt,
	)
	return eris.Wrapf(err, "postgres: save enrichment for provider %d", providerID)
}

func (s *PostgresStore) GetEnrichment(ctx context.Context, providerID int64) (*model.EnrichmentPayload, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM enrichment_payloads WHERE provider_id = $1`, providerID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get enrichment for provider %d", providerID)
	}
	var out *model.EnrichmentPayload
	if err := fromJSON(data, &out); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal enrichment")
	}
	return out, nil
}

// Discrepancies

func (s *PostgresStore) GetDiscrepancy(ctx context.Context, id int64) (*model.Discrepancy, error) {
	query, args, err := s.sb.Select(discrepancyColumns...).From("discrepancies").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get discrepancy")
	}
	var row discrepancyRow
	if err := pgxscan.Get(ctx, s.pool, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, notFound("discrepancy", id)
		}
		return nil, eris.Wrapf(err, "postgres: get discrepancy %d", id)
	}
	d := row.toModel()
	return &d, nil
}

func (s *PostgresStore) ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]model.Discrepancy, error) {
	query, args, err := selectDiscrepancies(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list discrepancies")
	}
	var rows []discrepancyRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "postgres: list discrepancies")
	}
	return discrepanciesFromRows(rows), nil
}

func (s *PostgresStore) ResolveDiscrepancy(ctx context.Context, r Resolution) (*model.Discrepancy, error) {
	query, args, err := resolveDiscrepancy(s.sb, r).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build resolve discrepancy")
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: resolve discrepancy %d", r.ID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDiscrepancy(ctx, r.ID); err != nil {
			return nil, err
		}
		return nil, conflict("discrepancy", r.ID)
	}
	return s.GetDiscrepancy(ctx, r.ID)
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	scope, err := mustJSON(run.Scope)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal scope")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO validation_runs (id, trigger_type, status, scope, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Trigger), string(run.Status), scope, run.StartedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, status model.RunStatus, summary *model.RunSummary, errMsg string) error {
	sum, err := toJSON(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_runs SET status = $1, summary = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), sum, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("run", id)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query, args, err := s.sb.Select(runColumns...).From("validation_runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get run")
	}
	var row runRow
	if err := pgxscan.Get(ctx, s.pool, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, notFound("run", id)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return row.toModel()
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query, args, err := selectRuns(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list runs")
	}
	var rows []runRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
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

func (s *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditEvent) error {
	return s.appendAudit(ctx, s.pool, e)
}

type pgQueryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) appendAudit(ctx context.Context, q pgQueryRower, e *model.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query, args, err := insertAudit(s.sb, e).ToSql()
	if err != nil {
		return eris.Wrap(err, "postgres: build insert audit")
	}
	return eris.Wrap(q.QueryRow(ctx, query, args...).Scan(&e.ID), "postgres: insert audit event")
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error) {
	query, args, err := selectAudit(s.sb, filter).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list audit")
	}
	var rows []auditRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	out := make([]model.AuditEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// Directory summary

func (s *PostgresStore) Summary(ctx context.Context) (*model.DirectorySummary, error) {
	var sum model.DirectorySummary

	query, args, err := summaryQuery(s.sb).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build summary")
	}
	if err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sum.TotalProviders, &sum.ValidatedProviders, &sum.PendingProviders,
		&sum.HighRiskProviders, &sum.AvgConfidenceScore,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: provider summary")
	}

	query, args, err = discrepancyCountQuery(s.sb).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build discrepancy counts")
	}
	if err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sum.TotalDiscrepancies, &sum.OpenDiscrepancies,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: discrepancy summary")
	}

	sum.AvgConfidenceScore = roundTo2(sum.AvgConfidenceScore)
	return &sum, nil
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	entry = prepareDLQEntry(entry)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, provider_id, run_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (provider_id) DO UPDATE SET
		   run_id = $3, error = $4, error_type = $5, next_retry_at = $8, last_failed_at = $10`,
		entry.ID, entry.ProviderID, entry.RunID, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query, args, err := selectDueDLQ(s.sb, filter, time.Now().UTC()).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build dequeue dlq")
	}
	var rows []dlqRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	out := make([]resilience.DLQEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("dlq entry", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func (s *PostgresStore) execVersioned(ctx context.Context, tx pgx.Tx, q sq.UpdateBuilder, entity string, id int64) error {
	query, args, err := q.ToSql()
	if err != nil {
		return eris.Wrapf(err, "postgres: build update %s", entity)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %d", entity, id)
	}
	if tag.RowsAffected() == 0 {
		return conflict(entity, id)
	}
	return nil
}
