package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medatlas/provider-validator/internal/export"
	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/resilience"
	"github.com/medatlas/provider-validator/internal/store"
)

// Service is the entry point used by the CLI and any transport layer.
type Service struct {
	store    store.Store
	pipeline *Pipeline
	runner   *Runner
	now      func() time.Time
}

// NewService wires a Service around a Pipeline and Runner sharing one store.
func NewService(st store.Store, p *Pipeline, r *Runner) *Service {
	return &Service{
		store:    st,
		pipeline: p,
		runner:   r,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ValidateProvider validates one provider under its own single-provider run.
func (s *Service) ValidateProvider(ctx context.Context, id int64, opts ValidateOptions) (*model.FinalizedProvider, error) {
	scope := model.RunScope{ProviderIDs: []int64{id}, Force: opts.Force}
	run, rc, err := s.runner.startRun(ctx, model.TriggerSingle, scope)
	if err != nil {
		return nil, err
	}

	fp, vErr := s.pipeline.ValidateOne(ctx, rc, id, opts)

	summary := model.RunSummary{Total: 1}
	status, errMsg := model.RunStatusComplete, ""
	if vErr != nil {
		summary.Failed = 1
		status, errMsg = model.RunStatusFailed, vErr.Error()
		s.runner.audit(context.WithoutCancel(ctx), rc, id, model.EventValidationFailed, errMsg)
	} else {
		summary.Record(fp.Status)
		if len(fp.Degraded) > 0 {
			summary.Degraded = 1
		}
	}
	summary.DurationMS = s.now().Sub(run.StartedAt).Milliseconds()

	if err := s.store.CompleteRun(context.WithoutCancel(ctx), run.ID, status, &summary, errMsg); err != nil {
		zap.L().Warn("pipeline: complete single run", zap.String("run_id", run.ID), zap.Error(err))
	}
	if vErr != nil {
		return nil, vErr
	}
	return fp, nil
}

// RunValidation validates a batch of providers.
func (s *Service) RunValidation(ctx context.Context, scope model.RunScope) (*model.Run, error) {
	return s.runner.ValidateBatch(ctx, scope)
}

// RetryDLQ re-validates due dead-letter entries.
func (s *Service) RetryDLQ(ctx context.Context, filter resilience.DLQFilter) (*model.Run, error) {
	return s.runner.RetryDLQ(ctx, filter)
}

// GetDiscrepancies lists discrepancies matching filter in id order. A zero
// Limit returns every match.
func (s *Service) GetDiscrepancies(ctx context.Context, filter store.DiscrepancyFilter) ([]model.Discrepancy, error) {
	out, err := s.store.ListDiscrepancies(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list discrepancies")
	}
	return out, nil
}

// ResolveRequest is a manual decision on one discrepancy.
type ResolveRequest struct {
	ID     int64
	Status model.DiscrepancyStatus
	Notes  string
	// FinalValue optionally overrides the reconciled value.
	FinalValue *string
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
}

// ResolveDiscrepancy closes an open discrepancy. Only open to resolved is
// allowed. Existing notes are kept and the new note appended. A concurrent
// change to the same discrepancy yields store.ErrConflict. Provider scores
// are not touched until the next validation.
func (s *Service) ResolveDiscrepancy(ctx context.Context, req ResolveRequest) (*model.Discrepancy, error) {
	if req.Status != model.DiscrepancyResolved {
		return nil, eris.Wrapf(ErrInvalidTransition, "status %q", req.Status)
	}

	d, err := s.store.GetDiscrepancy(ctx, req.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load discrepancy %d", req.ID)
	}

	unlock, err := s.pipeline.locks.Lock(ctx, d.ProviderID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: wait for provider lock")
	}
	defer unlock()

	if d.Status != model.DiscrepancyOpen {
		return nil, eris.Wrapf(ErrInvalidTransition, "discrepancy %d is %s", d.ID, d.Status)
	}
	version := d.Version
	if req.ExpectedVersion != 0 {
		version = req.ExpectedVersion
	}

	now := s.now()
	resolved, err := s.store.ResolveDiscrepancy(ctx, store.Resolution{
		ID:              d.ID,
		ExpectedVersion: version,
		Notes:           joinNotes(d.Notes, req.Notes),
		FinalValue:      req.FinalValue,
		At:              now,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: resolve discrepancy %d", d.ID)
	}

	meta, _ := json.Marshal(map[string]any{
		"discrepancy_id": d.ID,
		"field":          d.FieldName,
		"override":       req.FinalValue != nil,
	})
	if err := s.store.AppendAudit(ctx, &model.AuditEvent{
		ProviderID: d.ProviderID,
		EventType:  model.EventDiscrepancyResolved,
		Message:    "discrepancy on " + d.FieldName + " resolved",
		Metadata:   meta,
		CreatedAt:  now,
	}); err != nil {
		zap.L().Warn("pipeline: audit resolution", zap.Int64("discrepancy_id", d.ID), zap.Error(err))
	}
	return resolved, nil
}

// GetSummary returns directory-wide counts.
func (s *Service) GetSummary(ctx context.Context) (*model.DirectorySummary, error) {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: summary")
	}
	return sum, nil
}

// ExportDirectory writes a point-in-time snapshot of the directory to w.
func (s *Service) ExportDirectory(ctx context.Context, w io.Writer, opts export.Options) (*export.Result, error) {
	return export.New(s.store).Write(ctx, w, opts)
}

// GetRun returns one run.
func (s *Service) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns lists runs, newest first.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

func joinNotes(existing, add string) string {
	existing, add = strings.TrimSpace(existing), strings.TrimSpace(add)
	switch {
	case add == "":
		return existing
	case existing == "":
		return add
	default:
		return existing + "\n" + add
	}
}
