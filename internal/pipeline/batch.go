package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/resilience"
	"github.com/medatlas/provider-validator/internal/store"
)

// Runner validates batches of providers with a bounded worker pool.
type Runner struct {
	pipeline    *Pipeline
	store       store.Store
	concurrency int
	maxRetries  int
	now         func() time.Time
}

// NewRunner creates a batch Runner. Failed providers are parked in the
// dead-letter queue with maxRetries attempts.
func NewRunner(p *Pipeline, st store.Store, concurrency, maxRetries int) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		pipeline:    p,
		store:       st,
		concurrency: concurrency,
		maxRetries:  maxRetries,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// outcome reports one provider's result to a batch callback.
type outcome struct {
	id  int64
	fp  *model.FinalizedProvider
	err error
}

// ValidateBatch validates every provider in scope. Individual failures never
// abort the batch; they are counted, audited and parked in the dead-letter
// queue. When ctx is cancelled no further providers are launched and the
// remainder is counted as skipped. The returned run always carries a summary.
func (r *Runner) ValidateBatch(ctx context.Context, scope model.RunScope) (*model.Run, error) {
	ids, err := r.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	run, rc, err := r.startRun(ctx, model.TriggerBatch, scope)
	if err != nil {
		return nil, err
	}

	summary := r.execute(ctx, rc, ids, func(ctx context.Context, o outcome) {
		if o.err != nil {
			r.parkFailure(ctx, rc, o.id, o.err)
		}
	})

	return r.finishRun(ctx, run, summary)
}

// RetryDLQ re-validates due dead-letter entries. Successes are removed from
// the queue; failures are rescheduled with backoff.
func (r *Runner) RetryDLQ(ctx context.Context, filter resilience.DLQFilter) (*model.Run, error) {
	entries, err := r.store.DequeueDLQ(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: dequeue dlq")
	}

	byProvider := make(map[int64]resilience.DLQEntry, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		byProvider[e.ProviderID] = e
		ids = append(ids, e.ProviderID)
	}

	scope := model.RunScope{ProviderIDs: ids, Force: true}
	run, rc, err := r.startRun(ctx, model.TriggerRetry, scope)
	if err != nil {
		return nil, err
	}

	summary := r.execute(ctx, rc, ids, func(ctx context.Context, o outcome) {
		e := byProvider[o.id]
		if o.err == nil {
			if err := r.store.RemoveDLQ(ctx, e.ID); err != nil {
				zap.L().Warn("pipeline: remove dlq entry", zap.String("dlq_id", e.ID), zap.Error(err))
			}
			return
		}
		next := resilience.NextRetryAt(r.now(), e.RetryCount+1)
		if err := r.store.IncrementDLQRetry(ctx, e.ID, next, o.err.Error()); err != nil {
			zap.L().Warn("pipeline: reschedule dlq entry", zap.String("dlq_id", e.ID), zap.Error(err))
		}
		r.audit(ctx, rc, o.id, model.EventValidationFailed, o.err.Error())
	})

	return r.finishRun(ctx, run, summary)
}

func (r *Runner) resolveScope(ctx context.Context, scope model.RunScope) ([]int64, error) {
	if len(scope.ProviderIDs) > 0 {
		ids := scope.ProviderIDs
		if scope.Limit > 0 && len(ids) > scope.Limit {
			ids = ids[:scope.Limit]
		}
		return ids, nil
	}
	ids, err := r.store.ListProviderIDs(ctx, store.ProviderFilter{
		Status: scope.Status,
		Limit:  scope.Limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list providers in scope")
	}
	return ids, nil
}

func (r *Runner) startRun(ctx context.Context, trigger model.RunTrigger, scope model.RunScope) (*model.Run, model.RunContext, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Status:    model.RunStatusRunning,
		Scope:     scope,
		StartedAt: r.now(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, model.RunContext{}, eris.Wrap(err, "pipeline: create run")
	}
	rc := model.RunContext{
		RunID:     run.ID,
		Trigger:   trigger,
		Force:     scope.Force,
		StartedAt: run.StartedAt,
	}
	zap.L().Info("pipeline: run started",
		zap.String("run_id", run.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("concurrency", r.concurrency),
	)
	return run, rc, nil
}

// execute validates ids with at most r.concurrency providers in flight.
// done runs once per launched provider with a context that outlives
// cancellation of ctx.
func (r *Runner) execute(ctx context.Context, rc model.RunContext, ids []int64, done func(context.Context, outcome)) model.RunSummary {
	var (
		mu      sync.Mutex
		summary = model.RunSummary{Total: len(ids)}
		start   = time.Now()
		bg      = context.WithoutCancel(ctx)
	)

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	launched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		launched++
		g.Go(func() error {
			fp, err := r.pipeline.ValidateOne(ctx, rc, id, ValidateOptions{})

			mu.Lock()
			switch {
			case err != nil && ctx.Err() != nil:
				// Cancelled with the batch, not a provider failure.
				summary.Skipped++
				mu.Unlock()
				return nil
			case err != nil:
				summary.Failed++
			default:
				summary.Record(fp.Status)
				if len(fp.Degraded) > 0 {
					summary.Degraded++
				}
			}
			mu.Unlock()

			done(bg, outcome{id: id, fp: fp, err: err})
			return nil
		})
	}
	_ = g.Wait()

	summary.Skipped += len(ids) - launched
	summary.DurationMS = time.Since(start).Milliseconds()
	return summary
}

func (r *Runner) finishRun(ctx context.Context, run *model.Run, summary model.RunSummary) (*model.Run, error) {
	status := model.RunStatusComplete
	var errMsg string
	if err := ctx.Err(); err != nil {
		status = model.RunStatusCancelled
		errMsg = err.Error()
	}

	bg := context.WithoutCancel(ctx)
	if err := r.store.CompleteRun(bg, run.ID, status, &summary, errMsg); err != nil {
		return nil, eris.Wrap(err, "pipeline: complete run")
	}

	completed := r.now()
	run.Status = status
	run.Summary = &summary
	run.Error = errMsg
	run.CompletedAt = &completed

	r.pipeline.recorder.RunCompleted(run.Trigger, status, &summary)
	if sum, err := r.store.Summary(bg); err == nil {
		r.pipeline.recorder.OpenDiscrepancies(sum.OpenDiscrepancies)
	}

	zap.L().Info("pipeline: run complete",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("total", summary.Total),
		zap.Int("validated", summary.Validated),
		zap.Int("needs_review", summary.NeedsReview),
		zap.Int("review_recommended", summary.ReviewRecommended),
		zap.Int("high_risk", summary.HighRisk),
		zap.Int("failed", summary.Failed),
		zap.Int("degraded", summary.Degraded),
		zap.Int("skipped", summary.Skipped),
		zap.Int64("duration_ms", summary.DurationMS),
	)
	return run, nil
}

// parkFailure records a failed provider in the audit log and the DLQ.
func (r *Runner) parkFailure(ctx context.Context, rc model.RunContext, id int64, err error) {
	r.audit(ctx, rc, id, model.EventValidationFailed, err.Error())

	errType := resilience.ClassifyError(err)
	if errors.Is(err, store.ErrNotFound) {
		errType = resilience.ErrorPermanent
	}
	entry := resilience.DLQEntry{
		ProviderID: id,
		RunID:      rc.RunID,
		Error:      err.Error(),
		ErrorType:  errType,
		MaxRetries: r.maxRetries,
	}
	if qErr := r.store.EnqueueDLQ(ctx, entry); qErr != nil {
		zap.L().Error("pipeline: enqueue dlq", zap.Int64("provider_id", id), zap.Error(qErr))
	}
}

func (r *Runner) audit(ctx context.Context, rc model.RunContext, id int64, event, msg string) {
	err := r.store.AppendAudit(ctx, &model.AuditEvent{
		RunID:      rc.RunID,
		ProviderID: id,
		EventType:  event,
		Message:    msg,
		CreatedAt:  r.now(),
	})
	if err != nil {
		zap.L().Warn("pipeline: append audit", zap.Int64("provider_id", id), zap.Error(err))
	}
}
