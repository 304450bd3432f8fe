// Package pipeline runs provider validation: collect, normalize, detect,
// score and reconcile, for one provider or a batch.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medatlas/provider-validator/internal/collect"
	"github.com/medatlas/provider-validator/internal/detect"
	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/reconcile"
	"github.com/medatlas/provider-validator/internal/resilience"
	"github.com/medatlas/provider-validator/internal/scorer"
	"github.com/medatlas/provider-validator/internal/store"
)

// conflictAttempts bounds re-reads after an optimistic version conflict.
const conflictAttempts = 3

// Collector gathers candidate evidence for a provider.
type Collector interface {
	Collect(ctx context.Context, p *model.Provider, force bool) (*collect.Result, error)
}

// Recorder receives per-provider and per-run observations.
type Recorder interface {
	ProviderValidated(status model.ValidationStatus, degraded []model.Source, d time.Duration)
	ProviderFailed(errorType string)
	RunCompleted(trigger model.RunTrigger, status model.RunStatus, s *model.RunSummary)
	OpenDiscrepancies(n int)
}

type nopRecorder struct{}

func (nopRecorder) ProviderValidated(model.ValidationStatus, []model.Source, time.Duration) {}
func (nopRecorder) ProviderFailed(string) {}
func (nopRecorder) RunCompleted(model.RunTrigger, model.RunStatus, *model.RunSummary) {}
func (nopRecorder) OpenDiscrepancies(int) {}

// ValidateOptions controls a single validation.
type ValidateOptions struct {
	// Force bypasses the cached result of a validated provider and the
	// registry lookup cache.
	Force bool
	// Overrides are manual final values for fields with an open discrepancy.
	Overrides map[string]reconcile.Override
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithProviderTimeout bounds one provider's validation.
func WithProviderTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.providerTimeout = d
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithKeyLock shares a per-provider lock between pipelines.
func WithKeyLock(k *KeyLock) Option {
	return func(p *Pipeline) {
		p.locks = k
	}
}

// Pipeline validates one provider at a time. Concurrent calls for the same
// provider are serialized; calls for different providers run in parallel.
type Pipeline struct {
	store      store.Store
	reg        *model.FieldRegistry
	collector  Collector
	detector   *detect.Detector
	scorer     *scorer.Scorer
	reconciler *reconcile.Reconciler
	locks      *KeyLock
	recorder   Recorder

	providerTimeout time.Duration
}

// New creates a Pipeline with all dependencies.
func New(st store.Store, reg *model.FieldRegistry, trust model.TrustPolicy, collector Collector, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:           st,
		reg:             reg,
		collector:       collector,
		detector:        detect.New(trust),
		scorer:          scorer.New(reg),
		reconciler:      reconcile.New(st, reg),
		locks:           NewKeyLock(),
		recorder:        nopRecorder{},
		providerTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidateOne runs the full pipeline for one provider. Every failure is
// returned as a *ValidationRunError and leaves stored state unchanged.
func (p *Pipeline) ValidateOne(ctx context.Context, rc model.RunContext, id int64, opts ValidateOptions) (*model.FinalizedProvider, error) {
	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return nil, &ValidationRunError{ProviderID: id, Err: eris.Wrap(err, "wait for provider lock")}
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, p.providerTimeout)
	defer cancel()

	start := time.Now()
	log := zap.L().With(zap.Int64("provider_id", id), zap.String("run_id", rc.RunID))

	var fp *model.FinalizedProvider
	for attempt := 1; ; attempt++ {
		fp, err = p.validate(ctx, rc, id, opts)
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt >= conflictAttempts {
			break
		}
		log.Warn("pipeline: version conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		p.recorder.ProviderFailed(resilience.ClassifyError(err))
		log.Error("pipeline: validation failed", zap.Error(err))
		return nil, &ValidationRunError{ProviderID: id, Err: err}
	}

	if !fp.Cached {
		p.recorder.ProviderValidated(fp.Status, fp.Degraded, time.Since(start))
	}
	log.Debug("pipeline: provider validated",
		zap.String("status", string(fp.Status)),
		zap.Int("confidence", fp.ConfidenceScore),
		zap.Bool("cached", fp.Cached),
		zap.Duration("elapsed", time.Since(start)),
	)
	return fp, nil
}

func (p *Pipeline) validate(ctx context.Context, rc model.RunContext, id int64, opts ValidateOptions) (*model.FinalizedProvider, error) {
	prov, err := p.store.GetProvider(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "load provider")
	}

	force := opts.Force || rc.Force
	if !force && len(opts.Overrides) == 0 && prov.ValidationStatus == model.StatusValidated && prov.Validated != nil {
		return p.cached(ctx, prov)
	}

	res, err := p.collector.Collect(ctx, prov, force)
	if err != nil {
		return nil, eris.Wrap(err, "collect sources")
	}

	outcomes := p.detector.DetectAll(p.reg, res.Candidates)
	score := p.scorer.Score(outcomes)

	fp, err := p.reconciler.Reconcile(ctx, rc, reconcile.Input{
		Provider:   prov,
		Outcomes:   outcomes,
		Candidates: res.Candidates,
		Score:      score,
		Overrides:  opts.Overrides,
		Registry:   res.Registry,
		Enrichment: res.Enrichment,
		Degraded:   res.Degraded,
	})
	if err != nil {
		return nil, err
	}

	if res.IsDegraded() {
		p.auditDegraded(ctx, rc, prov.ID, res)
	}
	return fp, nil
}

// cached rebuilds the finalized view from the last stored run.
func (p *Pipeline) cached(ctx context.Context, prov *model.Provider) (*model.FinalizedProvider, error) {
	discs, err := p.store.ListDiscrepancies(ctx, store.DiscrepancyFilter{ProviderID: prov.ID})
	if err != nil {
		return nil, eris.Wrap(err, "load discrepancies")
	}
	fp := &model.FinalizedProvider{
		ProviderID:      prov.ID,
		RunID:           prov.Validated.RunID,
		ConfidenceScore: prov.ConfidenceScore,
		RiskScore:       prov.RiskScore,
		Status:          prov.ValidationStatus,
		Fields:          prov.Validated.Fields,
		Discrepancies:   discs,
		Degraded:        prov.Validated.Degraded,
		Cached:          true,
		ValidatedAt:     prov.Validated.ValidatedAt,
	}
	return fp, nil
}

func (p *Pipeline) auditDegraded(ctx context.Context, rc model.RunContext, providerID int64, res *collect.Result) {
	for _, f := range res.Failures {
		err := p.store.AppendAudit(ctx, &model.AuditEvent{
			RunID:      rc.RunID,
			ProviderID: providerID,
			EventType:  model.EventSourceDegraded,
			Message:    f.Error(),
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			zap.L().Warn("pipeline: audit degraded source", zap.Int64("provider_id", providerID), zap.Error(err))
		}
	}
}
