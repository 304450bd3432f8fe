// Package collect gathers per-field candidate values for a provider from the
// import, registry and enrichment sources.
package collect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/normalize"
	"github.com/medatlas/provider-validator/internal/resilience"
)

// ImportSource returns the operator-supplied values of a provider.
type ImportSource interface {
	ImportFields(ctx context.Context, p *model.Provider) (*model.FieldSet, error)
}

// RegistrySource looks up a provider in the authoritative registry. A payload
// with Found=false means the registry answered without a record.
type RegistrySource interface {
	Lookup(ctx context.Context, npi string) (*model.RegistryPayload, error)
}

// EnrichmentSource returns best-effort web or document evidence. A nil
// payload means nothing was collected for the provider.
type EnrichmentSource interface {
	Enrichment(ctx context.Context, providerID int64) (*model.EnrichmentPayload, error)
}

// Invalidator is implemented by registry sources that cache lookups.
type Invalidator interface {
	Invalidate(npi string)
}

// SourceUnavailableError reports a source that failed or timed out. The
// collector absorbs it: the source is treated as absent for every field.
type SourceUnavailableError struct {
	Source model.Source
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("collect: source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// Timeouts bounds each source call.
type Timeouts struct {
	Import     time.Duration
	Registry   time.Duration
	Enrichment time.Duration
}

// DefaultTimeouts returns 5s import, 10s registry, 15s enrichment.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Import:     5 * time.Second,
		Registry:   10 * time.Second,
		Enrichment: 15 * time.Second,
	}
}

// Result is the evidence gathered for one provider.
type Result struct {
	Candidates model.Candidates
	Registry   *model.RegistryPayload
	Enrichment *model.EnrichmentPayload
	// Degraded lists sources downgraded to absent after a failure.
	Degraded []model.Source
	Failures []*SourceUnavailableError
}

// IsDegraded reports whether any source was downgraded.
func (r *Result) IsDegraded() bool {
	return len(r.Degraded) > 0
}

// Option configures a Collector.
type Option func(*Collector)

// WithTimeouts sets per-source timeouts. Zero values keep the defaults.
func WithTimeouts(t Timeouts) Option {
	return func(c *Collector) {
		if t.Import > 0 {
			c.timeouts.Import = t.Import
		}
		if t.Registry > 0 {
			c.timeouts.Registry = t.Registry
		}
		if t.Enrichment > 0 {
			c.timeouts.Enrichment = t.Enrichment
		}
	}
}

// WithBreakers routes every source call through a per-source circuit breaker.
func WithBreakers(b *resilience.Breakers) Option {
	return func(c *Collector) {
		c.breakers = b
	}
}

// WithRetryPolicy retries transient source failures.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *Collector) {
		c.retry = &p
	}
}

// WithDegradedHook is called once per source downgraded to absent.
func WithDegradedHook(fn func(src model.Source, err error)) Option {
	return func(c *Collector) {
		c.onDegraded = fn
	}
}

// Collector queries the three sources concurrently and builds candidates.
type Collector struct {
	reg        *model.FieldRegistry
	imports    ImportSource
	registry   RegistrySource
	enrichment EnrichmentSource

	timeouts   Timeouts
	breakers   *resilience.Breakers
	retry      *resilience.Policy
	onDegraded func(src model.Source, err error)
}

// New creates a Collector. A nil registry or enrichment source is treated as
// permanently absent.
func New(reg *model.FieldRegistry, imports ImportSource, registry RegistrySource, enrichment EnrichmentSource, opts ...Option) *Collector {
	c := &Collector{
		reg:        reg,
		imports:    imports,
		registry:   registry,
		enrichment: enrichment,
		timeouts:   DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect gathers evidence for p. Source failures never fail the call; they
// are recorded as degraded sources. An error is returned only when ctx is
// done before collection finishes. force bypasses cached registry lookups.
func (c *Collector) Collect(ctx context.Context, p *model.Provider, force bool) (*Result, error) {
	var (
		mu       sync.Mutex
		res      = &Result{}
		imported *model.FieldSet
	)

	fail := func(src model.Source, err error) {
		sue := &SourceUnavailableError{Source: src, Err: err}
		mu.Lock()
		res.Degraded = append(res.Degraded, src)
		res.Failures = append(res.Failures, sue)
		mu.Unlock()

		zap.L().Warn("collect: source degraded to absent",
			zap.Int64("provider_id", p.ID),
			zap.String("source", string(src)),
			zap.Error(err),
		)
		if c.onDegraded != nil {
			c.onDegraded(src, err)
		}
	}

	var g errgroup.Group

	g.Go(func() error {
		fs, err := call(ctx, c, model.SourceImport, c.timeouts.Import, func(ctx context.Context) (*model.FieldSet, error) {
			return c.imports.ImportFields(ctx, p)
		})
		if err != nil {
			fail(model.SourceImport, err)
			return nil
		}
		mu.Lock()
		imported = fs
		mu.Unlock()
		return nil
	})

	if npi := lookupNPI(p); npi != "" && c.registry != nil {
		g.Go(func() error {
			if force {
				if inv, ok := c.registry.(Invalidator); ok {
					inv.Invalidate(npi)
				}
			}
			payload, err := call(ctx, c, model.SourceRegistry, c.timeouts.Registry, func(ctx context.Context) (*model.RegistryPayload, error) {
				return c.registry.Lookup(ctx, npi)
			})
			if err != nil {
				fail(model.SourceRegistry, err)
				return nil
			}
			mu.Lock()
			res.Registry = payload
			mu.Unlock()
			return nil
		})
	}

	if c.enrichment != nil {
		g.Go(func() error {
			payload, err := call(ctx, c, model.SourceEnrichment, c.timeouts.Enrichment, func(ctx context.Context) (*model.EnrichmentPayload, error) {
				return c.enrichment.Enrichment(ctx, p.ID)
			})
			if err != nil {
				fail(model.SourceEnrichment, err)
				return nil
			}
			mu.Lock()
			res.Enrichment = payload
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var registryFields, enrichmentFields *model.FieldSet
	if res.Registry != nil && res.Registry.Found {
		registryFields = &res.Registry.Fields
	}
	if res.Enrichment != nil {
		enrichmentFields = &res.Enrichment.Fields
	}

	res.Candidates = c.candidates(imported, registryFields, enrichmentFields)
	normalize.Candidates(c.reg, res.Candidates)
	return res, nil
}

// candidates builds one candidate per source per registered field. A nil
// FieldSet yields absent candidates for that source.
func (c *Collector) candidates(imported, registry, enrichment *model.FieldSet) model.Candidates {
	out := make(model.Candidates, len(c.reg.Fields))
	for _, name := range c.reg.Names() {
		out[name] = []model.FieldCandidate{
			{Field: name, Source: model.SourceImport, Raw: imported.Get(name)},
			{Field: name, Source: model.SourceRegistry, Raw: registry.Get(name)},
			{Field: name, Source: model.SourceEnrichment, Raw: enrichment.Get(name)},
		}
	}
	return out
}

// call runs fn under the source timeout, breaker and retry policy.
func call[T any](ctx context.Context, c *Collector, src model.Source, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := fn
	if c.retry != nil {
		p := *c.retry
		if p.OnRetry == nil {
			p.OnRetry = resilience.RetryLogger("collect", string(src))
		}
		attempt = func(ctx context.Context) (T, error) {
			return resilience.RetryVal(ctx, p, fn)
		}
	}
	if c.breakers != nil {
		return resilience.Call(ctx, c.breakers.Get(string(src)), attempt)
	}
	return attempt(ctx)
}

// lookupNPI returns the provider's NPI in canonical form, or "" when it is
// missing or malformed.
func lookupNPI(p *model.Provider) string {
	raw := p.Raw.Fields.NPI
	if raw == nil {
		raw = p.Fields.NPI
	}
	if raw == nil {
		return ""
	}
	n := normalize.Normalize(model.FieldTypeNPI, *raw)
	if n == nil {
		return ""
	}
	return *n
}
