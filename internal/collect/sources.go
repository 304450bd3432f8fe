package collect

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/pkg/nppes"
)

// RecordImport serves the import payload stored on the provider record.
type RecordImport struct{}

// ImportFields implements ImportSource.
func (RecordImport) ImportFields(_ context.Context, p *model.Provider) (*model.FieldSet, error) {
	fs := p.Raw.Fields
	return &fs, nil
}

// EnrichmentStore is the store method used by StoreEnrichment.
type EnrichmentStore interface {
	GetEnrichment(ctx context.Context, providerID int64) (*model.EnrichmentPayload, error)
}

// StoreEnrichment serves enrichment payloads attached by the enrich command.
type StoreEnrichment struct {
	Store EnrichmentStore
}

// Enrichment implements EnrichmentSource.
func (s StoreEnrichment) Enrichment(ctx context.Context, providerID int64) (*model.EnrichmentPayload, error) {
	p, err := s.Store.GetEnrichment(ctx, providerID)
	if err != nil {
		return nil, eris.Wrapf(err, "collect: enrichment for provider %d", providerID)
	}
	return p, nil
}

// NPPESRegistry adapts an NPPES client to RegistrySource.
type NPPESRegistry struct {
	Client nppes.Client
	now    func() time.Time
}

// NewNPPESRegistry creates a RegistrySource backed by c.
func NewNPPESRegistry(c nppes.Client) *NPPESRegistry {
	return &NPPESRegistry{Client: c, now: func() time.Time { return time.Now().UTC() }}
}

// Lookup implements RegistrySource.
func (r *NPPESRegistry) Lookup(ctx context.Context, npi string) (*model.RegistryPayload, error) {
	rec, err := r.Client.Lookup(ctx, npi)
	if errors.Is(err, nppes.ErrNotFound) {
		return &model.RegistryPayload{Found: false, FetchedAt: r.now()}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "collect: registry lookup %s", npi)
	}
	return &model.RegistryPayload{
		Fields:    RecordFields(rec),
		Found:     true,
		FetchedAt: r.now(),
	}, nil
}

// RecordFields maps a registry record onto a FieldSet. Empty registry
// attributes are left absent.
func RecordFields(rec *nppes.Record) model.FieldSet {
	var fs model.FieldSet
	set := func(name, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fs.Set(name, model.StrPtr(v))
		}
	}
	set(model.FieldNPI, rec.NPI)
	set(model.FieldFirstName, rec.FirstName)
	set(model.FieldLastName, rec.LastName)
	set(model.FieldOrganizationName, rec.OrganizationName)
	set(model.FieldAddressLine1, rec.AddressLine1)
	set(model.FieldAddressLine2, rec.AddressLine2)
	set(model.FieldCity, rec.City)
	set(model.FieldState, rec.State)
	set(model.FieldZipCode, rec.PostalCode)
	set(model.FieldPhone, rec.Phone)
	set(model.FieldSpecialty, rec.Specialty)
	set(model.FieldLicenseNumber, rec.LicenseNumber)
	set(model.FieldLicenseState, rec.LicenseState)
	switch rec.EnumerationType {
	case "NPI-1":
		set(model.FieldProviderType, "individual")
	case "NPI-2":
		set(model.FieldProviderType, "organization")
	}
	return fs
}

// CachedRegistry memoizes registry answers, including not-found answers,
// for a fixed TTL. Errors are never cached.
type CachedRegistry struct {
	next  RegistrySource
	cache *expirable.LRU[string, *model.RegistryPayload]
}

// NewCachedRegistry wraps next with an LRU of size entries expiring after ttl.
func NewCachedRegistry(next RegistrySource, size int, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		next:  next,
		cache: expirable.NewLRU[string, *model.RegistryPayload](size, nil, ttl),
	}
}

// Lookup implements RegistrySource.
func (c *CachedRegistry) Lookup(ctx context.Context, npi string) (*model.RegistryPayload, error) {
	if p, ok := c.cache.Get(npi); ok {
		return p, nil
	}
	p, err := c.next.Lookup(ctx, npi)
	if err != nil {
		return nil, err
	}
	c.cache.Add(npi, p)
	return p, nil
}

// Invalidate implements Invalidator.
func (c *CachedRegistry) Invalidate(npi string) {
	c.cache.Remove(npi)
}

// Len returns the number of cached entries.
func (c *CachedRegistry) Len() int {
	return c.cache.Len()
}
