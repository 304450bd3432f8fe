package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/provider-validator/internal/collect"
	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/reconcile"
	"github.com/medatlas/provider-validator/internal/store"
)

func TestValidateOne_SourcesAgree(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("ProviderValidated", model.StatusValidated, mock.Anything, mock.Anything).Once()

	env := newTestEnv(t, nil, WithRecorder(rec))
	ctx := context.Background()

	npi := testNPIs[0]
	id := env.importProvider(t, npi, "(217) 555-0101", "123 Main St")
	env.registry.set(npi, "217-555-0101", "123 Main Street")

	fp, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{})
	require.NoError(t, err)

	assert.Equal(t, 100, fp.ConfidenceScore)
	assert.Equal(t, 0, fp.RiskScore)
	assert.Equal(t, model.StatusValidated, fp.Status)
	assert.Empty(t, fp.Discrepancies)
	assert.False(t, fp.Cached)
	assert.Equal(t, model.SourceRegistry, fp.Fields[model.FieldPhone].Source)

	stored, err := env.store.GetProvider(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, stored.ValidationStatus)
	assert.Equal(t, 100, stored.ConfidenceScore)
	require.NotNil(t, stored.Validated)
	assert.Equal(t, "run-test", stored.Validated.RunID)
	require.NotNil(t, stored.LastValidatedAt)

	events, err := env.store.ListAudit(ctx, store.AuditFilter{ProviderID: id, EventType: model.EventValidated})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	rec.AssertExpectations(t)
}

func TestValidateOne_Discrepancy(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	npi := testNPIs[1]
	id := env.importProvider(t, npi, "(217) 555-0101", "123 Main St")
	env.registry.set(npi, "217-555-0101", "456 Oak Ave")

	fp, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{})
	require.NoError(t, err)

	// npi 100, phone 100, address 1 of 2 agree: (300+200+100)/7.
	assert.Equal(t, 86, fp.ConfidenceScore)
	assert.Equal(t, model.StatusValidated, fp.Status)
	assert.Equal(t, 15, fp.RiskScore)

	addr := fp.Fields[model.FieldAddressLine1]
	assert.True(t, addr.Discrepancy)
	assert.Equal(t, 50, addr.Confidence)
	assert.Equal(t, model.RiskHigh, addr.Risk)
	assert.Equal(t, model.SourceRegistry, addr.Source)

	require.Len(t, fp.Discrepancies, 1)
	d := fp.Discrepancies[0]
	assert.Equal(t, model.FieldAddressLine1, d.FieldName)
	assert.Equal(t, model.DiscrepancyOpen, d.Status)
	assert.Equal(t, "123 Main St", *d.ImportValue)
	assert.Equal(t, "456 Oak Ave", *d.RegistryValue)
	assert.Nil(t, d.EnrichmentValue)
}

func TestValidateOne_RerunIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	npi := testNPIs[2]
	id := env.importProvider(t, npi, "(217) 555-0101", "123 Main St")
	env.registry.set(npi, "217-555-0101", "456 Oak Ave")

	first, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{})
	require.NoError(t, err)
	require.Len(t, first.Discrepancies, 1)

	second, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, second.Discrepancies, 1)
	assert.Equal(t, first.Discrepancies[0].ID, second.Discrepancies[0].ID)
	assert.Equal(t, first.Discrepancies[0].Version, second.Discrepancies[0].Version)
	assert.Equal(t, first.ConfidenceScore, second.ConfidenceScore)

	all, err := env.store.ListDiscrepancies(ctx, store.DiscrepancyFilter{ProviderID: id})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestValidateOne_CachedUnlessForced(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	npi := testNPIs[3]
	id := env.importProvider(t, npi, "(217) 555-0101", "123 Main St")
	env.registry.set(npi, "217-555-0101", "123 Main St")

	_, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, env.registry.callCount())

	cached, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{})
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Equal(t, model.StatusValidated, cached.Status)
	assert.Equal(t, 1, env.registry.callCount())

	fresh, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.Equal(t, 2, env.registry.callCount())
}

func TestValidateOne_RegistryTimeoutDegrades(t *testing.T) {
	env := newTestEnv(t, []collect.Option{
		collect.WithTimeouts(collect.Timeouts{Registry: 50 * time.Millisecond}),
	})
	ctx := context.Background()

	npi := testNPIs[4]
	id := env.importProvider(t, npi, "(217) 555-0101", "123 Main St")
	env.registry.set(npi, "217-555-0101", "123 Main St")
	env.registry.delays[npi] = time.Second

	fp, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{})
	require.NoError(t, err)

	assert.Equal(t, []model.Source{model.SourceRegistry}, fp.Degraded)
	// Import only: every field scores the import trust weight.
	assert.Equal(t, 60, fp.ConfidenceScore)
	assert.Equal(t, model.StatusNeedsReview, fp.Status)
	assert.Empty(t, fp.Discrepancies)

	events, err := env.store.ListAudit(ctx, store.AuditFilter{ProviderID: id, EventType: model.EventSourceDegraded})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "registry")
}

func TestValidateOne_Override(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	npi := testNPIs[5]
	id := env.importProvider(t, npi, "(217) 555-0101", "123 Main St")
	env.registry.set(npi, "217-555-0101", "456 Oak Ave")

	_, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{})
	require.NoError(t, err)

	fp, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{
		Overrides: map[string]reconcile.Override{
			model.FieldAddressLine1: {Value: model.StrPtr("789 Pine Rd"), Notes: "called office"},
		},
	})
	require.NoError(t, err)

	addr := fp.Fields[model.FieldAddressLine1]
	assert.True(t, addr.Override)
	assert.Equal(t, "789 Pine Rd", *addr.Value)

	open, err := env.store.ListDiscrepancies(ctx, store.DiscrepancyFilter{ProviderID: id, Status: model.DiscrepancyOpen})
	require.NoError(t, err)
	assert.Empty(t, open)

	resolved, err := env.store.ListDiscrepancies(ctx, store.DiscrepancyFilter{ProviderID: id, Status: model.DiscrepancyResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Override)
	assert.Equal(t, "called office", resolved[0].Notes)
}

func TestValidateOne_MissingProvider(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("ProviderFailed", mock.AnythingOfType("string")).Once()

	env := newTestEnv(t, nil, WithRecorder(rec))

	_, err := env.pipeline.ValidateOne(context.Background(), testRun(), 999, ValidateOptions{})
	require.Error(t, err)

	var vre *ValidationRunError
	require.True(t, errors.As(err, &vre))
	assert.Equal(t, int64(999), vre.ProviderID)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	rec.AssertExpectations(t)
}

func TestValidateOne_FailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t, nil, WithProviderTimeout(50*time.Millisecond))
	ctx := context.Background()

	npi := testNPIs[6]
	id := env.importProvider(t, npi, "(217) 555-0101", "123 Main St")
	env.registry.block = true

	_, err := env.pipeline.ValidateOne(ctx, testRun(), id, ValidateOptions{})
	require.Error(t, err)

	stored, err := env.store.GetProvider(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.ValidationStatus)
	assert.Nil(t, stored.Validated)
	assert.Equal(t, int64(1), stored.Version)
}
