package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/provider-validator/internal/export"
	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/store"
)

// openAddressDiscrepancy validates a provider whose address disagrees with
// the registry and returns the open discrepancy.
func openAddressDiscrepancy(t *testing.T, env *testEnv, npi string) model.Discrepancy {
	t.Helper()
	id := env.importProvider(t, npi, "(217) 555-0101", "123 Main St")
	env.registry.set(npi, "217-555-0101", "456 Oak Ave")

	fp, err := env.service.ValidateProvider(context.Background(), id, ValidateOptions{})
	require.NoError(t, err)
	require.Len(t, fp.Discrepancies, 1)
	return fp.Discrepancies[0]
}

func TestService_ValidateProviderRecordsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	openAddressDiscrepancy(t, env, testNPIs[0])

	runs, err := env.service.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.TriggerSingle, runs[0].Trigger)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	require.NotNil(t, runs[0].Summary)
	assert.Equal(t, 1, runs[0].Summary.Total)
	assert.Equal(t, 1, runs[0].Summary.Validated)

	run, err := env.service.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, run.ID)
}

func TestService_ValidateProviderFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.service.ValidateProvider(ctx, 404, ValidateOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	runs, err := env.service.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, 1, runs[0].Summary.Failed)
	assert.NotEmpty(t, runs[0].Error)
}

func TestService_ResolveDiscrepancy(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := openAddressDiscrepancy(t, env, testNPIs[1])

	resolved, err := env.service.ResolveDiscrepancy(ctx, ResolveRequest{
		ID:         d.ID,
		Status:     model.DiscrepancyResolved,
		Notes:      "confirmed with office",
		FinalValue: model.StrPtr("456 Oak Avenue"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.DiscrepancyResolved, resolved.Status)
	assert.Equal(t, "confirmed with office", resolved.Notes)
	assert.Equal(t, "456 Oak Avenue", *resolved.FinalValue)
	assert.True(t, resolved.Override)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, d.Version+1, resolved.Version)

	events, err := env.store.ListAudit(ctx, store.AuditFilter{ProviderID: d.ProviderID, EventType: model.EventDiscrepancyResolved})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Scores are not recomputed by a resolution.
	p, err := env.store.GetProvider(ctx, d.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, 15, p.RiskScore)

	// Unchanged evidence keeps the reviewed decision on the next run.
	fp, err := env.service.ValidateProvider(ctx, d.ProviderID, ValidateOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "456 Oak Avenue", *fp.Fields[model.FieldAddressLine1].Value)
	open, err := env.service.GetDiscrepancies(ctx, store.DiscrepancyFilter{ProviderID: d.ProviderID, Status: model.DiscrepancyOpen})
	require.NoError(t, err)
	assert.Empty(t, open)

	// New evidence opens a fresh discrepancy.
	env.registry.set(testNPIs[1], "217-555-0101", "900 Elm St")
	_, err = env.service.ValidateProvider(ctx, d.ProviderID, ValidateOptions{Force: true})
	require.NoError(t, err)
	open, err = env.service.GetDiscrepancies(ctx, store.DiscrepancyFilter{ProviderID: d.ProviderID, Status: model.DiscrepancyOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.NotEqual(t, d.ID, open[0].ID)
}

func TestService_ResolveDiscrepancyInvalidTransition(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := openAddressDiscrepancy(t, env, testNPIs[2])

	_, err := env.service.ResolveDiscrepancy(ctx, ResolveRequest{ID: d.ID, Status: model.DiscrepancyOpen})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = env.service.ResolveDiscrepancy(ctx, ResolveRequest{ID: d.ID, Status: model.DiscrepancyResolved})
	require.NoError(t, err)

	_, err = env.service.ResolveDiscrepancy(ctx, ResolveRequest{ID: d.ID, Status: model.DiscrepancyResolved})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = env.service.ResolveDiscrepancy(ctx, ResolveRequest{ID: 999, Status: model.DiscrepancyResolved})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestService_ResolveDiscrepancyVersionConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := openAddressDiscrepancy(t, env, testNPIs[3])

	_, err := env.service.ResolveDiscrepancy(ctx, ResolveRequest{
		ID:              d.ID,
		Status:          model.DiscrepancyResolved,
		ExpectedVersion: d.Version + 5,
	})
	assert.True(t, errors.Is(err, store.ErrConflict))

	got, err := env.store.GetDiscrepancy(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiscrepancyOpen, got.Status)
}

func TestService_SummaryAndExport(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	openAddressDiscrepancy(t, env, testNPIs[4])
	env.importProvider(t, testNPIs[5], "(217) 555-0199", "1 Elm St")

	sum, err := env.service.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalProviders)
	assert.Equal(t, 1, sum.ValidatedProviders)
	assert.Equal(t, 1, sum.PendingProviders)
	assert.Equal(t, 1, sum.OpenDiscrepancies)
	assert.Equal(t, 1, sum.TotalDiscrepancies)

	var buf bytes.Buffer
	res, err := env.service.ExportDirectory(ctx, &buf, export.Options{
		Format: export.FormatCSV,
		Groups: []string{export.GroupConfidence},
		Status: model.StatusValidated,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Providers)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "86", rows[1][1])
}

func TestJoinNotes(t *testing.T) {
	assert.Equal(t, "", joinNotes("", " "))
	assert.Equal(t, "a", joinNotes("a", ""))
	assert.Equal(t, "b", joinNotes("", "b"))
	assert.Equal(t, "a\nb", joinNotes("a", " b "))
}
