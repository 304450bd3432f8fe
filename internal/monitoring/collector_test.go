package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/store"
)

// mockStore implements Store for testing.
type mockStore struct {
	runs       []model.Run
	summary    model.DirectorySummary
	dlqCount   int
	listErr    error
	summaryErr error
	dlqErr     error
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var filtered []model.Run
	for _, r := range m.runs {
		if !filter.StartedAfter.IsZero() && !r.StartedAt.After(filter.StartedAfter) {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

func (m *mockStore) Summary(context.Context) (*model.DirectorySummary, error) {
	if m.summaryErr != nil {
		return nil, m.summaryErr
	}
	s := m.summary
	return &s, nil
}

func (m *mockStore) CountDLQ(context.Context) (int, error) {
	return m.dlqCount, m.dlqErr
}

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(&mockStore{})

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.RunsTotal)
	assert.Equal(t, 0, snap.ProvidersProcessed)
	assert.Equal(t, 0.0, snap.ProviderFailRate)
	assert.Equal(t, 0.0, snap.HighRiskShare)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_RunMetrics(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		runs: []model.Run{
			{ID: "1", Status: model.RunStatusComplete, StartedAt: now.Add(-1 * time.Hour),
				Summary: &model.RunSummary{Total: 10, Validated: 7, NeedsReview: 1, Failed: 2, Degraded: 1}},
			{ID: "2", Status: model.RunStatusCancelled, StartedAt: now.Add(-2 * time.Hour),
				Summary: &model.RunSummary{Total: 5, Validated: 2, Skipped: 3}},
			{ID: "3", Status: model.RunStatusFailed, StartedAt: now.Add(-3 * time.Hour),
				Summary: &model.RunSummary{Total: 1, Failed: 1}},
			{ID: "4", Status: model.RunStatusRunning, StartedAt: now.Add(-10 * time.Minute)},
			// Outside the lookback window.
			{ID: "5", Status: model.RunStatusFailed, StartedAt: now.Add(-48 * time.Hour),
				Summary: &model.RunSummary{Total: 50, Failed: 50}},
		},
		summary: model.DirectorySummary{
			TotalProviders:    20,
			HighRiskProviders: 5,
			OpenDiscrepancies: 9,
		},
		dlqCount: 3,
	}

	snap, err := NewCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsCancelled)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	// 8 + 2 from run 1, 2 from run 2, 1 from run 3.
	assert.Equal(t, 13, snap.ProvidersProcessed)
	assert.Equal(t, 3, snap.ProvidersFailed)
	assert.Equal(t, 1, snap.ProvidersDegraded)
	assert.InDelta(t, 3.0/13.0, snap.ProviderFailRate, 0.001)
	assert.InDelta(t, 0.25, snap.HighRiskShare, 0.001)
	assert.Equal(t, 9, snap.Directory.OpenDiscrepancies)
	assert.Equal(t, 3, snap.DLQDepth)
}

func TestCollector_Errors(t *testing.T) {
	boom := errors.New("boom")

	_, err := NewCollector(&mockStore{listErr: boom}).Collect(context.Background(), 24)
	assert.ErrorIs(t, err, boom)

	_, err = NewCollector(&mockStore{summaryErr: boom}).Collect(context.Background(), 24)
	assert.ErrorIs(t, err, boom)

	_, err = NewCollector(&mockStore{dlqErr: boom}).Collect(context.Background(), 24)
	assert.ErrorIs(t, err, boom)
}
