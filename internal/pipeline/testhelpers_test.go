package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/provider-validator/internal/collect"
	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/store"
)

// Valid NPIs (Luhn check digit with the 80840 prefix).
var testNPIs = []string{
	"1234567802", "1234567810", "1234567828", "1234567836", "1234567844",
	"1234567851", "1234567869", "1234567877", "1234567885", "1234567893",
}

// stubRegistry answers lookups from an in-memory table.
type stubRegistry struct {
	mu      sync.Mutex
	records map[string]model.FieldSet
	delays  map[string]time.Duration
	calls   int
	// block, when set, parks every lookup until ctx is done and closes
	// started on the first call.
	block   bool
	started chan struct{}
	once    sync.Once
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{
		records: make(map[string]model.FieldSet),
		delays:  make(map[string]time.Duration),
		started: make(chan struct{}),
	}
}

func (s *stubRegistry) set(npi, phone, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[npi] = model.FieldSet{
		NPI:          model.StrPtr(npi),
		Phone:        model.StrPtr(phone),
		AddressLine1: model.StrPtr(address),
	}
}

func (s *stubRegistry) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubRegistry) Lookup(ctx context.Context, npi string) (*model.RegistryPayload, error) {
	s.mu.Lock()
	s.calls++
	fs, ok := s.records[npi]
	delay := s.delays[npi]
	block := s.block
	s.mu.Unlock()

	if block {
		s.once.Do(func() { close(s.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &model.RegistryPayload{Found: ok, Fields: fs, FetchedAt: time.Now().UTC()}, nil
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) ProviderValidated(status model.ValidationStatus, degraded []model.Source, d time.Duration) {
	m.Called(status, degraded, d)
}

func (m *mockRecorder) ProviderFailed(errorType string) {
	m.Called(errorType)
}

func (m *mockRecorder) RunCompleted(trigger model.RunTrigger, status model.RunStatus, s *model.RunSummary) {
	m.Called(trigger, status, s)
}

func (m *mockRecorder) OpenDiscrepancies(n int) {
	m.Called(n)
}

func testFields() *model.FieldRegistry {
	return model.NewFieldRegistry([]model.FieldSpec{
		{Name: model.FieldNPI, Type: model.FieldTypeNPI, Weight: 3, Required: true, Critical: true},
		{Name: model.FieldPhone, Type: model.FieldTypePhone, Weight: 2, Required: true, Critical: true},
		{Name: model.FieldAddressLine1, Type: model.FieldTypeAddress, Weight: 2, Required: true, Critical: true},
	})
}

type testEnv struct {
	store    *store.SQLiteStore
	registry *stubRegistry
	pipeline *Pipeline
	runner   *Runner
	service  *Service
}

func newTestEnv(t *testing.T, collectOpts []collect.Option, opts ...Option) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg := testFields()
	registry := newStubRegistry()
	c := collect.New(reg, collect.RecordImport{}, registry, collect.StoreEnrichment{Store: st}, collectOpts...)
	p := New(st, reg, model.DefaultTrustPolicy(), c, opts...)
	r := NewRunner(p, st, 4, 3)
	return &testEnv{
		store:    st,
		registry: registry,
		pipeline: p,
		runner:   r,
		service:  NewService(st, p, r),
	}
}

func (e *testEnv) importProvider(t *testing.T, npi, phone, address string) int64 {
	t.Helper()
	fs := model.FieldSet{
		NPI:          model.StrPtr(npi),
		Phone:        model.StrPtr(phone),
		AddressLine1: model.StrPtr(address),
	}
	p := &model.Provider{
		Fields:     fs,
		SourceFile: "directory.csv",
		Raw:        model.ImportPayload{Fields: fs, SourceFile: "directory.csv", Row: 2, ImportedAt: time.Now().UTC()},
	}
	id, _, err := e.store.UpsertProvider(context.Background(), p)
	require.NoError(t, err)
	return id
}

func testRun() model.RunContext {
	return model.RunContext{RunID: "run-test", Trigger: model.TriggerSingle, StartedAt: time.Now().UTC()}
}
