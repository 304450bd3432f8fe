package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/provider-validator/internal/config"
	"github.com/medatlas/provider-validator/internal/model"
)

func defaultMonitoring() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		HighRiskThreshold:    0.25,
		DLQThreshold:         50,
		LookbackWindowHours:  24,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(defaultMonitoring())

	snap := &Snapshot{
		ProvidersProcessed: 100,
		ProvidersFailed:    2,
		ProviderFailRate:   0.02,
		Directory:          model.DirectorySummary{TotalProviders: 100, HighRiskProviders: 10},
		HighRiskShare:      0.10,
		DLQDepth:           4,
		LookbackHours:      24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(defaultMonitoring())

	snap := &Snapshot{
		ProvidersProcessed: 20,
		ProvidersFailed:    5,
		ProviderFailRate:   0.25,
		LookbackHours:      24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertProviderFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "25.0%")
	assert.Equal(t, 5, alerts[0].Details["failed"])
}

func TestAlerter_Evaluate_HighRiskShare(t *testing.T) {
	a := NewAlerter(defaultMonitoring())

	snap := &Snapshot{
		Directory:     model.DirectorySummary{TotalProviders: 10, HighRiskProviders: 4},
		HighRiskShare: 0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHighRiskShare, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "4 of 10")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(defaultMonitoring())

	snap := &Snapshot{
		ProvidersProcessed: 20,
		ProvidersFailed:    10,
		ProviderFailRate:   0.5,
		Directory:          model.DirectorySummary{TotalProviders: 10, HighRiskProviders: 5},
		HighRiskShare:      0.5,
		DLQDepth:           60,
		LookbackHours:      24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertProviderFailureRate])
	assert.True(t, types[AlertHighRiskShare])
	assert.True(t, types[AlertDLQDepth])
}

func TestAlerter_Evaluate_MinimumProvidersRequired(t *testing.T) {
	a := NewAlerter(defaultMonitoring())

	// Only 3 processed providers, below the minimum for a failure rate alert.
	snap := &Snapshot{
		ProvidersProcessed: 3,
		ProvidersFailed:    2,
		ProviderFailRate:   0.666,
		LookbackHours:      24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_ZeroThresholdsDisable(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &Snapshot{
		ProvidersProcessed: 100,
		ProvidersFailed:    100,
		ProviderFailRate:   1,
		Directory:          model.DirectorySummary{TotalProviders: 1, HighRiskProviders: 1},
		HighRiskShare:      1,
		DLQDepth:           999,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertProviderFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertDLQDepth, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertProviderFailureRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertProviderFailureRate, Message: "test"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 0, sent)
}
