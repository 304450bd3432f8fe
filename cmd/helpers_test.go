package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/provider-validator/internal/config"
	"github.com/medatlas/provider-validator/pkg/nppes"
)

func commandNames(cmds []*cobra.Command) map[string]bool {
	out := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		out[c.Name()] = true
	}
	return out
}

// testConfig points cfg at a fresh SQLite database and an offline registry
// fixture built from records.
func testConfig(t *testing.T, records []nppes.Record) string {
	t.Helper()
	dir := t.TempDir()

	data, err := json.Marshal(records)
	require.NoError(t, err)
	fixture := filepath.Join(dir, "nppes.json")
	require.NoError(t, os.WriteFile(fixture, data, 0o600))

	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(dir, "medatlas.db"),
		},
		Log: config.LogConfig{Level: "error", Format: "json"},
		Batch: config.BatchConfig{
			Concurrency:         2,
			ProviderTimeoutSecs: 10,
			DLQMaxRetries:       3,
		},
		Sources: config.SourcesConfig{
			ImportTimeoutSecs:     2,
			RegistryTimeoutSecs:   2,
			EnrichmentTimeoutSecs: 2,
			RegistryCacheSize:     16,
			RegistryCacheTTLSecs:  60,
			RegistryFixture:       fixture,
		},
		Scoring: config.ScoringConfig{
			Trust: config.TrustConfig{Registry: 90, Enrichment: 75, Import: 60},
		},
		Monitoring: config.MonitoringConfig{
			FailureRateThreshold: 0.10,
			HighRiskThreshold:    0.25,
			DLQThreshold:         50,
			LookbackWindowHours:  24,
		},
	}
	return dir
}

// execute runs a command's RunE with its flags reset to defaults.
func execute(t *testing.T, cmd *cobra.Command, args []string, flags map[string]string) (string, error) {
	t.Helper()
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for name, v := range flags {
		require.NoError(t, cmd.Flags().Set(name, v))
	}

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetContext(context.Background())
	err := cmd.RunE(cmd, args)
	return out.String(), err
}
