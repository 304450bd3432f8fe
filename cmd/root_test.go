package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"import", "enrich", "validate", "run", "discrepancies", "summary", "export", "runs", "dlq", "migrate", "monitor"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "medatlas", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestGroupCommands_HaveSubcommands(t *testing.T) {
	tests := []struct {
		name     string
		children map[string]bool
		expected []string
	}{
		{"discrepancies", commandNames(discrepanciesCmd.Commands()), []string{"list", "resolve"}},
		{"runs", commandNames(runsCmd.Commands()), []string{"list", "show"}},
		{"dlq", commandNames(dlqCmd.Commands()), []string{"list", "retry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, name := range tt.expected {
				assert.True(t, tt.children[name], "%s should have subcommand %q", tt.name, name)
			}
		})
	}
}

func TestValidateCommand_Flags(t *testing.T) {
	for _, name := range []string{"npi", "force", "override", "notes", "json"} {
		assert.NotNil(t, validateCmd.Flags().Lookup(name), "validate should have --%s", name)
	}
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"status", "ids", "limit", "force", "concurrency", "metrics-addr", "lock"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
}

func TestExportCommand_Flags(t *testing.T) {
	flag := exportCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "csv", flag.DefValue)
	assert.NotNil(t, exportCmd.Flags().ShorthandLookup("o"))
}

func TestDiscrepanciesListCommand_DefaultLimit(t *testing.T) {
	flag := discrepanciesListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)
}
