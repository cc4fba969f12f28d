package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/maw/internal/journal"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "git-worktree", cfg.Workspace.Backend)
	assert.Equal(t, "block", cfg.Merge.Validation.OnFailure)
	assert.Equal(t, 300, cfg.Merge.Validation.TimeoutSeconds)
	assert.Equal(t, "millis", cfg.Recovery.TimestampResolution)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Nil(t, cfg.Telemetry)
}

func TestLoad_NoFilesReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_MainFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `log_level = "debug"

[merge.validation]
command = "make test"
timeout_seconds = 60
on_failure = "warn"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "make test", cfg.Merge.Validation.Command)
	assert.Equal(t, 60, cfg.Merge.Validation.TimeoutSeconds)
	assert.Equal(t, "warn", cfg.Merge.Validation.OnFailure)
	assert.Equal(t, "git-worktree", cfg.Workspace.Backend, "unset fields keep defaults")
}

func TestLoad_LocalFileOverridesMainFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`log_level = "info"`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, LocalFileName), []byte(`log_level = "debug"`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidTomlErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`not = [valid`), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidationTimeout_DefaultsWhenUnset(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, 5*time.Minute, cfg.ValidationTimeout())
}

func TestValidationTimeout_UsesConfiguredSeconds(t *testing.T) {
	cfg := Config{Merge: Merge{Validation: Validation{TimeoutSeconds: 42}}}
	assert.Equal(t, 42*time.Second, cfg.ValidationTimeout())
}

func TestOnFailurePolicy(t *testing.T) {
	cases := map[string]journal.OnFailure{
		"warn":       journal.OnFailureWarn,
		"quarantine": journal.OnFailureQuarantine,
		"block":      journal.OnFailureBlock,
		"":           journal.OnFailureBlock,
		"garbage":    journal.OnFailureBlock,
	}
	for raw, want := range cases {
		cfg := Config{Merge: Merge{Validation: Validation{OnFailure: raw}}}
		assert.Equal(t, want, cfg.OnFailurePolicy())
	}
}

func TestDrivers_ConvertsConfiguredEntries(t *testing.T) {
	cfg := Config{Merge: Merge{Drivers: []Driver{{Match: "*.json", Kind: "merge3", Command: "jsonmerge %B %O %T"}}}}
	got := cfg.Drivers()
	require.Len(t, got, 1)
	assert.Equal(t, "*.json", got[0].Match)
	assert.Equal(t, "jsonmerge %B %O %T", got[0].Command)
}
