package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestInit_WritesJSONLogFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir, "op-1", "info"))
	defer Close()

	Info(context.Background(), "hello", "k", "v")
	Close()

	lines := readLines(t, filepath.Join(dir, DirName, "op-1.log"))
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["msg"])
	assert.Equal(t, "v", lines[0]["k"])
}

func TestInit_EnvVarOverridesConfiguredLevel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(LevelEnvVar, "ERROR")
	require.NoError(t, Init(dir, "op-2", "debug"))
	defer Close()

	Info(context.Background(), "should be dropped")
	Error(context.Background(), "should appear")
	Close()

	lines := readLines(t, filepath.Join(dir, DirName, "op-2.log"))
	require.Len(t, lines, 1)
	assert.Equal(t, "should appear", lines[0]["msg"])
}

func TestLog_IncludesContextAttrs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir, "op-3", "info"))
	defer Close()

	ctx := WithWorkspace(context.Background(), "agent-0")
	ctx = WithMergeID(ctx, "m1")
	ctx = WithPhase(ctx, "BUILD")
	ctx = WithComponent(ctx, "merge")
	Info(ctx, "merging")
	Close()

	lines := readLines(t, filepath.Join(dir, DirName, "op-3.log"))
	require.Len(t, lines, 1)
	assert.Equal(t, "agent-0", lines[0]["workspace"])
	assert.Equal(t, "m1", lines[0]["merge_id"])
	assert.Equal(t, "BUILD", lines[0]["phase"])
	assert.Equal(t, "merge", lines[0]["component"])
}

func TestClose_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir, "op-4", "info"))
	assert.NotPanics(t, func() {
		Close()
		Close()
	})
}

func TestErrAttr_StringsTheError(t *testing.T) {
	attr := ErrAttr(assert.AnError)
	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, assert.AnError.Error(), attr.Value.String())
}
