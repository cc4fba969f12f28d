package recoverui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRef_EmptyChoicesErrorsWithoutPrompting(t *testing.T) {
	_, err := SelectRef(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recovery refs available")
}

func TestChoicesFromRefNames_ParsesWellFormedRefs(t *testing.T) {
	names := []string{
		"refs/manifold/recovery/agent-0/20260101T120000.000Z",
		"refs/manifold/recovery/agent-1/20260101T120500.000Z",
		"refs/heads/main",
	}
	choices := ChoicesFromRefNames(names)
	require.Len(t, choices, 2, "malformed refs are skipped")
	assert.Equal(t, "agent-0", choices[0].Workspace)
	assert.Equal(t, "20260101T120000.000Z", choices[0].Timestamp)
	assert.Equal(t, names[0], choices[0].RefName)
}

func TestChoicesFromRefNames_EmptyInputReturnsEmptySlice(t *testing.T) {
	choices := ChoicesFromRefNames(nil)
	assert.Empty(t, choices)
}

func TestFormatTimestamp_ParsesClockFormat(t *testing.T) {
	assert.Equal(t, "2026-01-01 12:00:00", formatTimestamp("20260101T120000.000Z"))
}

func TestFormatTimestamp_FallsBackOnUnparseableInput(t *testing.T) {
	assert.Equal(t, "not-a-timestamp", formatTimestamp("not-a-timestamp"))
}
