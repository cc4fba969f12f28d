package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/maw/internal/capture"
	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/refs"
)

func newFixture(t *testing.T) (*gitx.Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("v1"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	_, err = wt.Commit("base", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@e", When: time.Now()}})
	require.NoError(t, err)
	return gitx.OpenBare(repo, dir), dir
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("agent-0"))
	assert.NoError(t, ValidateName("merge-quarantine/abc123"))
	assert.Error(t, ValidateName("Agent-0"))
	assert.Error(t, ValidateName(""))
}

func TestCreate_RejectsReservedName(t *testing.T) {
	a, _ := newFixture(t)
	b := New(a, refs.NewClock(refs.ResolutionMillis))
	baseEpoch, err := a.RevParse("HEAD")
	require.NoError(t, err)

	_, err = b.Create(DefaultName, baseEpoch)
	assert.Error(t, err)
}

func TestCreate_MaterializesWorktreeAtBaseEpoch(t *testing.T) {
	a, _ := newFixture(t)
	b := New(a, refs.NewClock(refs.ResolutionMillis))
	baseEpoch, err := a.RevParse("HEAD")
	require.NoError(t, err)

	path, err := b.Create("agent-0", baseEpoch)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(path, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestCreate_IsResumable(t *testing.T) {
	a, _ := newFixture(t)
	b := New(a, refs.NewClock(refs.ResolutionMillis))
	baseEpoch, err := a.RevParse("HEAD")
	require.NoError(t, err)

	path1, err := b.Create("agent-0", baseEpoch)
	require.NoError(t, err)
	path2, err := b.Create("agent-0", baseEpoch)
	require.NoError(t, err)
	assert.Equal(t, path1, path2)
}

func TestStatus_ReportsCleanThenDirty(t *testing.T) {
	a, _ := newFixture(t)
	b := New(a, refs.NewClock(refs.ResolutionMillis))
	baseEpoch, err := a.RevParse("HEAD")
	require.NoError(t, err)

	path, err := b.Create("agent-0", baseEpoch)
	require.NoError(t, err)

	status, err := b.Status("agent-0")
	require.NoError(t, err)
	assert.False(t, status.Dirty)

	require.NoError(t, os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("x"), 0o644))
	status, err = b.Status("agent-0")
	require.NoError(t, err)
	assert.True(t, status.Dirty)
}

func TestList_EnumeratesCreatedWorkspaces(t *testing.T) {
	a, _ := newFixture(t)
	b := New(a, refs.NewClock(refs.ResolutionMillis))
	baseEpoch, err := a.RevParse("HEAD")
	require.NoError(t, err)

	_, err = b.Create("agent-0", baseEpoch)
	require.NoError(t, err)
	_, err = b.Create("agent-1", baseEpoch)
	require.NoError(t, err)

	list, err := b.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "agent-0", list[0].Name)
	assert.Equal(t, "agent-1", list[1].Name)
}

func TestDestroy_RejectsDefault(t *testing.T) {
	a, _ := newFixture(t)
	b := New(a, refs.NewClock(refs.ResolutionMillis))
	assert.Error(t, b.Destroy(DefaultName))
}

func TestDestroy_CapturesDirtyWorkBeforeRemoving(t *testing.T) {
	a, _ := newFixture(t)
	b := New(a, refs.NewClock(refs.ResolutionMillis))
	baseEpoch, err := a.RevParse("HEAD")
	require.NoError(t, err)

	path, err := b.Create("agent-0", baseEpoch)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("important"), 0o644))

	require.NoError(t, b.Destroy("agent-0"))

	names, err := capture.ListRecoveryRefs(a, "agent-0")
	require.NoError(t, err)
	assert.NotEmpty(t, names, "destroy must pin a recovery ref for uncaptured work")

	list, err := b.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRestoreTo_PopulatesNewWorkspaceFromRecoverySnapshot(t *testing.T) {
	a, dir := newFixture(t)
	b := New(a, refs.NewClock(refs.ResolutionMillis))
	baseEpoch, err := a.RevParse("HEAD")
	require.NoError(t, err)

	path, err := b.Create("agent-0", baseEpoch)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("snapshot content"), 0o644))

	rec, err := capture.New(a, refs.NewClock(refs.ResolutionMillis)).Capture(path, "agent-0", baseEpoch)
	require.NoError(t, err)

	require.NoError(t, b.RestoreTo(rec.RefName, "restored"))

	got, err := os.ReadFile(filepath.Join(dir, "ws", "restored", "scratch.txt"))
	require.NoError(t, err)
	assert.Equal(t, "snapshot content", string(got))
}
