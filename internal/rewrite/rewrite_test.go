package rewrite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/refs"
)

func newFixture(t *testing.T) (*gitx.Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return gitx.OpenBare(repo, dir), dir
}

func TestRewrite_FastPathWhenWorkingCopyClean(t *testing.T) {
	a, dir := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("v1"), 0o644))

	wt, err := a.Repository().Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	baseEpoch, err := wt.Commit("base", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@e", When: time.Now()}})
	require.NoError(t, err)

	blobV2, err := a.WriteBlob([]byte("v2"))
	require.NoError(t, err)
	targetTree, err := a.BuildTree([]gitx.TreeEntry{{Path: "a.txt", Mode: filemode.Regular, Hash: blobV2}})
	require.NoError(t, err)

	rw := New(a, refs.NewClock(refs.ResolutionMillis), filepath.Join(dir, ".manifold"))
	res, err := rw.Rewrite(dir, "agent-0", baseEpoch, targetTree, "target")
	require.NoError(t, err)
	assert.True(t, res.FastPath)

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestRewrite_CapturesAndRehydratesUntrackedFile(t *testing.T) {
	a, dir := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("v1"), 0o644))

	wt, err := a.Repository().Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	baseEpoch, err := wt.Commit("base", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@e", When: time.Now()}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("scratch content"), 0o644))

	blobV2, err := a.WriteBlob([]byte("v2"))
	require.NoError(t, err)
	targetTree, err := a.BuildTree([]gitx.TreeEntry{{Path: "a.txt", Mode: filemode.Regular, Hash: blobV2}})
	require.NoError(t, err)

	rw := New(a, refs.NewClock(refs.ResolutionMillis), filepath.Join(dir, ".manifold"))
	res, err := rw.Rewrite(dir, "agent-0", baseEpoch, targetTree, "target")
	require.NoError(t, err)
	assert.False(t, res.FastPath)
	assert.NotEmpty(t, res.RecoveryRef)
	assert.DirExists(t, res.ArtifactsDir)

	gotA, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(gotA))

	gotScratch, err := os.ReadFile(filepath.Join(dir, "scratch.txt"))
	require.NoError(t, err)
	assert.Equal(t, "scratch content", string(gotScratch))
}
