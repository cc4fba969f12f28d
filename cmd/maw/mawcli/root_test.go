package mawcli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/mawerr"
	"github.com/bobisme/maw/internal/merge/conflict"
	"github.com/bobisme/maw/internal/refs"
)

func TestExitCodeFor_NilIsZero(t *testing.T) {
	assert.Equal(t, 0, ExitCodeFor(nil))
}

func TestExitCodeFor_UserErrorsAreOne(t *testing.T) {
	assert.Equal(t, 1, ExitCodeFor(mawerr.InvalidInput("bad")))
	assert.Equal(t, 1, ExitCodeFor(mawerr.NotFound("missing")))
}

func TestExitCodeFor_OtherErrorsAreTwo(t *testing.T) {
	assert.Equal(t, 2, ExitCodeFor(mawerr.MergeConflict([]conflict.Conflict{{Path: "f.txt"}})))
	assert.Equal(t, 2, ExitCodeFor(assert.AnError))
}

// initRepoWithEpoch bootstraps a real git repo with an initial commit and
// a refs/manifold/epoch/current ref pointing at it, then chdirs the test
// process into it, mirroring entire's own t.Chdir-based CLI test pattern.
func initRepoWithEpoch(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	cfg, err := repo.Config()
	require.NoError(t, err)
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	if cfg.Raw == nil {
		cfg.Raw = config.New()
	}
	cfg.Raw.Section("commit").SetOption("gpgsign", "false")
	require.NoError(t, repo.SetConfig(cfg))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	c0, err := wt.Commit("init", &git.CommitOptions{Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()}})
	require.NoError(t, err)

	a := gitx.OpenBare(repo, dir)
	require.NoError(t, a.WriteRefCAS(refs.EpochCurrent(), gitx.ZeroOID, c0))

	t.Chdir(dir)
	return dir
}

func TestRootCmd_VersionPrintsInfo(t *testing.T) {
	initRepoWithEpoch(t)
	Version = "1.2.3"

	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "maw 1.2.3")
}

func TestRootCmd_OutsideGitRepoFailsPreRun(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"version"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, mawerr.Is(err, mawerr.KindInvalidInput))
}

func TestRootCmd_WorkspaceCreateAndList(t *testing.T) {
	dir := initRepoWithEpoch(t)

	create := NewRootCmd()
	createOut := &bytes.Buffer{}
	create.SetOut(createOut)
	create.SetArgs([]string{"workspace", "create", "agent-0"})
	require.NoError(t, create.Execute())
	assert.Contains(t, createOut.String(), filepath.Join(dir, "ws", "agent-0"))

	list := NewRootCmd()
	listOut := &bytes.Buffer{}
	list.SetOut(listOut)
	list.SetArgs([]string{"workspace", "list"})
	require.NoError(t, list.Execute())
	assert.Contains(t, listOut.String(), "agent-0")
}
