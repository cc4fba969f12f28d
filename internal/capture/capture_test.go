package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/refs"
)

func newTestAdapter(t *testing.T) (*gitx.Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return gitx.OpenBare(repo, dir), dir
}

func TestBeforeDestroy_NoUserWorkReturnsErrNoUserWork(t *testing.T) {
	git, dir := newTestAdapter(t)
	c := New(git, refs.NewClock(refs.ResolutionMillis))

	_, err := c.BeforeDestroy(dir, "agent-0", plumbing.ZeroHash)
	assert.ErrorIs(t, err, ErrNoUserWork)
}

func TestCapture_PinsUntrackedFile(t *testing.T) {
	git, dir := newTestAdapter(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("untracked work"), 0o644))

	c := New(git, refs.NewClock(refs.ResolutionMillis))
	rec, err := c.BeforeDestroy(dir, "agent-0", plumbing.ZeroHash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEqual(t, plumbing.ZeroHash, rec.OID)

	ws, ts, ok := refs.ParseRecovery(rec.RefName)
	require.True(t, ok)
	assert.Equal(t, "agent-0", ws)
	assert.Equal(t, rec.Timestamp, ts)

	content, err := ShowFile(git, rec.RefName, "scratch.txt")
	require.NoError(t, err)
	assert.Equal(t, "untracked work", string(content))
}

func TestCapture_CollisionRetriesAdvanceClock(t *testing.T) {
	git, dir := newTestAdapter(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644))

	c := New(git, refs.NewClock(refs.ResolutionMillis))
	rec1, err := c.Capture(dir, "agent-0", plumbing.ZeroHash)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two"), 0o644))
	rec2, err := c.Capture(dir, "agent-0", plumbing.ZeroHash)
	require.NoError(t, err)

	assert.NotEqual(t, rec1.RefName, rec2.RefName)
}

func TestWriteDestroyRecord_WritesTimestampedAndLatestFiles(t *testing.T) {
	git, dir := newTestAdapter(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("work"), 0o644))

	c := New(git, refs.NewClock(refs.ResolutionMillis))
	rec, err := c.BeforeDestroy(dir, "agent-0", plumbing.ZeroHash)
	require.NoError(t, err)

	manifoldDir := filepath.Join(dir, ".manifold")
	require.NoError(t, WriteDestroyRecord(manifoldDir, "agent-0", plumbing.ZeroHash, rec))

	destroyDir := filepath.Join(manifoldDir, "artifacts", "ws", "agent-0", "destroy")
	assert.FileExists(t, filepath.Join(destroyDir, rec.Timestamp+".json"))
	assert.FileExists(t, filepath.Join(destroyDir, "latest.json"))
}

func TestListRecoveryRefs_ReturnsCapturedRefsSortedDescending(t *testing.T) {
	git, dir := newTestAdapter(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644))

	c := New(git, refs.NewClock(refs.ResolutionMillis))
	rec1, err := c.Capture(dir, "agent-0", plumbing.ZeroHash)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two"), 0o644))
	rec2, err := c.Capture(dir, "agent-0", plumbing.ZeroHash)
	require.NoError(t, err)

	names, err := ListRecoveryRefs(git, "agent-0")
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, rec2.RefName, names[0], "most recent capture must sort first")
	assert.Equal(t, rec1.RefName, names[1])
}

func TestSearch_FindsContentInRecoveryRef(t *testing.T) {
	git, dir := newTestAdapter(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("needle in haystack\nother line"), 0o644))

	c := New(git, refs.NewClock(refs.ResolutionMillis))
	rec, err := c.Capture(dir, "agent-0", plumbing.ZeroHash)
	require.NoError(t, err)

	hits, err := Search(git, []string{rec.RefName}, "needle", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "notes.txt", hits[0].Path)
	assert.Equal(t, 1, hits[0].Line)
}

func TestSearch_CaseInsensitive(t *testing.T) {
	git, dir := newTestAdapter(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("NEEDLE here"), 0o644))

	c := New(git, refs.NewClock(refs.ResolutionMillis))
	rec, err := c.Capture(dir, "agent-0", plumbing.ZeroHash)
	require.NoError(t, err)

	hits, err := Search(git, []string{rec.RefName}, "needle", SearchOptions{CaseInsensitive: true})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
