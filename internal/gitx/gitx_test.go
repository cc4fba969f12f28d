package gitx

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAdapter initializes a bare-bones repository and wraps it in an
// Adapter without shelling out to discover the toplevel, mirroring the
// teacher's testutil.InitRepo fixture pattern.
func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return OpenBare(repo, dir)
}

func sig() Signature {
	return Signature{Name: "Test User", Email: "test@example.com", When: time.Now()}
}

func TestWriteBlobReadBlobRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	oid, err := a.WriteBlob([]byte("hello world"))
	require.NoError(t, err)

	data, err := a.ReadBlob(oid)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestBuildTreeNestedPaths(t *testing.T) {
	a := newTestAdapter(t)
	blobA, err := a.WriteBlob([]byte("a"))
	require.NoError(t, err)
	blobB, err := a.WriteBlob([]byte("b"))
	require.NoError(t, err)

	treeOID, err := a.BuildTree([]TreeEntry{
		{Path: "top.txt", Mode: filemode.Regular, Hash: blobA},
		{Path: "dir/nested.txt", Mode: filemode.Regular, Hash: blobB},
	})
	require.NoError(t, err)

	tree, err := a.ReadTree(treeOID)
	require.NoError(t, err)

	entry, err := tree.FindEntry("top.txt")
	require.NoError(t, err)
	assert.Equal(t, blobA, entry.Hash)

	entry, err = tree.FindEntry("dir/nested.txt")
	require.NoError(t, err)
	assert.Equal(t, blobB, entry.Hash)
}

func TestCreateCommitAndRevParse(t *testing.T) {
	a := newTestAdapter(t)
	blob, err := a.WriteBlob([]byte("content"))
	require.NoError(t, err)
	treeOID, err := a.BuildTree([]TreeEntry{{Path: "f.txt", Mode: filemode.Regular, Hash: blob}})
	require.NoError(t, err)

	s := sig()
	commitOID, err := a.CreateCommit(nil, treeOID, "initial", s, s)
	require.NoError(t, err)

	got, err := a.RevParse(commitOID.String())
	require.NoError(t, err)
	assert.Equal(t, commitOID, got)
}

func TestRevParseNotFound(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.RevParse("refs/heads/nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteRefCAS_CreateOnly(t *testing.T) {
	a := newTestAdapter(t)
	blob, err := a.WriteBlob([]byte("x"))
	require.NoError(t, err)
	treeOID, err := a.BuildTree([]TreeEntry{{Path: "f.txt", Mode: filemode.Regular, Hash: blob}})
	require.NoError(t, err)
	s := sig()
	commitOID, err := a.CreateCommit(nil, treeOID, "c1", s, s)
	require.NoError(t, err)

	const ref = "refs/manifold/epoch/current"
	require.NoError(t, a.WriteRefCAS(ref, ZeroOID, commitOID))

	got, err := a.ReadRef(ref)
	require.NoError(t, err)
	assert.Equal(t, commitOID, got)
}

func TestWriteRefCAS_CreateOnlyFailsIfExists(t *testing.T) {
	a := newTestAdapter(t)
	s := sig()
	treeOID, err := a.BuildTree(nil)
	require.NoError(t, err)
	c1, err := a.CreateCommit(nil, treeOID, "c1", s, s)
	require.NoError(t, err)

	const ref = "refs/manifold/epoch/current"
	require.NoError(t, a.WriteRefCAS(ref, ZeroOID, c1))

	err = a.WriteRefCAS(ref, ZeroOID, c1)
	assert.ErrorIs(t, err, ErrCasFailed)
}

func TestWriteRefCAS_MismatchFails(t *testing.T) {
	a := newTestAdapter(t)
	s := sig()
	treeOID, err := a.BuildTree(nil)
	require.NoError(t, err)
	c1, err := a.CreateCommit(nil, treeOID, "c1", s, s)
	require.NoError(t, err)
	c2, err := a.CreateCommit([]plumbing.Hash{c1}, treeOID, "c2", s, s)
	require.NoError(t, err)

	const ref = "refs/manifold/epoch/current"
	require.NoError(t, a.WriteRefCAS(ref, ZeroOID, c1))

	err = a.WriteRefCAS(ref, c2, c1) // wrong old value
	assert.ErrorIs(t, err, ErrCasFailed)

	got, err := a.ReadRef(ref)
	require.NoError(t, err)
	assert.Equal(t, c1, got, "failed CAS must not move the ref")
}

func TestAtomicRefUpdate_AllOrNothingRollback(t *testing.T) {
	a := newTestAdapter(t)
	s := sig()
	treeOID, err := a.BuildTree(nil)
	require.NoError(t, err)
	c1, err := a.CreateCommit(nil, treeOID, "c1", s, s)
	require.NoError(t, err)
	c2, err := a.CreateCommit([]plumbing.Hash{c1}, treeOID, "c2", s, s)
	require.NoError(t, err)

	const refA = "refs/manifold/epoch/current"
	const refB = "refs/manifold/head/default"
	require.NoError(t, a.WriteRefCAS(refA, ZeroOID, c1))
	require.NoError(t, a.WriteRefCAS(refB, ZeroOID, c1))

	err = a.AtomicRefUpdate([]RefUpdate{
		{Name: refA, Old: c1, New: c2},
		{Name: refB, Old: c2, New: c2}, // wrong old value on second leg: c1 is actual
	})
	assert.Error(t, err)

	gotA, err := a.ReadRef(refA)
	require.NoError(t, err)
	assert.Equal(t, c1, gotA, "first leg must be rolled back when second leg fails")
}

func TestAtomicRefUpdate_BothLegsSucceed(t *testing.T) {
	a := newTestAdapter(t)
	s := sig()
	treeOID, err := a.BuildTree(nil)
	require.NoError(t, err)
	c1, err := a.CreateCommit(nil, treeOID, "c1", s, s)
	require.NoError(t, err)
	c2, err := a.CreateCommit([]plumbing.Hash{c1}, treeOID, "c2", s, s)
	require.NoError(t, err)

	const refA = "refs/manifold/epoch/current"
	const refB = "refs/manifold/head/default"
	require.NoError(t, a.WriteRefCAS(refA, ZeroOID, c1))
	require.NoError(t, a.WriteRefCAS(refB, ZeroOID, c1))

	require.NoError(t, a.AtomicRefUpdate([]RefUpdate{
		{Name: refA, Old: c1, New: c2},
		{Name: refB, Old: c1, New: c2},
	}))

	gotA, err := a.ReadRef(refA)
	require.NoError(t, err)
	assert.Equal(t, c2, gotA)
	gotB, err := a.ReadRef(refB)
	require.NoError(t, err)
	assert.Equal(t, c2, gotB)
}

func TestDiffTrees_AddModifyDelete(t *testing.T) {
	a := newTestAdapter(t)
	blobA, err := a.WriteBlob([]byte("a-v1"))
	require.NoError(t, err)
	blobB, err := a.WriteBlob([]byte("b"))
	require.NoError(t, err)
	oldTree, err := a.BuildTree([]TreeEntry{
		{Path: "a.txt", Mode: filemode.Regular, Hash: blobA},
		{Path: "b.txt", Mode: filemode.Regular, Hash: blobB},
	})
	require.NoError(t, err)

	blobA2, err := a.WriteBlob([]byte("a-v2"))
	require.NoError(t, err)
	blobC, err := a.WriteBlob([]byte("c"))
	require.NoError(t, err)
	newTree, err := a.BuildTree([]TreeEntry{
		{Path: "a.txt", Mode: filemode.Regular, Hash: blobA2},
		{Path: "c.txt", Mode: filemode.Regular, Hash: blobC},
	})
	require.NoError(t, err)

	changes, err := a.DiffTrees(oldTree, newTree, false)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	byPath := map[string]PathChange{}
	for _, c := range changes {
		byPath[c.effectivePath()] = c
	}
	assert.Equal(t, ChangeModify, byPath["a.txt"].Kind)
	assert.Equal(t, ChangeDelete, byPath["b.txt"].Kind)
	assert.Equal(t, ChangeAdd, byPath["c.txt"].Kind)
}

func TestIsAncestor(t *testing.T) {
	a := newTestAdapter(t)
	s := sig()
	treeOID, err := a.BuildTree(nil)
	require.NoError(t, err)
	c1, err := a.CreateCommit(nil, treeOID, "c1", s, s)
	require.NoError(t, err)
	c2, err := a.CreateCommit([]plumbing.Hash{c1}, treeOID, "c2", s, s)
	require.NoError(t, err)

	assert.True(t, a.IsAncestor(c1, c2))
	assert.True(t, a.IsAncestor(c1, c1))
	assert.False(t, a.IsAncestor(c2, c1))
}
