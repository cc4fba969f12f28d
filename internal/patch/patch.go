// Package patch defines maw's patch-set data model: the path-keyed
// representation of a workspace's edits relative to its base epoch, and
// the stable FileId that makes rename handling a mechanical operation
// over a (path, FileId) graph instead of a similarity-threshold guess.
//
// Grounded on the teacher's checkpoint package (path-centric
// ModifiedFiles/NewFiles/DeletedFiles tracking) generalized into a
// typed, keyed patch value per spec §3.
package patch

import (
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
)

// FileId is a 128-bit identifier assigned when a file is first created
// and preserved across renames. A UUID is exactly 128 bits and gives
// collision-free, order-independent identity without similarity
// thresholds; it lives only in maw's patch-set metadata, never in Git's
// path->blob tree model, so Level-0 Git compatibility (log, blame,
// bisect) is unaffected.
type FileId uuid.UUID

// NewFileId generates a fresh, random FileId.
func NewFileId() FileId { return FileId(uuid.New()) }

// String renders the FileId in canonical UUID form.
func (f FileId) String() string { return uuid.UUID(f).String() }

// IsZero reports whether f is the zero value (no FileId assigned).
func (f FileId) IsZero() bool { return f == FileId{} }

// Kind discriminates the variant of a Value.
type Kind int

const (
	KindAdd Kind = iota
	KindDelete
	KindModify
	KindRename
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindDelete:
		return "delete"
	case KindModify:
		return "modify"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Value is one entry of a patch-set: an Add, Delete, Modify, or Rename
// per spec §3. Not every field is populated for every Kind; see the
// constructors below for the valid combinations.
type Value struct {
	Kind Kind

	// Path is the current path of the entry (the target path for a rename).
	Path string
	// OldPath is populated only for KindRename.
	OldPath string

	FileID FileId

	// BaseBlob is the blob OID this entry had in base_epoch (Modify, Delete)
	// or the zero hash (Add, Rename).
	BaseBlob plumbing.Hash
	// NewBlob is the blob OID this entry has on the workspace head (Add,
	// Modify, and Rename-with-content-change); zero for Delete and for a
	// pure rename that did not also change content.
	NewBlob plumbing.Hash
}

// Add constructs an Add patch value.
func Add(path string, blob plumbing.Hash, id FileId) Value {
	return Value{Kind: KindAdd, Path: path, FileID: id, NewBlob: blob}
}

// Delete constructs a Delete patch value.
func Delete(path string, prevBlob plumbing.Hash, id FileId) Value {
	return Value{Kind: KindDelete, Path: path, FileID: id, BaseBlob: prevBlob}
}

// Modify constructs a Modify patch value.
func Modify(path string, base, newBlob plumbing.Hash, id FileId) Value {
	return Value{Kind: KindModify, Path: path, FileID: id, BaseBlob: base, NewBlob: newBlob}
}

// Rename constructs a Rename patch value. newBlob is the zero hash if the
// rename did not also change content.
func Rename(oldPath, newPath string, id FileId, newBlob plumbing.Hash) Value {
	return Value{Kind: KindRename, Path: newPath, OldPath: oldPath, FileID: id, NewBlob: newBlob}
}

// Set is a patch-set: a mapping from path to patch value, keyed by the
// base_epoch it was derived against. A workspace's state is
// (BaseEpoch, Set); its tree is Apply(Set, BaseEpoch.Tree), materialized
// only on demand.
type Set struct {
	BaseEpoch plumbing.Hash
	Entries   map[string]Value
}

// NewSet creates an empty patch-set anchored at baseEpoch.
func NewSet(baseEpoch plumbing.Hash) *Set {
	return &Set{BaseEpoch: baseEpoch, Entries: make(map[string]Value)}
}

// Put inserts or overwrites the patch entry for v's path.
func (s *Set) Put(v Value) {
	if s.Entries == nil {
		s.Entries = make(map[string]Value)
	}
	s.Entries[v.Path] = v
}

// Paths returns all paths touched by this patch-set.
func (s *Set) Paths() []string {
	paths := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		paths = append(paths, p)
	}
	return paths
}

// ByFileID indexes a patch-set's entries by FileId for rename-aware
// union construction during merge collection.
func (s *Set) ByFileID() map[FileId]Value {
	out := make(map[FileId]Value, len(s.Entries))
	for _, v := range s.Entries {
		if !v.FileID.IsZero() {
			out[v.FileID] = v
		}
	}
	return out
}
