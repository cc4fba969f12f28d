// Package gitx is maw's sole interface to the underlying Git object
// store and ref namespace. No other package may call go-git or shell
// out to git directly; this isolation is what lets every other
// component be reasoned about and is enforced by code-review contract
// per spec §4.1/§4.5's "central chokepoint" design.
//
// Grounded on the teacher's strategy.OpenRepository (linked-worktree
// aware PlainOpen), git_operations.go (author resolution, default
// branch detection), and strategy/common.go (ref/commit plumbing),
// generalized from entire's checkpoint/shadow-branch model to maw's
// epoch/workspace/recovery ref model.
package gitx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/bobisme/maw/internal/failpoint"
)

// ZeroOID is the sentinel "no object" hash used for create-only CAS writes.
var ZeroOID = plumbing.ZeroHash

// ErrNotFound is returned by rev-parse/read-ref lookups that find nothing.
var ErrNotFound = errors.New("gitx: not found")

// ErrCasFailed is returned when a CAS ref write's old value didn't match.
var ErrCasFailed = errors.New("gitx: compare-and-swap failed")

// CheckoutPolicy selects the safety behavior of CheckoutTree.
type CheckoutPolicy int

const (
	// PolicyForceReplace discards working-copy changes. Callers must have
	// proven capture succeeded or has_user_work==false before calling
	// with this policy; together with PolicySafeDetach, which CheckoutTree
	// handles the same way, it can destroy content.
	PolicyForceReplace CheckoutPolicy = iota
	// PolicySafe fails if the working copy is dirty.
	PolicySafe
	// PolicySafeDetach is accepted by CheckoutTree, which makes no check
	// for it (not even the committed-ahead check its name suggests) and
	// proceeds as with PolicyForceReplace.
	PolicySafeDetach
)

// Adapter wraps an opened repository and is the sole gateway for Git
// primitive operations used by the rest of maw.
type Adapter struct {
	repo *git.Repository
	root string // repository root (main worktree) for shelling out `git`
}

// Open opens the repository rooted at dir (or any of its subdirectories),
// with linked-worktree support enabled so operations issued from within
// a workspace's own worktree route correctly between the shared .git
// and the per-worktree state.
func Open(dir string) (*Adapter, error) {
	root, err := toplevel(dir)
	if err != nil {
		root = dir
	}
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		return nil, fmt.Errorf("gitx: open repository: %w", err)
	}
	return &Adapter{repo: repo, root: root}, nil
}

// OpenBare opens a repository directly from its storage path without
// shelling out to discover the toplevel; used by tests constructing
// fixtures with go-git's in-memory/on-disk helpers.
func OpenBare(repo *git.Repository, root string) *Adapter {
	return &Adapter{repo: repo, root: root}
}

// Root returns the main repository root directory.
func (a *Adapter) Root() string { return a.root }

// Repository exposes the underlying go-git handle for packages that need
// read-only access to higher-level go-git helpers (e.g. object.Tree
// walking) without duplicating it behind this adapter's surface.
func (a *Adapter) Repository() *git.Repository { return a.repo }

func toplevel(dir string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// RevParse resolves a revspec (branch, tag, short hash, HEAD, etc.) to an OID.
func (a *Adapter) RevParse(revspec string) (plumbing.Hash, error) {
	h, err := a.repo.ResolveRevision(plumbing.Revision(revspec))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, ErrNotFound
		}
		return plumbing.ZeroHash, fmt.Errorf("gitx: rev-parse %q: %w", revspec, err)
	}
	return *h, nil
}

// RevParseIn resolves revspec (typically HEAD) inside a specific linked
// worktree directory rather than the adapter's main repository object,
// via `git -C <path> rev-parse`. go-git's single in-process Repository
// handle reflects whichever worktree it was opened against; per-
// workspace HEAD resolution needs the real git binary scoped to that
// worktree's own .git file.
func (a *Adapter) RevParseIn(path, revspec string) (plumbing.Hash, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", revspec).Output()
	if err != nil {
		return plumbing.ZeroHash, ErrNotFound
	}
	return plumbing.NewHash(strings.TrimSpace(string(out))), nil
}

// ReadRef returns the OID a ref points to, or ErrNotFound.
func (a *Adapter) ReadRef(name string) (plumbing.Hash, error) {
	ref, err := a.repo.Reference(plumbing.ReferenceName(name), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, ErrNotFound
		}
		return plumbing.ZeroHash, fmt.Errorf("gitx: read ref %s: %w", name, err)
	}
	return ref.Hash(), nil
}

// WriteRefCAS writes name to point at newOID, succeeding only if its
// current value matches oldOID (ZeroOID for a create-only write).
// Grounded directly on go-git's storer.CheckAndSetReference, which
// implements exactly this compare-and-swap contract at the storage layer.
func (a *Adapter) WriteRefCAS(name string, oldOID, newOID plumbing.Hash) error {
	if err := failpoint.Hit(failpoint.BeforeCASWrite); err != nil {
		return err
	}
	refName := plumbing.ReferenceName(name)
	newRef := plumbing.NewHashReference(refName, newOID)

	var oldRef *plumbing.Reference
	if oldOID != ZeroOID {
		oldRef = plumbing.NewHashReference(refName, oldOID)
	}
	// CheckAndSetReference treats a nil old ref as "must not already exist"
	// only when the storer honors that contract; go-git's filesystem storer
	// does, matching the create-only semantics spec requires for oldOID==Zero.
	if oldOID == ZeroOID {
		existing, err := a.repo.Reference(refName, false)
		if err == nil && existing != nil {
			return fmt.Errorf("%w: ref %s already exists at %s", ErrCasFailed, name, existing.Hash())
		}
	}
	if err := a.repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		return fmt.Errorf("%w: %v", ErrCasFailed, err)
	}
	return failpoint.Hit(failpoint.AfterCASWrite)
}

// RefUpdate is one leg of an AtomicRefUpdate.
type RefUpdate struct {
	Name     string
	Old, New plumbing.Hash
}

// AtomicRefUpdate applies every update or none. go-git's storer has no
// native multi-ref transaction primitive, so this performs the updates
// as sequential CAS operations in the given order and rolls back any
// already-applied legs if a later one fails to swap. Per spec §4.1 this
// is the documented two-step emulation; callers in the COMMIT phase
// additionally guard against a torn state with recover_partial_commit
// rather than relying on this rollback alone, since a process crash
// between legs cannot be rolled back by code that never resumes.
func (a *Adapter) AtomicRefUpdate(updates []RefUpdate) error {
	applied := make([]RefUpdate, 0, len(updates))
	for i, u := range updates {
		if i > 0 {
			if err := failpoint.Hit(failpoint.MergeCommitBetweenCAS); err != nil {
				for j := len(applied) - 1; j >= 0; j-- {
					_ = a.WriteRefCAS(applied[j].Name, applied[j].New, applied[j].Old)
				}
				return err
			}
		}
		if err := a.WriteRefCAS(u.Name, u.Old, u.New); err != nil {
			// Roll back legs already applied, best-effort, in reverse order.
			for i := len(applied) - 1; i >= 0; i-- {
				_ = a.WriteRefCAS(applied[i].Name, applied[i].New, applied[i].Old)
			}
			return err
		}
		applied = append(applied, u)
	}
	return nil
}

// ReadBlob returns the content of the blob identified by oid.
func (a *Adapter) ReadBlob(oid plumbing.Hash) ([]byte, error) {
	blob, err := a.repo.BlobObject(oid)
	if err != nil {
		return nil, fmt.Errorf("gitx: read blob %s: %w", oid, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteBlob writes content as a new blob and returns its OID.
func (a *Adapter) WriteBlob(content []byte) (plumbing.Hash, error) {
	obj := a.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return a.repo.Storer.SetEncodedObject(obj)
}

// TreeEntry is one path entry used to build a tree with BuildTree.
type TreeEntry struct {
	Path string
	Mode filemode.FileMode
	Hash plumbing.Hash
}

// ReadTree returns the go-git Tree object for oid.
func (a *Adapter) ReadTree(oid plumbing.Hash) (*object.Tree, error) {
	t, err := a.repo.TreeObject(oid)
	if err != nil {
		return nil, fmt.Errorf("gitx: read tree %s: %w", oid, err)
	}
	return t, nil
}

// BuildTree writes a (possibly nested) tree from flat path entries and
// returns its OID. Entries are grouped into subtrees by directory
// component and written bottom-up so parent trees reference already
// materialized child OIDs.
func (a *Adapter) BuildTree(entries []TreeEntry) (plumbing.Hash, error) {
	type node struct {
		files map[string]TreeEntry
		dirs  map[string]*node
	}
	root := &node{files: map[string]TreeEntry{}, dirs: map[string]*node{}}

	for _, e := range entries {
		parts := strings.Split(e.Path, "/")
		cur := root
		for i, part := range parts[:len(parts)-1] {
			_ = i
			child, ok := cur.dirs[part]
			if !ok {
				child = &node{files: map[string]TreeEntry{}, dirs: map[string]*node{}}
				cur.dirs[part] = child
			}
			cur = child
		}
		leaf := parts[len(parts)-1]
		cur.files[leaf] = TreeEntry{Path: leaf, Mode: e.Mode, Hash: e.Hash}
	}

	var writeNode func(n *node) (plumbing.Hash, error)
	writeNode = func(n *node) (plumbing.Hash, error) {
		tree := &object.Tree{}
		names := make([]string, 0, len(n.files)+len(n.dirs))
		for name := range n.files {
			names = append(names, name)
		}
		for name := range n.dirs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if fe, ok := n.files[name]; ok {
				tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: fe.Mode, Hash: fe.Hash})
				continue
			}
			childHash, err := writeNode(n.dirs[name])
			if err != nil {
				return plumbing.ZeroHash, err
			}
			tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: childHash})
		}

		obj := a.repo.Storer.NewEncodedObject()
		obj.SetType(plumbing.TreeObject)
		if err := tree.Encode(obj); err != nil {
			return plumbing.ZeroHash, err
		}
		return a.repo.Storer.SetEncodedObject(obj)
	}

	return writeNode(root)
}

// Signature identifies a commit author or committer.
type Signature struct {
	Name, Email string
	When        time.Time
}

// CreateCommit writes a new commit object with the given parents and
// tree and returns its OID. This bypasses the index entirely, matching
// spec §4.1's commit_directly_from_tree contract; maw never uses a
// staging-area commit path.
func (a *Adapter) CreateCommit(parents []plumbing.Hash, tree plumbing.Hash, message string, author, committer Signature) (plumbing.Hash, error) {
	commit := &object.Commit{
		Author:       object.Signature{Name: author.Name, Email: author.Email, When: author.When},
		Committer:    object.Signature{Name: committer.Name, Email: committer.Email, When: committer.When},
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := a.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return a.repo.Storer.SetEncodedObject(obj)
}

// CommitDirectlyFromTree is an alias for CreateCommit kept to mirror the
// adapter contract name used in spec §4.1 verbatim.
func (a *Adapter) CommitDirectlyFromTree(message string, parents []plumbing.Hash, tree plumbing.Hash, author, committer Signature) (plumbing.Hash, error) {
	return a.CreateCommit(parents, tree, message, author, committer)
}

// StatusReport enumerates the working-copy state of a path relative to the index/HEAD.
// Only the keys of Staged and Unstaged carry information: Status stores
// plumbing.ZeroHash for every value and does not record blob OIDs.
type StatusReport struct {
	Staged           map[string]plumbing.Hash // path changed in the index
	Unstaged         map[string]plumbing.Hash // path changed in the worktree relative to the index
	UntrackedNonIgnored []string
}

// Status inspects the worktree rooted at worktreePath (a main checkout or
// a linked worktree directory) and reports staged/unstaged/untracked state.
// Shelling out to `git status --porcelain=v2` is used here rather than
// go-git's own Worktree.Status, which does not reliably reflect state in
// linked worktrees opened with EnableDotGitCommonDir; this mirrors the
// teacher's own reliance on the git CLI for operations go-git's linked
// worktree support does not fully cover.
func (a *Adapter) Status(worktreePath string) (*StatusReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", worktreePath, "status", "--porcelain=v2", "--untracked-files=all", "--ignored=no")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gitx: status: %w", err)
	}

	report := &StatusReport{
		Staged:              map[string]plumbing.Hash{},
		Unstaged:            map[string]plumbing.Hash{},
		UntrackedNonIgnored: []string{},
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		switch line[0] {
		case '1', '2': // ordinary / rename-copy changed entries
			fields := strings.SplitN(line, " ", 9)
			if len(fields) < 9 {
				continue
			}
			xy := fields[1]
			path := fields[8]
			if len(xy) == 2 {
				if xy[0] != '.' {
					report.Staged[path] = plumbing.ZeroHash
				}
				if xy[1] != '.' {
					report.Unstaged[path] = plumbing.ZeroHash
				}
			}
		case '?':
			path := strings.TrimSpace(line[2:])
			report.UntrackedNonIgnored = append(report.UntrackedNonIgnored, path)
		}
	}
	sort.Strings(report.UntrackedNonIgnored)
	return report, nil
}

// HasUserWork reports whether worktreePath has any staged or unstaged
// diff against baseEpoch's tree, or any untracked non-ignored file.
func (a *Adapter) HasUserWork(worktreePath string, baseEpoch plumbing.Hash) (bool, error) {
	status, err := a.Status(worktreePath)
	if err != nil {
		return false, err
	}
	if len(status.UntrackedNonIgnored) > 0 {
		return true, nil
	}
	if baseEpoch == plumbing.ZeroHash {
		return len(status.Staged) > 0 || len(status.Unstaged) > 0, nil
	}
	for _, extra := range [][]string{{"--cached"}, nil} {
		args := append([]string{"-C", worktreePath, "diff", "--quiet"}, extra...)
		err := exec.Command("git", append(args, baseEpoch.String(), "--")...).Run()
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("gitx: diff against base epoch: %w", err)
		}
	}
	return false, nil
}

// CheckoutTree materializes treeOID into worktreePath according to policy.
// Only PolicySafe checks the worktree first (and refuses if it is dirty);
// PolicyForceReplace and PolicySafeDetach discard existing content.
// PolicyForceReplace is used by internal/rewrite, by merge's VALIDATE
// phase (into a fresh temp directory) and by workspace.RestoreTo (into
// the workspace it has just created).
func (a *Adapter) CheckoutTree(worktreePath string, treeOID plumbing.Hash, policy CheckoutPolicy) error {
	if policy == PolicySafe {
		report, err := a.Status(worktreePath)
		if err != nil {
			return err
		}
		if len(report.Staged) > 0 || len(report.Unstaged) > 0 || len(report.UntrackedNonIgnored) > 0 {
			return fmt.Errorf("gitx: checkout refused: %s is dirty", worktreePath)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// `git read-tree` + `git checkout-index -a -f` gives us a tree-only
	// checkout without touching refs or HEAD history, appropriate for
	// materializing an arbitrary tree (including a candidate merge tree
	// that is not yet any branch's HEAD).
	readTree := exec.CommandContext(ctx, "git", "-C", worktreePath, "read-tree", "--reset", "-u", treeOID.String())
	if out, err := readTree.CombinedOutput(); err != nil {
		return fmt.Errorf("gitx: read-tree: %w: %s", err, out)
	}
	checkoutIndex := exec.CommandContext(ctx, "git", "-C", worktreePath, "checkout-index", "-a", "-f")
	if out, err := checkoutIndex.CombinedOutput(); err != nil {
		return fmt.Errorf("gitx: checkout-index: %w: %s", err, out)
	}
	// Remove files present in the old worktree but absent from the new
	// tree: checkout-index only writes entries present in the index, it
	// does not prune extras.
	clean := exec.CommandContext(ctx, "git", "-C", worktreePath, "clean", "-fd", "--exclude=.manifold")
	if out, err := clean.CombinedOutput(); err != nil {
		return fmt.Errorf("gitx: clean: %w: %s", err, out)
	}
	return nil
}

// IsAncestor reports whether maybeAncestor is an ancestor of (or equal
// to) descendant.
func (a *Adapter) IsAncestor(maybeAncestor, descendant plumbing.Hash) bool {
	if maybeAncestor == descendant {
		return true
	}
	iter, err := a.repo.Log(&git.LogOptions{From: descendant})
	if err != nil {
		return false
	}
	defer iter.Close()

	found := false
	_ = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == maybeAncestor {
			found = true
			return storerStop
		}
		return nil
	})
	return found
}

var storerStop = errors.New("gitx: stop iteration")

// WorktreeInfo describes one entry from `git worktree list`.
type WorktreeInfo struct {
	Path   string
	Head   plumbing.Hash
	Branch string // empty if detached
}

// WorktreeAdd creates a new linked worktree at path checked out at
// refOrOID. go-git v5 has no native support for creating linked
// worktrees (only for operating from within one), so this shells out
// to `git worktree add`, exactly as the teacher's workspace isolation
// relies on git-native worktree plumbing underneath its go-git reads.
func (a *Adapter) WorktreeAdd(path, refOrOID string, detached bool) error {
	args := []string{"-C", a.root, "worktree", "add"}
	if detached {
		args = append(args, "--detach")
	}
	args = append(args, path, refOrOID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("gitx: worktree add: %w: %s", err, out)
	}
	return nil
}

// WorktreeRemove removes a linked worktree. force allows removal even
// if the worktree's working copy is dirty; callers must have captured
// first per spec §4.5's capture-gated contract.
func (a *Adapter) WorktreeRemove(path string, force bool) error {
	args := []string{"-C", a.root, "worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("gitx: worktree remove: %w: %s", err, out)
	}
	return nil
}

// WorktreeList enumerates all linked worktrees known to the repository.
func (a *Adapter) WorktreeList() ([]WorktreeInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "-C", a.root, "worktree", "list", "--porcelain").Output()
	if err != nil {
		return nil, fmt.Errorf("gitx: worktree list: %w", err)
	}

	var infos []WorktreeInfo
	var cur *WorktreeInfo
	for _, line := range strings.Split(string(out), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				infos = append(infos, *cur)
			}
			cur = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if cur != nil {
				cur.Head = plumbing.NewHash(strings.TrimPrefix(line, "HEAD "))
			}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		}
	}
	if cur != nil {
		infos = append(infos, *cur)
	}
	return infos, nil
}

// PathChange describes one changed path from DiffTrees.
type PathChange struct {
	Kind         patchChangeKind
	Path, OldPath string
	OldHash, NewHash plumbing.Hash
	OldMode, NewMode filemode.FileMode
}

type patchChangeKind int

const (
	ChangeAdd patchChangeKind = iota
	ChangeDelete
	ChangeModify
	ChangeRename
)

// DiffTrees compares two trees and returns path-level changes, with
// optional rename detection (content-similarity based, go-git's
// object.DiffTree followed by object.DetectRenames).
func (a *Adapter) DiffTrees(oldOID, newOID plumbing.Hash, renameDetection bool) ([]PathChange, error) {
	var oldTree, newTree *object.Tree
	var err error
	if oldOID != plumbing.ZeroHash {
		oldTree, err = a.repo.TreeObject(oldOID)
		if err != nil {
			return nil, err
		}
	}
	if newOID != plumbing.ZeroHash {
		newTree, err = a.repo.TreeObject(newOID)
		if err != nil {
			return nil, err
		}
	}

	changes, err := object.DiffTree(oldTree, newTree)
	if err != nil {
		return nil, fmt.Errorf("gitx: diff trees: %w", err)
	}
	if renameDetection {
		changes, err = object.DetectRenames(changes, &object.DiffTreeOptions{DetectRenames: true, RenameScore: 60, RenameLimit: 10000})
		if err != nil {
			return nil, fmt.Errorf("gitx: detect renames: %w", err)
		}
	}

	out := make([]PathChange, 0, len(changes))
	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return nil, err
		}
		from, to, err := c.Files()
		if err != nil {
			return nil, err
		}
		pc := PathChange{}
		if from != nil {
			pc.OldPath = from.Name
			pc.OldHash = from.Hash
			pc.OldMode = from.Mode
		}
		if to != nil {
			pc.Path = to.Name
			pc.NewHash = to.Hash
			pc.NewMode = to.Mode
		}
		switch action {
		case merkletrie.Insert:
			pc.Kind = ChangeAdd
		case merkletrie.Delete:
			pc.Kind = ChangeDelete
		case merkletrie.Modify:
			pc.Kind = ChangeModify
		}
		if pc.OldPath != "" && pc.Path != "" && pc.OldPath != pc.Path {
			pc.Kind = ChangeRename
		}
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].effectivePath() < out[j].effectivePath() })
	return out, nil
}

func (p PathChange) effectivePath() string {
	if p.Path != "" {
		return p.Path
	}
	return p.OldPath
}

// ReadWorkingFile reads a file's content directly from worktreePath,
// bypassing the index, for use when building a capture tree from the
// live working copy (tracked content must reflect the worktree version,
// not the index, per spec §4.4 step 2).
func (a *Adapter) ReadWorkingFile(worktreePath, relPath string) ([]byte, os.FileMode, error) {
	full := filepath.Join(worktreePath, filepath.FromSlash(relPath))
	info, err := os.Lstat(full)
	if err != nil {
		return nil, 0, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(full)
		if err != nil {
			return nil, 0, err
		}
		return []byte(target), info.Mode(), nil
	}
	data, err := os.ReadFile(full) //nolint:gosec // path is joined from a validated worktree root
	return data, info.Mode(), err
}

// DiffPatch runs `git diff` scoped to worktreePath producing a unified
// patch against ref, used by the rewrite primitive to derive user
// deltas. staged selects `--cached` (index vs ref); otherwise the
// worktree is compared with ref, staged changes included.
func (a *Adapter) DiffPatch(worktreePath, ref string, staged bool) ([]byte, error) {
	args := []string{"-C", worktreePath, "diff", "--binary"}
	if staged {
		args = append(args, "--cached", ref)
	} else {
		args = append(args, ref, "--") // worktree vs ref includes staged changes; callers needing worktree-vs-index use UnstagedPatch below
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 {
			return out, nil // git diff exits 1 when there are differences; not an error
		}
		return nil, fmt.Errorf("gitx: diff: %w", err)
	}
	return out, nil
}

// UnstagedPatch returns the worktree-vs-index diff (unstaged changes).
func (a *Adapter) UnstagedPatch(worktreePath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "-C", worktreePath, "diff", "--binary").Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 {
			return out, nil
		}
		return nil, fmt.Errorf("gitx: unstaged diff: %w", err)
	}
	return out, nil
}

// StagedPatch returns the index-vs-baseRef diff (staged changes).
func (a *Adapter) StagedPatch(worktreePath, baseRef string) ([]byte, error) {
	return a.DiffPatch(worktreePath, baseRef, true)
}

// UntrackedFiles lists untracked, non-ignored files in worktreePath.
func (a *Adapter) UntrackedFiles(worktreePath string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "-C", worktreePath, "ls-files", "--others", "--exclude-standard").Output()
	if err != nil {
		return nil, fmt.Errorf("gitx: ls-files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// ApplyPatch applies a unified patch (as produced by DiffPatch) to
// worktreePath. toIndex also stages the result via `--cached`.
func (a *Adapter) ApplyPatch(worktreePath string, patchContent []byte, toIndex bool) error {
	if len(bytes.TrimSpace(patchContent)) == 0 {
		return nil
	}
	args := []string{"-C", worktreePath, "apply", "--binary", "--whitespace=nowarn"}
	if toIndex {
		args = append(args, "--cached")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stdin = bytes.NewReader(patchContent)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gitx: apply patch: %w: %s", err, out)
	}
	return nil
}

// AuthorFromConfig resolves user.name/user.email from local then global
// git config, falling back to the `git config` CLI when go-git's config
// reader can't locate it (e.g. differing HOME in hook/test contexts),
// matching the teacher's layered GetGitAuthor fallback.
func (a *Adapter) AuthorFromConfig() Signature {
	cfg, err := a.repo.ConfigScoped(0)
	name, email := "maw", "maw@localhost"
	if err == nil && cfg != nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}
	if name == "maw" {
		if v := gitConfigValue("user.name"); v != "" {
			name = v
		}
	}
	if email == "maw@localhost" {
		if v := gitConfigValue("user.email"); v != "" {
			email = v
		}
	}
	return Signature{Name: name, Email: email, When: time.Now()}
}

func gitConfigValue(key string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "config", "--get", key).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
