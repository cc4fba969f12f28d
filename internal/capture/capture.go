// Package capture implements the capture/recovery surface (spec §4.4):
// pinning a working copy's full state (tracked + untracked non-ignored
// content) into a recovery commit before any destructive operation
// proceeds, and the search/restore/list operations that read pinned
// snapshots back.
//
// Grounded on the teacher's checkpoint.Store, which already builds a
// tree from working-copy state and commits it under a dedicated ref
// namespace (entire/sessions) as a durable record of agent activity;
// this package generalizes that write path into maw's recovery-ref
// contract and adds the search/restore operations spec §4.4 names.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/bobisme/maw/internal/failpoint"
	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/logging"
	"github.com/bobisme/maw/internal/mawerr"
	"github.com/bobisme/maw/internal/refs"
)

// MaxCollisionRetries bounds the create-only CAS retry loop in Capture
// before giving up with CollisionExhausted.
const MaxCollisionRetries = 8

// Record describes a successfully pinned recovery snapshot.
type Record struct {
	RefName   string
	OID       plumbing.Hash
	Timestamp string
}

// ErrNoUserWork is returned when the working copy has nothing to capture.
var ErrNoUserWork = fmt.Errorf("capture: no user work to capture")

// ErrCollisionExhausted is returned when every retry of the create-only
// CAS write collided with an existing ref.
var ErrCollisionExhausted = fmt.Errorf("capture: exhausted collision retries")

// Capturer pins working-copy snapshots into recovery refs.
type Capturer struct {
	git   *gitx.Adapter
	clock *refs.Clock
}

// New returns a Capturer using git for object/ref operations and clock
// to name recovery refs.
func New(git *gitx.Adapter, clock *refs.Clock) *Capturer {
	return &Capturer{git: git, clock: clock}
}

// BeforeDestroy implements capture_before_destroy: it proves
// has_user_work first and returns ErrNoUserWork if there is nothing to
// snapshot, otherwise builds and pins a recovery commit.
func (c *Capturer) BeforeDestroy(wsPath, wsName string, baseEpoch plumbing.Hash) (*Record, error) {
	hasWork, err := c.git.HasUserWork(wsPath, baseEpoch)
	if err != nil {
		return nil, mawerr.CaptureFailed(err)
	}
	if !hasWork {
		return nil, ErrNoUserWork
	}
	return c.capture(wsPath, wsName, baseEpoch)
}

// Capture unconditionally snapshots wsPath regardless of has_user_work,
// for use by the rewrite primitive which already knows it needs a
// recovery point (its own fast-path check happens before calling in).
func (c *Capturer) Capture(wsPath, wsName string, baseEpoch plumbing.Hash) (*Record, error) {
	return c.capture(wsPath, wsName, baseEpoch)
}

func (c *Capturer) capture(wsPath, wsName string, baseEpoch plumbing.Hash) (*Record, error) {
	if err := failpoint.Hit(failpoint.BeforeCaptureWrite); err != nil {
		return nil, mawerr.CaptureFailed(err)
	}
	tree, err := c.buildWorkingCopyTree(wsPath)
	if err != nil {
		return nil, mawerr.CaptureFailed(err)
	}

	head, err := c.git.ReadRef(refs.Head(wsName))
	parent := baseEpoch
	if err == nil {
		parent = head
	}

	author := c.git.AuthorFromConfig()
	message := fmt.Sprintf("maw recovery capture: workspace %s\n\nbase_epoch: %s\ncaptured: %s\n",
		wsName, baseEpoch.String(), time.Now().UTC().Format(time.RFC3339))

	var parents []plumbing.Hash
	if parent != plumbing.ZeroHash {
		parents = []plumbing.Hash{parent}
	}
	commitOID, err := c.git.CreateCommit(parents, tree, message, author, author)
	if err != nil {
		return nil, mawerr.CaptureFailed(err)
	}

	for attempt := 0; attempt < MaxCollisionRetries; attempt++ {
		ts := c.clock.Next()
		refName := refs.Recovery(wsName, ts)
		if err := c.git.WriteRefCAS(refName, gitx.ZeroOID, commitOID); err == nil {
			if err := failpoint.Hit(failpoint.AfterCaptureWrite); err != nil {
				return nil, mawerr.CaptureFailed(err)
			}
			return &Record{RefName: refName, OID: commitOID, Timestamp: ts}, nil
		}
	}
	return nil, mawerr.CaptureFailed(ErrCollisionExhausted)
}

// buildWorkingCopyTree builds a tree OID from tracked content (worktree
// version, not index) plus untracked non-ignored files, per spec §4.4
// step 2. Tracked-path enumeration uses git ls-files so deleted-but-
// staged paths and mode bits are handled the way git itself would.
func (c *Capturer) buildWorkingCopyTree(wsPath string) (plumbing.Hash, error) {
	tracked, err := trackedPaths(wsPath)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	untracked, err := c.git.UntrackedFiles(wsPath)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	seen := make(map[string]bool, len(tracked)+len(untracked))
	var entries []gitx.TreeEntry
	for _, p := range append(tracked, untracked...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		content, mode, err := c.git.ReadWorkingFile(wsPath, p)
		if err != nil {
			if os.IsNotExist(err) {
				continue // raced with a concurrent delete; skip rather than fail the whole capture
			}
			return plumbing.ZeroHash, err
		}
		blob, err := c.git.WriteBlob(content)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		fm := filemode.Regular
		if mode&os.ModeSymlink != 0 {
			fm = filemode.Symlink
		} else if mode&0o111 != 0 {
			fm = filemode.Executable
		}
		entries = append(entries, gitx.TreeEntry{Path: p, Mode: fm, Hash: blob})
	}
	return c.git.BuildTree(entries)
}

// trackedPaths lists tracked paths as they stand in the worktree,
// via `git ls-files`: this enumerates the index, which for an ordinary
// (non-partially-staged-delete) working copy matches the set of
// tracked paths we need to read worktree content for.
func trackedPaths(wsPath string) ([]string, error) {
	ctx, cancel := execContext()
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "-C", wsPath, "ls-files").Output()
	if err != nil {
		return nil, fmt.Errorf("capture: ls-files: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func execContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// DestroyRecord is the best-effort JSON artifact describing a completed
// destroy; the recovery ref (not this file) is the source of truth.
type DestroyRecord struct {
	Workspace     string `json:"workspace"`
	BaseEpoch     string `json:"base_epoch"`
	RecoveryRef   string `json:"recovery_ref"`
	RecoveryOID   string `json:"recovery_oid"`
	DestroyedAt   string `json:"destroyed_at"`
}

// WriteDestroyRecord writes .manifold/artifacts/ws/<workspace>/destroy/<ts>.json
// and a latest.json pointer. Failures are returned but must never roll
// back an already-pinned recovery ref; callers log and continue.
func WriteDestroyRecord(manifoldDir, workspace string, baseEpoch plumbing.Hash, rec *Record) error {
	if err := failpoint.Hit(failpoint.BeforeDestroyRecord); err != nil {
		return err
	}
	dir := filepath.Join(manifoldDir, "artifacts", "ws", workspace, "destroy")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	dr := DestroyRecord{
		Workspace:   workspace,
		BaseEpoch:   baseEpoch.String(),
		RecoveryRef: rec.RefName,
		RecoveryOID: rec.OID.String(),
		DestroyedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(dr, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, rec.Timestamp+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "latest.json"), data, 0o600); err != nil {
		return err
	}
	return failpoint.Hit(failpoint.AfterDestroyRecord)
}

// ListRecoveryRefs returns recovery refs for workspace (or all
// workspaces if workspace is empty), sorted by timestamp descending.
func ListRecoveryRefs(git *gitx.Adapter, workspace string) ([]string, error) {
	iter, err := git.Repository().References()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := refs.Prefix + "/recovery/"
	if workspace != "" {
		prefix = refs.RecoveryWorkspacePrefix(workspace)
	}

	var names []string
	if err := iter.ForEach(func(r *plumbing.Reference) error {
		name := r.Name().String()
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	sort.SliceStable(names, func(i, j int) bool {
		_, ti, _ := refs.ParseRecovery(names[i])
		_, tj, _ := refs.ParseRecovery(names[j])
		if ti != tj {
			return ti > tj
		}
		return names[i] > names[j]
	})
	return names, nil
}

// ShowFile reads path's content as of the tree pointed to by refName.
func ShowFile(git *gitx.Adapter, refName, path string) ([]byte, error) {
	oid, err := git.ReadRef(refName)
	if err != nil {
		return nil, mawerr.NotFound("recovery ref %s not found", refName)
	}
	commit, err := git.Repository().CommitObject(oid)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	f, err := tree.File(path)
	if err != nil {
		return nil, mawerr.NotFound("path %s not present in %s", path, refName)
	}
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SearchHit is one match produced by Search.
type SearchHit struct {
	RefName string
	Path    string
	Line    int
	Snippet string
}

// SearchOptions controls Search's matching behavior.
type SearchOptions struct {
	Regex         bool
	CaseInsensitive bool
	TextOnly      bool // skip files containing NUL bytes (treated as binary)
	ContextLines  int
}

// Search iterates every recovery ref in deterministic (lexicographic)
// name order, matching pattern against tracked file content and
// producing hits ordered (ref, path, line).
func Search(git *gitx.Adapter, refNames []string, pattern string, opts SearchOptions) ([]SearchHit, error) {
	var matcher func(string) []int // returns byte offsets of matches on a line, nil if none
	if opts.Regex {
		flags := ""
		if opts.CaseInsensitive {
			flags = "(?i)"
		}
		re, err := regexp.Compile(flags + pattern)
		if err != nil {
			return nil, mawerr.InvalidInput("invalid search pattern: %v", err)
		}
		matcher = func(line string) []int {
			if re.MatchString(line) {
				return []int{0}
			}
			return nil
		}
	} else {
		needle := pattern
		if opts.CaseInsensitive {
			needle = strings.ToLower(needle)
		}
		matcher = func(line string) []int {
			hay := line
			if opts.CaseInsensitive {
				hay = strings.ToLower(hay)
			}
			if strings.Contains(hay, needle) {
				return []int{0}
			}
			return nil
		}
	}

	sorted := append([]string(nil), refNames...)
	sort.Strings(sorted)

	var hits []SearchHit
	for _, refName := range sorted {
		oid, err := git.ReadRef(refName)
		if err != nil {
			continue
		}
		commit, err := git.Repository().CommitObject(oid)
		if err != nil {
			continue
		}
		tree, err := commit.Tree()
		if err != nil {
			continue
		}
		fileIter := tree.Files()
		_ = fileIter.ForEach(func(f *object.File) error {
			content, err := f.Contents()
			if err != nil {
				return nil
			}
			if opts.TextOnly && strings.ContainsRune(content, 0) {
				return nil
			}
			for i, line := range strings.Split(content, "\n") {
				if matcher(line) != nil {
					hits = append(hits, SearchHit{RefName: refName, Path: f.Name, Line: i + 1, Snippet: line})
				}
			}
			return nil
		})
	}
	return hits, nil
}

// logCapture emits an info log line naming the pinned ref and OID of a
// successful capture. It applies no redaction and touches no tree
// content; nothing in this package calls it.
func logCapture(refName string, oid plumbing.Hash) {
	logging.Info(nil, "capture pinned", "ref", refName, "oid", oid.String())
}
