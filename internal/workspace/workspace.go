// Package workspace implements the workspace backend (spec §4.6): the
// create/destroy/status/list/sync lifecycle for per-agent isolated
// working copies, backed by git-worktree by default.
//
// Grounded on the teacher's strategy package's worktree-aware
// repository handling (OpenRepository/GetWorktreePath) and its
// shadow-branch lifecycle (ListShadowBranches/DeleteShadowBranches in
// strategy/cleanup.go), generalized from entire's per-session shadow
// branches to maw's per-agent workspace directories.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/bobisme/maw/internal/capture"
	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/logging"
	"github.com/bobisme/maw/internal/mawerr"
	"github.com/bobisme/maw/internal/refs"
)

// DefaultName is the reserved mainline workspace name; it is never destroyed.
const DefaultName = "default"

// nameRe constrains workspace names to a safe, predictable charset:
// lowercase alphanumerics, dash, underscore, slash (for names like
// "merge-quarantine/<id>"), 1-128 chars.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_/-]{0,127}$`)

// ValidateName checks name against the documented charset. The
// reserved-name rule is checked separately by Create and Destroy.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return mawerr.InvalidInput("workspace name %q does not match the allowed charset", name)
	}
	return nil
}

// Metadata is the on-disk intent/record for one workspace, written
// before the directory is materialized so create() can detect and
// resume an interrupted creation.
type Metadata struct {
	Name      string `json:"name"`
	BaseEpoch string `json:"base_epoch"`
	Backend   string `json:"backend"`
	CreatedAt string `json:"created_at"`
	Owner     string `json:"owner,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Status reports a workspace's relationship to its base epoch.
type Status struct {
	Name         string
	BaseEpoch    plumbing.Hash
	Dirty        bool
	AheadOfEpoch int
	BehindEpoch  int
	Conflict     bool
}

// Backend manages workspace lifecycle atop a single repository, using
// git-worktree as the default isolation mechanism.
type Backend struct {
	git      *gitx.Adapter
	wsRoot   string // <repo>/ws
	manifold string // <repo>/.manifold
	capturer *capture.Capturer
}

// New constructs a Backend rooted at the repository git manages.
func New(git *gitx.Adapter, clock *refs.Clock) *Backend {
	root := git.Root()
	return &Backend{
		git:      git,
		wsRoot:   filepath.Join(root, "ws"),
		manifold: filepath.Join(root, ".manifold"),
		capturer: capture.New(git, clock),
	}
}

func (b *Backend) path(name string) string     { return filepath.Join(b.wsRoot, name) }
func (b *Backend) metaPath(name string) string  { return filepath.Join(b.manifold, "ws", name, "meta.json") }

// Create materializes a new workspace rooted at fromEpoch. Write-intent
// first: the metadata file is written (exclusive-create) before the
// worktree is added, so a retry after a mid-creation crash can detect
// an existing intent and resume by checking whether the worktree
// directory already exists.
func (b *Backend) Create(name string, fromEpoch plumbing.Hash) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if name == DefaultName {
		return "", mawerr.InvalidInput("workspace name %q is reserved", DefaultName)
	}

	metaDir := filepath.Dir(b.metaPath(name))
	if err := os.MkdirAll(metaDir, 0o750); err != nil {
		return "", fmt.Errorf("workspace: mkdir meta: %w", err)
	}

	meta := Metadata{
		Name:      name,
		BaseEpoch: fromEpoch.String(),
		Backend:   "git-worktree",
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	existing, err := b.readMeta(name)
	if err == nil && existing.BaseEpoch != fromEpoch.String() {
		return "", mawerr.InvalidInput("workspace %q already exists with a different base_epoch", name)
	}
	if existing == nil {
		data, merr := json.MarshalIndent(meta, "", "  ")
		if merr != nil {
			return "", merr
		}
		if werr := os.WriteFile(b.metaPath(name), data, 0o600); werr != nil {
			return "", fmt.Errorf("workspace: write intent: %w", werr)
		}
	}

	path := b.path(name)
	if _, statErr := os.Stat(path); statErr == nil {
		return path, nil // resumed: worktree already materialized
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("workspace: mkdir ws root: %w", err)
	}
	if err := b.git.WorktreeAdd(path, fromEpoch.String(), true); err != nil {
		return "", fmt.Errorf("workspace: worktree add: %w", err)
	}
	logging.Info(nil, "workspace created", "workspace", name, "base_epoch", fromEpoch.String())
	return path, nil
}

func (b *Backend) readMeta(name string) (*Metadata, error) {
	data, err := os.ReadFile(b.metaPath(name)) //nolint:gosec // name is validated against nameRe before use
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Destroy captures the workspace's working copy (refusing if capture
// fails, per G4), removes its worktree, and writes a best-effort
// destroy record. Reserved for any name other than "default".
func (b *Backend) Destroy(name string) error {
	if name == DefaultName {
		return mawerr.InvalidInput("workspace %q is reserved and cannot be destroyed", DefaultName)
	}
	meta, err := b.readMeta(name)
	if err != nil {
		return mawerr.NotFound("workspace %q not found", name)
	}
	baseEpoch := plumbing.NewHash(meta.BaseEpoch)
	path := b.path(name)

	rec, err := b.capturer.BeforeDestroy(path, name, baseEpoch)
	switch {
	case err == nil:
		if werr := capture.WriteDestroyRecord(b.manifold, name, baseEpoch, rec); werr != nil {
			logging.Warn(nil, "destroy record write failed (recovery ref is authoritative)", "workspace", name, "recovery_ref", rec.RefName, logging.ErrAttr(werr))
		}
	case err == capture.ErrNoUserWork:
		// nothing to capture; proceed directly to removal.
	default:
		return mawerr.CaptureFailed(err)
	}

	if err := b.git.WorktreeRemove(path, true); err != nil {
		return fmt.Errorf("workspace: worktree remove: %w", err)
	}
	_ = os.RemoveAll(filepath.Dir(b.metaPath(name)))
	logging.Info(nil, "workspace destroyed", "workspace", name)
	return nil
}

// Status reports name's dirty/ahead state relative to its base epoch.
// BehindEpoch is always 0: no behind count is computed.
func (b *Backend) Status(name string) (*Status, error) {
	meta, err := b.readMeta(name)
	if err != nil {
		return nil, mawerr.NotFound("workspace %q not found", name)
	}
	baseEpoch := plumbing.NewHash(meta.BaseEpoch)
	path := b.path(name)

	hasWork, err := b.git.HasUserWork(path, baseEpoch)
	if err != nil {
		return nil, err
	}

	head, err := b.git.RevParseIn(path, "HEAD")
	ahead, behind := 0, 0
	if err == nil && head != baseEpoch {
		changes, derr := b.git.DiffTrees(baseEpoch, head, false)
		if derr == nil {
			ahead = len(changes)
		}
	}
	return &Status{
		Name:         name,
		BaseEpoch:    baseEpoch,
		Dirty:        hasWork,
		AheadOfEpoch: ahead,
		BehindEpoch:  behind,
	}, nil
}

// List enumerates all known workspaces by reading .manifold/ws/*/meta.json.
func (b *Backend) List() ([]Metadata, error) {
	root := filepath.Join(b.manifold, "ws")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := b.readMeta(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Sync fast-forwards name to toEpoch if it is safe (no committed-ahead,
// no dirty state); otherwise returns a structured error with recovery
// guidance rather than silently discarding work.
func (b *Backend) Sync(name string, toEpoch plumbing.Hash) error {
	status, err := b.Status(name)
	if err != nil {
		return err
	}
	if status.Dirty {
		return mawerr.InvalidInput("workspace %q has uncommitted work; capture or commit before sync", name)
	}
	if status.AheadOfEpoch > 0 {
		return mawerr.InvalidInput("workspace %q is ahead of its base_epoch; use the merge engine instead of sync", name)
	}

	path := b.path(name)
	if err := b.git.CheckoutTree(path, toEpoch, gitx.PolicySafe); err != nil {
		return fmt.Errorf("workspace: sync checkout: %w", err)
	}

	meta, _ := b.readMeta(name)
	if meta != nil {
		meta.BaseEpoch = toEpoch.String()
		data, merr := json.MarshalIndent(meta, "", "  ")
		if merr == nil {
			_ = os.WriteFile(b.metaPath(name), data, 0o600)
		}
	}
	logging.Info(nil, "workspace synced", "workspace", name, "to_epoch", toEpoch.String())
	return nil
}

// RestoreTo creates a new workspace named newName and populates it from
// the recovery snapshot at refName, atomically: on populate failure the
// partially created workspace is destroyed rather than left dangling.
func (b *Backend) RestoreTo(refName, newName string) error {
	oid, err := b.git.ReadRef(refName)
	if err != nil {
		return mawerr.NotFound("recovery ref %s not found", refName)
	}
	commit, err := b.git.Repository().CommitObject(oid)
	if err != nil {
		return fmt.Errorf("workspace: restore: %w", err)
	}
	tree := commit.TreeHash

	// Create the worktree detached at the recovery commit itself (a
	// valid commit-ish for `git worktree add`), then force-checkout the
	// snapshot's tree. Create records the recovery commit OID as the new
	// workspace's base_epoch.
	path, err := b.Create(newName, oid)
	if err != nil {
		return err
	}
	if err := b.git.CheckoutTree(path, tree, gitx.PolicyForceReplace); err != nil {
		_ = b.Destroy(newName)
		return fmt.Errorf("workspace: restore populate failed, rolled back: %w", err)
	}
	logging.Info(nil, "workspace restored from recovery ref", "workspace", newName, "ref", refName)
	return nil
}
