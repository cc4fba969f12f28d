// Package rewrite implements the working-copy rewrite primitive (spec
// §4.5), which preserves user work around a force-replace checkout of an
// existing workspace. It is not the only caller of
// checkout_tree(force-replace): merge's VALIDATE phase (into a fresh temp
// directory) and workspace.RestoreTo (into the workspace it has just
// created) call gitx.CheckoutTree with PolicyForceReplace directly.
//
// Grounded on the teacher's strategy package's stash-like preserve/
// restore flow around checkpoint application, generalized to operate
// from an explicit base_epoch anchor (spec's correctness argument:
// naive dirty-vs-HEAD extraction would undo a just-landed commit once
// HEAD has moved past base_epoch).
package rewrite

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/bobisme/maw/internal/capture"
	"github.com/bobisme/maw/internal/failpoint"
	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/logging"
	"github.com/bobisme/maw/internal/mawerr"
	"github.com/bobisme/maw/internal/refs"
)

// Meta is the rewrite artifact's meta.json contents.
type Meta struct {
	Workspace   string `json:"workspace"`
	TargetRef   string `json:"target_ref"`
	EpochBefore string `json:"epoch_before"`
	SnapshotOID string `json:"snapshot_oid"`
	SnapshotRef string `json:"snapshot_ref"`
	StartedAt   string `json:"started_at"`
}

// Result is returned by Rewrite on success.
type Result struct {
	FastPath    bool
	RecoveryRef string
	ArtifactsDir string
}

// Rewriter performs capture-gated checkout_tree replacements.
type Rewriter struct {
	git      *gitx.Adapter
	capturer *capture.Capturer
	manifold string
}

// New constructs a Rewriter.
func New(git *gitx.Adapter, clock *refs.Clock, manifoldDir string) *Rewriter {
	return &Rewriter{git: git, capturer: capture.New(git, clock), manifold: manifoldDir}
}

// Rewrite materializes targetRef's tree into wsPath, deriving any user
// deltas from baseEpoch (never the working copy's current HEAD) and
// replaying them on top of the new target, per the algorithm in spec
// §4.5.
func (r *Rewriter) Rewrite(wsPath, wsName string, baseEpoch plumbing.Hash, targetTree plumbing.Hash, targetRevspec string) (*Result, error) {
	staged, err := r.git.StagedPatch(wsPath, baseEpoch.String())
	if err != nil {
		return nil, fmt.Errorf("rewrite: staged diff: %w", err)
	}
	unstaged, err := r.git.UnstagedPatch(wsPath)
	if err != nil {
		return nil, fmt.Errorf("rewrite: unstaged diff: %w", err)
	}
	untracked, err := r.git.UntrackedFiles(wsPath)
	if err != nil {
		return nil, fmt.Errorf("rewrite: untracked list: %w", err)
	}

	if len(staged) == 0 && len(unstaged) == 0 && len(untracked) == 0 {
		if err := r.git.CheckoutTree(wsPath, targetTree, gitx.PolicyForceReplace); err != nil {
			return nil, fmt.Errorf("rewrite: fast-path checkout: %w", err)
		}
		return &Result{FastPath: true}, nil
	}

	rec, err := r.capturer.Capture(wsPath, wsName, baseEpoch)
	if err != nil {
		return nil, mawerr.CaptureFailed(err)
	}

	artifactsDir, err := r.writeArtifacts(wsName, targetRevspec, baseEpoch, rec, staged, unstaged)
	if err != nil {
		return nil, mawerr.CaptureFailed(fmt.Errorf("write rewrite artifacts: %w", err))
	}

	if err := failpoint.Hit(failpoint.BeforeDestructiveFS); err != nil {
		return nil, rollbackErr(r.git, wsPath, wsName, rec, artifactsDir, "checkout", err)
	}
	if err := r.git.CheckoutTree(wsPath, targetTree, gitx.PolicyForceReplace); err != nil {
		return nil, rollbackErr(r.git, wsPath, wsName, rec, artifactsDir, "checkout", fmt.Errorf("materialize target: %w", err))
	}
	if err := failpoint.Hit(failpoint.AfterDestructiveFS); err != nil {
		return nil, rollbackErr(r.git, wsPath, wsName, rec, artifactsDir, "checkout", err)
	}

	if len(staged) > 0 {
		if err := r.git.ApplyPatch(wsPath, staged, true); err != nil {
			return nil, rollbackErr(r.git, wsPath, wsName, rec, artifactsDir, "staged", err)
		}
	}
	if len(unstaged) > 0 {
		if err := r.git.ApplyPatch(wsPath, unstaged, false); err != nil {
			return nil, rollbackErr(r.git, wsPath, wsName, rec, artifactsDir, "unstaged", err)
		}
	}
	if err := r.rehydrateUntracked(wsPath, rec, untracked); err != nil {
		return nil, rollbackErr(r.git, wsPath, wsName, rec, artifactsDir, "untracked", err)
	}

	logging.Info(nil, "rewrite complete", "workspace", wsName, "recovery_ref", rec.RefName, "artifacts", artifactsDir)
	return &Result{RecoveryRef: rec.RefName, ArtifactsDir: artifactsDir}, nil
}

func rollbackErr(git *gitx.Adapter, wsPath, wsName string, rec *capture.Record, artifactsDir, phase string, cause error) error {
	snapshotTree := mustTreeOf(git, rec.OID)
	if cerr := git.CheckoutTree(wsPath, snapshotTree, gitx.PolicyForceReplace); cerr != nil {
		logging.Error(nil, "rewrite rollback itself failed; manual recovery required",
			"workspace", wsName, "recovery_ref", rec.RefName, "oid", rec.OID.String(), logging.ErrAttr(cerr))
	}
	return mawerr.ReplayFailed(phase, rec.RefName, artifactsDir, cause.Error())
}

func mustTreeOf(git *gitx.Adapter, commitOID plumbing.Hash) plumbing.Hash {
	commit, err := git.Repository().CommitObject(commitOID)
	if err != nil {
		return plumbing.ZeroHash
	}
	return commit.TreeHash
}

// rehydrateUntracked recreates every previously-untracked path from the
// captured recovery commit's tree.
func (r *Rewriter) rehydrateUntracked(wsPath string, rec *capture.Record, paths []string) error {
	for _, p := range paths {
		content, err := capture.ShowFile(r.git, rec.RefName, p)
		if err != nil {
			continue // the path may have been part of the target tree already
		}
		full := filepath.Join(wsPath, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(full, content, 0o644); err != nil { //nolint:gosec // matches typical tracked-file permissions
			return err
		}
	}
	return nil
}

func (r *Rewriter) writeArtifacts(wsName, targetRef string, baseEpoch plumbing.Hash, rec *capture.Record, staged, unstaged []byte) (string, error) {
	dir := filepath.Join(r.manifold, "artifacts", "rewrite", wsName, rec.Timestamp)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	meta := Meta{
		Workspace:   wsName,
		TargetRef:   targetRef,
		EpochBefore: baseEpoch.String(),
		SnapshotOID: rec.OID.String(),
		SnapshotRef: rec.RefName,
		StartedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "index.patch"), staged, 0o600); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "worktree.patch"), unstaged, 0o600); err != nil {
		return "", err
	}
	return dir, nil
}
