// Package epochgc implements epoch garbage collection (spec §4.8):
// reference-counting epoch snapshot directories against the base_epoch
// recorded by every live workspace, and reclaiming directories nothing
// references any longer.
//
// Grounded on the teacher's strategy/cleanup.go (orphaned shadow-branch
// and checkpoint-state collection keyed on a grace period plus a
// liveness scan), generalized from entire's per-session shadow branches
// to maw's per-epoch snapshot directories under .manifold/epochs/.
package epochgc

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/logging"
	"github.com/bobisme/maw/internal/refs"
	"github.com/bobisme/maw/internal/workspace"
)

// SafetyInterval is the minimum age an unreferenced epoch directory must
// reach before collection, guarding against a race between a workspace
// create() that has not yet written its metadata and a concurrent GC
// pass. Mirrors the teacher's sessionGracePeriod rationale.
const SafetyInterval = 10 * time.Minute

// Collector reference-counts epoch snapshot directories under
// .manifold/epochs/<oid>/ against every workspace's recorded base_epoch.
type Collector struct {
	git        *gitx.Adapter
	workspaces *workspace.Backend
	epochsDir  string
	now        func() time.Time
}

// New constructs a Collector rooted at the repository git manages.
func New(git *gitx.Adapter, ws *workspace.Backend) *Collector {
	return &Collector{
		git:        git,
		workspaces: ws,
		epochsDir:  filepath.Join(git.Root(), ".manifold", "epochs"),
		now:        time.Now,
	}
}

// Report is one Collect run's outcome.
type Report struct {
	Referenced []string
	Reclaimed  []string
	Retained   []string // unreferenced but younger than SafetyInterval
}

// Collect scans .manifold/epochs/, reference-counts each entry against
// live workspaces' base_epoch values plus the current epoch, and
// removes directories referenced by nothing that are older than
// SafetyInterval. The current epoch and anything reachable from it via
// commit ancestry is never removed, even if no workspace currently
// claims it as base_epoch, since a crashed merge's recovery path may
// still need to walk back through it.
func (c *Collector) Collect() (*Report, error) {
	current, err := c.git.ReadRef(refs.EpochCurrent())
	if err != nil {
		current = plumbing.ZeroHash
	}

	metas, err := c.workspaces.List()
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]bool)
	for _, m := range metas {
		referenced[m.BaseEpoch] = true
	}
	if current != plumbing.ZeroHash {
		referenced[current.String()] = true
	}

	entries, err := os.ReadDir(c.epochsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Report{}, nil
		}
		return nil, err
	}

	rep := &Report{}
	cutoff := c.now().Add(-SafetyInterval)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		oid := e.Name()
		if referenced[oid] {
			rep.Referenced = append(rep.Referenced, oid)
			continue
		}
		if reachable(c.git, current, plumbing.NewHash(oid)) {
			rep.Referenced = append(rep.Referenced, oid)
			continue
		}

		info, statErr := e.Info()
		if statErr != nil || info.ModTime().After(cutoff) {
			rep.Retained = append(rep.Retained, oid)
			continue
		}

		path := filepath.Join(c.epochsDir, oid)
		if err := os.RemoveAll(path); err != nil {
			logging.Warn(nil, "epochgc: failed to reclaim snapshot dir", "oid", oid, logging.ErrAttr(err))
			continue
		}
		rep.Reclaimed = append(rep.Reclaimed, oid)
	}

	sort.Strings(rep.Referenced)
	sort.Strings(rep.Reclaimed)
	sort.Strings(rep.Retained)
	logging.Info(nil, "epochgc: collection complete", "reclaimed", len(rep.Reclaimed), "retained", len(rep.Retained), "referenced", len(rep.Referenced))
	return rep, nil
}

// reachable reports whether candidate is an ancestor of (or equal to)
// current, meaning its snapshot dir must be kept even if unreferenced by
// any workspace's base_epoch.
func reachable(git *gitx.Adapter, current, candidate plumbing.Hash) bool {
	if current == plumbing.ZeroHash || candidate == plumbing.ZeroHash {
		return false
	}
	if current == candidate {
		return true
	}
	return git.IsAncestor(candidate, current)
}
