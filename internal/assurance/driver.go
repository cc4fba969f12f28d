package assurance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gogitconfig "github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/bobisme/maw/internal/capture"
	"github.com/bobisme/maw/internal/failpoint"
	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/journal"
	"github.com/bobisme/maw/internal/merge"
	"github.com/bobisme/maw/internal/refs"
	"github.com/bobisme/maw/internal/workspace"
)

// RunResult is the full outcome of executing one trace.
type RunResult struct {
	Violations    []Violation
	Panicked      bool
	PanicValue    any
	StepsExecuted int
	StepErrors    map[int]string
}

// Clean reports whether the run found no invariant violations. Panics
// are expected whenever a trace contains an OpCrash step and are not by
// themselves a finding; Panicked/PanicValue are informational.
func (r RunResult) Clean() bool {
	return len(r.Violations) == 0
}

// Driver bootstraps a fresh repository per run and replays a Trace
// against it through the real package surface (workspace, merge,
// capture), arming failpoints for OpCrash steps and consulting the
// oracle after every step. Grounded on the teacher's TestEnv.InitRepo,
// generalized from a one-shot per-test fixture into a per-run fixture
// the simulation driver recreates for every trace.
type Driver struct {
	root string
}

// NewDriver creates a fresh git repository under a new temp directory
// and records an initial empty epoch commit.
func NewDriver() (*Driver, error) {
	root, err := os.MkdirTemp("", "maw-assurance-*")
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainInit(root, false)
	if err != nil {
		return nil, fmt.Errorf("assurance: init repo: %w", err)
	}
	cfg, err := repo.Config()
	if err != nil {
		return nil, fmt.Errorf("assurance: repo config: %w", err)
	}
	cfg.User.Name = "maw-assurance"
	cfg.User.Email = "assurance@maw.local"
	if cfg.Raw == nil {
		cfg.Raw = gogitconfig.New()
	}
	cfg.Raw.Section("commit").SetOption("gpgsign", "false")
	if err := repo.SetConfig(cfg); err != nil {
		return nil, fmt.Errorf("assurance: set config: %w", err)
	}

	git := gitx.OpenBare(repo, root)
	emptyTree, err := git.BuildTree(nil)
	if err != nil {
		return nil, err
	}
	author := gitx.Signature{Name: "maw-assurance", Email: "assurance@maw.local"}
	initialEpoch, err := git.CreateCommit(nil, emptyTree, "initial epoch", author, author)
	if err != nil {
		return nil, err
	}
	if err := git.WriteRefCAS(refs.EpochCurrent(), gitx.ZeroOID, initialEpoch); err != nil {
		return nil, err
	}
	return &Driver{root: root}, nil
}

// Close removes the driver's backing repository.
func (d *Driver) Close() error {
	return os.RemoveAll(d.root)
}

// Run replays trace to completion, checking the oracle after every
// step. A step that panics is recovered and recorded, and the trace
// continues with the next step.
func (d *Driver) Run(ctx context.Context, trace Trace) (result RunResult) {
	result.StepErrors = map[int]string{}

	adapter, err := gitx.Open(d.root)
	if err != nil {
		result.StepErrors[-1] = err.Error()
		return result
	}
	clock := refs.NewClock(refs.ResolutionNanos)
	manifold := filepath.Join(d.root, ".manifold")
	backend := workspace.New(adapter, clock)
	capturer := capture.New(adapter, clock)
	oracle := NewOracle(adapter, manifold)

	failpoint.Enable()
	defer failpoint.Disable()

	for i, step := range trace.Steps {
		// A panicking step simulates that step's process being killed
		// mid-operation (spec §5: maw runs as short-lived processes, not
		// a daemon); recovering here and continuing the trace mirrors
		// the next CLI invocation starting a fresh process that runs
		// startup recovery, rather than ending the whole simulation.
		err := d.runStepCatchingPanic(ctx, adapter, backend, capturer, clock, manifold, step, &result)
		if err != nil {
			result.StepErrors[i] = err.Error()
			if needsRecoveryOutput(step.Kind) {
				result.Violations = append(result.Violations, CheckFailureOutput(i, err.Error())...)
			}
		}
		result.StepsExecuted = i + 1

		observed := observedOIDsAfter(adapter, manifold)
		result.Violations = append(result.Violations, oracle.Check(i, observed)...)
	}
	return result
}

func (d *Driver) runStepCatchingPanic(ctx context.Context, git *gitx.Adapter, backend *workspace.Backend, capturer *capture.Capturer, clock *refs.Clock, manifold string, step Step, result *RunResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			result.Panicked = true
			result.PanicValue = r
			err = fmt.Errorf("assurance: step %s panicked: %v", step.Kind, r)
		}
	}()
	return d.execStep(ctx, git, backend, capturer, clock, manifold, step)
}

func needsRecoveryOutput(k OpKind) bool {
	switch k {
	case OpDestroy, OpMerge:
		return true
	default:
		return false
	}
}

// observedOIDsAfter collects epoch/current and the journal's candidate
// epoch if present. Workspace HEADs are not collected.
func observedOIDsAfter(git *gitx.Adapter, manifold string) []plumbing.Hash {
	var out []plumbing.Hash
	if oid, err := git.ReadRef(refs.EpochCurrent()); err == nil {
		out = append(out, oid)
	}
	j := journal.New(manifold)
	if j.Exists() {
		if rec, err := j.Read(); err == nil && rec.CandidateEpoch != "" {
			out = append(out, rec.CandidateEpochHash())
		}
	}
	return out
}

func (d *Driver) execStep(ctx context.Context, git *gitx.Adapter, backend *workspace.Backend, capturer *capture.Capturer, clock *refs.Clock, manifold string, step Step) error {
	switch step.Kind {
	case OpCreate:
		epoch, err := git.ReadRef(refs.EpochCurrent())
		if err != nil {
			return err
		}
		_, err = backend.Create(step.Workspace, epoch)
		return err

	case OpEdit:
		path := filepath.Join(d.root, "ws", step.Workspace, step.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(step.Content), 0o644) //nolint:gosec // simulation fixture content

	case OpSnapshot:
		epoch, err := git.ReadRef(refs.EpochCurrent())
		if err != nil {
			return err
		}
		wsPath := filepath.Join(d.root, "ws", step.Workspace)
		_, err = capturer.BeforeDestroy(wsPath, step.Workspace, epoch)
		if err == capture.ErrNoUserWork {
			return nil
		}
		return err

	case OpSync:
		epoch, err := git.ReadRef(refs.EpochCurrent())
		if err != nil {
			return err
		}
		return backend.Sync(step.Workspace, epoch)

	case OpMerge:
		engine := merge.New(git, clock)
		opts := merge.Options{
			Sources:  step.Sources,
			Mainline: "refs/heads/main",
			Validation: merge.ValidationConfig{
				Command:   "true",
				Timeout:   5 * time.Second,
				OnFailure: journal.OnFailureBlock,
			},
		}
		if _, err := engine.StartupRecover(ctx, opts); err != nil {
			return err
		}
		_, err := engine.Merge(ctx, opts)
		return err

	case OpDestroy:
		return backend.Destroy(step.Workspace)

	case OpRecover:
		names, err := capture.ListRecoveryRefs(git, step.Workspace)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		return backend.RestoreTo(names[0], step.NewName)

	case OpCrash:
		failpoint.Set(step.Failpoint, failpoint.ActionPanic, 1)
		return nil

	case OpRestart:
		engine := merge.New(git, clock)
		_, err := engine.StartupRecover(ctx, merge.Options{Mainline: "refs/heads/main"})
		failpoint.Clear(step.Failpoint)
		return err

	default:
		return fmt.Errorf("assurance: unknown op kind %v", step.Kind)
	}
}
