package assurance

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/bobisme/maw/internal/capture"
	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/journal"
	"github.com/bobisme/maw/internal/refs"
	"github.com/bobisme/maw/internal/workspace"
)

// Violation is one invariant-oracle failure, anchored to the step that
// produced it.
type Violation struct {
	StepIndex int    `json:"step_index"`
	Rule      string `json:"rule"`
	Detail    string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("step %d: %s: %s", v.StepIndex, v.Rule, v.Detail)
}

// Oracle re-checks three of spec §4.10's four invariants against a
// repository's current ref/journal state. The fourth, failure-output
// completeness, is CheckFailureOutput, which the driver runs on failed
// steps.
type Oracle struct {
	git      *gitx.Adapter
	manifold string
}

// NewOracle constructs an Oracle bound to a repository.
func NewOracle(git *gitx.Adapter, manifoldDir string) *Oracle {
	return &Oracle{git: git, manifold: manifoldDir}
}

// Check runs every invariant and returns every violation found, tagging
// each with stepIndex for trace minimization and reporting.
func (o *Oracle) Check(stepIndex int, observedOIDs []plumbing.Hash) []Violation {
	var violations []Violation
	violations = append(violations, o.checkReachability(stepIndex, observedOIDs)...)
	violations = append(violations, o.checkNoOrphanedUserWork(stepIndex)...)
	violations = append(violations, o.checkCommitPhaseAdvanced(stepIndex)...)
	return violations
}

// checkReachability implements "every pre-operation committed OID is
// reachable from <prefix>/epoch/current or a recovery ref."
func (o *Oracle) checkReachability(stepIndex int, observedOIDs []plumbing.Hash) []Violation {
	epoch, err := o.git.ReadRef(refs.EpochCurrent())
	if err != nil {
		epoch = plumbing.ZeroHash
	}
	recoveryRefs, err := capture.ListRecoveryRefs(o.git, "")
	if err != nil {
		recoveryRefs = nil
	}
	recoveryOIDs := make(map[plumbing.Hash]bool, len(recoveryRefs))
	for _, r := range recoveryRefs {
		if oid, err := o.git.ReadRef(r); err == nil {
			recoveryOIDs[oid] = true
		}
	}

	var violations []Violation
	for _, oid := range observedOIDs {
		if oid == plumbing.ZeroHash {
			continue
		}
		if recoveryOIDs[oid] {
			continue
		}
		if epoch != plumbing.ZeroHash && (oid == epoch || o.git.IsAncestor(oid, epoch)) {
			continue
		}
		violations = append(violations, Violation{
			StepIndex: stepIndex,
			Rule:      "reachability",
			Detail:    fmt.Sprintf("oid %s is not reachable from %s or any recovery ref", oid, refs.EpochCurrent()),
		})
	}
	return violations
}

// checkNoOrphanedUserWork implements "no workspace can claim its
// base_epoch with user work while no recovery exists post-rewrite": any
// workspace whose status reports Dirty must have at least one recovery
// ref recorded for it, since the rewrite primitive is capture-gated.
func (o *Oracle) checkNoOrphanedUserWork(stepIndex int) []Violation {
	backend := workspace.New(o.git, nil)
	metas, err := backend.List()
	if err != nil {
		return nil
	}
	var violations []Violation
	for _, m := range metas {
		st, err := backend.Status(m.Name)
		if err != nil || !st.Dirty {
			continue
		}
		refsForWS, err := capture.ListRecoveryRefs(o.git, m.Name)
		if err != nil || len(refsForWS) == 0 {
			violations = append(violations, Violation{
				StepIndex: stepIndex,
				Rule:      "no-orphaned-user-work",
				Detail:    fmt.Sprintf("workspace %s has dirty user work with no recovery ref", m.Name),
			})
		}
	}
	return violations
}

// checkCommitPhaseAdvanced implements "if merge-state phase >= COMMIT,
// the epoch ref shows the candidate value."
func (o *Oracle) checkCommitPhaseAdvanced(stepIndex int) []Violation {
	j := journal.New(o.manifold)
	if !j.Exists() {
		return nil
	}
	rec, err := j.Read()
	if err != nil {
		return nil
	}
	if !rec.Phase.AtLeast(journal.PhaseCommit) {
		return nil
	}
	epoch, err := o.git.ReadRef(refs.EpochCurrent())
	if err != nil {
		return []Violation{{StepIndex: stepIndex, Rule: "commit-phase-epoch", Detail: "phase >= COMMIT but epoch/current is unset"}}
	}
	if epoch.String() != rec.CandidateEpoch {
		return []Violation{{
			StepIndex: stepIndex,
			Rule:      "commit-phase-epoch",
			Detail:    fmt.Sprintf("phase=%s but epoch/current=%s, candidate=%s", rec.Phase, epoch, rec.CandidateEpoch),
		}}
	}
	return nil
}

// CheckFailureOutput is a best-effort textual check the driver runs
// against an error's message whenever a step fails in a way expected to
// have produced recovery state. It looks (case-insensitively) for the
// words "ref", "oid" and "artifact"; it does not check that the message
// contains a recovery command.
func CheckFailureOutput(stepIndex int, errMsg string) []Violation {
	required := []string{"ref", "oid", "artifact"}
	var missing []string
	lower := strings.ToLower(errMsg)
	for _, r := range required {
		if !strings.Contains(lower, r) {
			missing = append(missing, r)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return []Violation{{
		StepIndex: stepIndex,
		Rule:      "failure-output-completeness",
		Detail:    fmt.Sprintf("error %q missing expected fields: %s", errMsg, strings.Join(missing, ", ")),
	}}
}
