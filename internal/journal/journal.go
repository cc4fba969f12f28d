// Package journal implements the merge-state journal: the single
// persisted record of an in-flight merge's phase and frozen inputs,
// and the sole source of truth crash recovery consults on startup.
//
// The write path (write-to-temp, fsync, atomic rename, parent-directory
// fsync) and the exclusive-create lock discipline are grounded on the
// teacher's checkpoint.Store, which already writes checkpoint metadata
// as JSON to a well-known path inside .git and treats file existence as
// state; this package generalizes that into a phase-keyed state machine
// per spec §4.3.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/bobisme/maw/internal/failpoint"
)

// Phase is one state of the merge state machine. Transitions are
// forward-only: Prepare -> Build -> Validate -> Commit -> Cleanup.
type Phase string

const (
	PhasePrepare  Phase = "PREPARE"
	PhaseBuild    Phase = "BUILD"
	PhaseValidate Phase = "VALIDATE"
	PhaseCommit   Phase = "COMMIT"
	PhaseCleanup  Phase = "CLEANUP"
)

var order = map[Phase]int{
	PhasePrepare:  0,
	PhaseBuild:    1,
	PhaseValidate: 2,
	PhaseCommit:   3,
	PhaseCleanup:  4,
}

// AtLeast reports whether p has progressed to or past other.
func (p Phase) AtLeast(other Phase) bool { return order[p] >= order[other] }

// FileName is the journal's on-disk name, relative to the repository's
// .manifold directory.
const FileName = "merge-state.json"

// LockName names a sibling lock file. Nothing in this package creates
// it; concurrent merges are serialized by O_EXCL creation of the journal
// file itself, and Finish only removes a leftover lock file if present.
const LockName = "merge.lock"

// Source is one frozen source workspace head captured at PREPARE.
type Source struct {
	Workspace string `json:"workspace"`
	HeadOID   string `json:"head_oid"`
}

// Validation is the VALIDATE phase's recorded outcome.
type Validation struct {
	Status    string `json:"status"` // pass | fail_block | fail_warn | fail_quarantine
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}

// OnFailure selects VALIDATE's failure handling policy.
type OnFailure string

const (
	OnFailureBlock      OnFailure = "block"
	OnFailureWarn       OnFailure = "warn"
	OnFailureQuarantine OnFailure = "quarantine"
)

// Record is the full persisted state of an in-flight merge, matching
// spec §6's merge-state.json field list exactly.
type Record struct {
	Phase             Phase       `json:"phase"`
	MergeID           string      `json:"merge_id"`
	EpochBefore       string      `json:"epoch_before"`
	Sources           []Source    `json:"sources"`
	CandidateEpoch    string      `json:"candidate_epoch,omitempty"`
	CandidateMainline string      `json:"candidate_mainline,omitempty"`
	Validation        *Validation `json:"validation,omitempty"`
	Policy            OnFailure   `json:"policy"`
	LockPID           int         `json:"lock_pid"`
	StartedAt         string      `json:"started_at"`
	QuarantineWorkspace string    `json:"quarantine_workspace,omitempty"`
}

// CandidateEpochHash parses CandidateEpoch, returning the zero hash if unset.
func (r *Record) CandidateEpochHash() plumbing.Hash {
	if r.CandidateEpoch == "" {
		return plumbing.ZeroHash
	}
	return plumbing.NewHash(r.CandidateEpoch)
}

// EpochBeforeHash parses EpochBefore.
func (r *Record) EpochBeforeHash() plumbing.Hash {
	return plumbing.NewHash(r.EpochBefore)
}

// Journal manages the on-disk merge-state record for one repository's
// .manifold directory.
type Journal struct {
	dir string // .manifold directory
}

// New returns a Journal rooted at manifoldDir (the repository's
// .manifold directory, not its parent).
func New(manifoldDir string) *Journal {
	return &Journal{dir: manifoldDir}
}

func (j *Journal) path() string     { return filepath.Join(j.dir, FileName) }
func (j *Journal) lockPath() string { return filepath.Join(j.dir, LockName) }

// ErrInProgress is returned by Begin when another merge already holds
// the journal lock.
var ErrInProgress = errors.New("journal: merge already in progress")

// Begin creates the journal file with PhasePrepare using O_CREAT|O_EXCL,
// which is itself the merge lock: a second concurrent Begin fails with
// ErrInProgress. Returns the created Record.
func (j *Journal) Begin(mergeID, epochBefore string, sources []Source, policy OnFailure) (*Record, error) {
	if err := os.MkdirAll(j.dir, 0o750); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	f, err := os.OpenFile(j.path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrInProgress
		}
		return nil, fmt.Errorf("journal: create: %w", err)
	}
	_ = f.Close()

	rec := &Record{
		Phase:       PhasePrepare,
		MergeID:     mergeID,
		EpochBefore: epochBefore,
		Sources:     sources,
		Policy:      policy,
		LockPID:     os.Getpid(),
		StartedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := j.write(rec); err != nil {
		_ = os.Remove(j.path())
		return nil, err
	}
	return rec, nil
}

// Read loads the current journal record, or (nil, nil) if none exists.
func (j *Journal) Read() (*Record, error) {
	data, err := os.ReadFile(j.path()) //nolint:gosec // fixed filename under the repository's own .manifold dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("journal: corrupt record: %w", err)
	}
	return &rec, nil
}

// Exists reports whether a journal file is currently present.
func (j *Journal) Exists() bool {
	_, err := os.Stat(j.path())
	return err == nil
}

// Advance moves rec to the next phase and persists it. The caller
// supplies the already-mutated rec (with e.g. CandidateEpoch populated
// before transitioning to PhaseBuild); Advance only enforces forward
// progress and performs the durable write.
func (j *Journal) Advance(rec *Record, next Phase) error {
	if order[next] < order[rec.Phase] {
		return fmt.Errorf("journal: illegal backward transition %s -> %s", rec.Phase, next)
	}
	rec.Phase = next
	return j.write(rec)
}

// Save persists rec without changing its phase, for recording
// within-phase progress (e.g. CandidateEpoch populated mid-BUILD)
// before the phase transition's own Advance call.
func (j *Journal) Save(rec *Record) error {
	return j.write(rec)
}

// Finish removes the journal file, the terminal step of CLEANUP.
// Idempotent: removing an already-absent file is not an error.
func (j *Journal) Finish() error {
	if err := os.Remove(j.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("journal: remove: %w", err)
	}
	_ = os.Remove(j.lockPath())
	return nil
}

// write performs write-to-temp + fsync + atomic rename + parent-dir
// fsync, per spec §4.3's durability contract.
func (j *Journal) write(rec *Record) error {
	if err := failpoint.Hit(failpoint.BeforeJournalWrite); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(j.dir, ".merge-state-*.tmp")
	if err != nil {
		return fmt.Errorf("journal: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("journal: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("journal: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: close temp: %w", err)
	}
	if err := os.Rename(tmpName, j.path()); err != nil {
		return fmt.Errorf("journal: rename: %w", err)
	}
	if err := fsyncDir(j.dir); err != nil {
		return fmt.Errorf("journal: fsync dir: %w", err)
	}
	return failpoint.Hit(failpoint.AfterJournalWrite)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // fixed repository-relative directory
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// RecoveryAction describes what startup recovery must do for a given
// phase, per spec §4.3's policy table.
type RecoveryAction int

const (
	// RecoveryAbort discards the in-flight merge; no refs were touched
	// (PREPARE) or only unreferenced candidate objects exist (BUILD),
	// which epoch GC will reclaim.
	RecoveryAbort RecoveryAction = iota
	// RecoveryRerunValidate re-runs VALIDATE against the frozen inputs;
	// deterministic, so re-running is always safe.
	RecoveryRerunValidate
	// RecoveryInspectCommit must check whether the epoch ref already
	// advanced to CandidateEpoch and then finish the commit (or retry it
	// when no ref moved); refs are never rolled back.
	RecoveryInspectCommit
	// RecoveryRerunCleanup re-runs CLEANUP's idempotent steps.
	RecoveryRerunCleanup
)

// Recover maps a read Record's phase to its required recovery action.
func Recover(rec *Record) RecoveryAction {
	switch rec.Phase {
	case PhasePrepare, PhaseBuild:
		return RecoveryAbort
	case PhaseValidate:
		return RecoveryRerunValidate
	case PhaseCommit:
		return RecoveryInspectCommit
	case PhaseCleanup:
		return RecoveryRerunCleanup
	default:
		return RecoveryAbort
	}
}
