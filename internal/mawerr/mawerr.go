// Package mawerr defines the typed error taxonomy shared across maw's
// components. Every error returned across a package boundary carries a
// Kind so callers can branch on failure mode with errors.As instead of
// string matching, and a human message for direct display.
package mawerr

import (
	"fmt"

	"github.com/bobisme/maw/internal/merge/conflict"
)

// Kind identifies a structured error category from spec §7.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindNotFound         Kind = "not_found"
	KindMergeInProgress  Kind = "merge_in_progress"
	KindMergeConflict    Kind = "merge_conflict"
	KindValidationFailed Kind = "validation_failed"
	KindCaptureFailed    Kind = "capture_failed"
	KindCasFailed        Kind = "cas_failed"
	KindPartialCommit    Kind = "partial_commit"
	KindReplayFailed     Kind = "replay_failed"
	KindCrashRecovery    Kind = "crash_recovery_needed"
)

// Error is the common shape of every typed maw error.
type Error struct {
	kind    Kind
	msg     string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.wrapped)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.wrapped }

// Kind returns the structured error category.
func (e *Error) Kind() Kind { return e.kind }

func newErr(k Kind, msg string, wrapped error) *Error {
	return &Error{kind: k, msg: msg, wrapped: wrapped}
}

// InvalidInput reports a bad workspace name, reserved name, or malformed config.
func InvalidInput(format string, args ...any) error {
	return newErr(KindInvalidInput, fmt.Sprintf(format, args...), nil)
}

// NotFound reports a missing workspace, ref, or recovery snapshot.
func NotFound(format string, args ...any) error {
	return newErr(KindNotFound, fmt.Sprintf(format, args...), nil)
}

// MergeInProgress reports that another merge holds the merge lock.
func MergeInProgress(lockPID int) error {
	return newErr(KindMergeInProgress, fmt.Sprintf("merge already in progress (lock held by pid %d)", lockPID), nil)
}

// MergeConflictErr carries the structured conflicts from the resolve stage.
type MergeConflictErr struct {
	*Error
	Conflicts []conflict.Conflict
}

// MergeConflict wraps structured conflicts as a typed error.
func MergeConflict(conflicts []conflict.Conflict) error {
	return &MergeConflictErr{
		Error:     newErr(KindMergeConflict, fmt.Sprintf("%d unresolved conflict(s)", len(conflicts)), nil),
		Conflicts: conflicts,
	}
}

// ValidationFailedErr describes a failed VALIDATE phase.
type ValidationFailedErr struct {
	*Error
	Status             int
	DiagnosticsPath    string
	QuarantineWorkspace string
}

// ValidationFailed reports a VALIDATE-phase failure.
func ValidationFailed(status int, diagnosticsPath, quarantineWorkspace string) error {
	return &ValidationFailedErr{
		Error:               newErr(KindValidationFailed, fmt.Sprintf("validation failed with status %d", status), nil),
		Status:              status,
		DiagnosticsPath:     diagnosticsPath,
		QuarantineWorkspace: quarantineWorkspace,
	}
}

// CaptureFailed reports that capture_before_destroy could not stake a
// recovery ref; callers must abort the destructive operation entirely.
func CaptureFailed(cause error) error {
	return newErr(KindCaptureFailed, "capture before destroy failed", cause)
}

// CasFailedErr reports a compare-and-swap ref update that lost a race.
type CasFailedErr struct {
	*Error
	Ref              string
	Expected, Actual string
}

// CasFailed reports that a CAS ref update did not match the expected old value.
func CasFailed(ref, expected, actual string) error {
	return &CasFailedErr{
		Error:    newErr(KindCasFailed, fmt.Sprintf("ref %s: expected %s, found %s", ref, expected, actual), nil),
		Ref:      ref,
		Expected: expected,
		Actual:   actual,
	}
}

// PartialCommitErr reports that COMMIT's multi-ref update only partially
// landed; recover_partial_commit must be run before retrying.
type PartialCommitErr struct {
	*Error
	EpochMoved, MainlineMoved bool
}

// PartialCommit reports a torn two-step CAS during COMMIT.
func PartialCommit(epochMoved, mainlineMoved bool) error {
	return &PartialCommitErr{
		Error:          newErr(KindPartialCommit, "commit phase left refs in a partial state", nil),
		EpochMoved:     epochMoved,
		MainlineMoved:  mainlineMoved,
	}
}

// ReplayFailedErr reports that the rewrite primitive's staged/unstaged
// replay step failed and the working copy was rolled back.
type ReplayFailedErr struct {
	*Error
	Phase         string
	RecoveryRef   string
	ArtifactsDir  string
	Diagnostics   string
}

// ReplayFailed reports a failed patch replay during the rewrite primitive.
func ReplayFailed(phase, recoveryRef, artifactsDir, diagnostics string) error {
	return &ReplayFailedErr{
		Error:        newErr(KindReplayFailed, fmt.Sprintf("replay failed in phase %q", phase), nil),
		Phase:        phase,
		RecoveryRef:  recoveryRef,
		ArtifactsDir: artifactsDir,
		Diagnostics:  diagnostics,
	}
}

// CrashRecoveryNeeded reports that merge-state.json exists on startup and
// the core must run its recovery policy before proceeding.
func CrashRecoveryNeeded(phase string) error {
	return newErr(KindCrashRecovery, fmt.Sprintf("crash recovery needed at phase %s", phase), nil)
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, k Kind) bool {
	for err != nil {
		if me, ok := err.(interface{ Kind() Kind }); ok {
			if me.Kind() == k {
				return true
			}
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}
