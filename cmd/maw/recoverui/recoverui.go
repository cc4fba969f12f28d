// Package recoverui provides the interactive recovery-ref picker and
// destroy/restore confirmation prompts for `maw recover`, built on
// charmbracelet/huh.
//
// Grounded on the teacher's rewind.go select-a-checkpoint flow
// (huh.NewSelect populated from rewind points, with a trailing "Cancel"
// option) and its confirm-before-destructive-action prompts in
// reset.go/resume.go, generalized from Entire's checkpoint identifiers
// to maw's recovery ref names.
package recoverui

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/bobisme/maw/internal/refs"
)

// ErrCancelled is returned when the user selects "Cancel" or aborts the form.
var ErrCancelled = errors.New("recoverui: selection cancelled")

// RefChoice is one recovery ref presented to the user.
type RefChoice struct {
	RefName   string
	Workspace string
	Timestamp string
}

// SelectRef prompts the user to choose one recovery ref from choices,
// formatted oldest-last (choices is expected newest-first, matching
// ListRecoveryRefs's descending order).
func SelectRef(choices []RefChoice) (string, error) {
	if len(choices) == 0 {
		return "", fmt.Errorf("recoverui: no recovery refs available")
	}

	options := make([]huh.Option[string], 0, len(choices)+1)
	for _, c := range choices {
		label := fmt.Sprintf("%s  workspace=%s  %s", formatTimestamp(c.Timestamp), c.Workspace, c.RefName)
		options = append(options, huh.NewOption(label, c.RefName))
	}
	options = append(options, huh.NewOption("Cancel", "cancel"))

	var selected string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select a recovery snapshot to restore").
				Description("A new workspace will be created from this snapshot; nothing is overwritten").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if selected == "cancel" || selected == "" {
		return "", ErrCancelled
	}
	return selected, nil
}

// ConfirmDestroy prompts before a destructive destroy, naming the
// workspace so the prompt can never be confused across a batch.
func ConfirmDestroy(workspaceName string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Destroy workspace %q?", workspaceName)).
				Description("Uncommitted work will be captured to a recovery ref first, but the working directory will be removed.").
				Affirmative("Destroy").
				Negative("Cancel").
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return ok, nil
}

func formatTimestamp(ts string) string {
	// Recovery ref timestamps are refs.Clock-formatted; re-parse for a
	// friendlier display, falling back to the raw string on mismatch
	// (e.g. a timestamp carrying a collision-disambiguation suffix).
	if t, err := time.Parse("20060102T150405.000Z", ts); err == nil {
		return t.Format("2006-01-02 15:04:05")
	}
	return ts
}

// ChoicesFromRefNames converts raw ref names (as returned by
// capture.ListRecoveryRefs) into RefChoice values for SelectRef.
func ChoicesFromRefNames(names []string) []RefChoice {
	out := make([]RefChoice, 0, len(names))
	for _, n := range names {
		ws, ts, ok := refs.ParseRecovery(n)
		if !ok {
			continue
		}
		out = append(out, RefChoice{RefName: n, Workspace: ws, Timestamp: ts})
	}
	return out
}
