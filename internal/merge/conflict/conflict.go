// Package conflict defines the structured conflict value produced by
// the merge engine's resolve stage when two or more sources touch the
// same region of a file (or the same path) in incompatible ways. An Atom
// can localize an incompatibility to a base region through its Span and
// carries a machine and human readable Reason. The merge engine does not
// fill Span: its content and add/add conflicts carry one Atom per source
// holding that source's whole blob, not the region responsible.
//
// Grounded on the teacher's manual_commit_attribution.go, which already
// partitions diffmatchpatch op runs into equal/insert/delete regions;
// this package generalizes that partitioning into a durable conflict
// value shared between the merge engine, mawerr, and diagnostics output.
package conflict

import "fmt"

// Variant discriminates the shape of an incompatibility between sources.
type Variant int

const (
	// VariantContent is two or more sources editing overlapping byte/line
	// regions of the same file in ways the three-way line merge could not
	// reconcile.
	VariantContent Variant = iota
	// VariantAddAdd is two or more sources independently creating the same
	// path with different content and no common base version.
	VariantAddAdd
	// VariantModifyDelete is one source modifying a path that another
	// source deleted.
	VariantModifyDelete
	// VariantDivergentRename is two or more sources renaming the same
	// base FileId to different target paths.
	VariantDivergentRename
)

func (v Variant) String() string {
	switch v {
	case VariantContent:
		return "content"
	case VariantAddAdd:
		return "add_add"
	case VariantModifyDelete:
		return "modify_delete"
	case VariantDivergentRename:
		return "divergent_rename"
	default:
		return "unknown"
	}
}

// Span localizes a conflict to a region of the base version: either a
// line range (ordinary text conflicts) or an AST node path (when the
// optional AST merge step identifies a finer-grained incompatible node
// than line ranges can express). Exactly one of the two addressing
// modes is populated.
type Span struct {
	// StartLine and EndLine are 1-based, inclusive, and populated for
	// line-range conflicts.
	StartLine, EndLine int

	// ASTPath is populated instead of a line range when the AST merge
	// step localizes the conflict to a specific node (e.g. a function
	// body) rather than a raw line span.
	ASTPath string
}

func (s Span) String() string {
	if s.ASTPath != "" {
		return s.ASTPath
	}
	if s.StartLine == s.EndLine {
		return fmt.Sprintf("line %d", s.StartLine)
	}
	return fmt.Sprintf("lines %d-%d", s.StartLine, s.EndLine)
}

// SourceEdit identifies which contributing source produced one side of
// a conflict, by the workspace (or merge source) name and the blob it
// contributed at this path.
type SourceEdit struct {
	Source  string
	Content []byte
}

// Atom is one localized, irreconcilable incompatibility within a single
// path: a Span plus the competing edits from each source that touched it.
type Atom struct {
	Span   Span
	Edits  []SourceEdit
	Reason string
}

// Conflict is one path's unresolved state after the resolve stage. As
// produced by the merge engine, VariantContent and VariantAddAdd
// conflicts carry one Atom per contending source (its whole blob, zero
// Span); VariantModifyDelete conflicts carry no atoms and name the
// sources in ModifiedBy and DeletedBy.
type Conflict struct {
	Path    string
	Variant Variant
	Atoms   []Atom

	// OldPath is populated for VariantDivergentRename: the common base
	// path every source renamed away from.
	OldPath string
	// Targets is populated for VariantDivergentRename: the distinct
	// target paths each source renamed OldPath to, keyed by source name.
	Targets map[string]string

	// DeletedBy and ModifiedBy are populated for VariantModifyDelete.
	DeletedBy  []string
	ModifiedBy []string
}

// Summary renders a one-line human-readable description suitable for
// inclusion in a MergeConflict error message or diagnostics file.
func (c Conflict) Summary() string {
	switch c.Variant {
	case VariantAddAdd:
		return fmt.Sprintf("%s: added independently by multiple sources with different content", c.Path)
	case VariantModifyDelete:
		return fmt.Sprintf("%s: modified by %v, deleted by %v", c.Path, c.ModifiedBy, c.DeletedBy)
	case VariantDivergentRename:
		return fmt.Sprintf("%s: renamed to divergent targets %v", c.OldPath, c.Targets)
	default:
		return fmt.Sprintf("%s: %d unresolved region(s)", c.Path, len(c.Atoms))
	}
}
