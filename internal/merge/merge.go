// Package merge implements the deterministic N-way patch-set merge
// engine (spec §4.7), the largest single component of the system: a
// persisted PREPARE -> BUILD -> VALIDATE -> COMMIT -> CLEANUP state
// machine driven entirely through internal/journal, with the collect/
// partition/resolve pipeline that turns N source workspaces' patch-sets
// into one candidate tree.
//
// Grounded on the teacher's strategy package (getAllChangedFilesBetweenTrees
// and diffLines in manual_commit_attribution.go) for the tree-diff and
// diffmatchpatch-based line-merge shape, generalized from two-way
// attribution diffing to N-way contended-path resolution, and on
// checkpoint.Store for the "well-known JSON file as durable state"
// pattern internal/journal already formalizes.
package merge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/hashicorp/go-multierror"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/journal"
	"github.com/bobisme/maw/internal/logging"
	"github.com/bobisme/maw/internal/mawerr"
	"github.com/bobisme/maw/internal/merge/conflict"
	"github.com/bobisme/maw/internal/merge/driver"
	"github.com/bobisme/maw/internal/refs"
	"github.com/bobisme/maw/internal/rewrite"
	"github.com/bobisme/maw/internal/workspace"
)

// ValidationConfig mirrors config.toml's [merge.validation] table.
type ValidationConfig struct {
	Command   string
	Timeout   time.Duration
	OnFailure journal.OnFailure
}

// Options configures one merge run.
type Options struct {
	Sources         []string // source workspace names
	Mainline        string   // ref name the merged commit advances, e.g. refs/heads/main
	Validation      ValidationConfig
	Drivers         []driver.Config
	DestroySources  bool
}

// Outcome is returned on a successful (possibly warn/quarantine) merge.
type Outcome struct {
	MergeID        string
	CandidateEpoch plumbing.Hash
	Validation     journal.Validation
	Warnings       []string
}

// Engine orchestrates merges for one repository.
type Engine struct {
	git        *gitx.Adapter
	journal    *journal.Journal
	workspaces *workspace.Backend
	rewriter   *rewrite.Rewriter
	manifold   string
	author     gitx.Signature
}

// New constructs an Engine rooted at the repository git manages.
func New(git *gitx.Adapter, clock *refs.Clock) *Engine {
	manifold := filepath.Join(git.Root(), ".manifold")
	return &Engine{
		git:        git,
		journal:    journal.New(manifold),
		workspaces: workspace.New(git, clock),
		rewriter:   rewrite.New(git, clock, manifold),
		manifold:   manifold,
		author:     git.AuthorFromConfig(),
	}
}

// StartupRecover inspects any in-flight journal record left by a crash
// and performs the recovery action spec §4.3's policy table requires,
// before any new merge may begin. Returns (nil, nil) if there was
// nothing to recover.
func (e *Engine) StartupRecover(ctx context.Context, opts Options) (*Outcome, error) {
	rec, err := e.journal.Read()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	ctx = logging.WithMergeID(ctx, rec.MergeID)
	logging.Warn(ctx, "crash recovery needed", "phase", string(rec.Phase))

	switch journal.Recover(rec) {
	case journal.RecoveryAbort:
		if rerr := e.journal.Finish(); rerr != nil {
			return nil, rerr
		}
		logging.Info(ctx, "recovery: aborted unreferenced in-flight merge")
		return nil, nil

	case journal.RecoveryRerunValidate:
		return e.runValidate(ctx, rec, opts)

	case journal.RecoveryInspectCommit:
		return e.recoverPartialCommit(ctx, rec, opts)

	case journal.RecoveryRerunCleanup:
		return e.runCleanup(ctx, rec, opts)

	default:
		return nil, mawerr.CrashRecoveryNeeded(string(rec.Phase))
	}
}

// Merge runs one full PREPARE->CLEANUP cycle. Callers must invoke
// StartupRecover first; Merge itself refuses to start over an existing
// journal record (the O_EXCL create in journal.Begin enforces this).
func (e *Engine) Merge(ctx context.Context, opts Options) (*Outcome, error) {
	rec, err := e.prepare(ctx, opts)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithMergeID(ctx, rec.MergeID)

	if err := e.build(ctx, rec, opts); err != nil {
		return nil, err
	}
	outcome, err := e.runValidate(ctx, rec, opts)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		// VALIDATE blocked or quarantined; merge-state remains for the
		// caller to inspect, promote, or abandon, per spec's failure
		// semantics.
		return nil, mawerr.ValidationFailed(1, rec.Validation.StderrPath, rec.QuarantineWorkspace)
	}
	return outcome, nil
}

// ---- PREPARE ----

func (e *Engine) prepare(ctx context.Context, opts Options) (*journal.Record, error) {
	if len(opts.Sources) == 0 {
		return nil, mawerr.InvalidInput("merge requires at least one source workspace")
	}

	epochBefore, err := e.git.ReadRef(refs.EpochCurrent())
	if err != nil {
		return nil, fmt.Errorf("merge: read current epoch: %w", err)
	}

	metas, err := e.workspaces.List()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]workspace.Metadata, len(metas))
	for _, m := range metas {
		byName[m.Name] = m
	}

	sources := make([]journal.Source, 0, len(opts.Sources))
	for _, name := range opts.Sources {
		meta, ok := byName[name]
		if !ok {
			return nil, mawerr.NotFound("source workspace %q not found", name)
		}
		base := plumbing.NewHash(meta.BaseEpoch)
		if base != epochBefore {
			return nil, mawerr.InvalidInput("source workspace %q has base_epoch %s, current epoch is %s; sync before merging", name, meta.BaseEpoch, epochBefore.String())
		}
		head, err := e.git.RevParseIn(e.workspacePath(name), "HEAD")
		if err != nil {
			return nil, fmt.Errorf("merge: resolve head of %q: %w", name, err)
		}
		sources = append(sources, journal.Source{Workspace: name, HeadOID: head.String()})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Workspace < sources[j].Workspace })

	mergeID := computeMergeID(epochBefore, sources, opts)

	rec, err := e.journal.Begin(mergeID, epochBefore.String(), sources, opts.Validation.OnFailure)
	if err != nil {
		if err == journal.ErrInProgress {
			existing, rerr := e.journal.Read()
			if rerr == nil && existing != nil {
				return nil, mawerr.MergeInProgress(existing.LockPID)
			}
		}
		return nil, err
	}
	logging.Info(logging.WithMergeID(ctx, mergeID), "merge prepared", "epoch_before", epochBefore.String(), "sources", len(sources))
	return rec, nil
}

func computeMergeID(epochBefore plumbing.Hash, sources []journal.Source, opts Options) string {
	h := sha256.New()
	h.Write([]byte(epochBefore.String()))
	for _, s := range sources {
		h.Write([]byte("|" + s.Workspace + "=" + s.HeadOID))
	}
	h.Write([]byte("|policy=" + string(opts.Validation.OnFailure)))
	h.Write([]byte(fmt.Sprintf("|timeout=%d", opts.Validation.Timeout)))
	for _, d := range opts.Drivers {
		h.Write([]byte("|driver=" + d.Match + ":" + d.Command))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ---- BUILD ----

// collected is one path's union of per-source patch entries.
type collected struct {
	sources map[string]gitx.PathChange // workspace name -> its change at this path
}

func (e *Engine) build(ctx context.Context, rec *journal.Record, opts Options) error {
	epochBefore := rec.EpochBeforeHash()
	baseCommit, err := e.git.Repository().CommitObject(epochBefore)
	if err != nil {
		return fmt.Errorf("merge: resolve epoch_before commit: %w", err)
	}
	baseTree := baseCommit.TreeHash

	byPath := make(map[string]*collected)
	for _, src := range rec.Sources {
		head := plumbing.NewHash(src.HeadOID)
		headCommit, err := e.git.Repository().CommitObject(head)
		if err != nil {
			return fmt.Errorf("merge: resolve source %q head: %w", src.Workspace, err)
		}
		changes, err := e.git.DiffTrees(baseTree, headCommit.TreeHash, true)
		if err != nil {
			return fmt.Errorf("merge: diff_trees for %q: %w", src.Workspace, err)
		}
		for _, c := range changes {
			path := effectivePath(c)
			entry, ok := byPath[path]
			if !ok {
				entry = &collected{sources: map[string]gitx.PathChange{}}
				byPath[path] = entry
			}
			entry.sources[src.Workspace] = c
		}
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]gitx.TreeEntry, 0, len(paths))
	var conflicts []conflict.Conflict

	for _, path := range paths {
		entry := byPath[path]
		srcNames := make([]string, 0, len(entry.sources))
		for name := range entry.sources {
			srcNames = append(srcNames, name)
		}
		sort.Strings(srcNames)

		if len(srcNames) == 1 {
			// independent: apply directly.
			te, deleted := e.applyChange(entry.sources[srcNames[0]])
			if !deleted {
				entries = append(entries, te)
			}
			continue
		}

		// contended
		te, c, err := e.resolveContended(ctx, path, baseTree, entry.sources, srcNames, opts)
		if err != nil {
			return err
		}
		if c != nil {
			conflicts = append(conflicts, *c)
			continue // no tree entry emitted for an unresolved conflict
		}
		if te != nil {
			entries = append(entries, *te)
		}
	}

	// carry forward every path untouched by any source, from base_epoch's tree.
	baseEntries, err := e.unaffectedEntries(baseTree, byPath)
	if err != nil {
		return err
	}
	entries = append(entries, baseEntries...)

	if len(conflicts) > 0 {
		return mawerr.MergeConflict(conflicts)
	}

	candidateTree, err := e.git.BuildTree(entries)
	if err != nil {
		return fmt.Errorf("merge: build candidate tree: %w", err)
	}
	message := fmt.Sprintf("merge: %s <- %v", rec.MergeID, sourceNames(rec.Sources))
	candidateCommit, err := e.git.CreateCommit([]plumbing.Hash{epochBefore}, candidateTree, message, e.author, e.author)
	if err != nil {
		return fmt.Errorf("merge: create candidate commit: %w", err)
	}

	rec.CandidateEpoch = candidateCommit.String()
	rec.CandidateMainline = candidateCommit.String()
	if err := e.journal.Advance(rec, journal.PhaseBuild); err != nil {
		return err
	}
	logging.Info(ctx, "merge build complete", "candidate", candidateCommit.String(), "paths", len(paths))
	return nil
}

func sourceNames(sources []journal.Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Workspace
	}
	return out
}

func effectivePath(c gitx.PathChange) string {
	if c.Path != "" {
		return c.Path
	}
	return c.OldPath
}

// applyChange converts a single-source PathChange into a tree entry, or
// reports deleted=true for a delete.
func (e *Engine) applyChange(c gitx.PathChange) (gitx.TreeEntry, bool) {
	if c.Kind == gitx.ChangeDelete {
		return gitx.TreeEntry{}, true
	}
	mode := c.NewMode
	if mode == 0 {
		mode = filemode.Regular
	}
	return gitx.TreeEntry{Path: c.Path, Mode: mode, Hash: c.NewHash}, false
}

// unaffectedEntries walks baseTree and returns every path not present in touched.
func (e *Engine) unaffectedEntries(baseTree plumbing.Hash, touched map[string]*collected) ([]gitx.TreeEntry, error) {
	tree, err := e.git.ReadTree(baseTree)
	if err != nil {
		return nil, err
	}
	var out []gitx.TreeEntry
	walker := tree.Files()
	for {
		f, err := walker.Next()
		if err != nil {
			break
		}
		if _, ok := touched[f.Name]; ok {
			continue
		}
		out = append(out, gitx.TreeEntry{Path: f.Name, Mode: f.Mode, Hash: f.Hash})
	}
	return out, nil
}

// resolveContended runs the resolve ladder (spec §4.7) for one contended
// path, stopping at first success.
func (e *Engine) resolveContended(ctx context.Context, path string, baseTree plumbing.Hash, sources map[string]gitx.PathChange, srcNames []string, opts Options) (*gitx.TreeEntry, *conflict.Conflict, error) {
	// add/add and modify/delete variants are detected before falling into
	// line-merge, since neither has a meaningful three-way text merge.
	if variant, ok := structuralVariant(sources, srcNames); ok {
		c := &conflict.Conflict{Path: path, Variant: variant}
		switch variant {
		case conflict.VariantAddAdd:
			for _, n := range srcNames {
				content, _ := e.git.ReadBlob(sources[n].NewHash)
				c.Atoms = append(c.Atoms, conflict.Atom{
					Edits:  []conflict.SourceEdit{{Source: n, Content: content}},
					Reason: "added independently with different content",
				})
			}
		case conflict.VariantModifyDelete:
			for _, n := range srcNames {
				if sources[n].Kind == gitx.ChangeDelete {
					c.DeletedBy = append(c.DeletedBy, n)
				} else {
					c.ModifiedBy = append(c.ModifiedBy, n)
				}
			}
		}
		return nil, c, nil
	}

	// step 1: hash equality.
	first := sources[srcNames[0]].NewHash
	allEqual := true
	for _, n := range srcNames[1:] {
		if sources[n].NewHash != first {
			allEqual = false
			break
		}
	}
	if allEqual {
		return &gitx.TreeEntry{Path: path, Mode: filemode.Regular, Hash: first}, nil, nil
	}

	// driver override, if configured for this path.
	if cfg, ok := driver.Select(opts.Drivers, path); ok {
		baseContent, _ := e.blobAt(baseTree, path)
		merged, conflicted, err := e.runDriver(ctx, cfg, path, baseContent, sources, srcNames)
		if err != nil {
			return nil, nil, err
		}
		if !conflicted {
			oid, err := e.git.WriteBlob(merged)
			if err != nil {
				return nil, nil, err
			}
			return &gitx.TreeEntry{Path: path, Mode: filemode.Regular, Hash: oid}, nil, nil
		}
		// driver failed to resolve: fall through to line-merge/conflict.
	}

	// step 2: three-way line merge against base_epoch's blob. There is no
	// shifted-code realignment step (step 3): blocks moved by a source are
	// merged as plain line edits.
	baseContent, _ := e.blobAt(baseTree, path)
	merged, ok := e.threeWayMerge(baseContent, sources, srcNames)
	if ok {
		oid, err := e.git.WriteBlob(merged)
		if err != nil {
			return nil, nil, err
		}
		return &gitx.TreeEntry{Path: path, Mode: filemode.Regular, Hash: oid}, nil, nil
	}

	// step 5: structured content conflict. AST-aware merge (step 4) is an
	// optional per-language extension point not enabled by default; no
	// configured language grammar means this path falls straight through
	// to the structured conflict. Each source gets one Atom holding its
	// whole blob; Span is left zero, so the atom does not name a region.
	c := &conflict.Conflict{Path: path, Variant: conflict.VariantContent}
	for _, n := range srcNames {
		content, _ := e.git.ReadBlob(sources[n].NewHash)
		c.Atoms = append(c.Atoms, conflict.Atom{
			Edits: []conflict.SourceEdit{{Source: n, Content: content}},
			Reason: "unreconciled overlapping edit",
		})
	}
	return nil, c, nil
}

func structuralVariant(sources map[string]gitx.PathChange, srcNames []string) (conflict.Variant, bool) {
	addCount, deleteCount := 0, 0
	for _, n := range srcNames {
		switch sources[n].Kind {
		case gitx.ChangeAdd:
			addCount++
		case gitx.ChangeDelete:
			deleteCount++
		}
	}
	if addCount == len(srcNames) && addCount > 1 {
		return conflict.VariantAddAdd, true
	}
	if deleteCount > 0 && deleteCount < len(srcNames) {
		return conflict.VariantModifyDelete, true
	}
	return 0, false
}

func (e *Engine) blobAt(tree plumbing.Hash, path string) ([]byte, error) {
	t, err := e.git.ReadTree(tree)
	if err != nil {
		return nil, err
	}
	f, err := t.File(path)
	if err != nil {
		return nil, err // not present in base: treated as empty base for merge purposes
	}
	content, err := f.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

// threeWayMerge performs a sequential pairwise three-way merge of each
// source's content against base using diffmatchpatch's line-mode diff,
// per the teacher's diffLines pattern, generalized from stat-counting to
// patch application. Succeeds only if no two sources touch overlapping
// line ranges relative to base.
func (e *Engine) threeWayMerge(base []byte, sources map[string]gitx.PathChange, srcNames []string) ([]byte, bool) {
	dmp := diffmatchpatch.New()
	baseStr := string(base)

	type lineDiff struct {
		source string
		diffs  []diffmatchpatch.Diff
	}
	var perSource []lineDiff
	for _, n := range srcNames {
		content, err := e.git.ReadBlob(sources[n].NewHash)
		if err != nil {
			return nil, false
		}
		t1, t2, lines := dmp.DiffLinesToChars(baseStr, string(content))
		diffs := dmp.DiffMain(t1, t2, false)
		diffs = dmp.DiffCharsToLines(diffs, lines)
		perSource = append(perSource, lineDiff{source: n, diffs: diffs})
	}

	// Detect whether any two sources both touch the same base line range
	// with a non-equal op; if so the text merge cannot be performed
	// without losing one side's edit, so the caller falls through to a
	// structured conflict instead.
	touched := make(map[int][]string) // base line index -> sources touching it
	for _, ld := range perSource {
		lineIdx := 0
		for _, d := range ld.diffs {
			if d.Type == diffmatchpatch.DiffInsert {
				continue // inserts don't occupy a base line position
			}
			n := lineCount(d.Text)
			if d.Type == diffmatchpatch.DiffDelete {
				for i := 0; i < n; i++ {
					touched[lineIdx+i] = append(touched[lineIdx+i], ld.source)
				}
			}
			lineIdx += n
		}
	}
	for _, srcs := range touched {
		if len(srcs) > 1 {
			return nil, false
		}
	}

	// No overlap: apply every source's non-equal edits to base in
	// lexicographic source order (tie-breaking per spec §4.7), building
	// the merged text by walking base lines once and splicing in each
	// source's insertions/deletions at their recorded position.
	var out bytes.Buffer
	baseLines := splitLines(baseStr)
	applied := make([]bool, len(baseLines))
	pending := make(map[int][]string) // base line index -> inserted text blocks, in source order

	for _, ld := range perSource {
		lineIdx := 0
		for _, d := range ld.diffs {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lineIdx += lineCount(d.Text)
			case diffmatchpatch.DiffDelete:
				n := lineCount(d.Text)
				for i := 0; i < n && lineIdx+i < len(applied); i++ {
					applied[lineIdx+i] = true
				}
				lineIdx += n
			case diffmatchpatch.DiffInsert:
				pending[lineIdx] = append(pending[lineIdx], d.Text)
			}
		}
	}

	for i, line := range baseLines {
		for _, ins := range pending[i] {
			out.WriteString(ins)
		}
		if !applied[i] {
			out.WriteString(line)
		}
	}
	for _, ins := range pending[len(baseLines)] {
		out.WriteString(ins)
	}

	return out.Bytes(), true
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := bytes.Count([]byte(s), []byte("\n"))
	if len(s) > 0 && s[len(s)-1] != '\n' {
		n++
	}
	return n
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (e *Engine) runDriver(ctx context.Context, cfg driver.Config, path string, base []byte, sources map[string]gitx.PathChange, srcNames []string) ([]byte, bool, error) {
	// maw ships only the merge3 (base/ours/theirs) driver kind; with more
	// than two contending sources, "ours" is the lexicographically first
	// and "theirs" the second, consistent with the tie-breaking rule;
	// remaining sources (rare in practice) are appended to theirs.
	ours, err := e.git.ReadBlob(sources[srcNames[0]].NewHash)
	if err != nil {
		return nil, true, nil
	}
	theirs, err := e.git.ReadBlob(sources[srcNames[1]].NewHash)
	if err != nil {
		return nil, true, nil
	}
	for _, n := range srcNames[2:] {
		extra, err := e.git.ReadBlob(sources[n].NewHash)
		if err != nil {
			return nil, true, nil
		}
		theirs = append(theirs, extra...)
	}
	result, err := driver.Run(ctx, cfg, path, base, ours, theirs, 30*time.Second)
	if err != nil {
		return nil, true, fmt.Errorf("merge: driver for %q: %w", path, err)
	}
	return result.Merged, result.Conflicted, nil
}

// ---- VALIDATE ----

func (e *Engine) runValidate(ctx context.Context, rec *journal.Record, opts Options) (*Outcome, error) {
	candidate := rec.CandidateEpochHash()
	diagDir := filepath.Join(e.manifold, "artifacts", "merge", rec.MergeID)
	if err := os.MkdirAll(diagDir, 0o750); err != nil {
		return nil, err
	}

	var status string
	var stdoutPath, stderrPath string
	if opts.Validation.Command == "" {
		status = "pass"
	} else {
		tmpWS, cerr := os.MkdirTemp("", "maw-validate-*")
		if cerr != nil {
			return nil, cerr
		}
		defer os.RemoveAll(tmpWS)

		commit, cerr := e.git.Repository().CommitObject(candidate)
		if cerr != nil {
			return nil, cerr
		}
		if cerr := e.git.CheckoutTree(tmpWS, commit.TreeHash, gitx.PolicyForceReplace); cerr != nil {
			return nil, fmt.Errorf("merge: materialize candidate for validation: %w", cerr)
		}

		stdout, stderr, runErr := runValidationCommand(ctx, opts.Validation, tmpWS)
		stdoutPath = filepath.Join(diagDir, "validate.stdout.log")
		stderrPath = filepath.Join(diagDir, "validate.stderr.log")
		_ = os.WriteFile(stdoutPath, stdout, 0o600)
		_ = os.WriteFile(stderrPath, stderr, 0o600)

		if runErr == nil {
			status = "pass"
		} else {
			switch opts.Validation.OnFailure {
			case journal.OnFailureWarn:
				status = "fail_warn"
			case journal.OnFailureQuarantine:
				status = "fail_quarantine"
			default:
				status = "fail_block"
			}
		}
	}

	rec.Validation = &journal.Validation{Status: status, StdoutPath: stdoutPath, StderrPath: stderrPath}

	var warnings []string
	if status == "fail_quarantine" {
		qName := fmt.Sprintf("merge-quarantine/%s", rec.MergeID)
		if _, err := e.workspaces.Create(qName, candidate); err != nil {
			return nil, fmt.Errorf("merge: create quarantine workspace: %w", err)
		}
		rec.QuarantineWorkspace = qName
	}

	if err := e.journal.Advance(rec, journal.PhaseValidate); err != nil {
		return nil, err
	}
	logging.Info(ctx, "merge validate complete", "status", status)

	if status == "fail_block" || status == "fail_quarantine" {
		return nil, nil // caller (Merge) turns this into a ValidationFailed error; state is retained
	}
	if status == "fail_warn" {
		warnings = append(warnings, "validation failed but policy is warn; candidate committed anyway")
	}

	return e.commit(ctx, rec, opts, warnings)
}

func runValidationCommand(ctx context.Context, vc ValidationConfig, dir string) ([]byte, []byte, error) {
	timeout := vc.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", vc.Command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ---- COMMIT ----

func (e *Engine) commit(ctx context.Context, rec *journal.Record, opts Options, warnings []string) (*Outcome, error) {
	epochBefore := rec.EpochBeforeHash()
	candidate := rec.CandidateEpochHash()

	err := e.git.AtomicRefUpdate([]gitx.RefUpdate{
		{Name: refs.EpochCurrent(), Old: epochBefore, New: candidate},
		{Name: opts.Mainline, Old: epochBefore, New: candidate},
	})
	if err != nil {
		epochOID, _ := e.git.ReadRef(refs.EpochCurrent())
		epochMoved := epochOID == candidate
		mainlineOID, _ := e.git.ReadRef(opts.Mainline)
		mainlineMoved := mainlineOID == candidate
		if epochMoved != mainlineMoved {
			return nil, mawerr.PartialCommit(epochMoved, mainlineMoved)
		}
		return nil, fmt.Errorf("merge: commit ref update: %w", err)
	}

	if err := e.journal.Advance(rec, journal.PhaseCommit); err != nil {
		return nil, err
	}
	logging.Info(ctx, "merge committed", "epoch", candidate.String())

	return e.runCleanup(ctx, rec, opts)
}

// recoverPartialCommit inspects which leg of COMMIT's two-step CAS
// landed after a crash and finalizes or reports accordingly.
func (e *Engine) recoverPartialCommit(ctx context.Context, rec *journal.Record, opts Options) (*Outcome, error) {
	candidate := rec.CandidateEpochHash()
	epochOID, _ := e.git.ReadRef(refs.EpochCurrent())
	mainlineOID, _ := e.git.ReadRef(opts.Mainline)

	epochMoved := epochOID == candidate
	mainlineMoved := mainlineOID == candidate

	switch {
	case epochMoved && mainlineMoved:
		// both legs landed; COMMIT completed, only the journal write didn't
		// advance (or CLEANUP itself is what crashed). Proceed to CLEANUP.
		if rec.Phase != journal.PhaseCommit {
			if err := e.journal.Advance(rec, journal.PhaseCommit); err != nil {
				return nil, err
			}
		}
		return e.runCleanup(ctx, rec, opts)
	case epochMoved && !mainlineMoved:
		if err := e.git.WriteRefCAS(opts.Mainline, rec.EpochBeforeHash(), candidate); err != nil {
			return nil, mawerr.PartialCommit(true, false)
		}
		if err := e.journal.Advance(rec, journal.PhaseCommit); err != nil {
			return nil, err
		}
		return e.runCleanup(ctx, rec, opts)
	case !epochMoved && !mainlineMoved:
		// neither leg landed; COMMIT never executed. Safe to retry from BUILD's candidate.
		return e.commit(ctx, rec, opts, nil)
	default:
		// mainline moved but epoch did not: impossible under the documented
		// epoch-first ordering unless a later, unrelated merge moved
		// mainline directly, which never happens while this lock is held.
		return nil, mawerr.PartialCommit(epochMoved, mainlineMoved)
	}
}

// ---- CLEANUP ----

func (e *Engine) runCleanup(ctx context.Context, rec *journal.Record, opts Options) (*Outcome, error) {
	var merr *multierror.Error
	candidate := rec.CandidateEpochHash()

	defaultPath := filepath.Join(e.git.Root(), "ws", workspace.DefaultName)
	commit, err := e.git.Repository().CommitObject(candidate)
	if err == nil {
		if _, rerr := e.rewriter.Rewrite(defaultPath, workspace.DefaultName, rec.EpochBeforeHash(), commit.TreeHash, opts.Mainline); rerr != nil {
			merr = multierror.Append(merr, fmt.Errorf("rewrite ws/default failed: %w", rerr))
			logging.Warn(ctx, "cleanup: rewrite default workspace failed", logging.ErrAttr(rerr))
		}
	} else {
		merr = multierror.Append(merr, fmt.Errorf("resolve candidate commit for rewrite: %w", err))
	}

	if opts.DestroySources {
		for _, src := range rec.Sources {
			if derr := e.workspaces.Destroy(src.Workspace); derr != nil {
				merr = multierror.Append(merr, fmt.Errorf("destroy source %q failed: %w", src.Workspace, derr))
				logging.Warn(ctx, "cleanup: destroy source workspace failed", "workspace", src.Workspace, logging.ErrAttr(derr))
			}
		}
	}

	if err := e.journal.Advance(rec, journal.PhaseCleanup); err != nil {
		return nil, err
	}
	if err := e.journal.Finish(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("journal finish: %w", err))
	}

	var warnings []string
	if merr != nil {
		for _, werr := range merr.Errors {
			warnings = append(warnings, werr.Error())
		}
	}

	logging.Info(ctx, "merge cleanup complete", "warnings", len(warnings))
	validation := journal.Validation{}
	if rec.Validation != nil {
		validation = *rec.Validation
	}
	return &Outcome{
		MergeID:        rec.MergeID,
		CandidateEpoch: candidate,
		Validation:     validation,
		Warnings:       warnings,
	}, nil
}

func (e *Engine) workspacePath(name string) string {
	return filepath.Join(e.git.Root(), "ws", name)
}
