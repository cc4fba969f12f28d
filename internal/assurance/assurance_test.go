package assurance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Deterministic(t *testing.T) {
	a := NewGenerator(42).Generate(30)
	b := NewGenerator(42).Generate(30)
	assert.Equal(t, a, b, "same seed must produce an identical trace")
}

func TestGenerator_DifferentSeedsDiverge(t *testing.T) {
	a := NewGenerator(1).Generate(30)
	b := NewGenerator(2).Generate(30)
	assert.NotEqual(t, a.Steps, b.Steps)
}

func TestGenerator_FirstStepIsAlwaysCreate(t *testing.T) {
	tr := NewGenerator(7).Generate(10)
	require.NotEmpty(t, tr.Steps)
	assert.Equal(t, OpCreate, tr.Steps[0].Kind)
}

func TestDriver_SmallTraceNoViolations(t *testing.T) {
	ctx := context.Background()
	for seed := int64(0); seed < 5; seed++ {
		trace := NewGenerator(seed).Generate(25)
		driver, err := NewDriver()
		require.NoError(t, err)

		res := driver.Run(ctx, trace)
		require.NoError(t, driver.Close())

		assert.Empty(t, res.Violations, "seed %d produced violations: %v", seed, res.Violations)
	}
}

func TestDriver_CrashDuringCommitStillReachable(t *testing.T) {
	ctx := context.Background()
	trace := Trace{
		Steps: []Step{
			{Kind: OpCreate, Workspace: "agent-0"},
			{Kind: OpEdit, Workspace: "agent-0", Path: "a.txt", Content: "hello\n"},
			{Kind: OpCrash, Failpoint: "merge.commit.between_cas"},
			{Kind: OpMerge, Sources: []string{"agent-0"}},
			{Kind: OpRestart},
		},
	}
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	res := driver.Run(ctx, trace)
	assert.Empty(t, res.Violations, "crash-recovery trace left an unreachable or unrecoverable state: %v", res.Violations)
}

func TestMinimize_ReducesToSmallestFailingTrace(t *testing.T) {
	ctx := context.Background()
	// A synthetic run function standing in for a Driver: any trace whose
	// length is >= 3 and whose first step is OpCrash "fails", exercising
	// the reduction logic without depending on real git state.
	run := func(_ context.Context, tr Trace) RunResult {
		if len(tr.Steps) >= 3 && len(tr.Steps) > 0 && tr.Steps[0].Kind == OpCrash {
			return RunResult{Violations: []Violation{{StepIndex: 0, Rule: "synthetic", Detail: "too long"}}}
		}
		return RunResult{}
	}

	big := Trace{Seed: 99, Steps: []Step{
		{Kind: OpCrash, Failpoint: "x"},
		{Kind: OpEdit}, {Kind: OpEdit}, {Kind: OpEdit}, {Kind: OpEdit}, {Kind: OpEdit},
	}}
	minimized := Minimize(ctx, big, run)
	assert.GreaterOrEqual(t, len(minimized.Steps), 3)
	assert.Less(t, len(minimized.Steps), len(big.Steps))
}

func TestCorpus_PersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entry := CorpusEntry{
		Trace:      Trace{Seed: 123, Steps: []Step{{Kind: OpCreate, Workspace: "agent-0"}}},
		Violations: []Violation{{StepIndex: 0, Rule: "reachability", Detail: "test"}},
	}
	require.NoError(t, PersistFailure(dir, entry))

	loaded, err := LoadCorpus(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, entry.Trace.Seed, loaded[0].Trace.Seed)
	assert.Equal(t, entry.Violations, loaded[0].Violations)
}

func TestCorpus_LoadMissingDirIsEmpty(t *testing.T) {
	loaded, err := LoadCorpus(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestReplayCorpus_GreenCorpusReportsNoFailures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	entry := CorpusEntry{
		Trace: Trace{Seed: 5, Steps: []Step{
			{Kind: OpCreate, Workspace: "agent-0"},
			{Kind: OpEdit, Workspace: "agent-0", Path: "a.txt", Content: "x\n"},
		}},
	}
	require.NoError(t, PersistFailure(dir, entry))

	failing, err := ReplayCorpus(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, failing)
}
