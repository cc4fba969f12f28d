package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhase_AtLeast(t *testing.T) {
	assert.True(t, PhaseCommit.AtLeast(PhaseBuild))
	assert.True(t, PhaseCommit.AtLeast(PhaseCommit))
	assert.False(t, PhaseBuild.AtLeast(PhaseCommit))
}

func TestBegin_CreatesRecordAtPrepare(t *testing.T) {
	j := New(t.TempDir())
	rec, err := j.Begin("merge123", "epoch0", []Source{{Workspace: "agent-0"}}, OnFailureBlock)
	require.NoError(t, err)
	assert.Equal(t, PhasePrepare, rec.Phase)
	assert.Equal(t, "merge123", rec.MergeID)
	assert.True(t, j.Exists())
}

func TestBegin_SecondCallFailsWithInProgress(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	_, err := j.Begin("merge123", "epoch0", nil, OnFailureBlock)
	require.NoError(t, err)

	_, err = j.Begin("merge456", "epoch0", nil, OnFailureBlock)
	assert.ErrorIs(t, err, ErrInProgress)
}

func TestRead_NoFileReturnsNilNil(t *testing.T) {
	j := New(t.TempDir())
	rec, err := j.Read()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRead_RoundTripsWrittenRecord(t *testing.T) {
	j := New(t.TempDir())
	rec, err := j.Begin("merge123", "epoch0", []Source{{Workspace: "agent-0", HeadOID: "h1"}}, OnFailureWarn)
	require.NoError(t, err)

	reread, err := j.Read()
	require.NoError(t, err)
	require.NotNil(t, reread)
	assert.Equal(t, rec.MergeID, reread.MergeID)
	assert.Equal(t, OnFailureWarn, reread.Policy)
	require.Len(t, reread.Sources, 1)
	assert.Equal(t, "agent-0", reread.Sources[0].Workspace)
}

func TestRead_CorruptFileErrors(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("not json"), 0o600))

	_, err := j.Read()
	assert.Error(t, err)
}

func TestAdvance_ForwardOnly(t *testing.T) {
	j := New(t.TempDir())
	rec, err := j.Begin("merge123", "epoch0", nil, OnFailureBlock)
	require.NoError(t, err)

	require.NoError(t, j.Advance(rec, PhaseBuild))
	assert.Equal(t, PhaseBuild, rec.Phase)

	err = j.Advance(rec, PhasePrepare)
	assert.Error(t, err, "backward transition must be rejected")
}

func TestAdvance_SameKeyPhaseAllowed(t *testing.T) {
	j := New(t.TempDir())
	rec, err := j.Begin("merge123", "epoch0", nil, OnFailureBlock)
	require.NoError(t, err)
	require.NoError(t, j.Advance(rec, PhasePrepare))
	assert.Equal(t, PhasePrepare, rec.Phase)
}

func TestFinish_RemovesJournalIdempotently(t *testing.T) {
	j := New(t.TempDir())
	_, err := j.Begin("merge123", "epoch0", nil, OnFailureBlock)
	require.NoError(t, err)
	require.True(t, j.Exists())

	require.NoError(t, j.Finish())
	assert.False(t, j.Exists())
	assert.NoError(t, j.Finish(), "Finish must be idempotent")
}

func TestRecover_PolicyTable(t *testing.T) {
	cases := map[Phase]RecoveryAction{
		PhasePrepare:  RecoveryAbort,
		PhaseBuild:    RecoveryAbort,
		PhaseValidate: RecoveryRerunValidate,
		PhaseCommit:   RecoveryInspectCommit,
		PhaseCleanup:  RecoveryRerunCleanup,
	}
	for phase, want := range cases {
		assert.Equal(t, want, Recover(&Record{Phase: phase}), "phase %s", phase)
	}
}

func TestRecord_CandidateAndEpochBeforeHash(t *testing.T) {
	rec := &Record{
		EpochBefore:    "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CandidateEpoch: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	}
	assert.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", rec.CandidateEpochHash().String())
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", rec.EpochBeforeHash().String())
}
