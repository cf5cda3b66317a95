package runstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testParams() RunParams {
	return RunParams{
		Seed:              42,
		LabelPolicy:       "partition",
		PartitionMode:     "centroid",
		K:                 6,
		Dims:              10,
		MinDetectFraction: 0.1,
		Alpha:             0.01,
		MinSections:       3,
		MinOverlap:        3,
		MaxSamples:        100000,
		Sections:          []string{"secA", "secB"},
	}
}

func createRun(t *testing.T, s *Store, id string) *Run {
	t.Helper()
	run := &Run{
		ID:        id,
		Status:    RunStatusQueued,
		Params:    testParams(),
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateRun(run))
	return run
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, RunStatusQueued, got.Status)
	assert.Equal(t, int64(42), got.Params.Seed)
	assert.Equal(t, []string{"secA", "secB"}, got.Params.Sections)

	require.NoError(t, s.UpdateRunStarted("run-1"))
	got, err = s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, s.UpdateRunProgress("run-1", "sections", 1, 2))
	got, _ = s.GetRun("run-1")
	assert.Equal(t, "sections", got.Progress.Phase)
	assert.Equal(t, 1, got.Progress.Done)

	require.NoError(t, s.UpdateRunStatus("run-1", RunStatusCompleted, ""))
	got, _ = s.GetRun("run-1")
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.NotNil(t, got.FinishedAt)

	missing, err := s.GetRun("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRestartRecovery(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "stuck")
	createRun(t, s, "waiting")
	require.NoError(t, s.UpdateRunStarted("stuck"))

	require.NoError(t, s.MarkRunningAsFailed("daemon restarted"))

	got, _ := s.GetRun("stuck")
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "daemon restarted", got.Error)

	queued, err := s.ListQueuedRuns()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "waiting", queued[0].ID)
}

func TestLabelsReplaceOnReinsert(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	require.NoError(t, s.InsertLabels("run-1", "secA", "partition", map[string]string{"s1": "0", "s2": "1"}))
	// A relabel of the same section and stage replaces, never accumulates.
	require.NoError(t, s.InsertLabels("run-1", "secA", "partition", map[string]string{"s1": "1", "s2": "1"}))
}

func TestDEResultsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	rows := []DERow{
		{SectionID: "secA", Contrast: "tumor_vs_normal", Gene: "EPCAM", Log2FC: 1.5, P: 0.0001, PAdj: 0.002, Pct1: 0.9, Pct2: 0.2},
		{SectionID: "secA", Contrast: "tumor_vs_normal", Gene: "VIM", Log2FC: -0.8, P: 0.01, PAdj: 0.2, Pct1: 0.4, Pct2: 0.7},
		{SectionID: "secB", Contrast: "tumor_vs_normal", Gene: "EPCAM", Log2FC: 1.2, P: 0.001, PAdj: 0.02, Pct1: 0.8, Pct2: 0.3},
	}
	require.NoError(t, s.InsertDEResults("run-1", rows))

	got, total, err := s.QueryDEResults("run-1", "secA", "tumor_vs_normal", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 2)
	// Ordered by adjusted p ascending.
	assert.Equal(t, "EPCAM", got[0].Gene)
	assert.Equal(t, 1.5, got[0].Log2FC)

	// Paging.
	page, total, err := s.QueryDEResults("run-1", "secA", "tumor_vs_normal", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "VIM", page[0].Gene)
}

func TestConsensusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	rows := []ConsensusRow{
		{Contrast: "tumor_vs_normal", Gene: "EPCAM", SigCount: 3, Tested: 4, SignConsistent: true, MeanLog2FC: 1.1, InSignature: true},
		{Contrast: "tumor_vs_normal", Gene: "VIM", SigCount: 1, Tested: 4, SignConsistent: false, MeanLog2FC: 0.2, InSignature: false},
	}
	require.NoError(t, s.InsertConsensus("run-1", rows))

	all, err := s.QueryConsensus("run-1", "tumor_vs_normal", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sig, err := s.QueryConsensus("run-1", "tumor_vs_normal", true)
	require.NoError(t, err)
	require.Len(t, sig, 1)
	assert.Equal(t, "EPCAM", sig[0].Gene)
	assert.True(t, sig[0].SignConsistent)
}

func TestEnrichmentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	rows := []EnrichmentRow{
		{Comparison: "secA", GeneSet: "h|hypoxia", Context: "h", Condition: "hypoxia", Size: 50, Overlap: 12, ES: 0.7, P: 0.0005, PAdj: 0.004, Samples: 3200},
	}
	skips := []SkipRow{
		{Comparison: "secA", GeneSet: "h|tiny", Reason: "insufficient overlap with ranked universe"},
	}
	require.NoError(t, s.InsertEnrichment("run-1", rows, skips))

	got, err := s.QueryEnrichment("run-1", "secA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "h|hypoxia", got[0].GeneSet)
	assert.Equal(t, 3200, got[0].Samples)

	gotSkips, err := s.ListSkips("run-1", "secA")
	require.NoError(t, err)
	require.Len(t, gotSkips, 1)
	assert.Equal(t, "h|tiny", gotSkips[0].GeneSet)
}

func TestMatrixRoundTrip(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	cells := []MatrixCell{
		{GeneSet: "h|hypoxia", Comparison: "secA", Value: 2.4},
		{GeneSet: "h|hypoxia", Comparison: "secB", Value: 0},
		{GeneSet: "h|emt", Comparison: "secA", Value: -1.3},
	}
	rowOrder := []string{"h|emt", "h|hypoxia"}
	require.NoError(t, s.InsertMatrix("run-1", cells, rowOrder))

	gotCells, gotOrder, err := s.QueryMatrix("run-1")
	require.NoError(t, err)
	// Only present cells persist; the missing emt/secB cell never appears.
	assert.Len(t, gotCells, 3)
	assert.Equal(t, rowOrder, gotOrder)
}

func TestSectionErrors(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	require.NoError(t, s.InsertSectionError("run-1", SectionError{
		SectionID: "secC", Stage: "marker", Message: "gate: missing marker count",
	}))

	errs, err := s.ListSectionErrors("run-1")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "secC", errs[0].SectionID)
	assert.Equal(t, "marker", errs[0].Stage)
}

func TestDeleteRunCascades(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")
	require.NoError(t, s.InsertDEResults("run-1", []DERow{
		{SectionID: "secA", Contrast: "c", Gene: "g", PAdj: 0.5},
	}))

	require.NoError(t, s.DeleteRun("run-1"))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	_, total, err := s.QueryDEResults("run-1", "secA", "c", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")
	createRun(t, s, "run-2")

	runs, err := s.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
