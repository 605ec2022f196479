package jobstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterope/uws/pkg/job"
	"github.com/asterope/uws/pkg/phase"
)

func TestWriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(time.Minute)

	rec := &Record{
		JobID:     "1234567890a",
		Owner:     "alice",
		Phase:     string(phase.Completed),
		CreatedAt: started.Add(-time.Minute),
		StartedAt: &started,
		EndedAt:   &ended,
		Quote:     30,
		Params:    map[string]any{"RA": 10.5, "runId": "survey-1"},
		Results:   []ResultRecord{{ID: "result", MimeType: "text/csv", Location: "1234567890a/results/result", Size: 2048}},
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get("1234567890a")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, string(phase.Completed), got.Phase)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "text/csv", got.Results[0].MimeType)
	assert.Equal(t, "survey-1", got.Params["runId"])

	// No temp files left behind.
	entries, err := os.ReadDir(s.JobDir("1234567890a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job.json", entries[0].Name())
}

func TestWrite_Validation(t *testing.T) {
	s := NewStore(t.TempDir())
	require.Error(t, s.Write(nil))
	require.Error(t, s.Write(&Record{JobID: "  "}))

	empty := NewStore("  ")
	require.Error(t, empty.Write(&Record{JobID: "x"}))
}

func TestGet_DowngradesInterruptedExecution(t *testing.T) {
	s := NewStore(t.TempDir())
	started := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Write(&Record{
		JobID:     "interrupted",
		Phase:     string(phase.Executing),
		CreatedAt: started.Add(-time.Minute),
		StartedAt: &started,
	}))

	got, err := s.Get("interrupted")
	require.NoError(t, err)
	assert.Equal(t, string(phase.Aborted), got.Phase, "a record caught executing is closed out as aborted")
	require.NotNil(t, got.EndedAt)

	// The downgrade is persisted.
	again, err := s.Get("interrupted")
	require.NoError(t, err)
	assert.Equal(t, string(phase.Aborted), again.Phase)
}

func TestGet_QueuedFallsBackToPending(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(&Record{
		JobID:     "waiting",
		Phase:     string(phase.Queued),
		CreatedAt: time.Now().UTC(),
	}))

	got, err := s.Get("waiting")
	require.NoError(t, err)
	assert.Equal(t, string(phase.Pending), got.Phase)
}

func TestList_NewestFirstSkippingBroken(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"older", "newer"} {
		created := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Write(&Record{JobID: id, Phase: string(phase.Pending), CreatedAt: created}))
	}

	// A corrupt entry and a stray file are both skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "corrupt"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "corrupt", "job.json"), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "newer", records[0].JobID)
	assert.Equal(t, "older", records[1].JobID)
}

func TestDelete_RemovesJobDir(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(&Record{JobID: "gone", Phase: string(phase.Pending), CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.Delete("gone"))

	_, err := s.Get("gone")
	require.Error(t, err)

	// Deleting again is fine.
	require.NoError(t, s.Delete("gone"))
}

func TestRecordConversion(t *testing.T) {
	j := job.New(job.Config{Owner: "bob"})
	_, err := j.AddResult(job.Result{ID: "out", Location: "loc"})
	require.NoError(t, err)
	require.NoError(t, j.SetErrorSummary(&job.ErrorSummary{Message: "warn", DetailLocation: "d"}))

	rec := FromSnapshot(j.Snapshot())
	assert.Equal(t, j.ID(), rec.JobID)
	assert.Equal(t, string(phase.Pending), rec.Phase)
	require.NotNil(t, rec.Error)

	state := rec.RestoreState()
	assert.Equal(t, j.ID(), state.ID)
	require.Len(t, state.Results, 1)
	assert.Equal(t, "warn", state.Error.Message)
	assert.False(t, rec.IsArchived())
}

func TestPersister_WritesOnPhaseChange(t *testing.T) {
	s := NewStore(t.TempDir())
	p := NewPersister(s, nil)

	j := job.New(job.Config{Owner: "carol"})
	j.AddObserver(p)
	require.NoError(t, j.Abort())

	rec, err := s.Get(j.ID())
	require.NoError(t, err)
	assert.Equal(t, string(phase.Aborted), rec.Phase)
	assert.Equal(t, "carol", rec.Owner)

	// Save outside a phase change picks up parameter updates.
	_, err = j.AddOrUpdateParameter("note", "v", nil)
	require.NoError(t, err)
	require.NoError(t, p.Save(j))
	rec, err = s.Get(j.ID())
	require.NoError(t, err)
	assert.Equal(t, string(phase.Aborted), rec.Phase)
}
