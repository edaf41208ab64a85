package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "db", "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.RecordJobQueued(JobRecord{
		ID:          "batch-1",
		JobType:     "batch",
		InputPath:   "input",
		OutputPath:  "output",
		OptionsJSON: `{"workers":2}`,
	}))
	recs, err := s.RecentJobs(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusQueued, recs[0].Status)
	assert.Nil(t, recs[0].StartedAt)

	require.NoError(t, s.RecordJobStart("batch-1"))
	require.NoError(t, s.RecordJobResult("batch-1", StatusFailed, map[string]any{"total": 4, "failed": 1}, "1 of 4 images failed"))

	recs, err = s.RecentJobs(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "input", rec.InputPath)
	assert.Equal(t, "1 of 4 images failed", rec.Error)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)

	meta, err := s.JobMeta("batch-1")
	require.NoError(t, err)
	assert.Equal(t, float64(4), meta["total"])
	assert.Equal(t, float64(1), meta["failed"])
}

func TestRecentJobsLimitAndOrder(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordJobQueued(JobRecord{ID: id, JobType: "batch"}))
	}
	recs, err := s.RecentJobs(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}

func TestJobMetaMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.JobMeta("nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestNilStore(t *testing.T) {
	var s *Store
	assert.NoError(t, s.RecordJobQueued(JobRecord{ID: "x"}))
	assert.NoError(t, s.RecordJobStart("x"))
	assert.NoError(t, s.RecordJobResult("x", StatusCompleted, nil, ""))
	assert.NoError(t, s.Close())

	_, err := s.RecentJobs(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.JobMeta("x")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestMemoryStore(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "m", JobType: "batch"}))
	recs, err := s.RecentJobs(5)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
