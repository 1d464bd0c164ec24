package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripload/internal/domain"
	"tripload/internal/etl"
	"tripload/internal/storage"
)

func newStore(t *testing.T) *storage.IngestStore {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "state", "tripload.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewIngestStore(db)
}

func sampleJob(name string) *etl.IngestJob {
	return &etl.IngestJob{
		Name:         name,
		Locator:      "https://example.com/yellow_tripdata_2021-01.csv.gz",
		SchemaPreset: "yellow_taxi",
		Connection: domain.DatabaseConnection{
			Driver: domain.DatabaseDriverPostgres, Host: "pgdatabase", Port: 5432,
			Database: "ny_taxi", Username: "root",
			Params: map[string]string{"connect_timeout": "5"},
		},
		Target: domain.SinkTarget{Namespace: "raw", Table: "yellow_taxi_data_2021_1"},
		Options: etl.RunOptions{
			ChunkSize:       100000,
			OnCoercionError: etl.PolicySkip,
			SinkTimeout:     30 * time.Second,
		},
		Enabled: true,
	}
}

func TestIngestStore_JobRoundTrip(t *testing.T) {
	s := newStore(t)
	job := sampleJob("yellow-2021-01")
	require.NoError(t, s.CreateJob(job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, etl.TriggerManual, job.TriggerType)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.Locator, got.Locator)
	assert.Equal(t, job.Connection, got.Connection)
	assert.Equal(t, job.Target, got.Target)
	assert.Equal(t, job.Options, got.Options)
	assert.True(t, got.Enabled)
	assert.True(t, got.LastRunAt.IsZero())

	byName, err := s.GetJobByName("yellow-2021-01")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byName.ID)
}

func TestIngestStore_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetJob("nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = s.GetJobByName("nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = s.UpdateJob(&etl.IngestJob{ID: "nope", Name: "x"})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestIngestStore_DuplicateName(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateJob(sampleJob("zones")))
	assert.Error(t, s.CreateJob(sampleJob("zones")))
}

func TestIngestStore_UpdateAndStatus(t *testing.T) {
	s := newStore(t)
	job := sampleJob("green")
	require.NoError(t, s.CreateJob(job))

	job.TriggerType = etl.TriggerSchedule
	job.TriggerConfig = "0 3 * * *"
	job.Options.Pipelined = true
	require.NoError(t, s.UpdateJob(job))

	require.NoError(t, s.UpdateJobStatus(job.ID, etl.StatusFailed, "SinkWriteError: boom"))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, etl.TriggerSchedule, got.TriggerType)
	assert.Equal(t, "0 3 * * *", got.TriggerConfig)
	assert.True(t, got.Options.Pipelined)
	assert.Equal(t, etl.StatusFailed, got.LastStatus)
	assert.Equal(t, "SinkWriteError: boom", got.LastError)
	assert.False(t, got.LastRunAt.IsZero())
}

func TestIngestStore_ListEnabledTriggeredJobs(t *testing.T) {
	s := newStore(t)

	manual := sampleJob("manual")
	scheduled := sampleJob("scheduled")
	scheduled.TriggerType = etl.TriggerSchedule
	scheduled.TriggerConfig = "@daily"
	watched := sampleJob("watched")
	watched.TriggerType = etl.TriggerFileWatch
	watched.TriggerConfig = "/data/zones.csv"
	disabled := sampleJob("disabled")
	disabled.TriggerType = etl.TriggerSchedule
	disabled.Enabled = false

	for _, j := range []*etl.IngestJob{manual, scheduled, watched, disabled} {
		require.NoError(t, s.CreateJob(j))
	}

	all, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, all, 4)

	triggered, err := s.ListEnabledTriggeredJobs()
	require.NoError(t, err)
	var names []string
	for _, j := range triggered {
		names = append(names, j.Name)
	}
	assert.ElementsMatch(t, []string{"scheduled", "watched"}, names)
}

func TestIngestStore_RunLogs(t *testing.T) {
	s := newStore(t)
	job := sampleJob("yellow")
	require.NoError(t, s.CreateJob(job))

	base := time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateRunLog(&etl.SyncRunLog{
			ID:             "run-" + string(rune('a'+i)),
			JobID:          job.ID,
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
			FinishedAt:     base.Add(time.Duration(i)*time.Hour + time.Minute),
			Status:         etl.StatusCompleted,
			RowsRead:       int64(100 * (i + 1)),
			RowsWritten:    int64(100 * (i + 1)),
			BatchesWritten: i + 1,
		}))
	}
	adHoc := &etl.SyncRunLog{
		StartedAt:  base.Add(5 * time.Hour),
		FinishedAt: base.Add(5 * time.Hour),
		Status:     etl.StatusFailed,
		ErrorKind:  etl.KindSchemaMismatch,
		Error:      "missing column tpep_pickup_datetime",
	}
	require.NoError(t, s.CreateRunLog(adHoc))
	assert.NotEmpty(t, adHoc.ID)

	logs, err := s.ListRunLogs(job.ID, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "run-c", logs[0].ID)
	assert.Equal(t, "run-b", logs[1].ID)
	assert.Equal(t, int64(300), logs[0].RowsWritten)
	assert.Equal(t, 3, logs[0].BatchesWritten)
	assert.True(t, logs[0].StartedAt.Equal(base.Add(2*time.Hour)))

	all, err := s.ListRunLogs("", 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, etl.KindSchemaMismatch, all[0].ErrorKind)

	require.NoError(t, s.DeleteJob(job.ID))
	logs, err = s.ListRunLogs(job.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestNew_ReopensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripload.db")
	db, err := storage.New(path)
	require.NoError(t, err)
	require.NoError(t, storage.NewIngestStore(db).CreateJob(sampleJob("kept")))
	require.NoError(t, db.Close())

	db, err = storage.New(path)
	require.NoError(t, err)
	defer db.Close()
	jobs, err := storage.NewIngestStore(db).ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "kept", jobs[0].Name)
}
