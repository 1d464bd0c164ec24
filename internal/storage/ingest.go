package storage

import (
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tripload/internal/etl"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("not found")

// IngestStore implements persistence for ingestion jobs and run logs.
type IngestStore struct {
	db *DB
}

// NewIngestStore creates a new IngestStore.
func NewIngestStore(db *DB) *IngestStore {
	return &IngestStore{db: db}
}

const jobColumns = `id, name, locator, schema_preset, connection_json, target_json, options_json,
	 trigger_type, trigger_config, enabled, last_run_at, last_status, last_error, created_at, updated_at`

// ── IngestJob CRUD ─────────────────────────────────────────

// jobJSON holds the JSON-encoded parts of a job row.
type jobJSON struct {
	connection, target, options string
}

func encodeJob(job *etl.IngestJob) (jobJSON, error) {
	var out jobJSON
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&out.connection, job.Connection},
		{&out.target, job.Target},
		{&out.options, job.Options},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return out, errors.Wrap(err, "encode job")
		}
		*f.dst = string(b)
	}
	return out, nil
}

func (s *IngestStore) CreateJob(job *etl.IngestJob) error {
	now := time.Now().UTC()
	job.ID = uuid.New().String()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.TriggerType == "" {
		job.TriggerType = etl.TriggerManual
	}

	enc, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.conn.Exec(
		`INSERT INTO ingest_jobs (id, name, locator, schema_preset, connection_json, target_json,
		 options_json, trigger_type, trigger_config, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Locator, job.SchemaPreset, enc.connection, enc.target, enc.options,
		job.TriggerType, job.TriggerConfig, job.Enabled, job.CreatedAt, job.UpdatedAt,
	)
	return errors.Wrapf(err, "create job %q", job.Name)
}

func (s *IngestStore) GetJob(id string) (*etl.IngestJob, error) {
	job, err := scanJob(s.db.conn.QueryRow(`SELECT `+jobColumns+` FROM ingest_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "ingest job %s", id)
	}
	return job, err
}

// GetJobByName looks a job up by its unique name.
func (s *IngestStore) GetJobByName(name string) (*etl.IngestJob, error) {
	job, err := scanJob(s.db.conn.QueryRow(`SELECT `+jobColumns+` FROM ingest_jobs WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "ingest job %q", name)
	}
	return job, err
}

func (s *IngestStore) UpdateJob(job *etl.IngestJob) error {
	job.UpdatedAt = time.Now().UTC()
	enc, err := encodeJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.conn.Exec(
		`UPDATE ingest_jobs SET name=?, locator=?, schema_preset=?, connection_json=?, target_json=?,
		 options_json=?, trigger_type=?, trigger_config=?, enabled=?, updated_at=? WHERE id=?`,
		job.Name, job.Locator, job.SchemaPreset, enc.connection, enc.target, enc.options,
		job.TriggerType, job.TriggerConfig, job.Enabled, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "ingest job %s", job.ID)
	}
	return nil
}

func (s *IngestStore) UpdateJobStatus(id, status, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.db.conn.Exec(
		`UPDATE ingest_jobs SET last_run_at=?, last_status=?, last_error=?, updated_at=? WHERE id=?`,
		now, status, errMsg, now, id,
	)
	return err
}

func (s *IngestStore) DeleteJob(id string) error {
	// Delete run logs first.
	if _, err := s.db.conn.Exec(`DELETE FROM ingest_runs WHERE job_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.conn.Exec(`DELETE FROM ingest_jobs WHERE id = ?`, id)
	return err
}

func (s *IngestStore) ListJobs() ([]etl.IngestJob, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM ingest_jobs ORDER BY created_at ASC`)
}

// ListEnabledTriggeredJobs returns enabled jobs with a schedule or file-watch trigger.
func (s *IngestStore) ListEnabledTriggeredJobs() ([]etl.IngestJob, error) {
	return s.queryJobs(
		`SELECT `+jobColumns+` FROM ingest_jobs
		 WHERE enabled = 1 AND trigger_type IN (?, ?) ORDER BY created_at ASC`,
		etl.TriggerSchedule, etl.TriggerFileWatch,
	)
}

func (s *IngestStore) queryJobs(query string, args ...any) ([]etl.IngestJob, error) {
	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []etl.IngestJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*etl.IngestJob, error) {
	job := &etl.IngestJob{}
	var conn, target, opts string
	var lastRun sql.NullTime
	if err := row.Scan(
		&job.ID, &job.Name, &job.Locator, &job.SchemaPreset, &conn, &target, &opts,
		&job.TriggerType, &job.TriggerConfig, &job.Enabled,
		&lastRun, &job.LastStatus, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		job.LastRunAt = lastRun.Time
	}
	if err := json.Unmarshal([]byte(conn), &job.Connection); err != nil {
		return nil, errors.Wrapf(err, "decode connection of job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(target), &job.Target); err != nil {
		return nil, errors.Wrapf(err, "decode target of job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(opts), &job.Options); err != nil {
		return nil, errors.Wrapf(err, "decode options of job %s", job.ID)
	}
	return job, nil
}

// ── Run Logs ───────────────────────────────────────────────

// CreateRunLog stores a finished run. The log keeps its ID when it has one,
// so a run log shares the ID of the run it records.
func (s *IngestStore) CreateRunLog(log *etl.SyncRunLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	_, err := s.db.conn.Exec(
		`INSERT INTO ingest_runs (id, job_id, started_at, finished_at, status, error_kind,
		 rows_read, rows_written, batches_written, batches_skipped, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.JobID, log.StartedAt.UTC(), log.FinishedAt.UTC(), log.Status, string(log.ErrorKind),
		log.RowsRead, log.RowsWritten, log.BatchesWritten, log.BatchesSkipped, log.Error,
	)
	return err
}

// ListRunLogs returns the newest runs of jobID first. An empty jobID lists
// runs of every job, ad-hoc runs included.
func (s *IngestStore) ListRunLogs(jobID string, limit int) ([]etl.SyncRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, job_id, started_at, finished_at, status, error_kind, rows_read, rows_written,
		 batches_written, batches_skipped, error FROM ingest_runs`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []etl.SyncRunLog
	for rows.Next() {
		var l etl.SyncRunLog
		var kind string
		if err := rows.Scan(&l.ID, &l.JobID, &l.StartedAt, &l.FinishedAt, &l.Status, &kind,
			&l.RowsRead, &l.RowsWritten, &l.BatchesWritten, &l.BatchesSkipped, &l.Error); err != nil {
			return nil, err
		}
		l.ErrorKind = etl.ErrorKind(kind)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
