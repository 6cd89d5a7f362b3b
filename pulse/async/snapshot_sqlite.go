package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/handoff/db"
	"github.com/teranos/handoff/errors"
)

const (
	selectJobsSQL = `SELECT id, label, status, created_at, started_at, completed_at,
		error, result, progress, cancel_requested
		FROM jobs ORDER BY created_at, id`
	deleteJobsSQL = `DELETE FROM jobs`
	insertJobSQL  = `INSERT INTO jobs (id, label, status, created_at, started_at, completed_at,
		error, result, progress, cancel_requested)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// SQLSnapshot stores jobs in the jobs table of a SQLite database.
// Write rewrites the table inside one transaction.
type SQLSnapshot struct {
	db    *sql.DB
	owned bool
}

// NewSQLSnapshot wraps an already migrated database. Close leaves it open.
func NewSQLSnapshot(conn *sql.DB) *SQLSnapshot {
	return &SQLSnapshot{db: conn}
}

// OpenSQLSnapshot opens (and migrates) the database at path
func OpenSQLSnapshot(path string, logger *zap.SugaredLogger) (*SQLSnapshot, error) {
	conn, err := db.OpenWithMigrations(path, logger)
	if err != nil {
		return nil, err
	}
	return &SQLSnapshot{db: conn, owned: true}, nil
}

// Read loads every job row
func (s *SQLSnapshot) Read() ([]*Job, error) {
	rows, err := s.db.Query(selectJobsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// Write replaces the table contents with jobs
func (s *SQLSnapshot) Write(jobs []*Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		if db.IsDatabaseClosed(err) {
			return errors.Mark(err, db.ErrDatabaseClosed)
		}
		return errors.Wrap(err, "failed to begin snapshot transaction")
	}

	if _, err := tx.Exec(deleteJobsSQL); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to clear jobs table")
	}

	for _, job := range jobs {
		args, err := jobArgs(job)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(insertJobSQL, args...); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to insert job %s", job.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit snapshot")
	}
	return nil
}

// Close closes the database if this snapshot opened it
func (s *SQLSnapshot) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func jobArgs(job *Job) ([]interface{}, error) {
	jobErr, err := nullJSON(job.Error, job.Error == nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode error of job %s", job.ID)
	}
	progress, err := nullJSON(job.Progress, job.Progress == nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode progress of job %s", job.ID)
	}
	var result interface{}
	if job.Result != nil {
		result = string(job.Result)
	}

	return []interface{}{
		job.ID,
		job.Label,
		string(job.Status),
		formatTime(&job.CreatedAt),
		formatTime(job.StartedAt),
		formatTime(job.CompletedAt),
		jobErr,
		result,
		progress,
		job.CancelRequested,
	}, nil
}

func scanJob(rows *sql.Rows) (*Job, error) {
	var (
		job                    Job
		status, createdAt      string
		startedAt, completedAt sql.NullString
		jobErr, result, prog   sql.NullString
	)
	if err := rows.Scan(&job.ID, &job.Label, &status, &createdAt, &startedAt, &completedAt,
		&jobErr, &result, &prog, &job.CancelRequested); err != nil {
		return nil, errors.Wrap(err, "failed to scan job row")
	}

	job.Status = JobStatus(status)
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s has invalid created_at", job.ID)
	}
	job.CreatedAt = created
	if job.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, errors.Wrapf(err, "job %s has invalid started_at", job.ID)
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, errors.Wrapf(err, "job %s has invalid completed_at", job.ID)
	}

	if jobErr.Valid {
		job.Error = &JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), job.Error); err != nil {
			return nil, errors.Wrapf(err, "job %s has invalid error", job.ID)
		}
	}
	if prog.Valid {
		job.Progress = &Progress{}
		if err := json.Unmarshal([]byte(prog.String), job.Progress); err != nil {
			return nil, errors.Wrapf(err, "job %s has invalid progress", job.ID)
		}
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	return &job, nil
}

func nullJSON(v interface{}, isNil bool) (interface{}, error) {
	if isNil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func formatTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
