// Package async runs operations under a time budget and tracks the ones that
// outlive it as persisted jobs.
//
// A call either returns the operation's result directly, or, once the budget
// elapses, a handle to a job record that keeps running in the background.
// The work is never restarted or cancelled by the handoff itself.
package async

import (
	"encoding/json"
	"time"

	"github.com/teranos/handoff/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ErrInvalidTransition is returned when a status change would break the
// pending -> running -> terminal order.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Progress represents job progress information
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Percentage calculates progress as a percentage (0-100)
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// JobError is the recorded failure of a job
type JobError struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
	// Retryable marks failures that running the operation again may fix
	Retryable bool   `json:"retryable,omitempty"`
	Trace     string `json:"trace,omitempty"`
}

// Job is the persisted record of one background execution.
//
// Result and Error are both nil while the job is pending or running.
// Once terminal, exactly one of them is set: Result for completed,
// Error for failed and cancelled.
type Job struct {
	ID              string          `json:"id"`
	Label           string          `json:"label"`
	Status          JobStatus       `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	Error           *JobError       `json:"error"`
	Result          json.RawMessage `json:"result"`
	Progress        *Progress       `json:"progress"`
	CancelRequested bool            `json:"cancel_requested"`

	// progressSeq is the sequence number of the last applied progress report
	progressSeq uint64
}

// Start moves a pending job to running
func (j *Job) Start(now time.Time) error {
	if j.Status != JobStatusPending {
		return j.transitionError(JobStatusRunning)
	}
	j.Status = JobStatusRunning
	j.StartedAt = &now
	return nil
}

// Complete records the result of a running job
func (j *Job) Complete(result json.RawMessage, now time.Time) error {
	if j.Status != JobStatusRunning {
		return j.transitionError(JobStatusCompleted)
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	j.Status = JobStatusCompleted
	j.Result = result
	j.Error = nil
	j.CompletedAt = &now
	return nil
}

// Fail records the failure of a pending or running job
func (j *Job) Fail(jobErr *JobError, now time.Time) error {
	if j.Status.IsTerminal() {
		return j.transitionError(JobStatusFailed)
	}
	j.Status = JobStatusFailed
	j.Error = jobErr
	j.Result = nil
	j.CompletedAt = &now
	return nil
}

// Cancel marks a pending or running job as cancelled
func (j *Job) Cancel(reason string, now time.Time) error {
	if j.Status.IsTerminal() {
		return j.transitionError(JobStatusCancelled)
	}
	if reason == "" {
		reason = "cancelled"
	}
	j.Status = JobStatusCancelled
	j.Error = &JobError{Message: reason, Code: ErrorCodeCancelled}
	j.Result = nil
	j.CompletedAt = &now
	return nil
}

// SetProgress applies a progress report issued with sequence number seq.
// Reports older than the last applied one, and reports on terminal jobs,
// are dropped. Returns whether the report was applied.
func (j *Job) SetProgress(seq uint64, p Progress) bool {
	if j.Status.IsTerminal() || seq <= j.progressSeq {
		return false
	}
	j.progressSeq = seq
	j.Progress = &p
	return true
}

// Clone returns a deep copy safe to hand out of the store
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &c
}

// Elapsed returns how long the job has been running, or ran
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return now.Sub(*j.StartedAt)
}

func (j *Job) transitionError(to JobStatus) error {
	return errors.WithDetailf(
		errors.Mark(errors.Newf("cannot move job %s from %s to %s", j.ID, j.Status, to), ErrInvalidTransition),
		"job_id=%s", j.ID)
}
