package async

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
)

// DefaultListLimit caps List when the caller gives no limit
const DefaultListLimit = 50

// Control is the query and control surface over jobs: status, list,
// cancel, prune and captured output. Without a scheduler (offline use) no
// job has a live task, so cancel only settles orphaned records.
type Control struct {
	store        *Store
	sched        *Scheduler
	cancelGrace  time.Duration
	defaultLimit int
	logger       *zap.SugaredLogger
}

// ControlOptions configures a Control
type ControlOptions struct {
	// CancelGrace is how long Cancel waits for a live task to stop
	CancelGrace time.Duration
	// DefaultListLimit applies when List is called with limit 0
	DefaultListLimit int
}

// NewControl creates the control surface. sched may be nil.
func NewControl(store *Store, sched *Scheduler, opts ControlOptions, log *zap.SugaredLogger) *Control {
	if log == nil {
		log = logger.Logger
	}
	if opts.DefaultListLimit <= 0 {
		opts.DefaultListLimit = DefaultListLimit
	}
	return &Control{
		store:        store,
		sched:        sched,
		cancelGrace:  opts.CancelGrace,
		defaultLimit: opts.DefaultListLimit,
		logger:       log,
	}
}

// ListResult is one page of jobs, newest first
type ListResult struct {
	Jobs  []*Job `json:"jobs"`
	Count int    `json:"count"` // len(Jobs)
	Total int    `json:"total"` // matching jobs before the limit
}

// CancelResult reports the state of a job after a cancel request
type CancelResult struct {
	ID              string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	CancelRequested bool      `json:"cancel_requested"`
	Message         string    `json:"message"`
}

// PruneOptions selects which terminal jobs Prune removes
type PruneOptions struct {
	KeepCompleted bool    `json:"keep_completed"`
	KeepFailed    bool    `json:"keep_failed"`
	MaxAgeHours   float64 `json:"max_age_hours"`
}

// DefaultPruneOptions keeps completed and failed jobs and prunes after a day
func DefaultPruneOptions() PruneOptions {
	return PruneOptions{KeepCompleted: true, KeepFailed: true, MaxAgeHours: 24}
}

// PruneResult reports what Prune removed
type PruneResult struct {
	Removed   int      `json:"removed"`
	Remaining int      `json:"remaining"`
	IDs       []string `json:"removed_ids"`
}

// OutputResult is the captured output of a job
type OutputResult struct {
	ID          string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Available   bool      `json:"available"`
	Incremental bool      `json:"incremental"`
	OutputSnapshot
}

// Status returns the full record of a job
func (c *Control) Status(id string) (*Job, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("job_id is required")
	}
	return c.store.Get(id)
}

// List returns jobs newest first, optionally filtered by status.
// limit 0 applies the default limit; negative limits are rejected.
func (c *Control) List(status string, limit int) (*ListResult, error) {
	if limit < 0 {
		return nil, errors.NewInvalidRequestError("limit must be >= 0, got %d", limit)
	}
	if limit == 0 {
		limit = c.defaultLimit
	}

	var filter *JobStatus
	if status != "" {
		if !IsValidStatus(status) {
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("unknown status filter %q", status),
				"use one of: pending, running, completed, failed, cancelled")
		}
		st := JobStatus(status)
		filter = &st
	}

	jobs, total, err := c.store.List(filter, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return &ListResult{Jobs: jobs, Count: len(jobs), Total: total}, nil
}

// Cancel requests cooperative cancellation. The job's context is cancelled
// and Cancel waits up to the grace period for the task to stop; an operation
// that never looks at its context runs to completion. Cancelling a terminal
// job changes nothing.
func (c *Control) Cancel(id string) (*CancelResult, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("job_id is required")
	}

	var exec *execution
	if c.sched != nil {
		exec = c.sched.lookup(id)
	}

	now := c.store.now()
	var terminal JobStatus
	err := c.store.Update(id, func(job *Job) error {
		if job.Status.IsTerminal() {
			terminal = job.Status
			return errNoChange
		}
		job.CancelRequested = true
		if exec == nil {
			// No task will ever finish this record
			return job.Cancel("", now)
		}
		return nil
	})
	if err != nil {
		if !errors.IsPersistenceError(err) {
			return nil, err
		}
		c.logger.Warnw("Cancel request not persisted", logger.FieldJobID, id, logger.FieldError, err)
	}

	if terminal != "" {
		job, err := c.store.Get(id)
		if err != nil {
			return nil, err
		}
		return &CancelResult{
			ID:              id,
			Status:          terminal,
			CancelRequested: job.CancelRequested,
			Message:         fmt.Sprintf("job already %s", terminal),
		}, nil
	}

	if exec != nil {
		exec.cancel(ErrCancelRequested)
		c.waitSettled(exec)
	}

	job, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	c.logger.Infow("Job cancel requested",
		logger.FieldJobID, id,
		logger.FieldStatus, job.Status)

	return &CancelResult{
		ID:              id,
		Status:          job.Status,
		CancelRequested: true,
		Message:         cancelMessage(job.Status),
	}, nil
}

func (c *Control) waitSettled(exec *execution) {
	if c.cancelGrace <= 0 {
		return
	}
	timer := time.NewTimer(c.cancelGrace)
	defer timer.Stop()
	select {
	case <-exec.settled:
	case <-timer.C:
	}
}

func cancelMessage(status JobStatus) string {
	switch status {
	case JobStatusCancelled:
		return "job cancelled"
	case JobStatusCompleted:
		return "job completed before it observed the cancellation request"
	case JobStatusFailed:
		return "job failed before it observed the cancellation request"
	default:
		return "cancellation requested; the job stops when it next checks its context"
	}
}

// Prune removes terminal jobs created more than MaxAgeHours ago, except
// completed and failed ones the options keep. Cancelled jobs are always
// eligible; pending and running jobs are never removed.
func (c *Control) Prune(opts PruneOptions) (*PruneResult, error) {
	if opts.MaxAgeHours < 0 {
		return nil, errors.NewInvalidRequestError("max_age_hours must be >= 0, got %g", opts.MaxAgeHours)
	}

	cutoff := c.store.now().Add(-time.Duration(opts.MaxAgeHours * float64(time.Hour)))
	jobs, _, err := c.store.List(nil, 0)
	if err != nil {
		return nil, err
	}

	ids := []string{}
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		if job.Status == JobStatusCompleted && opts.KeepCompleted {
			continue
		}
		if job.Status == JobStatusFailed && opts.KeepFailed {
			continue
		}
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		ids = append(ids, job.ID)
	}

	removed, err := c.store.Remove(ids...)
	if c.sched != nil {
		c.sched.forget(ids...)
	}
	if err != nil {
		if !errors.IsPersistenceError(err) {
			return nil, err
		}
		c.logger.Warnw("Prune not persisted", logger.FieldRemoved, removed, logger.FieldError, err)
	}

	c.logger.Infow("Jobs pruned",
		logger.FieldRemoved, removed,
		"max_age_hours", opts.MaxAgeHours)

	return &PruneResult{Removed: removed, Remaining: c.store.Len(), IDs: ids}, nil
}

// Output returns the stdout/stderr captured for a job. With incremental set
// only output produced since the previous incremental read is returned.
func (c *Control) Output(id string, incremental bool) (*OutputResult, error) {
	job, err := c.Status(id)
	if err != nil {
		return nil, err
	}

	res := &OutputResult{ID: id, Status: job.Status, Incremental: incremental}
	if c.sched == nil {
		return res, nil
	}
	out := c.sched.output(id)
	if out == nil {
		return res, nil
	}
	res.Available = true
	res.OutputSnapshot = out.Read(incremental)
	return res, nil
}

// Stats counts jobs per status
func (c *Control) Stats() map[JobStatus]int {
	return c.store.Stats()
}
