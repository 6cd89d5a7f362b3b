package async

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
)

type executionKey struct{}

// execution is the per-run binding carried in the operation's context.
// Goroutines started by the operation inherit it through the context;
// concurrent runs never share one. The job id may be bound after the
// operation has started, when the scheduler detaches it.
type execution struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	label  string
	output *Output

	store  *Store
	logger *zap.SugaredLogger

	mu      sync.Mutex
	jobID   string
	pending *progressReport // last report issued while unbound
	seq     atomic.Uint64

	// decided receives the job id once the scheduler has chosen between
	// returning directly ("") and tracking the run as a job.
	decided chan string
	// done closes when the operation returns; value and err are set before.
	done  chan struct{}
	value any
	err   error
	// settled closes once the outcome is recorded (or discarded).
	settled chan struct{}
}

type progressReport struct {
	seq      uint64
	progress Progress
}

func withExecution(ctx context.Context, exec *execution) context.Context {
	return context.WithValue(ctx, executionKey{}, exec)
}

func executionFromContext(ctx context.Context) *execution {
	exec, _ := ctx.Value(executionKey{}).(*execution)
	return exec
}

// JobIDFromContext returns the id of the job the calling operation is
// bound to, or "" while it runs untracked.
func JobIDFromContext(ctx context.Context) string {
	exec := executionFromContext(ctx)
	if exec == nil {
		return ""
	}
	return exec.boundID()
}

func (e *execution) boundID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobID
}

// bind attaches the execution to a job and applies the most recent report
// issued before the bind.
func (e *execution) bind(id string) {
	e.mu.Lock()
	e.jobID = id
	p := e.pending
	e.pending = nil
	e.mu.Unlock()

	if p != nil {
		e.apply(id, p.seq, p.progress)
	}
}

func (e *execution) report(p Progress) {
	seq := e.seq.Add(1)

	e.mu.Lock()
	id := e.jobID
	if id == "" {
		if e.pending == nil || e.pending.seq < seq {
			e.pending = &progressReport{seq: seq, progress: p}
		}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.apply(id, seq, p)
}

func (e *execution) apply(id string, seq uint64, p Progress) {
	err := e.store.Update(id, func(job *Job) error {
		if !job.SetProgress(seq, p) {
			return errNoChange
		}
		return nil
	})
	if err == nil {
		return
	}
	if errors.IsPersistenceError(err) {
		e.logger.Warnw("Progress update not persisted",
			logger.FieldJobID, id,
			logger.FieldError, err)
		return
	}
	e.logger.Debugw("Progress update dropped",
		logger.FieldJobID, id,
		logger.FieldError, err)
}

func (e *execution) finish(value any, err error) {
	e.value = value
	e.err = err
	close(e.done)
}

// ProgressReporter reports progress for the execution that was current when
// it was created. It can be handed to goroutines freely.
type ProgressReporter struct {
	exec *execution
}

// NewProgressReporter captures the calling operation's binding. Outside a
// scheduled run, or while the run is still untracked and then finishes
// within its budget, reports go nowhere.
func NewProgressReporter(ctx context.Context) *ProgressReporter {
	return &ProgressReporter{exec: executionFromContext(ctx)}
}

// Report records current/total progress. When several reports race, the
// most recently issued one is what the job ends up showing.
func (r *ProgressReporter) Report(current, total int, message string) {
	if r == nil || r.exec == nil {
		return
	}
	r.exec.report(Progress{Current: current, Total: total, Message: message})
}

// ReportProgress is shorthand for NewProgressReporter(ctx).Report(...)
func ReportProgress(ctx context.Context, current, total int, message string) {
	NewProgressReporter(ctx).Report(current, total, message)
}
