package async

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
	"github.com/teranos/handoff/pulse/budget"
)

// ErrSchedulerClosed is returned by Run after Shutdown has begun
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// DefaultBudget applies when neither the call nor a resolver names one
const DefaultBudget = 50 * time.Second

// Operation is a unit of work the scheduler can run. Run receives a context
// that is not cancelled by the caller going away; it is cancelled only by a
// cancel request, with ErrCancelRequested as the cause.
type Operation interface {
	Name() string
	Run(ctx context.Context) (any, error)
}

type funcOperation struct {
	name string
	fn   func(ctx context.Context) (any, error)
}

func (f funcOperation) Name() string                         { return f.name }
func (f funcOperation) Run(ctx context.Context) (any, error) { return f.fn(ctx) }

// Func adapts a function to an Operation
func Func(name string, fn func(ctx context.Context) (any, error)) Operation {
	return funcOperation{name: name, fn: fn}
}

// RunOptions controls one Run call
type RunOptions struct {
	// Async skips the race and returns a pending job handle immediately
	Async bool
	// Label names the job; defaults to the operation's name
	Label string
	// Budget is how long to wait before detaching. Zero resolves BudgetKey,
	// then the scheduler default.
	Budget time.Duration
	// BudgetKey names an environment override for this call site
	BudgetKey string
	// BudgetFallback is the call site's default when BudgetKey is unset
	BudgetFallback time.Duration
}

// Invocation describes how the running operation was invoked
type Invocation struct {
	Async  bool          `json:"async_mode"`
	Label  string        `json:"job_label"`
	Budget time.Duration `json:"budget"`
}

type invocationKey struct{}

// InvocationFromContext returns how the calling operation was invoked
func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// Handle points at a job that continues in the background
type Handle struct {
	ID      string    `json:"job_id"`
	Label   string    `json:"label"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
}

// Outcome is what Run produced: either the operation's value, or a handle
// when the operation was handed to the background.
type Outcome struct {
	Value any
	Job   *Handle
}

// Detached reports whether the operation continues in the background
func (o *Outcome) Detached() bool {
	return o != nil && o.Job != nil
}

// SchedulerOptions configures a Scheduler
type SchedulerOptions struct {
	// OutputLimit caps retained stdout/stderr per stream and job
	OutputLimit int
}

// Scheduler runs operations under a time budget. An operation that finishes
// within its budget returns its result directly and leaves no record; one
// that does not is registered as a running job and keeps going.
type Scheduler struct {
	store    *Store
	resolver *budget.Resolver
	opts     SchedulerOptions
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	closed  bool
	live    map[string]*execution // jobs with a task still attached
	outputs map[string]*Output    // kept until the job is pruned
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler recording jobs in store
func NewScheduler(store *Store, resolver *budget.Resolver, opts SchedulerOptions, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = logger.Logger
	}
	return &Scheduler{
		store:    store,
		resolver: resolver,
		opts:     opts,
		logger:   log,
		live:     make(map[string]*execution),
		outputs:  make(map[string]*Output),
	}
}

// Store returns the job store the scheduler records into
func (s *Scheduler) Store() *Store {
	return s.store
}

// Run executes op. In race mode it waits up to the budget for the result;
// past that it registers a running job and returns its handle while the
// same execution carries on. With opts.Async it registers a pending job and
// returns at once.
//
// A failure of op within the budget is returned marked ErrOperationFailure.
// If ctx ends during the race, the operation is detached like on timeout and
// the handle is returned together with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, op Operation, opts RunOptions) (*Outcome, error) {
	if op == nil {
		return nil, errors.NewInvalidRequestError("operation is required")
	}

	inv := Invocation{Async: opts.Async, Label: opts.Label}
	if inv.Label == "" {
		inv.Label = op.Name()
	}
	if !opts.Async {
		inv.Budget = s.budgetFor(opts)
	}

	if err := s.acquire(); err != nil {
		return nil, err
	}
	exec := s.newExecution(ctx, inv, op.Name())

	if opts.Async {
		return s.runBackground(op, exec), nil
	}
	return s.race(ctx, op, exec, inv.Budget)
}

func (s *Scheduler) budgetFor(opts RunOptions) time.Duration {
	if opts.Budget > 0 {
		return opts.Budget
	}
	if s.resolver == nil {
		if opts.BudgetFallback > 0 {
			return opts.BudgetFallback
		}
		return DefaultBudget
	}
	return s.resolver.Resolve(opts.BudgetKey, opts.BudgetFallback)
}

// acquire reserves a slot in the wait group unless shutdown has begun
func (s *Scheduler) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	return nil
}

func (s *Scheduler) newExecution(parent context.Context, inv Invocation, name string) *execution {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	runCtx = logger.WithComponent(runCtx, name)
	exec := &execution{
		cancel:  cancel,
		label:   inv.Label,
		output:  NewOutput(s.opts.OutputLimit),
		store:   s.store,
		logger:  s.logger,
		decided: make(chan string, 1),
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	runCtx = withExecution(runCtx, exec)
	runCtx = context.WithValue(runCtx, invocationKey{}, inv)
	exec.ctx = runCtx
	return exec
}

func (s *Scheduler) runBackground(op Operation, exec *execution) *Outcome {
	id := s.register(exec, false)
	exec.decided <- id

	go s.execute(op, exec, true)

	s.logger.Infow("Job started in background",
		logger.FieldJobID, id,
		logger.FieldLabel, exec.label,
		logger.FieldMode, "async")

	return &Outcome{Job: &Handle{
		ID:      id,
		Label:   exec.label,
		Status:  JobStatusPending,
		Message: "job started in background",
	}}
}

func (s *Scheduler) race(ctx context.Context, op Operation, exec *execution, limit time.Duration) (*Outcome, error) {
	go s.execute(op, exec, false)

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-exec.done:
		return s.direct(exec)
	case <-timer.C:
	case <-ctx.Done():
	}

	// Completion that raced the timer still counts as within budget
	select {
	case <-exec.done:
		return s.direct(exec)
	default:
	}

	outcome := s.detach(exec, limit)
	return outcome, ctx.Err()
}

func (s *Scheduler) direct(exec *execution) (*Outcome, error) {
	exec.decided <- ""
	if exec.err != nil {
		return nil, errors.Mark(exec.err, errors.ErrOperationFailure)
	}
	return &Outcome{Value: exec.value}, nil
}

// detach registers the still-running execution as a job, binds its progress
// channel and lets its goroutine record the outcome.
func (s *Scheduler) detach(exec *execution, limit time.Duration) *Outcome {
	id := s.register(exec, true)
	exec.decided <- id

	s.logger.Infow("Time budget exceeded, continuing in background",
		logger.FieldJobID, id,
		logger.FieldLabel, exec.label,
		logger.FieldBudget, limit)

	return &Outcome{Job: &Handle{
		ID:      id,
		Label:   exec.label,
		Status:  JobStatusRunning,
		Message: fmt.Sprintf("exceeded %gs time budget; continuing in background", limit.Seconds()),
	}}
}

// register records exec as a job and binds it. The execution is tracked
// before the record becomes visible, so a cancel request can never find the
// record without its live task.
func (s *Scheduler) register(exec *execution, running bool) string {
	job := s.store.newJob(exec.label, running)
	s.track(job.ID, exec)
	if err := s.store.add(job); err != nil {
		s.logger.Warnw("Job registered but not persisted",
			logger.FieldJobID, job.ID,
			logger.FieldError, err)
	}
	exec.bind(job.ID)
	return job.ID
}

// execute runs op once and, if the run became a job, records its outcome
func (s *Scheduler) execute(op Operation, exec *execution, background bool) {
	defer s.wg.Done()
	defer close(exec.settled)
	defer exec.cancel(nil)

	if background && !s.begin(exec) {
		exec.finish(nil, ErrCancelRequested)
		s.untrack(exec.boundID())
		return
	}

	value, err := invoke(exec.ctx, op)
	exec.finish(value, err)

	if id := <-exec.decided; id != "" {
		s.finalize(id, exec)
	}
}

// begin moves a background job to running, or cancels it if a cancel
// request arrived before it started
func (s *Scheduler) begin(exec *execution) bool {
	id := exec.boundID()
	now := s.store.now()
	started := false

	err := s.store.Update(id, func(job *Job) error {
		if job.CancelRequested || context.Cause(exec.ctx) != nil {
			return job.Cancel("", now)
		}
		if err := job.Start(now); err != nil {
			return err
		}
		started = true
		return nil
	})
	if err != nil {
		s.logger.Warnw("Failed to record job start",
			logger.FieldJobID, id,
			logger.FieldError, err)
	}
	return started
}

func (s *Scheduler) finalize(id string, exec *execution) {
	log := s.logger.With(logger.FieldsFromContext(logger.WithJobID(exec.ctx, id))...)
	now := s.store.now()
	cancelled := errors.Is(context.Cause(exec.ctx), ErrCancelRequested)

	var status JobStatus
	err := s.store.Update(id, func(job *Job) error {
		switch {
		case exec.err == nil:
			result, err := encodeResult(exec.value)
			if err != nil {
				return job.Fail(&JobError{Message: err.Error(), Code: ErrorCodeResultEncoding}, now)
			}
			if err := job.Complete(result, now); err != nil {
				return err
			}
		case job.CancelRequested && cancelled:
			if err := job.Cancel("", now); err != nil {
				return err
			}
		default:
			if err := job.Fail(jobErrorFor(exec.err), now); err != nil {
				return err
			}
		}
		status = job.Status
		return nil
	})
	s.untrack(id)

	if err != nil {
		log.Warnw("Failed to record job outcome", logger.FieldError, err)
	}
	if status != "" {
		log.Infow("Background job finished",
			logger.FieldLabel, exec.label,
			logger.FieldStatus, status)
	}
}

// PanicError is the error of an operation that panicked
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", p.Value)
}

func invoke(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return op.Run(ctx)
}

func jobErrorFor(err error) *JobError {
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return &JobError{Message: panicErr.Error(), Code: ErrorCodePanic, Trace: string(panicErr.Stack)}
	}
	return newJobError(err)
}

func encodeResult(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("operation returned invalid JSON")
		}
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "operation result is not JSON-serializable")
	}
	return data, nil
}

func (s *Scheduler) track(id string, exec *execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[id] = exec
	s.outputs[id] = exec.output
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

func (s *Scheduler) lookup(id string) *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

// output returns the captured output of a job run by this scheduler
func (s *Scheduler) output(id string) *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[id]
}

// forget drops retained output of removed jobs
func (s *Scheduler) forget(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.outputs, id)
	}
}

// Running returns the number of jobs with a task still attached
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Shutdown stops accepting runs and waits for in-flight executions until
// ctx ends. Jobs still running afterwards are failed on the next Load.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	running := len(s.live)
	s.mu.Unlock()

	s.logger.Infow("Scheduler shutting down", "running", running)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("Scheduler stopped, all executions finished")
		return nil
	case <-ctx.Done():
		return errors.WithDetailf(
			errors.Wrap(ctx.Err(), "executions still running at shutdown"),
			"running=%d", s.Running())
	}
}
