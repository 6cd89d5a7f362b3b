// Package exec runs external commands as scheduler operations.
//
// Output is streamed into the job's captured output while the command runs,
// line counts are reported as progress, and peak memory is sampled from the
// child process.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	osexec "os/exec"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
	"github.com/teranos/handoff/pulse/async"
)

// OperationName is the name command operations report to the scheduler
const OperationName = "run_command"

const (
	// DefaultSampleInterval is how often the child's memory is sampled
	DefaultSampleInterval = 50 * time.Millisecond
	// DefaultProgressInterval is the minimum gap between progress reports
	DefaultProgressInterval = 250 * time.Millisecond
	// killWaitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the command itself was killed
	killWaitDelay = 2 * time.Second
	timeoutMarker = "\n[TIMEOUT]"
)

// Operation runs one Request
type Operation struct {
	req              Request
	sampleInterval   time.Duration
	progressInterval time.Duration
	logger           *zap.SugaredLogger
}

// New returns an operation running req. A nil log means the global logger,
// with the fields carried by the run's context.
func New(req Request, log *zap.SugaredLogger) *Operation {
	return &Operation{
		req:              req,
		sampleInterval:   DefaultSampleInterval,
		progressInterval: DefaultProgressInterval,
		logger:           log,
	}
}

// Name implements async.Operation
func (o *Operation) Name() string {
	return OperationName
}

// Request returns the request this operation runs
func (o *Operation) Request() Request {
	return o.req
}

// loggerFor returns the operation's logger carrying the request, component
// and job fields of ctx. The job id is only known once the run became a job.
func (o *Operation) loggerFor(ctx context.Context) *zap.SugaredLogger {
	if id := async.JobIDFromContext(ctx); id != "" {
		ctx = logger.WithJobID(ctx, id)
	}
	if o.logger == nil {
		return logger.LoggerFromContext(ctx)
	}
	return o.logger.With(logger.FieldsFromContext(ctx)...)
}

// Run executes the command. It returns an error only when the command could
// not be started or was stopped by a cancel request.
func (o *Operation) Run(ctx context.Context) (any, error) {
	argv, err := o.req.Validate()
	if err != nil {
		return nil, err
	}
	env, err := o.req.Environ()
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if o.req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.req.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	out := async.OutputFromContext(ctx)
	lines := newLineCounter(async.NewProgressReporter(ctx), o.progressInterval)

	cmd := osexec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = am.ExpandHome(o.req.Dir)
	cmd.Env = env
	cmd.Stdout = io.MultiWriter(&stdout, out.Stdout(), lines)
	cmd.Stderr = io.MultiWriter(&stderr, out.Stderr(), lines)
	cmd.WaitDelay = killWaitDelay

	log := o.loggerFor(ctx).With(logger.FieldCommand, argv[0])

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", argv[0])
	}
	log.Debugw("Command started", "pid", cmd.Process.Pid)

	stopSampling := make(chan struct{})
	peakRSS := samplePeakRSS(cmd.Process.Pid, o.sampleInterval, stopSampling)

	waitErr := cmd.Wait()
	close(stopSampling)
	elapsed := time.Since(start)
	lines.flush()

	if ctx.Err() != nil {
		log.Infow("Command stopped by cancel request", logger.FieldDurationMS, elapsed.Milliseconds())
		return nil, context.Cause(ctx)
	}

	res := &Result{
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		ElapsedSeconds: elapsed.Seconds(),
		PeakRSSMB:      float64(<-peakRSS) / (1024 * 1024),
	}
	if state := cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		res.CPUSeconds = (state.UserTime() + state.SystemTime()).Seconds()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		res.Stderr += timeoutMarker
		fmt.Fprint(out.Stderr(), timeoutMarker)
		log.Infow("Command killed after timeout", "timeout", o.req.Timeout)
		return res, nil
	}

	var exitErr *osexec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, errors.Wrapf(waitErr, "failed waiting for %s", argv[0])
	}

	log.Debugw("Command finished",
		"exit_code", res.ExitCode,
		logger.FieldDurationMS, elapsed.Milliseconds())
	return res, nil
}

// lineCounter counts output lines and reports them as progress, at most
// once per interval. It receives writes from both output streams.
type lineCounter struct {
	reporter *async.ProgressReporter
	limiter  *rate.Limiter
	lines    atomic.Int64
}

func newLineCounter(reporter *async.ProgressReporter, interval time.Duration) *lineCounter {
	return &lineCounter{
		reporter: reporter,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (c *lineCounter) Write(p []byte) (int, error) {
	n := bytes.Count(p, []byte{'\n'})
	if n == 0 {
		return len(p), nil
	}
	total := c.lines.Add(int64(n))
	if c.limiter.Allow() {
		c.report(total)
	}
	return len(p), nil
}

// flush reports the final count regardless of the limiter
func (c *lineCounter) flush() {
	if total := c.lines.Load(); total > 0 {
		c.report(total)
	}
}

func (c *lineCounter) report(total int64) {
	c.reporter.Report(int(total), 0, fmt.Sprintf("%d lines of output", total))
}

// samplePeakRSS polls the resident set size of pid until stop is closed and
// then delivers the largest value seen. Sampling errors end sampling early.
func samplePeakRSS(pid int, interval time.Duration, stop <-chan struct{}) <-chan uint64 {
	result := make(chan uint64, 1)
	go func() {
		var peak uint64
		defer func() { result <- peak }()

		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if mem, err := proc.MemoryInfo(); err == nil && mem.RSS > peak {
				peak = mem.RSS
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return result
}
