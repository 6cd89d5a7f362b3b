package server

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
	"github.com/teranos/handoff/ops/exec"
	"github.com/teranos/handoff/pulse/async"
)

// Tool names
const (
	ToolRunCommand = "run_command"
	ToolJobStatus  = "job_status"
	ToolJobOutput  = "job_output"
	ToolListJobs   = "list_jobs"
	ToolCancelJob  = "cancel_job"
	ToolPruneJobs  = "prune_jobs"
	ToolJobStats   = "job_stats"
)

func (s *Server) registerTools() {
	runTool := mcp.NewTool(ToolRunCommand,
		mcp.WithDescription(fmt.Sprintf(
			"Run a command. Returns its result directly if it finishes within %gs "+
				"(override with %s), otherwise returns a job_id while it keeps running in the background.",
			s.cfg.ExecDefaultBudget().Seconds(), s.cfg.ExecBudgetKey)),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Command line, split with shell quoting rules (not run through a shell)"),
		),
		mcp.WithArray("args",
			mcp.Description("Extra arguments appended verbatim"),
			mcp.WithStringItems(),
		),
		mcp.WithString("directory",
			mcp.Description("Working directory"),
		),
		mcp.WithObject("env",
			mcp.Description("Environment variables, overriding the server's and env_file's"),
		),
		mcp.WithString("env_file",
			mcp.Description("Path to a .env file to load"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Kill the command after this many seconds (0 = no limit)"),
		),
		mcp.WithBoolean("async_mode",
			mcp.Description("Start in the background immediately and return a job_id (default: false)"),
		),
		mcp.WithString("job_label",
			mcp.Description("Label for the job if it runs in the background"),
		),
	)
	s.mcp.AddTool(runTool, s.handleRunCommand)

	statusTool := mcp.NewTool(ToolJobStatus,
		mcp.WithDescription("Get the status, progress and result of a job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id returned by run_command"),
		),
		mcp.WithBoolean("incremental",
			mcp.Description("Include output produced since the previous incremental read (default: false)"),
		),
	)
	s.mcp.AddTool(statusTool, s.handleJobStatus)

	outputTool := mcp.NewTool(ToolJobOutput,
		mcp.WithDescription("Get the stdout and stderr captured for a job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id returned by run_command"),
		),
		mcp.WithBoolean("incremental",
			mcp.Description("Only return output produced since the previous incremental read (default: false)"),
		),
	)
	s.mcp.AddTool(outputTool, s.handleJobOutput)

	listTool := mcp.NewTool(ToolListJobs,
		mcp.WithDescription("List jobs, newest first"),
		mcp.WithString("status_filter",
			mcp.Description("Only list jobs in this status"),
			mcp.Enum(
				string(async.JobStatusPending),
				string(async.JobStatusRunning),
				string(async.JobStatusCompleted),
				string(async.JobStatusFailed),
				string(async.JobStatusCancelled),
			),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum number of jobs (default: %d)", s.listLimit())),
		),
	)
	s.mcp.AddTool(listTool, s.handleListJobs)

	cancelTool := mcp.NewTool(ToolCancelJob,
		mcp.WithDescription("Request cancellation of a job. Commands are killed; "+
			"other work stops only if it checks for cancellation."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id to cancel"),
		),
	)
	s.mcp.AddTool(cancelTool, s.handleCancelJob)

	defaults := async.DefaultPruneOptions()
	pruneTool := mcp.NewTool(ToolPruneJobs,
		mcp.WithDescription("Remove finished jobs older than max_age_hours. Cancelled jobs are always eligible."),
		mcp.WithBoolean("keep_completed",
			mcp.Description(fmt.Sprintf("Keep completed jobs (default: %t)", defaults.KeepCompleted)),
		),
		mcp.WithBoolean("keep_failed",
			mcp.Description(fmt.Sprintf("Keep failed jobs (default: %t)", defaults.KeepFailed)),
		),
		mcp.WithNumber("max_age_hours",
			mcp.Description(fmt.Sprintf("Minimum age of removed jobs in hours (default: %g)", defaults.MaxAgeHours)),
		),
	)
	s.mcp.AddTool(pruneTool, s.handlePruneJobs)

	statsTool := mcp.NewTool(ToolJobStats,
		mcp.WithDescription("Count jobs per status and report host memory usage"),
	)
	s.mcp.AddTool(statsTool, s.handleJobStats)
}

func (s *Server) listLimit() int {
	if s.cfg.ListLimit > 0 {
		return s.cfg.ListLimit
	}
	return async.DefaultListLimit
}

// handleRunCommand runs a command under the exec time budget
func (s *Server) handleRunCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return s.errorResult(ToolRunCommand, errors.Mark(err, errors.ErrInvalidRequest)), nil
	}

	req := exec.Request{
		Command: command,
		Args:    request.GetStringSlice("args", nil),
		Dir:     request.GetString("directory", ""),
		EnvFile: request.GetString("env_file", ""),
	}
	if req.Env, err = envArgument(request.GetArguments()["env"]); err != nil {
		return s.errorResult(ToolRunCommand, err), nil
	}
	if req.Timeout, err = secondsArgument("timeout_seconds", request.GetFloat("timeout_seconds", 0)); err != nil {
		return s.errorResult(ToolRunCommand, err), nil
	}
	if _, err := req.Validate(); err != nil {
		return s.errorResult(ToolRunCommand, err), nil
	}

	opts := async.RunOptions{
		Async:          request.GetBool("async_mode", false),
		Label:          request.GetString("job_label", ""),
		BudgetKey:      s.cfg.ExecBudgetKey,
		BudgetFallback: s.cfg.ExecDefaultBudget(),
	}
	if opts.Label == "" {
		opts.Label = req.Label()
	}

	ctx = logger.WithRequestID(ctx, uuid.NewString())
	outcome, err := s.sched.Run(ctx, exec.New(req, s.logger), opts)
	if outcome.Detached() {
		if err != nil {
			s.logger.With(logger.FieldsFromContext(ctx)...).Infow("Client went away, command continues as a job",
				logger.FieldJobID, outcome.Job.ID,
				logger.FieldError, err)
		}
		return jsonResult(outcome.Job)
	}
	if err != nil {
		return s.errorResult(ToolRunCommand, err), nil
	}
	return jsonResult(outcome.Value)
}

// statusView is a job record with derived fields for display
type statusView struct {
	*async.Job
	ElapsedSeconds  float64               `json:"elapsed_seconds"`
	ProgressPercent *float64              `json:"progress_percent,omitempty"`
	Output          *async.OutputSnapshot `json:"output,omitempty"`
}

func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return s.errorResult(ToolJobStatus, errors.Mark(err, errors.ErrInvalidRequest)), nil
	}

	job, err := s.control.Status(id)
	if err != nil {
		return s.errorResult(ToolJobStatus, err), nil
	}

	view := statusView{Job: job, ElapsedSeconds: job.Elapsed(time.Now()).Seconds()}
	if job.Progress != nil && job.Progress.Total > 0 {
		pct := job.Progress.Percentage()
		view.ProgressPercent = &pct
	}
	if request.GetBool("incremental", false) {
		out, err := s.control.Output(id, true)
		if err != nil {
			return s.errorResult(ToolJobStatus, err), nil
		}
		if out.Available {
			view.Output = &out.OutputSnapshot
		}
	}
	return jsonResult(view)
}

func (s *Server) handleJobOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return s.errorResult(ToolJobOutput, errors.Mark(err, errors.ErrInvalidRequest)), nil
	}

	out, err := s.control.Output(id, request.GetBool("incremental", false))
	if err != nil {
		return s.errorResult(ToolJobOutput, err), nil
	}
	return jsonResult(out)
}

func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.control.List(
		request.GetString("status_filter", ""),
		request.GetInt("limit", s.listLimit()),
	)
	if err != nil {
		return s.errorResult(ToolListJobs, err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return s.errorResult(ToolCancelJob, errors.Mark(err, errors.ErrInvalidRequest)), nil
	}

	res, err := s.control.Cancel(id)
	if err != nil {
		return s.errorResult(ToolCancelJob, err), nil
	}
	return jsonResult(res)
}

func (s *Server) handlePruneJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defaults := async.DefaultPruneOptions()
	opts := async.PruneOptions{
		KeepCompleted: request.GetBool("keep_completed", defaults.KeepCompleted),
		KeepFailed:    request.GetBool("keep_failed", defaults.KeepFailed),
		MaxAgeHours:   request.GetFloat("max_age_hours", defaults.MaxAgeHours),
	}

	res, err := s.control.Prune(opts)
	if err != nil {
		return s.errorResult(ToolPruneJobs, err), nil
	}
	return jsonResult(res)
}

type statsView struct {
	Jobs   map[async.JobStatus]int `json:"jobs"`
	System async.SystemMetrics     `json:"system"`
}

func (s *Server) handleJobStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(statsView{Jobs: s.control.Stats(), System: s.sched.Metrics()})
}

func envArgument(raw any) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.NewInvalidRequestError("env must be an object of strings, got %T", raw)
	}
	env := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			env[k] = val
		case float64, bool:
			env[k] = fmt.Sprint(val)
		default:
			return nil, errors.NewInvalidRequestError("env %s must be a string, got %T", k, v)
		}
	}
	return env, nil
}

func secondsArgument(name string, secs float64) (time.Duration, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0, errors.NewInvalidRequestError("%s must be >= 0, got %g", name, secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
