package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/pulse/async"
	"github.com/teranos/handoff/pulse/budget"
)

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

type fixture struct {
	srv   *Server
	store *async.Store
	sched *async.Scheduler
}

func newFixture(t *testing.T, execBudget float64) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	store := async.NewStore(async.NewFileSnapshot(filepath.Join(t.TempDir(), "meta", "jobs.json")), log)
	require.NoError(t, store.Load())
	sched := async.NewScheduler(store, budget.NewResolver(time.Minute, log), async.SchedulerOptions{OutputLimit: 4096}, log)
	control := async.NewControl(store, sched, async.ControlOptions{CancelGrace: 2 * time.Second}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	cfg := am.ServerConfig{
		Name:                     "handoff-test",
		ExecBudgetKey:            "HANDOFF_TEST_EXEC_BUDGET",
		ExecDefaultBudgetSeconds: execBudget,
		ListLimit:                10,
	}
	return &fixture{srv: New(sched, control, cfg, log), store: store, sched: sched}
}

func call(t *testing.T, h toolHandler, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return res, text.Text
}

func decode(t *testing.T, text string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(text), v), text)
}

func requireToolError(t *testing.T, res *mcp.CallToolResult, text, kind string) ErrorBody {
	t.Helper()
	assert.True(t, res.IsError)
	var env errorEnvelope
	decode(t, text, &env)
	assert.Equal(t, kind, env.Error.Kind)
	assert.NotEmpty(t, env.Error.Message)
	return env.Error
}

func TestRunCommand_FastPathReturnsResult(t *testing.T) {
	f := newFixture(t, 10)

	res, text := call(t, f.srv.handleRunCommand, map[string]any{
		"command": "echo",
		"args":    []any{"hello world"},
	})
	require.False(t, res.IsError, text)

	var out struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exit_code"`
	}
	decode(t, text, &out)
	assert.Equal(t, "hello world\n", out.Stdout)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, 0, f.store.Len(), "no job for a fast command")
}

func TestRunCommand_SlowCommandBecomesJob(t *testing.T) {
	f := newFixture(t, 0.05)

	res, text := call(t, f.srv.handleRunCommand, map[string]any{
		"command":   `sh -c 'echo started; sleep 0.3; echo "$GREETING"'`,
		"env":       map[string]any{"GREETING": "bye"},
		"job_label": "slow greeting",
	})
	require.False(t, res.IsError, text)

	var handle async.Handle
	decode(t, text, &handle)
	require.NotEmpty(t, handle.ID)
	assert.Equal(t, async.JobStatusRunning, handle.Status)
	assert.Equal(t, "slow greeting", handle.Label)
	assert.Contains(t, handle.Message, "exceeded 0.05s time budget")

	require.Eventually(t, func() bool {
		job, err := f.store.Get(handle.ID)
		return err == nil && job.Status == async.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	_, text = call(t, f.srv.handleJobStatus, map[string]any{"job_id": handle.ID, "incremental": true})
	var view struct {
		ID     string                `json:"id"`
		Status async.JobStatus       `json:"status"`
		Result json.RawMessage       `json:"result"`
		Output *async.OutputSnapshot `json:"output"`
	}
	decode(t, text, &view)
	assert.Equal(t, handle.ID, view.ID)
	assert.Contains(t, string(view.Result), `bye\n`)
	require.NotNil(t, view.Output)
	assert.Equal(t, "started\nbye\n", view.Output.Stdout)

	_, text = call(t, f.srv.handleJobOutput, map[string]any{"job_id": handle.ID, "incremental": true})
	var out async.OutputResult
	decode(t, text, &out)
	assert.True(t, out.Available)
	assert.Empty(t, out.Stdout, "incremental status already consumed the output")
}

func TestRunCommand_BudgetOverrideFromEnvironment(t *testing.T) {
	f := newFixture(t, 10)
	t.Setenv("HANDOFF_TEST_EXEC_BUDGET", "0.05")

	_, text := call(t, f.srv.handleRunCommand, map[string]any{"command": "sleep 0.3"})

	var handle async.Handle
	decode(t, text, &handle)
	assert.NotEmpty(t, handle.ID, "override shortened the budget")
}

func TestRunCommand_AsyncMode(t *testing.T) {
	f := newFixture(t, 10)

	_, text := call(t, f.srv.handleRunCommand, map[string]any{"command": "true", "async_mode": true})

	var handle async.Handle
	decode(t, text, &handle)
	assert.Equal(t, async.JobStatusPending, handle.Status)
	assert.Equal(t, "true", handle.Label, "label defaults to the command line")
}

func TestRunCommand_InvalidRequests(t *testing.T) {
	f := newFixture(t, 10)

	for name, args := range map[string]map[string]any{
		"missing command":  {},
		"bad quoting":      {"command": `echo "oops`},
		"negative timeout": {"command": "true", "timeout_seconds": -1.0},
		"bad env":          {"command": "true", "env": "A=B"},
		"missing dir":      {"command": "true", "directory": "/definitely/not/here"},
	} {
		t.Run(name, func(t *testing.T) {
			res, text := call(t, f.srv.handleRunCommand, args)
			requireToolError(t, res, text, "invalid_request")
		})
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestRunCommand_StartFailureIsOperationFailure(t *testing.T) {
	f := newFixture(t, 10)

	res, text := call(t, f.srv.handleRunCommand, map[string]any{"command": "handoff-no-such-binary-xyz"})
	requireToolError(t, res, text, "operation_failure")
}

func TestJobStatus_Errors(t *testing.T) {
	f := newFixture(t, 10)

	res, text := call(t, f.srv.handleJobStatus, map[string]any{"job_id": "missing"})
	requireToolError(t, res, text, "not_found")

	res, text = call(t, f.srv.handleJobStatus, map[string]any{})
	requireToolError(t, res, text, "invalid_request")
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, 10)
	for i := 0; i < 12; i++ {
		_, err := f.store.Register("queued")
		require.NoError(t, err)
	}

	_, text := call(t, f.srv.handleListJobs, map[string]any{})
	var res async.ListResult
	decode(t, text, &res)
	assert.Equal(t, 10, res.Count, "server list limit applies")
	assert.Equal(t, 12, res.Total)

	_, text = call(t, f.srv.handleListJobs, map[string]any{"status_filter": "pending", "limit": 3.0})
	decode(t, text, &res)
	assert.Equal(t, 3, res.Count)

	res2, text := call(t, f.srv.handleListJobs, map[string]any{"status_filter": "queued"})
	body := requireToolError(t, res2, text, "invalid_request")
	assert.Contains(t, body.Hint, "pending")
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, 10)

	_, text := call(t, f.srv.handleRunCommand, map[string]any{"command": "sleep 30", "async_mode": true})
	var handle async.Handle
	decode(t, text, &handle)

	res, text := call(t, f.srv.handleCancelJob, map[string]any{"job_id": handle.ID})
	require.False(t, res.IsError, text)
	var cancelled async.CancelResult
	decode(t, text, &cancelled)
	assert.Equal(t, async.JobStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelRequested)

	res, text = call(t, f.srv.handleCancelJob, map[string]any{"job_id": "missing"})
	requireToolError(t, res, text, "not_found")
}

func TestPruneJobs(t *testing.T) {
	f := newFixture(t, 10)

	_, text := call(t, f.srv.handleRunCommand, map[string]any{"command": "true", "async_mode": true})
	var handle async.Handle
	decode(t, text, &handle)
	require.Eventually(t, func() bool {
		job, err := f.store.Get(handle.ID)
		return err == nil && job.Status == async.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	_, text = call(t, f.srv.handlePruneJobs, map[string]any{})
	var res async.PruneResult
	decode(t, text, &res)
	assert.Equal(t, 0, res.Removed, "defaults keep completed jobs for a day")

	_, text = call(t, f.srv.handlePruneJobs, map[string]any{"keep_completed": false, "max_age_hours": 0.0})
	decode(t, text, &res)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, []string{handle.ID}, res.IDs)

	res2, text := call(t, f.srv.handlePruneJobs, map[string]any{"max_age_hours": -2.0})
	requireToolError(t, res2, text, "invalid_request")
}

func TestJobStats(t *testing.T) {
	f := newFixture(t, 10)
	_, _ = f.store.Register("waiting")

	_, text := call(t, f.srv.handleJobStats, nil)
	var view struct {
		Jobs   map[string]int      `json:"jobs"`
		System async.SystemMetrics `json:"system"`
	}
	decode(t, text, &view)
	assert.Equal(t, 1, view.Jobs["pending"])
	assert.Equal(t, 1, view.System.JobsPending)
}

func TestToolsAreListed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.srv.MCP().HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize",
		"params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`))
	resp := f.srv.MCP().HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var listed struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	decode(t, string(data), &listed)

	var names []string
	for _, tool := range listed.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		ToolRunCommand, ToolJobStatus, ToolJobOutput, ToolListJobs,
		ToolCancelJob, ToolPruneJobs, ToolJobStats,
	}, names)
}

func TestEnvArgument(t *testing.T) {
	env, err := envArgument(map[string]any{"A": "x", "N": float64(3), "B": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "x", "N": "3", "B": "true"}, env)

	_, err = envArgument(map[string]any{"A": []any{"x"}})
	assert.Error(t, err)

	env, err = envArgument(nil)
	require.NoError(t, err)
	assert.Nil(t, env)
}
