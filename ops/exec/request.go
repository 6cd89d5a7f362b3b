package exec

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/errors"
)

// Request describes one command invocation
type Request struct {
	// Command is a shell-style command line, split with POSIX quoting rules.
	// It is not run through a shell.
	Command string `json:"command"`
	// Args are appended after the words of Command, unsplit
	Args []string `json:"args,omitempty"`
	// Dir is the working directory; empty means the server's own
	Dir string `json:"directory,omitempty"`
	// Env overrides variables from the process environment and EnvFile
	Env map[string]string `json:"env,omitempty"`
	// EnvFile is a .env file merged over the process environment
	EnvFile string `json:"env_file,omitempty"`
	// Timeout kills the command once exceeded; 0 means no limit
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Result is what a finished command produced. A non-zero exit code is a
// result like any other, not a failure of the operation.
type Result struct {
	Stdout         string  `json:"stdout"`
	Stderr         string  `json:"stderr"`
	ExitCode       int     `json:"exit_code"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	PeakRSSMB      float64 `json:"peak_rss_mb"`
	CPUSeconds     float64 `json:"cpu_seconds"`
	TimedOut       bool    `json:"timed_out"`
}

// Validate checks the request and returns the argv to execute
func (r Request) Validate() ([]string, error) {
	if strings.TrimSpace(r.Command) == "" {
		return nil, errors.NewInvalidRequestError("command is required")
	}
	if r.Timeout < 0 {
		return nil, errors.NewInvalidRequestError("timeout must be >= 0, got %s", r.Timeout)
	}

	words, err := shellquote.Split(r.Command)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cannot parse command %q", r.Command), errors.ErrInvalidRequest)
	}
	if len(words) == 0 {
		return nil, errors.NewInvalidRequestError("command is required")
	}

	if r.Dir != "" {
		info, err := os.Stat(am.ExpandHome(r.Dir))
		if err != nil || !info.IsDir() {
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("working directory does not exist: %s", r.Dir),
				"pass an existing directory or leave it empty")
		}
	}

	return append(words, r.Args...), nil
}

// Environ builds the child environment. Later sources win: the process
// environment, then EnvFile, then Env.
func (r Request) Environ() ([]string, error) {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	if r.EnvFile != "" {
		path := am.ExpandHome(r.EnvFile)
		fileVars, err := godotenv.Read(path)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "cannot read env file %s", path), errors.ErrInvalidRequest)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}

	for k, v := range r.Env {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

// Label is a short description of the command for job listings
func (r Request) Label() string {
	label := strings.TrimSpace(r.Command)
	if len(r.Args) > 0 {
		label += " " + shellquote.Join(r.Args...)
	}
	const max = 80
	if len(label) > max {
		label = label[:max-3] + "..."
	}
	return label
}
