package am

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents the handoff configuration
type Config struct {
	Jobs   JobsConfig   `mapstructure:"jobs" toml:"jobs" json:"jobs" yaml:"jobs"`
	Server ServerConfig `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
	Log    LogConfig    `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
}

// JobsConfig configures the job store and the time-budgeted scheduler
type JobsConfig struct {
	PersistenceDir         string  `mapstructure:"persistence_dir" toml:"persistence_dir" json:"persistence_dir" yaml:"persistence_dir"`                             // Root of the meta/ snapshot directory (default: ~/.handoff)
	Persistence            string  `mapstructure:"persistence" toml:"persistence" json:"persistence" yaml:"persistence"`                                             // Snapshot backend: file or sqlite
	DefaultBudgetSeconds   float64 `mapstructure:"default_budget_seconds" toml:"default_budget_seconds" json:"default_budget_seconds" yaml:"default_budget_seconds"` // Race-mode budget when the call site has no override
	CancelGraceMS          int     `mapstructure:"cancel_grace_ms" toml:"cancel_grace_ms" json:"cancel_grace_ms" yaml:"cancel_grace_ms"`                             // How long cancel waits for the task to stop
	OutputLimitBytes       int     `mapstructure:"output_limit_bytes" toml:"output_limit_bytes" json:"output_limit_bytes" yaml:"output_limit_bytes"`                 // Retained stdout/stderr per stream
	ShutdownTimeoutSeconds int     `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// ServerConfig configures the MCP tool surface
type ServerConfig struct {
	Name                     string  `mapstructure:"name" toml:"name" json:"name" yaml:"name"`
	ExecBudgetKey            string  `mapstructure:"exec_budget_key" toml:"exec_budget_key" json:"exec_budget_key" yaml:"exec_budget_key"`                                                 // Environment variable overriding the run_command budget
	ExecDefaultBudgetSeconds float64 `mapstructure:"exec_default_budget_seconds" toml:"exec_default_budget_seconds" json:"exec_default_budget_seconds" yaml:"exec_default_budget_seconds"` // run_command budget when the override is unset
	ListLimit                int     `mapstructure:"list_limit" toml:"list_limit" json:"list_limit" yaml:"list_limit"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `mapstructure:"level" toml:"level" json:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
}

// Snapshot backends
const (
	PersistenceFile   = "file"
	PersistenceSQLite = "sqlite"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// Dir returns the persistence directory with a leading ~ expanded.
func (c *JobsConfig) Dir() string {
	return ExpandHome(c.PersistenceDir)
}

// SnapshotPath returns the JSON snapshot location: <persistence_dir>/meta/jobs.json
func (c *JobsConfig) SnapshotPath() string {
	return filepath.Join(c.Dir(), "meta", "jobs.json")
}

// DatabasePath returns the SQLite snapshot location: <persistence_dir>/meta/jobs.db
func (c *JobsConfig) DatabasePath() string {
	return filepath.Join(c.Dir(), "meta", "jobs.db")
}

// DefaultBudget returns the default race budget as a duration
func (c *JobsConfig) DefaultBudget() time.Duration {
	return Seconds(c.DefaultBudgetSeconds)
}

// CancelGrace returns how long a cancel request waits for the task to stop
func (c *JobsConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMS) * time.Millisecond
}

// ShutdownTimeout returns how long shutdown waits for in-flight jobs
func (c *JobsConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// ExecDefaultBudget returns the run_command budget used when no override is set
func (c *ServerConfig) ExecDefaultBudget() time.Duration {
	return Seconds(c.ExecDefaultBudgetSeconds)
}

// Seconds converts fractional seconds to a duration
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
