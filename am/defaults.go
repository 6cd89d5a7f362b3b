package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// Default values shared with callers that need them without loading config
const (
	DefaultBudgetSeconds     = 50.0
	DefaultExecBudgetSeconds = 20.0
	DefaultExecBudgetKey     = "HANDOFF_EXEC_BUDGET_SECONDS"
	DefaultListLimit         = 50
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Job store and scheduler defaults
	v.SetDefault("jobs.persistence_dir", "~/.handoff")
	v.SetDefault("jobs.persistence", PersistenceFile)
	v.SetDefault("jobs.default_budget_seconds", DefaultBudgetSeconds)
	v.SetDefault("jobs.cancel_grace_ms", 2000)
	v.SetDefault("jobs.output_limit_bytes", 1<<20) // 1 MiB per stream
	v.SetDefault("jobs.shutdown_timeout_seconds", 30)

	// MCP surface defaults
	v.SetDefault("server.name", "handoff")
	v.SetDefault("server.exec_budget_key", DefaultExecBudgetKey)
	v.SetDefault("server.exec_default_budget_seconds", DefaultExecBudgetSeconds)
	v.SetDefault("server.list_limit", DefaultListLimit)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Jobs: {Dir: %s, Persistence: %s, Budget: %gs}, Server: {Name: %s}}",
		c.Jobs.PersistenceDir, c.Jobs.Persistence, c.Jobs.DefaultBudgetSeconds, c.Server.Name)
}
