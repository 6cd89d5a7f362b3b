package am

import "github.com/teranos/handoff/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Jobs.PersistenceDir == "" {
		return errors.New("jobs.persistence_dir cannot be empty")
	}

	switch c.Jobs.Persistence {
	case PersistenceFile, PersistenceSQLite:
	default:
		return errors.Newf("jobs.persistence must be %q or %q, got %q",
			PersistenceFile, PersistenceSQLite, c.Jobs.Persistence)
	}

	// Budgets: zero would hand every call straight to the background
	if c.Jobs.DefaultBudgetSeconds <= 0 {
		return errors.Newf("jobs.default_budget_seconds must be > 0, got %g", c.Jobs.DefaultBudgetSeconds)
	}
	if c.Server.ExecDefaultBudgetSeconds < 0 {
		return errors.Newf("server.exec_default_budget_seconds must be >= 0, got %g (0 uses jobs.default_budget_seconds)",
			c.Server.ExecDefaultBudgetSeconds)
	}

	if c.Jobs.CancelGraceMS < 0 {
		return errors.Newf("jobs.cancel_grace_ms must be >= 0, got %d", c.Jobs.CancelGraceMS)
	}
	if c.Jobs.OutputLimitBytes < 0 {
		return errors.Newf("jobs.output_limit_bytes must be >= 0, got %d", c.Jobs.OutputLimitBytes)
	}
	if c.Jobs.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("jobs.shutdown_timeout_seconds must be >= 0, got %d", c.Jobs.ShutdownTimeoutSeconds)
	}
	if c.Server.ListLimit < 0 {
		return errors.Newf("server.list_limit must be >= 0, got %d", c.Server.ListLimit)
	}

	return nil
}
