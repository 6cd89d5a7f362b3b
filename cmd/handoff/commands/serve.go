package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/logger"
	"github.com/teranos/handoff/pulse/async"
	"github.com/teranos/handoff/pulse/budget"
	"github.com/teranos/handoff/server"
)

// ServeCmd runs the MCP server on stdin/stdout
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve run_command and the job control tools over MCP on stdin/stdout.

Logs go to stderr. Jobs are persisted under jobs.persistence_dir and any job
still unfinished from a previous run is marked failed at startup. Edits to the
config files adjust the default time budget without a restart.

Examples:
  handoff serve
  HANDOFF_JOBS_PERSISTENCE=sqlite handoff serve -v`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	log := logger.ComponentLogger("serve")

	store, err := openStore(cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnw("Failed to close job store", logger.FieldError, err)
		}
	}()

	resolver := budget.NewResolver(cfg.Jobs.DefaultBudget(), logger.ComponentLogger("pulse.budget"))
	sched := async.NewScheduler(store, resolver,
		async.SchedulerOptions{OutputLimit: cfg.Jobs.OutputLimitBytes},
		logger.ComponentLogger("pulse.scheduler"))
	control := async.NewControl(store, sched, async.ControlOptions{
		CancelGrace:      cfg.Jobs.CancelGrace(),
		DefaultListLimit: cfg.Server.ListLimit,
	}, logger.ComponentLogger("pulse.control"))
	srv := server.New(sched, control, cfg.Server, logger.ComponentLogger("server"))

	if warning := async.MemoryPressure(); warning != "" {
		log.Warnw(warning)
	}

	if watcher := startConfigWatcher(resolver); watcher != nil {
		defer func() {
			am.SetGlobalWatcher(nil)
			_ = watcher.Stop()
		}()
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("handoff serving",
		logger.FieldPath, cfg.Jobs.Dir(),
		"persistence", cfg.Jobs.Persistence,
		logger.FieldBudget, cfg.Jobs.DefaultBudget().String(),
		"jobs", store.Len())

	serveErr := srv.Serve(ctx, os.Stdin, os.Stdout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Shutdown left jobs running; they will be failed on next start", logger.FieldError, err)
	}

	return serveErr
}

// startConfigWatcher keeps the resolver's default budget in step with the
// config files. Returns nil when there is nothing to watch.
func startConfigWatcher(resolver *budget.Resolver) *am.ConfigWatcher {
	files := am.ConfigFiles()
	if len(files) == 0 {
		return nil
	}

	watcher, err := am.NewConfigWatcher(files...)
	if err != nil {
		logger.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		resolver.SetDefault(cfg.Jobs.DefaultBudget())
		return nil
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}

func shutdownTimeout(cfg *am.Config) time.Duration {
	if d := cfg.Jobs.ShutdownTimeout(); d > 0 {
		return d
	}
	return 30 * time.Second
}
