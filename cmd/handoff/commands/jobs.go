package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/display"
	"github.com/teranos/handoff/logger"
	"github.com/teranos/handoff/pulse/async"
)

// JobsCmd groups the offline job commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage persisted jobs",
	Long: `Inspect and manage the jobs recorded in the snapshot.

These commands read the snapshot directly and do not talk to a running server.
ls and status are safe beside a live server. cancel and prune rewrite the
snapshot and fail any unfinished job first, so run them with the server stopped.

Examples:
  handoff jobs ls                        # List jobs, newest first
  handoff jobs ls --status running       # Only running jobs
  handoff jobs status <job-id>           # Full record of one job
  handoff jobs prune --max-age-hours 0   # Remove cancelled and old finished jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long: `List jobs, newest first, optionally filtered by status.

Status filters: pending, running, completed, failed, cancelled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return withControl(false, func(control *async.Control) error {
			res, err := control.List(status, limit)
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.WriteJSON(cmd.OutOrStdout(), res)
			}
			return renderJobList(cmd.OutOrStdout(), res, time.Now())
		})
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the full record of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControl(false, func(control *async.Control) error {
			job, err := control.Status(args[0])
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.WriteJSON(cmd.OutOrStdout(), job)
			}
			return renderJob(cmd.OutOrStdout(), job, time.Now())
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job in the snapshot",
	Long: `Cancel a job in the snapshot.

Without a running server there is no task to stop: unfinished jobs are failed
as after a restart, and finished jobs are reported unchanged. Use the
cancel_job tool to stop a live job.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControl(true, func(control *async.Control) error {
			res, err := control.Cancel(args[0])
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.WriteJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", res.ID, res.Status, res.Message)
			return nil
		})
	},
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old finished jobs",
	Long: `Remove finished jobs older than --max-age-hours.

Cancelled jobs are always eligible. Completed and failed jobs are kept unless
--keep-completed=false or --keep-failed=false.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := async.DefaultPruneOptions()
		opts.KeepCompleted, _ = cmd.Flags().GetBool("keep-completed")
		opts.KeepFailed, _ = cmd.Flags().GetBool("keep-failed")
		opts.MaxAgeHours, _ = cmd.Flags().GetFloat64("max-age-hours")

		return withControl(true, func(control *async.Control) error {
			res, err := control.Prune(opts)
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.WriteJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s), %d remaining\n", res.Removed, res.Remaining)
			return nil
		})
	},
}

func init() {
	defaults := async.DefaultPruneOptions()

	jobsLsCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	jobsLsCmd.Flags().Int("limit", 0, "Maximum number of jobs to display (default: server.list_limit)")
	jobsPruneCmd.Flags().Bool("keep-completed", defaults.KeepCompleted, "Keep completed jobs")
	jobsPruneCmd.Flags().Bool("keep-failed", defaults.KeepFailed, "Keep failed jobs")
	jobsPruneCmd.Flags().Float64("max-age-hours", defaults.MaxAgeHours, "Minimum age of removed jobs in hours")

	JobsCmd.PersistentFlags().BoolP("json", "j", false, "Output as JSON")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsPruneCmd)
}

// withControl opens the configured store, runs fn against a control
// without a scheduler, and closes the store
func withControl(recoverUnfinished bool, fn func(*async.Control) error) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStore(cfg, recoverUnfinished)
	if err != nil {
		return err
	}
	control := async.NewControl(store, nil, async.ControlOptions{
		DefaultListLimit: cfg.Server.ListLimit,
	}, logger.ComponentLogger("pulse.control"))

	runErr := fn(control)
	if err := store.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func renderJobList(w io.Writer, res *async.ListResult, now time.Time) error {
	if len(res.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	data := pterm.TableData{{"JOB ID", "STATUS", "LABEL", "PROGRESS", "ELAPSED", "CREATED"}}
	for _, job := range res.Jobs {
		data = append(data, []string{
			job.ID,
			string(job.Status),
			truncate(job.Label, 40),
			progressText(job.Progress),
			job.Elapsed(now).Round(time.Second).String(),
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "\nShowing %d of %d job(s)\n", res.Count, res.Total)
	return nil
}

func renderJob(w io.Writer, job *async.Job, now time.Time) error {
	data := pterm.TableData{
		{"ID", job.ID},
		{"Label", job.Label},
		{"Status", string(job.Status)},
		{"Created", job.CreatedAt.Local().Format(time.RFC3339)},
		{"Started", timeText(job.StartedAt)},
		{"Completed", timeText(job.CompletedAt)},
		{"Elapsed", job.Elapsed(now).Round(time.Millisecond).String()},
		{"Progress", progressText(job.Progress)},
	}
	if job.CancelRequested {
		data = append(data, []string{"Cancel requested", "yes"})
	}
	if job.Error != nil {
		data = append(data, []string{"Error", fmt.Sprintf("%s (%s)", job.Error.Message, job.Error.Code)})
	}

	table, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	fmt.Fprintln(w, table)

	if len(job.Result) > 0 {
		fmt.Fprintf(w, "\nResult:\n%s\n", string(job.Result))
	}
	return nil
}

func progressText(p *async.Progress) string {
	if p == nil {
		return "-"
	}
	text := p.Message
	if p.Total > 0 {
		text = fmt.Sprintf("%d/%d (%.0f%%) %s", p.Current, p.Total, p.Percentage(), p.Message)
	}
	return truncate(text, 40)
}

func timeText(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
