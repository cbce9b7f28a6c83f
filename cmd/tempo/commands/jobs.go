package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/tempo/config"
	"github.com/corvid-labs/tempo/cron"
	"github.com/corvid-labs/tempo/internal/util"
)

// JobsCmd represents the jobs command group
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
	Long: `Manage scheduled jobs in the local database.

Job management commands:
  tempo jobs ls               # List jobs
  tempo jobs add              # Add a job
  tempo jobs rm <id>          # Remove a job
  tempo jobs run <id>         # Trigger a job immediately
  tempo jobs runs <id>        # Show a job's run history
  tempo jobs status           # Show queue status

Schedules come in three kinds:
  --at / --in    One-shot: fires once at an absolute or relative time
  --every        Interval: fires repeatedly, optionally phase-anchored
  --cron         Cron: 5-field expression evaluated in an IANA timezone`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists jobs
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled jobs",
	Long: `List scheduled jobs with their next run time and last status.

Examples:
  tempo jobs ls           # Enabled jobs only
  tempo jobs ls --all     # Include disabled jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return runJobsLs(all)
	},
}

// JobsAddCmd adds a job
var JobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled job",
	Long: `Add a scheduled job. Exactly one schedule flag and one payload
flag are required.

Schedule (pick one):
  --at <RFC3339>      One-shot at an absolute time
  --in <duration>     One-shot after a relative delay (e.g. 30m, 2h)
  --every <duration>  Recurring interval (e.g. 15m); --anchor phase-locks it
  --cron <expr>       5-field cron expression; --tz sets the timezone

Payload (pick one):
  --event <text>      Deliver a system event
  --message <text>    Dispatch an agent turn (--model, --channel, --to)

Examples:
  tempo jobs add --name backup --cron "0 3 * * *" --tz UTC --event "nightly backup"
  tempo jobs add --name poll --every 15m --event "poll upstream"
  tempo jobs add --name reminder --in 2h --message "check the deploy" --channel ops
  tempo jobs add --name once --at 2026-09-01T09:00:00Z --event "quarter start"`,
	RunE: runJobsAdd,
}

// JobsRmCmd removes a job
var JobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a scheduled job",
	Long: `Remove a scheduled job. Removal is idempotent; an in-flight run
is left to finish and its history entry is kept.

Example:
  tempo jobs rm 4f8a2c1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsRm(args[0])
	},
}

// JobsRunCmd triggers a job immediately
var JobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Trigger a job immediately",
	Long: `Trigger a job outside its schedule and wait for the outcome.

Modes:
  force  - run regardless of the next scheduled time (default)
  due    - run only if the job is currently due

A job that is already running is not started twice; the command
reports that the run was skipped.

Examples:
  tempo jobs run 4f8a2c1e-...
  tempo jobs run 4f8a2c1e-... --mode due`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		return runJobsRun(args[0], mode)
	},
}

// JobsRunsCmd shows run history
var JobsRunsCmd = &cobra.Command{
	Use:   "runs <job-id>",
	Short: "Show a job's run history",
	Long: `Show a job's run history, most recent first. History is bounded
per job; old entries are evicted as new runs complete.

Examples:
  tempo jobs runs 4f8a2c1e-...
  tempo jobs runs 4f8a2c1e-... --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsRuns(args[0], limit)
	},
}

// JobsStatusCmd shows queue status
var JobsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status",
	Long:  "Display aggregate counts: total, enabled, running, waiting, due, and last-run outcomes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus()
	},
}

func init() {
	JobsLsCmd.Flags().Bool("all", false, "Include disabled jobs")

	JobsAddCmd.Flags().String("name", "", "Job name (required)")
	JobsAddCmd.Flags().String("description", "", "Job description")
	JobsAddCmd.Flags().String("at", "", "One-shot: absolute time (RFC3339)")
	JobsAddCmd.Flags().Duration("in", 0, "One-shot: relative delay")
	JobsAddCmd.Flags().Duration("every", 0, "Recurring interval")
	JobsAddCmd.Flags().String("anchor", "", "Interval phase anchor (RFC3339)")
	JobsAddCmd.Flags().String("cron", "", "5-field cron expression")
	JobsAddCmd.Flags().String("tz", "", "IANA timezone for cron schedules")
	JobsAddCmd.Flags().String("event", "", "System event payload text")
	JobsAddCmd.Flags().String("message", "", "Agent turn payload message")
	JobsAddCmd.Flags().String("model", "", "Agent turn model override")
	JobsAddCmd.Flags().String("channel", "", "Agent turn delivery channel")
	JobsAddCmd.Flags().String("to", "", "Agent turn recipient")
	JobsAddCmd.Flags().Int("timeout", 0, "Per-run timeout in seconds (0 = default)")
	JobsAddCmd.Flags().String("session", "", "Session target: main or isolated")
	JobsAddCmd.Flags().Bool("disabled", false, "Create the job disabled")
	JobsAddCmd.MarkFlagRequired("name")

	JobsRunCmd.Flags().String("mode", cron.RunModeForce, "Run mode: force or due")

	JobsRunsCmd.Flags().Int("limit", 0, "Maximum entries to show (0 = history cap)")

	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsAddCmd)
	JobsCmd.AddCommand(JobsRmCmd)
	JobsCmd.AddCommand(JobsRunCmd)
	JobsCmd.AddCommand(JobsRunsCmd)
	JobsCmd.AddCommand(JobsStatusCmd)
}

func runJobsLs(includeDisabled bool) error {
	service, _, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	jobs, err := service.List(includeDisabled)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-8s %-8s %-20s %s\n", "JOB ID", "NAME", "ENABLED", "KIND", "NEXT RUN", "LAST STATUS")
	fmt.Printf("%-36s %-20s %-8s %-8s %-20s %s\n", "------", "----", "-------", "----", "--------", "-----------")
	for _, job := range jobs {
		last := job.State.LastStatus
		if last == "" {
			last = "-"
		}
		if job.Running() {
			last = "running"
		}
		fmt.Printf("%-36s %-20s %-8t %-8s %-20s %s\n",
			job.ID,
			truncate(job.Name, 20),
			job.Enabled,
			job.Schedule.Kind,
			formatMs(job.State.NextRunAtMs),
			last,
		)
	}
	return nil
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	schedule, err := scheduleFromFlags(cmd)
	if err != nil {
		return err
	}
	payload, err := payloadFromFlags(cmd)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")
	session, _ := cmd.Flags().GetString("session")
	disabled, _ := cmd.Flags().GetBool("disabled")

	spec := cron.JobSpec{
		Name:          name,
		Description:   description,
		Schedule:      schedule,
		SessionTarget: cron.SessionTarget(session),
		Payload:       payload,
	}
	if disabled {
		spec.Enabled = util.Ptr(false)
	}

	service, _, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := service.Add(spec)
	if err != nil {
		return fmt.Errorf("failed to add job: %w", err)
	}

	fmt.Printf("Job added: %s\n", job.ID)
	fmt.Printf("  Name:     %s\n", job.Name)
	fmt.Printf("  Schedule: %s\n", describeSchedule(job.Schedule))
	fmt.Printf("  Next run: %s\n", formatMs(job.State.NextRunAtMs))
	return nil
}

// scheduleFromFlags builds the schedule variant, requiring exactly one
// of --at, --in, --every, --cron.
func scheduleFromFlags(cmd *cobra.Command) (cron.Schedule, error) {
	at, _ := cmd.Flags().GetString("at")
	in, _ := cmd.Flags().GetDuration("in")
	every, _ := cmd.Flags().GetDuration("every")
	cronExpr, _ := cmd.Flags().GetString("cron")

	set := 0
	for _, chosen := range []bool{at != "", in > 0, every > 0, cronExpr != ""} {
		if chosen {
			set++
		}
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --at, --in, --every, --cron is required")
	}

	switch {
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --at time %q: %w", at, err)
		}
		return cron.Schedule{Kind: cron.ScheduleAt, AtMs: t.UnixMilli()}, nil

	case in > 0:
		return cron.Schedule{Kind: cron.ScheduleAt, AtMs: time.Now().Add(in).UnixMilli()}, nil

	case every > 0:
		s := cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: every.Milliseconds()}
		if anchor, _ := cmd.Flags().GetString("anchor"); anchor != "" {
			t, err := time.Parse(time.RFC3339, anchor)
			if err != nil {
				return cron.Schedule{}, fmt.Errorf("invalid --anchor time %q: %w", anchor, err)
			}
			s.AnchorMs = util.Ptr(t.UnixMilli())
		}
		return s, nil

	default:
		tz, _ := cmd.Flags().GetString("tz")
		return cron.Schedule{Kind: cron.ScheduleCron, Expr: cronExpr, TZ: tz}, nil
	}
}

// payloadFromFlags builds the payload variant, requiring exactly one of
// --event, --message.
func payloadFromFlags(cmd *cobra.Command) (cron.Payload, error) {
	event, _ := cmd.Flags().GetString("event")
	message, _ := cmd.Flags().GetString("message")
	timeout, _ := cmd.Flags().GetInt("timeout")

	if (event == "") == (message == "") {
		return cron.Payload{}, fmt.Errorf("exactly one of --event, --message is required")
	}

	if event != "" {
		return cron.Payload{
			Kind:           cron.PayloadSystemEvent,
			Text:           event,
			TimeoutSeconds: timeout,
		}, nil
	}

	model, _ := cmd.Flags().GetString("model")
	channel, _ := cmd.Flags().GetString("channel")
	to, _ := cmd.Flags().GetString("to")
	return cron.Payload{
		Kind:           cron.PayloadAgentTurn,
		Message:        message,
		Model:          model,
		Channel:        channel,
		To:             to,
		TimeoutSeconds: timeout,
	}, nil
}

func runJobsRm(id string) error {
	service, _, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	removed, err := service.Remove(id)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	if removed {
		fmt.Printf("Job removed: %s\n", id)
	} else {
		fmt.Printf("Job not found: %s\n", id)
	}
	return nil
}

func runJobsRun(id string, mode string) error {
	service, cfg, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	// Subscribe before triggering so a fast run cannot finish unseen
	done := make(chan cron.Event, 1)
	unsubscribe := service.Subscribe(func(e cron.Event) {
		if e.JobID == id && e.Action == cron.EventFinished {
			select {
			case done <- e:
			default:
			}
		}
	})
	defer unsubscribe()

	ran, err := service.Run(id, mode)
	if err != nil {
		return fmt.Errorf("failed to trigger job: %w", err)
	}
	if !ran {
		fmt.Println("Run skipped (not due, or already running)")
		return nil
	}

	wait := time.Duration(cfg.Cron.DefaultTimeoutSeconds)*time.Second + 5*time.Second
	select {
	case e := <-done:
		if e.Status == cron.StatusOK {
			fmt.Printf("Run finished: %s", e.Status)
			if e.DurationMs != nil {
				fmt.Printf(" (%dms)", *e.DurationMs)
			}
			fmt.Println()
			if e.Summary != "" {
				fmt.Printf("  %s\n", e.Summary)
			}
		} else {
			fmt.Printf("Run finished: %s\n", e.Status)
			if e.Error != "" {
				fmt.Printf("  %s\n", e.Error)
			}
		}
		if e.NextRunAtMs != nil {
			fmt.Printf("  Next run: %s\n", formatMs(e.NextRunAtMs))
		}
	case <-time.After(wait):
		fmt.Println("Run still in flight; check 'tempo jobs runs' for the outcome")
	}
	return nil
}

func runJobsRuns(id string, limit int) error {
	service, _, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	entries, err := service.Runs(id, limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("%-10s %-9s %-20s %-10s %s\n", "ACTION", "STATUS", "RUN AT", "DURATION", "DETAIL")
	fmt.Printf("%-10s %-9s %-20s %-10s %s\n", "------", "------", "------", "--------", "------")
	for _, entry := range entries {
		status := entry.Status
		if status == "" {
			status = "-"
		}
		duration := "-"
		if entry.DurationMs != nil {
			duration = fmt.Sprintf("%dms", *entry.DurationMs)
		}
		detail := entry.Summary
		if entry.Error != "" {
			detail = entry.Error
		}
		fmt.Printf("%-10s %-9s %-20s %-10s %s\n",
			entry.Action,
			status,
			formatMs(entry.RunAtMs),
			duration,
			truncate(detail, 60),
		)
	}
	return nil
}

func runJobsStatus() error {
	service, _, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	status, err := service.Status()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	fmt.Printf("Queue Status\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Total jobs:   %d\n", status.Total)
	fmt.Printf("Enabled:      %d\n", status.Enabled)
	fmt.Printf("Running:      %d\n", status.Running)
	fmt.Printf("Waiting:      %d\n", status.Waiting)
	fmt.Printf("Due:          %d\n", status.Due)
	fmt.Printf("Succeeded:    %d\n", status.Succeeded)
	fmt.Printf("Failed:       %d\n", status.Failed)
	return nil
}

// openEngine loads config, opens the database, and assembles the
// engine for one-shot CLI commands.
func openEngine() (*cron.Service, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, err
	}

	service, _ := buildEngine(database, cfg)
	return service, cfg, func() { database.Close() }, nil
}

func formatMs(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Format("2006-01-02 15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleAt:
		return fmt.Sprintf("at %s", formatMs(&s.AtMs))
	case cron.ScheduleEvery:
		d := time.Duration(s.EveryMs) * time.Millisecond
		if s.AnchorMs != nil {
			return fmt.Sprintf("every %s (anchored at %s)", d, formatMs(s.AnchorMs))
		}
		return fmt.Sprintf("every %s", d)
	case cron.ScheduleCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return string(s.Kind)
	}
}
