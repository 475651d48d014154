package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-scheduler/internal/id/uuid"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

type submitFlags struct {
	source         string
	kind           string
	priority       string
	maxPages       int
	batchSize      int
	rateLimitDelay time.Duration
	categoryFilter string
	retryBudget    int
	timeout        time.Duration
	scheduledAt    string
	noQueue        bool
}

func newSubmitCmd() *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job and queue it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubmit(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.source, "source", "", "source id to scrape (required)")
	fl.StringVar(&f.kind, "kind", string(jobs.DefaultKind), "full_scrape, price_update, category_update, validation or cleanup")
	fl.StringVar(&f.priority, "priority", "normal", "low, normal, high, urgent or 1-4")
	fl.IntVar(&f.maxPages, "max-pages", 0, "pages to walk (default from job defaults)")
	fl.IntVar(&f.batchSize, "batch-size", 0, "products per page (default from job defaults)")
	fl.DurationVar(&f.rateLimitDelay, "rate-limit-delay", 0, "delay between pages")
	fl.StringVar(&f.categoryFilter, "category", "", "category filter")
	fl.IntVar(&f.retryBudget, "retry-budget", 0, "retries allowed after a failure")
	fl.DurationVar(&f.timeout, "timeout", 0, "running time after which the job is considered stale")
	fl.StringVar(&f.scheduledAt, "scheduled-at", "", "RFC 3339 time before which the job is not admitted")
	fl.BoolVar(&f.noQueue, "no-queue", false, "create the job as pending without queueing it")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func (f *submitFlags) jobConfig(cmd *cobra.Command) (jobs.JobConfig, error) {
	priority, err := jobs.ParsePriority(f.priority)
	if err != nil {
		return jobs.JobConfig{}, err
	}
	cfg := jobs.JobConfig{
		SourceID:       f.source,
		Kind:           jobs.Kind(f.kind),
		MaxPages:       f.maxPages,
		BatchSize:      f.batchSize,
		RateLimitDelay: f.rateLimitDelay,
		CategoryFilter: f.categoryFilter,
		Priority:       priority,
		Timeout:        f.timeout,
	}
	if cmd.Flags().Changed("retry-budget") {
		cfg.RetryBudget = f.retryBudget
		cfg.RetryBudgetProvided = true
	}
	if f.scheduledAt != "" {
		at, err := time.Parse(time.RFC3339, f.scheduledAt)
		if err != nil {
			return jobs.JobConfig{}, &jobs.ValidationError{Field: "scheduled_time", Reason: err.Error()}
		}
		cfg.ScheduledTime = &at
	}
	return cfg, nil
}

func runSubmit(cmd *cobra.Command, f *submitFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg, err := f.jobConfig(cmd)
	if err != nil {
		return err
	}
	mgr := appInstance.Manager()
	id, err := mgr.CreateJob(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	queued := false
	if !f.noQueue {
		if queued, err = mgr.QueueJob(cmd.Context(), id); err != nil {
			return fmt.Errorf("queue job %s: %w", id, err)
		}
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"job_id": id, "queued": queued})
}

func jobIDArg(args []string) (string, error) {
	if !uuid.Valid(args[0]) {
		return "", &jobs.ValidationError{Field: "job_id", Reason: fmt.Sprintf("%q is not a UUID", args[0])}
	}
	return args[0], nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := jobIDArg(args)
			if err != nil {
				return err
			}
			rec, err := appInstance.Manager().GetStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a pending, queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := jobIDArg(args)
			if err != nil {
				return err
			}
			ok, err := appInstance.Manager().CancelJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"job_id": id, "cancelled": ok})
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		statuses []string
		sourceID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status and source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			filter := jobs.Filter{SourceID: sourceID, Limit: limit}
			for _, s := range statuses {
				st := jobs.Status(s)
				if !st.Valid() {
					return &jobs.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			recs, err := appInstance.Manager().ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status to include (repeatable)")
	cmd.Flags().StringVar(&sourceID, "source", "", "only jobs for this source")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to print")
	return cmd
}
