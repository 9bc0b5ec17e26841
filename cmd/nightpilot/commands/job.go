package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nightpilot/internal/app"
	"nightpilot/internal/job"
	"nightpilot/internal/storage"
)

// JobCmd groups job management subcommands.
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobCreate struct {
	name, description, cron, content, contentFile, typ, outputFormat, workdir, strategy string
	setup, cleanup                                                                      string
	promptID                                                                            int64
	parent                                                                              int64
	priority, timeout, retries                                                          int
	notifySuccess, notifyFailure, skipPerms, paused                                     bool
	channels, tags, args                                                                []string
}

var JobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job",
	Example: `  nightpilot job create --name nightly --cron "0 3 * * *" --content "update dependencies"
  nightpilot job create --name review --type child --parent 1 --prompt 4 --notify-failure --channel telegram`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := jobCreate
		content := f.content
		if f.contentFile != "" {
			b, err := os.ReadFile(f.contentFile)
			if err != nil {
				return err
			}
			content = string(b)
		}
		j := &job.Job{
			Name:          f.name,
			Description:   f.description,
			PromptID:      f.promptID,
			PromptContent: content,
			CronExpr:      f.cron,
			Type:          job.Type(f.typ),
			Priority:      f.priority,
			ParentID:      job.ID(f.parent),
			Tags:          f.tags,
			CreatedBy:     "cli",
			ExecutionOptions: job.ExecutionOptions{
				Args:             f.args,
				OutputFormat:     f.outputFormat,
				SkipPermissions:  f.skipPerms,
				WorkingDirectory: f.workdir,
				TimeoutSeconds:   f.timeout,
				SetupCommand:     f.setup,
				CleanupCommand:   f.cleanup,
			},
			RetryConfig: job.RetryConfig{Strategy: f.strategy},
			NotificationConfig: job.NotificationConfig{
				OnSuccess: f.notifySuccess,
				OnFailure: f.notifyFailure,
				Channels:  f.channels,
			},
		}
		if cmd.Flags().Changed("retries") {
			n := f.retries
			j.RetryConfig.MaxRetries = &n
		}
		if f.paused {
			j.Status = job.StatusPaused
		}
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			if err := st.CreateJob(ctx, j); err != nil {
				return withHint(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job %d (%s)\n", j.ID, j.Name)
			return nil
		})
	},
}

var jobListFilter struct {
	status, typ string
	parent      int64
	limit       int
}

var JobListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List jobs",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			jobs, err := st.ListJobs(ctx, storage.ListFilter{
				Status:   job.Status(jobListFilter.status),
				Type:     job.Type(jobListFilter.typ),
				ParentID: job.ID(jobListFilter.parent),
				Limit:    jobListFilter.limit,
			})
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "TYPE", "STATUS", "PRIO", "CRON", "RUNS", "FAILS", "LAST RUN", "NEXT RUN")
			for _, j := range jobs {
				next := "-"
				if !j.NextRunAt.IsZero() {
					next = j.NextRunAt.Local().Format("2006-01-02 15:04")
				}
				row(tw, j.ID, j.Name, j.Type, j.Status, j.Priority, j.CronExpr,
					humanize.Comma(j.ExecutionCount), humanize.Comma(j.FailureCount), ago(j.LastRunAt), next)
			}
			return tw.Flush()
		})
	},
}

var JobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job with its recent attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			j, err := st.GetJob(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(j); err != nil {
				return err
			}
			procs, err := st.ListProcesses(ctx, id)
			if err != nil {
				return err
			}
			if len(procs) > 10 {
				procs = procs[len(procs)-10:]
			}
			fmt.Fprintln(out)
			tw := newTable(out, "PROCESS", "TYPE", "STATUS", "RETRY", "STARTED", "ERROR")
			for _, p := range procs {
				row(tw, p.ID, p.Type, p.Status, p.RetryCount, ago(p.StartedAt), oneLine(p.Error, 60))
			}
			return tw.Flush()
		})
	},
}

var JobDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a job, its children and its history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			if err := st.DeleteJob(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted job %d\n", id)
			return nil
		})
	},
}

func statusCmd(use, short string, status job.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st storage.Store) error {
				if err := st.SetJobStatus(ctx, id, status, "cli"); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d is %s\n", id, status)
				return nil
			})
		},
	}
}

var JobRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a job once, now, and print its result",
	Long: `Run a job immediately in this process, outside its schedule.

The job's retry policy applies and its children fan out on success. The
schedule (next run) is left untouched. Refused while the job is already
running elsewhere.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := app.New(configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.RunOnce(cmd.Context(), id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "status: %s  duration: %s  tokens: %s  cost: $%.4f\n",
			res.Status, res.Duration.Round(1e6), humanize.Comma(res.TokensUsed), res.CostUSD)
		if res.ErrorMessage != "" {
			fmt.Fprintf(out, "error: %s\n", res.ErrorMessage)
		}
		if o := strings.TrimSpace(res.Output); o != "" {
			fmt.Fprintln(out, o)
		}
		if res.Status != job.ResultSuccess {
			return errors.Newf("job %d finished %s", id, res.Status)
		}
		return nil
	},
}

var jobResultsLimit int

var JobResultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "List a job's execution results, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			res, err := st.ListResults(ctx, id, jobResultsLimit)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "STATUS", "WHEN", "DURATION", "TOKENS", "COST", "ERROR")
			for _, r := range res {
				row(tw, r.ID, r.Status, ago(r.CreatedAt), r.Duration.Round(1e6), humanize.Comma(r.TokensUsed),
					fmt.Sprintf("$%.4f", r.CostUSD), oneLine(r.ErrorMessage, 60))
			}
			return tw.Flush()
		})
	},
}

// withHint appends a validation hint to the message.
func withHint(err error) error {
	if h := job.Hint(err); h != "" {
		return errors.Newf("%v (hint: %s)", err, strings.ReplaceAll(h, "\n", "; "))
	}
	return err
}

func init() {
	f := JobCreateCmd.Flags()
	f.StringVar(&jobCreate.name, "name", "", "job name")
	f.StringVar(&jobCreate.description, "description", "", "free-form description")
	f.StringVar(&jobCreate.cron, "cron", "", `cron expression, 5 or 6 fields ("0 3 * * *")`)
	f.Int64Var(&jobCreate.promptID, "prompt", 0, "id of a stored prompt")
	f.StringVar(&jobCreate.content, "content", "", "inline prompt content")
	f.StringVar(&jobCreate.contentFile, "content-file", "", "read inline prompt content from a file")
	f.StringVar(&jobCreate.typ, "type", string(job.TypeScheduled), "scheduled, one_off or child")
	f.Int64Var(&jobCreate.parent, "parent", 0, "parent job id (child jobs)")
	f.IntVar(&jobCreate.priority, "priority", 0, "higher runs first")
	f.IntVar(&jobCreate.timeout, "timeout", 0, "per-run timeout in seconds (0 = system default)")
	f.IntVar(&jobCreate.retries, "retries", 0, "max retries (default: global policy)")
	f.StringVar(&jobCreate.strategy, "backoff", "", "exponential, linear or fixed")
	f.StringVar(&jobCreate.outputFormat, "output-format", "", "tool output format (json, stream-json, text)")
	f.StringVar(&jobCreate.workdir, "workdir", "", "working directory for the tool")
	f.StringSliceVar(&jobCreate.args, "arg", nil, "extra tool argument (repeatable)")
	f.StringVar(&jobCreate.setup, "setup", "", "command run once before the first attempt; failure fails the run")
	f.StringVar(&jobCreate.cleanup, "cleanup", "", "command run after the run ends, whatever the outcome")
	f.BoolVar(&jobCreate.skipPerms, "skip-permissions", false, "pass the skip-permissions flag to the tool")
	f.BoolVar(&jobCreate.notifySuccess, "notify-success", false, "notify on success")
	f.BoolVar(&jobCreate.notifyFailure, "notify-failure", false, "notify on failure, deferral or cancellation")
	f.StringSliceVar(&jobCreate.channels, "channel", nil, "notification channel: log, telegram (repeatable)")
	f.StringSliceVar(&jobCreate.tags, "tag", nil, "tag (repeatable)")
	f.BoolVar(&jobCreate.paused, "paused", false, "create paused")
	_ = JobCreateCmd.MarkFlagRequired("name")

	lf := JobListCmd.Flags()
	lf.StringVar(&jobListFilter.status, "status", "", "filter by status")
	lf.StringVar(&jobListFilter.typ, "type", "", "filter by type")
	lf.Int64Var(&jobListFilter.parent, "parent", 0, "only children of this job")
	lf.IntVar(&jobListFilter.limit, "limit", 0, "max rows")

	JobResultsCmd.Flags().IntVar(&jobResultsLimit, "limit", 20, "max rows")

	JobCmd.AddCommand(JobCreateCmd, JobListCmd, JobShowCmd, JobDeleteCmd,
		statusCmd("pause", "Pause a job", job.StatusPaused),
		statusCmd("resume", "Resume a paused job", job.StatusActive),
		JobRunCmd, JobResultsCmd)
}
