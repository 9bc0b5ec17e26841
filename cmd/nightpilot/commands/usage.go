package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nightpilot/internal/config"
	"nightpilot/internal/job"
	"nightpilot/internal/storage"
)

// UsageCmd reports token usage and cost.
var UsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Token usage and cost reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var usageSince string

var UsageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Aggregate usage over a window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		window, err := config.ParseDurationField("since", usageSince)
		if err != nil {
			return err
		}
		since := time.Now().Add(-window)
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			sum, err := st.SummarizeUsage(ctx, since)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "since:   %s (%s)\n", since.Local().Format(time.RFC3339), humanize.Time(since))
			fmt.Fprintf(out, "records: %s\n", humanize.Comma(sum.Records))
			fmt.Fprintf(out, "input:   %s tokens\n", humanize.Comma(sum.InputTokens))
			fmt.Fprintf(out, "output:  %s tokens\n", humanize.Comma(sum.OutputTokens))
			fmt.Fprintf(out, "total:   %s tokens\n", humanize.Comma(sum.TotalTokens))
			fmt.Fprintf(out, "cost:    $%s\n", humanize.CommafWithDigits(sum.CostUSD, 4))
			return nil
		})
	},
}

var usageList struct {
	job   int64
	limit int
}

var UsageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List usage records, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			recs, err := st.ListUsage(ctx, storage.UsageFilter{JobID: job.ID(usageList.job), Limit: usageList.limit})
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "JOB", "PROCESS", "MODEL", "IN", "OUT", "COST", "WHEN")
			for _, r := range recs {
				row(tw, r.JobID, r.ProcessID, r.Model, humanize.Comma(r.InputTokens), humanize.Comma(r.OutputTokens),
					fmt.Sprintf("$%.4f", r.CostUSD), ago(r.RecordedAt))
			}
			return tw.Flush()
		})
	},
}

func init() {
	UsageSummaryCmd.Flags().StringVar(&usageSince, "since", "24h", "window length (Go duration)")
	UsageListCmd.Flags().Int64Var(&usageList.job, "job", 0, "only this job")
	UsageListCmd.Flags().IntVar(&usageList.limit, "limit", 50, "max rows")
	UsageCmd.AddCommand(UsageSummaryCmd, UsageListCmd)
}
