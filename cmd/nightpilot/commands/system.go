package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"nightpilot/internal/storage"
)

// SystemCmd reads and writes the runtime tunables in system_config.
var SystemCmd = &cobra.Command{
	Use:   "system",
	Short: "Runtime settings stored in the database",
	Long: `Runtime settings stored in the database.

A running daemon picks changes up on its next tick.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var SystemShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show runtime settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			sc, err := st.GetSystemConfig(ctx)
			if err != nil {
				return err
			}
			entries := sc.Entries()
			keys := make([]string, 0, len(entries))
			for k := range entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tw := newTable(cmd.OutOrStdout(), "KEY", "VALUE")
			for _, k := range keys {
				row(tw, k, entries[k])
			}
			return tw.Flush()
		})
	},
}

var SystemSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Change a runtime setting",
	Example: "  nightpilot system set max_concurrent_jobs 2\n  nightpilot system set scheduler_enabled false",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			if err := st.SetSystemConfig(ctx, args[0], args[1]); err != nil {
				return withHint(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		})
	},
}

func init() {
	SystemCmd.AddCommand(SystemShowCmd, SystemSetCmd)
}
