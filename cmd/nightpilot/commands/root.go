package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"nightpilot/internal/app"
	"nightpilot/internal/config"
	"nightpilot/internal/storage"
	logx "nightpilot/pkg/logx"
)

var configPath string

// RootCmd is the nightpilot entry point.
var RootCmd = &cobra.Command{
	Use:   "nightpilot",
	Short: "Unattended job scheduler for an AI coding CLI",
	Long: `nightpilot runs prompts through an AI coding CLI on cron schedules.

It keeps jobs, execution history and usage in SQLite, retries transient
failures with backoff, and defers all work while the tool reports a usage
cooldown.

Examples:
  nightpilot daemon                                   # run the scheduler
  nightpilot job create --name nightly --cron "0 3 * * *" --content "fix lint"
  nightpilot job run 1                                # run once, now
  nightpilot cooldown check "usage limit reached|1767225600"`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	def := os.Getenv("NIGHTPILOT_CONFIG")
	if def == "" {
		def = "nightpilot.yaml"
	}
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", def, "config file (.json, .yaml or .toml)")

	RootCmd.AddCommand(DaemonCmd)
	RootCmd.AddCommand(JobCmd)
	RootCmd.AddCommand(PromptCmd)
	RootCmd.AddCommand(CooldownCmd)
	RootCmd.AddCommand(UsageCmd)
	RootCmd.AddCommand(SystemCmd)
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(configPath)
}

// withStore opens the store for one command. CLI commands log warnings only.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), st)
}
