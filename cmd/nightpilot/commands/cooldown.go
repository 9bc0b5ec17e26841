package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nightpilot/internal/app"
	"nightpilot/internal/cooldown"
)

// CooldownCmd inspects cooldown detection.
var CooldownCmd = &cobra.Command{
	Use:   "cooldown",
	Short: "Cooldown detection tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var CooldownCheckCmd = &cobra.Command{
	Use:   "check [text]",
	Short: "Test tool output against the configured cooldown patterns",
	Long: `Test tool output against the configured cooldown patterns.

Reads the text from the argument, or from stdin when no argument is given.
Exits non-zero when nothing matched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		patterns, err := app.CooldownPatterns(cfg)
		if err != nil {
			return err
		}
		var text string
		if len(args) == 1 {
			text = args[0]
		} else {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			text = string(b)
		}
		now := time.Now()
		m, ok := cooldown.Detect(patterns, text, now)
		out := cmd.OutOrStdout()
		if !ok {
			return errors.New("no cooldown detected")
		}
		fmt.Fprintf(out, "pattern: %s\n", m.Pattern)
		fmt.Fprintf(out, "match:   %s\n", strings.TrimSpace(m.Text))
		fmt.Fprintf(out, "wait:    %s\n", m.Wait.Round(time.Second))
		reset := m.Reset
		if reset.IsZero() {
			reset = now.Add(m.Wait)
		}
		fmt.Fprintf(out, "until:   %s (%s)\n", reset.Local().Format(time.RFC3339), humanize.Time(reset))
		return nil
	},
}

func init() {
	CooldownCmd.AddCommand(CooldownCheckCmd)
}
