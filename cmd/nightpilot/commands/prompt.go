package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nightpilot/internal/job"
	"nightpilot/internal/storage"
)

// PromptCmd manages reusable prompt templates.
var PromptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage reusable prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var promptCreate struct {
	title, content, file string
	tags                 []string
}

var PromptCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Store a prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		content := promptCreate.content
		if promptCreate.file != "" {
			b, err := os.ReadFile(promptCreate.file)
			if err != nil {
				return err
			}
			content = string(b)
		}
		p := &job.Prompt{Title: promptCreate.title, Content: content, Tags: promptCreate.tags}
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			if err := st.CreatePrompt(ctx, p); err != nil {
				return withHint(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created prompt %d\n", p.ID)
			return nil
		})
	},
}

var PromptListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List prompts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			ps, err := st.ListPrompts(ctx)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "TITLE", "UPDATED", "CONTENT")
			for _, p := range ps {
				row(tw, p.ID, p.Title, ago(p.UpdatedAt), oneLine(p.Content, 60))
			}
			return tw.Flush()
		})
	},
}

var PromptDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a prompt",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, st storage.Store) error {
			if err := st.DeletePrompt(ctx, int64(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted prompt %d\n", id)
			return nil
		})
	},
}

func init() {
	f := PromptCreateCmd.Flags()
	f.StringVar(&promptCreate.title, "title", "", "prompt title")
	f.StringVar(&promptCreate.content, "content", "", "prompt text")
	f.StringVar(&promptCreate.file, "file", "", "read prompt text from a file")
	f.StringSliceVar(&promptCreate.tags, "tag", nil, "tag (repeatable)")
	_ = PromptCreateCmd.MarkFlagRequired("title")

	PromptCmd.AddCommand(PromptCreateCmd, PromptListCmd, PromptDeleteCmd)
}
