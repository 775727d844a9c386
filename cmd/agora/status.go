package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/internal/state"
)

var statusTasks bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project's conversations",
	Long: `Display the routing state recorded for this project.

Shows:
  - Every conversation with its phase and active speakers
  - Agents a blocked conversation waits on
  - With --tasks, the code tool tasks run in each conversation`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusTasks, "tasks", false, "Also list tool tasks")
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	paths := project.NewPaths(root)
	meta, err := project.LoadMetadata(paths.ProjectFile())
	if err != nil {
		return err
	}

	db, err := state.OpenMigrated(paths.StateDB())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	convs, err := db.ListConversations(ctx, meta.Ref())
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	fmt.Println(titleStyle.Render(meta.Name) + " " + dimStyle.Render(meta.Ref()))
	if len(convs) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}

	for _, c := range convs {
		fmt.Printf("\n%s %s %s\n",
			dimStyle.Render(shortID(c.ID)),
			phaseStyle.Render(fmt.Sprintf("[%s]", c.Phase)),
			c.Title)
		fmt.Printf("  updated   %s\n", c.UpdatedAt.Local().Format(time.DateTime))
		if len(c.ActiveSpeakers) > 0 {
			fmt.Printf("  speakers  %s\n", agentStyle.Render(mentionList(c.ActiveSpeakers)))
		}
		if len(c.BlockedOn) > 0 {
			fmt.Printf("  waiting   %s\n", agentStyle.Render(mentionList(c.BlockedOn)))
		}
		if !statusTasks {
			continue
		}
		tasks, err := db.ListTasksByConversation(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		for _, t := range tasks {
			line := fmt.Sprintf("  task      %s %s (%s)", shortID(t.ID), t.Title, t.Status)
			if t.Stats.CostUSD > 0 {
				line += dimStyle.Render(fmt.Sprintf(" $%.4f", t.Stats.CostUSD))
			}
			fmt.Println(line)
		}
	}
	return nil
}

func mentionList(slugs []string) string {
	out := make([]string, len(slugs))
	for i, s := range slugs {
		out[i] = "@" + s
	}
	return strings.Join(out, " ")
}
