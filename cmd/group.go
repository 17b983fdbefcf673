package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/output"
	"github.com/joescharf/thinkflow/internal/store"
)

var groupStatus string

var groupCmd = &cobra.Command{
	Use:     "group",
	Aliases: []string{"groups", "g"},
	Short:   "Inspect archived parallel groups",
	Long: `List parallel session groups archived when they reached a terminal state
or expired.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return groupListRun(cmd.Context())
	},
}

var groupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List archived groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return groupListRun(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{groupCmd, groupListCmd} {
		c.Flags().StringVar(&groupStatus, "status", "", "Filter by status (completed, partial_success, failed, running, pending)")
	}
	groupCmd.AddCommand(groupListCmd)
	rootCmd.AddCommand(groupCmd)
}

func groupListRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	a, err := requireAdapter(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	archive, ok := a.(store.GroupArchive)
	if !ok {
		return fmt.Errorf("persistence backend does not archive groups")
	}
	list, err := archive.ListGroups(ctx, models.GroupStatus(groupStatus))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No groups archived.")
		return nil
	}

	table := ui.Table([]string{"Group", "Status", "Sessions", "Done", "Failed", "Convergence", "Finished"})
	for _, g := range list {
		finished := "-"
		if g.CompletedAt != nil {
			finished = timeAgo(*g.CompletedAt)
		}
		table.Append([]string{
			output.Cyan(g.GroupID),
			output.StatusColor(string(g.Status)),
			fmt.Sprintf("%d", len(g.SessionIDs)),
			fmt.Sprintf("%d", len(g.CompletedSessions)),
			fmt.Sprintf("%d", len(g.FailedSessions)),
			orDash(string(g.ConvergenceOptions.Method)),
			finished,
		})
	}
	table.Render()
	return nil
}
