package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/output"
	"github.com/joescharf/thinkflow/internal/store"
)

var (
	sessionTechnique string
	sessionStatus    string
	sessionGroup     string
	sessionIDPattern string
	sessionLimit     int
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions", "s"},
	Short:   "Inspect persisted thinking sessions",
	Long: `Inspect sessions saved by the persistence backend.

Sessions still resident in a running server appear here once they are
flushed on eviction, expiry or shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List persisted sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session with its step history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(cmd.Context(), args[0])
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a persisted session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionDeleteRun(cmd.Context(), args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{sessionCmd, sessionListCmd} {
		c.Flags().StringVar(&sessionTechnique, "technique", "", "Filter by technique")
		c.Flags().StringVar(&sessionStatus, "status", "", "Filter by status (pending, active, completed, failed)")
		c.Flags().StringVar(&sessionGroup, "group", "", "Filter by parallel group id")
		c.Flags().StringVar(&sessionIDPattern, "id", "", "Filter by id glob, e.g. 'plan-*'")
		c.Flags().IntVar(&sessionLimit, "limit", 50, "Maximum sessions to show (0 for all)")
	}
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func sessionListRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	a, err := requireAdapter(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := store.ListFilter{
		Technique: models.Technique(sessionTechnique),
		Status:    models.SessionStatus(sessionStatus),
		GroupID:   sessionGroup,
		IDPattern: sessionIDPattern,
		Limit:     sessionLimit,
	}
	if filter.Technique != "" && !filter.Technique.Valid() {
		return fmt.Errorf("unknown technique %q", sessionTechnique)
	}

	list, err := a.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Technique", "Status", "Progress", "Group", "Active"})
	for _, s := range list {
		table.Append([]string{
			output.Cyan(s.ID),
			string(s.Technique),
			output.StatusColor(string(s.Status)),
			fmt.Sprintf("%d/%d", s.CurrentStep, s.TotalSteps),
			orDash(s.ParallelGroupID),
			timeAgo(s.LastActivityTime),
		})
	}
	table.Render()
	return nil
}

func sessionShowRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	a, err := requireAdapter(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(s.ID), output.StatusColor(string(s.Status)))
	fmt.Fprintf(ui.Out, "  Technique:  %s\n", s.Technique)
	fmt.Fprintf(ui.Out, "  Problem:    %s\n", s.Problem)
	fmt.Fprintf(ui.Out, "  Progress:   %d/%d\n", s.CurrentStep, s.TotalSteps)
	if s.ParallelGroupID != "" {
		fmt.Fprintf(ui.Out, "  Group:      %s\n", s.ParallelGroupID)
	}
	if len(s.DependsOn) > 0 {
		fmt.Fprintf(ui.Out, "  Depends on: %s\n", strings.Join(s.DependsOn, ", "))
	}
	if s.FailureReason != "" {
		fmt.Fprintf(ui.Out, "  Failure:    %s\n", output.Red(s.FailureReason))
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Active:     %s\n", timeAgo(s.LastActivityTime))

	if len(s.History) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Step", "Output", "When"})
		for _, r := range s.History {
			table.Append([]string{
				fmt.Sprintf("%d", r.Step),
				truncate(r.Output, 72),
				r.RecordedAt.Format(time.Kitchen),
			})
		}
		table.Render()
	}
	for _, in := range s.Insights {
		fmt.Fprintf(ui.Out, "  * %s\n", in)
	}
	return nil
}

func sessionDeleteRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	if verr := apperr.ValidateID(id); verr != nil {
		return verr
	}
	if dryRun {
		ui.DryRunMsg("Would delete session %s", id)
		return nil
	}

	a, err := requireAdapter(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Delete(ctx, id); err != nil {
		return err
	}
	ui.Success("Deleted session %s", id)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

// timeAgo renders a coarse relative time.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
