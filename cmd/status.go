package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/thinkflow/internal/api"
	"github.com/joescharf/thinkflow/internal/engine"
	"github.com/joescharf/thinkflow/internal/health"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/output"
	"github.com/joescharf/thinkflow/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator status and health",
	Long: `Show session counts, group counts and a health score.

When 'thinkflow serve' is running the figures come from the live server.
Otherwise they are computed from the persistence backend.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := ctxOrBackground(cmd.Context())
		if _, running := pidFile().IsRunning(); running {
			stats, err := fetchLiveStats(ctx, viper.GetInt("api.port"))
			if err == nil {
				renderStats("live", stats)
				return nil
			}
			ui.Warning("Server running but status unavailable: %v", err)
		}
		stats, err := persistedStats(ctx)
		if err != nil {
			return err
		}
		renderStats("persisted", stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func fetchLiveStats(ctx context.Context, port int) (*engine.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://localhost:%d/api/v1/status", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.ClientIDHeader, "thinkflow-cli")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	var stats engine.Stats
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &stats, nil
}

// persistedStats summarizes what the persistence backend holds.
func persistedStats(ctx context.Context) (*engine.Stats, error) {
	a, err := requireAdapter(ctx)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	list, err := a.List(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	var archived []*models.ParallelSessionGroup
	if archive, ok := a.(store.GroupArchive); ok {
		if archived, err = archive.ListGroups(ctx, ""); err != nil {
			return nil, err
		}
	}
	return summarize(list, archived, viper.GetInt("sessions.max_sessions"), viper.GetInt64("sessions.max_session_size")), nil
}

func summarize(list []*models.Session, archived []*models.ParallelSessionGroup, maxSessions int, maxBytes int64) *engine.Stats {
	stats := &engine.Stats{
		ByStatus:    map[string]int{},
		ByTechnique: map[string]int{},
	}
	snap := health.Snapshot{MaxSessions: maxSessions, MaxSessionBytes: maxBytes}
	for _, s := range list {
		stats.ByStatus[string(s.Status)]++
		stats.ByTechnique[string(s.Technique)]++
		if !s.Status.Terminal() {
			snap.Sessions++
			snap.TrackedBytes += s.SizeBytes
		}
	}
	stats.Sessions.Sessions = snap.Sessions
	stats.Sessions.MaxSessions = maxSessions
	stats.Sessions.TotalBytes = snap.TrackedBytes

	for _, g := range archived {
		stats.Groups.Total++
		switch g.Status {
		case models.GroupStatusCompleted:
			stats.Groups.Completed++
		case models.GroupStatusPartialSuccess:
			stats.Groups.Partial++
		case models.GroupStatusFailed:
			stats.Groups.Failed++
		default:
			stats.Groups.Active++
		}
	}
	snap.TotalGroups = stats.Groups.Total
	snap.ActiveGroups = stats.Groups.Active
	snap.FailedGroups = stats.Groups.Failed

	stats.Health = health.NewScorer().Score(snap)
	stats.HealthStatus = stats.Health.Status()
	return stats
}

func renderStats(source string, st *engine.Stats) {
	ui.Info("Status (%s)", source)
	fmt.Fprintln(ui.Out)

	if st.Health != nil {
		fmt.Fprintf(ui.Out, "  Health:    %s %s (capacity %d, memory %d, groups %d)\n",
			output.HealthColor(st.Health.Total), st.HealthStatus,
			st.Health.Capacity, st.Health.Memory, st.Health.Groups)
	}
	fmt.Fprintf(ui.Out, "  Sessions:  %d/%d\n", st.Sessions.Sessions, st.Sessions.MaxSessions)
	fmt.Fprintf(ui.Out, "  Groups:    %d total, %d active, %d completed, %d partial, %d failed, %d deadlocked\n",
		st.Groups.Total, st.Groups.Active, st.Groups.Completed, st.Groups.Partial, st.Groups.Failed, st.Groups.Deadlocked)
	fmt.Fprintln(ui.Out)

	if len(st.ByStatus) > 0 {
		table := ui.Table([]string{"Status", "Sessions"})
		for _, k := range sortedKeys(st.ByStatus) {
			table.Append([]string{output.StatusColor(k), fmt.Sprintf("%d", st.ByStatus[k])})
		}
		table.Render()
		fmt.Fprintln(ui.Out)
	}
	if len(st.ByTechnique) > 0 {
		table := ui.Table([]string{"Technique", "Sessions"})
		for _, k := range sortedKeys(st.ByTechnique) {
			table.Append([]string{output.Cyan(k), fmt.Sprintf("%d", st.ByTechnique[k])})
		}
		table.Render()
	}

	if verbose && len(st.Operations) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Operation", "Calls", "Errors", "Avg ms", "Max ms"})
		for _, op := range sortedKeys(st.Operations) {
			o := st.Operations[op]
			var avg int64
			if o.Calls > 0 {
				avg = o.TotalMS / o.Calls
			}
			table.Append([]string{op, fmt.Sprintf("%d", o.Calls), fmt.Sprintf("%d", o.Errors),
				fmt.Sprintf("%d", avg), fmt.Sprintf("%d", o.MaxMS)})
		}
		table.Render()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
