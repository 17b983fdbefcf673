package engine

import (
	"context"

	"github.com/joescharf/thinkflow/internal/health"
	"github.com/joescharf/thinkflow/internal/models"
)

// Stats reports registry, group, guard and health figures.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	idx := e.store.Index().Stats()
	st := &Stats{
		Sessions:      e.store.Stats(),
		Memory:        e.store.MemoryReport(),
		ByStatus:      make(map[string]int, len(idx.ByStatus)),
		ByTechnique:   make(map[string]int, len(idx.ByTechnique)),
		Plans:         e.plans.len(),
		GuardClients:  e.guards.Len(),
		EventHandlers: e.bus.SubscriptionCount(),
	}
	for k, v := range idx.ByStatus {
		st.ByStatus[string(k)] = v
	}
	for k, v := range idx.ByTechnique {
		st.ByTechnique[string(k)] = v
	}

	for _, g := range e.groups.ListGroups() {
		st.Groups.Total++
		switch g.Status {
		case models.GroupStatusCompleted:
			st.Groups.Completed++
		case models.GroupStatusPartialSuccess:
			st.Groups.Partial++
		case models.GroupStatusFailed:
			st.Groups.Failed++
		default:
			st.Groups.Active++
			if p, err := e.progress.GetGroupProgress(g.GroupID); err == nil && p.Deadlocked {
				st.Groups.Deadlocked++
			}
		}
	}

	st.Health = e.scorer.Score(health.Snapshot{
		Sessions:         st.Sessions.Sessions,
		MaxSessions:      st.Sessions.MaxSessions,
		TrackedBytes:     st.Sessions.TotalBytes,
		MaxSessionBytes:  e.cfg.Sessions.MaxSessionSize,
		TotalGroups:      st.Groups.Total,
		ActiveGroups:     st.Groups.Active,
		FailedGroups:     st.Groups.Failed,
		DeadlockedGroups: st.Groups.Deadlocked,
	})
	st.HealthStatus = st.Health.Status()
	return st, nil
}
