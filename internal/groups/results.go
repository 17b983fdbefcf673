package groups

import (
	"fmt"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/models"
)

// GetResults extracts one result per member. Members that never completed
// are reported with an error rather than failing the call.
func (m *Manager) GetResults(groupID string) ([]models.SessionResult, error) {
	g := m.lookup(groupID)
	if g == nil {
		return nil, apperr.GroupNotFound(groupID)
	}
	return m.resultsFor(g.snapshot()), nil
}

func (m *Manager) resultsFor(g *models.ParallelSessionGroup) []models.SessionResult {
	failed := make(map[string]bool, len(g.FailedSessions))
	for _, id := range g.FailedSessions {
		failed[id] = true
	}

	results := make([]models.SessionResult, 0, len(g.SessionIDs))
	for _, id := range g.SessionIDs {
		sess, ok := m.sessions.Get(id)
		if !ok {
			results = append(results, models.SessionResult{
				SessionID: id,
				Status:    models.SessionStatusFailed,
				Error:     "session is no longer resident",
			})
			continue
		}

		r := models.SessionResult{
			SessionID:  id,
			Technique:  sess.Technique,
			Status:     sess.Status,
			Completed:  sess.Status == models.SessionStatusCompleted,
			StepsDone:  sess.CompletedSteps(),
			TotalSteps: sess.TotalSteps,
			Insights:   sess.Insights,
		}
		switch {
		case r.Completed:
			r.FinalOutput = sess.LastOutput()
		case failed[id] || sess.Status == models.SessionStatusFailed:
			r.Status = models.SessionStatusFailed
			r.Error = sess.FailureReason
			if r.Error == "" {
				r.Error = "session failed"
			}
		default:
			r.Error = fmt.Sprintf("session not completed (status %s)", sess.Status)
		}
		results = append(results, r)
	}
	return results
}

// Outstanding returns the members of a group that have not finished.
func (m *Manager) Outstanding(groupID string) ([]string, error) {
	g := m.lookup(groupID)
	if g == nil {
		return nil, apperr.GroupNotFound(groupID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, id := range g.data.SessionIDs {
		if !g.completed[id] && !g.failed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
