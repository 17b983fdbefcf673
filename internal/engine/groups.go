package engine

import (
	"context"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/converge"
	"github.com/joescharf/thinkflow/internal/groups"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/progress"
)

// CreateParallelGroup fills in catalog step counts and creates the group.
func (e *Engine) CreateParallelGroup(ctx context.Context, req groups.CreateRequest) (*groups.CreateResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	plans := make([]models.SessionPlan, len(req.Plans))
	for i, p := range req.Plans {
		if p.TotalSteps == 0 && p.Technique.Valid() {
			p.TotalSteps, _ = e.catalog.StepCount(p.Technique)
		}
		plans[i] = p
	}
	req.Plans = plans

	res, err := e.groups.CreateGroup(ctx, req)
	if err != nil {
		return nil, e.boundary("create_parallel_group", err)
	}
	return res, nil
}

func (e *Engine) GetGroup(ctx context.Context, groupID string) (*models.ParallelSessionGroup, error) {
	g, err := e.groups.GetGroup(groupID)
	if err != nil {
		return nil, e.boundary("get_group", err)
	}
	return g, nil
}

func (e *Engine) ListGroups(ctx context.Context) ([]*models.ParallelSessionGroup, error) {
	return e.groups.ListGroups(), nil
}

// MarkSessionComplete completes a session and, for group members, unblocks
// dependents and finishes the group when it is done.
func (e *Engine) MarkSessionComplete(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if _, err := e.store.Load(ctx, id); err != nil {
		return nil, e.boundary("mark_session_complete", err)
	}
	sess, err := e.complete(ctx, id)
	if err != nil {
		return nil, e.boundary("mark_session_complete", err)
	}
	return sess, nil
}

// MarkSessionFailed fails a session. Group members may leave their group
// deadlocked, which is checked and announced here.
func (e *Engine) MarkSessionFailed(ctx context.Context, id, reason string) (*models.Session, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if reason == "" {
		reason = "marked failed by client"
	}

	gid, grouped := e.groups.GroupOf(id)
	var err error
	if grouped {
		err = e.groups.MarkFailed(ctx, id, reason)
	} else {
		_, err = e.store.SetStatus(ctx, id, models.SessionStatusFailed, reason)
	}
	if err != nil {
		return nil, e.boundary("mark_session_failed", err)
	}

	sess, ok := e.store.Get(id)
	if !ok {
		return nil, apperr.SessionNotFound(id)
	}
	e.report(sess, models.ProgressFailed)
	e.persist(ctx, id)
	if grouped && e.groups.IsGroupActive(gid) {
		if _, err := e.progress.CheckForDeadlock(gid); err != nil {
			e.logger.WithGroup(gid).Warn("deadlock check failed", "error", err)
		}
	}
	return sess, nil
}

// GetGroupProgress returns the recomputed group summary.
func (e *Engine) GetGroupProgress(ctx context.Context, groupID string) (*progress.GroupProgress, error) {
	p, err := e.progress.GetGroupProgress(groupID)
	if err != nil {
		return nil, e.boundary("get_group_progress", err)
	}
	if p.Deadlocked {
		if _, err := e.progress.CheckForDeadlock(groupID); err != nil {
			e.logger.WithGroup(groupID).Warn("deadlock check failed", "error", err)
		}
	}
	return p, nil
}

func (e *Engine) GetGroupResults(ctx context.Context, groupID string) ([]models.SessionResult, error) {
	res, err := e.groups.GetResults(groupID)
	if err != nil {
		return nil, e.boundary("get_group_results", err)
	}
	return res, nil
}

// ConvergeGroup reduces a terminal group's results. method overrides the
// group's configured method when set.
func (e *Engine) ConvergeGroup(ctx context.Context, groupID string, method models.ConvergenceMethod) (*converge.Result, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	g, err := e.groups.GetGroup(groupID)
	if err != nil {
		return nil, e.boundary("converge_group", err)
	}
	results, err := e.groups.GetResults(groupID)
	if err != nil {
		return nil, e.boundary("converge_group", err)
	}
	out, err := e.converger.Converge(ctx, g, results, method)
	if err != nil {
		return nil, e.boundary("converge_group", err)
	}
	e.logger.WithGroup(groupID).Info("group converged", "method", out.Method, "sources", len(out.Sources))
	return out, nil
}
