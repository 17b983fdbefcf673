package engine

import (
	"context"
	"slices"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/models"
)

// recordStep gates, appends and reports one step.
func (e *Engine) recordStep(ctx context.Context, id string, rec models.StepRecord, insights []string) (*models.Session, error) {
	if err := e.groups.CheckCanExecute(id); err != nil {
		return nil, err
	}
	updated, err := e.store.AppendStep(ctx, id, rec, insights...)
	if err != nil {
		return nil, err
	}
	e.groups.NoteStepStarted(id)

	status := models.ProgressInProgress
	if rec.Step == 1 {
		status = models.ProgressStarted
	}
	e.report(updated, status)
	return updated, nil
}

func (e *Engine) report(s *models.Session, status models.ProgressStatus) {
	err := e.progress.ReportProgress(models.ProgressRecord{
		SessionID:   s.ID,
		GroupID:     s.ParallelGroupID,
		Status:      status,
		CurrentStep: s.CurrentStep,
		TotalSteps:  s.TotalSteps,
		Timestamp:   e.now(),
	})
	if err != nil {
		e.logger.WithSession(s.ID).Warn("report progress failed", "error", err)
	}
}

// complete marks id completed, through its group when it has one. Group
// bookkeeping happens only after the session status is committed.
func (e *Engine) complete(ctx context.Context, id string) (*models.Session, error) {
	if _, grouped := e.groups.GroupOf(id); grouped {
		if err := e.groups.MarkComplete(ctx, id); err != nil {
			return nil, err
		}
	} else if _, err := e.store.SetStatus(ctx, id, models.SessionStatusCompleted, ""); err != nil {
		return nil, err
	}

	sess, ok := e.store.Get(id)
	if !ok {
		return nil, apperr.SessionNotFound(id)
	}
	e.report(sess, models.ProgressCompleted)
	e.persist(ctx, id)
	return sess, nil
}

// CreateSession creates a standalone session. The step count comes from the
// catalog unless TotalSteps is given.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if !req.Technique.Valid() {
		return nil, e.boundary("create_session", apperr.New(apperr.CodeInvalidTechnique, "unknown technique %q", req.Technique).
			WithSuggestions("Call discover_techniques to list available techniques"))
	}
	total := req.TotalSteps
	if total == 0 {
		n, err := e.catalog.StepCount(req.Technique)
		if err != nil {
			return nil, e.boundary("create_session", err)
		}
		total = n
	}
	sess, err := e.store.Create(ctx, models.Session{
		Technique:  req.Technique,
		Problem:    req.Problem,
		TotalSteps: total,
	}, req.SessionID)
	if err != nil {
		return nil, e.boundary("create_session", err)
	}
	return sess, nil
}

// GetSession returns the session, reading it back from persistence if it
// is no longer resident.
func (e *Engine) GetSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	sess, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, e.boundary("get_session", err)
	}
	return sess, nil
}

// UpdateSession records a single step on an existing session. It is the
// guard-free counterpart of ExecuteStep.
func (e *Engine) UpdateSession(ctx context.Context, id string, rec models.StepRecord) (*models.Session, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if _, err := e.store.Load(ctx, id); err != nil {
		return nil, e.boundary("update_session", err)
	}
	sess, err := e.recordStep(ctx, id, rec, nil)
	if err != nil {
		return nil, e.boundary("update_session", err)
	}
	return sess, nil
}

// DeleteSession removes a session from memory and persistence.
func (e *Engine) DeleteSession(ctx context.Context, id string) (bool, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := apperr.ValidateID(id); err != nil {
		return false, err
	}
	found, err := e.store.Delete(ctx, id)
	e.progress.Forget(id)
	if err != nil {
		return found, e.boundary("delete_session", err)
	}
	if !found {
		return false, apperr.SessionNotFound(id)
	}
	return true, nil
}

// ListSessions returns resident sessions matching filter, most recent first.
// Technique and status filters are answered from the index.
func (e *Engine) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	var candidates []*models.Session
	switch {
	case filter.Technique != "":
		candidates = e.resident(e.store.Index().GetByTechnique(filter.Technique))
	case filter.Status != "":
		candidates = e.resident(e.store.Index().GetByStatus(filter.Status))
	default:
		candidates = e.store.List()
	}

	out := candidates[:0]
	for _, s := range candidates {
		if (filter.Technique != "" && s.Technique != filter.Technique) ||
			(filter.Status != "" && s.Status != filter.Status) ||
			(filter.GroupID != "" && s.ParallelGroupID != filter.GroupID) {
			continue
		}
		out = append(out, s)
	}
	slices.SortStableFunc(out, func(a, b *models.Session) int {
		return b.LastActivityTime.Compare(a.LastActivityTime)
	})
	return out, nil
}

// resident loads the ids still in the store, skipping any removed since the
// index was read.
func (e *Engine) resident(ids []string) []*models.Session {
	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := e.store.Get(id); ok {
			out = append(out, s)
		}
	}
	return out
}
