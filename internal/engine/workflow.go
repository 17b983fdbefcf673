package engine

import (
	"context"
	"slices"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/guard"
	"github.com/joescharf/thinkflow/internal/models"
)

// DiscoverTechniques records the discovery call and returns the catalog.
func (e *Engine) DiscoverTechniques(ctx context.Context, clientID, problem string) (*DiscoverResult, error) {
	e.guards.For(clientID).RecordCall(guard.CallDiscover, map[string]any{"problem": problem})
	return &DiscoverResult{
		Problem:    problem,
		Techniques: e.catalog.Discover(problem),
		NextCall:   guard.CallPlan,
	}, nil
}

// PlanSession validates the techniques and registers a plan.
func (e *Engine) PlanSession(ctx context.Context, clientID string, req PlanRequest) (*Plan, error) {
	plan, err := e.planSession(clientID, req)
	return plan, e.boundary(guard.CallPlan, err)
}

func (e *Engine) planSession(clientID string, req PlanRequest) (*Plan, error) {
	g := e.guards.For(clientID)
	args := map[string]any{"problem": req.Problem, "techniques": req.Techniques}
	if v := g.CheckViolation(guard.CallPlan, args); v != nil {
		return nil, v.Err()
	}
	if req.Problem == "" {
		return nil, apperr.InvalidArgument("problem is required")
	}
	if len(req.Techniques) == 0 {
		return nil, apperr.InvalidArgument("at least one technique is required").
			WithSuggestions("Call discover_techniques to list available techniques")
	}

	plan := &Plan{
		PlanID:     models.NewID("plan"),
		Problem:    req.Problem,
		TotalSteps: make(map[models.Technique]int, len(req.Techniques)),
		CreatedAt:  e.now(),
	}
	for _, t := range req.Techniques {
		if slices.Contains(plan.Techniques, t) {
			continue
		}
		n, err := e.catalog.StepCount(t)
		if err != nil {
			return nil, apperr.New(apperr.CodeInvalidTechnique, "unknown technique %q", t).
				WithSuggestions("Call discover_techniques to list available techniques")
		}
		plan.Techniques = append(plan.Techniques, t)
		plan.TotalSteps[t] = n
	}
	e.plans.put(plan)

	args["planId"] = plan.PlanID
	g.RecordCall(guard.CallPlan, args)
	e.logger.Debug("plan created", "plan_id", plan.PlanID, "techniques", len(plan.Techniques))
	return plan.clone(), nil
}

// CheckWorkflowViolation reports what the guard would say about call
// without recording it.
func (e *Engine) CheckWorkflowViolation(ctx context.Context, clientID, call string, args map[string]any) (*guard.Violation, error) {
	return e.guards.For(clientID).CheckViolation(call, args), nil
}

// ExecuteStep records one step of a planned session: guard check, session
// resolution, dependency gate, append, progress report and completion when
// no further step is needed.
func (e *Engine) ExecuteStep(ctx context.Context, clientID string, req StepRequest) (*StepResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.executeStep(ctx, clientID, req)
	if err != nil {
		return nil, e.boundary(guard.CallExecute, err)
	}
	return res, nil
}

func (e *Engine) executeStep(ctx context.Context, clientID string, req StepRequest) (*StepResult, error) {
	g := e.guards.For(clientID)
	args := map[string]any{"planId": req.PlanID, "technique": string(req.Technique), "problem": req.Problem}
	v := g.CheckViolation(guard.CallExecute, args)
	g.RecordCall(guard.CallExecute, args)
	if v != nil {
		return nil, v.Err()
	}

	sess, err := e.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	rec := models.StepRecord{
		Step:       req.CurrentStep,
		Technique:  sess.Technique,
		Output:     req.Output,
		Payload:    req.Payload,
		Extensions: req.Extensions,
	}
	if rec.Step == 0 {
		rec.Step = sess.HighestStep() + 1
	}
	updated, err := e.recordStep(ctx, sess.ID, rec, req.Insights)
	if err != nil {
		return nil, err
	}

	done := !req.NextStepNeeded || rec.Step >= updated.TotalSteps
	if done {
		if updated, err = e.complete(ctx, updated.ID); err != nil {
			return nil, err
		}
	}

	next := rec.Step + 1
	if done {
		next = updated.TotalSteps + 1
	}
	return &StepResult{
		SessionID:      updated.ID,
		PlanID:         updated.PlanID,
		GroupID:        updated.ParallelGroupID,
		Technique:      updated.Technique,
		CurrentStep:    updated.CurrentStep,
		TotalSteps:     updated.TotalSteps,
		Status:         updated.Status,
		NextStepNeeded: !done,
		Progress:       float64(updated.CompletedSteps()) / float64(updated.TotalSteps),
		Guidance:       e.catalog.Guidance(updated.Technique, next, updated.Problem),
	}, nil
}

// resolveSession finds the session a step request targets, creating the
// plan's session for the technique on first use.
func (e *Engine) resolveSession(ctx context.Context, req StepRequest) (*models.Session, error) {
	if req.SessionID != "" {
		sess, err := e.store.Load(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if req.Technique != "" && req.Technique != sess.Technique {
			return nil, apperr.TechniqueMismatch(sess.ID, string(sess.Technique), string(req.Technique))
		}
		if req.PlanID != "" && sess.PlanID != "" && req.PlanID != sess.PlanID {
			return nil, apperr.InvalidArgument("session %s belongs to plan %s, not %s", sess.ID, sess.PlanID, req.PlanID).
				WithDetail("session_id", sess.ID)
		}
		return sess, nil
	}

	if req.PlanID == "" {
		return nil, apperr.InvalidArgument("planId or sessionId is required").
			WithSuggestions("Pass the planId returned by plan_thinking_session")
	}
	plan, ok := e.plans.get(req.PlanID)
	if !ok {
		return nil, apperr.New(apperr.CodeSkippedPlanning, "plan %s was not issued by plan_thinking_session", req.PlanID).
			WithDetail("plan_id", req.PlanID).
			WithDetail("next_call", guard.CallPlan).
			WithSuggestions("Call plan_thinking_session and use the planId it returns")
	}

	t := req.Technique
	if t == "" && len(plan.Techniques) == 1 {
		t = plan.Techniques[0]
	}
	if !slices.Contains(plan.Techniques, t) {
		want := make([]string, len(plan.Techniques))
		for i, pt := range plan.Techniques {
			want[i] = string(pt)
		}
		return nil, apperr.New(apperr.CodeTechniqueMismatch, "plan %s does not include technique %q", plan.PlanID, t).
			WithDetail("plan_techniques", want).
			WithSuggestions("Use one of the techniques named in the plan", "Create a new plan for a different technique")
	}

	if id, ok := plan.Sessions[t]; ok {
		return e.store.Load(ctx, id)
	}

	problem := plan.Problem
	if req.Problem != "" {
		problem = req.Problem
	}
	created, err := e.store.Create(ctx, models.Session{
		Technique:  t,
		Problem:    problem,
		PlanID:     plan.PlanID,
		TotalSteps: plan.TotalSteps[t],
	}, "")
	if err != nil {
		return nil, err
	}
	bound, ok := e.plans.bind(plan.PlanID, t, created.ID)
	if ok && bound != created.ID {
		// Lost a race with a concurrent first step for the same technique.
		if _, err := e.store.Delete(ctx, created.ID); err != nil {
			e.logger.WithSession(created.ID).Warn("discard duplicate session failed", "error", err)
		}
		return e.store.Load(ctx, bound)
	}
	return created, nil
}
