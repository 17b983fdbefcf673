package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/event"
	"github.com/joescharf/thinkflow/internal/groups"
	"github.com/joescharf/thinkflow/internal/guard"
	"github.com/joescharf/thinkflow/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(DefaultConfig())
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func plan(t *testing.T, e *Engine, client string, ts ...models.Technique) *Plan {
	t.Helper()
	ctx := context.Background()
	_, err := e.DiscoverTechniques(ctx, client, "too many meetings")
	require.NoError(t, err)
	p, err := e.PlanSession(ctx, client, PlanRequest{Problem: "too many meetings", Techniques: ts})
	require.NoError(t, err)
	return p
}

func TestExecuteStep_ThreeCallWorkflow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := plan(t, e, "c1", models.TechniqueDisneyMethod)
	assert.Equal(t, 3, p.TotalSteps[models.TechniqueDisneyMethod])

	res, err := e.ExecuteStep(ctx, "c1", StepRequest{PlanID: p.PlanID, CurrentStep: 1, Output: "dream", NextStepNeeded: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, models.SessionStatusActive, res.Status)
	assert.True(t, res.NextStepNeeded)
	assert.InDelta(t, 1.0/3, res.Progress, 1e-9)
	assert.NotEmpty(t, res.Guidance)

	// The plan's session is reused for later steps.
	res2, err := e.ExecuteStep(ctx, "c1", StepRequest{PlanID: p.PlanID, Output: "realism", NextStepNeeded: true})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, res2.SessionID)
	assert.Equal(t, 2, res2.CurrentStep)

	res3, err := e.ExecuteStep(ctx, "c1", StepRequest{SessionID: res.SessionID, CurrentStep: 3, Output: "critique", NextStepNeeded: false})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, res3.Status)
	assert.False(t, res3.NextStepNeeded)
	assert.InDelta(t, 1.0, res3.Progress, 1e-9)

	sess, err := e.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.History, 3)
	assert.Equal(t, p.PlanID, sess.PlanID)
}

func TestExecuteStep_OversizedInsightsLeaveSessionUnchanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.MaxSessionSize = 2000
	e := New(cfg)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	ctx := context.Background()
	p := plan(t, e, "c1", models.TechniqueDisneyMethod)

	res, err := e.ExecuteStep(ctx, "c1", StepRequest{PlanID: p.PlanID, CurrentStep: 1, Output: "dream", NextStepNeeded: true})
	require.NoError(t, err)
	before, err := e.GetSession(ctx, res.SessionID)
	require.NoError(t, err)

	_, err = e.ExecuteStep(ctx, "c1", StepRequest{
		SessionID:      res.SessionID,
		CurrentStep:    2,
		Output:         "realism",
		NextStepNeeded: true,
		Insights:       []string{strings.Repeat("i", 3000)},
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeSessionTooLarge))

	after, err := e.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, after.History, len(before.History))
	assert.Equal(t, before.CurrentStep, after.CurrentStep)
	assert.Empty(t, after.Insights)
	assert.Equal(t, before.Version, after.Version)
}

func TestExecuteStep_AutoCompletesAtLastStep(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := plan(t, e, "c1", models.TechniqueRandomEntry)

	var res *StepResult
	var err error
	for step := 1; step <= 3; step++ {
		res, err = e.ExecuteStep(ctx, "c1", StepRequest{PlanID: p.PlanID, CurrentStep: step, Output: fmt.Sprint("out ", step), NextStepNeeded: true})
		require.NoError(t, err)
	}
	assert.Equal(t, models.SessionStatusCompleted, res.Status)
	assert.False(t, res.NextStepNeeded)

	_, err = e.ExecuteStep(ctx, "c1", StepRequest{SessionID: res.SessionID, CurrentStep: 3, Output: "again"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidStep))
}

func TestExecuteStep_WorkflowViolations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ExecuteStep(ctx, "fresh", StepRequest{PlanID: "plan-forged", Technique: models.TechniqueSixHats, CurrentStep: 1})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSkippedDiscovery, apperr.CodeOf(err))
	ae, _ := apperr.As(err)
	assert.Equal(t, apperr.KindWorkflow, ae.Kind)
	assert.NotEmpty(t, ae.Suggestions)

	_, err = e.DiscoverTechniques(ctx, "half", "p")
	require.NoError(t, err)
	_, err = e.ExecuteStep(ctx, "half", StepRequest{PlanID: "plan-forged", Technique: models.TechniqueSixHats, CurrentStep: 1})
	assert.Equal(t, apperr.CodeSkippedPlanning, apperr.CodeOf(err))

	// A planned client still cannot use a plan id that was never issued.
	plan(t, e, "planned", models.TechniqueSixHats)
	_, err = e.ExecuteStep(ctx, "planned", StepRequest{PlanID: "plan-forged", Technique: models.TechniqueSixHats, CurrentStep: 1})
	assert.Equal(t, apperr.CodeSkippedPlanning, apperr.CodeOf(err))
}

func TestExecuteStep_TechniqueMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := plan(t, e, "c1", models.TechniqueDisneyMethod, models.TechniqueRandomEntry)

	_, err := e.ExecuteStep(ctx, "c1", StepRequest{PlanID: p.PlanID, Technique: models.TechniqueSixHats, CurrentStep: 1})
	assert.Equal(t, apperr.CodeTechniqueMismatch, apperr.CodeOf(err))

	// Multi-technique plans need the technique named.
	_, err = e.ExecuteStep(ctx, "c1", StepRequest{PlanID: p.PlanID, CurrentStep: 1})
	assert.Equal(t, apperr.CodeTechniqueMismatch, apperr.CodeOf(err))

	res, err := e.ExecuteStep(ctx, "c1", StepRequest{PlanID: p.PlanID, Technique: models.TechniqueDisneyMethod, CurrentStep: 1, NextStepNeeded: true})
	require.NoError(t, err)
	_, err = e.ExecuteStep(ctx, "c1", StepRequest{SessionID: res.SessionID, Technique: models.TechniqueRandomEntry, CurrentStep: 2, NextStepNeeded: true})
	assert.Equal(t, apperr.CodeTechniqueMismatch, apperr.CodeOf(err))
}

func TestExecuteStep_ConcurrentFirstStepsShareSession(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := plan(t, e, "c1", models.TechniqueSixHats)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.ExecuteStep(ctx, "c1", StepRequest{PlanID: p.PlanID, CurrentStep: 1, Output: "x", NextStepNeeded: true})
			if assert.NoError(t, err) {
				ids[i] = res.SessionID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, e.Store().Count())
}

func TestPlanSession_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.PlanSession(ctx, "c1", PlanRequest{Techniques: []models.Technique{models.TechniquePo}})
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	_, err = e.PlanSession(ctx, "c1", PlanRequest{Problem: "p"})
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	_, err = e.PlanSession(ctx, "c1", PlanRequest{Problem: "p", Techniques: []models.Technique{"brainstorm"}})
	assert.Equal(t, apperr.CodeInvalidTechnique, apperr.CodeOf(err))

	p, err := e.PlanSession(ctx, "c1", PlanRequest{Problem: "p", Techniques: []models.Technique{models.TechniquePo, models.TechniquePo}})
	require.NoError(t, err)
	assert.Equal(t, []models.Technique{models.TechniquePo}, p.Techniques)
}

func TestCheckWorkflowViolation_DoesNotRecord(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.CheckWorkflowViolation(ctx, "c1", guard.CallExecute, map[string]any{"technique": "six_hats"})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, guard.SkippedDiscovery, v.Type)

	v, err = e.CheckWorkflowViolation(ctx, "c1", guard.CallExecute, nil)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, guard.SkippedDiscovery, v.Type)
}

func TestSessions_CRUD(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	s, err := e.CreateSession(ctx, CreateSessionRequest{SessionID: "s-1", Technique: models.TechniqueTriz, Problem: "p"})
	require.NoError(t, err)
	assert.Equal(t, 4, s.TotalSteps)

	_, err = e.CreateSession(ctx, CreateSessionRequest{SessionID: "s-1", Technique: models.TechniqueTriz})
	assert.Equal(t, apperr.CodeSessionAlreadyExists, apperr.CodeOf(err))

	_, err = e.CreateSession(ctx, CreateSessionRequest{Technique: "nope"})
	assert.Equal(t, apperr.CodeInvalidTechnique, apperr.CodeOf(err))

	updated, err := e.UpdateSession(ctx, "s-1", models.StepRecord{Step: 1, Output: "contradiction"})
	require.NoError(t, err)
	assert.Len(t, updated.History, 1)

	list, err := e.ListSessions(ctx, SessionFilter{Technique: models.TechniqueTriz})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = e.ListSessions(ctx, SessionFilter{Status: models.SessionStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, list)

	found, err := e.DeleteSession(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, found)

	_, err = e.DeleteSession(ctx, "s-1")
	assert.Equal(t, apperr.CodeSessionNotFound, apperr.CodeOf(err))
	_, err = e.DeleteSession(ctx, "../etc")
	assert.Equal(t, apperr.CodeInvalidSessionID, apperr.CodeOf(err))
	_, err = e.GetSession(ctx, "s-1")
	assert.Equal(t, apperr.CodeSessionNotFound, apperr.CodeOf(err))
}

func TestListSessions_Filters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, req := range []CreateSessionRequest{
		{SessionID: "po-1", Technique: models.TechniquePo, Problem: "p"},
		{SessionID: "po-2", Technique: models.TechniquePo, Problem: "p"},
		{SessionID: "triz-1", Technique: models.TechniqueTriz, Problem: "p"},
	} {
		_, err := e.CreateSession(ctx, req)
		require.NoError(t, err)
	}
	_, err := e.MarkSessionComplete(ctx, "po-1")
	require.NoError(t, err)
	_, err = e.UpdateSession(ctx, "po-2", models.StepRecord{Step: 1, Output: "provocation"})
	require.NoError(t, err)

	ids := func(list []*models.Session) []string {
		out := make([]string, len(list))
		for i, s := range list {
			out[i] = s.ID
		}
		return out
	}

	list, err := e.ListSessions(ctx, SessionFilter{Technique: models.TechniquePo})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"po-1", "po-2"}, ids(list))

	list, err = e.ListSessions(ctx, SessionFilter{Status: models.SessionStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{"po-1"}, ids(list))

	list, err = e.ListSessions(ctx, SessionFilter{Technique: models.TechniquePo, Status: models.SessionStatusActive})
	require.NoError(t, err)
	assert.Equal(t, []string{"po-2"}, ids(list))

	list, err = e.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].LastActivityTime.After(list[i-1].LastActivityTime))
	}
}

func TestParallelGroup_EndToEnd(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var completed []event.GroupCompletedEvent
	var mu sync.Mutex
	e.Bus().Subscribe(event.TypeGroupCompleted, func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, ev.(event.GroupCompletedEvent))
	})

	res, err := e.CreateParallelGroup(ctx, groups.CreateRequest{
		Plans: []models.SessionPlan{
			{PlanID: "a", Technique: models.TechniqueRandomEntry, Problem: "p"},
			{PlanID: "b", Technique: models.TechniqueDisneyMethod, Problem: "p", DependsOn: []string{"a"}},
		},
	})
	require.NoError(t, err)
	a, b := res.PlanSessions["a"], res.PlanSessions["b"]

	sb, err := e.GetSession(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, sb.Status)
	assert.Equal(t, 3, sb.TotalSteps)

	_, err = e.UpdateSession(ctx, b, models.StepRecord{Step: 1, Output: "too early"})
	assert.Equal(t, apperr.CodeDependenciesNotMet, apperr.CodeOf(err))

	_, err = e.UpdateSession(ctx, a, models.StepRecord{Step: 1, Output: "stimulus: lighthouse"})
	require.NoError(t, err)

	_, err = e.ConvergeGroup(ctx, res.GroupID, "")
	assert.Equal(t, apperr.CodeDependenciesNotMet, apperr.CodeOf(err))

	_, err = e.MarkSessionComplete(ctx, a)
	require.NoError(t, err)
	sb, err = e.GetSession(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, sb.Status)

	p, err := e.GetGroupProgress(ctx, res.GroupID)
	require.NoError(t, err)
	assert.InDelta(t, 3.0/6, p.OverallProgress, 1e-9)
	assert.False(t, p.Deadlocked)

	_, err = e.UpdateSession(ctx, b, models.StepRecord{Step: 1, Output: "dream big"})
	require.NoError(t, err)
	_, err = e.MarkSessionComplete(ctx, b)
	require.NoError(t, err)

	g, err := e.GetGroup(ctx, res.GroupID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupStatusCompleted, g.Status)

	mu.Lock()
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Success)
	mu.Unlock()

	out, err := e.ConvergeGroup(ctx, res.GroupID, "")
	require.NoError(t, err)
	assert.Equal(t, models.ConvergenceMerge, out.Method)
	assert.Contains(t, out.Output, "lighthouse")
	assert.Contains(t, out.Output, "dream big")
	assert.ElementsMatch(t, []string{a, b}, out.Sources)
}

func TestParallelGroup_LargerThanCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.MaxSessions = 2
	e := New(cfg)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	ctx := context.Background()

	_, err := e.CreateParallelGroup(ctx, groups.CreateRequest{
		Plans: []models.SessionPlan{
			{PlanID: "a", Technique: models.TechniquePo, Problem: "p"},
			{PlanID: "b", Technique: models.TechniquePo, Problem: "p", DependsOn: []string{"a"}},
			{PlanID: "c", Technique: models.TechniquePo, Problem: "p", DependsOn: []string{"b"}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMaxSessionsExceeded, apperr.CodeOf(err))

	list, err := e.ListGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	sessions, err := e.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestParallelGroup_FailureDeadlocks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var deadlocks int
	e.Bus().Subscribe(event.TypeGroupDeadlocked, func(event.Event) { deadlocks++ })

	res, err := e.CreateParallelGroup(ctx, groups.CreateRequest{
		Plans: []models.SessionPlan{
			{PlanID: "a", Technique: models.TechniquePo, Problem: "p"},
			{PlanID: "b", Technique: models.TechniquePo, Problem: "p", DependsOn: []string{"a"}},
		},
	})
	require.NoError(t, err)

	sess, err := e.MarkSessionFailed(ctx, res.PlanSessions["a"], "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	assert.Equal(t, "marked failed by client", sess.FailureReason)

	p, err := e.GetGroupProgress(ctx, res.GroupID)
	require.NoError(t, err)
	assert.True(t, p.Deadlocked)
	assert.Equal(t, 1, deadlocks)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Groups.Deadlocked)
}

func TestStats(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateSession(ctx, CreateSessionRequest{Technique: models.TechniqueScamper, Problem: "p"})
	require.NoError(t, err)
	plan(t, e, "c1", models.TechniqueYesAnd)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sessions.Sessions)
	assert.Equal(t, 1, st.ByTechnique[string(models.TechniqueScamper)])
	assert.Equal(t, 1, st.ByStatus[string(models.SessionStatusActive)])
	assert.Equal(t, 1, st.Plans)
	assert.Equal(t, 1, st.GuardClients)
	assert.Equal(t, "healthy", st.HealthStatus)
}

func TestBoundary_MapsContextErrors(t *testing.T) {
	e := newTestEngine(t)

	err := e.boundary("execute_thinking_step", fmt.Errorf("acquire: %w", context.DeadlineExceeded))
	assert.Equal(t, apperr.CodeRequestTimeout, apperr.CodeOf(err))

	err = e.boundary("x", apperr.SessionNotFound("s1"))
	assert.Equal(t, apperr.CodeSessionNotFound, apperr.CodeOf(err))

	err = e.boundary("x", errors.New("disk on fire"))
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInternal, ae.Kind)
	assert.NotEmpty(t, ae.CorrelationID)

	assert.NoError(t, e.boundary("x", nil))
}

func TestTimed_CountsOperations(t *testing.T) {
	e := newTestEngine(t)
	svc := WithTiming(e, nil)
	ctx := context.Background()

	_, err := svc.DiscoverTechniques(ctx, "c1", "p")
	require.NoError(t, err)
	_, err = svc.GetSession(ctx, "missing")
	require.Error(t, err)
	_, err = svc.GetSession(ctx, "missing")
	require.Error(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Operations["discover_techniques"].Calls)
	assert.Equal(t, int64(0), st.Operations["discover_techniques"].Errors)
	assert.Equal(t, int64(2), st.Operations["get_session"].Calls)
	assert.Equal(t, int64(2), st.Operations["get_session"].Errors)
}
