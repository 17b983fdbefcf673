package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/converge"
	"github.com/joescharf/thinkflow/internal/groups"
	"github.com/joescharf/thinkflow/internal/guard"
	"github.com/joescharf/thinkflow/internal/logging"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/progress"
)

// OperationStat summarizes calls to one operation.
type OperationStat struct {
	Calls   int64 `json:"calls"`
	Errors  int64 `json:"errors"`
	TotalMS int64 `json:"total_ms"`
	MaxMS   int64 `json:"max_ms"`
}

type opCounter struct {
	calls  atomic.Int64
	errors atomic.Int64
	total  atomic.Int64 // microseconds
	max    atomic.Int64 // microseconds
}

func (c *opCounter) observe(d time.Duration, failed bool) {
	c.calls.Add(1)
	if failed {
		c.errors.Add(1)
	}
	us := d.Microseconds()
	c.total.Add(us)
	for {
		cur := c.max.Load()
		if us <= cur || c.max.CompareAndSwap(cur, us) {
			return
		}
	}
}

// Timed decorates a Service with per-operation timing and counters.
type Timed struct {
	next   Service
	logger *logging.Logger
	now    func() time.Time

	mu  sync.RWMutex
	ops map[string]*opCounter
}

// WithTiming wraps svc so every call is timed, counted and logged at debug
// level with its error code.
func WithTiming(svc Service, logger *logging.Logger) *Timed {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Timed{next: svc, logger: logger, now: time.Now, ops: make(map[string]*opCounter)}
}

func (t *Timed) counter(op string) *opCounter {
	t.mu.RLock()
	c, ok := t.ops[op]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.ops[op]; !ok {
		c = &opCounter{}
		t.ops[op] = c
	}
	return c
}

// observe records one call. It is deferred with a pointer to the named error
// result.
func (t *Timed) observe(op string, start time.Time, errp *error) {
	d := t.now().Sub(start)
	err := *errp
	t.counter(op).observe(d, err != nil)
	if err != nil {
		t.logger.Debug("operation failed", "operation", op, "duration_ms", d.Milliseconds(), "code", apperr.CodeOf(err))
		return
	}
	t.logger.Debug("operation", "operation", op, "duration_ms", d.Milliseconds())
}

// Operations returns a snapshot of the counters.
func (t *Timed) Operations() map[string]OperationStat {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]OperationStat, len(t.ops))
	for op, c := range t.ops {
		out[op] = OperationStat{
			Calls:   c.calls.Load(),
			Errors:  c.errors.Load(),
			TotalMS: c.total.Load() / 1000,
			MaxMS:   c.max.Load() / 1000,
		}
	}
	return out
}

func (t *Timed) DiscoverTechniques(ctx context.Context, clientID, problem string) (res *DiscoverResult, err error) {
	defer t.observe("discover_techniques", t.now(), &err)
	return t.next.DiscoverTechniques(ctx, clientID, problem)
}

func (t *Timed) PlanSession(ctx context.Context, clientID string, req PlanRequest) (res *Plan, err error) {
	defer t.observe("plan_thinking_session", t.now(), &err)
	return t.next.PlanSession(ctx, clientID, req)
}

func (t *Timed) ExecuteStep(ctx context.Context, clientID string, req StepRequest) (res *StepResult, err error) {
	defer t.observe("execute_thinking_step", t.now(), &err)
	return t.next.ExecuteStep(ctx, clientID, req)
}

func (t *Timed) CheckWorkflowViolation(ctx context.Context, clientID, call string, args map[string]any) (res *guard.Violation, err error) {
	defer t.observe("check_workflow_violation", t.now(), &err)
	return t.next.CheckWorkflowViolation(ctx, clientID, call, args)
}

func (t *Timed) CreateSession(ctx context.Context, req CreateSessionRequest) (res *models.Session, err error) {
	defer t.observe("create_session", t.now(), &err)
	return t.next.CreateSession(ctx, req)
}

func (t *Timed) GetSession(ctx context.Context, id string) (res *models.Session, err error) {
	defer t.observe("get_session", t.now(), &err)
	return t.next.GetSession(ctx, id)
}

func (t *Timed) UpdateSession(ctx context.Context, id string, rec models.StepRecord) (res *models.Session, err error) {
	defer t.observe("update_session", t.now(), &err)
	return t.next.UpdateSession(ctx, id, rec)
}

func (t *Timed) DeleteSession(ctx context.Context, id string) (found bool, err error) {
	defer t.observe("delete_session", t.now(), &err)
	return t.next.DeleteSession(ctx, id)
}

func (t *Timed) ListSessions(ctx context.Context, filter SessionFilter) (res []*models.Session, err error) {
	defer t.observe("list_sessions", t.now(), &err)
	return t.next.ListSessions(ctx, filter)
}

func (t *Timed) CreateParallelGroup(ctx context.Context, req groups.CreateRequest) (res *groups.CreateResult, err error) {
	defer t.observe("create_parallel_group", t.now(), &err)
	return t.next.CreateParallelGroup(ctx, req)
}

func (t *Timed) GetGroup(ctx context.Context, groupID string) (res *models.ParallelSessionGroup, err error) {
	defer t.observe("get_group", t.now(), &err)
	return t.next.GetGroup(ctx, groupID)
}

func (t *Timed) ListGroups(ctx context.Context) (res []*models.ParallelSessionGroup, err error) {
	defer t.observe("list_groups", t.now(), &err)
	return t.next.ListGroups(ctx)
}

func (t *Timed) MarkSessionComplete(ctx context.Context, id string) (res *models.Session, err error) {
	defer t.observe("mark_session_complete", t.now(), &err)
	return t.next.MarkSessionComplete(ctx, id)
}

func (t *Timed) MarkSessionFailed(ctx context.Context, id, reason string) (res *models.Session, err error) {
	defer t.observe("mark_session_failed", t.now(), &err)
	return t.next.MarkSessionFailed(ctx, id, reason)
}

func (t *Timed) GetGroupProgress(ctx context.Context, groupID string) (res *progress.GroupProgress, err error) {
	defer t.observe("get_group_progress", t.now(), &err)
	return t.next.GetGroupProgress(ctx, groupID)
}

func (t *Timed) GetGroupResults(ctx context.Context, groupID string) (res []models.SessionResult, err error) {
	defer t.observe("get_group_results", t.now(), &err)
	return t.next.GetGroupResults(ctx, groupID)
}

func (t *Timed) ConvergeGroup(ctx context.Context, groupID string, method models.ConvergenceMethod) (res *converge.Result, err error) {
	defer t.observe("converge_group", t.now(), &err)
	return t.next.ConvergeGroup(ctx, groupID, method)
}

// Stats adds the operation counters to the wrapped service's stats.
func (t *Timed) Stats(ctx context.Context) (*Stats, error) {
	st, err := t.next.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st.Operations = t.Operations()
	return st, nil
}

var (
	_ Service = (*Engine)(nil)
	_ Service = (*Timed)(nil)
)
