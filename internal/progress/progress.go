// Package progress aggregates per-session progress reports into group
// summaries, estimates remaining time and detects groups that can no longer
// make progress.
package progress

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/event"
	"github.com/joescharf/thinkflow/internal/groups"
	"github.com/joescharf/thinkflow/internal/logging"
	"github.com/joescharf/thinkflow/internal/models"
)

// DefaultSampleWindow is the number of step durations kept per session.
const DefaultSampleWindow = 10

// SessionSource reads current session state.
type SessionSource interface {
	Get(id string) (*models.Session, bool)
}

// GroupSource reads current group state.
type GroupSource interface {
	GetGroup(groupID string) (*models.ParallelSessionGroup, error)
}

// MemberProgress is the derived state of one group member.
type MemberProgress struct {
	SessionID      string                `json:"session_id"`
	Technique      models.Technique      `json:"technique,omitempty"`
	Status         models.ProgressStatus `json:"status"`
	CurrentStep    int                   `json:"current_step"`
	CompletedSteps int                   `json:"completed_steps"`
	TotalSteps     int                   `json:"total_steps"`
	Progress       float64               `json:"progress"`
	AvgStep        time.Duration         `json:"avg_step_ns,omitempty"`
}

// GroupProgress is recomputed on every request from session and group state.
type GroupProgress struct {
	GroupID         string             `json:"group_id"`
	Status          models.GroupStatus `json:"status"`
	OverallProgress float64            `json:"overall_progress"`
	CompletedSteps  int                `json:"completed_steps"`
	TotalSteps      int                `json:"total_steps"`
	Members         []MemberProgress   `json:"members"`
	Elapsed         time.Duration      `json:"elapsed_ns"`
	// EstimatedRemainingMS is null until some progress has been made.
	EstimatedRemainingMS *int64   `json:"estimated_remaining_ms"`
	Deadlocked           bool     `json:"deadlocked"`
	Waiting              []string `json:"waiting,omitempty"`
}

// ETA returns the estimated remaining time and whether one exists.
func (p *GroupProgress) ETA() (time.Duration, bool) {
	if p.EstimatedRemainingMS == nil {
		return 0, false
	}
	return time.Duration(*p.EstimatedRemainingMS) * time.Millisecond, true
}

type samples struct {
	buf  []time.Duration
	next int
	full bool
}

func (s *samples) add(d time.Duration) {
	s.buf[s.next] = d
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
}

func (s *samples) mean() time.Duration {
	n := s.next
	if s.full {
		n = len(s.buf)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.buf[:n] {
		total += d
	}
	return total / time.Duration(n)
}

// Coordinator tracks progress reports and answers group progress queries.
type Coordinator struct {
	sessions SessionSource
	groups   GroupSource
	bus      *event.Bus
	logger   *logging.Logger
	window   int
	now      func() time.Time

	mu         sync.Mutex
	latest     map[string]models.ProgressRecord
	durations  map[string]*samples
	deadlocked map[string]bool
}

type Option func(*Coordinator)

func WithBus(b *event.Bus) Option           { return func(c *Coordinator) { c.bus = b } }
func WithLogger(l *logging.Logger) Option   { return func(c *Coordinator) { c.logger = l } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithSampleWindow bounds the per-session duration history.
func WithSampleWindow(n int) Option { return func(c *Coordinator) { c.window = n } }

func New(sessions SessionSource, groups GroupSource, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions:   sessions,
		groups:     groups,
		window:     DefaultSampleWindow,
		now:        time.Now,
		latest:     make(map[string]models.ProgressRecord),
		durations:  make(map[string]*samples),
		deadlocked: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.NopLogger()
	}
	if c.window < 1 {
		c.window = DefaultSampleWindow
	}
	return c
}

// ReportProgress records rec as the latest state of its session. When the
// step advanced, the time since the previous report is kept as a duration
// sample.
func (c *Coordinator) ReportProgress(rec models.ProgressRecord) error {
	if rec.SessionID == "" {
		return apperr.InvalidArgument("progress record needs a session id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}

	c.mu.Lock()
	if prev, ok := c.latest[rec.SessionID]; ok && rec.CurrentStep > prev.CurrentStep && rec.Timestamp.After(prev.Timestamp) {
		s := c.durations[rec.SessionID]
		if s == nil {
			s = &samples{buf: make([]time.Duration, c.window)}
			c.durations[rec.SessionID] = s
		}
		s.add(rec.Timestamp.Sub(prev.Timestamp))
	}
	c.latest[rec.SessionID] = rec
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(event.NewProgressUpdatedEvent(rec))
	}
	return nil
}

// Latest returns the most recent report for a session.
func (c *Coordinator) Latest(sessionID string) (models.ProgressRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.latest[sessionID]
	return rec, ok
}

// Forget drops everything recorded for the given sessions.
func (c *Coordinator) Forget(sessionIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sessionIDs {
		delete(c.latest, id)
		delete(c.durations, id)
	}
}

// GetGroupProgress derives the group summary from current state. Overall
// progress weights each member by its own step count.
func (c *Coordinator) GetGroupProgress(groupID string) (*GroupProgress, error) {
	g, err := c.groups.GetGroup(groupID)
	if err != nil {
		return nil, err
	}

	out := &GroupProgress{GroupID: g.GroupID, Status: g.Status, Members: make([]MemberProgress, 0, len(g.SessionIDs))}
	c.mu.Lock()
	for _, id := range g.SessionIDs {
		mp := c.memberLocked(id, g)
		out.CompletedSteps += mp.CompletedSteps
		out.TotalSteps += mp.TotalSteps
		out.Members = append(out.Members, mp)
	}
	c.mu.Unlock()

	if out.TotalSteps > 0 {
		out.OverallProgress = float64(out.CompletedSteps) / float64(out.TotalSteps)
	}
	out.Elapsed = c.elapsed(g)
	if d, ok := estimate(out.Elapsed, out.OverallProgress); ok {
		ms := d.Milliseconds()
		out.EstimatedRemainingMS = &ms
	}
	out.Deadlocked, out.Waiting = deadlocked(out.Members)
	return out, nil
}

// memberLocked derives one member's state. Caller holds mu.
func (c *Coordinator) memberLocked(id string, g *models.ParallelSessionGroup) MemberProgress {
	mp := MemberProgress{SessionID: id}
	if s := c.durations[id]; s != nil {
		mp.AvgStep = s.mean()
	}

	sess, ok := c.sessions.Get(id)
	if !ok {
		mp.Status = models.ProgressFailed
		if slices.Contains(g.CompletedSessions, id) {
			mp.Status = models.ProgressCompleted
		}
		if rec, ok := c.latest[id]; ok {
			mp.CurrentStep, mp.TotalSteps = rec.CurrentStep, rec.TotalSteps
			if mp.Status == models.ProgressCompleted {
				mp.CompletedSteps = rec.TotalSteps
			}
		}
		return mp.withRatio()
	}

	mp.Technique = sess.Technique
	mp.CurrentStep = sess.CurrentStep
	mp.TotalSteps = sess.TotalSteps
	mp.CompletedSteps = sess.CompletedSteps()

	switch sess.Status {
	case models.SessionStatusPending:
		mp.Status = models.ProgressWaiting
	case models.SessionStatusCompleted:
		mp.Status = models.ProgressCompleted
	case models.SessionStatusFailed:
		mp.Status = models.ProgressFailed
	default:
		switch rec, reported := c.latest[id]; {
		case reported && !rec.Status.Terminal():
			mp.Status = rec.Status
		case len(sess.History) > 0:
			mp.Status = models.ProgressInProgress
		default:
			mp.Status = models.ProgressStarted
		}
	}
	return mp.withRatio()
}

func (mp MemberProgress) withRatio() MemberProgress {
	if mp.TotalSteps > 0 {
		mp.Progress = float64(mp.CompletedSteps) / float64(mp.TotalSteps)
	}
	return mp
}

func (c *Coordinator) elapsed(g *models.ParallelSessionGroup) time.Duration {
	start := g.CreatedAt
	if g.StartedAt != nil {
		start = *g.StartedAt
	}
	end := c.now()
	if g.CompletedAt != nil {
		end = *g.CompletedAt
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// estimate returns elapsed/progress - elapsed. There is no estimate before
// any progress has been made.
func estimate(elapsed time.Duration, progress float64) (time.Duration, bool) {
	if progress <= 0 {
		return 0, false
	}
	if progress >= 1 {
		return 0, true
	}
	total := time.Duration(float64(elapsed) / progress)
	return total - elapsed, true
}

// EstimateTimeRemaining returns the group's remaining time and whether an
// estimate exists yet.
func (c *Coordinator) EstimateTimeRemaining(groupID string) (time.Duration, bool, error) {
	p, err := c.GetGroupProgress(groupID)
	if err != nil {
		return 0, false, err
	}
	d, ok := p.ETA()
	return d, ok, nil
}

// deadlocked is true when some member is unfinished and every unfinished
// member is waiting.
func deadlocked(members []MemberProgress) (bool, []string) {
	var waiting []string
	live := 0
	for _, m := range members {
		if m.Status.Terminal() {
			continue
		}
		live++
		if m.Status != models.ProgressWaiting {
			return false, nil
		}
		waiting = append(waiting, m.SessionID)
	}
	if live == 0 {
		return false, nil
	}
	return true, waiting
}

// CheckForDeadlock reports whether the group can no longer make progress.
// A group.deadlocked event is published when a group first enters that
// state. Resolution is left to the caller.
func (c *Coordinator) CheckForDeadlock(groupID string) (bool, error) {
	p, err := c.GetGroupProgress(groupID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	was := c.deadlocked[groupID]
	if p.Deadlocked {
		c.deadlocked[groupID] = true
	} else {
		delete(c.deadlocked, groupID)
	}
	c.mu.Unlock()

	if p.Deadlocked && !was {
		c.logger.WithGroup(groupID).Warn("group deadlocked", "waiting", p.Waiting)
		if c.bus != nil {
			c.bus.Publish(event.NewGroupDeadlockedEvent(groupID, p.Waiting))
		}
	}
	return p.Deadlocked, nil
}

// GroupTerminal publishes the group completion event and releases the
// group's progress state.
func (c *Coordinator) GroupTerminal(ctx context.Context, g *models.ParallelSessionGroup, results []models.SessionResult) {
	if c.bus != nil {
		c.bus.Publish(groups.NewCompletedEvent(g, results))
	}
	c.Forget(g.SessionIDs...)
	c.mu.Lock()
	delete(c.deadlocked, g.GroupID)
	c.mu.Unlock()
}
