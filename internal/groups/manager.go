// Package groups turns a set of session plans into a dependency-gated
// parallel group and tracks the group through to a terminal status.
package groups

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/event"
	"github.com/joescharf/thinkflow/internal/logging"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/sessions"
	"github.com/joescharf/thinkflow/internal/store"
)

// FailurePolicy decides what happens to dependents of a failed session.
type FailurePolicy string

const (
	// PolicyBlock leaves dependents pending; the group stays non-terminal.
	PolicyBlock FailurePolicy = "block"
	// PolicyCascade fails every transitive dependent.
	PolicyCascade FailurePolicy = "cascade"
)

type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	FailurePolicy   FailurePolicy
}

func DefaultConfig() Config {
	return Config{TTL: time.Hour, CleanupInterval: 5 * time.Minute, FailurePolicy: PolicyBlock}
}

// SessionStore is the part of the session registry the manager uses.
type SessionStore interface {
	Create(ctx context.Context, init models.Session, providedID string) (*models.Session, error)
	Get(id string) (*models.Session, bool)
	Update(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error)
	SetStatus(ctx context.Context, id string, status models.SessionStatus, reason string) (*models.Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	Capacity() int
}

// CompletionNotifier is told exactly once when a group becomes terminal.
type CompletionNotifier interface {
	GroupTerminal(ctx context.Context, g *models.ParallelSessionGroup, results []models.SessionResult)
}

// CreateRequest describes a group to create. Dependencies are extra edges
// keyed by plan id, merged with each plan's DependsOn.
type CreateRequest struct {
	Plans        []models.SessionPlan
	Dependencies map[string][]string
	Convergence  models.ConvergenceOptions
}

// CreateResult maps each plan to the session created for it.
type CreateResult struct {
	GroupID      string                       `json:"group_id"`
	SessionIDs   []string                     `json:"session_ids"`
	PlanSessions map[string]string            `json:"plan_sessions"`
	Group        *models.ParallelSessionGroup `json:"group"`
}

type group struct {
	mu        sync.Mutex
	data      *models.ParallelSessionGroup
	completed map[string]bool
	failed    map[string]bool
	terminal  atomic.Bool
	forming   atomic.Bool
}

// Manager owns ParallelSessionGroup objects.
type Manager struct {
	cfg      Config
	sessions SessionStore
	bus      *event.Bus
	logger   *logging.Logger
	archive  store.GroupArchive
	notifier CompletionNotifier
	now      func() time.Time

	mu        sync.RWMutex
	groups    map[string]*group
	bySession map[string]string
}

type Option func(*Manager)

func WithBus(b *event.Bus) Option              { return func(m *Manager) { m.bus = b } }
func WithLogger(l *logging.Logger) Option      { return func(m *Manager) { m.logger = l } }
func WithArchive(a store.GroupArchive) Option  { return func(m *Manager) { m.archive = a } }
func WithClock(now func() time.Time) Option    { return func(m *Manager) { m.now = now } }
func WithNotifier(n CompletionNotifier) Option { return func(m *Manager) { m.notifier = n } }

func NewManager(cfg Config, sessions SessionStore, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		sessions:  sessions,
		now:       time.Now,
		groups:    make(map[string]*group),
		bySession: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	if m.cfg.FailurePolicy == "" {
		m.cfg.FailurePolicy = PolicyBlock
	}
	return m
}

// SetNotifier installs the completion notifier after construction.
func (m *Manager) SetNotifier(n CompletionNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// CreateGroup validates the plans' dependency graph and creates one session
// per plan. Sessions with dependencies start pending, the rest active. A
// rejected request creates nothing.
func (m *Manager) CreateGroup(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if len(req.Plans) == 0 {
		return nil, apperr.InvalidArgument("a group needs at least one plan")
	}

	plans := make([]models.SessionPlan, len(req.Plans))
	planIDs := make([]string, len(req.Plans))
	seen := make(map[string]bool, len(req.Plans))
	for i, p := range req.Plans {
		if p.PlanID == "" {
			p.PlanID = fmt.Sprintf("plan-%d", i+1)
		}
		if seen[p.PlanID] {
			return nil, apperr.InvalidArgument("duplicate plan id %q", p.PlanID)
		}
		seen[p.PlanID] = true
		if !p.Technique.Valid() {
			return nil, apperr.New(apperr.CodeInvalidTechnique, "plan %s: unknown technique %q", p.PlanID, p.Technique).
				WithSuggestions("Use a technique returned by discover_techniques")
		}
		if p.TotalSteps < 1 {
			return nil, apperr.InvalidArgument("plan %s: totalSteps must be at least 1", p.PlanID)
		}
		plans[i] = p
		planIDs[i] = p.PlanID
	}

	planDeps := make(map[string][]string, len(plans))
	for _, p := range plans {
		deps := slices.Clone(p.DependsOn)
		for _, d := range req.Dependencies[p.PlanID] {
			if !slices.Contains(deps, d) {
				deps = append(deps, d)
			}
		}
		planDeps[p.PlanID] = deps
	}
	for planID := range req.Dependencies {
		if !seen[planID] {
			return nil, apperr.InvalidArgument("dependencies reference unknown plan %q", planID).
				WithDetail("plan_id", planID)
		}
	}
	if _, err := validateDAG(planIDs, planDeps); err != nil {
		return nil, err
	}
	if limit := m.sessions.Capacity(); len(plans) > limit {
		return nil, apperr.MaxSessionsExceeded(limit).
			WithDetail("requested", len(plans)).
			WithSuggestions("Split the plans into smaller groups")
	}

	now := m.now()
	groupID := models.NewID("grp")
	planSessions := make(map[string]string, len(plans))
	sessionIDs := make([]string, len(plans))
	for i, p := range plans {
		sessionIDs[i] = models.NewID("")
		planSessions[p.PlanID] = sessionIDs[i]
	}
	deps := make(map[string][]string, len(plans))
	for i, p := range plans {
		for _, d := range planDeps[p.PlanID] {
			deps[sessionIDs[i]] = append(deps[sessionIDs[i]], planSessions[d])
		}
	}

	g := &group{
		data: &models.ParallelSessionGroup{
			GroupID:            groupID,
			SessionIDs:         sessionIDs,
			Dependencies:       deps,
			CompletedSessions:  []string{},
			FailedSessions:     []string{},
			Status:             models.GroupStatusPending,
			CreatedAt:          now,
			ConvergenceOptions: req.Convergence,
		},
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
	}

	// Register first so the store never evicts members while the rest are
	// created. Running out of room rolls the whole group back.
	g.forming.Store(true)
	m.register(g)

	for i, p := range plans {
		status := models.SessionStatusActive
		if len(deps[sessionIDs[i]]) > 0 {
			status = models.SessionStatusPending
		}
		_, err := m.sessions.Create(ctx, models.Session{
			Technique:       p.Technique,
			Problem:         p.Problem,
			PlanID:          p.PlanID,
			TotalSteps:      p.TotalSteps,
			Status:          status,
			ParallelGroupID: groupID,
			DependsOn:       deps[sessionIDs[i]],
			Extensions:      p.Extensions,
		}, sessionIDs[i])
		if err != nil {
			m.rollback(ctx, g, sessionIDs[:i])
			return nil, err
		}
	}
	g.forming.Store(false)

	m.logger.WithGroup(groupID).Info("group created", "sessions", len(sessionIDs), "edges", countEdges(deps))
	return &CreateResult{
		GroupID:      groupID,
		SessionIDs:   slices.Clone(sessionIDs),
		PlanSessions: planSessions,
		Group:        g.snapshot(),
	}, nil
}

func countEdges(deps map[string][]string) int {
	n := 0
	for _, d := range deps {
		n += len(d)
	}
	return n
}

func (m *Manager) register(g *group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.data.GroupID] = g
	for _, id := range g.data.SessionIDs {
		m.bySession[id] = g.data.GroupID
	}
}

func (m *Manager) unregister(g *group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, g.data.GroupID)
	for _, id := range g.data.SessionIDs {
		if m.bySession[id] == g.data.GroupID {
			delete(m.bySession, id)
		}
	}
}

// rollback undoes a partially created group.
func (m *Manager) rollback(ctx context.Context, g *group, created []string) {
	g.terminal.Store(true)
	m.unregister(g)
	for _, id := range created {
		if _, err := m.sessions.Delete(ctx, id); err != nil {
			m.logger.WithGroup(g.data.GroupID).Warn("rollback delete failed", "session_id", id, "error", err)
		}
	}
}

func (g *group) snapshot() *models.ParallelSessionGroup {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.data.Clone()
}

func (m *Manager) lookup(groupID string) *group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[groupID]
}

func (m *Manager) groupOf(sessionID string) *group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if gid, ok := m.bySession[sessionID]; ok {
		return m.groups[gid]
	}
	return nil
}

// GetGroup returns a copy of the group.
func (m *Manager) GetGroup(groupID string) (*models.ParallelSessionGroup, error) {
	g := m.lookup(groupID)
	if g == nil {
		return nil, apperr.GroupNotFound(groupID)
	}
	return g.snapshot(), nil
}

// GroupOf returns the id of the group sessionID belongs to.
func (m *Manager) GroupOf(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gid, ok := m.bySession[sessionID]
	return gid, ok
}

// ListGroups returns copies of all tracked groups, oldest first.
func (m *Manager) ListGroups() []*models.ParallelSessionGroup {
	m.mu.RLock()
	groups := make([]*group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.RUnlock()

	out := make([]*models.ParallelSessionGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.snapshot())
	}
	slices.SortFunc(out, func(a, b *models.ParallelSessionGroup) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// IsGroupActive reports whether the group exists and is non-terminal. It
// takes no group lock so the session store may call it under its own lock.
func (m *Manager) IsGroupActive(groupID string) bool {
	g := m.lookup(groupID)
	return g != nil && !g.terminal.Load()
}

// IsGroupForming reports whether the group is still creating its members.
func (m *Manager) IsGroupForming(groupID string) bool {
	g := m.lookup(groupID)
	return g != nil && g.forming.Load()
}

// OnSessionRemoved marks a member that left the session store as failed so
// its dependents are not left waiting on it.
func (m *Manager) OnSessionRemoved(ctx context.Context, sessionID, groupID, reason string) {
	if err := m.markFailed(ctx, sessionID, "removed: "+reason, false); err != nil {
		m.logger.WithGroup(groupID).Warn("detach removed session failed", "session_id", sessionID, "error", err)
	}
}

// CanStart reports whether every dependency of sessionID has completed.
func (m *Manager) CanStart(sessionID, groupID string) (bool, error) {
	g := m.lookup(groupID)
	if g == nil {
		return false, apperr.GroupNotFound(groupID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !slices.Contains(g.data.SessionIDs, sessionID) {
		return false, apperr.SessionNotFound(sessionID).WithDetail("group_id", groupID)
	}
	return len(g.outstandingLocked(sessionID)) == 0, nil
}

func (g *group) outstandingLocked(sessionID string) []string {
	var out []string
	for _, d := range g.data.Dependencies[sessionID] {
		if !g.completed[d] {
			out = append(out, d)
		}
	}
	return out
}

// CheckCanExecute returns DEPENDENCIES_NOT_MET listing the unfinished
// dependencies of sessionID. Sessions outside any group always pass.
func (m *Manager) CheckCanExecute(sessionID string) error {
	g := m.groupOf(sessionID)
	if g == nil {
		return nil
	}
	g.mu.Lock()
	outstanding := g.outstandingLocked(sessionID)
	g.mu.Unlock()
	if len(outstanding) > 0 {
		return apperr.DependenciesNotMet("session "+sessionID, outstanding).
			WithDetail("group_id", g.data.GroupID)
	}
	return nil
}

// NoteStepStarted moves a pending group to running on its first step.
func (m *Manager) NoteStepStarted(sessionID string) {
	g := m.groupOf(sessionID)
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startLocked(m.now())
}

func (g *group) startLocked(now time.Time) {
	if g.data.Status == models.GroupStatusPending {
		g.data.Status = models.GroupStatusRunning
		g.data.StartedAt = &now
	}
}

// MarkComplete records sessionID as completed, unblocks dependents whose
// dependencies are now all complete, and finishes the group when every
// member is done. Repeated calls are no-ops.
func (m *Manager) MarkComplete(ctx context.Context, sessionID string) error {
	g := m.groupOf(sessionID)
	if g == nil {
		return apperr.SessionNotFound(sessionID).WithDetail("reason", "not a member of any group")
	}

	// The session status is committed before group bookkeeping changes.
	if _, err := m.sessions.SetStatus(ctx, sessionID, models.SessionStatusCompleted, ""); err != nil {
		return err
	}

	g.mu.Lock()
	if g.completed[sessionID] {
		g.mu.Unlock()
		return nil
	}
	g.completed[sessionID] = true
	g.data.CompletedSessions = append(g.data.CompletedSessions, sessionID)
	g.startLocked(m.now())

	var unblocked []string
	for _, id := range g.data.SessionIDs {
		if g.completed[id] || g.failed[id] {
			continue
		}
		if slices.Contains(g.data.Dependencies[id], sessionID) && len(g.outstandingLocked(id)) == 0 {
			unblocked = append(unblocked, id)
		}
	}
	terminal := g.recomputeLocked(m.now())
	var snap *models.ParallelSessionGroup
	if terminal {
		snap = g.data.Clone()
	}
	g.mu.Unlock()

	for _, id := range unblocked {
		m.unblock(ctx, g.data.GroupID, id)
	}
	if terminal {
		m.finish(ctx, snap)
	}
	return nil
}

// unblock flips a pending member to active and announces it.
func (m *Manager) unblock(ctx context.Context, groupID, sessionID string) {
	flipped := false
	_, err := m.sessions.Update(ctx, sessionID, func(s *models.Session) error {
		if s.Status == models.SessionStatusPending {
			s.Status = models.SessionStatusActive
			flipped = true
		}
		return nil
	})
	if err != nil {
		m.logger.WithGroup(groupID).Warn("unblock failed", "session_id", sessionID, "error", err)
		return
	}
	if flipped && m.bus != nil {
		m.bus.Publish(event.NewSessionUnblockedEvent(groupID, sessionID))
	}
}

// MarkFailed records sessionID as failed. Dependents stay blocked unless the
// failure policy is cascade.
func (m *Manager) MarkFailed(ctx context.Context, sessionID, reason string) error {
	return m.markFailed(ctx, sessionID, reason, true)
}

func (m *Manager) markFailed(ctx context.Context, sessionID, reason string, updateSession bool) error {
	g := m.groupOf(sessionID)
	if g == nil {
		return apperr.SessionNotFound(sessionID).WithDetail("reason", "not a member of any group")
	}
	if updateSession {
		_, err := m.sessions.SetStatus(ctx, sessionID, models.SessionStatusFailed, reason)
		if err != nil && !apperr.Is(err, apperr.CodeSessionNotFound) {
			return err
		}
	}

	g.mu.Lock()
	if g.failed[sessionID] || g.completed[sessionID] {
		g.mu.Unlock()
		return nil
	}
	g.failed[sessionID] = true
	g.data.FailedSessions = append(g.data.FailedSessions, sessionID)

	var cascade []string
	if m.cfg.FailurePolicy == PolicyCascade {
		cascade = g.dependentsLocked(sessionID)
	}
	terminal := g.recomputeLocked(m.now())
	var snap *models.ParallelSessionGroup
	if terminal {
		snap = g.data.Clone()
	}
	g.mu.Unlock()

	m.logger.WithGroup(g.data.GroupID).Info("session failed", "session_id", sessionID, "reason", reason)
	for _, id := range cascade {
		if err := m.markFailed(ctx, id, "dependency failed: "+sessionID, true); err != nil {
			m.logger.WithGroup(g.data.GroupID).Warn("cascade failure failed", "session_id", id, "error", err)
		}
	}
	if terminal {
		m.finish(ctx, snap)
	}
	return nil
}

// dependentsLocked returns unfinished members that transitively depend on id.
func (g *group) dependentsLocked(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, member := range g.data.SessionIDs {
			if seen[member] || !slices.Contains(g.data.Dependencies[member], cur) {
				continue
			}
			seen[member] = true
			queue = append(queue, member)
			if !g.completed[member] && !g.failed[member] {
				out = append(out, member)
			}
		}
	}
	return out
}

// recomputeLocked derives the group status and reports whether this call
// moved the group into a terminal status.
func (g *group) recomputeLocked(now time.Time) bool {
	if g.data.Status.Terminal() {
		return false
	}
	total := len(g.data.SessionIDs)
	nCompleted, nFailed := len(g.completed), len(g.failed)
	if nCompleted+nFailed < total {
		return false
	}

	switch {
	case nFailed == 0:
		g.data.Status = models.GroupStatusCompleted
	case nCompleted == 0:
		g.data.Status = models.GroupStatusFailed
	default:
		g.data.Status = models.GroupStatusPartialSuccess
	}
	g.data.CompletedAt = &now
	g.terminal.Store(true)
	return true
}

// finish runs once per group, after it became terminal.
func (m *Manager) finish(ctx context.Context, snap *models.ParallelSessionGroup) {
	log := m.logger.WithGroup(snap.GroupID)
	log.Info("group finished", "status", snap.Status,
		"completed", len(snap.CompletedSessions), "failed", len(snap.FailedSessions))

	results := m.resultsFor(snap)
	m.mu.RLock()
	notifier := m.notifier
	m.mu.RUnlock()

	if notifier != nil {
		notifier.GroupTerminal(ctx, snap, results)
	} else if m.bus != nil {
		m.bus.Publish(NewCompletedEvent(snap, results))
	}

	if m.archive != nil {
		if err := m.archive.SaveGroup(ctx, snap); err != nil {
			log.Warn("archive group failed", "error", err)
		}
	}
}

// NewCompletedEvent builds the group completion event. Partial results are
// attached only when some member failed.
func NewCompletedEvent(g *models.ParallelSessionGroup, results []models.SessionResult) event.GroupCompletedEvent {
	var partial []models.SessionResult
	if len(g.FailedSessions) > 0 {
		partial = results
	}
	return event.NewGroupCompletedEvent(g.GroupID, g.Status,
		slices.Clone(g.CompletedSessions), slices.Clone(g.FailedSessions), partial)
}

// CleanupOldGroups forgets terminal groups that finished more than ttl ago.
// Member sessions are left to the session store's own expiry.
func (m *Manager) CleanupOldGroups(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := m.now().Add(-ttl)

	m.mu.RLock()
	var expired []*group
	for _, g := range m.groups {
		if !g.terminal.Load() {
			continue
		}
		g.mu.Lock()
		old := g.data.CompletedAt != nil && g.data.CompletedAt.Before(cutoff)
		g.mu.Unlock()
		if old {
			expired = append(expired, g)
		}
	}
	m.mu.RUnlock()

	for _, g := range expired {
		m.unregister(g)
	}
	if len(expired) > 0 {
		m.logger.Info("removed old groups", "count", len(expired), "ttl", ttl.String())
	}
	return len(expired), nil
}

// CleanupJob returns a periodic job running CleanupOldGroups with the
// configured TTL.
func (m *Manager) CleanupJob() *sessions.CleanupJob {
	return sessions.NewCleanupJob("group-cleanup", m.cfg.CleanupInterval, func(ctx context.Context) (int, error) {
		return m.CleanupOldGroups(ctx, m.cfg.TTL)
	}, m.logger)
}
