// Package sessions owns live Session objects: a bounded in-memory registry
// with LRU eviction, TTL expiry, per-session locking and persistence hand-off.
package sessions

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/event"
	"github.com/joescharf/thinkflow/internal/index"
	"github.com/joescharf/thinkflow/internal/logging"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/store"
)

// Config bounds the registry.
type Config struct {
	MaxSessions            int
	MaxSessionSize         int64
	TTL                    time.Duration
	CleanupInterval        time.Duration
	EnableMemoryMonitoring bool
	PersistOnEvict         bool
	MaxRetries             int
	InitialBackoff         time.Duration
	FlushConcurrency       int
}

func DefaultConfig() Config {
	return Config{
		MaxSessions:      1000,
		MaxSessionSize:   1 << 20,
		TTL:              24 * time.Hour,
		CleanupInterval:  5 * time.Minute,
		PersistOnEvict:   true,
		MaxRetries:       3,
		InitialBackoff:   100 * time.Millisecond,
		FlushConcurrency: 8,
	}
}

// GroupHooks lets the store consult and notify the group manager without
// depending on it. IsGroupActive and IsGroupForming are called with the
// store's map lock held and must not call back into the store.
type GroupHooks interface {
	IsGroupActive(groupID string) bool
	// IsGroupForming reports a group whose members are still being created.
	// Those members are never chosen for eviction.
	IsGroupForming(groupID string) bool
	OnSessionRemoved(ctx context.Context, sessionID, groupID, reason string)
}

// Stats summarizes the registry.
type Stats struct {
	Sessions    int   `json:"sessions"`
	MaxSessions int   `json:"max_sessions"`
	TotalBytes  int64 `json:"total_bytes"`
	Created     int64 `json:"created"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

type entry struct {
	id   string
	lock chan struct{}
	// session holds an immutable snapshot; mutations swap in a new one.
	session          atomic.Pointer[models.Session]
	removed          atomic.Bool
	size             atomic.Int64
	persistedVersion atomic.Int64
	elem             *list.Element // guarded by Store.mu
}

func newEntry(s *models.Session) *entry {
	e := &entry{id: s.ID, lock: make(chan struct{}, 1)}
	e.session.Store(s)
	e.size.Store(s.SizeBytes)
	return e
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) tryAcquire() bool {
	select {
	case e.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) release() { <-e.lock }

// Store is the session registry. Lock order is entry lock, then mu; code
// holding mu only ever try-acquires entry locks.
type Store struct {
	cfg     Config
	adapter store.Adapter
	index   *index.SessionIndex
	bus     *event.Bus
	logger  *logging.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // front is most recently active
	hooks   GroupHooks

	totalBytes  atomic.Int64
	created     atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	loads singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

func WithAdapter(a store.Adapter) Option     { return func(s *Store) { s.adapter = a } }
func WithIndex(x *index.SessionIndex) Option { return func(s *Store) { s.index = x } }
func WithBus(b *event.Bus) Option            { return func(s *Store) { s.bus = b } }
func WithLogger(l *logging.Logger) Option    { return func(s *Store) { s.logger = l } }
func WithClock(now func() time.Time) Option  { return func(s *Store) { s.now = now } }

func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:     cfg,
		entries: make(map[string]*entry),
		order:   list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.index == nil {
		s.index = index.New()
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	if s.cfg.FlushConcurrency <= 0 {
		s.cfg.FlushConcurrency = 1
	}
	return s
}

// SetGroupHooks installs the group manager callbacks.
func (s *Store) SetGroupHooks(h GroupHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

func (s *Store) Config() Config             { return s.cfg }
func (s *Store) Index() *index.SessionIndex { return s.index }
func (s *Store) Capacity() int              { return s.cfg.MaxSessions }

// Create registers a new session built from init. A non-empty providedID
// must be well formed and unused; otherwise an id is generated. At capacity
// the least recently active session is evicted first.
func (s *Store) Create(ctx context.Context, init models.Session, providedID string) (*models.Session, error) {
	if providedID != "" {
		if e := apperr.ValidateID(providedID); e != nil {
			return nil, e
		}
	}
	if init.TotalSteps < 1 {
		return nil, apperr.InvalidArgument("totalSteps must be at least 1, got %d", init.TotalSteps)
	}

	now := s.now()
	sess := init.Clone()
	sess.ID = providedID
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}
	if sess.CurrentStep < 1 {
		sess.CurrentStep = 1
	}
	if sess.History == nil {
		sess.History = []models.StepRecord{}
	}
	sess.CreatedAt = now
	sess.LastActivityTime = now
	sess.Version = 1

	s.mu.Lock()
	if sess.ID == "" {
		for {
			sess.ID = models.NewID("")
			if _, taken := s.entries[sess.ID]; !taken {
				break
			}
		}
	} else if _, taken := s.entries[sess.ID]; taken {
		s.mu.Unlock()
		return nil, apperr.SessionAlreadyExists(sess.ID)
	}
	s.mu.Unlock()

	if err := s.applySize(sess); err != nil {
		return nil, err
	}

	e, removed, err := s.insert(sess, true)
	s.finishRemovals(ctx, removed)
	if err != nil {
		return nil, err
	}
	s.created.Add(1)
	s.logger.WithSession(sess.ID).Debug("session created",
		"technique", sess.Technique, "group_id", sess.ParallelGroupID, "status", sess.Status)
	return e.session.Load().Clone(), nil
}

// applySize caches the serialized size on sess, rejecting oversize sessions.
func (s *Store) applySize(sess *models.Session) error {
	size, err := store.SessionSize(sess)
	if err != nil {
		return apperr.Internal(err)
	}
	if s.cfg.MaxSessionSize > 0 && size > s.cfg.MaxSessionSize {
		return apperr.SessionTooLarge(sess.ID, size, s.cfg.MaxSessionSize)
	}
	sess.SizeBytes = size
	return nil
}

// insert adds sess, evicting as needed. When mustBeNew is false and the id
// is already present, the existing entry is returned.
func (s *Store) insert(sess *models.Session, mustBeNew bool) (*entry, []removal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[sess.ID]; ok {
		if mustBeNew {
			return nil, nil, apperr.SessionAlreadyExists(sess.ID)
		}
		return existing, nil, nil
	}
	if s.cfg.MaxSessions <= 0 {
		return nil, nil, apperr.MaxSessionsExceeded(s.cfg.MaxSessions)
	}

	var removed []removal
	for len(s.entries) >= s.cfg.MaxSessions {
		r, ok := s.evictOneLocked()
		if !ok {
			return nil, removed, apperr.MaxSessionsExceeded(s.cfg.MaxSessions)
		}
		removed = append(removed, r)
	}

	e := newEntry(sess)
	e.elem = s.order.PushFront(e)
	s.entries[sess.ID] = e
	s.totalBytes.Add(sess.SizeBytes)
	s.index.IndexSession(sess.ID, sess.Technique)
	s.index.UpdateStatus(sess.ID, sess.Status)
	return e, removed, nil
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Get returns a copy of the session without affecting its LRU position.
func (s *Store) Get(id string) (*models.Session, bool) {
	e := s.lookup(id)
	if e == nil || e.removed.Load() {
		return nil, false
	}
	return e.session.Load().Clone(), true
}

// Exists reports whether id is resident.
func (s *Store) Exists(id string) bool {
	e := s.lookup(id)
	return e != nil && !e.removed.Load()
}

// Update applies fn to a copy of the session under its lock and commits the
// copy if fn succeeds and the result fits the size ceiling. A rejected update
// leaves the session unchanged. Status events are published after the lock
// is released.
func (s *Store) Update(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, apperr.SessionNotFound(id)
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	next, statusChanged, err := s.mutateLocked(e, fn)
	e.release()
	if err != nil {
		return nil, err
	}

	if statusChanged {
		s.publishStatus(next)
	}
	return next.Clone(), nil
}

// mutateLocked runs fn and commits the result. Caller holds e's lock.
func (s *Store) mutateLocked(e *entry, fn func(*models.Session) error) (*models.Session, bool, error) {
	if e.removed.Load() {
		return nil, false, apperr.SessionNotFound(e.id)
	}

	cur := e.session.Load()
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, false, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.LastActivityTime = s.now()
	next.Version = cur.Version + 1
	if err := s.applySize(next); err != nil {
		return nil, false, err
	}

	e.session.Store(next)
	s.totalBytes.Add(next.SizeBytes - e.size.Swap(next.SizeBytes))

	s.mu.Lock()
	if e.elem != nil {
		s.order.MoveToFront(e.elem)
	}
	s.mu.Unlock()

	if next.Technique != cur.Technique {
		s.index.IndexSession(next.ID, next.Technique)
	}
	if next.Status != cur.Status {
		s.index.UpdateStatus(next.ID, next.Status)
		return next, true, nil
	}
	return next, false, nil
}

func (s *Store) publishStatus(sess *models.Session) {
	if s.bus == nil {
		return
	}
	switch sess.Status {
	case models.SessionStatusCompleted:
		s.bus.Publish(event.NewSessionCompletedEvent(sess.ParallelGroupID, sess.ID))
	case models.SessionStatusFailed:
		s.bus.Publish(event.NewSessionFailedEvent(sess.ParallelGroupID, sess.ID, sess.FailureReason))
	}
}

// AppendStep records one step: appends to history and insights, advances
// currentStep (never backwards) and touches lastActivityTime, all or nothing.
func (s *Store) AppendStep(ctx context.Context, id string, rec models.StepRecord, insights ...string) (*models.Session, error) {
	return s.Update(ctx, id, func(sess *models.Session) error {
		if sess.Status.Terminal() {
			return apperr.New(apperr.CodeInvalidStep, "session %s is %s and accepts no more steps", id, sess.Status).
				WithDetail("status", sess.Status).
				WithSuggestions("Start a new session to continue working on this problem")
		}
		if rec.Technique == "" {
			rec.Technique = sess.Technique
		}
		if rec.Technique != sess.Technique {
			return apperr.TechniqueMismatch(id, string(sess.Technique), string(rec.Technique))
		}
		if rec.Step < 1 || rec.Step > sess.TotalSteps {
			return apperr.InvalidStep(rec.Step, sess.TotalSteps)
		}
		if err := rec.Validate(sess.TotalSteps); err != nil {
			return apperr.InvalidArgument("invalid step payload: %v", err)
		}
		rec = rec.Clone()
		rec.RecordedAt = s.now()
		sess.History = append(sess.History, rec)
		sess.Insights = append(sess.Insights, insights...)
		if rec.Step > sess.CurrentStep {
			sess.CurrentStep = rec.Step
		}
		if sess.Status == models.SessionStatusPending {
			sess.Status = models.SessionStatusActive
		}
		return nil
	})
}

// SetStatus changes the session status. Terminal statuses are absorbing:
// moving between them is rejected, repeating one is a no-op.
func (s *Store) SetStatus(ctx context.Context, id string, status models.SessionStatus, reason string) (*models.Session, error) {
	return s.Update(ctx, id, func(sess *models.Session) error {
		if sess.Status == status {
			return nil
		}
		if sess.Status.Terminal() {
			return apperr.SessionConflict(id, "status change from "+string(sess.Status))
		}
		sess.Status = status
		if status == models.SessionStatusFailed {
			sess.FailureReason = reason
		}
		return nil
	})
}

// Touch refreshes lastActivityTime and LRU position without other changes.
func (s *Store) Touch(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		return apperr.SessionNotFound(id)
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if e.removed.Load() {
		return apperr.SessionNotFound(id)
	}

	cur := e.session.Load()
	next := cur.Clone()
	next.LastActivityTime = s.now()
	e.session.Store(next)

	s.mu.Lock()
	if e.elem != nil {
		s.order.MoveToFront(e.elem)
	}
	s.mu.Unlock()
	return nil
}

// Delete removes a session from memory and persistence. It reports whether
// the session existed in either.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	found := false
	var removed []removal

	if e := s.lookup(id); e != nil {
		if err := e.acquire(ctx); err != nil {
			return false, err
		}
		s.mu.Lock()
		if !e.removed.Load() {
			removed = append(removed, s.removeLocked(e, reasonDeleted))
			found = true
		}
		s.mu.Unlock()
		e.release()
	}
	s.notifyRemovals(ctx, removed)

	if s.adapter == nil {
		return found, nil
	}
	err := s.retry(ctx, func() error { return s.adapter.Delete(ctx, id) })
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return found, nil
	default:
		return found, apperr.Wrap(err, apperr.CodePersistenceWriteFailed, "delete persisted session %s", id)
	}
}

// List returns copies of all resident sessions, most recently active first.
func (s *Store) List() []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.entries))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).session.Load().Clone())
	}
	return out
}

// Count returns the number of resident sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// GetTotalMemoryUsage returns the summed cached size of resident sessions.
func (s *Store) GetTotalMemoryUsage() int64 {
	return s.totalBytes.Load()
}

// GetSessionSize returns the cached serialized size of one session.
func (s *Store) GetSessionSize(id string) (int64, bool) {
	e := s.lookup(id)
	if e == nil || e.removed.Load() {
		return 0, false
	}
	return e.size.Load(), true
}

func (s *Store) Stats() Stats {
	return Stats{
		Sessions:    s.Count(),
		MaxSessions: s.cfg.MaxSessions,
		TotalBytes:  s.totalBytes.Load(),
		Created:     s.created.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}
}
