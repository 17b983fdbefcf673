package sessions

import (
	"context"

	"github.com/joescharf/thinkflow/internal/event"
	"github.com/joescharf/thinkflow/internal/models"
)

const (
	reasonLRU     = string(event.EvictionLRU)
	reasonTTL     = string(event.EvictionTTL)
	reasonDeleted = "deleted"
)

// removal describes a session taken out of the registry, processed after
// all locks are released.
type removal struct {
	session     *models.Session
	reason      string
	groupActive bool
}

// groupActiveLocked reports whether sess is a live member of a non-terminal
// group. Caller holds mu.
func (s *Store) groupActiveLocked(sess *models.Session) bool {
	return sess.ParallelGroupID != "" &&
		!sess.Status.Terminal() &&
		s.hooks != nil &&
		s.hooks.IsGroupActive(sess.ParallelGroupID)
}

// groupFormingLocked reports whether sess belongs to a group that is still
// creating its members. Caller holds mu.
func (s *Store) groupFormingLocked(sess *models.Session) bool {
	return sess.ParallelGroupID != "" &&
		s.hooks != nil &&
		s.hooks.IsGroupForming(sess.ParallelGroupID)
}

// removeLocked unlinks e. Caller holds mu and e's lock.
func (s *Store) removeLocked(e *entry, reason string) removal {
	sess := e.session.Load()
	r := removal{session: sess, reason: reason, groupActive: s.groupActiveLocked(sess)}

	e.removed.Store(true)
	delete(s.entries, e.id)
	if e.elem != nil {
		s.order.Remove(e.elem)
		e.elem = nil
	}
	s.totalBytes.Add(-e.size.Load())
	s.index.Remove(e.id)

	switch reason {
	case reasonLRU:
		s.evictions.Add(1)
	case reasonTTL:
		s.expirations.Add(1)
	}
	return r
}

// evictOneLocked removes the least recently active session that is not
// locked, preferring sessions outside live groups. Members of a forming
// group are skipped. Caller holds mu.
func (s *Store) evictOneLocked() (removal, bool) {
	for _, liveGroupPass := range []bool{false, true} {
		for el := s.order.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*entry)
			sess := e.session.Load()
			if s.groupActiveLocked(sess) != liveGroupPass || s.groupFormingLocked(sess) {
				continue
			}
			if !e.tryAcquire() {
				continue
			}
			r := s.removeLocked(e, reasonLRU)
			e.release()
			return r, true
		}
	}
	return removal{}, false
}

// Sweep removes sessions idle for longer than the TTL and returns how many
// were removed. Sessions locked by an in-flight mutation are skipped.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if s.cfg.TTL <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.TTL)

	var removed []removal
	s.mu.Lock()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.session.Load().LastActivityTime.Before(cutoff) && e.tryAcquire() {
			removed = append(removed, s.removeLocked(e, reasonTTL))
			e.release()
		}
		el = prev
	}
	s.mu.Unlock()

	s.finishRemovals(ctx, removed)
	if len(removed) > 0 {
		s.logger.Info("expired idle sessions", "count", len(removed), "ttl", s.cfg.TTL.String())
	}
	return len(removed), nil
}

// notifyRemovals detaches removed live-group members from their groups.
func (s *Store) notifyRemovals(ctx context.Context, removed []removal) {
	if len(removed) == 0 {
		return
	}
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	if hooks == nil {
		return
	}
	for _, r := range removed {
		if r.groupActive {
			hooks.OnSessionRemoved(ctx, r.session.ID, r.session.ParallelGroupID, r.reason)
		}
	}
}

// finishRemovals runs the side effects of eviction and expiry: group
// notification, events and best-effort persistence.
func (s *Store) finishRemovals(ctx context.Context, removed []removal) {
	s.notifyRemovals(ctx, removed)
	for _, r := range removed {
		log := s.logger.WithSession(r.session.ID)
		log.Info("session evicted", "reason", r.reason, "group_id", r.session.ParallelGroupID)

		if s.bus != nil {
			s.bus.Publish(event.NewSessionEvictedEvent(r.session.ParallelGroupID, r.session.ID, event.EvictionReason(r.reason)))
		}
		if s.adapter == nil || !s.cfg.PersistOnEvict {
			continue
		}

		snap := r.session
		if r.groupActive {
			snap = snap.Clone()
			snap.Status = models.SessionStatusFailed
			snap.FailureReason = "evicted: " + r.reason
		}
		if err := s.retry(ctx, func() error { return s.adapter.Save(ctx, snap) }); err != nil {
			log.Warn("persist evicted session failed", "error", err)
		}
	}
}
