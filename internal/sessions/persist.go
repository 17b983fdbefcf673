package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/store"
)

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// retry runs op with bounded exponential backoff. store.ErrNotFound is
// permanent and returned unchanged.
func (s *Store) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		b.InitialInterval = s.cfg.InitialBackoff
		b.MaxInterval = 32 * s.cfg.InitialBackoff
	}
	b.MaxElapsedTime = 0

	retries := s.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if isNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Persist saves the current snapshot of id. The I/O runs without the session
// lock; the lock is re-acquired afterwards to record the saved version, and
// a session removed in the meantime yields SESSION_CONFLICT.
func (s *Store) Persist(ctx context.Context, id string) error {
	if s.adapter == nil {
		return nil
	}
	e := s.lookup(id)
	if e == nil {
		return apperr.SessionNotFound(id)
	}
	snap := e.session.Load()

	if err := s.retry(ctx, func() error { return s.adapter.Save(ctx, snap) }); err != nil {
		return apperr.Wrap(err, apperr.CodePersistenceWriteFailed, "persist session %s", id)
	}

	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if e.removed.Load() {
		return apperr.SessionConflict(id, "persist")
	}
	if snap.Version > e.persistedVersion.Load() {
		e.persistedVersion.Store(snap.Version)
	}
	return nil
}

// Load returns the session, reading it from persistence into memory when it
// is not resident. Concurrent loads of the same id share one read.
func (s *Store) Load(ctx context.Context, id string) (*models.Session, error) {
	if sess, ok := s.Get(id); ok {
		return sess, nil
	}
	if e := apperr.ValidateID(id); e != nil {
		return nil, e
	}
	if s.adapter == nil {
		return nil, apperr.SessionNotFound(id)
	}

	v, err, _ := s.loads.Do(id, func() (any, error) {
		var snap *models.Session
		err := s.retry(ctx, func() error {
			var err error
			snap, err = s.adapter.Load(ctx, id)
			return err
		})
		if isNotFound(err) {
			return nil, apperr.SessionNotFound(id)
		}
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodePersistenceReadFailed, "load session %s", id)
		}

		snap.ID = id
		snap.LastActivityTime = s.now()
		if err := s.applySize(snap); err != nil {
			return nil, err
		}
		e, removed, err := s.insert(snap, false)
		s.finishRemovals(ctx, removed)
		if err != nil {
			return nil, err
		}
		e.persistedVersion.Store(snap.Version)
		s.logger.WithSession(id).Debug("session loaded from persistence")
		return e.session.Load(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Session).Clone(), nil
}

// FlushAll persists every resident session changed since its last save,
// with bounded concurrency. It returns the number saved.
func (s *Store) FlushAll(ctx context.Context) (int, error) {
	if s.adapter == nil {
		return 0, nil
	}

	s.mu.RLock()
	var dirty []string
	for id, e := range s.entries {
		if e.session.Load().Version > e.persistedVersion.Load() {
			dirty = append(dirty, id)
		}
	}
	s.mu.RUnlock()

	start := time.Now()
	var saved int64
	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.cfg.FlushConcurrency)
	results := make([]bool, len(dirty))
	for i, id := range dirty {
		p.Go(func(ctx context.Context) error {
			err := s.Persist(ctx, id)
			if apperr.Is(err, apperr.CodeSessionConflict) || apperr.Is(err, apperr.CodeSessionNotFound) {
				return nil
			}
			if err == nil {
				results[i] = true
			}
			return err
		})
	}
	err := p.Wait()
	for _, ok := range results {
		if ok {
			saved++
		}
	}

	s.logger.Info("flushed sessions", "saved", saved, "dirty", len(dirty), "duration", time.Since(start).String())
	return int(saved), err
}
