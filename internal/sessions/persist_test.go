package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/models"
)

func TestPersist_RetriesTransientFailures(t *testing.T) {
	a := newMemAdapter()
	a.saveFailures = 2
	s := newTestStore(t, testConfig(10), WithAdapter(a))
	mustCreate(t, s, "s1")

	require.NoError(t, s.Persist(context.Background(), "s1"))
	assert.Equal(t, 3, a.saves)
	_, ok := a.get("s1")
	assert.True(t, ok)
}

func TestPersist_SurfacesAfterRetriesExhaust(t *testing.T) {
	a := newMemAdapter()
	a.saveFailures = 100
	cfg := testConfig(10)
	cfg.MaxRetries = 2
	s := newTestStore(t, cfg, WithAdapter(a))
	mustCreate(t, s, "s1")

	err := s.Persist(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodePersistenceWriteFailed))
	e, _ := apperr.As(err)
	assert.True(t, e.Retryable())
	assert.Equal(t, 3, a.saves, "one attempt plus two retries")
}

func TestLoad_NotFoundIsNotRetried(t *testing.T) {
	a := newMemAdapter()
	s := newTestStore(t, testConfig(10), WithAdapter(a))

	_, err := s.Load(context.Background(), "ghost")
	assert.True(t, apperr.Is(err, apperr.CodeSessionNotFound))
	assert.Equal(t, 1, a.loads)
}

func TestLoad_RestoresIntoMemory(t *testing.T) {
	a := newMemAdapter()
	s := newTestStore(t, testConfig(10), WithAdapter(a))
	ctx := context.Background()

	mustCreate(t, s, "s1")
	_, err := s.AppendStep(ctx, "s1", models.StepRecord{Step: 1, Output: "blue"})
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx, "s1"))

	// Drop from memory only.
	s.mu.Lock()
	e := s.entries["s1"]
	s.removeLocked(e, reasonDeleted)
	s.mu.Unlock()
	require.False(t, s.Exists("s1"))

	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
	assert.True(t, s.Exists("s1"))
	assert.Equal(t, []string{"s1"}, s.Index().GetByTechnique(models.TechniqueSixHats))
}

func TestLoad_ConcurrentCallsShareOneRead(t *testing.T) {
	a := newMemAdapter()
	a.data["s1"] = &models.Session{ID: "s1", Technique: models.TechniquePo, TotalSteps: 4, Status: models.SessionStatusActive, Version: 3}
	a.loadGate = make(chan struct{})
	s := newTestStore(t, testConfig(10), WithAdapter(a))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Load(context.Background(), "s1")
			assert.NoError(t, err)
			assert.Equal(t, "s1", got.ID)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(a.loadGate)
	wg.Wait()

	assert.Equal(t, 1, a.loads)
	assert.Equal(t, 1, s.Count())
}

func TestFlushAll_OnlyDirtySessions(t *testing.T) {
	a := newMemAdapter()
	s := newTestStore(t, testConfig(10), WithAdapter(a))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, s, id)
	}
	n, err := s.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.AppendStep(ctx, "b", models.StepRecord{Step: 1})
	require.NoError(t, err)
	n, err = s.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, _ := a.get("b")
	assert.Len(t, stored.History, 1)
}

func TestPersistOnEvict(t *testing.T) {
	a := newMemAdapter()
	hooks := &fakeHooks{active: map[string]bool{"g1": true}}
	s := newTestStore(t, testConfig(1), WithAdapter(a))
	s.SetGroupHooks(hooks)
	ctx := context.Background()

	init := initSession(models.TechniqueSixHats, 6)
	init.ParallelGroupID = "g1"
	_, err := s.Create(ctx, init, "member")
	require.NoError(t, err)
	mustCreate(t, s, "next")

	stored, ok := a.get("member")
	require.True(t, ok)
	assert.Equal(t, models.SessionStatusFailed, stored.Status)
	assert.Equal(t, "evicted: lru", stored.FailureReason)
}

func TestDelete_RemovesPersistedCopy(t *testing.T) {
	a := newMemAdapter()
	s := newTestStore(t, testConfig(10), WithAdapter(a))
	ctx := context.Background()

	mustCreate(t, s, "s1")
	require.NoError(t, s.Persist(ctx, "s1"))

	found, err := s.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, found)
	_, ok := a.get("s1")
	assert.False(t, ok)
}
