package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/event"
	"github.com/joescharf/thinkflow/internal/models"
)

type fakeSessions map[string]*models.Session

func (f fakeSessions) Get(id string) (*models.Session, bool) {
	s, ok := f[id]
	return s, ok
}

type fakeGroups map[string]*models.ParallelSessionGroup

func (f fakeGroups) GetGroup(id string) (*models.ParallelSessionGroup, error) {
	g, ok := f[id]
	if !ok {
		return nil, apperr.GroupNotFound(id)
	}
	return g, nil
}

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func withSteps(id string, status models.SessionStatus, total int, steps ...int) *models.Session {
	s := &models.Session{ID: id, Technique: models.TechniqueNineWindows, TotalSteps: total, Status: status, CurrentStep: 1}
	for _, n := range steps {
		s.History = append(s.History, models.StepRecord{Step: n})
		s.CurrentStep = n
	}
	return s
}

func group(id string, members ...string) *models.ParallelSessionGroup {
	start := t0
	return &models.ParallelSessionGroup{GroupID: id, SessionIDs: members, Status: models.GroupStatusRunning, CreatedAt: t0, StartedAt: &start}
}

func TestGetGroupProgress_WeightsByStepCount(t *testing.T) {
	sess := fakeSessions{
		"long":  withSteps("long", models.SessionStatusActive, 9, 1, 2, 3),
		"short": withSteps("short", models.SessionStatusCompleted, 3, 1, 2, 3),
	}
	c := New(sess, fakeGroups{"g": group("g", "long", "short")}, WithClock(func() time.Time { return t0.Add(time.Minute) }))

	p, err := c.GetGroupProgress("g")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.OverallProgress, 1e-9)
	assert.Equal(t, 6, p.CompletedSteps)
	assert.Equal(t, 12, p.TotalSteps)
	require.Len(t, p.Members, 2)
	assert.Equal(t, models.ProgressInProgress, p.Members[0].Status)
	assert.Equal(t, models.ProgressCompleted, p.Members[1].Status)
	assert.InDelta(t, 1.0/3, p.Members[0].Progress, 1e-9)
}

func TestEstimateTimeRemaining(t *testing.T) {
	now := t0.Add(10 * time.Minute)
	clock := func() time.Time { return now }

	t.Run("undefined before any progress", func(t *testing.T) {
		sess := fakeSessions{"a": withSteps("a", models.SessionStatusActive, 4)}
		c := New(sess, fakeGroups{"g": group("g", "a")}, WithClock(clock))
		d, ok, err := c.EstimateTimeRemaining("g")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, d)

		p, err := c.GetGroupProgress("g")
		require.NoError(t, err)
		assert.Nil(t, p.EstimatedRemainingMS)
	})

	t.Run("elapsed over progress", func(t *testing.T) {
		sess := fakeSessions{"a": withSteps("a", models.SessionStatusActive, 4, 1, 2)}
		c := New(sess, fakeGroups{"g": group("g", "a")}, WithClock(clock))
		d, ok, err := c.EstimateTimeRemaining("g")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 10*time.Minute, d)
	})

	t.Run("zero when done", func(t *testing.T) {
		sess := fakeSessions{"a": withSteps("a", models.SessionStatusCompleted, 4, 1)}
		c := New(sess, fakeGroups{"g": group("g", "a")}, WithClock(clock))
		d, ok, err := c.EstimateTimeRemaining("g")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, d)
	})

	t.Run("unknown group", func(t *testing.T) {
		c := New(fakeSessions{}, fakeGroups{}, WithClock(clock))
		_, _, err := c.EstimateTimeRemaining("missing")
		assert.True(t, apperr.Is(err, apperr.CodeGroupNotFound))
	})
}

func TestMemberStatusDerivation(t *testing.T) {
	sess := fakeSessions{
		"pending": withSteps("pending", models.SessionStatusPending, 3),
		"fresh":   withSteps("fresh", models.SessionStatusActive, 3),
		"working": withSteps("working", models.SessionStatusActive, 3, 1),
		"failed":  withSteps("failed", models.SessionStatusFailed, 3, 1),
	}
	c := New(sess, fakeGroups{"g": group("g", "pending", "fresh", "working", "failed", "evicted")})

	p, err := c.GetGroupProgress("g")
	require.NoError(t, err)
	got := map[string]models.ProgressStatus{}
	for _, m := range p.Members {
		got[m.SessionID] = m.Status
	}
	assert.Equal(t, map[string]models.ProgressStatus{
		"pending": models.ProgressWaiting,
		"fresh":   models.ProgressStarted,
		"working": models.ProgressInProgress,
		"failed":  models.ProgressFailed,
		"evicted": models.ProgressFailed,
	}, got)
}

func TestReportProgress_OverridesActiveStatus(t *testing.T) {
	sess := fakeSessions{"a": withSteps("a", models.SessionStatusActive, 3, 1)}
	c := New(sess, fakeGroups{"g": group("g", "a")})

	require.NoError(t, c.ReportProgress(models.ProgressRecord{SessionID: "a", GroupID: "g", Status: models.ProgressStarted, CurrentStep: 1, TotalSteps: 3}))
	p, err := c.GetGroupProgress("g")
	require.NoError(t, err)
	assert.Equal(t, models.ProgressStarted, p.Members[0].Status)

	assert.Error(t, c.ReportProgress(models.ProgressRecord{}))
}

func TestReportProgress_DurationSamplesBounded(t *testing.T) {
	c := New(fakeSessions{}, fakeGroups{}, WithSampleWindow(2))

	at := t0
	for step, gap := range []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second} {
		at = at.Add(gap)
		require.NoError(t, c.ReportProgress(models.ProgressRecord{SessionID: "a", CurrentStep: step + 1, TotalSteps: 4, Status: models.ProgressInProgress, Timestamp: at}))
	}

	c.mu.Lock()
	mean := c.durations["a"].mean()
	c.mu.Unlock()
	assert.Equal(t, 4*time.Second, mean)

	rec, ok := c.Latest("a")
	require.True(t, ok)
	assert.Equal(t, 4, rec.CurrentStep)

	c.Forget("a")
	_, ok = c.Latest("a")
	assert.False(t, ok)
}

func TestReportProgress_PublishesEvent(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()
	ch, cancel := bus.SubscribeChan(event.TypeProgressUpdated, 1)
	defer cancel()

	c := New(fakeSessions{}, fakeGroups{}, WithBus(bus))
	require.NoError(t, c.ReportProgress(models.ProgressRecord{SessionID: "a", GroupID: "g", CurrentStep: 2}))

	select {
	case e := <-ch:
		ev := e.(event.ProgressUpdatedEvent)
		assert.Equal(t, "a", ev.Record.SessionID)
		assert.Equal(t, "g", ev.GroupID())
	case <-time.After(time.Second):
		t.Fatal("no progress event")
	}
}

func TestCheckForDeadlock(t *testing.T) {
	tests := []struct {
		name     string
		sessions fakeSessions
		want     bool
	}{
		{
			name: "dependency failed, dependent waiting",
			sessions: fakeSessions{
				"a": withSteps("a", models.SessionStatusFailed, 3, 1),
				"b": withSteps("b", models.SessionStatusPending, 3),
			},
			want: true,
		},
		{
			name: "runnable member exists",
			sessions: fakeSessions{
				"a": withSteps("a", models.SessionStatusActive, 3),
				"b": withSteps("b", models.SessionStatusPending, 3),
			},
			want: false,
		},
		{
			name: "everything finished",
			sessions: fakeSessions{
				"a": withSteps("a", models.SessionStatusCompleted, 3),
				"b": withSteps("b", models.SessionStatusFailed, 3),
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.sessions, fakeGroups{"g": group("g", "a", "b")})
			got, err := c.CheckForDeadlock("g")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckForDeadlock_PublishesOnce(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()
	var mu sync.Mutex
	var got []event.GroupDeadlockedEvent
	bus.Subscribe(event.TypeGroupDeadlocked, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.(event.GroupDeadlockedEvent))
	})

	sess := fakeSessions{
		"a": withSteps("a", models.SessionStatusFailed, 3, 1),
		"b": withSteps("b", models.SessionStatusPending, 3),
	}
	c := New(sess, fakeGroups{"g": group("g", "a", "b")}, WithBus(bus))
	for range 3 {
		ok, err := c.CheckForDeadlock("g")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"b"}, got[0].Waiting)
}

func TestGroupTerminal_PublishesCompletion(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()
	ch, cancel := bus.SubscribeChan(event.TypeGroupCompleted, 1)
	defer cancel()

	c := New(fakeSessions{}, fakeGroups{}, WithBus(bus))
	require.NoError(t, c.ReportProgress(models.ProgressRecord{SessionID: "a", CurrentStep: 1}))

	g := group("g", "a", "b")
	g.Status = models.GroupStatusPartialSuccess
	g.CompletedSessions = []string{"a"}
	g.FailedSessions = []string{"b"}
	results := []models.SessionResult{{SessionID: "a", Completed: true}, {SessionID: "b", Error: "failed"}}
	c.GroupTerminal(context.Background(), g, results)

	e := <-ch
	ev := e.(event.GroupCompletedEvent)
	assert.False(t, ev.Success)
	assert.Equal(t, models.GroupStatusPartialSuccess, ev.Status)
	assert.Len(t, ev.PartialResults, 2)

	_, ok := c.Latest("a")
	assert.False(t, ok)
}
