package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/thinkflow/internal/models"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(nil)

	var got Event
	id := bus.Subscribe(TypeSessionUnblocked, func(e Event) { got = e })
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, bus.SubscriptionCount())

	bus.Publish(NewSessionUnblockedEvent("g1", "s2"))

	require.NotNil(t, got)
	assert.Equal(t, TypeSessionUnblocked, got.EventType())
	assert.Equal(t, "g1", got.GroupID())
	assert.Equal(t, "s2", got.(SessionUnblockedEvent).SessionID)
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeSessionCompleted, func(Event) { order = append(order, "specific") })

	bus.Publish(NewSessionCompletedEvent("", "s1"))
	assert.Equal(t, []string{"specific", "all"}, order)
}

func TestBus_NoMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeGroupCompleted, func(Event) {
		t.Error("handler should not be called for another event type")
	})
	bus.Publish(NewSessionFailedEvent("", "s1", "boom"))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	called := false
	id := bus.Subscribe(TypeSessionFailed, func(Event) { called = true })

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	bus.Publish(NewSessionFailedEvent("", "s1", "x"))
	assert.False(t, called)
}

func TestBus_PanicRecovered(t *testing.T) {
	bus := NewBus(nil)
	second := false
	bus.Subscribe(TypeSessionFailed, func(Event) { panic("bad handler") })
	bus.Subscribe(TypeSessionFailed, func(Event) { second = true })

	assert.NotPanics(t, func() { bus.Publish(NewSessionFailedEvent("", "s1", "x")) })
	assert.True(t, second)
}

func TestBus_SubscribeChan(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.SubscribeChan(TypeGroupCompleted, 4)

	bus.Publish(NewGroupCompletedEvent("g1", models.GroupStatusCompleted, []string{"a", "b"}, nil, nil))

	select {
	case e := <-ch:
		gc := e.(GroupCompletedEvent)
		assert.True(t, gc.Success)
		assert.Equal(t, models.GroupStatusCompleted, gc.Status)
	case <-time.After(time.Second):
		t.Fatal("expected event on channel")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")
	cancel()
}

func TestBus_SubscribeChanDropsWhenFull(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.SubscribeChan(wildcard, 1)
	defer cancel()

	bus.Publish(NewSessionCompletedEvent("", "a"))
	bus.Publish(NewSessionCompletedEvent("", "b"))

	e := <-ch
	assert.Equal(t, "a", e.(SessionCompletedEvent).SessionID)
	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestBus_CloseUnsubscribesAll(t *testing.T) {
	bus := NewBus(nil)
	ch, _ := bus.SubscribeChan(wildcard, 1)
	bus.Subscribe(TypeSessionFailed, func(Event) {})

	bus.Close()
	assert.Equal(t, 0, bus.SubscriptionCount())
	_, open := <-ch
	assert.False(t, open)

	assert.Empty(t, bus.Subscribe(TypeSessionFailed, func(Event) {}))
	bus.Publish(NewSessionFailedEvent("", "s", "x"))
}

func TestBus_ConcurrentPublishAndCancel(t *testing.T) {
	bus := NewBus(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ch, cancel := bus.SubscribeChan(wildcard, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewSessionCompletedEvent("", "s"))
			}
			cancel()
		}()
	}
	wg.Wait()
}

func TestGroupCompletedEvent_SuccessOnlyWithoutFailures(t *testing.T) {
	ok := NewGroupCompletedEvent("g", models.GroupStatusCompleted, []string{"a"}, nil, nil)
	assert.True(t, ok.Success)

	partial := NewGroupCompletedEvent("g", models.GroupStatusPartialSuccess, []string{"a"}, []string{"b"}, nil)
	assert.False(t, partial.Success)
}
