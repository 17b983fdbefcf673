// Package event defines the notifications thinkflow components publish and a
// bus that delivers them to callbacks or channels.
package event

import (
	"time"

	"github.com/joescharf/thinkflow/internal/models"
)

// Event type names. Convention: "category.action".
const (
	TypeSessionUnblocked = "session.unblocked"
	TypeSessionEvicted   = "session.evicted"
	TypeSessionCompleted = "session.completed"
	TypeSessionFailed    = "session.failed"
	TypeProgressUpdated  = "progress.updated"
	TypeGroupCompleted   = "group.completed"
	TypeGroupDeadlocked  = "group.deadlocked"
)

// Event is implemented by every published notification.
type Event interface {
	EventType() string
	Timestamp() time.Time
	// GroupID returns the parallel group the event concerns, or "".
	GroupID() string
}

type baseEvent struct {
	eventType string
	timestamp time.Time
	groupID   string
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }
func (e baseEvent) GroupID() string      { return e.groupID }

func newBaseEvent(eventType, groupID string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now(), groupID: groupID}
}

// SessionUnblockedEvent is emitted when a pending group member's dependencies
// are all complete and it becomes eligible to run.
type SessionUnblockedEvent struct {
	baseEvent
	SessionID string `json:"session_id"`
}

func NewSessionUnblockedEvent(groupID, sessionID string) SessionUnblockedEvent {
	return SessionUnblockedEvent{baseEvent: newBaseEvent(TypeSessionUnblocked, groupID), SessionID: sessionID}
}

// EvictionReason says why the store dropped a session.
type EvictionReason string

const (
	EvictionLRU EvictionReason = "lru"
	EvictionTTL EvictionReason = "ttl"
)

// SessionEvictedEvent is emitted when the store removes a session without an
// explicit delete.
type SessionEvictedEvent struct {
	baseEvent
	SessionID string         `json:"session_id"`
	Reason    EvictionReason `json:"reason"`
}

func NewSessionEvictedEvent(groupID, sessionID string, reason EvictionReason) SessionEvictedEvent {
	return SessionEvictedEvent{baseEvent: newBaseEvent(TypeSessionEvicted, groupID), SessionID: sessionID, Reason: reason}
}

// SessionCompletedEvent is emitted once per session reaching completed.
type SessionCompletedEvent struct {
	baseEvent
	SessionID string `json:"session_id"`
}

func NewSessionCompletedEvent(groupID, sessionID string) SessionCompletedEvent {
	return SessionCompletedEvent{baseEvent: newBaseEvent(TypeSessionCompleted, groupID), SessionID: sessionID}
}

// SessionFailedEvent is emitted once per session reaching failed.
type SessionFailedEvent struct {
	baseEvent
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func NewSessionFailedEvent(groupID, sessionID, reason string) SessionFailedEvent {
	return SessionFailedEvent{baseEvent: newBaseEvent(TypeSessionFailed, groupID), SessionID: sessionID, Reason: reason}
}

// ProgressUpdatedEvent carries the latest progress record for a session.
type ProgressUpdatedEvent struct {
	baseEvent
	Record models.ProgressRecord `json:"record"`
}

func NewProgressUpdatedEvent(rec models.ProgressRecord) ProgressUpdatedEvent {
	return ProgressUpdatedEvent{baseEvent: newBaseEvent(TypeProgressUpdated, rec.GroupID), Record: rec}
}

// GroupCompletedEvent is emitted exactly once when a group becomes terminal.
// Success is true iff no member failed.
type GroupCompletedEvent struct {
	baseEvent
	Status            models.GroupStatus     `json:"status"`
	Success           bool                   `json:"success"`
	CompletedSessions []string               `json:"completed_sessions"`
	FailedSessions    []string               `json:"failed_sessions"`
	PartialResults    []models.SessionResult `json:"partial_results,omitempty"`
}

func NewGroupCompletedEvent(groupID string, status models.GroupStatus, completed, failed []string, partial []models.SessionResult) GroupCompletedEvent {
	return GroupCompletedEvent{
		baseEvent:         newBaseEvent(TypeGroupCompleted, groupID),
		Status:            status,
		Success:           len(failed) == 0,
		CompletedSessions: completed,
		FailedSessions:    failed,
		PartialResults:    partial,
	}
}

// GroupDeadlockedEvent is emitted when a deadlock check finds no runnable member.
type GroupDeadlockedEvent struct {
	baseEvent
	Waiting []string `json:"waiting"`
}

func NewGroupDeadlockedEvent(groupID string, waiting []string) GroupDeadlockedEvent {
	return GroupDeadlockedEvent{baseEvent: newBaseEvent(TypeGroupDeadlocked, groupID), Waiting: waiting}
}
