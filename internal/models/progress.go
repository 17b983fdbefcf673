package models

import "time"

// ProgressStatus is the per-session state reported to the progress coordinator.
type ProgressStatus string

const (
	ProgressWaiting    ProgressStatus = "waiting"
	ProgressStarted    ProgressStatus = "started"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

// Terminal reports whether the member can make no further progress.
func (s ProgressStatus) Terminal() bool {
	return s == ProgressCompleted || s == ProgressFailed
}

// ProgressRecord is a derived, ephemeral projection of a session step event.
type ProgressRecord struct {
	SessionID   string         `json:"session_id"`
	GroupID     string         `json:"group_id,omitempty"`
	Status      ProgressStatus `json:"status"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	Timestamp   time.Time      `json:"timestamp"`
}
