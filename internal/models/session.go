package models

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether no further steps may be recorded.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// Session is a resumable multi-step unit of work.
type Session struct {
	ID               string         `json:"id"`
	Technique        Technique      `json:"technique"`
	Problem          string         `json:"problem"`
	PlanID           string         `json:"plan_id,omitempty"`
	CurrentStep      int            `json:"current_step"`
	TotalSteps       int            `json:"total_steps"`
	History          []StepRecord   `json:"history"`
	Status           SessionStatus  `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActivityTime time.Time      `json:"last_activity_time"`
	SizeBytes        int64          `json:"size_bytes"`
	ParallelGroupID  string         `json:"parallel_group_id,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	Insights         []string       `json:"insights,omitempty"`
	Extensions       map[string]any `json:"extensions,omitempty"`
	Version          int64          `json:"version"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = make([]StepRecord, len(s.History))
	for i, r := range s.History {
		c.History[i] = r.Clone()
	}
	c.DependsOn = slices.Clone(s.DependsOn)
	c.Insights = slices.Clone(s.Insights)
	c.Extensions = maps.Clone(s.Extensions)
	return &c
}

// HighestStep returns the largest step number recorded in history, or 0.
func (s *Session) HighestStep() int {
	highest := 0
	for _, r := range s.History {
		if r.Step > highest {
			highest = r.Step
		}
	}
	return highest
}

// CompletedSteps returns how many of TotalSteps count as done for progress.
func (s *Session) CompletedSteps() int {
	if s.Status == SessionStatusCompleted {
		return s.TotalSteps
	}
	return min(s.HighestStep(), s.TotalSteps)
}

// LastOutput returns the output of the most recent step, if any.
func (s *Session) LastOutput() string {
	if len(s.History) == 0 {
		return ""
	}
	return s.History[len(s.History)-1].Output
}

// StepRecord is one recorded step execution.
type StepRecord struct {
	Step       int            `json:"step"`
	Technique  Technique      `json:"technique"`
	Output     string         `json:"output"`
	Payload    *StepPayload   `json:"payload,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Clone returns a deep copy of the record.
func (r StepRecord) Clone() StepRecord {
	c := r
	if r.Payload != nil {
		p := r.Payload.clone()
		c.Payload = &p
	}
	c.Extensions = maps.Clone(r.Extensions)
	return c
}

// Validate checks the record against the session it is being appended to.
func (r StepRecord) Validate(totalSteps int) error {
	if r.Step < 1 || r.Step > totalSteps {
		return fmt.Errorf("step %d outside 1..%d", r.Step, totalSteps)
	}
	if r.Payload != nil {
		if err := r.Payload.Validate(); err != nil {
			return err
		}
		if r.Payload.Kind != PayloadKindGeneric && Technique(r.Payload.Kind) != r.Technique {
			return fmt.Errorf("payload kind %q does not match technique %q", r.Payload.Kind, r.Technique)
		}
	}
	return nil
}
