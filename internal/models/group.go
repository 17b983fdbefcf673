package models

import (
	"slices"
	"time"
)

// GroupStatus represents the state of a parallel session group.
type GroupStatus string

const (
	GroupStatusPending        GroupStatus = "pending"
	GroupStatusRunning        GroupStatus = "running"
	GroupStatusCompleted      GroupStatus = "completed"
	GroupStatusPartialSuccess GroupStatus = "partial_success"
	GroupStatusFailed         GroupStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s GroupStatus) Terminal() bool {
	switch s {
	case GroupStatusCompleted, GroupStatusPartialSuccess, GroupStatusFailed:
		return true
	}
	return false
}

// ConvergenceMethod selects how completed session results are reduced.
type ConvergenceMethod string

const (
	ConvergenceNone         ConvergenceMethod = "none"
	ConvergenceMerge        ConvergenceMethod = "merge"
	ConvergenceLLMSynthesis ConvergenceMethod = "llm_synthesis"
)

// ConvergenceOptions is carried on a group without interpretation by the core.
type ConvergenceOptions struct {
	Method ConvergenceMethod `json:"method,omitempty"`
	Prompt string            `json:"prompt,omitempty"`
}

// SessionPlan describes one session to create inside a group.
type SessionPlan struct {
	PlanID     string         `json:"plan_id"`
	Technique  Technique      `json:"technique"`
	Problem    string         `json:"problem"`
	TotalSteps int            `json:"total_steps,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ParallelSessionGroup is a set of sessions created together.
type ParallelSessionGroup struct {
	GroupID            string              `json:"group_id"`
	SessionIDs         []string            `json:"session_ids"`
	Dependencies       map[string][]string `json:"dependencies"`
	CompletedSessions  []string            `json:"completed_sessions"`
	FailedSessions     []string            `json:"failed_sessions"`
	Status             GroupStatus         `json:"status"`
	CreatedAt          time.Time           `json:"created_at"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	ConvergenceOptions ConvergenceOptions  `json:"convergence_options"`
}

// Clone returns a deep copy.
func (g *ParallelSessionGroup) Clone() *ParallelSessionGroup {
	if g == nil {
		return nil
	}
	c := *g
	c.SessionIDs = slices.Clone(g.SessionIDs)
	c.CompletedSessions = slices.Clone(g.CompletedSessions)
	c.FailedSessions = slices.Clone(g.FailedSessions)
	c.Dependencies = make(map[string][]string, len(g.Dependencies))
	for k, v := range g.Dependencies {
		c.Dependencies[k] = slices.Clone(v)
	}
	if g.StartedAt != nil {
		t := *g.StartedAt
		c.StartedAt = &t
	}
	if g.CompletedAt != nil {
		t := *g.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SessionResult is the extracted outcome of one group member.
type SessionResult struct {
	SessionID   string        `json:"session_id"`
	Technique   Technique     `json:"technique"`
	Status      SessionStatus `json:"status"`
	Completed   bool          `json:"completed"`
	StepsDone   int           `json:"steps_done"`
	TotalSteps  int           `json:"total_steps"`
	FinalOutput string        `json:"final_output,omitempty"`
	Insights    []string      `json:"insights,omitempty"`
	Error       string        `json:"error,omitempty"`
}
