package engine

import (
	"time"

	"github.com/joescharf/thinkflow/internal/health"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/sessions"
	"github.com/joescharf/thinkflow/internal/techniques"
)

// DiscoverResult lists the techniques a caller may plan with.
type DiscoverResult struct {
	Problem    string            `json:"problem"`
	Techniques []techniques.Info `json:"techniques"`
	NextCall   string            `json:"next_call"`
}

// PlanRequest asks for a plan over one or more techniques.
type PlanRequest struct {
	Problem    string             `json:"problem"`
	Techniques []models.Technique `json:"techniques"`
}

// Plan is a registered plan. Execute calls reference it by PlanID.
type Plan struct {
	PlanID     string                      `json:"plan_id"`
	Problem    string                      `json:"problem"`
	Techniques []models.Technique          `json:"techniques"`
	TotalSteps map[models.Technique]int    `json:"total_steps"`
	Sessions   map[models.Technique]string `json:"sessions,omitempty"`
	CreatedAt  time.Time                   `json:"created_at"`
}

func (p *Plan) clone() *Plan {
	c := *p
	c.Techniques = append([]models.Technique(nil), p.Techniques...)
	c.TotalSteps = make(map[models.Technique]int, len(p.TotalSteps))
	for k, v := range p.TotalSteps {
		c.TotalSteps[k] = v
	}
	c.Sessions = make(map[models.Technique]string, len(p.Sessions))
	for k, v := range p.Sessions {
		c.Sessions[k] = v
	}
	return &c
}

// StepRequest is one execute_thinking_step call. Either SessionID names an
// existing session, or PlanID and Technique select or create one.
type StepRequest struct {
	PlanID         string              `json:"plan_id,omitempty"`
	SessionID      string              `json:"session_id,omitempty"`
	Technique      models.Technique    `json:"technique,omitempty"`
	Problem        string              `json:"problem,omitempty"`
	CurrentStep    int                 `json:"current_step"`
	TotalSteps     int                 `json:"total_steps,omitempty"`
	Output         string              `json:"output"`
	NextStepNeeded bool                `json:"next_step_needed"`
	Payload        *models.StepPayload `json:"payload,omitempty"`
	Insights       []string            `json:"insights,omitempty"`
	Extensions     map[string]any      `json:"extensions,omitempty"`
}

// StepResult is returned after a step is recorded.
type StepResult struct {
	SessionID      string               `json:"session_id"`
	PlanID         string               `json:"plan_id,omitempty"`
	GroupID        string               `json:"group_id,omitempty"`
	Technique      models.Technique     `json:"technique"`
	CurrentStep    int                  `json:"current_step"`
	TotalSteps     int                  `json:"total_steps"`
	Status         models.SessionStatus `json:"status"`
	NextStepNeeded bool                 `json:"next_step_needed"`
	Progress       float64              `json:"progress"`
	Guidance       string               `json:"guidance,omitempty"`
}

// CreateSessionRequest creates a standalone session outside the three-call
// workflow.
type CreateSessionRequest struct {
	SessionID  string           `json:"session_id,omitempty"`
	Technique  models.Technique `json:"technique"`
	Problem    string           `json:"problem"`
	TotalSteps int              `json:"total_steps,omitempty"`
}

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	Technique models.Technique     `json:"technique,omitempty"`
	Status    models.SessionStatus `json:"status,omitempty"`
	GroupID   string               `json:"group_id,omitempty"`
}

// Stats is the coordinator-wide status report.
type Stats struct {
	Sessions      sessions.Stats           `json:"sessions"`
	Memory        sessions.MemoryReport    `json:"memory"`
	ByStatus      map[string]int           `json:"by_status"`
	ByTechnique   map[string]int           `json:"by_technique"`
	Groups        GroupStats               `json:"groups"`
	Plans         int                      `json:"plans"`
	GuardClients  int                      `json:"guard_clients"`
	Health        *health.HealthScore      `json:"health"`
	HealthStatus  string                   `json:"health_status"`
	Operations    map[string]OperationStat `json:"operations,omitempty"`
	EventHandlers int                      `json:"event_handlers"`
}

// GroupStats counts tracked groups by state.
type GroupStats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Completed  int `json:"completed"`
	Partial    int `json:"partial_success"`
	Failed     int `json:"failed"`
	Deadlocked int `json:"deadlocked"`
}
