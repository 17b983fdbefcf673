// Package converge reduces the results of a finished parallel group into a
// single output.
package converge

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/models"
)

// Result is the reduced output of a group.
type Result struct {
	GroupID  string                   `json:"group_id"`
	Method   models.ConvergenceMethod `json:"method"`
	Output   string                   `json:"output"`
	Insights []string                 `json:"insights,omitempty"`
	Sources  []string                 `json:"sources"`
	Skipped  []string                 `json:"skipped,omitempty"`
	Results  []models.SessionResult   `json:"results,omitempty"`
}

// Strategy reduces member results. Only completed results are passed in.
type Strategy interface {
	Converge(ctx context.Context, g *models.ParallelSessionGroup, completed []models.SessionResult) (*Result, error)
}

// Converger dispatches on the group's configured method.
type Converger struct {
	strategies map[models.ConvergenceMethod]Strategy
}

// New returns a Converger with merge registered. synth may be nil, in which
// case llm_synthesis is rejected.
func New(synth Strategy) *Converger {
	c := &Converger{strategies: map[models.ConvergenceMethod]Strategy{
		models.ConvergenceMerge: Merger{},
	}}
	if synth != nil {
		c.strategies[models.ConvergenceLLMSynthesis] = synth
	}
	return c
}

// Converge reduces results with the group's method, or override when set.
// The group must be terminal.
func (c *Converger) Converge(ctx context.Context, g *models.ParallelSessionGroup, results []models.SessionResult, override models.ConvergenceMethod) (*Result, error) {
	if !g.Status.Terminal() {
		var outstanding []string
		for _, id := range g.SessionIDs {
			if !slices.Contains(g.CompletedSessions, id) && !slices.Contains(g.FailedSessions, id) {
				outstanding = append(outstanding, id)
			}
		}
		return nil, apperr.DependenciesNotMet("group "+g.GroupID, outstanding).WithDetail("group_id", g.GroupID)
	}

	method := g.ConvergenceOptions.Method
	if override != "" {
		method = override
	}
	if method == "" {
		method = models.ConvergenceMerge
	}

	var completed []models.SessionResult
	var skipped []string
	for _, r := range results {
		if r.Completed {
			completed = append(completed, r)
		} else {
			skipped = append(skipped, r.SessionID)
		}
	}

	if method == models.ConvergenceNone {
		return &Result{GroupID: g.GroupID, Method: method, Sources: ids(completed), Skipped: skipped, Results: results}, nil
	}
	strategy, ok := c.strategies[method]
	if !ok {
		return nil, apperr.InvalidArgument("convergence method %q is not available", method).
			WithDetail("method", method)
	}
	if len(completed) == 0 {
		return nil, apperr.InvalidArgument("group %s has no completed sessions to converge", g.GroupID).
			WithDetail("skipped", skipped)
	}

	out, err := strategy.Converge(ctx, g, completed)
	if err != nil {
		return nil, fmt.Errorf("converge group %s with %s: %w", g.GroupID, method, err)
	}
	out.GroupID = g.GroupID
	out.Method = method
	out.Sources = ids(completed)
	out.Skipped = skipped
	return out, nil
}

func ids(results []models.SessionResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.SessionID)
	}
	return out
}

// Merger concatenates final outputs in member order and unions insights.
type Merger struct{}

func (Merger) Converge(_ context.Context, _ *models.ParallelSessionGroup, completed []models.SessionResult) (*Result, error) {
	var sb strings.Builder
	var insights []string
	seen := make(map[string]bool)
	for i, r := range completed {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s (%s)\n", r.Technique, r.SessionID)
		sb.WriteString(strings.TrimSpace(r.FinalOutput))
		for _, in := range r.Insights {
			if key := strings.ToLower(strings.TrimSpace(in)); key != "" && !seen[key] {
				seen[key] = true
				insights = append(insights, in)
			}
		}
	}
	return &Result{Output: sb.String(), Insights: insights}, nil
}
