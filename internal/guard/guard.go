// Package guard detects out-of-order workflow calls from a client: executing
// a step before discovering techniques or planning a session.
package guard

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/models"
)

// Call names tracked by the guard.
const (
	CallDiscover = "discover_techniques"
	CallPlan     = "plan_thinking_session"
	CallExecute  = "execute_thinking_step"
)

const DefaultWindow = 50

// ViolationType names a detected workflow violation.
type ViolationType string

const (
	SkippedDiscovery ViolationType = "skipped_discovery"
	SkippedPlanning  ViolationType = "skipped_planning"
	InvalidTechnique ViolationType = "invalid_technique"
)

// Record is one observed call.
type Record struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	At   time.Time      `json:"at"`
}

// Violation carries guidance the caller can act on without a human.
type Violation struct {
	Type        ViolationType  `json:"type"`
	Message     string         `json:"message"`
	NextCall    string         `json:"next_call"`
	Example     map[string]any `json:"example"`
	Suggestions []string       `json:"suggestions"`
}

// Err converts v to the structured client error.
func (v *Violation) Err() *apperr.Error {
	var code apperr.Code
	switch v.Type {
	case SkippedDiscovery:
		code = apperr.CodeSkippedDiscovery
	case SkippedPlanning:
		code = apperr.CodeSkippedPlanning
	default:
		code = apperr.CodeInvalidTechnique
	}
	return apperr.New(code, "%s", v.Message).
		WithDetail("violation", string(v.Type)).
		WithDetail("next_call", v.NextCall).
		WithSuggestions(v.Suggestions...).
		WithExample(v.Example)
}

// Guard keeps a bounded ring of recent calls for one client.
type Guard struct {
	mu     sync.Mutex
	ring   []Record
	next   int
	full   bool
	now    func() time.Time
	window int
}

func New(window int) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{ring: make([]Record, window), window: window, now: time.Now}
}

// RecordCall appends a call, overwriting the oldest beyond the window.
func (g *Guard) RecordCall(name string, args map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ring[g.next] = Record{Name: name, Args: maps.Clone(args), At: g.now()}
	g.next = (g.next + 1) % g.window
	if g.next == 0 {
		g.full = true
	}
}

// History returns recorded calls, oldest first.
func (g *Guard) History() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.historyLocked()
}

func (g *Guard) historyLocked() []Record {
	if !g.full {
		return append([]Record(nil), g.ring[:g.next]...)
	}
	out := make([]Record, 0, g.window)
	out = append(out, g.ring[g.next:]...)
	return append(out, g.ring[:g.next]...)
}

// CheckViolation inspects a call before it runs. Execute calls are checked
// for skipped discovery, then skipped planning, then an unknown technique;
// plan calls only for unknown techniques. Other calls never violate.
func (g *Guard) CheckViolation(name string, args map[string]any) *Violation {
	switch name {
	case CallExecute:
		g.mu.Lock()
		discovered, planned := false, false
		for _, r := range g.historyLocked() {
			switch r.Name {
			case CallDiscover:
				discovered = true
			case CallPlan:
				planned = true
			}
		}
		g.mu.Unlock()

		if !discovered {
			return skippedDiscovery(args)
		}
		if !planned {
			return skippedPlanning(args)
		}
		if t, ok := args["technique"].(string); ok && t != "" && !models.Technique(t).Valid() {
			return invalidTechnique(t)
		}
	case CallPlan:
		for _, t := range techniqueArgs(args["techniques"]) {
			if !models.Technique(t).Valid() {
				return invalidTechnique(t)
			}
		}
	}
	return nil
}

func techniqueArgs(v any) []string {
	switch ts := v.(type) {
	case []string:
		return ts
	case []models.Technique:
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = string(t)
		}
		return out
	case []any:
		var out []string
		for _, t := range ts {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func problemArg(args map[string]any) string {
	if p, ok := args["problem"].(string); ok && p != "" {
		return p
	}
	return "How can we reduce customer churn?"
}

func skippedDiscovery(args map[string]any) *Violation {
	return &Violation{
		Type:     SkippedDiscovery,
		Message:  "execute_thinking_step called before discover_techniques",
		NextCall: CallDiscover,
		Example:  map[string]any{"problem": problemArg(args)},
		Suggestions: []string{
			"Call discover_techniques with the problem statement",
			"Then call plan_thinking_session with the chosen techniques",
			"Then call execute_thinking_step with the returned planId",
		},
	}
}

func skippedPlanning(args map[string]any) *Violation {
	example := map[string]any{
		"problem":    problemArg(args),
		"techniques": []string{string(models.TechniqueSixHats)},
	}
	if t, ok := args["technique"].(string); ok && models.Technique(t).Valid() {
		example["techniques"] = []string{t}
	}
	return &Violation{
		Type:     SkippedPlanning,
		Message:  "execute_thinking_step called before plan_thinking_session",
		NextCall: CallPlan,
		Example:  example,
		Suggestions: []string{
			"Call plan_thinking_session with the techniques returned by discovery",
			"Use the planId from the plan response in execute_thinking_step",
		},
	}
}

func invalidTechnique(t string) *Violation {
	valid := make([]string, len(models.AllTechniques))
	for i, v := range models.AllTechniques {
		valid[i] = string(v)
	}
	return &Violation{
		Type:     InvalidTechnique,
		Message:  fmt.Sprintf("unknown technique %q", t),
		NextCall: CallDiscover,
		Example:  map[string]any{"technique": string(models.TechniqueSixHats)},
		Suggestions: []string{
			"Use one of: " + fmt.Sprint(valid),
			"Call discover_techniques to list available techniques",
		},
	}
}
