package store

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/joescharf/thinkflow/internal/models"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Technique models.Technique
	Status    models.SessionStatus
	GroupID   string
	// IDPattern is a glob over session ids, e.g. "plan-*".
	IDPattern string
	Limit     int
}

type matcher struct {
	filter ListFilter
	id     glob.Glob
}

func (f ListFilter) compile() (*matcher, error) {
	m := &matcher{filter: f}
	if f.IDPattern != "" {
		g, err := glob.Compile(f.IDPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid id pattern %q: %w", f.IDPattern, err)
		}
		m.id = g
	}
	return m, nil
}

func (m *matcher) match(s *models.Session) bool {
	f := m.filter
	if f.Technique != "" && s.Technique != f.Technique {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.GroupID != "" && s.ParallelGroupID != f.GroupID {
		return false
	}
	if m.id != nil && !m.id.Match(s.ID) {
		return false
	}
	return true
}

// full reports whether n results already satisfy the limit.
func (m *matcher) full(n int) bool {
	return m.filter.Limit > 0 && n >= m.filter.Limit
}
