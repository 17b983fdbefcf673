// Package index maintains secondary lookups over sessions by technique and
// status. It never owns session data; the session store stays authoritative.
package index

import (
	"slices"
	"sync"

	"github.com/joescharf/thinkflow/internal/models"
)

// Stats holds per-technique and per-status counts.
type Stats struct {
	Total       int                          `json:"total"`
	ByTechnique map[models.Technique]int     `json:"by_technique"`
	ByStatus    map[models.SessionStatus]int `json:"by_status"`
}

// SessionIndex is safe for concurrent use.
type SessionIndex struct {
	mu          sync.RWMutex
	byTechnique map[models.Technique]map[string]struct{}
	byStatus    map[models.SessionStatus]map[string]struct{}
	status      map[string]models.SessionStatus
}

func New() *SessionIndex {
	return &SessionIndex{
		byTechnique: make(map[models.Technique]map[string]struct{}),
		byStatus:    make(map[models.SessionStatus]map[string]struct{}),
		status:      make(map[string]models.SessionStatus),
	}
}

// IndexSession adds id to the technique bucket. A first-time id starts as
// pending; re-indexing under another technique keeps the current status.
func (x *SessionIndex) IndexSession(id string, technique models.Technique) {
	x.mu.Lock()
	defer x.mu.Unlock()

	addTo(x.byTechnique, technique, id)
	if _, ok := x.status[id]; !ok {
		x.setStatusLocked(id, models.SessionStatusPending)
	}
}

// UpdateStatus records the status of an indexed id. Unknown ids are ignored.
func (x *SessionIndex) UpdateStatus(id string, status models.SessionStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.status[id]; ok {
		x.setStatusLocked(id, status)
	}
}

func (x *SessionIndex) setStatusLocked(id string, status models.SessionStatus) {
	if prev, ok := x.status[id]; ok {
		removeFrom(x.byStatus, prev, id)
	}
	x.status[id] = status
	addTo(x.byStatus, status, id)
}

func addTo[K comparable](sets map[K]map[string]struct{}, key K, id string) {
	set, ok := sets[key]
	if !ok {
		set = make(map[string]struct{})
		sets[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](sets map[K]map[string]struct{}, key K, id string) {
	if set, ok := sets[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(sets, key)
		}
	}
}

// GetByTechnique returns the ids indexed under technique, sorted.
func (x *SessionIndex) GetByTechnique(technique models.Technique) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return sortedIDs(x.byTechnique[technique])
}

// GetByStatus returns the ids currently in status, sorted.
func (x *SessionIndex) GetByStatus(status models.SessionStatus) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return sortedIDs(x.byStatus[status])
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Status returns the indexed status of id.
func (x *SessionIndex) Status(id string) (models.SessionStatus, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.status[id]
	return s, ok
}

// Remove drops id from every technique bucket and its status set.
func (x *SessionIndex) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for technique, bucket := range x.byTechnique {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(x.byTechnique, technique)
		}
	}
	if prev, ok := x.status[id]; ok {
		removeFrom(x.byStatus, prev, id)
		delete(x.status, id)
	}
}

func (x *SessionIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()

	st := Stats{
		Total:       len(x.status),
		ByTechnique: make(map[models.Technique]int, len(x.byTechnique)),
		ByStatus:    make(map[models.SessionStatus]int),
	}
	for technique, bucket := range x.byTechnique {
		st.ByTechnique[technique] = len(bucket)
	}
	for status, set := range x.byStatus {
		st.ByStatus[status] = len(set)
	}
	return st
}
