package engine

import (
	"container/list"
	"sync"

	"github.com/joescharf/thinkflow/internal/models"
)

// DefaultMaxPlans bounds the plan registry.
const DefaultMaxPlans = 1000

// planRegistry keeps the most recently used plans.
type planRegistry struct {
	mu    sync.Mutex
	max   int
	plans map[string]*list.Element
	order *list.List
}

func newPlanRegistry(max int) *planRegistry {
	if max <= 0 {
		max = DefaultMaxPlans
	}
	return &planRegistry{max: max, plans: make(map[string]*list.Element), order: list.New()}
}

func (r *planRegistry) put(p *Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.plans[p.PlanID]; ok {
		el.Value = p
		r.order.MoveToFront(el)
		return
	}
	for r.order.Len() >= r.max {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.plans, oldest.Value.(*Plan).PlanID)
	}
	r.plans[p.PlanID] = r.order.PushFront(p)
}

func (r *planRegistry) get(id string) (*Plan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.plans[id]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*Plan).clone(), true
}

// bind records the session created for technique t under plan id. An
// existing binding wins and is returned.
func (r *planRegistry) bind(id string, t models.Technique, sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.plans[id]
	if !ok {
		return "", false
	}
	p := el.Value.(*Plan)
	if existing, ok := p.Sessions[t]; ok {
		return existing, true
	}
	if p.Sessions == nil {
		p.Sessions = make(map[models.Technique]string)
	}
	p.Sessions[t] = sessionID
	return sessionID, true
}

func (r *planRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
