package guard

import (
	"sync"
	"time"
)

// DefaultClient is used when a caller does not identify itself.
const DefaultClient = "default"

const defaultMaxClients = 1024

// Registry holds one Guard per client id, dropping the least recently used
// client beyond its bound.
type Registry struct {
	mu         sync.Mutex
	window     int
	maxClients int
	guards     map[string]*clientGuard
}

type clientGuard struct {
	guard    *Guard
	lastUsed time.Time
}

func NewRegistry(window int) *Registry {
	return &Registry{window: window, maxClients: defaultMaxClients, guards: make(map[string]*clientGuard)}
}

// For returns the guard of clientID, creating it if needed.
func (r *Registry) For(clientID string) *Guard {
	if clientID == "" {
		clientID = DefaultClient
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cg, ok := r.guards[clientID]; ok {
		cg.lastUsed = time.Now()
		return cg.guard
	}
	if len(r.guards) >= r.maxClients {
		r.dropOldestLocked()
	}
	g := New(r.window)
	r.guards[clientID] = &clientGuard{guard: g, lastUsed: time.Now()}
	return g
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.guards)
}

func (r *Registry) dropOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, cg := range r.guards {
		if oldestID == "" || cg.lastUsed.Before(oldest) {
			oldestID, oldest = id, cg.lastUsed
		}
	}
	delete(r.guards, oldestID)
}
