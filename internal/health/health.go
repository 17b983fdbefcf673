package health

// Snapshot holds the coordinator state used for health scoring.
type Snapshot struct {
	Sessions         int
	MaxSessions      int
	TrackedBytes     int64
	MaxSessionBytes  int64
	TotalGroups      int
	ActiveGroups     int
	FailedGroups     int
	DeadlockedGroups int
}

// HealthScore represents the computed health of the coordinator.
type HealthScore struct {
	Total    int `json:"total"`
	Capacity int `json:"capacity"` // 0-40
	Memory   int `json:"memory"`   // 0-30
	Groups   int `json:"groups"`   // 0-30
}

// Status buckets the total into healthy, degraded or critical.
func (h *HealthScore) Status() string {
	switch {
	case h.Total >= 80:
		return "healthy"
	case h.Total >= 50:
		return "degraded"
	default:
		return "critical"
	}
}

// Scorer computes health scores.
type Scorer struct{}

// NewScorer returns a new health Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score computes a health score (0-100).
func (s *Scorer) Score(snap Snapshot) *HealthScore {
	h := &HealthScore{}

	// Capacity (40 pts) - headroom before LRU eviction starts
	h.Capacity = scoreCapacity(snap.Sessions, snap.MaxSessions, 40)

	// Memory (30 pts) - average session size relative to the ceiling
	h.Memory = scoreMemory(snap, 30)

	// Groups (30 pts) - deadlocked and failed groups cost points
	h.Groups = scoreGroups(snap, 30)

	h.Total = h.Capacity + h.Memory + h.Groups
	return h
}

func scoreCapacity(sessions, limit, maxPoints int) int {
	if limit <= 0 {
		return 0
	}
	used := float64(sessions) / float64(limit)
	switch {
	case used <= 0.5:
		return maxPoints
	case used <= 0.75:
		return int(float64(maxPoints) * 0.8)
	case used <= 0.9:
		return int(float64(maxPoints) * 0.5)
	default:
		return int(float64(maxPoints) * 0.25)
	}
}

func scoreMemory(snap Snapshot, maxPoints int) int {
	if snap.Sessions == 0 || snap.MaxSessionBytes <= 0 {
		return maxPoints
	}
	avg := float64(snap.TrackedBytes) / float64(snap.Sessions)
	ratio := avg / float64(snap.MaxSessionBytes)
	switch {
	case ratio <= 0.1:
		return maxPoints
	case ratio <= 0.25:
		return int(float64(maxPoints) * 0.8)
	case ratio <= 0.5:
		return int(float64(maxPoints) * 0.5)
	default:
		return int(float64(maxPoints) * 0.2)
	}
}

func scoreGroups(snap Snapshot, maxPoints int) int {
	if snap.TotalGroups == 0 {
		return maxPoints
	}
	total := float64(snap.TotalGroups)
	penalty := float64(snap.DeadlockedGroups)/total*0.8 + float64(snap.FailedGroups)/total*0.4
	if penalty > 1 {
		penalty = 1
	}
	return int(float64(maxPoints) * (1 - penalty))
}
