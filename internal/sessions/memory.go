package sessions

import "runtime"

// MemoryReport describes registry memory use. Heap figures are filled only
// when memory monitoring is enabled.
type MemoryReport struct {
	Sessions        int    `json:"sessions"`
	TrackedBytes    int64  `json:"tracked_bytes"`
	AvgSessionBytes int64  `json:"avg_session_bytes"`
	Monitoring      bool   `json:"monitoring"`
	HeapAlloc       uint64 `json:"heap_alloc,omitempty"`
	HeapInuse       uint64 `json:"heap_inuse,omitempty"`
	NumGC           uint32 `json:"num_gc,omitempty"`
}

func (s *Store) MemoryReport() MemoryReport {
	r := MemoryReport{
		Sessions:     s.Count(),
		TrackedBytes: s.totalBytes.Load(),
		Monitoring:   s.cfg.EnableMemoryMonitoring,
	}
	if r.Sessions > 0 {
		r.AvgSessionBytes = r.TrackedBytes / int64(r.Sessions)
	}
	if s.cfg.EnableMemoryMonitoring {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		r.HeapAlloc = ms.HeapAlloc
		r.HeapInuse = ms.HeapInuse
		r.NumGC = ms.NumGC
	}
	return r
}
