package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/thinkflow/internal/logging"
)

// CleanupFunc performs one sweep and returns how many items it removed.
type CleanupFunc func(ctx context.Context) (int, error)

// CleanupJob runs a CleanupFunc periodically.
type CleanupJob struct {
	name     string
	interval time.Duration
	fn       CleanupFunc
	logger   *logging.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

func NewCleanupJob(name string, interval time.Duration, fn CleanupFunc, logger *logging.Logger) *CleanupJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &CleanupJob{name: name, interval: interval, fn: fn, logger: logger.With("job", name)}
}

// SweepJob returns a job running the store's TTL sweep at its cleanup interval.
func (s *Store) SweepJob() *CleanupJob {
	return NewCleanupJob("session-sweep", s.cfg.CleanupInterval, s.Sweep, s.logger)
}

// Start runs the job in a goroutine. It is a no-op if already running.
func (j *CleanupJob) Start(ctx context.Context) {
	stop, ok := j.begin()
	if !ok {
		return
	}
	go j.loop(ctx, stop)
}

// Run blocks until ctx is cancelled or Stop is called.
func (j *CleanupJob) Run(ctx context.Context) error {
	stop, ok := j.begin()
	if !ok {
		return nil
	}
	j.loop(ctx, stop)
	return nil
}

func (j *CleanupJob) begin() (chan struct{}, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil, false
	}
	j.running = true
	j.stopChan = make(chan struct{})
	j.logger.Info("cleanup job started", "interval", j.interval.String())
	return j.stopChan, true
}

// Stop stops the job.
func (j *CleanupJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	close(j.stopChan)
	j.running = false
	j.logger.Info("cleanup job stopped")
}

// RunOnce executes a single sweep immediately.
func (j *CleanupJob) RunOnce(ctx context.Context) (int, error) {
	return j.fn(ctx)
}

func (j *CleanupJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *CleanupJob) loop(ctx context.Context, stop chan struct{}) {
	defer func() {
		j.mu.Lock()
		if j.stopChan == stop {
			j.running = false
		}
		j.mu.Unlock()
	}()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if n, err := j.fn(ctx); err != nil {
				j.logger.Error("cleanup failed", "error", err)
			} else if n > 0 {
				j.logger.Info("cleanup completed", "removed", n)
			}
		}
	}
}
