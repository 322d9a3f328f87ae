package execution

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ExecutionTracker tracks active runs for graceful shutdown. Once draining it rejects
// new runs and waits for the running ones.
type ExecutionTracker struct {
	mu       sync.Mutex
	active   map[string]time.Time // run id -> start
	draining bool
	idle     chan struct{} // closed when draining and nothing is active
}

// NewExecutionTracker creates a new execution tracker.
func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{active: make(map[string]time.Time)}
}

// Acquire registers a run. It returns false while draining.
func (t *ExecutionTracker) Acquire(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.active[runID] = time.Now()
	return true
}

// Release marks a run as finished.
func (t *ExecutionTracker) Release(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, runID)
	if t.draining && len(t.active) == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

// Active returns the ids of the running runs.
func (t *ExecutionTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

// Drain stops accepting runs and waits until the active ones finish or ctx is done.
// It returns true if everything finished.
func (t *ExecutionTracker) Drain(ctx context.Context) bool {
	t.mu.Lock()
	t.draining = true
	if len(t.active) == 0 {
		t.mu.Unlock()
		logrus.Info("✅ [TRACKER] No active executions")
		return true
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	count := len(t.active)
	t.mu.Unlock()

	logrus.Infof("🔄 [TRACKER] Draining %d active execution(s)...", count)

	select {
	case <-idle:
		logrus.Info("✅ [TRACKER] All active executions completed")
		return true
	case <-ctx.Done():
		logrus.Warnf("⚠️ [TRACKER] Drain interrupted, %d execution(s) still running", len(t.Active()))
		return false
	}
}

// IsDraining returns true if the tracker is in drain mode (shutting down).
func (t *ExecutionTracker) IsDraining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}
