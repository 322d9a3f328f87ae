package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ExecutionPruner deletes run history older than a cutoff
type ExecutionPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExecutionRetentionJob deletes execution records past the retention window
type ExecutionRetentionJob struct {
	pruner    ExecutionPruner
	retention time.Duration
	interval  time.Duration
	lastRun   time.Time
	now       func() time.Time
}

// NewExecutionRetentionJob creates a retention job.
// retention: how long records are kept; interval: how often the job runs
func NewExecutionRetentionJob(pruner ExecutionPruner, retention, interval time.Duration) *ExecutionRetentionJob {
	return &ExecutionRetentionJob{pruner: pruner, retention: retention, interval: interval, now: time.Now}
}

// Run deletes expired records
func (j *ExecutionRetentionJob) Run(ctx context.Context) error {
	j.lastRun = j.now()
	cutoff := j.lastRun.Add(-j.retention)

	deleted, err := j.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logrus.Infof("🧹 [RETENTION] Deleted %d execution records started before %s", deleted, cutoff.Format(time.RFC3339))
	}
	return nil
}

// GetNextRunTime returns when this job should next execute
func (j *ExecutionRetentionJob) GetNextRunTime() time.Time {
	if j.lastRun.IsZero() {
		// first run shortly after startup
		return j.now().Add(time.Minute)
	}
	return j.lastRun.Add(j.interval)
}
