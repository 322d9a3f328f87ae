package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"blockflow/internal/health"
)

// DependencyHealthJob periodically probes every registered dependency
type DependencyHealthJob struct {
	healthService *health.Service
	interval      time.Duration
	lastRun       time.Time
}

// NewDependencyHealthJob creates a new dependency health job
func NewDependencyHealthJob(healthService *health.Service, interval time.Duration) *DependencyHealthJob {
	return &DependencyHealthJob{healthService: healthService, interval: interval}
}

// Run checks all dependencies and logs a summary
func (j *DependencyHealthJob) Run(ctx context.Context) error {
	j.lastRun = time.Now()

	snapshot := j.healthService.CheckAll(ctx)
	unhealthy := 0
	for _, dep := range snapshot {
		if dep.Status == health.StatusUnhealthy {
			unhealthy++
		}
	}
	logrus.Debugf("[HEALTH-JOB] Checked %d dependencies, %d unhealthy", len(snapshot), unhealthy)
	return ctx.Err()
}

// GetNextRunTime returns when the next health check should run
func (j *DependencyHealthJob) GetNextRunTime() time.Time {
	if j.lastRun.IsZero() {
		return time.Now()
	}
	return j.lastRun.Add(j.interval)
}
