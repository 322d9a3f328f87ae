package health

import (
	"context"
	"time"
)

// DependencyKind groups the backing services the engine relies on
type DependencyKind string

const (
	KindDatabase DependencyKind = "database"
	KindCache    DependencyKind = "cache"
	KindHistory  DependencyKind = "history"
	KindProvider DependencyKind = "provider"
)

// HealthStatus represents the health state of a dependency
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// CheckFunc probes one dependency; a nil error means healthy
type CheckFunc func(ctx context.Context) error

// DependencyHealth tracks the health of a single dependency
type DependencyHealth struct {
	Name          string         `json:"name"`
	Kind          DependencyKind `json:"kind"`
	Critical      bool           `json:"critical"` // unhealthy critical dependencies make the service unhealthy
	Status        HealthStatus   `json:"status"`
	LastChecked   time.Time      `json:"lastChecked,omitempty"`
	LastSuccessAt time.Time      `json:"lastSuccessAt,omitempty"`
	FailureCount  int            `json:"failureCount"`
	LastError     string         `json:"lastError,omitempty"`
	LatencyMs     int64          `json:"latencyMs"`
}
