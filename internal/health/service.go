package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultFailureThreshold = 3
	defaultCheckTimeout     = 3 * time.Second
)

type registration struct {
	health *DependencyHealth
	check  CheckFunc
}

// Service tracks the health of the engine's dependencies. A dependency turns
// unhealthy after failureThreshold consecutive failed checks and healthy again on
// the first success.
type Service struct {
	mu               sync.RWMutex
	deps             map[string]*registration
	failureThreshold int
	checkTimeout     time.Duration
}

// NewService creates a new health service
func NewService(failureThreshold int, checkTimeout time.Duration) *Service {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if checkTimeout <= 0 {
		checkTimeout = defaultCheckTimeout
	}
	return &Service{
		deps:             make(map[string]*registration),
		failureThreshold: failureThreshold,
		checkTimeout:     checkTimeout,
	}
}

// Register adds a dependency. Registering a name again replaces its check.
func (s *Service) Register(name string, kind DependencyKind, critical bool, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[name] = &registration{
		health: &DependencyHealth{Name: name, Kind: kind, Critical: critical, Status: StatusUnknown},
		check:  check,
	}
}

// CheckAll probes every dependency concurrently and returns the updated snapshot
func (s *Service) CheckAll(ctx context.Context) []DependencyHealth {
	s.mu.RLock()
	names := make([]string, 0, len(s.deps))
	for name := range s.deps {
		names = append(names, name)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Check(ctx, name)
		}()
	}
	wg.Wait()
	return s.Snapshot()
}

// Check probes one dependency and records the result
func (s *Service) Check(ctx context.Context, name string) error {
	s.mu.RLock()
	reg, ok := s.deps[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()

	start := time.Now()
	err := reg.check(checkCtx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		s.markUnhealthy(name, err.Error(), latency)
		return err
	}
	s.markHealthy(name, latency)
	return nil
}

func (s *Service) markHealthy(name string, latency int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.deps[name]
	if !ok {
		return
	}
	h := reg.health

	wasUnhealthy := h.Status == StatusUnhealthy
	now := time.Now()
	h.Status = StatusHealthy
	h.FailureCount = 0
	h.LastError = ""
	h.LastSuccessAt = now
	h.LastChecked = now
	h.LatencyMs = latency

	if wasUnhealthy {
		logrus.Infof("💚 [HEALTH] %s %s recovered - now healthy", h.Kind, name)
	}
}

func (s *Service) markUnhealthy(name, errMsg string, latency int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.deps[name]
	if !ok {
		return
	}
	h := reg.health

	h.FailureCount++
	h.LastError = errMsg
	h.LastChecked = time.Now()
	h.LatencyMs = latency

	if h.FailureCount >= s.failureThreshold {
		if h.Status != StatusUnhealthy {
			logrus.Errorf("💔 [HEALTH] %s %s marked UNHEALTHY after %d failures: %s",
				h.Kind, name, h.FailureCount, truncateStr(errMsg, 200))
		}
		h.Status = StatusUnhealthy
	} else {
		logrus.Warnf("⚠️  [HEALTH] %s %s failure %d/%d: %s",
			h.Kind, name, h.FailureCount, s.failureThreshold, truncateStr(errMsg, 200))
	}
}

// Snapshot returns a copy of every dependency's health, sorted by name
func (s *Service) Snapshot() []DependencyHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DependencyHealth, 0, len(s.deps))
	for _, reg := range s.deps {
		out = append(out, *reg.health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports false when any critical dependency is unhealthy
func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, reg := range s.deps {
		if reg.health.Critical && reg.health.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
