package scheduler

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"blockflow/internal/execution"
	"blockflow/internal/logging"
	"blockflow/internal/models"
	"blockflow/internal/services"
)

const (
	// MaxConsecutiveFailures disables a schedule once reached.
	MaxConsecutiveFailures = 3
	// UsageCooldown pushes a schedule back when its owner is over quota.
	UsageCooldown = 24 * time.Hour

	defaultPollInterval  = time.Minute
	defaultMaxConcurrent = 4
	defaultLockTTL       = 30 * time.Minute
)

// Outcome of one schedule within a poll cycle.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomeDisabled      Outcome = "disabled"
	OutcomeUsageExceeded Outcome = "usage_exceeded"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeError         Outcome = "error"
)

// ScheduleStore reads due schedules and persists their tracking fields.
type ScheduleStore interface {
	ListDue(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
}

// SecretResolver decrypts every secret of a user into environment variables.
type SecretResolver interface {
	ResolveAll(ctx context.Context, userID string) (map[string]string, error)
}

// UsageChecker reports whether a user may run another workflow.
type UsageChecker interface {
	Check(ctx context.Context, userID string) (*models.UsageStatus, error)
}

// UsageTracker is optionally implemented by a UsageChecker to count executed runs.
type UsageTracker interface {
	Track(ctx context.Context, userID string) error
}

// ExecutionLogger persists run records. Failures are logged, never fatal.
type ExecutionLogger interface {
	Record(ctx context.Context, rec *models.ExecutionRecord) error
}

// Locker is a cross-instance lock, so that several scheduler processes sharing one
// store never run the same workflow at once.
type Locker interface {
	AcquireLock(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, value string) (bool, error)
}

// Deps are the scheduler's collaborators. Everything after Registry is optional.
type Deps struct {
	Store      ScheduleStore
	Workflows  execution.WorkflowLoader
	Registry   *execution.Registry
	Secrets    SecretResolver
	Usage      UsageChecker
	Executions ExecutionLogger
	InFlight   execution.InFlightSet
	Locker     Locker
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets how often Start polls for due schedules.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithDispatchRate limits how many schedules start per second. Zero means unlimited.
func WithDispatchRate(perSecond float64, burst int) Option {
	return func(s *Scheduler) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxConcurrent bounds schedules processed at once within one poll.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithLockTTL sets how long a distributed workflow lock lives if its holder dies.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// PollReport summarizes one poll cycle. Each list holds schedule ids.
type PollReport struct {
	Due           int      `json:"due"`
	Succeeded     []string `json:"succeeded"`
	Failed        []string `json:"failed"`
	Disabled      []string `json:"disabled"`
	UsageExceeded []string `json:"usageExceeded"`
	Skipped       []string `json:"skipped"`
	Errored       []string `json:"errored"`
}

func (r *PollReport) add(id string, o Outcome) {
	switch o {
	case OutcomeSuccess:
		r.Succeeded = append(r.Succeeded, id)
	case OutcomeFailure:
		r.Failed = append(r.Failed, id)
	case OutcomeDisabled:
		r.Disabled = append(r.Disabled, id)
	case OutcomeUsageExceeded:
		r.UsageExceeded = append(r.UsageExceeded, id)
	case OutcomeSkipped:
		r.Skipped = append(r.Skipped, id)
	default:
		r.Errored = append(r.Errored, id)
	}
}

// Scheduler runs due recurring schedules. A workflow never runs twice at once
// through the scheduler, even when poll cycles overlap.
type Scheduler struct {
	deps          Deps
	interval      time.Duration
	maxConcurrent int
	limiter       *rate.Limiter
	lockTTL       time.Duration
	now           func() time.Time
	metrics       *services.Metrics
	logger        *logrus.Entry
	instanceID    string

	mu      sync.Mutex
	running map[string]string // workflow id -> schedule id

	cron gocron.Scheduler
}

// New creates a scheduler. It does not poll until Start or Poll is called.
func New(deps Deps, opts ...Option) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("scheduler: schedule store is required")
	}
	if deps.Workflows == nil {
		return nil, fmt.Errorf("scheduler: workflow loader is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("scheduler: handler registry is required")
	}
	if deps.InFlight == nil {
		deps.InFlight = execution.NewMemoryInFlightSet()
	}

	s := &Scheduler{
		deps:          deps,
		interval:      defaultPollInterval,
		maxConcurrent: defaultMaxConcurrent,
		lockTTL:       defaultLockTTL,
		now:           time.Now,
		metrics:       services.GetMetrics(),
		instanceID:    uuid.New().String(),
		running:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithComponent("scheduler").WithField("instance_id", s.instanceID)
	return s, nil
}

// Start polls every poll interval until Stop. A slow poll delays the next one
// instead of overlapping with it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("⏰ [SCHEDULER] Starting scheduler service...")

	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.Poll(ctx); err != nil {
				s.logger.WithError(err).Warn("⚠️ [SCHEDULER] Poll failed")
			}
		}),
		gocron.WithName("schedule-poller"),
		gocron.WithTags("scheduler", s.instanceID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = cron.Shutdown()
		return fmt.Errorf("failed to create poll job: %w", err)
	}

	s.mu.Lock()
	s.cron = cron
	s.mu.Unlock()

	cron.Start()
	s.logger.WithField("interval", s.interval.String()).Info("✅ [SCHEDULER] Scheduler started")
	return nil
}

// Stop stops polling and waits for a running poll to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cron := s.cron
	s.cron = nil
	s.mu.Unlock()

	if cron == nil {
		return nil
	}
	s.logger.Info("🛑 [SCHEDULER] Stopping scheduler service...")
	return cron.Shutdown()
}

// Running lists the workflow ids currently executing through the scheduler.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Poll runs one cycle: every due schedule is processed once. Only listing the due
// schedules can fail the cycle; per-schedule problems end up in the report.
func (s *Scheduler) Poll(ctx context.Context) (PollReport, error) {
	now := s.now()
	due, err := s.deps.Store.ListDue(ctx, now)
	if err != nil {
		return PollReport{}, fmt.Errorf("failed to list due schedules: %w", err)
	}

	report := PollReport{Due: len(due)}
	if len(due) == 0 {
		return report, nil
	}
	s.logger.WithField("due", len(due)).Debug("🔍 [SCHEDULER] Found due schedules")

	outcomes := make([]Outcome, len(due))
	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)

	for i, sch := range due {
		if sch.Status == models.ScheduleStatusDisabled || sch.NextRunAt.After(now) {
			outcomes[i] = OutcomeSkipped
			continue
		}
		if !s.claim(ctx, sch.WorkflowID, sch.ID) {
			s.logger.WithFields(logrus.Fields{
				"schedule_id": sch.ID,
				"workflow_id": sch.WorkflowID,
			}).Info("⏭️ [SCHEDULER] Workflow already running, skipping this cycle")
			outcomes[i] = OutcomeSkipped
			s.metrics.RecordSchedule(string(OutcomeSkipped))
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.release(ctx, sch.WorkflowID)
				outcomes[i] = OutcomeSkipped
				continue
			}
		}

		g.Go(func() error {
			defer s.release(ctx, sch.WorkflowID)
			outcomes[i] = s.process(ctx, sch, now)
			s.metrics.RecordSchedule(string(outcomes[i]))
			return nil
		})
	}
	_ = g.Wait()

	for i, sch := range due {
		report.add(sch.ID, outcomes[i])
	}
	return report, nil
}

func lockKey(workflowID string) string {
	return "blockflow:scheduler:lock:" + workflowID
}

// claim marks a workflow as running locally and, with a Locker, across instances.
// A lock backend error counts as "held elsewhere".
func (s *Scheduler) claim(ctx context.Context, workflowID, scheduleID string) bool {
	s.mu.Lock()
	if _, busy := s.running[workflowID]; busy {
		s.mu.Unlock()
		return false
	}
	s.running[workflowID] = scheduleID
	s.mu.Unlock()

	if s.deps.Locker == nil {
		return true
	}
	ok, err := s.deps.Locker.AcquireLock(ctx, lockKey(workflowID), s.instanceID, s.lockTTL)
	if err != nil {
		s.logger.WithError(err).WithField("workflow_id", workflowID).Warn("⚠️ [SCHEDULER] Failed to acquire workflow lock")
	}
	if err != nil || !ok {
		s.mu.Lock()
		delete(s.running, workflowID)
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Scheduler) release(ctx context.Context, workflowID string) {
	if s.deps.Locker != nil {
		// the poll context may already be cancelled; the lock must still go
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if _, err := s.deps.Locker.ReleaseLock(relCtx, lockKey(workflowID), s.instanceID); err != nil {
			s.logger.WithError(err).WithField("workflow_id", workflowID).Warn("⚠️ [SCHEDULER] Failed to release workflow lock")
		}
		cancel()
	}
	s.mu.Lock()
	delete(s.running, workflowID)
	s.mu.Unlock()
}

// process runs one schedule and persists its new tracking state. A panic anywhere
// in here is contained to this schedule.
func (s *Scheduler) process(ctx context.Context, sch *models.Schedule, now time.Time) (outcome Outcome) {
	logger := s.logger.WithFields(logrus.Fields{
		"schedule_id": sch.ID,
		"workflow_id": sch.WorkflowID,
		"user_id":     sch.UserID,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("💥 [SCHEDULER] Schedule processing panicked")
			errMsg := fmt.Sprintf("internal error: %v", r)
			s.recordFailure(ctx, sch, uuid.New().String(), nil, now, errMsg, logger)
			sch.NextRunAt = now.Add(FallbackDelay)
			sch.LastError = errMsg
			sch.LastFailedAt = &now
			sch.UpdatedAt = now
			sch.FailedCount++
			outcome = OutcomeError
			if sch.FailedCount >= MaxConsecutiveFailures {
				sch.Status = models.ScheduleStatusDisabled
				outcome = OutcomeDisabled
				logger.WithField("failed_count", sch.FailedCount).
					Errorf("⛔ [SCHEDULER] Disabling schedule after %d consecutive failures: %s", sch.FailedCount, errMsg)
			}
			s.persist(ctx, sch, logger)
		}
	}()

	if s.deps.Usage != nil {
		status, err := s.deps.Usage.Check(ctx, sch.UserID)
		if err != nil {
			logger.WithError(err).Warn("⚠️ [SCHEDULER] Usage check failed, running anyway")
		} else if status != nil && status.Exceeded {
			logger.WithFields(logrus.Fields{
				"used":  status.Used,
				"limit": status.Limit,
			}).Warnf("🚫 [SCHEDULER] Usage limit exceeded, retrying in %s: %s", UsageCooldown, status.Message)
			sch.NextRunAt = now.Add(UsageCooldown)
			sch.UpdatedAt = now
			s.persist(ctx, sch, logger)
			return OutcomeUsageExceeded
		}
	}

	logger.Info("▶️ [SCHEDULER] Executing scheduled workflow")
	result, runErr := s.execute(ctx, sch, logger)

	var errMsg string
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
	case !result.Success:
		errMsg = result.Error
		if errMsg == "" {
			errMsg = "workflow run was not successful"
		}
	}

	sch.LastRanAt = &now
	sch.UpdatedAt = now
	if errMsg == "" {
		sch.FailedCount = 0
		sch.LastError = ""
		outcome = OutcomeSuccess
		logger.Info("✅ [SCHEDULER] Scheduled execution completed successfully")
	} else {
		sch.FailedCount++
		sch.LastFailedAt = &now
		sch.LastError = errMsg
		outcome = OutcomeFailure
		if sch.FailedCount >= MaxConsecutiveFailures {
			sch.Status = models.ScheduleStatusDisabled
			outcome = OutcomeDisabled
			logger.WithField("failed_count", sch.FailedCount).
				Errorf("⛔ [SCHEDULER] Disabling schedule after %d consecutive failures: %s", sch.FailedCount, errMsg)
		} else {
			logger.WithField("failed_count", sch.FailedCount).
				Warnf("❌ [SCHEDULER] Scheduled execution failed: %s", errMsg)
		}
	}

	next, err := nextRunOrFallback(sch, now)
	if err != nil {
		logger.WithError(err).Warnf("⚠️ [SCHEDULER] Could not compute next run, retrying in %s", FallbackDelay)
	}
	sch.NextRunAt = next

	if !s.persist(ctx, sch, logger) {
		return OutcomeError
	}
	logger.WithField("next_run_at", next).Debug("📅 [SCHEDULER] Updated next run time")
	return outcome
}

// execute loads the workflow and runs it. Every attempt leaves an execution record,
// including the ones that fail before the run starts.
func (s *Scheduler) execute(ctx context.Context, sch *models.Schedule, logger *logrus.Entry) (*execution.ExecutionResult, error) {
	startedAt := s.now()
	runID := uuid.New().String()
	input := make(map[string]any, len(sch.InputTemplate)+1)
	maps.Copy(input, sch.InputTemplate)
	input["__user_id__"] = sch.UserID

	fail := func(err error) (*execution.ExecutionResult, error) {
		s.recordFailure(ctx, sch, runID, input, startedAt, err.Error(), logger)
		return nil, err
	}

	wf, err := s.deps.Workflows.LoadWorkflow(ctx, sch.WorkflowID)
	if err != nil {
		return fail(fmt.Errorf("failed to load workflow %s: %w", sch.WorkflowID, err))
	}

	var env map[string]string
	if s.deps.Secrets != nil {
		env, err = s.deps.Secrets.ResolveAll(ctx, sch.UserID)
		if err != nil {
			return fail(fmt.Errorf("failed to resolve secrets: %w", err))
		}
	}

	ex, err := execution.New(wf, s.deps.Registry,
		execution.WithEnvironment(env),
		execution.WithWorkflowInput(input),
		execution.WithInFlightSet(s.deps.InFlight),
		execution.WithLogger(logging.WithExecution(runID, wf.ID).WithField("schedule_id", sch.ID)),
	)
	if err != nil {
		return fail(err)
	}

	result, err := ex.Run(ctx, runID)
	if err != nil {
		return fail(err)
	}

	if tracker, ok := s.deps.Usage.(UsageTracker); ok {
		if err := tracker.Track(ctx, sch.UserID); err != nil {
			logger.WithError(err).Warn("⚠️ [SCHEDULER] Failed to track usage")
		}
	}
	s.record(ctx, sch, runID, input, result, logger)
	return result, nil
}

func (s *Scheduler) record(ctx context.Context, sch *models.Schedule, runID string, input map[string]any, result *execution.ExecutionResult, logger *logrus.Entry) {
	if s.deps.Executions == nil {
		return
	}
	rec := execution.NewExecutionRecord(runID, sch.WorkflowID, execution.TriggerScheduled, input, result)
	s.saveRecord(ctx, sch, rec, logger)
}

// recordFailure persists a run that never produced a result
func (s *Scheduler) recordFailure(ctx context.Context, sch *models.Schedule, runID string, input map[string]any, startedAt time.Time, errMsg string, logger *logrus.Entry) {
	if s.deps.Executions == nil {
		return
	}
	completedAt := s.now()
	rec := &models.ExecutionRecord{
		ID:          runID,
		WorkflowID:  sch.WorkflowID,
		TriggerType: execution.TriggerScheduled,
		Status:      "failed",
		Input:       input,
		Error:       errMsg,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
	}
	s.saveRecord(ctx, sch, rec, logger)
}

func (s *Scheduler) saveRecord(ctx context.Context, sch *models.Schedule, rec *models.ExecutionRecord, logger *logrus.Entry) {
	rec.UserID = sch.UserID
	rec.ScheduleID = sch.ID

	// a cancelled poll still leaves its trace
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.deps.Executions.Record(recCtx, rec); err != nil {
		logger.WithError(err).Warn("⚠️ [SCHEDULER] Failed to persist execution record")
	}
}

func (s *Scheduler) persist(ctx context.Context, sch *models.Schedule, logger *logrus.Entry) bool {
	if err := s.deps.Store.UpdateSchedule(ctx, sch); err != nil {
		logger.WithError(err).Error("❌ [SCHEDULER] Failed to update schedule")
		return false
	}
	return true
}
