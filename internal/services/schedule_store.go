package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"blockflow/internal/database"
	"blockflow/internal/models"
)

// ErrScheduleNotFound is returned for unknown schedule ids
var ErrScheduleNotFound = errors.New("schedule not found")

// ScheduleStore persists schedules in SQL
type ScheduleStore struct {
	db *database.DB
}

// NewScheduleStore creates a schedule store. The schema must be initialized.
func NewScheduleStore(db *database.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

const scheduleColumns = `id, workflow_id, user_id, cron_expression, timezone, interval_kind, every_minutes,
	input_template, status, next_run_at, last_ran_at, failed_count, last_failed_at, last_error,
	created_at, updated_at`

// CreateSchedule inserts a new schedule. ID, status and timestamps are filled in
// when empty; NextRunAt must be set by the caller.
func (s *ScheduleStore) CreateSchedule(ctx context.Context, sch *models.Schedule) error {
	if sch.WorkflowID == "" {
		return fmt.Errorf("schedule needs a workflow id")
	}
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	if sch.Status == "" {
		sch.Status = models.ScheduleStatusActive
	}
	now := time.Now().UTC()
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = now
	}
	sch.UpdatedAt = now

	input, err := encodeTemplate(sch.InputTemplate)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.WorkflowID, sch.UserID, sch.CronExpression, sch.Timezone, string(sch.Interval), sch.EveryMinutes,
		input, string(sch.Status), toMillis(sch.NextRunAt), nullMillis(sch.LastRanAt), sch.FailedCount,
		nullMillis(sch.LastFailedAt), sch.LastError, toMillis(sch.CreatedAt), toMillis(sch.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetSchedule loads one schedule
func (s *ScheduleStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return sch, err
}

// ListDue returns active schedules whose next run is at or before now, oldest first
func (s *ScheduleStore) ListDue(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE status <> ? AND next_run_at <= ?
		ORDER BY next_run_at, id`,
		string(models.ScheduleStatusDisabled), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	return collectSchedules(rows)
}

// ListByWorkflow returns every schedule of one workflow
func (s *ScheduleStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE workflow_id = ? ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	return collectSchedules(rows)
}

// UpdateSchedule persists the rule and tracking fields of a schedule
func (s *ScheduleStore) UpdateSchedule(ctx context.Context, sch *models.Schedule) error {
	if sch.UpdatedAt.IsZero() {
		sch.UpdatedAt = time.Now().UTC()
	}
	input, err := encodeTemplate(sch.InputTemplate)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE schedules SET
			cron_expression = ?, timezone = ?, interval_kind = ?, every_minutes = ?, input_template = ?,
			status = ?, next_run_at = ?, last_ran_at = ?, failed_count = ?, last_failed_at = ?, last_error = ?,
			updated_at = ?
		WHERE id = ?`,
		sch.CronExpression, sch.Timezone, string(sch.Interval), sch.EveryMinutes, input,
		string(sch.Status), toMillis(sch.NextRunAt), nullMillis(sch.LastRanAt), sch.FailedCount,
		nullMillis(sch.LastFailedAt), sch.LastError, toMillis(sch.UpdatedAt), sch.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", sch.ID, err)
	}
	return nil
}

// DeleteSchedule removes a schedule
func (s *ScheduleStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var (
		sch                 models.Schedule
		interval, status    string
		input, lastError    sql.NullString
		nextRun, created    int64
		updated             int64
		lastRan, lastFailed sql.NullInt64
	)
	err := row.Scan(&sch.ID, &sch.WorkflowID, &sch.UserID, &sch.CronExpression, &sch.Timezone, &interval,
		&sch.EveryMinutes, &input, &status, &nextRun, &lastRan, &sch.FailedCount, &lastFailed, &lastError,
		&created, &updated)
	if err != nil {
		return nil, err
	}

	sch.Interval = models.ScheduleInterval(interval)
	sch.Status = models.ScheduleStatus(status)
	sch.NextRunAt = fromMillis(nextRun)
	sch.LastRanAt = fromNullMillis(lastRan)
	sch.LastFailedAt = fromNullMillis(lastFailed)
	sch.LastError = lastError.String
	sch.CreatedAt = fromMillis(created)
	sch.UpdatedAt = fromMillis(updated)
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &sch.InputTemplate); err != nil {
			return nil, fmt.Errorf("schedule %s has a corrupt input template: %w", sch.ID, err)
		}
	}
	return &sch, nil
}

func collectSchedules(rows *sql.Rows) ([]*models.Schedule, error) {
	defer rows.Close()
	var out []*models.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func encodeTemplate(tpl map[string]any) (any, error) {
	if len(tpl) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tpl)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input template: %w", err)
	}
	return string(data), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
