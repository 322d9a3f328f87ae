package models

import (
	"time"
)

// ScheduleStatus is the lifecycle state of a schedule
type ScheduleStatus string

const (
	ScheduleStatusActive   ScheduleStatus = "active"
	ScheduleStatusDisabled ScheduleStatus = "disabled"
)

// ScheduleInterval is the recurrence rule used when no cron expression is set
type ScheduleInterval string

const (
	IntervalMinutes ScheduleInterval = "minutes"
	IntervalHourly  ScheduleInterval = "hourly"
	IntervalDaily   ScheduleInterval = "daily"
	IntervalWeekly  ScheduleInterval = "weekly"
	IntervalMonthly ScheduleInterval = "monthly"
)

// Schedule is a persisted recurrence rule bound to one workflow
type Schedule struct {
	ID             string           `json:"id"`
	WorkflowID     string           `json:"workflowId"`
	UserID         string           `json:"userId"`
	CronExpression string           `json:"cronExpression,omitempty"`
	Timezone       string           `json:"timezone,omitempty"`
	Interval       ScheduleInterval `json:"interval,omitempty"`
	EveryMinutes   int              `json:"everyMinutes,omitempty"` // only for IntervalMinutes
	InputTemplate  map[string]any   `json:"inputTemplate,omitempty"`

	// Tracking
	Status       ScheduleStatus `json:"status"`
	NextRunAt    time.Time      `json:"nextRunAt"`
	LastRanAt    *time.Time     `json:"lastRanAt,omitempty"`
	FailedCount  int            `json:"failedCount"`
	LastFailedAt *time.Time     `json:"lastFailedAt,omitempty"`
	LastError    string         `json:"lastError,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExecutionRecord is the persisted log/trace of one workflow run
type ExecutionRecord struct {
	ID          string         `json:"id" bson:"_id"`
	WorkflowID  string         `json:"workflowId" bson:"workflowId"`
	UserID      string         `json:"userId,omitempty" bson:"userId,omitempty"`
	ScheduleID  string         `json:"scheduleId,omitempty" bson:"scheduleId,omitempty"`
	TriggerType string         `json:"triggerType" bson:"triggerType"` // api, scheduled, websocket, debug
	Status      string         `json:"status" bson:"status"`           // completed, failed
	Input       map[string]any `json:"input,omitempty" bson:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty" bson:"output,omitempty"`
	Logs        []BlockLog     `json:"logs,omitempty" bson:"logs,omitempty"`
	Error       string         `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt" bson:"startedAt"`
	CompletedAt time.Time      `json:"completedAt" bson:"completedAt"`
	DurationMs  int64          `json:"durationMs" bson:"durationMs"`
}

// BlockLog records one block dispatch within a run
type BlockLog struct {
	BlockID    string         `json:"blockId" bson:"blockId"`
	BlockName  string         `json:"blockName,omitempty" bson:"blockName,omitempty"`
	BlockKind  BlockKind      `json:"blockKind" bson:"blockKind"`
	Iteration  *int           `json:"iteration,omitempty" bson:"iteration,omitempty"` // set for loop/parallel member runs
	StartedAt  time.Time      `json:"startedAt" bson:"startedAt"`
	EndedAt    time.Time      `json:"endedAt" bson:"endedAt"`
	DurationMs int64          `json:"durationMs" bson:"durationMs"`
	Success    bool           `json:"success" bson:"success"`
	Output     map[string]any `json:"output,omitempty" bson:"output,omitempty"`
	Error      string         `json:"error,omitempty" bson:"error,omitempty"`
}

// UsageStatus is the answer of a usage check made before a scheduled run
type UsageStatus struct {
	Exceeded bool   `json:"exceeded"`
	Used     int64  `json:"used"`
	Limit    int64  `json:"limit"`
	Message  string `json:"message,omitempty"`
}
