package execution

import "blockflow/internal/models"

// Trigger types stored on execution records
const (
	TriggerAPI       = "api"
	TriggerScheduled = "scheduled"
	TriggerWebSocket = "websocket"
	TriggerDebug     = "debug"
)

// NewExecutionRecord converts a finished run into its persisted form
func NewExecutionRecord(runID, workflowID, trigger string, input map[string]any, result *ExecutionResult) *models.ExecutionRecord {
	status := "completed"
	if !result.Success {
		status = "failed"
	}
	return &models.ExecutionRecord{
		ID:          runID,
		WorkflowID:  workflowID,
		TriggerType: trigger,
		Status:      status,
		Input:       input,
		Output:      result.Output,
		Logs:        result.Logs,
		Error:       result.Error,
		StartedAt:   result.Metadata.StartTime,
		CompletedAt: result.Metadata.EndTime,
		DurationMs:  result.Metadata.DurationMs,
	}
}
