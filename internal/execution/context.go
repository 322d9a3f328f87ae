package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"blockflow/internal/models"
)

// BlockState is the recorded outcome of one block key (a block id, or a virtual
// iteration key for loop and parallel members).
type BlockState struct {
	Output        map[string]any `json:"output"`
	Executed      bool           `json:"executed"`
	ExecutionTime int64          `json:"executionTime"` // ms
	Status        BlockStatus    `json:"status"`
}

// Decisions records which branch each condition and router chose, keyed by block key.
type Decisions struct {
	Router    map[string]string `json:"router"`    // block key -> selected target block id
	Condition map[string]string `json:"condition"` // block key -> selected condition id
}

// ParallelState tracks one parallel construct while its branches run.
type ParallelState struct {
	Count     int   `json:"count"`
	Items     []any `json:"items,omitempty"`
	Completed bool  `json:"completed"`
	Results   []any `json:"results,omitempty"`
}

// Metadata holds run timing.
type Metadata struct {
	StartTime  time.Time `json:"startTime"`
	DurationMs int64     `json:"durationMs"`
}

// ExecutionContext is the complete mutable state of one run. It is a plain value:
// it round-trips through JSON, which is what debug pause/resume relies on.
type ExecutionContext struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`

	BlockStates    map[string]BlockState `json:"blockStates"`
	BlockLogs      []models.BlockLog     `json:"blockLogs"`
	ExecutedBlocks map[string]bool       `json:"executedBlocks"`
	SkippedBlocks  map[string]bool       `json:"skippedBlocks"`
	ActivePath     map[string]bool       `json:"activePath"`
	Decisions      Decisions             `json:"decisions"`

	LoopIterations     map[string]int            `json:"loopIterations"`
	LoopItems          map[string]any            `json:"loopItems"`
	CompletedLoops     map[string]bool           `json:"completedLoops"`
	ParallelExecutions map[string]*ParallelState `json:"parallelExecutions"`

	EnvironmentVariables map[string]string `json:"environmentVariables"`
	WorkflowVariables    map[string]any    `json:"workflowVariables"`
	WorkflowInput        map[string]any    `json:"workflowInput"`

	Metadata Metadata `json:"metadata"`

	// Set while a debug run is paused: the blocks ready for the next step.
	PendingBlocks []string `json:"pendingBlocks,omitempty"`
}

// NewExecutionContext returns an empty context for a run.
func NewExecutionContext(workflowID, runID string) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID:     workflowID,
		RunID:          runID,
		BlockStates:    make(map[string]BlockState),
		BlockLogs:      make([]models.BlockLog, 0),
		ExecutedBlocks: make(map[string]bool),
		SkippedBlocks:  make(map[string]bool),
		ActivePath:     make(map[string]bool),
		Decisions: Decisions{
			Router:    make(map[string]string),
			Condition: make(map[string]string),
		},
		LoopIterations:       make(map[string]int),
		LoopItems:            make(map[string]any),
		CompletedLoops:       make(map[string]bool),
		ParallelExecutions:   make(map[string]*ParallelState),
		EnvironmentVariables: make(map[string]string),
		WorkflowVariables:    make(map[string]any),
		WorkflowInput:        make(map[string]any),
		Metadata:             Metadata{StartTime: time.Now()},
	}
}

// Clone returns a deep copy. The copy shares nothing with the receiver.
func (ec *ExecutionContext) Clone() (*ExecutionContext, error) {
	data, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot execution context: %w", err)
	}
	var out ExecutionContext
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to restore execution context: %w", err)
	}
	out.ensureMaps()
	return &out, nil
}

// ensureMaps fills nil maps left behind by a JSON document that omitted them.
func (ec *ExecutionContext) ensureMaps() {
	if ec.BlockStates == nil {
		ec.BlockStates = make(map[string]BlockState)
	}
	if ec.ExecutedBlocks == nil {
		ec.ExecutedBlocks = make(map[string]bool)
	}
	if ec.SkippedBlocks == nil {
		ec.SkippedBlocks = make(map[string]bool)
	}
	if ec.ActivePath == nil {
		ec.ActivePath = make(map[string]bool)
	}
	if ec.Decisions.Router == nil {
		ec.Decisions.Router = make(map[string]string)
	}
	if ec.Decisions.Condition == nil {
		ec.Decisions.Condition = make(map[string]string)
	}
	if ec.LoopIterations == nil {
		ec.LoopIterations = make(map[string]int)
	}
	if ec.LoopItems == nil {
		ec.LoopItems = make(map[string]any)
	}
	if ec.CompletedLoops == nil {
		ec.CompletedLoops = make(map[string]bool)
	}
	if ec.ParallelExecutions == nil {
		ec.ParallelExecutions = make(map[string]*ParallelState)
	}
	if ec.EnvironmentVariables == nil {
		ec.EnvironmentVariables = make(map[string]string)
	}
	if ec.WorkflowVariables == nil {
		ec.WorkflowVariables = make(map[string]any)
	}
	if ec.WorkflowInput == nil {
		ec.WorkflowInput = make(map[string]any)
	}
}

// markRunning records that a block key has been dispatched.
func (ec *ExecutionContext) markRunning(key string) {
	st := ec.BlockStates[key]
	st.Status = TransitionBlockStatus(st.Status, BlockStatusRunning)
	ec.BlockStates[key] = st
}

// markDone records a finished dispatch. Failed blocks are executed too: they are terminal.
func (ec *ExecutionContext) markDone(key string, output map[string]any, elapsed time.Duration) {
	st := ec.BlockStates[key]
	status := BlockStatusCompleted
	if outputError(output) != "" {
		status = BlockStatusFailed
	}
	st.Status = TransitionBlockStatus(st.Status, status)
	st.Output = output
	st.Executed = true
	st.ExecutionTime = elapsed.Milliseconds()
	ec.BlockStates[key] = st
	ec.ExecutedBlocks[key] = true
}

// markSkipped records a block key that can no longer become active.
func (ec *ExecutionContext) markSkipped(key string) {
	st := ec.BlockStates[key]
	st.Status = TransitionBlockStatus(st.Status, BlockStatusSkipped)
	ec.BlockStates[key] = st
	ec.SkippedBlocks[key] = true
}

// reset clears a block key so it can run again in a new iteration.
func (ec *ExecutionContext) reset(key string) {
	if st, ok := ec.BlockStates[key]; ok {
		st.Status = TransitionBlockStatus(st.Status, BlockStatusPending)
		st.Executed = false
		ec.BlockStates[key] = st
	}
	delete(ec.ExecutedBlocks, key)
	delete(ec.SkippedBlocks, key)
	delete(ec.ActivePath, key)
}

// isTerminal reports whether a block key has executed or been skipped.
func (ec *ExecutionContext) isTerminal(key string) bool {
	return ec.ExecutedBlocks[key] || ec.SkippedBlocks[key]
}

// output returns the recorded output of a block key.
func (ec *ExecutionContext) output(key string) (map[string]any, bool) {
	st, ok := ec.BlockStates[key]
	if !ok || !st.Executed {
		return nil, false
	}
	return st.Output, true
}
