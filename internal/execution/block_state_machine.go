package execution

import "github.com/sirupsen/logrus"

// BlockStatus is the lifecycle state recorded for one block key in an ExecutionContext.
type BlockStatus string

const (
	BlockStatusPending   BlockStatus = "pending"
	BlockStatusRunning   BlockStatus = "running"
	BlockStatusCompleted BlockStatus = "completed"
	BlockStatusFailed    BlockStatus = "failed"
	BlockStatusSkipped   BlockStatus = "skipped"
)

// validTransitions lists the allowed moves. Terminal states can only go back to
// pending, which happens when a loop iteration resets its members.
var validTransitions = map[BlockStatus]map[BlockStatus]bool{
	BlockStatusPending: {
		BlockStatusRunning: true,
		BlockStatusSkipped: true,
	},
	BlockStatusRunning: {
		BlockStatusCompleted: true,
		BlockStatusFailed:    true,
	},
	BlockStatusCompleted: {BlockStatusPending: true},
	BlockStatusFailed:    {BlockStatusPending: true},
	BlockStatusSkipped:   {BlockStatusPending: true},
}

// TransitionBlockStatus validates a status change. An invalid move keeps the current status.
func TransitionBlockStatus(current, desired BlockStatus) BlockStatus {
	if current == "" {
		current = BlockStatusPending
	}
	if current == desired {
		return current
	}
	if !validTransitions[current][desired] {
		logrus.Warnf("⚠️ [STATE] Invalid block transition: %s → %s (rejected)", current, desired)
		return current
	}
	return desired
}

// IsTerminal returns true if the status is a final state.
func IsTerminal(status BlockStatus) bool {
	return status == BlockStatusCompleted || status == BlockStatusFailed || status == BlockStatusSkipped
}
