package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Init configures the global logrus logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text formatter. LOG_LEVEL overrides the level.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	logrus.SetOutput(os.Stdout)
	if env == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetLevel(logrus.DebugLevel)
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			logrus.SetLevel(parsed)
		}
	}
}

// WithExecution returns a logger with execution context fields attached.
// Use this for all logging within a workflow execution.
func WithExecution(executionID, workflowID string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"execution_id": executionID,
		"workflow_id":  workflowID,
	})
}

// WithBlock returns a logger scoped to a specific block within an execution.
func WithBlock(logger *logrus.Entry, blockID, blockName, blockKind string) *logrus.Entry {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return logger.WithFields(logrus.Fields{
		"block_id":   blockID,
		"block_name": blockName,
		"block_kind": blockKind,
	})
}

// WithComponent returns a logger for a long-lived component such as the scheduler.
func WithComponent(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
