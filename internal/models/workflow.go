package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrWorkflowNotFound is returned by workflow loaders for unknown ids
var ErrWorkflowNotFound = errors.New("workflow not found")

// BlockKind identifies which handler executes a block
type BlockKind string

const (
	KindStarter      BlockKind = "starter"
	KindAgent        BlockKind = "agent"
	KindFunction     BlockKind = "function"
	KindCondition    BlockKind = "condition"
	KindRouter       BlockKind = "router"
	KindLoop         BlockKind = "loop"
	KindParallel     BlockKind = "parallel"
	KindWorkflow     BlockKind = "workflow" // sub-workflow
	KindErrorHandler BlockKind = "error_handler"
	KindAPI          BlockKind = "api" // generic HTTP tool
	KindResponse     BlockKind = "response"
)

// Connection handles that disambiguate multiple outgoing paths of one block
const (
	HandleError           = "error"
	HandleLoopStart       = "loop-start-source"
	HandleLoopEnd         = "loop-end-source"
	HandleParallelStart   = "parallel-start-source"
	HandleParallelEnd     = "parallel-end-source"
	HandleConditionPrefix = "condition-"
)

// Workflow is the immutable serialized graph handed to the executor
type Workflow struct {
	ID          string               `json:"id" yaml:"id"`
	Name        string               `json:"name" yaml:"name"`
	Version     int                  `json:"version,omitempty" yaml:"version,omitempty"`
	Blocks      []Block              `json:"blocks" yaml:"blocks"`
	Connections []Connection         `json:"connections" yaml:"connections"`
	Loops       map[string]*Loop     `json:"loops,omitempty" yaml:"loops,omitempty"`
	Parallels   map[string]*Parallel `json:"parallels,omitempty" yaml:"parallels,omitempty"`
	Variables   []Variable           `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Max execution time in seconds (default 600)
	WorkflowTimeout int `json:"workflowTimeout,omitempty" yaml:"workflowTimeout,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Block represents a single node in the workflow DAG
type Block struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Kind        BlockKind         `json:"kind" yaml:"kind"`
	Config      map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs      map[string]any    `json:"inputs,omitempty" yaml:"inputs,omitempty"`   // input bindings, may contain {{templates}}
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"` // declared output schema: field -> type
	Enabled     *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Timeout     int               `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds, default 30
	RetryConfig *RetryConfig      `json:"retryConfig,omitempty" yaml:"retryConfig,omitempty"`
}

// IsEnabled reports whether the block takes part in execution. Blocks are enabled unless
// explicitly switched off.
func (b *Block) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// NormalizedName is the lowercase, space-free block name used in template references
// (e.g. "Research Agent" -> "researchagent").
func (b *Block) NormalizedName() string {
	return NormalizeName(b.Name)
}

// NormalizeName lowercases a name and strips whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

// RetryConfig specifies automatic retry behavior for a block on transient failures
type RetryConfig struct {
	MaxRetries   int `json:"maxRetries" yaml:"maxRetries"`                         // 0 = no retry (default)
	BackoffMs    int `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`       // initial backoff, default 1000
	MaxBackoffMs int `json:"maxBackoffMs,omitempty" yaml:"maxBackoffMs,omitempty"` // default 30000
}

// Connection represents a directed edge between two blocks
type Connection struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// LoopType selects how a loop computes its iteration bound
type LoopType string

const (
	LoopTypeFor     LoopType = "for"
	LoopTypeForEach LoopType = "forEach"
)

// Loop groups member blocks re-executed sequentially. Its ID equals the ID of the loop block.
type Loop struct {
	ID           string   `json:"id" yaml:"id"`
	Nodes        []string `json:"nodes" yaml:"nodes"`
	LoopType     LoopType `json:"loopType" yaml:"loopType"`
	Iterations   int      `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	ForEachItems any      `json:"forEachItems,omitempty" yaml:"forEachItems,omitempty"` // slice, map or {{reference}}
}

// Parallel groups member blocks executed concurrently once per distribution item.
// Its ID equals the ID of the parallel block.
type Parallel struct {
	ID           string   `json:"id" yaml:"id"`
	Nodes        []string `json:"nodes" yaml:"nodes"`
	Distribution any      `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	Count        int      `json:"count,omitempty" yaml:"count,omitempty"` // used when no distribution is set
}

// Variable represents a workflow-level variable
type Variable struct {
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type,omitempty" yaml:"type,omitempty"` // string, number, boolean, array, object
	DefaultValue any    `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
}

// Block returns the block with the given ID, or nil
func (w *Workflow) Block(id string) *Block {
	for i := range w.Blocks {
		if w.Blocks[i].ID == id {
			return &w.Blocks[i]
		}
	}
	return nil
}

// VariableDefaults returns the default value of every declared workflow variable
func (w *Workflow) VariableDefaults() map[string]any {
	out := make(map[string]any, len(w.Variables))
	for _, v := range w.Variables {
		if v.DefaultValue != nil {
			out[v.Name] = v.DefaultValue
		}
	}
	return out
}

// ParseWorkflow decodes a workflow document. YAML is used for .yaml/.yml names, JSON otherwise.
func ParseWorkflow(name string, data []byte) (*Workflow, error) {
	var wf Workflow
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("failed to parse workflow YAML %s: %w", name, err)
		}
	default:
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("failed to parse workflow JSON %s: %w", name, err)
		}
	}
	if len(wf.Blocks) == 0 {
		return nil, fmt.Errorf("workflow %s has no blocks", name)
	}
	return &wf, nil
}
