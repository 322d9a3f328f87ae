package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blockflow/internal/models"
)

// MockHandler is a configurable BlockHandler for one block kind.
type MockHandler struct {
	KindHandler

	delay     time.Duration // honors ctx
	output    map[string]any
	err       error
	failUntil int32 // fail with err on calls 1..failUntil, succeed after
	panicMsg  string
	fn        func(ctx context.Context, req *BlockRequest) (map[string]any, error)

	callCount atomic.Int32
	mu        sync.Mutex
	calls     []*BlockRequest
}

func newMock(kind models.BlockKind) *MockHandler {
	return &MockHandler{KindHandler: KindHandler(kind)}
}

func (m *MockHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	n := m.callCount.Add(1)
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.failUntil > 0 {
		if n <= m.failUntil {
			return nil, m.err
		}
	} else if m.err != nil {
		return nil, m.err
	}
	if m.fn != nil {
		return m.fn(ctx, req)
	}
	if m.output != nil {
		return copyMap(m.output), nil
	}
	return map[string]any{"response": map[string]any{"blockId": req.Block.ID}}, nil
}

// calledFor returns the ids of the blocks this handler ran, in call order.
func (m *MockHandler) calledFor() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.calls))
	for i, req := range m.calls {
		ids[i] = req.Block.ID
	}
	return ids
}

func (m *MockHandler) lastCall() *BlockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// newTestRegistry registers the built-in control-flow handlers plus the given mocks.
func newTestRegistry(handlers ...BlockHandler) *Registry {
	r := NewRegistry(
		NewStarterHandler(),
		NewConditionHandler(),
		NewRouterHandler(),
		NewLoopHandler(),
		NewParallelHandler(),
		NewErrorHandlerBlock(),
		NewResponseHandler(),
	)
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

func blk(id string, kind models.BlockKind, config map[string]any) models.Block {
	return models.Block{ID: id, Name: id, Kind: kind, Config: config}
}

func disabled(b models.Block) models.Block {
	off := false
	b.Enabled = &off
	return b
}

func conn(source, target string, handle ...string) models.Connection {
	c := models.Connection{ID: source + "->" + target, Source: source, Target: target}
	if len(handle) > 0 {
		c.SourceHandle = handle[0]
		c.ID += ":" + handle[0]
	}
	return c
}

func buildWorkflow(id string, blocks []models.Block, conns []models.Connection) *models.Workflow {
	return &models.Workflow{
		ID:          id,
		Name:        id,
		Blocks:      blocks,
		Connections: conns,
		Loops:       map[string]*models.Loop{},
		Parallels:   map[string]*models.Parallel{},
	}
}

func runWorkflow(t *testing.T, wf *models.Workflow, reg *Registry, opts ...Option) *ExecutionResult {
	t.Helper()
	ex, err := New(wf, reg, opts...)
	require.NoError(t, err)
	result, err := ex.Run(context.Background(), "run-"+wf.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

// mapLoader serves workflows from memory.
type mapLoader map[string]*models.Workflow

func (l mapLoader) LoadWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	wf, ok := l[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

func response(t *testing.T, output map[string]any) map[string]any {
	t.Helper()
	resp, ok := output["response"].(map[string]any)
	require.True(t, ok, "output has no response map: %v", output)
	return resp
}
