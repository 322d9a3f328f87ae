package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"blockflow/internal/logging"
	"blockflow/internal/models"
	"blockflow/internal/services"
)

const (
	defaultBlockTimeout    = 30 * time.Second
	agentBlockTimeout      = 120 * time.Second
	workflowBlockTimeout   = 600 * time.Second
	defaultWorkflowTimeout = 600 * time.Second

	// Max blocks dispatched at once within a wave or across parallel branches
	maxParallelDispatch = 20
)

// Option configures an Executor
type Option func(*options)

type options struct {
	initialStates   map[string]BlockState
	environment     map[string]string
	input           map[string]any
	variables       map[string]any
	stream          bool
	selectedOutputs []string
	onChunk         func(StreamChunk)
	debug           bool
	inflight        InFlightSet
	logger          *logrus.Entry
}

// WithInitialBlockStates pre-populates block outputs; those blocks are treated as already executed.
func WithInitialBlockStates(states map[string]BlockState) Option {
	return func(o *options) { o.initialStates = states }
}

// WithEnvironment sets the decrypted environment variables visible as {{env.NAME}}.
func WithEnvironment(env map[string]string) Option {
	return func(o *options) { o.environment = env }
}

// WithWorkflowInput sets the run input exposed by the starter block.
func WithWorkflowInput(input map[string]any) Option {
	return func(o *options) { o.input = input }
}

// WithWorkflowVariables overrides workflow variable defaults.
func WithWorkflowVariables(vars map[string]any) Option {
	return func(o *options) { o.variables = vars }
}

// WithStream makes Execute return a StreamingExecution.
func WithStream(stream bool) Option {
	return func(o *options) { o.stream = stream }
}

// WithSelectedOutputs designates the output blocks. They decide Success and, when
// streaming, are the blocks whose chunks are forwarded.
func WithSelectedOutputs(blockIDs ...string) Option {
	return func(o *options) { o.selectedOutputs = blockIDs }
}

// WithOnStreamChunk registers a callback invoked for every streamed chunk.
func WithOnStreamChunk(fn func(StreamChunk)) Option {
	return func(o *options) { o.onChunk = fn }
}

// WithDebug makes Execute pause after the first wave.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithInFlightSet shares a sub-workflow in-flight set with the run.
func WithInFlightSet(set InFlightSet) Option {
	return func(o *options) { o.inflight = set }
}

// WithLogger sets the base logger for the run.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) { o.logger = logger }
}

// Execution is the outcome of Execute. Exactly one field is set.
type Execution struct {
	Result    *ExecutionResult
	Streaming *StreamingExecution
	Paused    *ExecutionContext
}

// ResultMetadata holds run timing.
type ResultMetadata struct {
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	DurationMs int64     `json:"durationMs"`
}

// ExecutionResult is the final outcome of a run.
type ExecutionResult struct {
	Success  bool              `json:"success"`
	Output   map[string]any    `json:"output"`
	Logs     []models.BlockLog `json:"logs"`
	Metadata ResultMetadata    `json:"metadata"`
	Error    string            `json:"error,omitempty"`

	// BlockErrors lists every failed block dispatch in log order, routed or not.
	// Cause is the handler error when the failure did not come from the output itself.
	BlockErrors []*BlockExecutionError `json:"-"`

	Context *ExecutionContext `json:"-"`
}

// Executor runs one workflow graph. It is immutable after New and safe for concurrent
// Execute calls; every call gets its own ExecutionContext.
type Executor struct {
	workflow *models.Workflow
	handlers map[models.BlockKind]BlockHandler
	opts     options
	metrics  *services.Metrics

	blocks    map[string]*models.Block
	order     map[string]int // declaration index
	byName    map[string]string
	incoming  map[string][]models.Connection
	outgoing  map[string][]models.Connection
	starter   *models.Block
	topLevel  []string
	membersOf map[string][]string // construct id -> member ids in declaration order
}

// New validates the workflow and resolves a handler for every block kind it uses.
func New(wf *models.Workflow, registry *Registry, opts ...Option) (*Executor, error) {
	if wf == nil {
		return nil, structuralError(ReasonMissingStarter, "", "workflow is nil")
	}
	if registry == nil {
		registry = NewRegistry()
	}

	starter, err := validate(wf)
	if err != nil {
		return nil, err
	}

	handlers, err := registry.Resolve(wf)
	if err != nil {
		return nil, err
	}

	ex := &Executor{
		workflow:  wf,
		handlers:  handlers,
		metrics:   services.GetMetrics(),
		blocks:    make(map[string]*models.Block, len(wf.Blocks)),
		order:     make(map[string]int, len(wf.Blocks)),
		byName:    make(map[string]string, len(wf.Blocks)),
		incoming:  make(map[string][]models.Connection),
		outgoing:  make(map[string][]models.Connection),
		starter:   starter,
		membersOf: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(&ex.opts)
	}

	for i := range wf.Blocks {
		b := &wf.Blocks[i]
		ex.blocks[b.ID] = b
		ex.order[b.ID] = i
		if name := b.NormalizedName(); name != "" {
			if _, taken := ex.byName[name]; !taken {
				ex.byName[name] = b.ID
			}
		}
	}
	for _, c := range wf.Connections {
		ex.incoming[c.Target] = append(ex.incoming[c.Target], c)
		ex.outgoing[c.Source] = append(ex.outgoing[c.Source], c)
	}

	member := make(map[string]bool)
	for id, loop := range wf.Loops {
		ex.membersOf[id] = ex.declared(loop.Nodes)
	}
	for id, par := range wf.Parallels {
		ex.membersOf[id] = ex.declared(par.Nodes)
	}
	for _, members := range ex.membersOf {
		for _, m := range members {
			member[m] = true
		}
	}
	for i := range wf.Blocks {
		if !member[wf.Blocks[i].ID] {
			ex.topLevel = append(ex.topLevel, wf.Blocks[i].ID)
		}
	}

	return ex, nil
}

// declared filters ids to known blocks and sorts them by declaration order.
func (ex *Executor) declared(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := ex.blocks[id]; ok {
			out = append(out, id)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return ex.order[out[i]] < ex.order[out[j]] })
	return out
}

// validate checks the structural invariants and returns the starter block.
func validate(wf *models.Workflow) (*models.Block, error) {
	var starters []*models.Block
	disabledStarters := 0
	ids := make(map[string]bool, len(wf.Blocks))
	for i := range wf.Blocks {
		b := &wf.Blocks[i]
		ids[b.ID] = true
		if b.Kind != models.KindStarter {
			continue
		}
		if b.IsEnabled() {
			starters = append(starters, b)
		} else {
			disabledStarters++
		}
	}

	switch {
	case len(starters) == 0 && disabledStarters > 0:
		return nil, structuralError(ReasonDisabledStarter, "", "workflow %s: starter block is disabled", wf.ID)
	case len(starters) == 0:
		return nil, structuralError(ReasonMissingStarter, "", "workflow %s has no starter block", wf.ID)
	case len(starters) > 1:
		return nil, structuralError(ReasonMultipleStarters, starters[1].ID,
			"workflow %s has %d enabled starter blocks", wf.ID, len(starters))
	}
	starter := starters[0]

	for _, c := range wf.Connections {
		if !ids[c.Source] {
			return nil, structuralError(ReasonDanglingConnection, c.Source,
				"connection %s references unknown source block %s", c.ID, c.Source)
		}
		if !ids[c.Target] {
			return nil, structuralError(ReasonDanglingConnection, c.Target,
				"connection %s references unknown target block %s", c.ID, c.Target)
		}
	}

	outgoing := 0
	for _, c := range wf.Connections {
		if c.Target == starter.ID {
			return nil, structuralError(ReasonStarterHasIncoming, starter.ID,
				"starter block '%s' must not have incoming connections", starter.Name)
		}
		if c.Source == starter.ID {
			outgoing++
		}
	}
	if outgoing == 0 {
		return nil, structuralError(ReasonStarterNoOutgoing, starter.ID,
			"starter block '%s' has no outgoing connections", starter.Name)
	}

	return starter, nil
}

// Workflow returns the graph this executor runs
func (ex *Executor) Workflow() *models.Workflow {
	return ex.workflow
}

// Execute runs the workflow. Depending on the options the result is a finished
// ExecutionResult, a StreamingExecution or a paused debug context. The returned error
// is reserved for cancellation of ctx.
func (ex *Executor) Execute(ctx context.Context, runID string) (*Execution, error) {
	r := ex.newRun(runID)

	switch {
	case ex.opts.debug:
		return ex.startDebug(ctx, r)
	case ex.opts.stream:
		return &Execution{Streaming: ex.startStreaming(ctx, r)}, nil
	}

	result, err := r.runToCompletion(ctx)
	if err != nil {
		return nil, err
	}
	return &Execution{Result: result}, nil
}

// Run executes the workflow to completion, ignoring the debug and stream options.
func (ex *Executor) Run(ctx context.Context, runID string) (*ExecutionResult, error) {
	return ex.newRun(runID).runToCompletion(ctx)
}

// ContinueExecution resumes a paused debug run by executing exactly blockIDs, which must
// all be ready. An empty list runs every pending block.
func (ex *Executor) ContinueExecution(ctx context.Context, blockIDs []string, ec *ExecutionContext) (*Execution, error) {
	if ec == nil {
		return nil, fmt.Errorf("continue execution: context is nil")
	}
	state, err := ec.Clone()
	if err != nil {
		return nil, err
	}
	r := ex.resumeRun(state)
	ctx = withWorkflowChain(ctx, ex.workflow.ID)

	ready := r.nextWave(r.top)
	readySet := make(map[string]*models.Block, len(ready))
	for _, b := range ready {
		readySet[b.ID] = b
	}

	wave := ready
	if len(blockIDs) > 0 {
		wave = make([]*models.Block, 0, len(blockIDs))
		for _, id := range blockIDs {
			if _, ok := ex.blocks[id]; !ok {
				return nil, fmt.Errorf("continue execution: unknown block %s", id)
			}
			b, ok := readySet[id]
			if !ok {
				return nil, fmt.Errorf("continue execution: block %s is not ready", id)
			}
			wave = append(wave, b)
		}
		sort.SliceStable(wave, func(i, j int) bool { return ex.order[wave[i].ID] < ex.order[wave[j].ID] })
	}

	state.PendingBlocks = nil
	if err := r.runWave(ctx, r.top, wave); err != nil {
		return nil, err
	}
	return r.pauseOrFinish()
}

func (ex *Executor) startDebug(ctx context.Context, r *run) (*Execution, error) {
	ctx = withWorkflowChain(ctx, ex.workflow.ID)
	if err := r.runWave(ctx, r.top, r.nextWave(r.top)); err != nil {
		return nil, err
	}
	return r.pauseOrFinish()
}

// run is the per-Execute state. ec is guarded by mu whenever parallel branches or
// wave members may touch it concurrently.
type run struct {
	ex     *Executor
	ec     *ExecutionContext
	mu     sync.Mutex
	top    *scope
	log    *logrus.Entry
	stream *chunkPump
	causes map[int]error // BlockLogs index -> handler error
}

func (ex *Executor) newRun(runID string) *run {
	ec := NewExecutionContext(ex.workflow.ID, runID)
	for k, v := range ex.opts.environment {
		ec.EnvironmentVariables[k] = v
	}
	for k, v := range ex.workflow.VariableDefaults() {
		ec.WorkflowVariables[k] = v
	}
	for k, v := range ex.opts.variables {
		ec.WorkflowVariables[k] = v
	}
	for k, v := range ex.opts.input {
		ec.WorkflowInput[k] = v
	}

	r := ex.resumeRun(ec)
	ec.ActivePath[ex.starter.ID] = true
	for id, st := range ex.opts.initialStates {
		block, ok := ex.blocks[id]
		if !ok {
			continue
		}
		st.Executed = true
		if st.Status == "" {
			st.Status = BlockStatusCompleted
		}
		ec.BlockStates[id] = st
		ec.ExecutedBlocks[id] = true
		ec.ActivePath[id] = true
		if outputError(st.Output) == "" {
			r.activateSuccessors(r.top, block, st.Output)
		}
	}
	return r
}

func (ex *Executor) resumeRun(ec *ExecutionContext) *run {
	logger := ex.opts.logger
	if logger == nil {
		logger = logging.WithExecution(ec.RunID, ex.workflow.ID)
	} else {
		logger = logger.WithFields(logrus.Fields{"execution_id": ec.RunID, "workflow_id": ex.workflow.ID})
	}
	return &run{
		ex:  ex,
		ec:  ec,
		top:    newTopScope(ex.topLevel),
		log:    logger,
		causes: make(map[int]error),
	}
}

func (r *run) runToCompletion(ctx context.Context) (*ExecutionResult, error) {
	wf := r.ex.workflow
	timeout := defaultWorkflowTimeout
	if wf.WorkflowTimeout > 0 {
		timeout = time.Duration(wf.WorkflowTimeout) * time.Second
	}

	r.log.Infof("🚀 [ENGINE] Starting workflow '%s' (%d blocks)", wf.Name, len(wf.Blocks))

	runCtx, cancel := context.WithTimeout(withWorkflowChain(ctx, wf.ID), timeout)
	defer cancel()

	if err := r.runGraph(runCtx, r.top); err != nil {
		if ctx.Err() != nil {
			r.log.Warnf("⚠️ [ENGINE] Workflow '%s' canceled: %v", wf.Name, ctx.Err())
			return nil, ctx.Err()
		}
		result := r.finish()
		result.Success = false
		result.Error = fmt.Sprintf("workflow exceeded timeout of %s", timeout)
		return result, nil
	}
	return r.finish(), nil
}

// runGraph dispatches ready waves of a scope until nothing is ready.
func (r *run) runGraph(ctx context.Context, sc *scope) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready := r.nextWave(sc)
		if len(ready) == 0 {
			return nil
		}
		if err := r.runWave(ctx, sc, ready); err != nil {
			return err
		}
	}
}

// nextWave settles skipped blocks and returns the ready set in declaration order.
func (r *run) nextWave(sc *scope) []*models.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settle(sc)
	return r.ready(sc)
}

// outcome is the result of one dispatch, applied to the context after the wave.
type outcome struct {
	block   *models.Block
	key     string
	output  map[string]any
	started time.Time
	elapsed time.Duration
	scope   *scope
	err     error
}

// runWave dispatches blocks concurrently and applies their outcomes in declaration order.
func (r *run) runWave(ctx context.Context, sc *scope, blocks []*models.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	outcomes := make([]*outcome, len(blocks))
	if len(blocks) == 1 {
		outcomes[0] = r.dispatch(ctx, sc, blocks[0])
	} else {
		var g errgroup.Group
		g.SetLimit(maxParallelDispatch)
		for i, b := range blocks {
			g.Go(func() error {
				outcomes[i] = r.dispatch(ctx, sc, b)
				return nil
			})
		}
		_ = g.Wait()
	}

	r.mu.Lock()
	for _, o := range outcomes {
		r.apply(o)
	}
	r.mu.Unlock()
	return ctx.Err()
}

// dispatch runs one block: resolve inputs, invoke the handler with timeout, retry and
// panic recovery, normalize, then drive loop/parallel iterations.
func (r *run) dispatch(ctx context.Context, sc *scope, block *models.Block) *outcome {
	key := sc.keyFor(block.ID)
	started := time.Now()

	r.mu.Lock()
	r.ec.markRunning(key)
	req := r.buildRequest(sc, block)
	r.mu.Unlock()

	blockLog := logging.WithBlock(r.log, block.ID, block.Name, string(block.Kind))
	blockLog.Debugf("▶️ [ENGINE] Block '%s' (%s) started", block.Name, block.Kind)

	raw, err := r.ex.invoke(ctx, r.ex.handlers[block.Kind], req, blockLog)
	var output map[string]any
	if err != nil {
		output = failureOutput(err)
		err = &BlockExecutionError{BlockID: block.ID, BlockName: block.Name, Message: errorMessage(err), Cause: err}
	} else {
		output = NormalizeOutput(block.Kind, raw)
	}

	if outputError(output) == "" {
		switch block.Kind {
		case models.KindLoop:
			output = r.runLoop(ctx, sc, block, output)
		case models.KindParallel:
			output = r.runParallel(ctx, sc, block, output)
		}
	}

	elapsed := time.Since(started)
	if msg := outputError(output); msg != "" {
		blockLog.Warnf("❌ [ENGINE] Block '%s' failed after %s: %s", block.Name, elapsed, msg)
	} else {
		blockLog.Infof("✅ [ENGINE] Block '%s' completed in %s", block.Name, elapsed)
	}
	r.ex.metrics.RecordBlock(string(block.Kind), outputError(output) == "", elapsed.Seconds())

	return &outcome{block: block, key: key, output: output, started: started, elapsed: elapsed, scope: sc, err: err}
}

// apply records an outcome and moves the active path. Caller holds r.mu.
func (r *run) apply(o *outcome) {
	r.ec.markDone(o.key, o.output, o.elapsed)

	errMsg := outputError(o.output)
	r.ec.BlockLogs = append(r.ec.BlockLogs, models.BlockLog{
		BlockID:    o.block.ID,
		BlockName:  o.block.Name,
		BlockKind:  o.block.Kind,
		Iteration:  o.scope.iterationIndex(),
		StartedAt:  o.started,
		EndedAt:    o.started.Add(o.elapsed),
		DurationMs: o.elapsed.Milliseconds(),
		Success:    errMsg == "",
		Output:     o.output,
		Error:      errMsg,
	})

	if errMsg != "" {
		if o.err != nil {
			r.causes[len(r.ec.BlockLogs)-1] = o.err
		}
		if !r.ex.activateErrorPath(r.ec, o.block, o.scope.keyFor) {
			r.log.Warnf("⛔ [ENGINE] Block '%s' failed without an error path, branch terminated", o.block.Name)
		}
		return
	}

	r.recordDecision(o.scope, o.block, o.output)
	r.activateSuccessors(o.scope, o.block, o.output)
}

// buildRequest resolves config and inputs for a dispatch. Caller holds r.mu.
func (r *run) buildRequest(sc *scope, block *models.Block) *BlockRequest {
	resolve := func(ref string) (any, bool) { return r.resolveRef(sc, ref) }

	config := block.Config
	switch block.Kind {
	case models.KindLoop:
		config = copyMap(block.Config)
		if loop := r.ex.workflow.Loops[block.ID]; loop != nil {
			config["loopType"] = string(loop.LoopType)
			config["iterations"] = loop.Iterations
			config["forEachItems"] = loop.ForEachItems
		}
	case models.KindParallel:
		config = copyMap(block.Config)
		if par := r.ex.workflow.Parallels[block.ID]; par != nil {
			config["distribution"] = par.Distribution
			config["count"] = par.Count
		}
	}

	var sources []SourceOutput
	for _, c := range r.ex.incoming[block.ID] {
		if out, ok := r.ec.output(sc.keyFor(c.Source)); ok {
			sources = append(sources, SourceOutput{BlockID: c.Source, Handle: c.SourceHandle, Output: out})
		}
	}

	env := make(map[string]string, len(r.ec.EnvironmentVariables))
	for k, v := range r.ec.EnvironmentVariables {
		env[k] = v
	}

	req := &BlockRequest{
		Block:         block,
		Config:        ResolveMap(config, resolve),
		Inputs:        ResolveMap(block.Inputs, resolve),
		RunID:         r.ec.RunID,
		WorkflowID:    r.ec.WorkflowID,
		Environment:   env,
		Variables:     copyMap(r.ec.WorkflowVariables),
		WorkflowInput: r.ec.WorkflowInput,
		Sources:       sources,
		Iteration:     sc.iteration(),
		InFlight:      r.ex.opts.inflight,
		Lookup: func(ref string) (any, bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.resolveRef(sc, ref)
		},
	}
	if r.streams(block) {
		blockID := block.ID
		req.Emit = func(chunk string) { r.emit(StreamChunk{BlockID: blockID, Content: chunk}) }
	}
	return req
}

// invoke calls a handler with per-block timeout, panic recovery and backoff retries
// for transient errors.
func (ex *Executor) invoke(ctx context.Context, h BlockHandler, req *BlockRequest, logger *logrus.Entry) (map[string]any, error) {
	timeout := blockTimeout(req.Block)
	attempt := func() (map[string]any, error) {
		bctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return safeExecute(bctx, h, req)
	}

	rc := req.Block.RetryConfig
	if rc == nil || rc.MaxRetries <= 0 {
		return attempt()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = millis(rc.BackoffMs, time.Second)
	b.MaxInterval = millis(rc.MaxBackoffMs, 30*time.Second)

	tries := 0
	return backoff.Retry(ctx, func() (map[string]any, error) {
		tries++
		out, err := attempt()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || !ClassifyError(err).Retryable {
			return nil, backoff.Permanent(err)
		}
		logger.Warnf("🔄 [ENGINE] Block '%s' attempt %d/%d failed: %v", req.Block.Name, tries, rc.MaxRetries+1, err)
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(rc.MaxRetries+1)))
}

// safeExecute runs the handler in its own goroutine so a handler that ignores ctx
// still times out, and turns a panic into an error.
func safeExecute(ctx context.Context, h BlockHandler, req *BlockRequest) (map[string]any, error) {
	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("handler panicked: %v", p)}
			}
		}()
		out, err := h.Execute(ctx, req)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func blockTimeout(block *models.Block) time.Duration {
	if block.Timeout > 0 {
		return time.Duration(block.Timeout) * time.Second
	}
	switch block.Kind {
	case models.KindAgent:
		return agentBlockTimeout
	case models.KindWorkflow:
		return workflowBlockTimeout
	}
	return defaultBlockTimeout
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// pauseOrFinish ends a debug step: either the run is done or the next wave is pending.
func (r *run) pauseOrFinish() (*Execution, error) {
	next := r.nextWave(r.top)
	if len(next) == 0 {
		return &Execution{Result: r.finish()}, nil
	}
	pending := make([]string, len(next))
	for i, b := range next {
		pending[i] = b.ID
	}
	r.ec.PendingBlocks = pending
	snapshot, err := r.ec.Clone()
	if err != nil {
		return nil, err
	}
	r.log.Infof("⏸️ [ENGINE] Debug pause, %d block(s) pending", len(pending))
	return &Execution{Paused: snapshot}, nil
}

// finish derives the final result. Success depends only on the designated output blocks:
// the selected outputs when given, otherwise the terminal executed blocks (a failed block
// whose error was not routed is terminal for its branch).
func (r *run) finish() *ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec := r.ec
	end := time.Now()
	ec.Metadata.DurationMs = end.Sub(ec.Metadata.StartTime).Milliseconds()
	ec.PendingBlocks = nil

	result := &ExecutionResult{
		Success: true,
		Logs:    append([]models.BlockLog(nil), ec.BlockLogs...),
		Metadata: ResultMetadata{
			StartTime:  ec.Metadata.StartTime,
			EndTime:    end,
			DurationMs: ec.Metadata.DurationMs,
		},
		Context: ec,
	}

	selected := r.ex.declared(r.ex.opts.selectedOutputs)
	if len(selected) > 0 {
		for _, id := range selected {
			out, ok := ec.output(id)
			switch {
			case !ok:
				result.Success = false
				if result.Error == "" {
					result.Error = fmt.Sprintf("output block %s did not execute", id)
				}
			case outputError(out) != "":
				result.Success = false
				if result.Error == "" {
					result.Error = outputError(out)
				}
				result.Output = out
			default:
				result.Output = out
			}
		}
	} else {
		for _, id := range r.ex.topLevel {
			out, ok := ec.output(id)
			if !ok || outputError(out) == "" || r.ex.hasErrorRoute(id) {
				continue
			}
			result.Success = false
			if result.Error == "" {
				result.Error = outputError(out)
			}
		}
		result.Output = r.lastTopLevelOutput()
	}

	if result.Output == nil {
		result.Output = map[string]any{"response": map[string]any{}}
	}
	result.BlockErrors = r.blockErrors()

	r.ex.metrics.RecordRun(result.Success, float64(ec.Metadata.DurationMs)/1000)
	if result.Success {
		r.log.Infof("🏁 [ENGINE] Workflow '%s' completed in %dms", r.ex.workflow.Name, ec.Metadata.DurationMs)
	} else {
		r.log.Warnf("🏁 [ENGINE] Workflow '%s' finished with errors in %dms: %s", r.ex.workflow.Name, ec.Metadata.DurationMs, result.Error)
	}
	return result
}

// lastTopLevelOutput returns the output of the most recently finished top-level block.
func (r *run) lastTopLevelOutput() map[string]any {
	for i := len(r.ec.BlockLogs) - 1; i >= 0; i-- {
		l := r.ec.BlockLogs[i]
		if l.Iteration == nil && r.top.memberSet[l.BlockID] {
			return l.Output
		}
	}
	return nil
}

// blockErrors rebuilds the failed dispatches from the log. Handler errors are only
// known for waves run by this process; a resumed context carries the message alone.
func (r *run) blockErrors() []*BlockExecutionError {
	var out []*BlockExecutionError
	for i, l := range r.ec.BlockLogs {
		if l.Success {
			continue
		}
		var be *BlockExecutionError
		if !errors.As(r.causes[i], &be) {
			be = &BlockExecutionError{BlockID: l.BlockID, BlockName: l.BlockName, Message: l.Error}
		}
		out = append(out, be)
	}
	return out
}

// streams reports whether a block's chunks are forwarded to the caller.
func (r *run) streams(block *models.Block) bool {
	if r.stream == nil && r.ex.opts.onChunk == nil {
		return false
	}
	if len(r.ex.opts.selectedOutputs) == 0 {
		return block.Kind == models.KindAgent
	}
	for _, id := range r.ex.opts.selectedOutputs {
		if id == block.ID {
			return true
		}
	}
	return false
}

func (r *run) emit(chunk StreamChunk) {
	if r.stream != nil {
		r.stream.emit(chunk)
	}
	if r.ex.opts.onChunk != nil {
		r.ex.opts.onChunk(chunk)
	}
}
