package execution

import (
	"context"
	"sync"
)

// StreamChunk is one piece of content emitted by a streaming block.
type StreamChunk struct {
	BlockID string `json:"blockId"`
	Content string `json:"content"`
}

// StreamingExecution is a run whose selected output blocks stream content while the
// rest of the workflow keeps executing. The final result does not depend on Chunks
// being read. Reading Chunks until it closes and then calling Wait yields every chunk;
// once Wait has returned the result, chunks nobody has read yet are dropped and
// Chunks is closed.
type StreamingExecution struct {
	RunID  string
	Chunks <-chan StreamChunk
	Done   <-chan struct{}

	result *ExecutionResult
	err    error
	cancel context.CancelFunc
	pump   *chunkPump
}

// Wait blocks until the run finishes or ctx is done.
func (s *StreamingExecution) Wait(ctx context.Context) (*ExecutionResult, error) {
	select {
	case <-s.Done:
		s.pump.halt()
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the run and the chunk delivery.
func (s *StreamingExecution) Cancel() {
	s.cancel()
	s.pump.halt()
}

func (ex *Executor) startStreaming(ctx context.Context, r *run) *StreamingExecution {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	pump := newChunkPump(runCtx.Done())
	r.stream = pump

	s := &StreamingExecution{
		RunID:  r.ec.RunID,
		Chunks: pump.out,
		Done:   done,
		cancel: cancel,
		pump:   pump,
	}

	go pump.run()
	go func() {
		defer close(done)
		defer pump.close()
		s.result, s.err = r.runToCompletion(runCtx)
	}()
	return s
}

// chunkPump decouples emitters from the consumer: emit only appends to a queue, so a
// slow reader never stalls a block.
type chunkPump struct {
	mu     sync.Mutex
	queue  []StreamChunk
	closed bool
	notify chan struct{}
	out    chan StreamChunk
	stop   <-chan struct{}

	quit     chan struct{}
	quitOnce sync.Once
	exited   chan struct{}
}

func newChunkPump(stop <-chan struct{}) *chunkPump {
	return &chunkPump{
		notify: make(chan struct{}, 1),
		out:    make(chan StreamChunk, 64),
		stop:   stop,
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// halt abandons undelivered chunks and ends delivery
func (p *chunkPump) halt() {
	p.quitOnce.Do(func() { close(p.quit) })
}

func (p *chunkPump) emit(chunk StreamChunk) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, chunk)
	p.mu.Unlock()
	p.wake()
}

func (p *chunkPump) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wake()
}

func (p *chunkPump) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *chunkPump) run() {
	defer close(p.exited)
	defer close(p.out)
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, chunk := range batch {
			select {
			case p.out <- chunk:
			case <-p.stop:
				return
			case <-p.quit:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-p.notify:
		case <-p.stop:
			return
		case <-p.quit:
			return
		}
	}
}
