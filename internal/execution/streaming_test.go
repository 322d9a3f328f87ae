package execution

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockflow/internal/models"
)

func chattyAgent(chunks int) *MockHandler {
	agent := newMock(models.KindAgent)
	agent.fn = func(_ context.Context, req *BlockRequest) (map[string]any, error) {
		if req.Emit != nil {
			for i := 0; i < chunks; i++ {
				req.Emit(strconv.Itoa(i))
			}
		}
		return map[string]any{"content": req.Block.ID + " done"}, nil
	}
	return agent
}

func streamingWorkflow() *models.Workflow {
	return buildWorkflow("streaming",
		[]models.Block{
			blk("start", models.KindStarter, nil),
			blk("writer", models.KindAgent, nil),
			blk("editor", models.KindAgent, nil),
		},
		[]models.Connection{conn("start", "writer"), conn("writer", "editor")})
}

func TestStreaming_ResultDoesNotWaitForReader(t *testing.T) {
	ex, err := New(streamingWorkflow(), newTestRegistry(chattyAgent(200)), WithStream(true))
	require.NoError(t, err)

	execution, err := ex.Execute(context.Background(), "run-stream")
	require.NoError(t, err)
	stream := execution.Streaming
	require.NotNil(t, stream)
	assert.Equal(t, "run-stream", stream.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := stream.Wait(ctx)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "editor done", response(t, result.Output)["content"])

	// nobody read the 400 chunks; the delivery goroutine must not outlive the result
	select {
	case <-stream.pump.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("chunk delivery still running after Wait returned")
	}

	// whatever was already buffered is still readable in order, then the channel closes
	var writer []string
	for chunk := range stream.Chunks {
		if chunk.BlockID == "writer" {
			writer = append(writer, chunk.Content)
		}
	}
	assert.LessOrEqual(t, len(writer), 200)
	for i := range writer {
		assert.Equal(t, strconv.Itoa(i), writer[i])
	}
}

func TestStreaming_DrainThenWaitDeliversEverything(t *testing.T) {
	ex, err := New(streamingWorkflow(), newTestRegistry(chattyAgent(200)), WithStream(true))
	require.NoError(t, err)

	execution, err := ex.Execute(context.Background(), "run-drain")
	require.NoError(t, err)
	stream := execution.Streaming

	var writer, editor []string
	for chunk := range stream.Chunks {
		switch chunk.BlockID {
		case "writer":
			writer = append(writer, chunk.Content)
		case "editor":
			editor = append(editor, chunk.Content)
		}
	}
	require.Len(t, writer, 200)
	require.Len(t, editor, 200)
	for i := range writer {
		assert.Equal(t, strconv.Itoa(i), writer[i])
	}

	result, err := stream.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	<-stream.pump.exited
}

func TestStreaming_SelectedOutputsOnly(t *testing.T) {
	var callbacks atomic.Int32
	ex, err := New(streamingWorkflow(), newTestRegistry(chattyAgent(5)),
		WithStream(true),
		WithSelectedOutputs("editor"),
		WithOnStreamChunk(func(StreamChunk) { callbacks.Add(1) }))
	require.NoError(t, err)

	execution, err := ex.Execute(context.Background(), "run-selected")
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range execution.Streaming.Chunks {
		chunks = append(chunks, chunk)
	}
	<-execution.Streaming.Done

	require.Len(t, chunks, 5)
	for _, c := range chunks {
		assert.Equal(t, "editor", c.BlockID)
	}
	assert.Equal(t, int32(5), callbacks.Load())

	result, err := execution.Streaming.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestStreaming_CallbackWithoutStream(t *testing.T) {
	var got []string
	ex, err := New(streamingWorkflow(), newTestRegistry(chattyAgent(3)),
		WithOnStreamChunk(func(c StreamChunk) { got = append(got, c.BlockID+":"+c.Content) }))
	require.NoError(t, err)

	result, err := ex.Run(context.Background(), "run-callback")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []string{"writer:0", "writer:1", "writer:2", "editor:0", "editor:1", "editor:2"}, got)
}

func TestStreaming_Cancel(t *testing.T) {
	agent := newMock(models.KindAgent)
	agent.delay = 5 * time.Second

	ex, err := New(streamingWorkflow(), newTestRegistry(agent), WithStream(true))
	require.NoError(t, err)

	execution, err := ex.Execute(context.Background(), "run-cancel")
	require.NoError(t, err)
	execution.Streaming.Cancel()

	select {
	case <-execution.Streaming.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after Cancel")
	}
	_, err = execution.Streaming.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	for range execution.Streaming.Chunks {
	}
	<-execution.Streaming.pump.exited
}

func TestChunkPump_HaltDropsUndelivered(t *testing.T) {
	pump := newChunkPump(make(chan struct{}))
	go pump.run()

	for i := 0; i < 150; i++ {
		pump.emit(StreamChunk{BlockID: "b", Content: strconv.Itoa(i)})
	}
	pump.halt()
	pump.halt()

	select {
	case <-pump.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("pump kept running after halt")
	}
	var n int
	for range pump.out {
		n++
	}
	assert.Less(t, n, 150)
}

func TestChunkPump_DeliversAfterClose(t *testing.T) {
	stop := make(chan struct{})
	pump := newChunkPump(stop)
	go pump.run()

	for i := 0; i < 150; i++ {
		pump.emit(StreamChunk{BlockID: "b", Content: strconv.Itoa(i)})
	}
	pump.close()
	pump.emit(StreamChunk{BlockID: "b", Content: "late"})

	var n int
	for c := range pump.out {
		assert.Equal(t, strconv.Itoa(n), c.Content)
		n++
	}
	assert.Equal(t, 150, n)
}
