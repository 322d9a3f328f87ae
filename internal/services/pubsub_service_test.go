package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubSub_PeerCacheInvalidated(t *testing.T) {
	_, rds := newTestRedis(t)
	db := openTestDB(t)
	ctx := context.Background()

	// two instances sharing one database, each with its own cache
	writer := NewWorkflowService(db, time.Hour)
	reader := NewWorkflowService(db, time.Hour)

	writerBus := NewPubSubService(rds, "instance-a")
	readerBus := NewPubSubService(rds, "instance-b")
	invalidated := make(chan string, 4)
	readerBus.Subscribe(func(msg *PubSubMessage) {
		reader.Invalidate(msg.WorkflowID)
		invalidated <- msg.WorkflowID
	})
	require.NoError(t, readerBus.Start())
	t.Cleanup(func() { readerBus.Stop() })
	writer.SetChangePublisher(writerBus)

	require.NoError(t, writer.SaveWorkflow(ctx, sampleWorkflow("wf-1")))
	select {
	case id := <-invalidated:
		assert.Equal(t, "wf-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not notified of the first save")
	}

	cached, err := reader.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Sample", cached.Name)

	wf := sampleWorkflow("wf-1")
	wf.Name = "Renamed"
	wf.Version = 2
	require.NoError(t, writer.SaveWorkflow(ctx, wf))
	select {
	case <-invalidated:
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not notified of the update")
	}

	got, err := reader.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestPubSub_IgnoresOwnMessages(t *testing.T) {
	_, rds := newTestRedis(t)

	bus := NewPubSubService(rds, "solo")
	received := make(chan *PubSubMessage, 1)
	bus.Subscribe(func(msg *PubSubMessage) { received <- msg })
	require.NoError(t, bus.Start())
	t.Cleanup(func() { bus.Stop() })

	require.NoError(t, bus.PublishWorkflowChanged(context.Background(), "wf-1"))

	select {
	case msg := <-received:
		t.Fatalf("unexpected delivery of own message: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPubSub_StopWithoutStart(t *testing.T) {
	_, rds := newTestRedis(t)
	assert.NoError(t, NewPubSubService(rds, "idle").Stop())
}
