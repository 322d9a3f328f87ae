package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// WorkflowEventsChannel carries workflow definition changes between instances
const WorkflowEventsChannel = "blockflow:workflows:events"

// PubSubService manages Redis pub/sub for cross-instance communication
type PubSubService struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	handlers   []MessageHandler
	mu         sync.RWMutex
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// MessageHandler is a callback for handling pub/sub messages
type MessageHandler func(message *PubSubMessage)

// PubSubMessage represents a message sent via pub/sub
type PubSubMessage struct {
	Type       string `json:"type"` // workflow_saved, workflow_deleted
	WorkflowID string `json:"workflowId"`
	InstanceID string `json:"instanceId"` // source instance
}

// NewPubSubService creates a new pub/sub service
func NewPubSubService(redisService *RedisService, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Subscribe registers a handler for messages from other instances
func (s *PubSubService) Subscribe(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Start begins listening for pub/sub messages
func (s *PubSubService) Start() error {
	s.pubsub = s.redis.Client().Subscribe(s.ctx, WorkflowEventsChannel)

	// wait for the subscription to be confirmed
	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		s.pubsub.Close()
		s.pubsub = nil
		return fmt.Errorf("failed to subscribe to %s: %w", WorkflowEventsChannel, err)
	}

	go s.processMessages()

	logrus.Infof("✅ [PUBSUB] Started listening for messages (instance: %s)", s.instanceID)
	return nil
}

func (s *PubSubService) processMessages() {
	defer close(s.done)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		}
	}
}

func (s *PubSubService) handleMessage(msg *redis.Message) {
	var message PubSubMessage
	if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
		logrus.Warnf("⚠️ [PUBSUB] Failed to unmarshal message: %v", err)
		return
	}

	// skip our own messages
	if message.InstanceID == s.instanceID {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, handler := range s.handlers {
		handler(&message)
	}
}

func (s *PubSubService) publish(ctx context.Context, message *PubSubMessage) error {
	message.InstanceID = s.instanceID
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.redis.Client().Publish(ctx, WorkflowEventsChannel, data).Err()
}

// PublishWorkflowChanged announces that a workflow was saved or deleted
func (s *PubSubService) PublishWorkflowChanged(ctx context.Context, workflowID string) error {
	return s.publish(ctx, &PubSubMessage{Type: "workflow_changed", WorkflowID: workflowID})
}

// Stop stops the pub/sub service
func (s *PubSubService) Stop() error {
	s.cancel()
	if s.pubsub == nil {
		return nil
	}
	err := s.pubsub.Close()
	<-s.done
	return err
}
