// ABOUTME: In-memory typed-topic pub/sub used for agent/task event fan-out.
// ABOUTME: Subscribers are decoupled observers, never called inline with state mutation.

package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber. A slow
// subscriber drops events rather than blocking publishers.
const subscriberBufferSize = 64

// Topic is a typed event channel name.
type Topic string

const (
	TopicAgentCreated Topic = "AGENT_CREATED"
	TopicAgentRemoved Topic = "AGENT_REMOVED"
	TopicAgentStatus  Topic = "AGENT_STATUS"
	TopicTaskCreated  Topic = "TASK_CREATED"
	TopicTaskAssigned Topic = "TASK_ASSIGNED"
	TopicTaskComplete Topic = "TASK_COMPLETE"
	TopicTaskFailed   Topic = "TASK_FAILED"
	TopicTaskBlocked  Topic = "TASK_BLOCKED"
)

// Event is a published occurrence on a topic. Payload is topic-specific and
// owned by the publisher; subscribers must treat it as read-only.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Bus provides in-memory pub/sub keyed by topic. Subscribers register for a
// topic and receive events as they are published. Publishing is non-blocking:
// events are dropped for subscribers whose channels are full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[string]chan Event
	closed      bool
	logger      *slog.Logger
}

// New creates a bus. Pass nil logger for the default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[Topic]map[string]chan Event),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for events on the given topic. Returns a
// receive channel and a subscription ID for later unsubscription. The
// subscription is cleaned up automatically when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic Topic) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the topic. Non-blocking.
func (b *Bus) Publish(topic Topic, payload any) {
	event := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "topic", string(topic))
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(topic Topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
}
