// ABOUTME: In-memory fan-out of state-change notices to UI subscribers
// ABOUTME: Topics are agents, connection, targets and executions; publishing never blocks

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics published by the orchestration core.
const (
	TopicAgents     = "agents"
	TopicConnection = "connection"
	TopicTargets    = "targets"
	TopicExecutions = "executions"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Notice is one state change. Data is a snapshot of the changed value and is
// never mutated after publication.
type Notice struct {
	Topic string    `json:"topic"`
	Kind  string    `json:"kind"`
	ID    string    `json:"id,omitempty"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}

type subscriber struct {
	ch     chan Notice
	topics map[string]struct{} // empty means every topic
}

func (s *subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Broadcaster provides in-memory pub/sub for Notices.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for notices on the given topics, or every topic when
// none are given. The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topics ...string) (<-chan Notice, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		ch:     make(chan Notice, subscriberBufferSize),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "topics", topics)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish delivers n to every interested subscriber. A zero At is stamped
// with the current time. Subscribers whose buffers are full miss the notice.
func (b *Broadcaster) Publish(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !sub.wants(n.Topic) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			b.logger.Debug("dropped notice for slow subscriber",
				"sub_id", id,
				"topic", n.Topic,
				"kind", n.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
