// ABOUTME: In-memory fan-out of conversation and meeting notifications to agents
// ABOUTME: Subscribers register per agent id; slow subscribers drop events instead of blocking

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-council/internal/message"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// EventKind names what an Event announces.
type EventKind string

const (
	EventMessage        EventKind = "message"
	EventMeetingStarted EventKind = "meeting_started"
	EventMeetingEnded   EventKind = "meeting_ended"
)

// Event is a notification delivered to an agent's subscribers.
type Event struct {
	Kind           EventKind
	ConversationID string
	MeetingID      string
	Message        *message.Message // set for EventMessage
	At             time.Time
}

// Broadcaster provides in-memory pub/sub keyed by agent id. Events are not
// persisted; an agent with no subscriber simply misses them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // agentID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events addressed to agentID. The
// subscription ends when ctx is cancelled or Unsubscribe is called, which
// closes the returned channel.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan *Event)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Publish delivers event to every subscriber of agentID and returns how many
// received it. It never blocks.
func (b *Broadcaster) Publish(agentID string, event *Event) int {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subscribers[agentID] {
		select {
		case ch <- event:
			delivered++
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"agent_id", agentID,
				"kind", event.Kind)
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscriptions for agentID.
func (b *Broadcaster) SubscriberCount(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[agentID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
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
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// Close closes all subscriber channels. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
