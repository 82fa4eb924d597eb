// ABOUTME: Service keeps the open conversations of a process and routes messages into them
// ABOUTME: Conversations are created explicitly or implicitly and rehydrated from the store on open

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-council/internal/message"
	"github.com/2389/coven-council/internal/store"
)

// Options configures every conversation opened by a Service.
type Options struct {
	ContextWindow  int // K, the context window size
	SummarySample  int // messages sampled for the summary histogram
	RehydrateLimit int // recent messages replayed when opening a stored conversation
}

func (o Options) withDefaults() Options {
	if o.ContextWindow <= 0 {
		o.ContextWindow = DefaultContextWindow
	}
	if o.SummarySample <= 0 {
		o.SummarySample = DefaultSummarySample
	}
	if o.RehydrateLimit <= 0 {
		o.RehydrateLimit = DefaultRehydrateLimit
	}
	return o
}

// Service owns the in-memory Conversation for every conversation id it has
// opened. There is one Conversation per id per Service.
type Service struct {
	store       Store
	sender      Sender
	broadcaster *Broadcaster
	opts        Options
	logger      *slog.Logger

	mu   sync.Mutex
	open map[string]*Conversation
}

// NewService creates a conversation service. broadcaster may be nil.
// Pass nil logger for default.
func NewService(st Store, sender Sender, broadcaster *Broadcaster, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		sender:      sender,
		broadcaster: broadcaster,
		opts:        opts.withDefaults(),
		logger:      logger.With("component", "conversation"),
		open:        make(map[string]*Conversation),
	}
}

// Create starts a new conversation with a generated id.
func (s *Service) Create(ctx context.Context, topic string) (*Conversation, error) {
	return s.create(ctx, uuid.New().String(), topic)
}

func (s *Service) create(ctx context.Context, id, topic string) (*Conversation, error) {
	now := time.Now().UTC()
	row := &store.Conversation{
		ID:           id,
		Topic:        topic,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.store.CreateConversation(ctx, row); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := newConversation(row, true, s.sender, s.store, s.broadcaster, s.opts, s.logger)
	s.open[id] = conv

	s.logger.Info("conversation created", "conversation_id", id, "topic", topic)
	return conv, nil
}

// Open returns the conversation with the given id, loading it from the store
// and replaying its most recent messages if it is not open yet. Stored
// messages without a conversation row still open; the row is written with
// the next added message.
// Returns store.ErrNotFound if neither a row nor any message exists.
func (s *Service) Open(ctx context.Context, id string) (*Conversation, error) {
	if conv, ok := s.Get(id); ok {
		return conv, nil
	}

	recent, err := s.store.GetRecentMessages(ctx, id, s.opts.RehydrateLimit)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}
	// recent is newest first; replay oldest first
	slices.Reverse(recent)

	stored := true
	row, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) && len(recent) > 0 {
		stored = false
		row = &store.Conversation{
			ID:           id,
			CreatedAt:    recent[0].CreatedAt,
			LastActivity: recent[len(recent)-1].CreatedAt,
		}
	} else if err != nil {
		return nil, err
	}

	conv := newConversation(row, stored, s.sender, s.store, s.broadcaster, s.opts, s.logger)
	conv.mu.Lock()
	for _, m := range recent {
		conv.applyLocked(m)
	}
	conv.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.open[id]; ok {
		// Lost a race with a concurrent Open
		return existing, nil
	}
	s.open[id] = conv

	s.logger.Debug("conversation rehydrated", "conversation_id", id, "messages", len(recent), "row", stored)
	return conv, nil
}

// Get returns an already open conversation.
func (s *Service) Get(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.open[id]
	return conv, ok
}

// Route adds msg to its conversation. A message without a conversation id
// starts a new conversation; an unknown id is created on first use. The row
// of a new conversation is written only once the message is accepted, so a
// rejected message leaves nothing behind.
func (s *Service) Route(ctx context.Context, msg *message.Message) (*Conversation, error) {
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.New().String()
	}

	conv, err := s.Open(ctx, msg.ConversationID)
	fresh := false
	if errors.Is(err, store.ErrNotFound) {
		conv, fresh, err = s.pending(msg.ConversationID), true, nil
	}
	if err != nil {
		return nil, err
	}

	if err := conv.AddMessage(ctx, msg); err != nil {
		if fresh {
			s.discard(conv)
		}
		return nil, err
	}
	return conv, nil
}

// RouteMessage is Route for callers that only need the outcome.
func (s *Service) RouteMessage(ctx context.Context, msg *message.Message) error {
	_, err := s.Route(ctx, msg)
	return err
}

// pending returns the open conversation for id, registering an unstored one
// if none is open yet.
func (s *Service) pending(id string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.open[id]; ok {
		return conv
	}
	now := time.Now().UTC()
	row := &store.Conversation{ID: id, CreatedAt: now, LastActivity: now}
	conv := newConversation(row, false, s.sender, s.store, s.broadcaster, s.opts, s.logger)
	s.open[id] = conv
	return conv
}

// discard forgets conv if it never got a stored row.
func (s *Service) discard(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open[conv.id] != conv {
		return
	}
	conv.mu.Lock()
	unused := !conv.stored && len(conv.threads) == 0
	conv.mu.Unlock()
	if unused {
		delete(s.open, conv.id)
	}
}

// List returns stored conversations ordered by most recent activity.
func (s *Service) List(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// Forget drops the in-memory state of a conversation. Stored data is untouched.
func (s *Service) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, id)
}
