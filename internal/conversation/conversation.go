// ABOUTME: Conversation engine: thread structure, recency window, and participants of one conversation
// ABOUTME: State changes only after the message was accepted by the sender, under a per-conversation lock

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-council/internal/message"
	"github.com/2389/coven-council/internal/store"
)

// Defaults for Options fields left zero.
const (
	DefaultContextWindow  = 10
	DefaultSummarySample  = 100
	DefaultRehydrateLimit = 200
)

// rowUpdateTimeout bounds the best-effort write of the conversation row.
const rowUpdateTimeout = 5 * time.Second

// Sender validates and persists a message, and separately dispatches it to
// handlers. *protocol.Protocol satisfies it.
type Sender interface {
	Record(ctx context.Context, msg *message.Message) error
	Dispatch(ctx context.Context, msg *message.Message)
}

// Store is what the conversation layer needs from storage.
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, conv *store.Conversation) error
	ListConversations(ctx context.Context, limit int) ([]*store.Conversation, error)

	GetMessage(ctx context.Context, id string) (*message.Message, error)
	GetReplies(ctx context.Context, messageID string) ([]*message.Message, error)
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*message.Message, error)
	CountMessages(ctx context.Context, filter store.MessageFilter) (int, error)
}

// Thread is a message and its direct replies in arrival order.
type Thread struct {
	Message *message.Message // nil when the root is unknown
	Replies []*message.Message
}

// Summary is a derived, unpersisted view of a conversation.
type Summary struct {
	ConversationID   string
	Topic            string
	MessageCount     int // exact, from the store
	ParticipantCount int
	Participants     []string
	TypeCounts       map[message.Type]int // over the most recent SampleSize messages
	SampleSize       int
	CreatedAt        time.Time
	LastActivity     time.Time
	Duration         time.Duration // since creation
}

// Conversation holds the in-memory structure of one conversation. All
// structures hold message ids; message bodies live in an arena that only
// keeps the ids present in the context window.
//
// AddMessage serializes on the conversation while it stores the message.
// Handlers are dispatched after the lock is released, so they may read from
// or add to the same conversation.
type Conversation struct {
	mu sync.Mutex

	stored bool // the conversation row exists

	id           string
	topic        string
	createdAt    time.Time
	lastActivity time.Time

	maxContext    int
	summarySample int

	window       []string // newest first, at most maxContext ids
	arena        map[string]*message.Message
	threads      map[string][]string // message id -> direct reply ids
	roots        []string
	participants map[string]struct{}

	sender      Sender
	store       Store
	broadcaster *Broadcaster
	logger      *slog.Logger
}

func newConversation(row *store.Conversation, stored bool, sender Sender, st Store, b *Broadcaster, opts Options, logger *slog.Logger) *Conversation {
	c := &Conversation{
		stored:        stored,
		id:            row.ID,
		topic:         row.Topic,
		createdAt:     row.CreatedAt,
		lastActivity:  row.LastActivity,
		maxContext:    opts.ContextWindow,
		summarySample: opts.SummarySample,
		arena:         make(map[string]*message.Message),
		threads:       make(map[string][]string),
		participants:  make(map[string]struct{}),
		sender:        sender,
		store:         st,
		broadcaster:   b,
		logger:        logger.With("conversation_id", row.ID),
	}
	for _, p := range row.Participants {
		c.participants[p] = struct{}{}
	}
	return c
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Topic returns the conversation topic.
func (c *Conversation) Topic() string { return c.topic }

// AddMessage sends msg as part of this conversation and, only if the send
// succeeds, records it in the window, the thread structure and the
// participant set. msg.ConversationID is overwritten.
func (c *Conversation) AddMessage(ctx context.Context, msg *message.Message) error {
	if err := c.record(ctx, msg); err != nil {
		return err
	}

	if c.broadcaster != nil {
		c.broadcaster.Publish(msg.RecipientID, &Event{
			Kind:           EventMessage,
			ConversationID: c.id,
			Message:        msg.Clone(),
		})
	}
	c.sender.Dispatch(ctx, msg)
	return nil
}

// record stores msg and folds it into local state under the lock.
func (c *Conversation) record(ctx context.Context, msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg.ConversationID = c.id
	if err := c.sender.Record(ctx, msg); err != nil {
		return err
	}

	c.applyLocked(msg)

	c.logger.Debug("message added",
		"message_id", msg.ID,
		"type", msg.Type,
		"in_reply_to", msg.InReplyTo,
		"window", len(c.window))

	c.saveRowLocked(ctx)
	return nil
}

// applyLocked folds an accepted message into the in-memory structures.
func (c *Conversation) applyLocked(msg *message.Message) {
	c.window = slices.Insert(c.window, 0, msg.ID)
	c.arena[msg.ID] = msg.Clone()
	if len(c.window) > c.maxContext {
		for _, dropped := range c.window[c.maxContext:] {
			delete(c.arena, dropped)
		}
		c.window = c.window[:c.maxContext]
	}

	if msg.InReplyTo != "" {
		c.threads[msg.InReplyTo] = append(c.threads[msg.InReplyTo], msg.ID)
	} else {
		c.roots = append(c.roots, msg.ID)
	}
	if _, ok := c.threads[msg.ID]; !ok {
		c.threads[msg.ID] = []string{}
	}

	c.participants[msg.SenderID] = struct{}{}
	c.participants[msg.RecipientID] = struct{}{}

	if msg.CreatedAt.After(c.lastActivity) {
		c.lastActivity = msg.CreatedAt
	}
}

func (c *Conversation) rowLocked() *store.Conversation {
	return &store.Conversation{
		ID:           c.id,
		Topic:        c.topic,
		Participants: c.participantsLocked(),
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
	}
}

// saveRowLocked writes the conversation row, creating it on the first
// accepted message. Failure is logged; the message is already stored.
func (c *Conversation) saveRowLocked(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rowUpdateTimeout)
	defer cancel()

	row := c.rowLocked()
	if !c.stored {
		err := c.store.CreateConversation(ctx, row)
		if err == nil {
			c.stored = true
			c.logger.Info("conversation created", "topic", c.topic)
			return
		}
		if !errors.Is(err, store.ErrDuplicate) {
			c.logger.Warn("failed to create conversation row", "error", err)
			return
		}
	}

	if err := c.store.UpdateConversation(ctx, row); err != nil {
		c.logger.Warn("failed to update conversation row", "error", err)
		return
	}
	c.stored = true
}

// GetContext returns at most n messages of the context window, newest first.
// n <= 0 means the whole window.
func (c *Conversation) GetContext(n int) []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > len(c.window) {
		n = len(c.window)
	}
	out := make([]*message.Message, 0, n)
	for _, id := range c.window[:n] {
		out = append(out, c.arena[id].Clone())
	}
	return out
}

// GetThread returns rootID and its direct replies, fetched fresh from the
// store. A root older than the rehydrated history is resolved through the
// store's reply index. An unknown rootID yields an empty Thread and no error.
func (c *Conversation) GetThread(ctx context.Context, rootID string) (*Thread, error) {
	c.mu.Lock()
	replyIDs, known := c.threads[rootID]
	replyIDs = slices.Clone(replyIDs)
	c.mu.Unlock()

	if !known {
		return c.threadFromStore(ctx, rootID)
	}

	thread := &Thread{Replies: []*message.Message{}}

	fetched, err := c.fetch(ctx, append([]string{rootID}, replyIDs...))
	if err != nil {
		return nil, err
	}

	thread.Message = fetched[rootID]
	for _, id := range replyIDs {
		if m, ok := fetched[id]; ok {
			thread.Replies = append(thread.Replies, m)
		}
	}
	return thread, nil
}

func (c *Conversation) threadFromStore(ctx context.Context, rootID string) (*Thread, error) {
	thread := &Thread{Replies: []*message.Message{}}

	root, err := c.store.GetMessage(ctx, rootID)
	if errors.Is(err, store.ErrNotFound) {
		return thread, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", rootID, err)
	}
	if root.ConversationID != c.id {
		return thread, nil
	}

	replies, err := c.store.GetReplies(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("fetching replies of %s: %w", rootID, err)
	}
	thread.Message = root
	for _, r := range replies {
		if r.ConversationID == c.id {
			thread.Replies = append(thread.Replies, r)
		}
	}
	return thread, nil
}

// fetch loads messages by id. Ids missing from the store are left out.
func (c *Conversation) fetch(ctx context.Context, ids []string) (map[string]*message.Message, error) {
	out := make(map[string]*message.Message, len(ids))
	for _, id := range ids {
		m, err := c.store.GetMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetching message %s: %w", id, err)
		}
		out[id] = m
	}
	return out, nil
}

// Replies returns the direct reply ids of id in arrival order.
func (c *Conversation) Replies(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.threads[id])
}

// Roots returns the ids of messages that started a thread, in arrival order.
// After Open it covers only the rehydrated history.
func (c *Conversation) Roots() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.roots)
}

// Participants returns every agent seen as sender or recipient, sorted.
func (c *Conversation) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantsLocked()
}

func (c *Conversation) participantsLocked() []string {
	out := make([]string, 0, len(c.participants))
	for p := range c.participants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// GetSummary aggregates the conversation. The message count is exact; the
// type histogram covers only the most recent summary sample.
func (c *Conversation) GetSummary(ctx context.Context) (*Summary, error) {
	c.mu.Lock()
	participants := c.participantsLocked()
	createdAt, lastActivity := c.createdAt, c.lastActivity
	c.mu.Unlock()

	count, err := c.store.CountMessages(ctx, store.MessageFilter{ConversationID: c.id})
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	recent, err := c.store.GetRecentMessages(ctx, c.id, c.summarySample)
	if err != nil {
		return nil, fmt.Errorf("sampling messages: %w", err)
	}
	types := make(map[message.Type]int)
	for _, m := range recent {
		types[m.Type]++
	}

	return &Summary{
		ConversationID:   c.id,
		Topic:            c.topic,
		MessageCount:     count,
		ParticipantCount: len(participants),
		Participants:     participants,
		TypeCounts:       types,
		SampleSize:       len(recent),
		CreatedAt:        createdAt,
		LastActivity:     lastActivity,
		Duration:         time.Since(createdAt),
	}, nil
}
