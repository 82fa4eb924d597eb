// ABOUTME: Protocol dispatcher: validates, persists, then fans messages out to handlers
// ABOUTME: Record first, then act; handler failures are isolated and never retried

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-council/internal/dedupe"
	"github.com/2389/coven-council/internal/message"
	"github.com/2389/coven-council/internal/store"
)

// Default timeouts applied when Options leaves them zero.
const (
	DefaultSendTimeout    = 5 * time.Second
	DefaultHandlerTimeout = 30 * time.Second
)

// abandonGrace is how long Dispatch waits past HandlerTimeout for handlers
// to notice their cancelled context.
const abandonGrace = 100 * time.Millisecond

// Handler receives a message after it has been persisted. Each handler gets
// its own copy of the message and must honor ctx cancellation.
type Handler func(ctx context.Context, msg *message.Message) error

// Options configures a Protocol.
type Options struct {
	// ValidateRecipients rejects messages addressed to unregistered agents.
	ValidateRecipients bool

	// SendTimeout bounds the store write. Expiry surfaces as a PersistenceError.
	SendTimeout time.Duration

	// HandlerTimeout bounds each handler invocation.
	HandlerTimeout time.Duration

	// DedupeTTL and DedupeSize size the redelivery filter used by Receive.
	DedupeTTL  time.Duration
	DedupeSize int
}

// Protocol is the message dispatcher.
type Protocol struct {
	store  store.MessageStore
	opts   Options
	seen   *dedupe.Filter
	logger *slog.Logger

	agentsMu sync.RWMutex
	agents   map[string]Agent

	handlersMu sync.RWMutex
	handlers   map[message.Type][]Handler
	router     Router
}

// Router places a received message into its conversation, sending it on the
// way. *conversation.Service satisfies it.
type Router interface {
	RouteMessage(ctx context.Context, msg *message.Message) error
}

// New creates a Protocol backed by st. Pass nil logger for default.
func New(st store.MessageStore, opts Options, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	return &Protocol{
		store:    st,
		opts:     opts,
		seen:     dedupe.NewFilter(opts.DedupeTTL, opts.DedupeSize, time.Minute),
		logger:   logger.With("component", "protocol"),
		agents:   make(map[string]Agent),
		handlers: make(map[message.Type][]Handler),
	}
}

// Close stops background work owned by the Protocol.
func (p *Protocol) Close() {
	p.seen.Close()
}

// ValidateRecipients reports whether recipient validation is enabled.
func (p *Protocol) ValidateRecipients() bool {
	return p.opts.ValidateRecipients
}

// RegisterHandler adds h to the handlers invoked for messages of type t.
func (p *Protocol) RegisterHandler(t message.Type, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", message.ErrInvalidMessageType, string(t))
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", t)
	}

	p.handlersMu.Lock()
	p.handlers[t] = append(p.handlers[t], h)
	n := len(p.handlers[t])
	p.handlersMu.Unlock()

	p.logger.Debug("handler registered", "type", t, "count", n)
	return nil
}

// SetRouter makes Receive hand accepted messages to r instead of calling
// SendMessage, so received messages join their conversation. nil restores
// direct sending.
func (p *Protocol) SetRouter(r Router) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.router = r
}

func (p *Protocol) send(ctx context.Context, msg *message.Message) error {
	p.handlersMu.RLock()
	r := p.router
	p.handlersMu.RUnlock()

	if r != nil {
		return r.RouteMessage(ctx, msg)
	}
	return p.SendMessage(ctx, msg)
}

func (p *Protocol) handlersFor(t message.Type) []Handler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return append([]Handler(nil), p.handlers[t]...)
}

// SendMessage validates msg, persists it and dispatches it to handlers.
//
// Absent ids and timestamps are filled in place. Errors:
//   - *message.ValidationError or message.ErrInvalidMessageType for a malformed message
//   - *DeliveryError{Reason: UnknownRecipient} when recipient validation rejects it
//   - *PersistenceError when the store fails or times out; nothing was delivered
//
// Once SendMessage returns nil the message is stored. Handler failures do not
// change the result.
func (p *Protocol) SendMessage(ctx context.Context, msg *message.Message) error {
	if err := p.Record(ctx, msg); err != nil {
		return err
	}
	p.Dispatch(ctx, msg)
	return nil
}

// Record performs every step of SendMessage except handler dispatch. Callers
// that hold a lock while storing use it and call Dispatch once they release it,
// so a handler can safely call back into them.
func (p *Protocol) Record(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	msg.FillDefaults()

	if err := p.Check(msg); err != nil {
		return err
	}

	if err := p.persist(ctx, msg); err != nil {
		return err
	}

	p.logger.Debug("message stored",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"type", msg.Type,
		"sender_id", msg.SenderID,
		"recipient_id", msg.RecipientID)
	return nil
}

// Check validates msg the way SendMessage would, without side effects.
func (p *Protocol) Check(msg *message.Message) error {
	if err := message.Validate(msg); err != nil {
		return err
	}

	if p.opts.ValidateRecipients && !p.IsRegistered(msg.RecipientID) {
		p.logger.Warn("rejected message for unknown recipient",
			"message_id", msg.ID,
			"recipient_id", msg.RecipientID)
		return &DeliveryError{
			Reason:    UnknownRecipient,
			AgentID:   msg.RecipientID,
			MessageID: msg.ID,
		}
	}
	return nil
}

func (p *Protocol) persist(ctx context.Context, msg *message.Message) error {
	saveCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	defer cancel()

	if err := p.store.SaveMessage(saveCtx, msg); err != nil {
		p.logger.Error("failed to persist message",
			"message_id", msg.ID,
			"error", err)
		return &PersistenceError{MessageID: msg.ID, Err: err}
	}
	return nil
}

// Dispatch invokes every handler registered for msg's type concurrently and
// waits for them. It does not persist msg; callers that stored the message
// through another path (meetings) use it directly.
//
// Handlers run on a context detached from the caller's cancellation, since
// the message is already stored, and bounded by HandlerTimeout. Dispatch
// stops waiting shortly after that deadline even if a handler ignores its
// context; such a handler is logged as failed and left to finish on its own.
func (p *Protocol) Dispatch(ctx context.Context, msg *message.Message) {
	handlers := p.handlersFor(msg.Type)
	if len(handlers) == 0 {
		return
	}

	base := context.WithoutCancel(ctx)
	var pending atomic.Int32
	pending.Store(int32(len(handlers)))

	var g errgroup.Group
	for i, h := range handlers {
		g.Go(func() error {
			defer pending.Add(-1)

			hctx, cancel := context.WithTimeout(base, p.opts.HandlerTimeout)
			defer cancel()

			if err := p.invoke(hctx, h, msg.Clone()); err != nil {
				p.logger.Error("handler failed",
					"error", &DeliveryError{
						Reason:    HandlerFailed,
						AgentID:   msg.RecipientID,
						MessageID: msg.ID,
						Err:       err,
					},
					"handler", i,
					"type", msg.Type)
			}
			// Handler failures never propagate to siblings or the sender
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	deadline := time.NewTimer(p.opts.HandlerTimeout + abandonGrace)
	defer deadline.Stop()

	select {
	case <-done:
	case <-deadline.C:
		p.logger.Error("abandoned handlers past their deadline",
			"error", &DeliveryError{
				Reason:    HandlerFailed,
				AgentID:   msg.RecipientID,
				MessageID: msg.ID,
				Err:       context.DeadlineExceeded,
			},
			"pending", pending.Load(),
			"type", msg.Type)
	}
}

func (p *Protocol) invoke(ctx context.Context, h Handler, msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("handler panic stack", "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

// Receive decodes a wire payload and sends it, through the Router when one is
// set. A message id already admitted within the dedupe window returns
// ErrDuplicateMessage without side effects. If sending fails the id is
// released so the peer may redeliver it.
func (p *Protocol) Receive(ctx context.Context, data []byte) (*message.Message, error) {
	msg, err := message.Decode(data)
	if err != nil {
		return nil, err
	}
	msg.FillDefaults()

	if !p.seen.Admit(msg.ID) {
		p.logger.Debug("dropped redelivered message", "message_id", msg.ID)
		return msg, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}

	if err := p.send(ctx, msg); err != nil {
		p.seen.Release(msg.ID)
		var pe *PersistenceError
		if errors.As(err, &pe) && errors.Is(pe.Err, store.ErrDuplicate) {
			return msg, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
		}
		return msg, err
	}
	return msg, nil
}

// GetConversationMessages returns one page of a conversation, oldest first.
func (p *Protocol) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]*message.Message, error) {
	return p.store.GetMessages(ctx, conversationID, limit, offset)
}

// CountMessages counts stored messages matching filter.
func (p *Protocol) CountMessages(ctx context.Context, filter store.MessageFilter) (int, error) {
	return p.store.CountMessages(ctx, filter)
}

// GetAgentMessages returns messages sent or received by agentID, newest first.
func (p *Protocol) GetAgentMessages(ctx context.Context, agentID string, limit int) ([]*message.Message, error) {
	return p.store.GetAgentMessages(ctx, agentID, limit)
}

// GetMessage returns a stored message by id.
func (p *Protocol) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	return p.store.GetMessage(ctx, id)
}
