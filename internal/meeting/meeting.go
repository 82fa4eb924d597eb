// ABOUTME: Meeting lifecycle (scheduled -> active -> ended) and sequenced broadcast messaging
// ABOUTME: Sequence numbers come from the store's atomic counter; stores are serialized per meeting

package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/message"
	"github.com/2389/coven-council/internal/minutes"
	"github.com/2389/coven-council/internal/protocol"
	"github.com/2389/coven-council/internal/store"
)

const (
	// DefaultBroadcastConcurrency bounds fan-out when Options leaves it zero.
	DefaultBroadcastConcurrency = 8
	// DefaultSendTimeout bounds the sequenced store write of Send.
	DefaultSendTimeout = 5 * time.Second
)

// Dispatcher delivers a stored message to the handlers of its type.
// *protocol.Protocol satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *message.Message)
}

// Options configures a Service.
type Options struct {
	BroadcastConcurrency int
	SendTimeout          time.Duration
}

// ScheduleRequest describes a meeting to schedule.
type ScheduleRequest struct {
	Type         string
	Title        string
	Participants []string
	ScheduledAt  time.Time // zero means now
}

// Outcome is what a meeting produced, recorded when it ends.
type Outcome struct {
	Summary     string
	Decisions   []string
	ActionItems []store.ActionItem
}

// Service runs meetings. Both collaborators besides the store may be nil.
type Service struct {
	store       store.MeetingStore
	dispatcher  Dispatcher
	broadcaster *conversation.Broadcaster
	opts        Options
	logger      *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*meetingLock
}

// meetingLock is dropped from Service.locks once nobody holds or waits on it.
type meetingLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a meeting service. Pass nil logger for default.
func NewService(st store.MeetingStore, dispatcher Dispatcher, broadcaster *conversation.Broadcaster, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BroadcastConcurrency <= 0 {
		opts.BroadcastConcurrency = DefaultBroadcastConcurrency
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &Service{
		store:       st,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger.With("component", "meeting"),
		locks:       make(map[string]*meetingLock),
	}
}

// lock serializes state changes and sends of one meeting. The returned
// unlock may be called more than once.
func (s *Service) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &meetingLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return sync.OnceFunc(func() {
		l.mu.Unlock()

		s.locksMu.Lock()
		defer s.locksMu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
	})
}

// Schedule creates a meeting in the scheduled state.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*store.Meeting, error) {
	participants := dedupeParticipants(req.Participants)
	if len(participants) == 0 {
		return nil, fmt.Errorf("meeting needs at least one participant")
	}

	now := time.Now().UTC()
	scheduled := req.ScheduledAt.UTC()
	if req.ScheduledAt.IsZero() {
		scheduled = now
	}
	m := &store.Meeting{
		ID:           uuid.New().String(),
		Type:         req.Type,
		Title:        req.Title,
		Participants: participants,
		State:        store.MeetingScheduled,
		ScheduledAt:  scheduled,
		CreatedAt:    now,
	}
	if err := s.store.CreateMeeting(ctx, m); err != nil {
		return nil, fmt.Errorf("creating meeting: %w", err)
	}

	s.logger.Info("meeting scheduled",
		"meeting_id", m.ID,
		"type", m.Type,
		"participants", len(participants))
	return m, nil
}

// Start moves a scheduled meeting to active and notifies its participants.
func (s *Service) Start(ctx context.Context, id string) (*store.Meeting, error) {
	unlock := s.lock(id)
	defer unlock()

	m, err := s.store.GetMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State != store.MeetingScheduled {
		return nil, &StateError{MeetingID: id, Op: "start", State: m.State}
	}

	now := time.Now().UTC()
	m.State = store.MeetingActive
	m.StartedAt = &now
	if err := s.transition(ctx, m, store.MeetingScheduled, "start"); err != nil {
		return nil, err
	}

	s.logger.Info("meeting started", "meeting_id", id)
	s.notify(ctx, m.Participants, "", func(string) *conversation.Event {
		return &conversation.Event{Kind: conversation.EventMeetingStarted, MeetingID: id, ConversationID: id, At: now}
	})
	return m, nil
}

// End moves an active meeting to ended, records its outcome and notifies
// participants. On any other state it returns a StateError and changes nothing.
func (s *Service) End(ctx context.Context, id string, outcome Outcome) (*store.Meeting, error) {
	unlock := s.lock(id)
	defer unlock()

	m, err := s.store.GetMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State != store.MeetingActive {
		return nil, &StateError{MeetingID: id, Op: "end", State: m.State}
	}

	now := time.Now().UTC()
	m.State = store.MeetingEnded
	m.EndedAt = &now
	m.Summary = outcome.Summary
	m.Decisions = outcome.Decisions
	m.ActionItems = outcome.ActionItems
	if err := s.transition(ctx, m, store.MeetingActive, "end"); err != nil {
		return nil, err
	}

	s.logger.Info("meeting ended",
		"meeting_id", id,
		"messages", m.LastSequence,
		"decisions", len(m.Decisions),
		"action_items", len(m.ActionItems))
	s.notify(ctx, m.Participants, "", func(string) *conversation.Event {
		return &conversation.Event{Kind: conversation.EventMeetingEnded, MeetingID: id, ConversationID: id, At: now}
	})
	return m, nil
}

// transition writes m if the stored state still equals from.
func (s *Service) transition(ctx context.Context, m *store.Meeting, from store.MeetingState, op string) error {
	err := s.store.UpdateMeeting(ctx, m, from)
	if errors.Is(err, store.ErrStateConflict) {
		// Changed behind our back, e.g. by another process
		current, getErr := s.store.GetMeeting(ctx, m.ID)
		if getErr != nil {
			return getErr
		}
		return &StateError{MeetingID: m.ID, Op: op, State: current.State}
	}
	if err != nil {
		return fmt.Errorf("updating meeting: %w", err)
	}
	return nil
}

// Send posts msg to an active meeting and returns its sequence number.
//
// The sender must be a participant. The message is stamped with the meeting
// id (also used as conversation id, and as recipient when none is set),
// stored with the next sequence number, then delivered to every other
// participant. Sends on one meeting are serialized up to the store write.
// Delivery happens after the meeting is unlocked so a handler may itself send
// to the meeting; deliveries of concurrent sends may therefore interleave and
// receivers order them by SequenceNumber.
func (s *Service) Send(ctx context.Context, meetingID string, msg *message.Message) (int64, error) {
	unlock := s.lock(meetingID)
	defer unlock()

	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return 0, err
	}
	if m.State != store.MeetingActive {
		return 0, &StateError{MeetingID: meetingID, Op: "send to", State: m.State}
	}
	if !m.HasParticipant(msg.SenderID) {
		return 0, &protocol.DeliveryError{
			Reason:    protocol.NotAParticipant,
			AgentID:   msg.SenderID,
			MessageID: msg.ID,
		}
	}

	msg.MeetingID = meetingID
	msg.ConversationID = meetingID
	if msg.RecipientID == "" {
		msg.RecipientID = meetingID
	}
	msg.SequenceNumber = 0
	msg.FillDefaults()
	if err := message.Validate(msg); err != nil {
		return 0, err
	}

	saveCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	seq, err := s.store.SaveMeetingMessage(saveCtx, msg)
	cancel()
	switch {
	case errors.Is(err, store.ErrStateConflict):
		return 0, &StateError{MeetingID: meetingID, Op: "send to", State: store.MeetingEnded}
	case err != nil:
		return 0, &protocol.PersistenceError{MessageID: msg.ID, Err: err}
	}

	s.logger.Debug("meeting message stored",
		"meeting_id", meetingID,
		"message_id", msg.ID,
		"sequence_number", seq)
	unlock()

	s.notify(ctx, m.Participants, msg.SenderID, func(participant string) *conversation.Event {
		delivered := msg.Clone()
		delivered.RecipientID = participant
		if s.dispatcher != nil {
			s.dispatcher.Dispatch(ctx, delivered)
		}
		return &conversation.Event{
			Kind:           conversation.EventMessage,
			MeetingID:      meetingID,
			ConversationID: meetingID,
			Message:        delivered,
		}
	})
	return seq, nil
}

// notify builds and publishes one event per participant except skip, at most
// BroadcastConcurrency at a time. Delivery failures are never returned.
func (s *Service) notify(ctx context.Context, participants []string, skip string, build func(participant string) *conversation.Event) {
	var g errgroup.Group
	g.SetLimit(s.opts.BroadcastConcurrency)

	for _, p := range participants {
		if p == skip {
			continue
		}
		g.Go(func() error {
			ev := build(p)
			if s.broadcaster != nil {
				s.broadcaster.Publish(p, ev)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Get returns a meeting by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Meeting, error) {
	return s.store.GetMeeting(ctx, id)
}

// List returns meetings in state (all states when empty), newest first.
func (s *Service) List(ctx context.Context, state store.MeetingState, limit int) ([]*store.Meeting, error) {
	return s.store.ListMeetings(ctx, state, limit)
}

// Messages returns a meeting's messages in sequence order.
func (s *Service) Messages(ctx context.Context, id string) ([]*message.Message, error) {
	return s.store.GetMeetingMessages(ctx, id)
}

// Minutes returns the meeting together with its ordered transcript.
func (s *Service) Minutes(ctx context.Context, id string) (*minutes.Minutes, error) {
	m, err := s.store.GetMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.GetMeetingMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}
	return &minutes.Minutes{Meeting: m, Messages: msgs}, nil
}

func dedupeParticipants(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
