// ABOUTME: Store interfaces and row types for coven-council persistence
// ABOUTME: Defines the message, conversation, and meeting collaborators used by the core

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-council/internal/message"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting an entity whose id already exists
var ErrDuplicate = errors.New("already exists")

// ErrStateConflict is returned when a conditional meeting write finds the
// meeting in a different lifecycle state than expected
var ErrStateConflict = errors.New("meeting state conflict")

// Pagination bounds shared by every listing query.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Conversation is the stored row of a conversation.
type Conversation struct {
	ID           string
	Topic        string
	Participants []string
	CreatedAt    time.Time
	LastActivity time.Time
}

// MeetingState is the lifecycle state of a meeting.
type MeetingState string

const (
	MeetingScheduled MeetingState = "scheduled"
	MeetingActive    MeetingState = "active"
	MeetingEnded     MeetingState = "ended"
)

// ActionItem is a follow-up recorded when a meeting ends.
type ActionItem struct {
	Description string     `json:"description"`
	Assignee    string     `json:"assignee,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
}

// Meeting is the stored row of a meeting.
type Meeting struct {
	ID           string
	Type         string // standup, review, planning, ...
	Title        string
	Participants []string
	State        MeetingState
	ScheduledAt  time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	Summary      string
	Decisions    []string
	ActionItems  []ActionItem
	LastSequence int64 // highest sequence number assigned so far
	CreatedAt    time.Time
}

// HasParticipant reports whether agentID takes part in the meeting.
func (m *Meeting) HasParticipant(agentID string) bool {
	for _, p := range m.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// MessageFilter narrows CountMessages. Empty fields match everything.
type MessageFilter struct {
	ConversationID string
	MeetingID      string
	SenderID       string
	RecipientID    string
	AgentID        string // matches either sender or recipient
	Type           message.Type
	Since          *time.Time
}

// MessageStore persists messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *message.Message) error
	GetMessage(ctx context.Context, id string) (*message.Message, error)

	// GetMessages returns a conversation page in arrival order (oldest first).
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*message.Message, error)

	// GetRecentMessages returns the newest messages of a conversation, newest first.
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*message.Message, error)

	CountMessages(ctx context.Context, filter MessageFilter) (int, error)

	// GetReplies returns the direct replies of a message in arrival order.
	GetReplies(ctx context.Context, messageID string) ([]*message.Message, error)

	// GetAgentMessages returns messages sent or received by an agent, newest first.
	GetAgentMessages(ctx context.Context, agentID string, limit int) ([]*message.Message, error)
}

// ConversationStore persists conversation rows.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
}

// MeetingStore persists meeting rows and their sequenced messages.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, m *Meeting) error
	GetMeeting(ctx context.Context, id string) (*Meeting, error)
	ListMeetings(ctx context.Context, state MeetingState, limit int) ([]*Meeting, error)

	// UpdateMeeting writes m only if the stored state equals expected;
	// otherwise it returns ErrStateConflict and changes nothing.
	UpdateMeeting(ctx context.Context, m *Meeting, expected MeetingState) error

	// SaveMeetingMessage assigns the next sequence number of msg.MeetingID and
	// stores msg in one atomic step. The meeting must be active. On success
	// msg.SequenceNumber holds the assigned number.
	SaveMeetingMessage(ctx context.Context, msg *message.Message) (int64, error)

	// GetMeetingMessages returns a meeting's messages ordered by sequence number.
	GetMeetingMessages(ctx context.Context, meetingID string) ([]*message.Message, error)
}

// Store is the full persistence collaborator.
type Store interface {
	MessageStore
	ConversationStore
	MeetingStore

	// Close releases any resources held by the store
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
