// ABOUTME: Message entity, speech-act Type enumeration, and tagged Content payload
// ABOUTME: One Message type carries a type tag; per-type rules live in acts.go

package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the speech act of a message.
type Type string

const (
	TypeRequest        Type = "REQUEST"
	TypeInform         Type = "INFORM"
	TypePropose        Type = "PROPOSE"
	TypeConfirm        Type = "CONFIRM"
	TypeReject         Type = "REJECT"
	TypeQuery          Type = "QUERY"
	TypeAlert          Type = "ALERT"
	TypeBugReport      Type = "BUG_REPORT"
	TypeTaskAssignment Type = "TASK_ASSIGNMENT"
	TypeTaskUpdate     Type = "TASK_UPDATE"
	TypeReviewRequest  Type = "REVIEW_REQUEST"
	TypeReviewFeedback Type = "REVIEW_FEEDBACK"
)

var allTypes = []Type{
	TypeRequest,
	TypeInform,
	TypePropose,
	TypeConfirm,
	TypeReject,
	TypeQuery,
	TypeAlert,
	TypeBugReport,
	TypeTaskAssignment,
	TypeTaskUpdate,
	TypeReviewRequest,
	TypeReviewFeedback,
}

// Types returns every speech act in declaration order.
func Types() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Valid reports whether t is part of the speech-act set.
func (t Type) Valid() bool {
	_, ok := validators[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}

// ParseType resolves a type name. Matching ignores case and surrounding space;
// anything else wraps ErrInvalidMessageType.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageType, s)
	}
	return t, nil
}

// Content is the free-form payload of a message: plain text, or a structured
// mapping when Fields is non-nil.
type Content struct {
	Text   string
	Fields map[string]any
}

// TextContent returns plain-text content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// IsStructured reports whether the content is a mapping.
func (c Content) IsStructured() bool {
	return c.Fields != nil
}

// Get returns a structured field.
func (c Content) Get(key string) (any, bool) {
	v, ok := c.Fields[key]
	return v, ok
}

// String returns a structured field rendered as a string, or "" when absent.
func (c Content) String(key string) string {
	v, ok := c.Fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// MarshalJSON renders structured content as an object and text as a string.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Fields != nil {
		return json.Marshal(c.Fields)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or a JSON object.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case len(data) > 0 && data[0] == '{':
		fields := map[string]any{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		*c = Content{Fields: fields}
		return nil
	default:
		return fmt.Errorf("content must be a string or an object")
	}
}

// Message is a single speech act sent from one agent to another.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Type           Type
	Content        Content
	InReplyTo      string         // id of the message this one answers; empty for thread roots
	Metadata       map[string]any // nil when empty
	CreatedAt      time.Time
	TaskID         string
	MeetingID      string
	SequenceNumber int64 // assigned only to messages sent into a meeting
}

// Clone returns a copy that shares no maps with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Content.Fields != nil {
		c.Content.Fields = maps.Clone(m.Content.Fields)
	}
	if m.Metadata != nil {
		c.Metadata = maps.Clone(m.Metadata)
	}
	return &c
}

// IsRoot reports whether the message starts a thread.
func (m *Message) IsRoot() bool {
	return m.InReplyTo == ""
}

// FillDefaults assigns the identity fields that were left empty: a message id,
// a conversation id, and a creation time.
func (m *Message) FillDefaults() {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.ConversationID == "" {
		m.ConversationID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}

// Option customizes a message under construction.
type Option func(*Message)

// WithID sets an explicit message id.
func WithID(id string) Option {
	return func(m *Message) { m.ID = id }
}

// WithConversation places the message in a conversation.
func WithConversation(id string) Option {
	return func(m *Message) { m.ConversationID = id }
}

// WithReplyTo links the message to its parent in a thread.
func WithReplyTo(id string) Option {
	return func(m *Message) { m.InReplyTo = id }
}

// WithTask associates the message with a task.
func WithTask(id string) Option {
	return func(m *Message) { m.TaskID = id }
}

// WithMeeting associates the message with a meeting.
func WithMeeting(id string) Option {
	return func(m *Message) { m.MeetingID = id }
}

// WithCreatedAt overrides the creation time.
func WithCreatedAt(t time.Time) Option {
	return func(m *Message) { m.CreatedAt = t.UTC() }
}

// WithMetadata merges extra metadata entries.
func WithMetadata(md map[string]any) Option {
	return func(m *Message) {
		if len(md) == 0 {
			return
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(md))
		}
		maps.Copy(m.Metadata, md)
	}
}
