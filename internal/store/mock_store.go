// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/2389/coven-council/internal/message"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	messages      []*message.Message       // insertion order
	messageIndex  map[string]int           // message ID -> position in messages
	conversations map[string]*Conversation // keyed by conversation ID
	meetings      map[string]*Meeting      // keyed by meeting ID

	// SaveErr, when set, is returned by every message write.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		messageIndex:  make(map[string]int),
		conversations: make(map[string]*Conversation),
		meetings:      make(map[string]*Meeting),
	}
}

// SetSaveErr makes subsequent message writes fail with err (nil clears it).
func (m *MockStore) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveErr = err
}

// SaveMessage stores a copy of msg.
func (m *MockStore) SaveMessage(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(msg)
}

func (m *MockStore) saveLocked(msg *message.Message) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if _, ok := m.messageIndex[msg.ID]; ok {
		return fmt.Errorf("inserting message %s: %w", msg.ID, ErrDuplicate)
	}
	m.messageIndex[msg.ID] = len(m.messages)
	m.messages = append(m.messages, msg.Clone())
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.messages[i].Clone(), nil
}

// selectLocked returns copies of matching messages in arrival order.
func (m *MockStore) selectLocked(match func(*message.Message) bool) []*message.Message {
	var out []*message.Message
	for _, msg := range m.messages {
		if match(msg) {
			out = append(out, msg.Clone())
		}
	}
	// Stable sort keeps insertion order for equal timestamps
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetMessages retrieves one page of a conversation in arrival order.
func (m *MockStore) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.selectLocked(func(msg *message.Message) bool {
		return msg.ConversationID == conversationID
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit = clampLimit(limit); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetRecentMessages retrieves the newest messages of a conversation, newest first.
func (m *MockStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.selectLocked(func(msg *message.Message) bool {
		return msg.ConversationID == conversationID
	})
	return newest(all, clampLimit(limit)), nil
}

// GetReplies returns the direct replies of messageID in arrival order.
func (m *MockStore) GetReplies(ctx context.Context, messageID string) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.selectLocked(func(msg *message.Message) bool {
		return messageID != "" && msg.InReplyTo == messageID
	}), nil
}

// GetAgentMessages retrieves messages sent or received by an agent, newest first.
func (m *MockStore) GetAgentMessages(ctx context.Context, agentID string, limit int) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.selectLocked(func(msg *message.Message) bool {
		return msg.SenderID == agentID || msg.RecipientID == agentID
	})
	return newest(all, clampLimit(limit)), nil
}

func newest(all []*message.Message, limit int) []*message.Message {
	slices.Reverse(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// CountMessages counts the messages matching filter.
func (m *MockStore) CountMessages(ctx context.Context, filter MessageFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, msg := range m.messages {
		if matches(msg, filter) {
			count++
		}
	}
	return count, nil
}

func matches(msg *message.Message, f MessageFilter) bool {
	switch {
	case f.ConversationID != "" && msg.ConversationID != f.ConversationID:
		return false
	case f.MeetingID != "" && msg.MeetingID != f.MeetingID:
		return false
	case f.SenderID != "" && msg.SenderID != f.SenderID:
		return false
	case f.RecipientID != "" && msg.RecipientID != f.RecipientID:
		return false
	case f.AgentID != "" && msg.SenderID != f.AgentID && msg.RecipientID != f.AgentID:
		return false
	case f.Type != "" && msg.Type != f.Type:
		return false
	case f.Since != nil && msg.CreatedAt.Before(*f.Since):
		return false
	}
	return true
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(conv), nil
}

// UpdateConversation updates an existing conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyConversation(conv)
	updated.CreatedAt = existing.CreatedAt
	m.conversations[conv.ID] = updated
	return nil
}

// ListConversations retrieves conversations ordered by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, conv := range m.conversations {
		out = append(out, copyConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateMeeting stores a new meeting.
func (m *MockStore) CreateMeeting(ctx context.Context, mt *Meeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.meetings[mt.ID]; ok {
		return ErrDuplicate
	}
	m.meetings[mt.ID] = copyMeeting(mt)
	return nil
}

// GetMeeting retrieves a meeting by ID.
func (m *MockStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, ok := m.meetings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMeeting(mt), nil
}

// ListMeetings retrieves meetings by scheduled time, newest first.
func (m *MockStore) ListMeetings(ctx context.Context, state MeetingState, limit int) ([]*Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Meeting
	for _, mt := range m.meetings {
		if state == "" || mt.State == state {
			out = append(out, copyMeeting(mt))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.After(out[j].ScheduledAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateMeeting writes mt if the stored state equals expected.
func (m *MockStore) UpdateMeeting(ctx context.Context, mt *Meeting, expected MeetingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.meetings[mt.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.State != expected {
		return ErrStateConflict
	}
	updated := copyMeeting(mt)
	updated.LastSequence = existing.LastSequence
	updated.CreatedAt = existing.CreatedAt
	m.meetings[mt.ID] = updated
	return nil
}

// SaveMeetingMessage assigns the next sequence number and stores msg under one lock.
func (m *MockStore) SaveMeetingMessage(ctx context.Context, msg *message.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.meetings[msg.MeetingID]
	if !ok {
		return 0, ErrNotFound
	}
	if mt.State != MeetingActive {
		return 0, ErrStateConflict
	}

	msg.SequenceNumber = mt.LastSequence + 1
	if err := m.saveLocked(msg); err != nil {
		msg.SequenceNumber = 0
		return 0, err
	}
	mt.LastSequence = msg.SequenceNumber
	return msg.SequenceNumber, nil
}

// GetMeetingMessages returns a meeting's messages ordered by sequence number.
func (m *MockStore) GetMeetingMessages(ctx context.Context, meetingID string) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.selectLocked(func(msg *message.Message) bool {
		return msg.MeetingID == meetingID && msg.SequenceNumber > 0
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	return &out
}

func copyMeeting(mt *Meeting) *Meeting {
	out := *mt
	out.Participants = slices.Clone(mt.Participants)
	out.Decisions = slices.Clone(mt.Decisions)
	out.ActionItems = slices.Clone(mt.ActionItems)
	return &out
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
