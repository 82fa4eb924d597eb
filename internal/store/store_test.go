// ABOUTME: Conformance tests run against both SQLiteStore and MockStore
// ABOUTME: Covers message paging and ordering, counting, conversations, and agent history

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/message"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return newTestStoreWithDriver(t, DriverModernc)
}

func newTestStoreWithDriver(t *testing.T, driver string) *SQLiteStore {
	t.Helper()
	s, err := Open(driver, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn against every Store implementation and SQLite driver.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("sqlite3", func(t *testing.T) {
		if !cgoEnabled {
			t.Skip("mattn/go-sqlite3 requires cgo")
		}
		fn(t, newTestStoreWithDriver(t, DriverCGO))
	})
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testMessage(t *testing.T, id, conv, from, to string, offset time.Duration) *message.Message {
	t.Helper()
	msg, err := message.NewInform(from, to, "update "+id, "",
		message.WithID(id),
		message.WithConversation(conv),
		message.WithCreatedAt(baseTime.Add(offset)),
	)
	require.NoError(t, err)
	return msg
}

func TestStore_SaveAndGetMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		msg, err := message.NewRequest("planner", "coder", "build", map[string]any{"target": "linux"}, "high",
			message.WithConversation("conv-1"),
			message.WithReplyTo("parent-1"),
			message.WithTask("task-9"),
		)
		require.NoError(t, err)
		require.NoError(t, s.SaveMessage(ctx, msg))

		got, err := s.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, msg.Type, got.Type)
		assert.Equal(t, msg.Content, got.Content)
		assert.Equal(t, msg.Metadata, got.Metadata)
		assert.Equal(t, "parent-1", got.InReplyTo)
		assert.Equal(t, "task-9", got.TaskID)
		assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))

		_, err = s.GetMessage(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SaveMessage_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		msg := testMessage(t, "dup", "conv", "a", "b", 0)

		require.NoError(t, s.SaveMessage(ctx, msg))
		err := s.SaveMessage(ctx, msg)
		assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)
	})
}

func TestStore_GetMessages_OrderAndPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// Saved out of order; two share a timestamp and must keep insertion order
		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "m3", "conv", "a", "b", 3*time.Second)))
		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "m1", "conv", "a", "b", 1*time.Second)))
		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "m2a", "conv", "b", "a", 2*time.Second)))
		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "m2b", "conv", "b", "a", 2*time.Second)))
		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "other", "conv-2", "a", "b", 0)))

		all, err := s.GetMessages(ctx, "conv", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2a", "m2b", "m3"}, ids(all))

		page, err := s.GetMessages(ctx, "conv", 2, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"m2a", "m2b"}, ids(page))

		empty, err := s.GetMessages(ctx, "conv", 10, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)

		recent, err := s.GetRecentMessages(ctx, "conv", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"m3", "m2b", "m2a"}, ids(recent))
	})
}

func TestStore_GetReplies(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		reply := func(id string, offset time.Duration) *message.Message {
			msg, err := message.NewInform("b", "a", "re "+id, "",
				message.WithID(id),
				message.WithConversation("conv"),
				message.WithReplyTo("root"),
				message.WithCreatedAt(baseTime.Add(offset)),
			)
			require.NoError(t, err)
			return msg
		}

		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "root", "conv", "a", "b", 0)))
		require.NoError(t, s.SaveMessage(ctx, reply("r2", 2*time.Second)))
		require.NoError(t, s.SaveMessage(ctx, reply("r1", time.Second)))
		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "unrelated", "conv", "a", "b", 3*time.Second)))

		got, err := s.GetReplies(ctx, "root")
		require.NoError(t, err)
		assert.Equal(t, []string{"r1", "r2"}, ids(got))

		none, err := s.GetReplies(ctx, "r1")
		require.NoError(t, err)
		assert.Empty(t, none)

		blank, err := s.GetReplies(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, blank)
	})
}

func TestStore_GetAgentMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "sent", "c1", "alice", "bob", 1*time.Second)))
		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "received", "c2", "carol", "alice", 2*time.Second)))
		require.NoError(t, s.SaveMessage(ctx, testMessage(t, "unrelated", "c3", "bob", "carol", 3*time.Second)))

		msgs, err := s.GetAgentMessages(ctx, "alice", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"received", "sent"}, ids(msgs))

		limited, err := s.GetAgentMessages(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"received"}, ids(limited))
	})
}

func TestStore_CountMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveMessage(ctx, testMessage(t, fmt.Sprintf("a-%d", i), "conv", "alice", "bob", time.Duration(i)*time.Second)))
		}
		alert, err := message.NewAlert("bob", "alice", "high", "fire",
			message.WithConversation("conv"),
			message.WithCreatedAt(baseTime.Add(10*time.Second)),
		)
		require.NoError(t, err)
		require.NoError(t, s.SaveMessage(ctx, alert))

		since := baseTime.Add(2 * time.Second)
		tests := []struct {
			name   string
			filter MessageFilter
			want   int
		}{
			{"all", MessageFilter{}, 4},
			{"conversation", MessageFilter{ConversationID: "conv"}, 4},
			{"other conversation", MessageFilter{ConversationID: "nope"}, 0},
			{"sender", MessageFilter{SenderID: "alice"}, 3},
			{"recipient", MessageFilter{RecipientID: "alice"}, 1},
			{"agent", MessageFilter{AgentID: "bob"}, 4},
			{"type", MessageFilter{Type: message.TypeAlert}, 1},
			{"since", MessageFilter{Since: &since}, 2},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.CountMessages(ctx, tt.filter)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	})
}

func TestStore_Conversations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		conv := &Conversation{
			ID:           "conv-1",
			Topic:        "release planning",
			CreatedAt:    baseTime,
			LastActivity: baseTime,
		}
		require.NoError(t, s.CreateConversation(ctx, conv))
		assert.ErrorIs(t, s.CreateConversation(ctx, conv), ErrDuplicate)

		require.NoError(t, s.CreateConversation(ctx, &Conversation{
			ID:           "conv-2",
			Topic:        "incident",
			CreatedAt:    baseTime,
			LastActivity: baseTime.Add(time.Minute),
		}))

		conv.Participants = []string{"alice", "bob"}
		conv.LastActivity = baseTime.Add(time.Hour)
		require.NoError(t, s.UpdateConversation(ctx, conv))

		got, err := s.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, "release planning", got.Topic)
		assert.Equal(t, []string{"alice", "bob"}, got.Participants)
		assert.True(t, got.LastActivity.Equal(baseTime.Add(time.Hour)))
		assert.True(t, got.CreatedAt.Equal(baseTime))

		list, err := s.ListConversations(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "conv-1", list[0].ID, "most recent activity first")

		_, err = s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateConversation(ctx, &Conversation{ID: "missing"}), ErrNotFound)
	})
}

func ids(msgs []*message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "council.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateMeeting(ctx, &Meeting{
		ID:          "mtg",
		Type:        "review",
		State:       MeetingActive,
		ScheduledAt: baseTime,
		CreatedAt:   baseTime,
	}))
	seq, err := s.SaveMeetingMessage(ctx, testMessageInMeeting(t, "mtg"))
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
	require.NoError(t, s.Close())

	// Migrations must be idempotent on an existing database
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	msgs, err := s.GetMeetingMessages(ctx, "mtg")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].SequenceNumber)

	seq, err = s.SaveMeetingMessage(ctx, testMessageInMeeting(t, "mtg"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func testMessageInMeeting(t *testing.T, meetingID string) *message.Message {
	t.Helper()
	msg, err := message.NewPropose("alice", meetingID, "ship friday", "tests are green",
		message.WithMeeting(meetingID),
	)
	require.NoError(t, err)
	return msg
}
