// ABOUTME: Tests for MockStore behavior that the SQLite store does not share
// ABOUTME: Covers injected save failures and copy isolation

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_SaveErr(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	boom := errors.New("disk full")

	s.SetSaveErr(boom)
	msg := testMessage(t, "m1", "conv", "a", "b", 0)
	assert.ErrorIs(t, s.SaveMessage(ctx, msg), boom)

	require.NoError(t, s.CreateMeeting(ctx, testMeeting("mtg", MeetingActive)))
	_, err := s.SaveMeetingMessage(ctx, meetingMessage(t, "mtg", "alice", 1))
	assert.ErrorIs(t, err, boom)

	m, err := s.GetMeeting(ctx, "mtg")
	require.NoError(t, err)
	assert.Zero(t, m.LastSequence, "failed save must not advance the counter")

	s.SetSaveErr(nil)
	require.NoError(t, s.SaveMessage(ctx, msg))
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	msg := testMessage(t, "m1", "conv", "a", "b", 0)
	require.NoError(t, s.SaveMessage(ctx, msg))
	msg.SenderID = "mutated"

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.SenderID)

	got.RecipientID = "mutated"
	again, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "b", again.RecipientID)

	m := testMeeting("mtg", MeetingScheduled)
	require.NoError(t, s.CreateMeeting(ctx, m))
	m.Participants[0] = "mallory"

	stored, err := s.GetMeeting(ctx, "mtg")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Participants[0])
}

func TestMockStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMockStore()
	assert.ErrorIs(t, s.SaveMessage(ctx, testMessage(t, "m1", "conv", "a", "b", 0)), context.Canceled)
}
