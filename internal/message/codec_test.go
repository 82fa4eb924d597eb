// ABOUTME: Tests for the wire codec
// ABOUTME: Round trips every speech act and checks decode failure modes

package message

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessages(t *testing.T) []*Message {
	t.Helper()

	build := func(m *Message, err error) *Message {
		t.Helper()
		require.NoError(t, err)
		return m
	}

	return []*Message{
		build(NewRequest("planner", "coder", "implement", map[string]any{"ticket": "T-1", "estimate": 3}, "high")),
		build(NewInform("coder", "planner", "done", "status")),
		build(NewPropose("coder", "planner", "split the module", "too large")),
		build(NewConfirm("planner", "coder", "m-1")),
		build(NewReject("planner", "coder", "m-2", "not now")),
		build(NewQuery("planner", "coder", "eta?", "sprint 4")),
		build(NewAlert("monitor", "ops", "critical", "db down", WithMetadata(map[string]any{"region": "eu"}))),
		build(NewBugReport("qa", "coder", "crash", "nil deref", "high", []string{"open app", "click"})),
		build(NewTaskAssignment("lead", "coder", "task-1", "write docs", "low")),
		build(NewTaskUpdate("coder", "lead", "task-1", "completed", "merged", WithMeeting("meet-1"))),
		build(NewReviewRequest("coder", "reviewer", "pr-42", "please review")),
		build(NewReviewFeedback("reviewer", "coder", "rev-1", "request_changes", "add tests")),
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, msg := range sampleMessages(t) {
		t.Run(string(msg.Type), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)

			if diff := cmp.Diff(msg, decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodec_RoundTripSequencedMessage(t *testing.T) {
	msg, err := NewInform("a", "meeting", "hello", "", WithMeeting("m-1"))
	require.NoError(t, err)
	msg.SequenceNumber = 7

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sequence_number":7`)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, cmp.Equal(msg, &decoded))
}

func TestEncode_CanonicalShape(t *testing.T) {
	created := time.Date(2025, 3, 4, 5, 6, 7, 800, time.UTC)
	msg, err := NewAlert("monitor", "ops", "low", "noise",
		WithID("m-1"),
		WithConversation("c-1"),
		WithCreatedAt(created),
	)
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)

	want := `{"message_id":"m-1","conversation_id":"c-1","sender_id":"monitor","recipient_id":"ops",` +
		`"type":"ALERT","content":{"details":"noise","severity":"low"},"created_at":"2025-03-04T05:06:07.0000008Z"}`
	assert.Equal(t, want, string(data))
}

func TestEncode_OmitsAbsentOptionals(t *testing.T) {
	msg, err := NewQuery("a", "b", "why?", "")
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)

	for _, key := range []string{"in_reply_to", "metadata", "task_id", "meeting_id", "sequence_number"} {
		assert.NotContains(t, string(data), key)
	}
}

func TestDecode_TextContent(t *testing.T) {
	payload := `{"message_id":"m","conversation_id":"c","sender_id":"a","recipient_id":"b",` +
		`"type":"INFORM","content":"plain words","created_at":"2025-01-01T00:00:00Z"}`

	msg, err := Decode([]byte(payload))
	require.NoError(t, err)
	assert.False(t, msg.Content.IsStructured())
	assert.Equal(t, "plain words", msg.Content.Text)
	assert.NoError(t, Validate(msg))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantInvalid bool
	}{
		{name: "malformed json", payload: `{"message_id":`},
		{name: "not an object", payload: `[]`},
		{name: "null", payload: `null`},
		{name: "bare string", payload: `"INFORM"`},
		{name: "empty", payload: `   `},
		{name: "unknown field", payload: `{"message_id":"m","type":"INFORM","content":"x","created_at":"2025-01-01T00:00:00Z","colour":"red"}`},
		{name: "bad timestamp", payload: `{"message_id":"m","type":"INFORM","content":"x","created_at":"yesterday"}`},
		{name: "bad content", payload: `{"message_id":"m","type":"INFORM","content":42,"created_at":"2025-01-01T00:00:00Z"}`},
		{name: "trailing data", payload: `{"message_id":"m","type":"INFORM","content":"x","created_at":"2025-01-01T00:00:00Z"} {}`},
		{name: "unknown type", payload: `{"message_id":"m","type":"GOSSIP","content":"x","created_at":"2025-01-01T00:00:00Z"}`, wantInvalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.payload))
			require.Error(t, err)
			assert.Nil(t, msg)

			if tt.wantInvalid {
				assert.True(t, errors.Is(err, ErrInvalidMessageType))
				return
			}
			var serr *SerializationError
			assert.True(t, errors.As(err, &serr), "want SerializationError, got %v", err)
			assert.True(t, strings.HasPrefix(serr.Error(), "decode message"))
		})
	}
}
