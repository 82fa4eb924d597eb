// ABOUTME: Tests for the protocol dispatcher
// ABOUTME: Covers recipient validation, persistence failures, handler isolation, wire ingestion, and queries

package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-council/internal/message"
	"github.com/2389/coven-council/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestProtocol(t *testing.T, opts Options, agents ...string) (*Protocol, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	p := New(st, opts, nil)
	t.Cleanup(p.Close)
	for _, id := range agents {
		require.NoError(t, p.RegisterAgent(Agent{ID: id}))
	}
	return p, st
}

func newRequest(t *testing.T, from, to string, opts ...message.Option) *message.Message {
	t.Helper()
	msg, err := message.NewRequest(from, to, "deploy", map[string]any{"env": "staging"}, "high", opts...)
	require.NoError(t, err)
	return msg
}

func TestSendMessage_UnknownRecipient(t *testing.T) {
	p, st := newTestProtocol(t, Options{ValidateRecipients: true}, "A")

	var called atomic.Bool
	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		called.Store(true)
		return nil
	}))

	msg := newRequest(t, "A", "B")
	err := p.SendMessage(context.Background(), msg)

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, UnknownRecipient, de.Reason)
	assert.Equal(t, "B", de.AgentID)
	assert.True(t, IsDeliveryReason(err, UnknownRecipient))

	count, err := st.CountMessages(context.Background(), store.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, count, "nothing may be persisted")
	assert.False(t, called.Load())
}

func TestSendMessage_RecipientValidationDisabled(t *testing.T) {
	p, st := newTestProtocol(t, Options{}, "A")

	msg := newRequest(t, "A", "stranger")
	require.NoError(t, p.SendMessage(context.Background(), msg))

	got, err := st.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "stranger", got.RecipientID)
}

func TestSendMessage_ValidationError(t *testing.T) {
	p, st := newTestProtocol(t, Options{})

	msg := &message.Message{
		SenderID:    "monitor",
		RecipientID: "ops",
		Type:        message.TypeAlert,
		Content:     message.Content{Fields: map[string]any{"severity": "high"}},
	}
	err := p.SendMessage(context.Background(), msg)

	var ve *message.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "details", ve.Field)

	count, _ := st.CountMessages(context.Background(), store.MessageFilter{})
	assert.Zero(t, count)
}

func TestSendMessage_FillsDefaults(t *testing.T) {
	p, _ := newTestProtocol(t, Options{})

	msg := &message.Message{
		SenderID:    "a",
		RecipientID: "b",
		Type:        message.TypeInform,
		Content:     message.TextContent("hello"),
	}
	require.NoError(t, p.SendMessage(context.Background(), msg))

	assert.NotEmpty(t, msg.ID)
	assert.NotEmpty(t, msg.ConversationID)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestSendMessage_PersistenceFailure(t *testing.T) {
	p, st := newTestProtocol(t, Options{})
	boom := errors.New("database is locked")
	st.SetSaveErr(boom)

	var called atomic.Bool
	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		called.Store(true)
		return nil
	}))

	msg := newRequest(t, "a", "b")
	err := p.SendMessage(context.Background(), msg)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, msg.ID, pe.MessageID)
	assert.ErrorIs(t, err, boom)
	assert.False(t, called.Load(), "handlers must not run for unstored messages")
}

// blockingStore never completes a save until its context ends.
type blockingStore struct {
	*store.MockStore
}

func (b blockingStore) SaveMessage(ctx context.Context, msg *message.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSendMessage_PersistenceTimeout(t *testing.T) {
	p := New(blockingStore{store.NewMockStore()}, Options{SendTimeout: 20 * time.Millisecond}, nil)
	defer p.Close()

	start := time.Now()
	err := p.SendMessage(context.Background(), newRequest(t, "a", "b"))

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendMessage_HandlerIsolation(t *testing.T) {
	p, _ := newTestProtocol(t, Options{})

	var mu sync.Mutex
	var seen []string
	record := func(name string) {
		mu.Lock()
		seen = append(seen, name)
		mu.Unlock()
	}

	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		record("failing")
		return errors.New("handler exploded")
	}))
	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		record("panicking")
		panic("boom")
	}))
	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		record("healthy")
		assert.Equal(t, "deploy", m.Content.String("action"))
		return nil
	}))
	require.NoError(t, p.RegisterHandler(message.TypeInform, func(ctx context.Context, m *message.Message) error {
		record("wrong-type")
		return nil
	}))

	require.NoError(t, p.SendMessage(context.Background(), newRequest(t, "a", "b")))
	assert.ElementsMatch(t, []string{"failing", "panicking", "healthy"}, seen)
}

func TestSendMessage_HandlerGetsCopy(t *testing.T) {
	p, st := newTestProtocol(t, Options{})

	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		m.Content.Fields["action"] = "rm -rf"
		return nil
	}))

	msg := newRequest(t, "a", "b")
	require.NoError(t, p.SendMessage(context.Background(), msg))

	assert.Equal(t, "deploy", msg.Content.String("action"))
	stored, err := st.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy", stored.Content.String("action"))
}

func TestSendMessage_HandlerTimeout(t *testing.T) {
	p, _ := newTestProtocol(t, Options{HandlerTimeout: 20 * time.Millisecond})

	var deadlineHit atomic.Bool
	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		<-ctx.Done()
		deadlineHit.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}))

	require.NoError(t, p.SendMessage(context.Background(), newRequest(t, "a", "b")))
	assert.True(t, deadlineHit.Load())
}

func TestSendMessage_HandlerIgnoringContextIsAbandoned(t *testing.T) {
	p, _ := newTestProtocol(t, Options{HandlerTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	exited := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		<-exited
	})
	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		defer close(exited)
		<-release
		return nil
	}))

	start := time.Now()
	require.NoError(t, p.SendMessage(context.Background(), newRequest(t, "a", "b")))
	assert.Less(t, time.Since(start), 20*time.Millisecond+abandonGrace+time.Second)
}

func TestSendMessage_HandlersSurviveCallerCancel(t *testing.T) {
	p, _ := newTestProtocol(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var handlerErr error
	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(hctx context.Context, m *message.Message) error {
		cancel()
		handlerErr = hctx.Err()
		return nil
	}))

	require.NoError(t, p.SendMessage(ctx, newRequest(t, "a", "b")))
	assert.NoError(t, handlerErr)
}

func TestRegisterHandler_InvalidType(t *testing.T) {
	p, _ := newTestProtocol(t, Options{})

	err := p.RegisterHandler(message.Type("GOSSIP"), func(ctx context.Context, m *message.Message) error { return nil })
	assert.ErrorIs(t, err, message.ErrInvalidMessageType)
	assert.Error(t, p.RegisterHandler(message.TypeInform, nil))
}

func TestReceive(t *testing.T) {
	p, st := newTestProtocol(t, Options{})

	var calls atomic.Int32
	require.NoError(t, p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return nil
	}))

	data, err := message.Encode(newRequest(t, "a", "b", message.WithID("wire-1")))
	require.NoError(t, err)

	msg, err := p.Receive(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "wire-1", msg.ID)

	_, err = p.Receive(context.Background(), data)
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	assert.Equal(t, int32(1), calls.Load())
	count, _ := st.CountMessages(context.Background(), store.MessageFilter{})
	assert.Equal(t, 1, count)
}

func TestReceive_ReleasesOnFailure(t *testing.T) {
	p, st := newTestProtocol(t, Options{})

	data, err := message.Encode(newRequest(t, "a", "b", message.WithID("wire-2")))
	require.NoError(t, err)

	st.SetSaveErr(errors.New("offline"))
	_, err = p.Receive(context.Background(), data)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)

	st.SetSaveErr(nil)
	_, err = p.Receive(context.Background(), data)
	require.NoError(t, err, "redelivery after a failed save must be accepted")
}

func TestReceive_AlreadyStored(t *testing.T) {
	p, st := newTestProtocol(t, Options{})

	msg := newRequest(t, "a", "b", message.WithID("wire-3"))
	require.NoError(t, st.SaveMessage(context.Background(), msg))

	data, err := message.Encode(msg)
	require.NoError(t, err)

	_, err = p.Receive(context.Background(), data)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

type recordingRouter struct {
	mu     sync.Mutex
	routed []string
	err    error
}

func (r *recordingRouter) RouteMessage(ctx context.Context, msg *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, msg.ID)
	return r.err
}

func TestReceive_UsesRouter(t *testing.T) {
	p, st := newTestProtocol(t, Options{})
	r := &recordingRouter{}
	p.SetRouter(r)

	data, err := message.Encode(newRequest(t, "a", "b", message.WithID("wire-r1")))
	require.NoError(t, err)

	msg, err := p.Receive(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "wire-r1", msg.ID)
	assert.Equal(t, []string{"wire-r1"}, r.routed)

	// The router owns storage; Receive does not save on its own
	count, _ := st.CountMessages(context.Background(), store.MessageFilter{})
	assert.Equal(t, 0, count)

	_, err = p.Receive(context.Background(), data)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.Len(t, r.routed, 1)
}

func TestReceive_RouterErrors(t *testing.T) {
	p, _ := newTestProtocol(t, Options{})
	r := &recordingRouter{err: &PersistenceError{MessageID: "wire-r2", Err: store.ErrDuplicate}}
	p.SetRouter(r)

	data, err := message.Encode(newRequest(t, "a", "b", message.WithID("wire-r2")))
	require.NoError(t, err)

	_, err = p.Receive(context.Background(), data)
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	r.err = errors.New("conversation unavailable")
	_, err = p.Receive(context.Background(), data)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateMessage)

	r.err = nil
	_, err = p.Receive(context.Background(), data)
	require.NoError(t, err, "a failed route releases the id for redelivery")
	assert.Len(t, r.routed, 3)
}

func TestReceive_Malformed(t *testing.T) {
	p, _ := newTestProtocol(t, Options{})

	_, err := p.Receive(context.Background(), []byte(`{"message_id":`))
	var se *message.SerializationError
	assert.ErrorAs(t, err, &se)

	_, err = p.Receive(context.Background(), []byte(`{"message_id":"x","conversation_id":"c","sender_id":"a","recipient_id":"b","type":"GOSSIP","content":"hi","created_at":"2025-01-01T00:00:00Z"}`))
	assert.ErrorIs(t, err, message.ErrInvalidMessageType)
}

func TestQueries(t *testing.T) {
	p, _ := newTestProtocol(t, Options{})
	ctx := context.Background()
	base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	for i, pair := range [][2]string{{"a", "b"}, {"b", "a"}, {"a", "c"}} {
		msg := newRequest(t, pair[0], pair[1],
			message.WithConversation("conv"),
			message.WithCreatedAt(base.Add(time.Duration(i)*time.Minute)),
		)
		require.NoError(t, p.SendMessage(ctx, msg))
	}

	page, err := p.GetConversationMessages(ctx, "conv", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].SenderID)

	count, err := p.CountMessages(ctx, store.MessageFilter{ConversationID: "conv", SenderID: "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	msgs, err := p.GetAgentMessages(ctx, "c", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got, err := p.GetMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "c", got.RecipientID)
}
