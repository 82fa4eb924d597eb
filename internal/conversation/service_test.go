// ABOUTME: Tests for the conversation Service
// ABOUTME: Covers explicit and implicit creation, rehydration from the store, and listing

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/message"
	"github.com/2389/coven-council/internal/protocol"
	"github.com/2389/coven-council/internal/store"
)

func TestService_CreateAndGet(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	conv, err := f.svc.Create(ctx, "incident 42")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID())
	assert.Equal(t, "incident 42", conv.Topic())

	same, ok := f.svc.Get(conv.ID())
	require.True(t, ok)
	assert.Same(t, conv, same)

	row, err := f.store.GetConversation(ctx, conv.ID())
	require.NoError(t, err)
	assert.Equal(t, "incident 42", row.Topic)
}

func TestService_OpenUnknown(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.svc.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_RouteCreatesImplicitly(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first := inform(t, "a", "b", "first", message.WithConversation("conv-x"))
	conv, err := f.svc.Route(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "conv-x", conv.ID())

	second := inform(t, "b", "a", "second", message.WithConversation("conv-x"), message.WithReplyTo(first.ID))
	again, err := f.svc.Route(ctx, second)
	require.NoError(t, err)
	assert.Same(t, conv, again)

	assert.Equal(t, []string{second.ID}, conv.Replies(first.ID))

	_, err = f.store.GetConversation(ctx, "conv-x")
	require.NoError(t, err)
}

func TestService_RouteWithoutConversationID(t *testing.T) {
	f := newFixture(t, Options{})

	msg := inform(t, "a", "b", "hello")
	msg.ConversationID = ""

	conv, err := f.svc.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID())
	assert.Equal(t, conv.ID(), msg.ConversationID)
}

func TestService_OpenRehydrates(t *testing.T) {
	f := newFixture(t, Options{ContextWindow: 3})
	ctx := context.Background()

	conv, err := f.svc.Create(ctx, "restart me")
	require.NoError(t, err)

	base := time.Now().UTC()
	root := inform(t, "a", "b", "root", message.WithCreatedAt(base))
	require.NoError(t, conv.AddMessage(ctx, root))
	var last *message.Message
	for i := 1; i <= 4; i++ {
		last = inform(t, "b", "c", "reply", message.WithReplyTo(root.ID), message.WithCreatedAt(base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, conv.AddMessage(ctx, last))
	}

	// A fresh service over the same store simulates a process restart
	restarted := NewService(f.store, f.proto, nil, Options{ContextWindow: 3}, nil)
	reopened, err := restarted.Open(ctx, conv.ID())
	require.NoError(t, err)
	assert.NotSame(t, conv, reopened)

	assert.Equal(t, "restart me", reopened.Topic())
	assert.Equal(t, []string{root.ID}, reopened.Roots())
	assert.Len(t, reopened.Replies(root.ID), 4)
	assert.Equal(t, []string{"a", "b", "c"}, reopened.Participants())

	window := reopened.GetContext(0)
	require.Len(t, window, 3)
	assert.Equal(t, last.ID, window[0].ID)

	again, err := restarted.Open(ctx, conv.ID())
	require.NoError(t, err)
	assert.Same(t, reopened, again)
}

func TestService_ListAndForget(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	one, err := f.svc.Create(ctx, "one")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, "two")
	require.NoError(t, err)

	list, err := f.svc.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	f.svc.Forget(one.ID())
	_, ok := f.svc.Get(one.ID())
	assert.False(t, ok)

	reopened, err := f.svc.Open(ctx, one.ID())
	require.NoError(t, err)
	assert.Equal(t, "one", reopened.Topic())
}

func TestService_RouteRejectedLeavesNothing(t *testing.T) {
	st := store.NewMockStore()
	p := protocol.New(st, protocol.Options{ValidateRecipients: true}, nil)
	t.Cleanup(p.Close)
	require.NoError(t, p.RegisterAgent(protocol.Agent{ID: "A"}))
	svc := NewService(st, p, nil, Options{}, nil)
	ctx := context.Background()

	msg := inform(t, "A", "B", "anyone there?", message.WithConversation("conv-ghost"))
	conv, err := svc.Route(ctx, msg)
	assert.Nil(t, conv)
	assert.True(t, protocol.IsDeliveryReason(err, protocol.UnknownRecipient))

	rows, err := svc.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, ok := svc.Get("conv-ghost")
	assert.False(t, ok)
	_, err = svc.Open(ctx, "conv-ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	count, err := st.CountMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestService_OpenMessagesWithoutRow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Sent through the protocol directly, so no conversation row exists
	first := inform(t, "a", "b", "loose", message.WithConversation("conv-loose"))
	require.NoError(t, f.proto.SendMessage(ctx, first))

	conv, err := f.svc.Open(ctx, "conv-loose")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, conv.Roots())

	_, err = f.store.GetConversation(ctx, "conv-loose")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, conv.AddMessage(ctx, inform(t, "b", "a", "tied up", message.WithReplyTo(first.ID))))
	row, err := f.store.GetConversation(ctx, "conv-loose")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, row.Participants)
	assert.Equal(t, first.CreatedAt, row.CreatedAt)
}

func TestService_RouteMessageSatisfiesRouter(t *testing.T) {
	f := newFixture(t, Options{})
	var _ protocol.Router = f.svc

	msg := inform(t, "a", "b", "via router", message.WithConversation("conv-r"))
	require.NoError(t, f.svc.RouteMessage(context.Background(), msg))

	conv, ok := f.svc.Get("conv-r")
	require.True(t, ok)
	assert.Equal(t, []string{msg.ID}, conv.Roots())
}
