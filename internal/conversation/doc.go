// Package conversation maintains the structure of agent conversations.
//
// # Conversation
//
// A Conversation tracks, for one conversation id:
//
//   - the context window: the K most recently added messages, newest first
//   - the thread structure: message id -> direct reply ids in arrival order
//   - root messages: ids with no in_reply_to
//   - participants: every sender and recipient seen
//
// AddMessage forces the conversation id onto the message, has the Sender
// (normally *protocol.Protocol) validate and store it, and updates local state
// only when that succeeded. Storing is serialized per conversation; different
// conversations proceed independently. Handlers are dispatched after the
// conversation lock is released, so a handler may use the conversation.
//
// Structures hold ids only. Message bodies for the window live in an arena
// map that shrinks with the window; GetThread fetches fresh copies from the
// store.
//
// # Service
//
// Service keeps one Conversation per id:
//
//	svc := conversation.NewService(st, proto, broadcaster, conversation.Options{ContextWindow: 10}, logger)
//	conv, _ := svc.Create(ctx, "release planning")
//	conv.AddMessage(ctx, msg)
//
// Open rehydrates a stored conversation by replaying its most recent messages;
// GetThread falls back to the store's reply index for older roots.
// Route adds a message to whatever conversation its id names, creating it
// when needed. A new conversation's row is written with its first accepted
// message. Service also satisfies protocol.Router, so received wire messages
// join their conversations.
//
// # Broadcaster
//
// Broadcaster is an in-memory pub/sub keyed by agent id. Conversations
// publish each added message to its recipient; meetings publish lifecycle
// events and messages to their participants. Delivery is best effort.
package conversation
