// Package protocol dispatches speech-act messages between registered agents.
//
// A Protocol owns two registries: agents (identity only) and handlers keyed
// by message type. SendMessage validates a message, checks its recipient,
// persists it through a store.MessageStore and then fans it out to every
// handler registered for its type:
//
//	p := protocol.New(st, protocol.Options{ValidateRecipients: true}, logger)
//	p.RegisterAgent(protocol.Agent{ID: "planner"})
//	p.RegisterAgent(protocol.Agent{ID: "coder"})
//	p.RegisterHandler(message.TypeRequest, func(ctx context.Context, m *message.Message) error {
//		...
//	})
//	msg, _ := message.NewRequest("planner", "coder", "build", nil, "high")
//	err := p.SendMessage(ctx, msg)
//
// # Delivery semantics
//
// A message is durably stored before any handler sees it. Handlers run
// concurrently, at most once each, under their own timeout. A handler error
// or panic is logged and never fails SendMessage or its sibling handlers.
// Storage failures are returned as *PersistenceError and are not retried.
//
// Receive is the wire entry point: it decodes a JSON payload and suppresses
// ids already admitted within the dedupe window.
package protocol
