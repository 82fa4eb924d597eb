// Package message defines the typed speech-act message exchanged between agents.
//
// # Speech Acts
//
// Every Message carries a Type from a closed set (REQUEST, INFORM, PROPOSE,
// CONFIRM, REJECT, QUERY, ALERT, BUG_REPORT, TASK_ASSIGNMENT, TASK_UPDATE,
// REVIEW_REQUEST, REVIEW_FEEDBACK). The type fixes the minimal set of fields
// that must be present in the message content or metadata:
//
//	msg, err := message.NewAlert("monitor", "ops", "high", "disk almost full")
//	// msg.Content.Fields["severity"] == "high"
//
// Construction goes through Build (or one of the typed wrappers such as
// NewRequest). A missing field fails with a *ValidationError naming it, before
// anything else happens.
//
// # Wire Format
//
// Encode renders a message as a JSON object with a fixed field order:
//
//	{"message_id":"...","conversation_id":"...","sender_id":"...",
//	 "recipient_id":"...","type":"ALERT","content":{...},
//	 "created_at":"2025-01-02T15:04:05.123456789Z"}
//
// Optional fields (in_reply_to, metadata, task_id, meeting_id,
// sequence_number) are omitted when absent. Decode is the inverse; it fails
// with a *SerializationError on malformed payloads and with
// ErrInvalidMessageType on an unknown type name. Unknown type names are never
// defaulted.
//
// # Content
//
// Content is either plain text or a structured mapping. Structured values are
// normalized to their JSON shapes when a message is built, so
// Decode(Encode(m)) yields a message equal to m.
package message
