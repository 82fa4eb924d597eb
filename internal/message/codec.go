// ABOUTME: Canonical JSON codec for messages at storage and transport boundaries
// ABOUTME: Fixed field order, upper-case type names, RFC3339Nano timestamps

package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat is the ISO-8601 layout used for created_at on the wire.
const TimeFormat = time.RFC3339Nano

// wireMessage fixes the canonical field order of an encoded message.
type wireMessage struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	RecipientID    string         `json:"recipient_id"`
	Type           string         `json:"type"`
	Content        Content        `json:"content"`
	InReplyTo      string         `json:"in_reply_to,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
	TaskID         string         `json:"task_id,omitempty"`
	MeetingID      string         `json:"meeting_id,omitempty"`
	SequenceNumber int64          `json:"sequence_number,omitempty"`
}

// Encode renders m in its wire representation.
func Encode(m *Message) ([]byte, error) {
	w := wireMessage{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Type:           string(m.Type),
		Content:        m.Content,
		InReplyTo:      m.InReplyTo,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt.UTC().Format(TimeFormat),
		TaskID:         m.TaskID,
		MeetingID:      m.MeetingID,
		SequenceNumber: m.SequenceNumber,
	}
	if len(w.Metadata) == 0 {
		w.Metadata = nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Err: err}
	}
	return data, nil
}

// Decode parses a wire payload. Unknown fields and malformed timestamps are
// serialization errors; an unknown type name wraps ErrInvalidMessageType.
func Decode(data []byte) (*Message, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &SerializationError{Op: "decode", Err: fmt.Errorf("payload is not a JSON object")}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return nil, &SerializationError{Op: "decode", Err: err}
	}
	if dec.More() {
		return nil, &SerializationError{Op: "decode", Err: fmt.Errorf("trailing data after message")}
	}

	t, err := ParseType(w.Type)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:             w.MessageID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		RecipientID:    w.RecipientID,
		Type:           t,
		Content:        w.Content,
		InReplyTo:      w.InReplyTo,
		Metadata:       w.Metadata,
		TaskID:         w.TaskID,
		MeetingID:      w.MeetingID,
		SequenceNumber: w.SequenceNumber,
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}
	if w.CreatedAt != "" {
		m.CreatedAt, err = time.Parse(TimeFormat, w.CreatedAt)
		if err != nil {
			return nil, &SerializationError{Op: "decode", Err: fmt.Errorf("parsing created_at: %w", err)}
		}
		m.CreatedAt = m.CreatedAt.UTC()
	}
	return m, nil
}

// MarshalJSON encodes m in its wire representation.
func (m *Message) MarshalJSON() ([]byte, error) {
	return Encode(m)
}

// UnmarshalJSON decodes the wire representation into m.
func (m *Message) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}
