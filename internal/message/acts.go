// ABOUTME: Speech-act taxonomy: per-type validators, field placement, and factories
// ABOUTME: Build is the single construction path; typed constructors wrap it

package message

import (
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf8"
)

// Severity levels accepted by ALERT and BUG_REPORT.
var severities = []string{"low", "medium", "high", "critical"}

// Verdicts accepted by REVIEW_FEEDBACK.
var verdicts = []string{"approve", "request_changes", "comment"}

// validators holds one shape check per speech act.
var validators = map[Type]func(*Message) error{
	TypeRequest: func(m *Message) error {
		return requireFields(m, "action")
	},
	TypeInform: func(m *Message) error {
		if !m.Content.IsStructured() && m.Content.Text != "" {
			return nil
		}
		return requireFields(m, "information")
	},
	TypePropose: func(m *Message) error {
		return requireFields(m, "proposal")
	},
	TypeConfirm: func(m *Message) error {
		return requireFields(m, "confirmed_id")
	},
	TypeReject: func(m *Message) error {
		return requireFields(m, "rejected_id", "reason")
	},
	TypeQuery: func(m *Message) error {
		return requireFields(m, "question")
	},
	TypeAlert: func(m *Message) error {
		if err := requireFields(m, "severity", "details"); err != nil {
			return err
		}
		return oneOf(m, "severity", severities)
	},
	TypeBugReport: func(m *Message) error {
		if err := requireFields(m, "title", "description", "severity"); err != nil {
			return err
		}
		return oneOf(m, "severity", severities)
	},
	TypeTaskAssignment: func(m *Message) error {
		return requireFields(m, "task_id", "description")
	},
	TypeTaskUpdate: func(m *Message) error {
		if err := requireFields(m, "task_id", "status"); err != nil {
			return err
		}
		if v, ok := lookup(m, "progress"); ok {
			p, isNum := toFloat(v)
			if !isNum || p < 0 || p > 100 {
				return invalid(m.Type, "progress", "must be a number between 0 and 100")
			}
		}
		return nil
	},
	TypeReviewRequest: func(m *Message) error {
		return requireFields(m, "artifact")
	},
	TypeReviewFeedback: func(m *Message) error {
		if err := requireFields(m, "review_id", "verdict"); err != nil {
			return err
		}
		return oneOf(m, "verdict", verdicts)
	},
}

// metadataKeys lists the fields a speech act carries in metadata rather than content.
var metadataKeys = map[Type][]string{
	TypeRequest:        {"priority"},
	TypeTaskAssignment: {"priority", "deadline"},
}

var defaults = map[Type]map[string]any{
	TypeRequest: {"priority": "normal"},
}

// replyKeys names the field that references the answered message.
var replyKeys = map[Type]string{
	TypeConfirm:        "confirmed_id",
	TypeReject:         "rejected_id",
	TypeReviewFeedback: "review_id",
}

// Validate checks a message against the required-field set of its type.
// It checks shape only, never meaning.
func Validate(m *Message) error {
	check, ok := validators[m.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, m.Type)
	}
	if m.SenderID == "" {
		return missing(m.Type, "sender_id")
	}
	if m.RecipientID == "" {
		return missing(m.Type, "recipient_id")
	}
	if err := checkUTF8(m); err != nil {
		return err
	}
	return check(m)
}

// checkUTF8 rejects strings that JSON encoding would rewrite, so that every
// valid message survives a round trip unchanged.
func checkUTF8(m *Message) error {
	identity := []struct{ name, value string }{
		{"message_id", m.ID},
		{"conversation_id", m.ConversationID},
		{"sender_id", m.SenderID},
		{"recipient_id", m.RecipientID},
		{"in_reply_to", m.InReplyTo},
		{"task_id", m.TaskID},
		{"meeting_id", m.MeetingID},
	}
	for _, f := range identity {
		if !utf8.ValidString(f.value) {
			return invalid(m.Type, f.name, "not valid UTF-8")
		}
	}
	if !utf8.ValidString(m.Content.Text) {
		return invalid(m.Type, "content", "not valid UTF-8")
	}
	if key, ok := invalidUTF8(m.Content.Fields); !ok {
		return invalid(m.Type, key, "not valid UTF-8")
	}
	if key, ok := invalidUTF8(m.Metadata); !ok {
		return invalid(m.Type, key, "not valid UTF-8")
	}
	return nil
}

// invalidUTF8 walks a decoded JSON value. It returns the offending key and
// false when a key or string value is not valid UTF-8.
func invalidUTF8(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return "", utf8.ValidString(x)
	case map[string]any:
		for k, e := range x {
			if !utf8.ValidString(k) {
				return k, false
			}
			if _, ok := invalidUTF8(e); !ok {
				return k, false
			}
		}
	case []any:
		for _, e := range x {
			if key, ok := invalidUTF8(e); !ok {
				return key, false
			}
		}
	case []string:
		for _, e := range x {
			if !utf8.ValidString(e) {
				return "", false
			}
		}
	}
	return "", true
}

// Build constructs a message of type t. Fields land under their fixed keys in
// content or metadata. The message is validated before it is returned; on
// failure nothing is returned.
func Build(t Type, sender, recipient string, fields map[string]any, opts ...Option) (*Message, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, t)
	}

	m := &Message{
		Type:        t,
		SenderID:    sender,
		RecipientID: recipient,
		Content:     Content{Fields: make(map[string]any, len(fields))},
	}
	for k, v := range fields {
		place(m, k, v)
	}
	for k, v := range defaults[t] {
		if _, ok := lookup(m, k); !ok {
			place(m, k, v)
		}
	}
	for _, opt := range opts {
		opt(m)
	}

	if key, ok := replyKeys[t]; ok && m.InReplyTo == "" {
		m.InReplyTo = m.Content.String(key)
	}
	if (t == TypeTaskAssignment || t == TypeTaskUpdate) && m.TaskID == "" {
		m.TaskID = m.Content.String("task_id")
	}

	// Checked before normalize, which would replace invalid bytes
	if err := checkUTF8(m); err != nil {
		return nil, err
	}
	if err := normalize(m); err != nil {
		return nil, err
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	m.FillDefaults()
	return m, nil
}

// NewRequest asks the recipient to perform an action.
func NewRequest(sender, recipient, action string, parameters map[string]any, priority string, opts ...Option) (*Message, error) {
	fields := map[string]any{"action": action}
	if parameters != nil {
		fields["parameters"] = parameters
	}
	optional(fields, "priority", priority)
	return Build(TypeRequest, sender, recipient, fields, opts...)
}

// NewInform shares information with the recipient.
func NewInform(sender, recipient, information, infoType string, opts ...Option) (*Message, error) {
	fields := map[string]any{"information": information}
	optional(fields, "info_type", infoType)
	return Build(TypeInform, sender, recipient, fields, opts...)
}

// NewPropose suggests a course of action.
func NewPropose(sender, recipient, proposal, rationale string, opts ...Option) (*Message, error) {
	fields := map[string]any{"proposal": proposal}
	optional(fields, "rationale", rationale)
	return Build(TypePropose, sender, recipient, fields, opts...)
}

// NewConfirm accepts the message identified by confirmedID.
func NewConfirm(sender, recipient, confirmedID string, opts ...Option) (*Message, error) {
	return Build(TypeConfirm, sender, recipient, map[string]any{"confirmed_id": confirmedID}, opts...)
}

// NewReject declines the message identified by rejectedID.
func NewReject(sender, recipient, rejectedID, reason string, opts ...Option) (*Message, error) {
	return Build(TypeReject, sender, recipient, map[string]any{
		"rejected_id": rejectedID,
		"reason":      reason,
	}, opts...)
}

// NewQuery asks the recipient a question.
func NewQuery(sender, recipient, question, queryContext string, opts ...Option) (*Message, error) {
	fields := map[string]any{"question": question}
	optional(fields, "context", queryContext)
	return Build(TypeQuery, sender, recipient, fields, opts...)
}

// NewAlert raises an alert. Both severity and details are required.
func NewAlert(sender, recipient, severity, details string, opts ...Option) (*Message, error) {
	return Build(TypeAlert, sender, recipient, map[string]any{
		"severity": severity,
		"details":  details,
	}, opts...)
}

// NewBugReport files a bug with the recipient.
func NewBugReport(sender, recipient, title, description, severity string, steps []string, opts ...Option) (*Message, error) {
	fields := map[string]any{
		"title":       title,
		"description": description,
		"severity":    severity,
	}
	if len(steps) > 0 {
		fields["steps"] = steps
	}
	return Build(TypeBugReport, sender, recipient, fields, opts...)
}

// NewTaskAssignment hands a task to the recipient.
func NewTaskAssignment(sender, recipient, taskID, description, priority string, opts ...Option) (*Message, error) {
	fields := map[string]any{
		"task_id":     taskID,
		"description": description,
	}
	optional(fields, "priority", priority)
	return Build(TypeTaskAssignment, sender, recipient, fields, opts...)
}

// NewTaskUpdate reports progress on a task.
func NewTaskUpdate(sender, recipient, taskID, status, note string, opts ...Option) (*Message, error) {
	fields := map[string]any{
		"task_id": taskID,
		"status":  status,
	}
	optional(fields, "note", note)
	return Build(TypeTaskUpdate, sender, recipient, fields, opts...)
}

// NewReviewRequest asks the recipient to review an artifact.
func NewReviewRequest(sender, recipient, artifact, description string, opts ...Option) (*Message, error) {
	fields := map[string]any{"artifact": artifact}
	optional(fields, "description", description)
	return Build(TypeReviewRequest, sender, recipient, fields, opts...)
}

// NewReviewFeedback answers the review request identified by reviewID.
func NewReviewFeedback(sender, recipient, reviewID, verdict, comments string, opts ...Option) (*Message, error) {
	fields := map[string]any{
		"review_id": reviewID,
		"verdict":   verdict,
	}
	optional(fields, "comments", comments)
	return Build(TypeReviewFeedback, sender, recipient, fields, opts...)
}

func optional(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func place(m *Message, key string, value any) {
	if slices.Contains(metadataKeys[m.Type], key) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata[key] = value
		return
	}
	m.Content.Fields[key] = value
}

// lookup finds a non-empty field in content, then metadata.
func lookup(m *Message, key string) (any, bool) {
	if v, ok := m.Content.Fields[key]; ok && !isEmpty(v) {
		return v, true
	}
	if v, ok := m.Metadata[key]; ok && !isEmpty(v) {
		return v, true
	}
	return nil, false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func requireFields(m *Message, keys ...string) error {
	for _, k := range keys {
		if _, ok := lookup(m, k); !ok {
			return missing(m.Type, k)
		}
	}
	return nil
}

func oneOf(m *Message, key string, allowed []string) error {
	v, _ := lookup(m, key)
	s, ok := v.(string)
	if !ok || !slices.Contains(allowed, s) {
		return invalid(m.Type, key, fmt.Sprintf("must be one of %v", allowed))
	}
	return nil
}

// normalize rewrites content fields and metadata into the shapes JSON decoding
// produces, and drops empty metadata.
func normalize(m *Message) error {
	fields, err := normalizeMap(m.Content.Fields)
	if err != nil {
		return err
	}
	m.Content.Fields = fields

	if len(m.Metadata) == 0 {
		m.Metadata = nil
		return nil
	}
	md, err := normalizeMap(m.Metadata)
	if err != nil {
		return err
	}
	m.Metadata = md
	return nil
}

func normalizeMap(in map[string]any) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Err: err}
	}
	out := make(map[string]any, len(in))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &SerializationError{Op: "decode", Err: err}
	}
	return out, nil
}
