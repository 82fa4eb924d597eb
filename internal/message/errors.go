// ABOUTME: Error types raised while building, validating, and decoding messages
// ABOUTME: ValidationError, SerializationError, and the ErrInvalidMessageType sentinel

package message

import (
	"errors"
	"fmt"
)

// ErrInvalidMessageType is returned when a type name is not part of the speech-act set.
var ErrInvalidMessageType = errors.New("invalid message type")

// ValidationError reports a missing or invalid field for a speech act.
type ValidationError struct {
	Type   Type
	Field  string
	Reason string // empty means the field is missing
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: missing required field %q", e.Type, e.Field)
	}
	return fmt.Sprintf("%s: invalid field %q: %s", e.Type, e.Field, e.Reason)
}

// SerializationError reports a malformed wire payload or an unparsable value.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s message: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func missing(t Type, field string) error {
	return &ValidationError{Type: t, Field: field}
}

func invalid(t Type, field, reason string) error {
	return &ValidationError{Type: t, Field: field, Reason: reason}
}
