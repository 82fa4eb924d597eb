// ABOUTME: Error taxonomy for message dispatch
// ABOUTME: Delivery and persistence failures are typed so callers can branch with errors.As

package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentAlreadyRegistered is returned when registering an id twice
	ErrAgentAlreadyRegistered = errors.New("agent already registered")

	// ErrAgentNotFound is returned when unregistering an unknown id
	ErrAgentNotFound = errors.New("agent not found")

	// ErrDuplicateMessage is returned by Receive for a redelivered message id
	ErrDuplicateMessage = errors.New("duplicate message")
)

// DeliveryReason classifies a DeliveryError.
type DeliveryReason string

const (
	UnknownRecipient DeliveryReason = "unknown_recipient"
	NotAParticipant  DeliveryReason = "not_a_participant"
	HandlerFailed    DeliveryReason = "handler_failed"
)

// DeliveryError reports that a message could not be delivered to an agent.
type DeliveryError struct {
	Reason    DeliveryReason
	AgentID   string
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("delivery of %s to %s failed: %s", e.MessageID, e.AgentID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsDeliveryReason reports whether err is a DeliveryError with the given reason.
func IsDeliveryReason(err error, reason DeliveryReason) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Reason == reason
}

// PersistenceError reports that the store did not accept a message.
type PersistenceError struct {
	MessageID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting message %s: %v", e.MessageID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
