// ABOUTME: Lifecycle error for meeting operations attempted in the wrong state
// ABOUTME: Returned as a value so orchestration code can branch with errors.As

package meeting

import (
	"errors"
	"fmt"

	"github.com/2389/coven-council/internal/store"
)

// StateError reports an operation that is not valid in the meeting's current state.
type StateError struct {
	MeetingID string
	Op        string
	State     store.MeetingState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s meeting %s: meeting is %s", e.Op, e.MeetingID, e.State)
}

// IsStateError reports whether err is a StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
