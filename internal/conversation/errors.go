package conversation

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced across the engine boundary. Callers match with
// errors.Is; the HTTP layer maps each to a status code.
var (
	// ErrInvalidContext rejects a start call with missing required context.
	ErrInvalidContext = errors.New("invalid initial context")
	// ErrNotFound means the conversation identifier is unknown.
	ErrNotFound = errors.New("conversation not found")
	// ErrConversationClosed means the operation needs an active
	// conversation but the state is complete, delivered, or failed.
	ErrConversationClosed = errors.New("conversation closed")
	// ErrTransientUpstream marks a timeout or 5xx from the AI backend or
	// the callback target; retriable.
	ErrTransientUpstream = errors.New("transient upstream failure")
	// ErrPermanentUpstream marks an explicit upstream rejection; not
	// retried.
	ErrPermanentUpstream = errors.New("permanent upstream failure")
	// ErrResourceExhausted means a connection pool or wait queue is
	// saturated; retriable by the caller.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// InvalidContextError wraps ErrInvalidContext with the list of missing or
// malformed fields.
type InvalidContextError struct {
	Missing []string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("invalid initial context: missing %v", e.Missing)
}

func (e *InvalidContextError) Unwrap() error { return ErrInvalidContext }

// Validate checks the required context fields and returns an
// InvalidContextError naming every gap.
func (ic *InitialContext) Validate() error {
	var missing []string
	if ic.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if ic.Traffic.LandingPage == "" {
		missing = append(missing, "traffic_data.landing_page")
	}
	if ic.Interaction.DeviceType == "" {
		missing = append(missing, "interaction_data.device_type")
	}
	if len(missing) > 0 {
		return &InvalidContextError{Missing: missing}
	}
	return nil
}
