package notify

import "fmt"

// ErrSendFailed is returned when a message could not be delivered.
type ErrSendFailed struct {
	Sink  string
	Kind  Kind
	Cause error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("notify: send failed on %s (%s): %v", e.Sink, e.Kind, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
