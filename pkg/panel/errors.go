package panel

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTurnHeldRemotely = errors.New("turn is held by the robot")
	ErrAlreadyStarted   = errors.New("already started")
	ErrStartPending     = errors.New("a start request is already in flight")
	ErrStartRefused     = errors.New("start refused by robot")
	ErrEstopHeld        = errors.New("a stop button is still pressed")

	// ErrStartTimeout is returned when the robot neither accepts nor refuses a start request in
	// time.  It is a failure, never "maybe started".
	ErrStartTimeout = fmt.Errorf("start request timed out: %w", context.DeadlineExceeded)
)

// RejectedError reports an operator action that the current state doesn't allow.  Nothing was
// changed.  Reason is one of the sentinel errors above.
type RejectedError struct {
	Action string
	Reason error
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s rejected: %v: %s", e.Action, e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s rejected: %v", e.Action, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Reason
}

// IsRejected reports whether err is an operator-facing rejection rather than a delivery
// problem.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}
