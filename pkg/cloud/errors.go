package cloud

import (
	"errors"
	"fmt"
)

// Error is the single normalized error kind for provider failures. Any
// transport, auth or API error raised by the underlying provider client is
// wrapped into this type at the call site; callers above the facade never
// see provider-specific error types.
type Error struct {
	Op      string // facade operation, e.g. "CreateVolume"
	Message string // provider's original message
	Err     error  // underlying error, if any
}

func (e *Error) Error() string {
	return fmt.Sprintf("cloud: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFoundError is kept distinct from Error so callers that need to detect
// object absence (existence polls, reconciliation diffing) can do so.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cloud: %s not found: %s", e.Resource, e.ID)
}

// IsNotFound reports whether err is a distinguished not-found condition.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// wrapErr normalizes a provider error, preserving not-found.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf
	}
	return &Error{Op: op, Message: err.Error(), Err: err}
}
