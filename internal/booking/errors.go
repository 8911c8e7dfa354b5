package booking

import "errors"

// ErrOperationTimeout is surfaced after the retry budget is exhausted on
// transient failures. It is distinct from a genuine conflict: the caller may
// simply try again.
var ErrOperationTimeout = errors.New("operation timed out after retries")

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}
