package domain

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: timeouts, rate limiting,
// 5xx-class responses and network faults.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient: " + e.Reason
	}
	return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that will not improve on retry, such as
// malformed input or rejected credentials.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal: " + e.Reason
	}
	return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func Transient(reason string, err error) error { return &TransientError{Reason: reason, Err: err} }

func Fatal(reason string, err error) error { return &FatalError{Reason: reason, Err: err} }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
