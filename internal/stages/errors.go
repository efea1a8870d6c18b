package stages

import (
	"errors"
	"fmt"
	"strings"
)

// Failure reasons carried by TransientError.
const (
	ReasonTimeout     = "timeout"
	ReasonUnavailable = "unavailable"
	ReasonRateLimited = "rate_limited"
)

// TransientError is a failure that may succeed if the call is repeated.
type TransientError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s transient failure (%s): %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %s transient failure (%s)", e.Stage, e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that repeating the same call will not fix.
type PermanentError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s permanent failure (%s): %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %s permanent failure (%s)", e.Stage, e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ValidationError reports stage output that failed the output gates.
type ValidationError struct {
	Stage    string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %s output invalid: %s", e.Stage, strings.Join(e.Problems, "; "))
}

// IsTransient reports whether err is or wraps a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is or wraps a *PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
