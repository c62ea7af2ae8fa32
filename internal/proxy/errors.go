package proxy

import (
	"errors"
	"fmt"
)

// Kind classifies a failed backend call.
type Kind int

// Failure kinds.
const (
	// KindUnreachable covers connection failures, timeouts and calls
	// rejected by an open circuit breaker.
	KindUnreachable Kind = iota
	// KindMalformed means the backend answered with a body that is not a
	// valid reply envelope.
	KindMalformed
)

// Sentinel errors.
var (
	ErrUnreachable = errors.New("backend unreachable")
	ErrMalformed   = errors.New("malformed backend response")
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindMalformed {
		return "malformed"
	}
	return "unreachable"
}

// CallError describes a failed backend call.
type CallError struct {
	Kind    Kind
	Service string
	Target  string
	// Body is the raw response body of a malformed reply.
	Body  []byte
	Cause error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	switch {
	case e.Kind == KindMalformed && e.Cause != nil:
		return fmt.Sprintf("%s from %s: %v: %s", ErrMalformed, e.Service, e.Cause, e.Body)
	case e.Kind == KindMalformed:
		return fmt.Sprintf("%s from %s: %s", ErrMalformed, e.Service, e.Body)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", ErrUnreachable, e.Service, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", ErrUnreachable, e.Service)
	}
}

// Unwrap returns the underlying error.
func (e *CallError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error kind.
func (e *CallError) Is(target error) bool {
	switch e.Kind {
	case KindMalformed:
		return target == ErrMalformed
	default:
		return target == ErrUnreachable
	}
}

// IsUnreachable reports whether err is an unreachable-backend failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
