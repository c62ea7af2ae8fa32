package auth

import (
	"errors"
	"fmt"
)

// Kind classifies why a presented credential was rejected.
type Kind int

// Credential failure kinds.
const (
	// KindInvalid means the signature or structure could not be verified.
	KindInvalid Kind = iota
	// KindExpired means the credential verified but its expiry has passed.
	KindExpired
	// KindMalformedClaims means the claims decoded but failed validation.
	KindMalformedClaims
)

// Sentinel errors, one per failure kind.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential expired")
	ErrMalformedClaims   = errors.New("malformed credential claims")
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindExpired:
		return "expired"
	case KindMalformedClaims:
		return "malformed_claims"
	default:
		return "invalid"
	}
}

// Message returns the client-facing rejection message for the kind.
func (k Kind) Message() string {
	switch k {
	case KindExpired:
		return "Credential expired"
	case KindMalformedClaims:
		return "Malformed credential claims"
	default:
		return "Invalid credential"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindExpired:
		return ErrExpiredCredential
	case KindMalformedClaims:
		return ErrMalformedClaims
	default:
		return ErrInvalidCredential
	}
}

// CredentialError is returned when a presented token is rejected.
type CredentialError struct {
	Kind  Kind
	Cause error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind.sentinel(), e.Cause)
	}
	return e.Kind.sentinel().Error()
}

// Unwrap returns the underlying error.
func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the same kind or another CredentialError of
// the same kind.
func (e *CredentialError) Is(target error) bool {
	if target == e.Kind.sentinel() {
		return true
	}
	var other *CredentialError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func newCredentialError(kind Kind, cause error) *CredentialError {
	return &CredentialError{Kind: kind, Cause: cause}
}

// KindOf returns the failure kind of err, defaulting to KindInvalid for
// errors that are not credential errors.
func KindOf(err error) Kind {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInvalid
}
