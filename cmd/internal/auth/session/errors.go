package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned by Init when no stored credential exists.
	ErrNoCredential = errors.New("no credential")

	// ErrInvalidCredential is returned when the backend rejects a credential.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrNotAuthenticated is the InitError kind when the backend could not be
	// reached to validate a credential; the credential itself may still be valid.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// InitError reports why a stored credential could not be validated.
// Cause is the backend or transport error.
type InitError struct {
	Kind  error
	Cause error
}

func (e InitError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
}

func (e InitError) Unwrap() []error { return []error{e.Kind, e.Cause} }
