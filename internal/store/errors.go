package store

import (
	"errors"
	"fmt"
)

var (
	ErrEntryNotFound   = errors.New("entry not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionUsed     = errors.New("session already used")
	ErrInvalidState    = errors.New("invalid entry state")
)

// DeniedError is an admission refusal. Reason is one of the
// machine-readable admission codes and goes to the client verbatim.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "admission denied: " + e.Reason
}

func Denied(reason string) error {
	return &DeniedError{Reason: reason}
}

func DeniedReason(err error) (string, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

// TransientError marks storage contention that survived the internal
// retry budget. Callers may retry the whole operation.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
