package domain

import (
	"errors"
	"fmt"
)

// ErrTankNotFound indicates that no state exists for the requested tank.
var ErrTankNotFound = errors.New("tank not found")

// AuthError means the portal rejected the credentials. It is not retried
// automatically.
type AuthError struct {
	Msg string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Msg, e.Err)
	}
	return "authentication failed: " + e.Msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers network failures, timeouts and 5xx responses.
// Maintenance is set when the portal reports a scheduled outage.
type TransientError struct {
	Msg         string
	Maintenance bool
	Err         error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal unavailable: %s: %v", e.Msg, e.Err)
	}
	return "portal unavailable: " + e.Msg
}

func (e *TransientError) Unwrap() error { return e.Err }

// ParseError means the portal answered with an unexpected shape.
type ParseError struct {
	Msg  string
	Body string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected portal response: %s: %v", e.Msg, e.Err)
	}
	return "unexpected portal response: " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// InvalidInputError is returned by the threshold policy for inputs it cannot
// derive bounds from.
type InvalidInputError struct {
	Field string
	Value float64
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Value)
}

// IsAuth reports whether err is or wraps an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsMaintenance reports whether err is a TransientError flagged as maintenance.
func IsMaintenance(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.Maintenance
}
