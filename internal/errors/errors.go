// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"time"
)

// Session failure kinds. Account sessions wrap one of these so callers can
// classify a failed fetch or send with errors.Is.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrAuth              = errors.New("authentication failed")
	ErrTransport         = errors.New("transport failure")
	ErrTargetUnreachable = errors.New("target unreachable")
)

// ErrNoSession is returned when an operation needs an active account session.
var ErrNoSession = errors.New("no active account session")

// ErrNoActiveCampaign is returned by Stop when no campaign is running.
var ErrNoActiveCampaign = errors.New("no campaign is running")

// ValidationError reports which input field was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError is returned when a single-flight resource is already taken,
// e.g. a campaign is already running.
type ConflictError struct {
	Resource string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

func NewConflict(resource, message string) error {
	return &ConflictError{Resource: resource, Message: message}
}

// IOError wraps a local persistence failure.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIO wraps err as an IOError. A nil err stays nil.
func NewIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

// RateLimitError carries the reset time reported by the remote API.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ErrRunNotFound is returned when no campaign run history exists for an id.
type ErrRunNotFound struct {
	CampaignID string
}

func (e *ErrRunNotFound) Error() string {
	return fmt.Sprintf("campaign run %q not found", e.CampaignID)
}

// Helper constructor
func NewRunNotFound(id string) error {
	return &ErrRunNotFound{CampaignID: id}
}

// IsSessionError reports whether err came from the account session rather
// than from local code.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTargetUnreachable)
}
