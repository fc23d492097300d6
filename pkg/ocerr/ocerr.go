// Package ocerr defines the error taxonomy shared across the resync and
// reconciliation engine. Errors that callers need to classify are, or
// wrap, an *ocerr.Error so callers can branch on Kind rather than
// matching strings; other errors, such as JSON decoding failures, are
// plain wrapped errors.
package ocerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy entries.
type Kind string

const (
	// ConfigError is raised by startup configuration validation. Fatal.
	ConfigError Kind = "ConfigError"
	// AuthError is raised by the portal client on unrecoverable authentication failure.
	AuthError Kind = "AuthError"
	// TransportError is raised on network-level failures talking to the portal.
	TransportError Kind = "TransportError"
	// RateLimit is raised when the portal or an adapter reports a rate limit.
	RateLimit Kind = "RateLimit"
	// MappingError is raised by expression evaluation during entity processing.
	MappingError Kind = "MappingError"
	// CyclicDependency is raised by the state applier when a relation subgraph has a cycle.
	CyclicDependency Kind = "CyclicDependency"
	// DeletionThresholdExceeded is raised when a delete phase would remove too large a
	// fraction of existing state.
	DeletionThresholdExceeded Kind = "DeletionThresholdExceeded"
	// UnresolvedRelation is raised when a relation target cannot be resolved or created.
	UnresolvedRelation Kind = "UnresolvedRelation"
	// AbortRequested is raised when an event's abort signal has fired.
	AbortRequested Kind = "AbortRequested"
	// AdapterError wraps an error returned by integration-supplied code.
	AdapterError Kind = "AdapterError"
	// WebhookAuthFailed is raised when a live event processor's authenticate step fails.
	WebhookAuthFailed Kind = "WebhookAuthFailed"
	// WebhookValidationFailed is raised when a live event processor's validate step fails.
	WebhookValidationFailed Kind = "WebhookValidationFailed"
)

// Error is the concrete error type used throughout this module.
type Error struct {
	// Kind classifies the error for programmatic handling.
	Kind Kind
	// Op names the operation that failed, e.g. "portal.SearchEntities".
	Op string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal reports whether errors of this kind should abort the process
// immediately rather than accumulate, per spec.md §7's propagation policy.
func (k Kind) Fatal() bool {
	switch k {
	case ConfigError, AuthError:
		return true
	default:
		return false
	}
}
