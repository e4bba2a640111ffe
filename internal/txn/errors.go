package txn

import (
	"errors"
	"fmt"
)

// FailureClass categorizes a dispatch failure. The class determines retry
// policy: transient classes reschedule with backoff, permanent classes fail
// immediately, auth suspends the whole queue.
type FailureClass string

const (
	// FailureNetwork is a connection-level error (refused, reset, DNS).
	FailureNetwork FailureClass = "network"

	// FailureTimeout is an attempt that exceeded its wall-clock budget.
	// Covers cold-started servers that accept but never answer in time.
	FailureTimeout FailureClass = "timeout"

	// FailureServer is a 5xx response or cold-start unavailability.
	FailureServer FailureClass = "server"

	// FailureAuth is a 401: the bearer token is no longer valid.
	FailureAuth FailureClass = "auth"

	// FailureValidation is a non-auth 4xx: the server rejected the request
	// and will keep rejecting it. Never retried.
	FailureValidation FailureClass = "validation"

	// FailureConflict marks a dependent transaction whose prerequisite
	// failed; it is failed without ever dispatching.
	FailureConflict FailureClass = "conflict"
)

// Transient reports whether failures of this class are retryable.
func (c FailureClass) Transient() bool {
	switch c {
	case FailureNetwork, FailureTimeout, FailureServer:
		return true
	}
	return false
}

// ValidationError is a bad payload shape detected at enqueue time, or a
// permanent 4xx rejection from the server. Never retried.
type ValidationError struct {
	Type    Type
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s payload: %s: %s", e.Type, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Message)
}

func newValidationError(typ Type, field, msg string) *ValidationError {
	return &ValidationError{Type: typ, Field: field, Message: msg}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError is returned by the store for an unknown transaction id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction %s not found", e.ID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IllegalTransitionError is an attempt to move a transaction's status
// backward or across an edge the state machine does not have. Returned by
// the store, which is where the forward-only invariant is enforced.
type IllegalTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("transaction %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// IsIllegalTransition reports whether err is (or wraps) an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var it *IllegalTransitionError
	return errors.As(err, &it)
}

// DispatchError is a classified failure from a dispatch attempt. The engine
// consults Class to choose between backoff, immediate failure, and queue
// suspension.
type DispatchError struct {
	Class   FailureClass
	Message string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NewDispatchError builds a classified dispatch failure.
func NewDispatchError(class FailureClass, message string, err error) *DispatchError {
	return &DispatchError{Class: class, Message: message, Err: err}
}

// Classify extracts the failure class from err. Unclassified errors are
// treated as network failures: the conservative choice is to retry.
func Classify(err error) FailureClass {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Class
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return FailureValidation
	}
	return FailureNetwork
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return Classify(err).Transient()
}

// IsAuth reports whether err is a credential failure that should suspend
// the queue.
func IsAuth(err error) bool {
	return Classify(err) == FailureAuth
}
