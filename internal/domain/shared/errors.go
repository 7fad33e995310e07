// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrFutureTimestamp = errors.New("timestamp cannot be in the future")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")
	ErrImmutable       = errors.New("record is immutable")

	// Event ordering and data sufficiency
	ErrOutOfOrder          = errors.New("event out of order")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrStalenessViolation  = errors.New("state is stale")
	ErrUnknownMicroBlockID = errors.New("unknown micro-block")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrLockNotAcquired        = errors.New("lock not acquired")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "microblock", "decision", "baseline"
	Op      string // Operation that failed, e.g., "Apply", "Decide"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// ValidationError builds a validation DomainError for a boundary check.
func ValidationError(domain, op, message string) *DomainError {
	return NewDomainError(domain, op, ErrValidation, message)
}

// Patient domain errors
var (
	ErrPatientNotFound      = NewDomainError("patient", "Find", ErrNotFound, "patient not found")
	ErrPatientAlreadyExists = NewDomainError("patient", "Create", ErrAlreadyExists, "patient already exists")
	ErrInvalidPatientID     = NewDomainError("patient", "Validate", ErrInvalidID, "invalid patient ID")
	ErrPatientNotTracked    = NewDomainError("patient", "CheckStatus", ErrInvalidState, "patient is not being tracked")
	ErrInvalidPatientStatus = NewDomainError("patient", "UpdateStatus", ErrStateTransition, "invalid patient status transition")
)

// Catalog domain errors
var (
	ErrInvalidMicroBlockID     = NewDomainError("catalog", "Validate", ErrInvalidID, "invalid micro-block ID")
	ErrUnknownMicroBlock       = NewDomainError("catalog", "Resolve", ErrUnknownMicroBlockID, "micro-block not in active catalog")
	ErrUnknownContent          = NewDomainError("catalog", "Resolve", ErrNotFound, "content item not in catalog")
	ErrCatalogVersionNotFound  = NewDomainError("catalog", "Resolve", ErrNotFound, "catalog version not found")
	ErrInvalidPillar           = NewDomainError("catalog", "Validate", ErrInvalidInput, "invalid pillar")
	ErrCatalogVersionDuplicate = NewDomainError("catalog", "Publish", ErrAlreadyExists, "catalog version already published")
)

// Micro-block state errors
var (
	ErrOutOfOrderEvent = NewDomainError("microblock", "Apply", ErrOutOfOrder, "event timestamp precedes last applied event")
	ErrInvalidLight    = NewDomainError("microblock", "Validate", ErrInvalidInput, "invalid light")
	ErrInvalidSource   = NewDomainError("microblock", "Validate", ErrInvalidInput, "invalid event source")
	ErrStateStale      = NewDomainError("microblock", "Read", ErrStalenessViolation, "state past staleness horizon")
)

// Baseline errors
var (
	ErrBaselineNotFound     = NewDomainError("baseline", "Find", ErrNotFound, "baseline not found")
	ErrBaselineTransition   = NewDomainError("baseline", "Transition", ErrStateTransition, "invalid baseline transition")
	ErrBaselineAlreadyStart = NewDomainError("baseline", "Start", ErrAlreadyExists, "baseline already started")
)

// Decision errors
var (
	ErrDecisionNotFound     = NewDomainError("decision", "Find", ErrNotFound, "no active decision")
	ErrDecisionImmutable    = NewDomainError("decision", "Update", ErrImmutable, "escalation decisions are final")
	ErrMissingReasoning     = NewDomainError("decision", "Validate", ErrValidation, "decision reasoning is mandatory")
	ErrInsufficientDecision = NewDomainError("decision", "Decide", ErrInsufficientData, "insufficient data")
)

// Pattern errors
var (
	ErrPatternNotFound = NewDomainError("pattern", "Find", ErrNotFound, "pattern not found")
)

// Notification errors
var (
	ErrNotificationFailed = NewDomainError("notification", "Send", ErrExternalService, "failed to deliver notification")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrFutureTimestamp) ||
		errors.Is(err, ErrUnknownMicroBlockID)
}

// IsOutOfOrder reports whether err is an out-of-order event rejection.
func IsOutOfOrder(err error) bool {
	return errors.Is(err, ErrOutOfOrder)
}

// IsConflict reports state conflicts that the caller cannot fix by retrying input.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStateTransition) ||
		errors.Is(err, ErrImmutable) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockNotAcquired)
}
