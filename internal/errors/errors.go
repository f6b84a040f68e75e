// Package errors defines the typed replication errors used throughout
// BleepRelay.
//
// Every failure that crosses a gateway boundary is a *ReplicationError
// carrying a machine-readable code, the origin of the failure (source or
// target side), and whether the operation may be retried. The retry runner
// and the task's outcome handler dispatch on these fields instead of
// matching error strings.
package errors

import (
	"errors"
	"fmt"
)

// Origin identifies which side of the pipeline produced an error.
type Origin string

const (
	// OriginSource marks errors from the source object service.
	OriginSource Origin = "source"
	// OriginTarget marks errors from a replication destination.
	OriginTarget Origin = "target"
	// OriginNone marks errors raised inside the pipeline itself.
	OriginNone Origin = ""
)

// ReplicationError is the error type for all gateway and task failures.
type ReplicationError struct {
	// Code is the machine-readable error code (e.g. "ObjNotFound").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// Origin records which side of the pipeline failed.
	Origin Origin
	// Retryable reports whether the failed operation may be attempted again.
	Retryable bool
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ReplicationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ReplicationError) Unwrap() error {
	return e.Err
}

// Is matches two ReplicationErrors by code, so the predeclared sentinels
// below work with errors.Is even after Wrap attaches a cause.
func (e *ReplicationError) Is(target error) bool {
	var re *ReplicationError
	if !errors.As(target, &re) {
		return false
	}
	return e.Code == re.Code
}

// WithOrigin returns a copy of the error tagged with the given origin.
func (e *ReplicationError) WithOrigin(origin Origin) *ReplicationError {
	cp := *e
	cp.Origin = origin
	return &cp
}

// Wrap returns a copy of the error with the underlying cause attached.
func (e *ReplicationError) Wrap(err error) *ReplicationError {
	cp := *e
	cp.Err = err
	return &cp
}

// Predeclared errors for the conditions the task dispatches on.
var (
	// ErrTransient is a retryable failure: network timeout, 5xx, throttling.
	ErrTransient = &ReplicationError{
		Code:      "Transient",
		Message:   "temporary failure, retry",
		Retryable: true,
	}

	// ErrObjNotFound is returned when the source object does not exist.
	ErrObjNotFound = &ReplicationError{
		Code:    "ObjNotFound",
		Message: "the source object does not exist",
		Origin:  OriginSource,
	}

	// ErrNoSuchEntity is returned when the bucket replication configuration
	// does not exist on the source.
	ErrNoSuchEntity = &ReplicationError{
		Code:    "NoSuchEntity",
		Message: "the bucket replication configuration does not exist",
		Origin:  OriginSource,
	}

	// ErrAccessDenied is returned when the source rejects the caller's role.
	ErrAccessDenied = &ReplicationError{
		Code:    "AccessDenied",
		Message: "access denied by the source",
		Origin:  OriginSource,
	}

	// ErrBadRole is returned when the replication role cannot be assumed.
	ErrBadRole = &ReplicationError{
		Code:    "BadRole",
		Message: "the replication role is invalid",
		Origin:  OriginSource,
	}

	// ErrInvalidObjectState is returned when the source content changed
	// mid-transfer, when the site already completed, or when a replication
	// precondition no longer holds. The entry is skipped without a FAILED
	// publication.
	ErrInvalidObjectState = &ReplicationError{
		Code:    "InvalidObjectState",
		Message: "the source object is not in a replicable state",
	}

	// ErrPreconditionFailed is returned when the bucket replication rule is
	// disabled or does not match the object key prefix.
	ErrPreconditionFailed = &ReplicationError{
		Code:    "PreconditionFailed",
		Message: "the replication rule does not apply to this entry",
	}

	// ErrPermanentTarget is a non-retryable destination failure; the task
	// publishes FAILED.
	ErrPermanentTarget = &ReplicationError{
		Code:    "PermanentTarget",
		Message: "the destination rejected the operation permanently",
		Origin:  OriginTarget,
	}

	// ErrMalformedEntry is returned when a log record cannot be parsed.
	ErrMalformedEntry = &ReplicationError{
		Code:    "MalformedEntry",
		Message: "the log entry could not be decoded",
	}

	// ErrInternal is returned for invariant violations inside the pipeline,
	// such as a part location missing its dataStoreETag.
	ErrInternal = &ReplicationError{
		Code:    "InternalError",
		Message: "internal replication error",
	}
)

// IsRetryable reports whether err may be retried. Errors that are not
// ReplicationErrors are conservatively treated as retryable transport
// failures.
func IsRetryable(err error) bool {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return err != nil
}

// OriginOf returns the origin tag of err, or OriginNone when err is not a
// ReplicationError.
func OriginOf(err error) Origin {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Origin
	}
	return OriginNone
}

// CodeOf returns the error code of err, or "" when err is not a
// ReplicationError.
func CodeOf(err error) string {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// Transient wraps err as a retryable failure tagged with the given origin.
func Transient(origin Origin, err error) *ReplicationError {
	return &ReplicationError{
		Code:      "Transient",
		Message:   "temporary failure, retry",
		Origin:    origin,
		Retryable: true,
		Err:       err,
	}
}
