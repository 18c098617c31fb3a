// Package apperr defines the application-level error taxonomy.
// Adapters and engines wrap lower-level failures with these types so callers
// can branch with errors.As without inspecting driver errors.
package apperr

import "fmt"

// ValidationError reports a field or invariant violation detected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing entity by kind and key.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

func NewNotFound(entity, key string) *NotFoundError {
	return &NotFoundError{Entity: entity, Key: key}
}

// ConflictError reports an identity-tuple collision under the error conflict policy.
type ConflictError struct {
	Constraint string
	Detail     string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("conflict on %s", e.Constraint)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Constraint, e.Detail)
}

// DatabaseError wraps a lower-level storage failure (timeout, connectivity, bad SQL).
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

func NewDatabase(op string, err error) *DatabaseError {
	return &DatabaseError{Op: op, Err: err}
}
