package storekit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard sentinel errors for common operations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storekit: record not found")

	// ErrUnknownStatement is returned when a statement or template key was
	// never registered with the client.
	ErrUnknownStatement = errors.New("storekit: unknown statement")

	// ErrUnknownStore is returned when a store or its table is not known.
	ErrUnknownStore = errors.New("storekit: unknown store")

	// ErrMalformedSpec is returned for specs with unknown keys or
	// colliding field names.
	ErrMalformedSpec = errors.New("storekit: malformed spec")

	// ErrNoNamedParams is returned when named arguments are passed to a
	// statement that declares no named parameters.
	ErrNoNamedParams = errors.New("storekit: statement has no named params")

	// ErrMissingMigrations is returned by the migration runner when a
	// migration older than the last committed one was never applied.
	ErrMissingMigrations = errors.New("storekit: missing migrations")
)

// NotFoundError represents an error when a record is not found.
type NotFoundError struct {
	store string
	id    any // Optional: the ID that was searched for
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	if e.id != nil {
		return fmt.Sprintf("storekit: %s not found (id=%v)", e.store, e.id)
	}
	return fmt.Sprintf("storekit: %s not found", e.store)
}

// Is reports whether the target error matches NotFoundError.
// This allows errors.Is(notFoundErr, ErrNotFound) to return true.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// Store returns the store name.
func (e *NotFoundError) Store() string {
	return e.store
}

// ID returns the ID that was searched for, if available.
func (e *NotFoundError) ID() any {
	return e.id
}

// NewNotFoundError returns a new NotFoundError for the given store.
func NewNotFoundError(store string) *NotFoundError {
	return &NotFoundError{store: store}
}

// NewNotFoundErrorWithID returns a new NotFoundError with the ID that was searched for.
func NewNotFoundErrorWithID(store string, id any) *NotFoundError {
	return &NotFoundError{store: store, id: id}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// StatementError carries the failing statement and its bound values.
// ClientFault is set for data exceptions (SQLSTATE class 22), which are
// caused by the values the caller supplied.
type StatementError struct {
	Key         string // Statement key, empty for literal SQL
	Text        string // Statement text as executed
	Args        []any  // Bound values
	ClientFault bool
	Err         error // Underlying driver error
}

// Error returns the error string.
func (e *StatementError) Error() string {
	name := e.Key
	if name == "" {
		name = "anonymous query"
	}
	if e.ClientFault {
		return fmt.Sprintf("storekit: %s: %v", name, e.Err)
	}
	return fmt.Sprintf("storekit: exec failed (%s): %v", name, e.Err)
}

// Unwrap returns the underlying error.
func (e *StatementError) Unwrap() error {
	return e.Err
}

// IsStatementError returns true if the error is a StatementError.
func IsStatementError(err error) bool {
	if err == nil {
		return false
	}
	var e *StatementError
	return errors.As(err, &e)
}

// IsClientFault reports whether err is a StatementError caused by the
// caller's data.
func IsClientFault(err error) bool {
	var e *StatementError
	return errors.As(err, &e) && e.ClientFault
}

// ValidationError represents a validation error for a spec or an argument.
type ValidationError struct {
	Name string // Spec, field or argument name
	Err  error  // Underlying validation error
}

// Error returns the error string.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("storekit: validation failed for %q: %s", e.Name, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError returns a new ValidationError for the given name.
func NewValidationError(name string, err error) *ValidationError {
	return &ValidationError{Name: name, Err: err}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ValidationError
	return errors.As(err, &e)
}

// MigrationOrderError is returned when migrations are registered with a
// duplicate or decreasing date.
type MigrationOrderError struct {
	Schema    string
	Date      time.Time
	Previous  time.Time
	Identical bool
}

// Error returns the error string.
func (e *MigrationOrderError) Error() string {
	if e.Identical {
		return fmt.Sprintf("storekit: migration in %s has identical time stamp: %s",
			e.Schema, e.Date.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("storekit: migrations in %s must remain ordered by date: %s is before %s",
		e.Schema, e.Date.Format(time.RFC3339Nano), e.Previous.Format(time.RFC3339Nano))
}

// MissingMigration identifies a migration that was skipped by an earlier run.
type MissingMigration struct {
	Schema      string
	Date        time.Time
	Description string
}

// MissingMigrationsError lists migrations older than the last committed one
// that were never applied.
type MissingMigrationsError struct {
	Migrations []MissingMigration
}

// Error returns the error string.
func (e *MissingMigrationsError) Error() string {
	var sb strings.Builder
	sb.WriteString("storekit: missing migrations:")
	for _, m := range e.Migrations {
		fmt.Fprintf(&sb, "\n  %s %s %s", m.Schema, m.Date.Format(time.RFC3339Nano), m.Description)
	}
	return sb.String()
}

// Is reports whether the target error matches ErrMissingMigrations.
func (e *MissingMigrationsError) Is(err error) bool {
	return err == ErrMissingMigrations
}

// RollbackError wraps an error that occurred during a transaction rollback.
type RollbackError struct {
	Err error // Original error that triggered rollback
}

// Error returns the error string.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("storekit: rollback failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *RollbackError) Unwrap() error {
	return e.Err
}

// AggregateError represents multiple errors collected during an operation.
type AggregateError struct {
	Errors []error
}

// Error returns the error string.
func (e *AggregateError) Error() string {
	if len(e.Errors) == 0 {
		return "storekit: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	sb.WriteString("storekit: multiple errors:")
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "\n  [%d] %v", i+1, err)
	}
	return sb.String()
}

// Unwrap returns the collected errors.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// NewAggregateError returns a new AggregateError if there are errors,
// otherwise returns nil.
func NewAggregateError(errs ...error) error {
	var filtered []error
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &AggregateError{Errors: filtered}
}
