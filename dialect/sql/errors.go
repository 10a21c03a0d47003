package sql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// sqlStateError is an interface for errors that provide SQLSTATE codes.
// Implemented by: pq.Error, pgx, and some MySQL drivers.
type sqlStateError interface {
	SQLState() string
}

// errorNumberer is an interface for database errors that provide numeric error codes.
type errorNumberer interface {
	Number() uint16
}

// sqliteCoder is implemented by modernc.org/sqlite errors, which carry a
// SQLite result code instead of a SQLSTATE.
type sqliteCoder interface {
	Code() int
}

// sqliteConstraint is the primary SQLite result code for constraint failures.
const sqliteConstraint = 19

// SQLSTATE classes and codes used by the error taxonomy.
const (
	ClassDataException      = "22"
	ClassIntegrityViolation = "23"
	CodeDeadlockDetected    = "40P01"

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL error numbers.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row
	mysqlCheckConstraintViolate = 3819
	mysqlDeadlock               = 1213
)

// SQLState returns the SQLSTATE code carried by err, or "" if the error
// did not come from a database driver that reports one.
func SQLState(err error) string {
	if err == nil {
		return ""
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if state := strings.TrimRight(string(myErr.SQLState[:]), "\x00"); state != "" {
			return state
		}
		return ""
	}
	if e, ok := asError[sqlStateError](err); ok {
		return e.SQLState()
	}
	return ""
}

// DriverError returns the error value produced by the database driver
// itself, stripped of any wrapping added on the way up. If err carries no
// recognizable driver error it is returned as is.
func DriverError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr
	}
	if e, ok := asError[sqlStateError](err); ok {
		if de, ok := e.(error); ok {
			return de
		}
	}
	if e, ok := asError[sqliteCoder](err); ok {
		if de, ok := e.(error); ok {
			return de
		}
	}
	return err
}

// IsDataException reports whether err is in the "data exception" class
// (SQLSTATE 22xxx), e.g. an id beyond the range of bigint. These are
// treated as the caller's fault.
func IsDataException(err error) bool {
	return strings.HasPrefix(SQLState(err), ClassDataException)
}

// IsIntegrityViolation reports whether err is an integrity constraint
// violation (SQLSTATE 23xxx).
func IsIntegrityViolation(err error) bool {
	if strings.HasPrefix(SQLState(err), ClassIntegrityViolation) {
		return true
	}
	if n, ok := errorNumber(err); ok {
		switch n {
		case mysqlDuplicateEntry, mysqlForeignKeyParent, mysqlForeignKeyChild, mysqlCheckConstraintViolate:
			return true
		}
	}
	if e, ok := asError[sqliteCoder](err); ok && e.Code()&0xff == sqliteConstraint {
		return true
	}
	return false
}

// IsDeadlock reports whether err reports a detected deadlock.
func IsDeadlock(err error) bool {
	if SQLState(err) == CodeDeadlockDetected {
		return true
	}
	n, ok := errorNumber(err)
	return ok && n == mysqlDeadlock
}

// IsUniqueConstraintError reports if the error resulted from a DB uniqueness constraint violation.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if SQLState(err) == pgUniqueViolation {
		return true
	}
	if n, ok := errorNumber(err); ok && n == mysqlDuplicateEntry {
		return true
	}
	// Fallback to string matching for drivers that don't implement interfaces
	return containsAny(err.Error(),
		"Error 1062",                 // MySQL (string fallback)
		"violates unique constraint", // Postgres (string fallback)
		"UNIQUE constraint failed",   // SQLite
	)
}

// IsForeignKeyConstraintError reports if the error resulted from a database foreign-key constraint violation.
func IsForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if SQLState(err) == pgForeignKeyViolation {
		return true
	}
	if n, ok := errorNumber(err); ok && (n == mysqlForeignKeyParent || n == mysqlForeignKeyChild) {
		return true
	}
	return containsAny(err.Error(),
		"Error 1451",                      // MySQL (Cannot delete or update a parent row)
		"Error 1452",                      // MySQL (Cannot add or update a child row)
		"violates foreign key constraint", // Postgres
		"FOREIGN KEY constraint failed",   // SQLite
	)
}

// IsCheckConstraintError reports if the error resulted from a database check constraint violation.
func IsCheckConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if SQLState(err) == pgCheckViolation {
		return true
	}
	if n, ok := errorNumber(err); ok && n == mysqlCheckConstraintViolate {
		return true
	}
	return containsAny(err.Error(),
		"Error 3819",                // MySQL
		"violates check constraint", // Postgres
		"CHECK constraint failed",   // SQLite
	)
}

func errorNumber(err error) (uint16, bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number, true
	}
	if e, ok := asError[errorNumberer](err); ok {
		return e.Number(), true
	}
	return 0, false
}

// asError attempts to extract an error implementing interface T from the error chain.
func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
