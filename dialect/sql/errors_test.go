package sql

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

type sqliteErr int

func (e sqliteErr) Error() string { return "constraint failed" }
func (e sqliteErr) Code() int     { return int(e) }

type stateErr string

func (e stateErr) Error() string    { return "state " + string(e) }
func (e stateErr) SQLState() string { return string(e) }

func TestSQLState(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), ""},
		{"pq", &pq.Error{Code: "22003"}, "22003"},
		{"pq_wrapped", fmt.Errorf("dialect/sql: query: %w", &pq.Error{Code: "23505"}), "23505"},
		{"mysql", &mysql.MySQLError{Number: 1062, SQLState: [5]byte{'2', '3', '0', '0', '0'}}, "23000"},
		{"mysql_without_state", &mysql.MySQLError{Number: 1213}, ""},
		{"interface", stateErr("40P01"), "40P01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SQLState(tt.err))
		})
	}
}

func TestErrorClasses(t *testing.T) {
	dataErr := fmt.Errorf("wrapped: %w", &pq.Error{Code: "22003", Message: "bigint out of range"})
	assert.True(t, IsDataException(dataErr))
	assert.False(t, IsIntegrityViolation(dataErr))
	assert.False(t, IsDeadlock(dataErr))

	uniqueErr := &pq.Error{Code: "23505"}
	assert.True(t, IsIntegrityViolation(uniqueErr))
	assert.True(t, IsUniqueConstraintError(uniqueErr))
	assert.False(t, IsForeignKeyConstraintError(uniqueErr))

	assert.True(t, IsForeignKeyConstraintError(&pq.Error{Code: "23503"}))
	assert.True(t, IsCheckConstraintError(&pq.Error{Code: "23514"}))

	assert.True(t, IsDeadlock(&pq.Error{Code: "40P01"}))
	assert.True(t, IsDeadlock(&mysql.MySQLError{Number: 1213}))
	assert.True(t, IsIntegrityViolation(&mysql.MySQLError{Number: 1062}))
	assert.True(t, IsUniqueConstraintError(errors.New("UNIQUE constraint failed: person.id")))
	assert.False(t, IsIntegrityViolation(nil))

	// SQLITE_CONSTRAINT_UNIQUE is an extended code of SQLITE_CONSTRAINT.
	assert.True(t, IsIntegrityViolation(fmt.Errorf("exec: %w", sqliteErr(2067))))
	assert.False(t, IsIntegrityViolation(sqliteErr(5)))
}

func TestDriverError(t *testing.T) {
	pqErr := &pq.Error{Code: "23505"}
	got := DriverError(fmt.Errorf("dialect/sql: query: %w", pqErr))
	assert.Same(t, pqErr, got)

	myErr := &mysql.MySQLError{Number: 1213}
	assert.Same(t, myErr, DriverError(fmt.Errorf("outer: %w", myErr)))

	var lite error = sqliteErr(2067)
	assert.Equal(t, lite, DriverError(fmt.Errorf("outer: %w", lite)))

	plain := errors.New("boom")
	assert.Equal(t, plain, DriverError(plain))
}
