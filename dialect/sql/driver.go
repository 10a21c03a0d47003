package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/syssam/storekit/dialect"
)

// Driver is an opened database handle together with its dialect.
type Driver struct {
	Conn
}

// Open opens a handle for source. All supported drivers register under
// their dialect name.
func Open(name, source string) (*Driver, error) {
	db, err := sql.Open(name, source)
	if err != nil {
		return nil, err
	}
	return OpenDB(name, db), nil
}

// OpenDB wraps an already opened handle.
func OpenDB(name string, db *sql.DB) *Driver {
	return &Driver{Conn{db, name}}
}

// DB returns the underlying handle.
func (d *Driver) DB() *sql.DB {
	return d.ExecQuerier.(*sql.DB)
}

// Dialect returns the dialect name. Names of wrapping drivers such as
// "postgres-traced" resolve to the dialect they start with.
func (d *Driver) Dialect() string {
	for _, name := range []string{dialect.MySQL, dialect.SQLite, dialect.Postgres} {
		if strings.HasPrefix(d.dialect, name) {
			return name
		}
	}
	return d.dialect
}

// Close closes the handle and every pooled connection.
func (d *Driver) Close() error { return d.DB().Close() }

// ExecQuerier is the subset of *sql.DB, *sql.Conn and *sql.Tx used to run
// statements.
type ExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn adapts an ExecQuerier to dialect.ExecQuerier. Session variables
// attached with WithVar are applied before every statement.
type Conn struct {
	ExecQuerier
	dialect string
}

// Exec runs a statement without rows. v is nil or a *Result.
func (c Conn) Exec(ctx context.Context, query string, args, v any) (err error) {
	argv, ok := args.([]any)
	if !ok {
		return fmt.Errorf("dialect/sql: exec: args must be []any, got %T", args)
	}
	ex, done, err := c.session(ctx)
	if err != nil {
		return fmt.Errorf("dialect/sql: exec: %w", err)
	}
	defer func() { err = errors.Join(err, done()) }()
	res, err := ex.ExecContext(ctx, query, argv...)
	if err != nil {
		return fmt.Errorf("dialect/sql: exec: %w", err)
	}
	switch v := v.(type) {
	case nil:
	case *Result:
		*v = res
	default:
		return fmt.Errorf("dialect/sql: exec: v must be *Result, got %T", v)
	}
	return nil
}

// Query runs a statement returning rows into v, a *Rows. Session cleanup
// runs when the rows are closed.
func (c Conn) Query(ctx context.Context, query string, args, v any) error {
	vr, ok := v.(*Rows)
	if !ok {
		return fmt.Errorf("dialect/sql: query: v must be *Rows, got %T", v)
	}
	argv, ok := args.([]any)
	if !ok {
		return fmt.Errorf("dialect/sql: query: args must be []any, got %T", args)
	}
	ex, done, err := c.session(ctx)
	if err != nil {
		return fmt.Errorf("dialect/sql: query: %w", err)
	}
	rows, err := ex.QueryContext(ctx, query, argv...)
	if err != nil {
		return fmt.Errorf("dialect/sql: query: %w", errors.Join(err, done()))
	}
	*vr = Rows{rowsWithCloser{rows, done}}
	return nil
}

type (
	// Rows wraps the scanned result of Query.
	Rows struct{ ColumnScanner }
	// Result is an alias to sql.Result.
	Result = sql.Result
	// NullInt64 is an alias to sql.NullInt64.
	NullInt64 = sql.NullInt64
	// TxOptions holds the options of BeginTx.
	TxOptions = sql.TxOptions
)

// ColumnScanner is the part of *sql.Rows used to read records.
type ColumnScanner interface {
	Close() error
	ColumnTypes() ([]*sql.ColumnType, error)
	Columns() ([]string, error)
	Err() error
	Next() bool
	NextResultSet() bool
	Scan(dest ...any) error
}

// rowsWithCloser runs closer after the rows are closed.
type rowsWithCloser struct {
	ColumnScanner
	closer func() error
}

func (r rowsWithCloser) Close() error {
	return errors.Join(r.ColumnScanner.Close(), r.closer())
}
