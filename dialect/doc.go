// Package dialect provides the database dialect abstraction for storekit.
//
// This package defines the interfaces and names used for database-specific
// operations. PostgreSQL is the primary target; MySQL and SQLite are
// supported by the driver, pool and error layers.
//
// # Dialect Constants
//
//	dialect.Postgres = "postgres"
//	dialect.MySQL    = "mysql"
//	dialect.SQLite   = "sqlite"
//
// # ExecQuerier Interface
//
// ExecQuerier is implemented by drivers, pooled connections and transactions.
// Transactions add Commit and Rollback through the Tx interface:
//
//	type ExecQuerier interface {
//	    Exec(ctx context.Context, query string, args, v any) error
//	    Query(ctx context.Context, query string, args, v any) error
//	}
//
// # Sub-packages
//
//   - dialect/sql: driver, connection pool, statistics, SQLSTATE taxonomy and named mutex
package dialect
