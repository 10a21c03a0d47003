// Package sql provides the database/sql based driver used by storekit.
//
// It wraps database/sql with a small set of primitives:
//
//   - Driver, Conn: dialect-aware ExecQuerier implementations
//   - Pool, PoolConfig: an explicitly configured connection pool with
//     bounded acquire time and scoped connections
//   - QueryStats, Recorder: statement statistics and slow query detection
//   - NamedMutex: cross-process critical sections keyed by a name
//   - SQLState, IsDataException, IsIntegrityViolation, IsDeadlock: error taxonomy
//
// # Pool
//
//	cfg := sql.DefaultPoolConfig()
//	cfg.Database = "app"
//	pool, err := sql.NewPool(cfg, sql.WithSlowQueryLog())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
//
//	err = pool.UseConnection(ctx, func(ctx context.Context, conn *sql.PooledConn) error {
//	    rows := &sql.Rows{}
//	    if err := conn.Query(ctx, "SELECT 1", []any{}, rows); err != nil {
//	        return err
//	    }
//	    defer rows.Close()
//	    _, err := sql.ScanRecords(rows)
//	    return err
//	})
//
// # Session Variables
//
// Variables carried by the context are set before each statement. They are
// reset afterwards, except inside a Postgres transaction where SET LOCAL
// scopes them to the transaction. SQLite has none.
//
//	ctx = sql.WithVar(ctx, "search_path", "school")
//	ctx = sql.WithStatementTimeout(ctx, dialect.Postgres, 5*time.Second)
//
// # Named Mutex
//
//	mu, err := sql.MutexFor(dialect.Postgres)
//	if err != nil {
//	    return err
//	}
//	guard, err := mu.Acquire(ctx, tx, "school.classroom")
//	if err != nil {
//	    return err
//	}
//	defer guard.Release(ctx)
package sql
