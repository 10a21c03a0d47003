package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/dialect"
	"github.com/syssam/storekit/dialect/sql"
	"github.com/syssam/storekit/statement"
)

// Conn runs statements on one checked out connection, and on its open
// transaction once Transaction has been entered.
type Conn struct {
	c      *Client
	pc     *sql.PooledConn
	tx     *sql.PooledTx
	id     string
	egress Pipeline
}

func newConn(c *Client, pc *sql.PooledConn) *Conn {
	return &Conn{c: c, pc: pc, id: uuid.NewString(), egress: c.egress}
}

// ID identifies the connection, or the transaction, in log records.
func (cn *Conn) ID() string { return cn.id }

// InTx reports whether the Conn runs inside a transaction.
func (cn *Conn) InTx() bool { return cn.tx != nil }

// Dialect implements Handler.
func (cn *Conn) Dialect() string { return cn.pc.Dialect() }

func (cn *Conn) ex() dialect.ExecQuerier {
	if cn.tx != nil {
		return cn.tx
	}
	return cn.pc
}

// Exec implements Handler.
func (cn *Conn) Exec(ctx context.Context, key string, args statement.Args) ([]storekit.Record, error) {
	s, err := cn.c.cache.Statement(key)
	if err != nil {
		return nil, err
	}
	return cn.run(ctx, s, args)
}

// ExecTemplate implements Handler.
func (cn *Conn) ExecTemplate(ctx context.Context, key string, vars any, args statement.Args) ([]storekit.Record, error) {
	s, err := cn.c.cache.Render(key, vars)
	if err != nil {
		return nil, err
	}
	return cn.run(ctx, s, args)
}

// Query implements Handler.
func (cn *Conn) Query(ctx context.Context, text string, args ...any) ([]storekit.Record, error) {
	return cn.run(ctx, &statement.Statement{Text: text}, statement.Positional(args...))
}

// QueryRaw implements Handler.
func (cn *Conn) QueryRaw(ctx context.Context, text string, args ...any) ([]storekit.Record, error) {
	return cn.raw().Query(ctx, text, args...)
}

// Raw implements Handler.
func (cn *Conn) Raw() Handler { return cn.raw() }

func (cn *Conn) raw() *Conn {
	cp := *cn
	cp.egress = nil
	return &cp
}

// run executes every part of s in order and returns the rows of the last
// one.
func (cn *Conn) run(ctx context.Context, s *statement.Statement, args statement.Args) ([]storekit.Record, error) {
	binds, err := s.Bind(args)
	if err != nil {
		return nil, err
	}
	var (
		rows  []storekit.Record
		parts = s.Split()
	)
	for i, p := range parts {
		argv := statement.ArgsFor(parts, i, binds)
		if rows, err = cn.query(ctx, p.Text, argv); err != nil {
			return nil, cn.c.classify(ctx, s.Key, p.Text, argv, err)
		}
	}
	return cn.egress.Apply(rows), nil
}

func (cn *Conn) query(ctx context.Context, text string, args []any) ([]storekit.Record, error) {
	if d := cn.c.stmtTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
		ctx = sql.WithStatementTimeout(ctx, cn.Dialect(), d)
	}
	cn.c.log.DebugContext(ctx, "execute", "conn", cn.id, "query", text, "args", args)
	var rows sql.Rows
	if err := cn.ex().Query(ctx, text, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	return sql.ScanRecords(rows)
}

// Transaction implements Handler. Inside an open transaction fn runs on it
// directly. Otherwise a transaction is started, committed when fn returns
// nil and rolled back when it returns an error or panics.
func (cn *Conn) Transaction(ctx context.Context, fn func(context.Context, Handler) error) error {
	return cn.transaction(ctx, func(ctx context.Context, tc *Conn) error {
		return fn(ctx, tc)
	})
}

func (cn *Conn) transaction(ctx context.Context, fn func(context.Context, *Conn) error) (err error) {
	if cn.tx != nil {
		return fn(ctx, cn)
	}
	tx, err := cn.pc.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tc := &Conn{c: cn.c, pc: cn.pc, tx: tx, id: uuid.NewString(), egress: cn.egress}
	cn.c.log.DebugContext(ctx, "begin", "conn", cn.id, "tx", tc.id)
	defer func() {
		if r := recover(); r != nil {
			tc.rollback(ctx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	if err := fn(ctx, tc); err != nil {
		tc.rollback(ctx, err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("client: commit: %w", err)
	}
	cn.c.log.DebugContext(ctx, "commit", "tx", tc.id)
	return nil
}

// rollback aborts the transaction. A failed rollback is logged and the
// error that caused it is kept.
func (cn *Conn) rollback(ctx context.Context, cause error) {
	if err := cn.tx.Rollback(); err != nil {
		cn.c.log.ErrorContext(ctx, "rollback failed", "tx", cn.id, "cause", cause, "error", err)
		return
	}
	cn.c.log.DebugContext(ctx, "rollback", "tx", cn.id, "cause", cause)
}

// Synchronize implements Handler. The mutex is held by the transaction and
// released when it ends.
func (cn *Conn) Synchronize(ctx context.Context, name string, fn func(context.Context, Handler) error) error {
	return cn.transaction(ctx, func(ctx context.Context, tc *Conn) (err error) {
		guard, err := cn.c.mutex.Acquire(ctx, tc.tx, name)
		if err != nil {
			return fmt.Errorf("client: synchronize %q: %w", name, err)
		}
		defer func() {
			rerr := guard.Release(ctx)
			switch {
			case rerr == nil:
			case err == nil:
				err = fmt.Errorf("client: synchronize %q: release: %w", name, rerr)
			default:
				cn.c.log.WarnContext(ctx, "mutex release failed", "name", name, "error", rerr)
			}
		}()
		return fn(ctx, tc)
	})
}
