// Package client executes named, templated and literal SQL over a Pool.
//
// Every call acquires a connection for its own duration, or runs on the
// connection or transaction of the Conn it is invoked on. Returned rows pass
// through the client's egress Pipeline unless the Raw view is used.
package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/dialect/sql"
	"github.com/syssam/storekit/statement"
)

// Handler is implemented by Client and Conn. Code that accepts a Handler
// runs unchanged on a fresh connection or inside an open transaction.
type Handler interface {
	// Exec runs the statement registered under key.
	Exec(ctx context.Context, key string, args statement.Args) ([]storekit.Record, error)
	// ExecTemplate renders the template key with vars and runs the result.
	ExecTemplate(ctx context.Context, key string, vars any, args statement.Args) ([]storekit.Record, error)
	// Query runs literal SQL.
	Query(ctx context.Context, text string, args ...any) ([]storekit.Record, error)
	// QueryRaw runs literal SQL and returns rows without egress.
	QueryRaw(ctx context.Context, text string, args ...any) ([]storekit.Record, error)
	// Transaction runs fn inside a transaction.
	Transaction(ctx context.Context, fn func(context.Context, Handler) error) error
	// Synchronize runs fn inside a transaction holding the named mutex.
	Synchronize(ctx context.Context, name string, fn func(context.Context, Handler) error) error
	// Raw returns a view of the handler that skips egress.
	Raw() Handler
	// Dialect returns the database dialect.
	Dialect() string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithEgress replaces the default egress pipeline.
func WithEgress(stages ...RowTransform) Option {
	return func(c *Client) {
		c.egress = Pipeline(stages)
	}
}

// WithMutex sets the NamedMutex used by Synchronize. The default is
// chosen by dialect.
func WithMutex(m sql.NamedMutex) Option {
	return func(c *Client) {
		c.mutex = m
	}
}

// WithStatementTimeout bounds the execution time of every statement. The
// context is cancelled after d and, on Postgres and MySQL, the server side
// statement timeout is set for the statement as well.
func WithStatementTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.stmtTimeout = d
	}
}

// Client executes statements over a connection pool. It owns the cache of
// statements and templates registered with it.
type Client struct {
	pool        *sql.Pool
	cache       *statement.Cache
	egress      Pipeline
	mutex       sql.NamedMutex
	log         *slog.Logger
	stmtTimeout time.Duration
	loaded      *loadedSet
}

type loadedSet struct {
	mu   sync.Mutex
	keys map[string][]string
}

// New returns a client over pool.
func New(pool *sql.Pool, opts ...Option) (*Client, error) {
	c := &Client{
		pool:   pool,
		cache:  statement.NewCache(),
		egress: DefaultEgress(),
		log:    slog.Default(),
		loaded: &loadedSet{keys: make(map[string][]string)},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mutex == nil {
		m, err := sql.MutexFor(pool.Dialect())
		if err != nil {
			return nil, err
		}
		c.mutex = m
	}
	return c, nil
}

// Open creates a pool for cfg and a client over it.
func Open(cfg sql.PoolConfig, statsOpts []sql.StatsOption, opts ...Option) (*Client, error) {
	pool, err := sql.NewPool(cfg, statsOpts...)
	if err != nil {
		return nil, err
	}
	c, err := New(pool, opts...)
	if err != nil {
		return nil, errors.Join(err, pool.Close())
	}
	return c, nil
}

// Pool returns the underlying pool.
func (c *Client) Pool() *sql.Pool { return c.pool }

// Cache returns the statement cache owned by the client.
func (c *Client) Cache() *statement.Cache { return c.cache }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.log }

// Dialect implements Handler.
func (c *Client) Dialect() string { return c.pool.Dialect() }

// Prepare registers an inline statement under key.
func (c *Client) Prepare(key, text string) {
	c.cache.Put(statement.New(key, text))
}

// PrepareTemplate registers an inline template under key.
func (c *Client) PrepareTemplate(key, text string) error {
	t, err := statement.NewTemplate(key, text)
	if err != nil {
		return err
	}
	c.cache.PutTemplate(t)
	return nil
}

// LoadStatements registers the statement files of dir under namespace. A
// namespace is loaded once; later calls return the keys of the first load.
func (c *Client) LoadStatements(namespace string, fsys fs.FS, dir string) ([]string, error) {
	c.loaded.mu.Lock()
	defer c.loaded.mu.Unlock()
	if keys, ok := c.loaded.keys[namespace]; ok {
		return keys, nil
	}
	keys, err := c.cache.Load(fsys, dir, namespace)
	if err != nil {
		return nil, err
	}
	c.loaded.keys[namespace] = keys
	c.log.Debug("statements loaded", "namespace", namespace, "keys", keys)
	return keys, nil
}

// WatchStatements reloads the statement files of the directory dir into
// namespace whenever one of them changes, until ctx is done.
func (c *Client) WatchStatements(ctx context.Context, namespace, dir string) error {
	return statement.Watch(ctx, dir, func(path string) {
		keys, err := c.cache.Load(os.DirFS(dir), ".", namespace)
		if err != nil {
			c.log.WarnContext(ctx, "statement reload failed", "path", path, "error", err)
		}
		c.log.InfoContext(ctx, "statements reloaded", "namespace", namespace, "path", path, "keys", len(keys))
	})
}

// UseConnection runs fn on one connection, released when fn returns.
func (c *Client) UseConnection(ctx context.Context, fn func(context.Context, *Conn) error) error {
	return c.pool.UseConnection(ctx, func(ctx context.Context, pc *sql.PooledConn) error {
		return fn(ctx, newConn(c, pc))
	})
}

func (c *Client) withConn(ctx context.Context, fn func(*Conn) ([]storekit.Record, error)) (rows []storekit.Record, err error) {
	err = c.UseConnection(ctx, func(_ context.Context, conn *Conn) error {
		rows, err = fn(conn)
		return err
	})
	return rows, err
}

// Exec implements Handler.
func (c *Client) Exec(ctx context.Context, key string, args statement.Args) ([]storekit.Record, error) {
	return c.withConn(ctx, func(conn *Conn) ([]storekit.Record, error) {
		return conn.Exec(ctx, key, args)
	})
}

// ExecTemplate implements Handler.
func (c *Client) ExecTemplate(ctx context.Context, key string, vars any, args statement.Args) ([]storekit.Record, error) {
	return c.withConn(ctx, func(conn *Conn) ([]storekit.Record, error) {
		return conn.ExecTemplate(ctx, key, vars, args)
	})
}

// Query implements Handler.
func (c *Client) Query(ctx context.Context, text string, args ...any) ([]storekit.Record, error) {
	return c.withConn(ctx, func(conn *Conn) ([]storekit.Record, error) {
		return conn.Query(ctx, text, args...)
	})
}

// QueryRaw implements Handler.
func (c *Client) QueryRaw(ctx context.Context, text string, args ...any) ([]storekit.Record, error) {
	return c.withConn(ctx, func(conn *Conn) ([]storekit.Record, error) {
		return conn.QueryRaw(ctx, text, args...)
	})
}

// Transaction implements Handler.
func (c *Client) Transaction(ctx context.Context, fn func(context.Context, Handler) error) error {
	return c.UseConnection(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.Transaction(ctx, fn)
	})
}

// Synchronize implements Handler.
func (c *Client) Synchronize(ctx context.Context, name string, fn func(context.Context, Handler) error) error {
	return c.UseConnection(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.Synchronize(ctx, name, fn)
	})
}

// Raw implements Handler.
func (c *Client) Raw() Handler {
	cp := *c
	cp.egress = nil
	return &cp
}

// Status describes the client connection and its pool.
type Status struct {
	Connection string         `json:"connection"`
	Pool       sql.PoolStatus `json:"pool"`
}

// Status reports the cleansed connection string and pool usage.
func (c *Client) Status() Status {
	return Status{
		Connection: c.CleansedConfig().DSN(),
		Pool:       c.pool.Status(),
	}
}

// CleansedConfig returns the pool configuration without secrets.
func (c *Client) CleansedConfig() sql.PoolConfig {
	return c.pool.Config().Cleansed()
}

// Close closes the pool.
func (c *Client) Close() error {
	return c.pool.Close()
}

// classify maps a driver error to the error returned to callers. Data
// exceptions are the caller's fault. Integrity violations and deadlocks are
// returned as the driver's own error so callers can react to them.
func (c *Client) classify(ctx context.Context, key, text string, args []any, err error) error {
	switch {
	case sql.IsDataException(err):
		return &storekit.StatementError{Key: key, Text: text, Args: args, ClientFault: true, Err: err}
	case sql.IsIntegrityViolation(err), sql.IsDeadlock(err):
		return sql.DriverError(err)
	}
	c.log.ErrorContext(ctx, "exec failed", "key", key, "args", args, "error", err)
	return &storekit.StatementError{Key: key, Text: text, Args: args, Err: fmt.Errorf("exec failed: %w", err)}
}

var (
	_ Handler = (*Client)(nil)
	_ Handler = (*Conn)(nil)
)
