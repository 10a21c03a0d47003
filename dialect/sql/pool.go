package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/syssam/storekit/dialect"
)

// PoolConfig describes how to reach the database and how many connections
// to keep. When URL is set it takes precedence over the individual fields.
type PoolConfig struct {
	Dialect        string        `yaml:"dialect"`
	URL            string        `yaml:"url"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Database       string        `yaml:"database"`
	SSLMode        string        `yaml:"sslmode"`
	PoolSize       int           `yaml:"pool_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time"`
}

// DefaultPoolConfig returns the configuration used for any field left unset.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Dialect:        dialect.Postgres,
		Host:           "localhost",
		Port:           5432,
		Database:       "postgres",
		SSLMode:        "disable",
		PoolSize:       10,
		AcquireTimeout: 5 * time.Second,
		MaxIdleTime:    5 * time.Minute,
	}
}

// WithDefaults fills zero fields from DefaultPoolConfig.
func (c PoolConfig) WithDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.Dialect == "" {
		c.Dialect = def.Dialect
	}
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		switch c.Dialect {
		case dialect.MySQL:
			c.Port = 3306
		default:
			c.Port = def.Port
		}
	}
	if c.Database == "" && c.Dialect != dialect.SQLite {
		c.Database = def.Database
	}
	if c.SSLMode == "" {
		c.SSLMode = def.SSLMode
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = def.MaxIdleTime
	}
	return c
}

// DSN returns the data source name handed to database/sql.
func (c PoolConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	switch c.Dialect {
	case dialect.MySQL:
		cfg := mysql.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		cfg.DBName = c.Database
		cfg.ParseTime = true
		return cfg.FormatDSN()
	case dialect.SQLite:
		if c.Database == "" {
			return ":memory:"
		}
		return c.Database
	default:
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
			Path:   "/" + c.Database,
		}
		if c.User != "" {
			if c.Password != "" {
				u.User = url.UserPassword(c.User, c.Password)
			} else {
				u.User = url.User(c.User)
			}
		}
		if c.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
		}
		return u.String()
	}
}

// Cleansed returns a copy of the config that is safe to log.
func (c PoolConfig) Cleansed() PoolConfig {
	if c.Password != "" {
		c.Password = "********"
	}
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err == nil {
			c.URL = u.Redacted()
		} else {
			c.URL = "********"
		}
	}
	return c
}

// Pool is a bounded set of database connections. Statements run through it
// are recorded by its Recorder.
type Pool struct {
	drv *Driver
	cfg PoolConfig
	rec *Recorder
}

// NewPool opens a pool for cfg. No connection is made until first use.
func NewPool(cfg PoolConfig, opts ...StatsOption) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if !dialect.Supported(cfg.Dialect) {
		return nil, fmt.Errorf("dialect/sql: unsupported dialect %q", cfg.Dialect)
	}
	drv, err := Open(cfg.Dialect, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: open pool: %w", err)
	}
	return newPool(drv, cfg, opts...), nil
}

// NewPoolDB wraps an already opened *sql.DB.
func NewPoolDB(name string, db *sql.DB, cfg PoolConfig, opts ...StatsOption) *Pool {
	cfg.Dialect = name
	return newPool(OpenDB(name, db), cfg.WithDefaults(), opts...)
}

func newPool(drv *Driver, cfg PoolConfig, opts ...StatsOption) *Pool {
	db := drv.DB()
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	return &Pool{drv: drv, cfg: cfg, rec: NewRecorder(opts...)}
}

// Driver returns the driver backing the pool.
func (p *Pool) Driver() *Driver { return p.drv }

// Dialect returns the dialect name of the pool.
func (p *Pool) Dialect() string { return p.drv.Dialect() }

// Config returns the effective configuration.
func (p *Pool) Config() PoolConfig { return p.cfg }

// Recorder returns the statistics recorder shared by all pool connections.
func (p *Pool) Recorder() *Recorder { return p.rec }

// Wrap returns ex instrumented by the pool recorder.
func (p *Pool) Wrap(ex dialect.ExecQuerier) dialect.ExecQuerier { return p.rec.Wrap(ex) }

// Ping verifies a connection to the database can be established.
func (p *Pool) Ping(ctx context.Context) error {
	return p.drv.DB().PingContext(ctx)
}

// Acquire checks a connection out of the pool. It fails when no connection
// frees up within the configured AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	raw, err := p.drv.DB().Conn(actx)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: acquire connection: %w", err)
	}
	return &PooledConn{
		ExecQuerier: p.rec.Wrap(Conn{raw, p.drv.dialect}),
		raw:         raw,
		pool:        p,
	}, nil
}

// UseConnection runs fn with a connection that is released when fn returns.
func (p *Pool) UseConnection(ctx context.Context, fn func(context.Context, *PooledConn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, conn)
}

// PoolStatus is a snapshot of pool usage.
type PoolStatus struct {
	MaxOpen      int           `json:"maxOpen"`
	Open         int           `json:"open"`
	InUse        int           `json:"inUse"`
	Idle         int           `json:"idle"`
	WaitCount    int64         `json:"waitCount"`
	WaitDuration time.Duration `json:"waitDuration"`
	Queries      StatsSnapshot `json:"queries"`
}

// Status reports pool usage and query statistics.
func (p *Pool) Status() PoolStatus {
	s := p.drv.DB().Stats()
	return PoolStatus{
		MaxOpen:      s.MaxOpenConnections,
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
		Queries:      p.rec.QueryStats().Stats(),
	}
}

// Close closes every connection of the pool.
func (p *Pool) Close() error { return p.drv.Close() }

// PooledConn is a single connection checked out of a Pool. Session state,
// such as variables set with WithVar, lives until Close.
type PooledConn struct {
	dialect.ExecQuerier
	raw  *sql.Conn
	pool *Pool
}

// Dialect returns the dialect of the connection.
func (c *PooledConn) Dialect() string { return c.pool.Dialect() }

// BeginTx starts a transaction on the connection.
func (c *PooledConn) BeginTx(ctx context.Context, opts *TxOptions) (*PooledTx, error) {
	tx, err := c.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: begin: %w", err)
	}
	return &PooledTx{
		ExecQuerier: c.pool.rec.Wrap(Conn{tx, c.pool.drv.dialect}),
		Tx:          tx,
	}, nil
}

// Close returns the connection to the pool.
func (c *PooledConn) Close() error { return c.raw.Close() }

// PooledTx is a transaction opened on a PooledConn.
type PooledTx struct {
	dialect.ExecQuerier
	driver.Tx
}

var _ dialect.Tx = (*PooledTx)(nil)
