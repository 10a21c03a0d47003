package sql

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/syssam/storekit/dialect"
)

// LockKey hashes a critical-section name to the 32-bit key used for
// advisory locks: h = h*31 + c over the UTF-16 code units of name, with
// two's complement wraparound. The result is bit-exact with the classic
// JavaScript string hash, so processes in other runtimes that derive their
// lock keys the same way interoperate. Distinct names may collide.
func LockKey(name string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(name)) {
		h = h*31 + int32(u)
	}
	return h
}

// NamedMutex provides mutual exclusion across processes for a logical name.
type NamedMutex interface {
	// Acquire blocks until the lock for name is held on ex.
	Acquire(ctx context.Context, ex dialect.ExecQuerier, name string) (Guard, error)
}

// Guard releases an acquired NamedMutex.
type Guard interface {
	Release(ctx context.Context) error
}

// MutexFor returns the NamedMutex implementation for the given dialect.
// SQLite databases are local to the process, so they get a LocalMutex.
func MutexFor(name string) (NamedMutex, error) {
	switch name {
	case dialect.Postgres:
		return AdvisoryMutex{}, nil
	case dialect.MySQL:
		return MySQLMutex{Timeout: 30 * time.Second}, nil
	case dialect.SQLite:
		return NewLocalMutex(), nil
	default:
		return nil, fmt.Errorf("dialect/sql: no named mutex for dialect %q", name)
	}
}

// AdvisoryMutex uses a transaction-scoped Postgres advisory lock. It must be
// acquired inside a transaction; the lock is released when the transaction
// commits or rolls back.
type AdvisoryMutex struct{}

// Acquire implements NamedMutex.
func (AdvisoryMutex) Acquire(ctx context.Context, ex dialect.ExecQuerier, name string) (Guard, error) {
	if err := ex.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", []any{LockKey(name)}, nil); err != nil {
		return nil, fmt.Errorf("dialect/sql: advisory lock %q: %w", name, err)
	}
	return nopGuard{}, nil
}

type nopGuard struct{}

func (nopGuard) Release(context.Context) error { return nil }

// MySQLMutex uses GET_LOCK/RELEASE_LOCK. The lock belongs to the session,
// so Release must run on the same connection.
type MySQLMutex struct {
	Timeout time.Duration
}

// Acquire implements NamedMutex.
func (m MySQLMutex) Acquire(ctx context.Context, ex dialect.ExecQuerier, name string) (Guard, error) {
	key := fmt.Sprintf("storekit:%d", LockKey(name))
	rows := &Rows{}
	if err := ex.Query(ctx, "SELECT GET_LOCK(?, ?)", []any{key, int(m.Timeout.Seconds())}, rows); err != nil {
		return nil, fmt.Errorf("dialect/sql: get lock %q: %w", name, err)
	}
	var got NullInt64
	if rows.Next() {
		if err := rows.Scan(&got); err != nil {
			rows.Close()
			return nil, err
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if !got.Valid || got.Int64 != 1 {
		return nil, fmt.Errorf("dialect/sql: get lock %q: timed out after %s", name, m.Timeout)
	}
	return &mysqlGuard{ex: ex, key: key}, nil
}

type mysqlGuard struct {
	ex  dialect.ExecQuerier
	key string
}

func (g *mysqlGuard) Release(ctx context.Context) error {
	if err := g.ex.Exec(ctx, "SELECT RELEASE_LOCK(?)", []any{g.key}, nil); err != nil {
		return fmt.Errorf("dialect/sql: release lock: %w", err)
	}
	return nil
}

// LocalMutex excludes holders of the same name within this process only.
type LocalMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalMutex returns an empty LocalMutex.
func NewLocalMutex() *LocalMutex {
	return &LocalMutex{slots: make(map[string]chan struct{})}
}

// Acquire implements NamedMutex. The ExecQuerier is not used.
func (m *LocalMutex) Acquire(ctx context.Context, _ dialect.ExecQuerier, name string) (Guard, error) {
	m.mu.Lock()
	slot, ok := m.slots[name]
	if !ok {
		slot = make(chan struct{}, 1)
		m.slots[name] = slot
	}
	m.mu.Unlock()
	select {
	case slot <- struct{}{}:
		return &localGuard{slot: slot}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("dialect/sql: lock %q: %w", name, ctx.Err())
	}
}

type localGuard struct {
	once sync.Once
	slot chan struct{}
}

func (g *localGuard) Release(context.Context) error {
	g.once.Do(func() { <-g.slot })
	return nil
}
