package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/dialect"
	"github.com/syssam/storekit/dialect/sql"
	"github.com/syssam/storekit/statement"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSQLiteClient returns a client over a single connection in-memory
// database holding a person table.
func newSQLiteClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	pool, err := sql.NewPool(sql.PoolConfig{Dialect: dialect.SQLite, PoolSize: 1})
	require.NoError(t, err)
	c, err := New(pool, append([]Option{WithLogger(discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_, err = c.Query(context.Background(), `CREATE TABLE person (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  first_name TEXT NOT NULL,
  email TEXT UNIQUE,
  nickname TEXT,
  __bag TEXT NOT NULL DEFAULT '{}'
)`)
	require.NoError(t, err)
	return c
}

func countPeople(t *testing.T, h Handler) int64 {
	t.Helper()
	rows, err := h.Query(context.Background(), "SELECT count(*) AS n FROM person")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]["n"].(int64)
}

func TestClientQuery(t *testing.T) {
	ctx := context.Background()
	c := newSQLiteClient(t)

	rows, err := c.Query(ctx, "INSERT INTO person (first_name, __bag) VALUES ($1, $2) RETURNING *", "Ada", `{"shoeSize": 38}`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, storekit.Record{"id": int64(1), "firstName": "Ada", "shoeSize": int64(38)}, rows[0])

	raw, err := c.QueryRaw(ctx, "SELECT first_name, nickname, __bag FROM person")
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, "Ada", raw[0]["first_name"])
	assert.Contains(t, raw[0], "nickname")
	assert.Contains(t, raw[0], "__bag")

	raw, err = c.Raw().Query(ctx, "SELECT first_name FROM person")
	require.NoError(t, err)
	assert.Equal(t, "Ada", raw[0]["first_name"])
	assert.Equal(t, dialect.SQLite, c.Dialect())
}

func TestClientExec(t *testing.T) {
	ctx := context.Background()
	c := newSQLiteClient(t)

	c.Prepare("person/add", `-- $1: firstName
-- $2: email
INSERT INTO person (first_name, email) VALUES ($1, $2);
SELECT count(*) AS n FROM person WHERE first_name = $1;
`)
	rows, err := c.Exec(ctx, "person/add", statement.NamedArgs{"firstName": "Ada", "email": "ada@example.com"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["n"])

	rows, err = c.Exec(ctx, "person/add", statement.Positional("Grace", "grace@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows[0]["n"])
	assert.Equal(t, int64(2), countPeople(t, c))

	_, err = c.Exec(ctx, "person/missing", nil)
	assert.True(t, errors.Is(err, storekit.ErrUnknownStatement))

	c.Prepare("person/all", "SELECT * FROM person")
	_, err = c.Exec(ctx, "person/all", statement.NamedArgs{"x": 1})
	assert.True(t, errors.Is(err, storekit.ErrNoNamedParams))
}

func TestClientExecTemplate(t *testing.T) {
	ctx := context.Background()
	c := newSQLiteClient(t)
	require.NoError(t, c.PrepareTemplate("count", "SELECT count(*) AS n FROM {{.Table}} WHERE first_name = $1"))
	require.Error(t, c.PrepareTemplate("bad", "{{if}}"))

	_, err := c.Query(ctx, "INSERT INTO person (first_name) VALUES ($1)", "Ada")
	require.NoError(t, err)
	rows, err := c.ExecTemplate(ctx, "count", map[string]string{"Table": "person"}, statement.Positional("Ada"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows[0]["n"])
	assert.Equal(t, 1, c.Cache().Rendered("count"))

	_, err = c.ExecTemplate(ctx, "nope", nil, nil)
	assert.True(t, errors.Is(err, storekit.ErrUnknownStatement))
}

func TestClientLoadStatements(t *testing.T) {
	c := newSQLiteClient(t)
	fsys := fstest.MapFS{
		"sql/count.sql": {Data: []byte("SELECT count(*) AS n FROM person;\n")},
	}
	keys, err := c.LoadStatements("person", fsys, "sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"person/count"}, keys)

	again, err := c.LoadStatements("person", fstest.MapFS{}, "sql")
	require.NoError(t, err)
	assert.Equal(t, keys, again)

	rows, err := c.Exec(context.Background(), "person/count", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows[0]["n"])

	_, err = c.LoadStatements("other", fstest.MapFS{}, "sql")
	require.Error(t, err)
}

func TestClientTransaction(t *testing.T) {
	ctx := context.Background()
	c := newSQLiteClient(t)
	insert := func(ctx context.Context, h Handler, name string) error {
		_, err := h.Query(ctx, "INSERT INTO person (first_name) VALUES ($1)", name)
		return err
	}

	t.Run("commit", func(t *testing.T) {
		err := c.Transaction(ctx, func(ctx context.Context, h Handler) error {
			return insert(ctx, h, "Ada")
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), countPeople(t, c))
	})

	t.Run("rollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := c.Transaction(ctx, func(ctx context.Context, h Handler) error {
			require.NoError(t, insert(ctx, h, "Grace"))
			return boom
		})
		assert.Same(t, boom, err)
		assert.Equal(t, int64(1), countPeople(t, c))
	})

	t.Run("panic", func(t *testing.T) {
		assert.PanicsWithValue(t, "kaboom", func() {
			_ = c.Transaction(ctx, func(ctx context.Context, h Handler) error {
				require.NoError(t, insert(ctx, h, "Grace"))
				panic("kaboom")
			})
		})
		assert.Equal(t, int64(1), countPeople(t, c))
	})

	t.Run("nested", func(t *testing.T) {
		err := c.UseConnection(ctx, func(ctx context.Context, conn *Conn) error {
			assert.False(t, conn.InTx())
			return conn.Transaction(ctx, func(ctx context.Context, outer Handler) error {
				return outer.Transaction(ctx, func(ctx context.Context, inner Handler) error {
					assert.Equal(t, outer.(*Conn).ID(), inner.(*Conn).ID())
					assert.True(t, inner.(*Conn).InTx())
					return insert(ctx, inner, "Linus")
				})
			})
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), countPeople(t, c))
	})
}

type recordingMutex struct {
	names    []string
	released int
	err      error
}

func (m *recordingMutex) Acquire(_ context.Context, ex dialect.ExecQuerier, name string) (sql.Guard, error) {
	if m.err != nil {
		return nil, m.err
	}
	if ex == nil {
		return nil, errors.New("no transaction")
	}
	m.names = append(m.names, name)
	return m, nil
}

func (m *recordingMutex) Release(context.Context) error {
	m.released++
	return nil
}

func TestClientSynchronize(t *testing.T) {
	ctx := context.Background()

	t.Run("local", func(t *testing.T) {
		c := newSQLiteClient(t)
		for i := 0; i < 2; i++ {
			err := c.Synchronize(ctx, "person", func(ctx context.Context, h Handler) error {
				_, err := h.Query(ctx, "INSERT INTO person (first_name) VALUES ($1)", "Ada")
				return err
			})
			require.NoError(t, err)
		}
		assert.Equal(t, int64(2), countPeople(t, c))
	})

	t.Run("custom", func(t *testing.T) {
		m := &recordingMutex{}
		c := newSQLiteClient(t, WithMutex(m))
		boom := errors.New("boom")
		err := c.Synchronize(ctx, "school.person", func(context.Context, Handler) error { return boom })
		assert.Same(t, boom, err)
		assert.Equal(t, []string{"school.person"}, m.names)
		assert.Equal(t, 1, m.released)
	})

	t.Run("acquire_error", func(t *testing.T) {
		m := &recordingMutex{err: errors.New("locked")}
		c := newSQLiteClient(t, WithMutex(m))
		called := false
		err := c.Synchronize(ctx, "x", func(context.Context, Handler) error {
			called = true
			return nil
		})
		require.ErrorContains(t, err, "locked")
		assert.False(t, called)
	})
}

func TestClientSQLiteErrors(t *testing.T) {
	ctx := context.Background()
	c := newSQLiteClient(t)
	_, err := c.Query(ctx, "INSERT INTO person (first_name, email) VALUES ($1, $2)", "Ada", "a@example.com")
	require.NoError(t, err)

	_, err = c.Query(ctx, "INSERT INTO person (first_name, email) VALUES ($1, $2)", "Ada", "a@example.com")
	require.Error(t, err)
	assert.True(t, sql.IsIntegrityViolation(err))
	assert.False(t, storekit.IsStatementError(err))

	c.Prepare("broken", "SELEC 1")
	_, err = c.Exec(ctx, "broken", nil)
	require.Error(t, err)
	assert.True(t, storekit.IsStatementError(err))
	assert.False(t, storekit.IsClientFault(err))
	assert.Contains(t, err.Error(), "broken")
}

func TestClientPostgresErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	pool := sql.NewPoolDB(dialect.Postgres, db, sql.PoolConfig{})
	c, err := New(pool, WithLogger(discard()))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	mock.ExpectQuery("SELECT").WithArgs("abc").
		WillReturnError(&pq.Error{Code: "22P02", Message: "invalid input syntax for type bigint"})
	_, err = c.Query(ctx, "SELECT * FROM person WHERE id = $1", "abc")
	assert.True(t, storekit.IsClientFault(err))

	mock.ExpectQuery("INSERT").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	_, err = c.Query(ctx, "INSERT INTO person DEFAULT VALUES")
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Same(t, pqErr, err)

	mock.ExpectQuery("UPDATE").WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	_, err = c.Query(ctx, "UPDATE person SET id = id")
	assert.True(t, sql.IsDeadlock(err))
	assert.False(t, storekit.IsStatementError(err))

	mock.ExpectQuery("DELETE").WillReturnError(errors.New("connection reset"))
	_, err = c.Query(ctx, "DELETE FROM person")
	assert.True(t, storekit.IsStatementError(err))
	assert.False(t, storekit.IsClientFault(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClientStatus(t *testing.T) {
	c := newSQLiteClient(t)
	st := c.Status()
	assert.Equal(t, ":memory:", st.Connection)
	assert.Equal(t, 1, st.Pool.MaxOpen)
	assert.Positive(t, st.Pool.Queries.TotalQueries)

	pool, err := sql.NewPool(sql.PoolConfig{
		Dialect: dialect.Postgres, Host: "db", User: "app", Password: "secret", Database: "school",
	})
	require.NoError(t, err)
	pc, err := New(pool)
	require.NoError(t, err)
	defer pc.Close()
	assert.NotContains(t, pc.Status().Connection, "secret")
	assert.Equal(t, "********", pc.CleansedConfig().Password)
}

func TestClientStatementTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	pool := sql.NewPoolDB(dialect.Postgres, db, sql.PoolConfig{})
	c, err := New(pool, WithLogger(discard()), WithStatementTimeout(2*time.Second))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	mock.ExpectExec("SET statement_timeout = 2000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(int64(1)))
	mock.ExpectExec("RESET statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	rows, err := c.Query(ctx, "SELECT 1 AS one")
	require.NoError(t, err)
	assert.Equal(t, []storekit.Record{{"one": int64(1)}}, rows)
	require.NoError(t, mock.ExpectationsWereMet())

	// Inside a transaction the timeout is local to it.
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout = 2000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO person").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()
	err = c.Transaction(ctx, func(ctx context.Context, h Handler) error {
		_, err := h.Query(ctx, "INSERT INTO person DEFAULT VALUES RETURNING id")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
