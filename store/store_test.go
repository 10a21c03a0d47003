package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/client"
	"github.com/syssam/storekit/dialect"
	"github.com/syssam/storekit/dialect/sql"
)

const personTable = `CREATE TABLE person (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  first_name TEXT,
  school_id INTEGER,
  created TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  __bag TEXT NOT NULL DEFAULT '{}',
  __deleted TEXT
)`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T, opts ...Option) (*Store, *client.Client) {
	t.Helper()
	pool, err := sql.NewPool(sql.PoolConfig{Dialect: dialect.SQLite, PoolSize: 1})
	require.NoError(t, err)
	c, err := client.New(pool, client.WithLogger(discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Query(context.Background(), personTable)
	require.NoError(t, err)
	s, err := New(c, "person", opts...)
	require.NoError(t, err)
	return s, c
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)

	ada, err := s.Insert(ctx, storekit.Record{
		"firstName": "Ada",
		"school":    storekit.Record{"id": 7},
		"color":     "red",
	})
	require.NoError(t, err)
	id := ada["id"]
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "Ada", ada["firstName"])
	assert.Equal(t, int64(7), ada["schoolId"])
	assert.Equal(t, "red", ada["color"])
	assert.NotEmpty(t, ada["created"])
	assert.NotContains(t, ada, storekit.BagColumn)
	assert.NotContains(t, ada, storekit.DeletedColumn)

	// Bag numbers read back like column numbers.
	sized, err := s.Insert(ctx, storekit.Record{"firstName": "Sized", "schoolId": 7, "size": 3, "big": int64(1) << 60})
	require.NoError(t, err)
	assert.Equal(t, int64(7), sized["schoolId"])
	assert.Equal(t, int64(3), sized["size"])
	assert.Equal(t, int64(1)<<60, sized["big"])
	_, err = s.DeleteByID(ctx, sized["id"])
	require.NoError(t, err)

	// A partial update keeps the bag and drops unknown fields.
	ada, err = s.Update(ctx, storekit.Record{"id": id}, storekit.Record{"firstName": "Ada L", "size": 3})
	require.NoError(t, err)
	assert.Equal(t, "Ada L", ada["firstName"])
	assert.Equal(t, "red", ada["color"])
	assert.NotContains(t, ada, "size")

	// A replace resets every column missing from the data.
	grace, err := s.Replace(ctx, storekit.Record{"id": id}, storekit.Record{"firstName": "Grace"})
	require.NoError(t, err)
	assert.Equal(t, id, grace["id"])
	assert.Equal(t, "Grace", grace["firstName"])
	assert.NotContains(t, grace, "schoolId")
	assert.NotContains(t, grace, "color")

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, grace, got)

	bob, err := s.Insert(ctx, storekit.Record{"firstName": "Bob"})
	require.NoError(t, err)

	rows, err := s.GetByIDs(ctx, bob["id"], id, int64(42))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Grace", rows[0]["firstName"])
	assert.Equal(t, "Bob", rows[1]["firstName"])

	all, err := s.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := s.FindOne(ctx, storekit.Record{"firstName": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, bob["id"], one["id"])

	_, err = s.FindOne(ctx, storekit.Record{"firstName": "Nobody"})
	assert.True(t, storekit.IsNotFound(err))

	_, err = s.Update(ctx, storekit.Record{"id": 42}, storekit.Record{"firstName": "x"})
	assert.True(t, errors.Is(err, storekit.ErrNotFound))

	// Every matching record is updated and one of them returned.
	up, err := s.Update(ctx, storekit.Record{"id": []any{id, bob["id"]}}, storekit.Record{"schoolId": 9})
	require.NoError(t, err)
	assert.Contains(t, []any{id, bob["id"]}, up["id"])
	moved, err := s.Find(ctx, storekit.Record{"schoolId": 9})
	require.NoError(t, err)
	assert.Len(t, moved, 2)
}

func TestStoreSoftDelete(t *testing.T) {
	ctx := context.Background()
	s, c := newSQLiteStore(t)

	rec, err := s.Insert(ctx, storekit.Record{"firstName": "Ada"})
	require.NoError(t, err)
	id := rec["id"]

	deleted, err := s.DeleteByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ada", deleted["firstName"])

	_, err = s.GetByID(ctx, id)
	var nf *storekit.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, id, nf.ID())

	// The row is still there, marked deleted.
	raw, err := c.QueryRaw(ctx, "SELECT __deleted FROM person WHERE id = $1", id)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.NotNil(t, raw[0][storekit.DeletedColumn])

	_, err = s.DeleteByID(ctx, id)
	assert.True(t, storekit.IsNotFound(err))

	_, err = s.Update(ctx, storekit.Record{"id": id}, storekit.Record{"firstName": "Zombie"})
	assert.True(t, storekit.IsNotFound(err))

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Insert(ctx, storekit.Record{"firstName": name, "schoolId": 1})
		require.NoError(t, err)
	}
	n, err := s.DeleteByIDs(ctx, int64(2), int64(3))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Delete(ctx, storekit.Record{"schoolId": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Delete(ctx, nil)
	assert.True(t, storekit.IsValidationError(err))

	require.NoError(t, s.Erase(ctx))
	raw, err = c.QueryRaw(ctx, "SELECT count(*) AS n FROM person")
	require.NoError(t, err)
	assert.Equal(t, int64(0), raw[0]["n"])
}

func TestStoreDelsert(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)

	old, err := s.Insert(ctx, storekit.Record{"firstName": "Bob", "color": "red"})
	require.NoError(t, err)

	rec, err := s.Delsert(ctx, storekit.Record{"firstName": "Bob"}, storekit.Record{"color": "blue", "firstName": "Robert"})
	require.NoError(t, err)
	assert.NotEqual(t, old["id"], rec["id"])
	assert.Equal(t, "Bob", rec["firstName"])
	assert.Equal(t, "blue", rec["color"])

	all, err := s.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, rec["id"], all[0]["id"])
}

func TestStoreDelsertRollsBack(t *testing.T) {
	ctx := context.Background()
	s, c := newSQLiteStore(t)

	_, err := s.Insert(ctx, storekit.Record{"firstName": "Bob"})
	require.NoError(t, err)
	_, err = c.Query(ctx, "CREATE TRIGGER no_eve BEFORE INSERT ON person WHEN NEW.first_name = 'Eve' BEGIN SELECT RAISE(ABORT, 'no eve'); END")
	require.NoError(t, err)

	_, err = s.Delsert(ctx, storekit.Record{"firstName": "Bob"}, storekit.Record{"firstName": "Eve"})
	require.NoError(t, err, "the where values win over the data")

	_, err = s.Delsert(ctx, storekit.Record{"schoolId": nil}, storekit.Record{"firstName": "Eve"})
	require.Error(t, err)

	all, err := s.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Bob", all[0]["firstName"])
}

func TestStoreSynchronizeOnRow(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)

	rec, err := s.Insert(ctx, storekit.Record{"firstName": "Ada"})
	require.NoError(t, err)
	id := rec["id"]

	err = s.SynchronizeOnRow(ctx, storekit.Record{"id": id}, func(ctx context.Context, h client.Handler) error {
		_, err := s.With(h).Update(ctx, storekit.Record{"id": id}, storekit.Record{"firstName": "Locked"})
		return err
	})
	require.NoError(t, err)
	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Locked", got["firstName"])

	boom := errors.New("boom")
	err = s.SynchronizeOnRow(ctx, storekit.Record{"id": id}, func(ctx context.Context, h client.Handler) error {
		if _, err := s.With(h).Update(ctx, storekit.Record{"id": id}, storekit.Record{"firstName": "Lost"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Locked", got["firstName"])

	err = s.SynchronizeOnRow(ctx, storekit.Record{"id": 42}, func(context.Context, client.Handler) error { return nil })
	assert.True(t, storekit.IsNotFound(err))
}

func TestStoreDerivedAndNestedRefs(t *testing.T) {
	ctx := context.Background()
	s, c := newSQLiteStore(t, WithNestedRefs(), WithDerived(map[string]func(storekit.Record) any{
		"greeting": func(r storekit.Record) any { return fmt.Sprint("hi ", r["firstName"]) },
	}))

	rec, err := s.Insert(ctx, storekit.Record{"firstName": "Ada", "school": storekit.Record{"id": 7}, "greeting": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "hi Ada", rec["greeting"])
	assert.Equal(t, storekit.Record{"id": int64(7)}, rec["school"])
	assert.NotContains(t, rec, "schoolId")

	raw, err := c.QueryRaw(ctx, "SELECT __bag FROM person")
	require.NoError(t, err)
	assert.Equal(t, "{}", raw[0][storekit.BagColumn])

	found, err := s.Find(ctx, storekit.Record{"school": storekit.Record{"id": 7}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "hi Ada", found[0]["greeting"])
}

func TestStoreColumnsCached(t *testing.T) {
	ctx := context.Background()
	s, c := newSQLiteStore(t)

	cols, err := s.Columns(ctx)
	require.NoError(t, err)
	require.Len(t, cols, 7)
	assert.Equal(t, "id", cols[0].Name)
	assert.True(t, cols[5].HasDefault)

	_, err = c.Query(ctx, "ALTER TABLE person ADD COLUMN nickname TEXT")
	require.NoError(t, err)

	// The new column is invisible until the cache is dropped.
	rec, err := s.Insert(ctx, storekit.Record{"nickname": "Ace"})
	require.NoError(t, err)
	assert.Equal(t, "Ace", rec["nickname"])
	raw, err := c.QueryRaw(ctx, "SELECT nickname FROM person")
	require.NoError(t, err)
	assert.Nil(t, raw[0]["nickname"])

	s.With(c).Invalidate()
	cols, err = s.Columns(ctx)
	require.NoError(t, err)
	assert.Len(t, cols, 8)
	rec, err = s.Insert(ctx, storekit.Record{"nickname": "Ace"})
	require.NoError(t, err)
	raw, err = c.QueryRaw(ctx, "SELECT nickname FROM person WHERE id = $1", rec["id"])
	require.NoError(t, err)
	assert.Equal(t, "Ace", raw[0]["nickname"])
}

func TestNewRejectsBadName(t *testing.T) {
	_, c := newSQLiteStore(t)
	_, err := New(c, "bad name;")
	assert.True(t, storekit.IsValidationError(err))
	_, err = New(c, "")
	assert.True(t, storekit.IsValidationError(err))
}
