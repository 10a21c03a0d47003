// Package store implements a generic record store over one table.
//
// Writes are mapped onto the live columns of the table by BuildContext:
// modeled fields go to their columns and everything else to the JSON bag.
// Reads return records in field form with the bag merged in. Deleting a
// record sets its __deleted timestamp when the table has one, and soft
// deleted records are invisible to every other operation.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/client"
	"github.com/syssam/storekit/layout"
	"github.com/syssam/storekit/statement"
)

//go:embed sql
var statements embed.FS

// Namespace is the statement namespace of the store templates.
const Namespace = "store"

const (
	keyInsert          = Namespace + "/insert"
	keyUpdate          = Namespace + "/update"
	keyFind            = Namespace + "/find"
	keyDelete          = Namespace + "/delete"
	keySelectForUpdate = Namespace + "/selectForUpdate"
	keyErase           = Namespace + "/erase"
)

// Option configures a Store.
type Option func(*Store)

// WithDerived attaches fields computed from every returned record. Derived
// fields are never written.
func WithDerived(derived map[string]func(storekit.Record) any) Option {
	return func(s *Store) {
		if s.derived == nil {
			s.derived = make(map[string]func(storekit.Record) any, len(derived))
		}
		maps.Copy(s.derived, derived)
	}
}

// WithNestedRefs returns reference columns in the nested form
// {"school": {"id": 7}} instead of "schoolId": 7.
func WithNestedRefs() Option {
	return func(s *Store) {
		s.nestRefs = true
	}
}

// WithLogger sets the logger. The default is the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// columnCache holds the live columns of a table. It is shared by a store
// and the copies returned by With.
type columnCache struct {
	group singleflight.Group
	mu    sync.RWMutex
	cols  []layout.Column
}

func (cc *columnCache) get() []layout.Column {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.cols
}

func (cc *columnCache) set(cols []layout.Column) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cols = cols
}

// Store reads and writes the records of one table.
type Store struct {
	name     string
	table    string
	c        *client.Client
	h        client.Handler
	layout   *layout.Manager
	derived  map[string]func(storekit.Record) any
	nestRefs bool
	egress   client.Pipeline
	log      *slog.Logger
	cols     *columnCache
}

// New returns the store of the table backing name. The table is not
// touched until the first operation.
func New(c *client.Client, name string, opts ...Option) (*Store, error) {
	table := storekit.TableName(name)
	if name == "" || !storekit.ValidIdentifier(table) {
		return nil, storekit.NewValidationError(name, fmt.Errorf("%w: invalid store name", storekit.ErrMalformedSpec))
	}
	if _, err := c.LoadStatements(Namespace, statements, "sql"); err != nil {
		return nil, fmt.Errorf("store: load statements: %w", err)
	}
	lm, err := layout.New(c)
	if err != nil {
		return nil, err
	}
	s := &Store{
		name:   name,
		table:  table,
		c:      c,
		h:      c,
		layout: lm,
		log:    c.Logger(),
		cols:   &columnCache{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.egress = egress(s.nestRefs, s.derived)
	return s, nil
}

func egress(nestRefs bool, derived map[string]func(storekit.Record) any) client.Pipeline {
	p := client.DefaultEgress()
	if nestRefs {
		p = client.Pipeline{client.StripNulls, client.NestRefs, client.Camelize, client.MergeBag}
	}
	if len(derived) > 0 {
		p = p.With(client.Derive(derived))
	}
	return p
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Table returns the qualified table name.
func (s *Store) Table() string { return s.table }

// Handler returns the handler the store runs its statements on.
func (s *Store) Handler() client.Handler { return s.h }

// With returns a copy of the store that runs its statements on h, typically
// an open transaction. The copy shares the column cache of s.
func (s *Store) With(h client.Handler) *Store {
	cp := *s
	cp.h = h
	return &cp
}

// Invalidate drops the cached column metadata. The next operation fetches
// it again.
func (s *Store) Invalidate() {
	s.cols.set(nil)
}

// Columns returns the live columns of the table. They are fetched once and
// cached until Invalidate is called; concurrent callers share one fetch.
func (s *Store) Columns(ctx context.Context) ([]layout.Column, error) {
	if cols := s.cols.get(); cols != nil {
		return cols, nil
	}
	v, err, _ := s.cols.group.Do("columns", func() (any, error) {
		cols, err := s.layout.With(s.h).Columns(ctx, s.name)
		if err != nil {
			return nil, err
		}
		s.cols.set(cols)
		return cols, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]layout.Column), nil
}

func (s *Store) options() Options {
	return Options{Derived: s.derived, Dialect: s.h.Dialect()}
}

func (s *Store) writeContext(ctx context.Context, data storekit.Record, partial bool) (*WriteContext, error) {
	cols, err := s.Columns(ctx)
	if err != nil {
		return nil, err
	}
	opts := s.options()
	opts.Partial = partial
	w := BuildContext(s.table, cols, data, opts)
	if len(w.Dropped) > 0 {
		s.log.WarnContext(ctx, "fields without a column ignored", "store", s.name, "partial", partial,
			"fields", slices.Sorted(maps.Keys(w.Dropped)))
	}
	return w, nil
}

func (s *Store) whereContext(ctx context.Context, where storekit.Record) (*WriteContext, error) {
	cols, err := s.Columns(ctx)
	if err != nil {
		return nil, err
	}
	w := NewContext(s.table, cols, s.options())
	if err := w.AddWhere(where); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) exec(ctx context.Context, key string, w *WriteContext) ([]storekit.Record, error) {
	rows, err := s.h.Raw().ExecTemplate(ctx, key, w.Vars(), statement.Positional(w.Args()...))
	if err != nil {
		return nil, err
	}
	return s.egress.Apply(rows), nil
}

func (s *Store) requireWhere(op string, where storekit.Record) error {
	if len(where) == 0 {
		return storekit.NewValidationError(s.name, fmt.Errorf("%w: %s requires a filter", storekit.ErrMalformedSpec, op))
	}
	return nil
}

// Insert writes a new record and returns it as stored.
func (s *Store) Insert(ctx context.Context, data storekit.Record) (storekit.Record, error) {
	w, err := s.writeContext(ctx, data, false)
	if err != nil {
		return nil, err
	}
	rows, err := s.exec(ctx, keyInsert, w)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("store: insert into %s returned no row", s.name)
	}
	return rows[0], nil
}

// Update merges data into every live record matching where and returns the
// first updated one. Columns absent from data keep their value and the bag
// is left untouched.
func (s *Store) Update(ctx context.Context, where, data storekit.Record) (storekit.Record, error) {
	return s.update(ctx, "update", where, data, true)
}

// Replace overwrites every live record matching where with data and
// returns the first one. The values of where are part of the new rows and
// every other column is reset to its default.
func (s *Store) Replace(ctx context.Context, where, data storekit.Record) (storekit.Record, error) {
	return s.update(ctx, "replace", where, merge(data, where), false)
}

func (s *Store) update(ctx context.Context, op string, where, data storekit.Record, partial bool) (storekit.Record, error) {
	if err := s.requireWhere(op, where); err != nil {
		return nil, err
	}
	w, err := s.writeContext(ctx, data, partial)
	if err != nil {
		return nil, err
	}
	if len(w.Columns) == 0 {
		return s.FindOne(ctx, where)
	}
	if err := w.AddWhere(where); err != nil {
		return nil, err
	}
	rows, err := s.exec(ctx, keyUpdate, w)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storekit.NewNotFoundError(s.name)
	}
	return rows[0], nil
}

// Delsert deletes the records matching where and inserts data merged with
// where, in one transaction.
func (s *Store) Delsert(ctx context.Context, where, data storekit.Record) (rec storekit.Record, err error) {
	if _, err := s.Columns(ctx); err != nil {
		return nil, err
	}
	err = s.h.Transaction(ctx, func(ctx context.Context, h client.Handler) error {
		tx := s.With(h)
		if _, err := tx.Delete(ctx, where); err != nil {
			return err
		}
		rec, err = tx.Insert(ctx, merge(data, where))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// merge returns data overlaid with where.
func merge(data, where storekit.Record) storekit.Record {
	out := make(storekit.Record, len(data)+len(where))
	maps.Copy(out, data)
	maps.Copy(out, where)
	return out
}

// GetByID returns the record with the given id.
func (s *Store) GetByID(ctx context.Context, id any) (storekit.Record, error) {
	rows, err := s.Find(ctx, storekit.Record{storekit.IDColumn: id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storekit.NewNotFoundErrorWithID(s.name, id)
	}
	return rows[0], nil
}

// GetByIDs returns the records with the given ids, ordered by id. Unknown
// ids are skipped.
func (s *Store) GetByIDs(ctx context.Context, ids ...any) ([]storekit.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Find(ctx, storekit.Record{storekit.IDColumn: ids})
}

// DeleteByID deletes the record with the given id and returns it.
func (s *Store) DeleteByID(ctx context.Context, id any) (storekit.Record, error) {
	rows, err := s.delete(ctx, storekit.Record{storekit.IDColumn: id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storekit.NewNotFoundErrorWithID(s.name, id)
	}
	return rows[0], nil
}

// DeleteByIDs deletes the records with the given ids and returns how many
// were deleted.
func (s *Store) DeleteByIDs(ctx context.Context, ids ...any) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	rows, err := s.delete(ctx, storekit.Record{storekit.IDColumn: ids})
	return len(rows), err
}

// Delete deletes the records matching where and returns how many were
// deleted.
func (s *Store) Delete(ctx context.Context, where storekit.Record) (int, error) {
	if err := s.requireWhere("delete", where); err != nil {
		return 0, err
	}
	rows, err := s.delete(ctx, where)
	return len(rows), err
}

func (s *Store) delete(ctx context.Context, where storekit.Record) ([]storekit.Record, error) {
	w, err := s.whereContext(ctx, where)
	if err != nil {
		return nil, err
	}
	return s.exec(ctx, keyDelete, w)
}

// Erase physically removes every row of the table, soft deleted or not.
func (s *Store) Erase(ctx context.Context) error {
	_, err := s.h.Raw().ExecTemplate(ctx, keyErase, TemplateVars{Table: s.table}, nil)
	return err
}

// Find returns the records matching where, ordered by id. An empty where
// matches every record.
func (s *Store) Find(ctx context.Context, where storekit.Record) ([]storekit.Record, error) {
	w, err := s.whereContext(ctx, where)
	if err != nil {
		return nil, err
	}
	return s.exec(ctx, keyFind, w)
}

// FindOne returns the first record matching where.
func (s *Store) FindOne(ctx context.Context, where storekit.Record) (storekit.Record, error) {
	rows, err := s.Find(ctx, where)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storekit.NewNotFoundError(s.name)
	}
	return rows[0], nil
}

// SynchronizeOnRow locks the rows matching where for the duration of a
// transaction and runs fn inside it. On SQLite the transaction itself is
// the lock.
func (s *Store) SynchronizeOnRow(ctx context.Context, where storekit.Record, fn func(ctx context.Context, h client.Handler) error) error {
	if err := s.requireWhere("synchronize", where); err != nil {
		return err
	}
	w, err := s.whereContext(ctx, where)
	if err != nil {
		return err
	}
	return s.h.Transaction(ctx, func(ctx context.Context, h client.Handler) error {
		rows, err := h.Raw().ExecTemplate(ctx, keySelectForUpdate, w.Vars(), statement.Positional(w.Args()...))
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return storekit.NewNotFoundError(s.name)
		}
		s.log.DebugContext(ctx, "row locked", "store", s.name, "where", strings.Join(w.Where, " AND "))
		return fn(ctx, h)
	})
}
