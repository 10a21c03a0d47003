// Package migrate reconciles store specs with the database and runs ordered
// SQL migrations.
//
// The Migrator keeps one row per store in the storekit.spec ledger. A spec
// that equals its ledger row costs a single query; otherwise the table is
// created or extended inside a transaction that holds the store's named
// mutex, so processes starting at the same time apply it once.
//
// The Runner applies date ordered migrations exactly once per schema and
// refuses to run when a migration older than the latest committed one has
// never been applied.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/client"
	"github.com/syssam/storekit/layout"
	"github.com/syssam/storekit/statement"
)

//go:embed sql
var statements embed.FS

// Namespace is the statement namespace of the migrate statements.
const Namespace = "migrate"

const (
	// LedgerSchema holds the spec ledger.
	LedgerSchema = "storekit"
	// LedgerTable is the store name of the spec ledger.
	LedgerTable = LedgerSchema + ".spec"

	ledgerLock = "specTable"

	keyCreateSpecTable = Namespace + "/createSpecTable"
	keyGetSpec         = Namespace + "/getSpec"
	keySaveSpec        = Namespace + "/saveSpec"
	keyDeleteSpecs     = Namespace + "/deleteSpecs"
)

type options struct {
	log         *slog.Logger
	concurrency int
}

// Option configures a Migrator or a Runner.
type Option func(*options)

// WithLogger sets the logger. The default is the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithConcurrency bounds the number of specs EnsureStores reconciles at
// once. The default is 4.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

func buildOptions(c *client.Client, opts []Option) options {
	o := options{log: c.Logger(), concurrency: 4}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Migrator reconciles store specs with the database.
type Migrator struct {
	c           *client.Client
	layout      *layout.Manager
	log         *slog.Logger
	concurrency int
	group       singleflight.Group

	ledgerMu    sync.Mutex
	ledgerReady bool

	listenersMu sync.RWMutex
	listeners   []func(name string)
}

// New returns a Migrator over c.
func New(c *client.Client, opts ...Option) (*Migrator, error) {
	if _, err := c.LoadStatements(Namespace, statements, "sql"); err != nil {
		return nil, fmt.Errorf("migrate: load statements: %w", err)
	}
	lm, err := layout.New(c)
	if err != nil {
		return nil, err
	}
	o := buildOptions(c, opts)
	return &Migrator{c: c, layout: lm, log: o.log, concurrency: o.concurrency}, nil
}

// Layout returns the layout manager used by the migrator.
func (m *Migrator) Layout() *layout.Manager { return m.layout }

// OnChange registers fn to be called with the store name after a spec was
// applied or dropped.
func (m *Migrator) OnChange(fn func(name string)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Migrator) notify(name string) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.listeners {
		fn(name)
	}
}

// EnsureStore makes the table of the store name match spec. It is a no-op
// when the ledger already holds an equal spec.
func (m *Migrator) EnsureStore(ctx context.Context, name string, spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return storekit.NewValidationError(name, err)
	}
	norm := spec.Normalize()
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	saved, err := m.loadSpec(ctx, m.c, name)
	if err != nil {
		return err
	}
	if norm.Equal(saved) {
		return nil
	}
	text, err := norm.marshal()
	if err != nil {
		return err
	}
	// Concurrent callers in this process with the same spec share one
	// reconciliation.
	_, err, _ = m.group.Do(name+"\x00"+text, func() (any, error) {
		return nil, m.apply(ctx, name, norm, text)
	})
	return err
}

// EnsureStores reconciles every spec of specs. All specs are validated
// before any of them is applied.
func (m *Migrator) EnsureStores(ctx context.Context, specs map[string]*Spec) error {
	for name, spec := range specs {
		if err := spec.Validate(); err != nil {
			return storekit.NewValidationError(name, err)
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	for name, spec := range specs {
		g.Go(func() error {
			return m.EnsureStore(ctx, name, spec)
		})
	}
	return g.Wait()
}

func (m *Migrator) apply(ctx context.Context, name string, norm *Spec, text string) error {
	applied := false
	err := m.c.Synchronize(ctx, name, func(ctx context.Context, h client.Handler) error {
		saved, err := m.loadSpec(ctx, h, name)
		if err != nil {
			return err
		}
		// Another process may have applied the spec while this one waited
		// for the lock.
		if norm.Equal(saved) {
			return nil
		}
		lm := m.layout.With(h)
		if err := lm.CreateTableIfNotExists(ctx, name, norm.Columns()); err != nil {
			return err
		}
		if err := lm.AddColumns(ctx, name, norm.additions()); err != nil {
			return err
		}
		if _, err := h.Raw().Exec(ctx, keySaveSpec, statement.Positional(name, text)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate: ensure store %s: %w", name, err)
	}
	if applied {
		m.log.InfoContext(ctx, "store spec applied", "store", name)
		m.notify(name)
	}
	return nil
}

// Spec returns the persisted spec of the store name, or nil if there is
// none.
func (m *Migrator) Spec(ctx context.Context, name string) (*Spec, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}
	return m.loadSpec(ctx, m.c, name)
}

func (m *Migrator) loadSpec(ctx context.Context, h client.Handler, name string) (*Spec, error) {
	rows, err := h.Raw().Exec(ctx, keyGetSpec, statement.Positional(name))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return decodeSpec(rows[0]["spec"])
}

// ensureLedger creates the spec ledger once per migrator. Failures are not
// remembered.
func (m *Migrator) ensureLedger(ctx context.Context) error {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	if m.ledgerReady {
		return nil
	}
	exists, err := m.layout.TableExists(ctx, LedgerTable)
	if err != nil {
		return fmt.Errorf("migrate: spec ledger: %w", err)
	}
	if !exists {
		err = m.c.Synchronize(ctx, ledgerLock, func(ctx context.Context, h client.Handler) error {
			exists, err := m.layout.With(h).TableExists(ctx, LedgerTable)
			if err != nil || exists {
				return err
			}
			_, err = h.Raw().Exec(ctx, keyCreateSpecTable, nil)
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: spec ledger: %w", err)
		}
	}
	m.ledgerReady = true
	return nil
}

// DropNamespace forgets the specs of every store in namespace, then drops
// the namespace with all its tables.
func (m *Migrator) DropNamespace(ctx context.Context, namespace string) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	rows, err := m.c.Raw().Exec(ctx, keyDeleteSpecs, statement.Positional(likePrefix(namespace)))
	if err != nil {
		return fmt.Errorf("migrate: drop namespace %s: %w", namespace, err)
	}
	if err := m.layout.DropNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("migrate: drop namespace %s: %w", namespace, err)
	}
	m.log.InfoContext(ctx, "namespace dropped", "namespace", namespace, "stores", len(rows))
	for _, row := range rows {
		if name, ok := row["name"].(string); ok {
			m.notify(name)
		}
	}
	return nil
}

// likePrefix returns the LIKE pattern matching names in namespace.
func likePrefix(namespace string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(namespace) + ".%"
}

// Verify compares the persisted spec of the store name with its live
// table.
func (m *Migrator) Verify(ctx context.Context, name string, opts ...layout.CompareOption) (*layout.ValidationResult, error) {
	spec, err := m.Spec(ctx, name)
	if err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: %s", storekit.ErrUnknownStore, name)
	}
	live, err := m.layout.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	return layout.Compare(spec.Columns(), live, opts...), nil
}
