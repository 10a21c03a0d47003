package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/client"
	"github.com/syssam/storekit/layout"
	"github.com/syssam/storekit/statement"
)

const (
	keyGetMigrations   = Namespace + "/getMigrations"
	keyRecordMigration = Namespace + "/recordMigration"
	keyClearMigrations = Namespace + "/clearMigrations"

	ledgerName = "migration"
)

// ledgerColumns are the columns of the <schema>.migration table.
var ledgerColumns = map[string]string{
	"date":        "timestamp without time zone NOT NULL",
	"description": "text NOT NULL",
	"completed":   "timestamp without time zone DEFAULT now() NOT NULL",
}

// Migration is one step of an ordered migration list.
type Migration struct {
	Date        time.Time
	Description string
	// SQL is executed as is unless Template is set, in which case it is
	// rendered with the runner's TemplateVars first.
	SQL      string
	Template bool
	// Schema holds the ledger the migration is recorded in. Add sets it.
	Schema string
	// Up runs instead of SQL when set.
	Up func(ctx context.Context, h client.Handler) error
}

// State is the classification of a migration against its ledger.
type State int

// Migration states.
const (
	Pending State = iota
	Committed
	Missing
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Missing:
		return "missing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MigrationStatus is a migration with its state.
type MigrationStatus struct {
	Schema      string    `json:"schema"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
	State       State     `json:"state"`
	Completed   time.Time `json:"completed,omitzero"`
}

// TemplateVars are the variables available to template migrations.
type TemplateVars struct {
	// Col maps every default and meta column to its DDL, "created" to
	// "created timestamp with time zone DEFAULT now() NOT NULL".
	// "timestamps" holds created and updated.
	Col map[string]string
}

// DefaultTemplateVars returns the template variables for the default
// column definitions.
func DefaultTemplateVars() TemplateVars {
	col := make(map[string]string)
	for name, def := range storekit.StoreColumns() {
		col[name] = name + " " + def
	}
	col["timestamps"] = col[storekit.CreatedColumn] + ",\n  " + col[storekit.UpdatedColumn]
	return TemplateVars{Col: col}
}

// Runner applies ordered migrations exactly once per schema.
type Runner struct {
	c      *client.Client
	layout *layout.Manager
	log    *slog.Logger
	vars   TemplateVars

	mu       sync.Mutex
	bySchema map[string][]Migration
	run      sync.Mutex
}

// NewRunner returns a Runner over c.
func NewRunner(c *client.Client, opts ...Option) (*Runner, error) {
	if _, err := c.LoadStatements(Namespace, statements, "sql"); err != nil {
		return nil, fmt.Errorf("migrate: load statements: %w", err)
	}
	lm, err := layout.New(c)
	if err != nil {
		return nil, err
	}
	o := buildOptions(c, opts)
	return &Runner{
		c:        c,
		layout:   lm,
		log:      o.log,
		vars:     DefaultTemplateVars(),
		bySchema: make(map[string][]Migration),
	}, nil
}

// TemplateVars returns the variables template migrations are rendered with.
func (r *Runner) TemplateVars() TemplateVars { return r.vars }

// Add registers migrations for schema, DefaultNamespace when empty. Dates
// must be strictly increasing, including against migrations registered
// earlier for the same schema.
func (r *Runner) Add(schema string, migrations ...Migration) error {
	if schema == "" {
		schema = storekit.DefaultNamespace
	}
	schema = storekit.ColumnName(schema)
	if !storekit.ValidIdentifier(schema) {
		return storekit.NewValidationError(schema, fmt.Errorf("%w: invalid schema", storekit.ErrMalformedSpec))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.Clone(r.bySchema[schema])
	for _, m := range migrations {
		if m.Date.IsZero() {
			return storekit.NewValidationError(m.Description, fmt.Errorf("%w: migration date required", storekit.ErrMalformedSpec))
		}
		m.Date = normalizeDate(m.Date)
		m.Schema = schema
		if n := len(list); n > 0 {
			prev := list[n-1]
			switch {
			case prev.Date.Equal(m.Date):
				return &storekit.MigrationOrderError{Schema: schema, Date: m.Date, Previous: prev.Date, Identical: true}
			case m.Date.Before(prev.Date):
				return &storekit.MigrationOrderError{Schema: schema, Date: m.Date, Previous: prev.Date}
			}
		}
		list = append(list, m)
	}
	r.bySchema[schema] = list
	return nil
}

// Migrations returns the registered migrations of every schema in date
// order.
func (r *Runner) Migrations() []Migration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Migration
	for _, schema := range slices.Sorted(maps.Keys(r.bySchema)) {
		all = append(all, r.bySchema[schema]...)
	}
	slices.SortStableFunc(all, func(a, b Migration) int { return a.Date.Compare(b.Date) })
	return all
}

// Status classifies every registered migration against its ledger.
func (r *Runner) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	snap := r.snapshot()
	for _, schema := range slices.Sorted(maps.Keys(snap)) {
		migs := snap[schema]
		committed, err := r.committed(ctx, r.c, schema)
		if err != nil {
			return nil, err
		}
		var last time.Time
		for _, done := range committed {
			if done.Date.After(last) {
				last = done.Date
			}
		}
		for _, m := range migs {
			st := MigrationStatus{Schema: schema, Date: m.Date, Description: m.Description}
			switch done, ok := committed[m.Date.UnixMicro()]; {
			case ok:
				st.State = Committed
				st.Completed = done.Completed
			case m.Date.After(last):
				st.State = Pending
			default:
				st.State = Missing
			}
			out = append(out, st)
		}
	}
	slices.SortStableFunc(out, func(a, b MigrationStatus) int { return a.Date.Compare(b.Date) })
	return out, nil
}

// RunPending applies every pending migration in ascending date order, each
// in its own transaction together with its ledger row. Nothing is applied
// when a migration is missing.
func (r *Runner) RunPending(ctx context.Context) (int, error) {
	r.run.Lock()
	defer r.run.Unlock()
	status, err := r.Status(ctx)
	if err != nil {
		return 0, err
	}
	var (
		missing []storekit.MissingMigration
		pending []MigrationStatus
	)
	for _, st := range status {
		switch st.State {
		case Missing:
			missing = append(missing, storekit.MissingMigration{Schema: st.Schema, Date: st.Date, Description: st.Description})
		case Pending:
			pending = append(pending, st)
		}
	}
	if len(missing) > 0 {
		return 0, &storekit.MissingMigrationsError{Migrations: missing}
	}
	if len(pending) == 0 {
		r.log.InfoContext(ctx, "no pending migrations")
		return 0, nil
	}
	ensured := make(map[string]bool)
	for _, st := range pending {
		if !ensured[st.Schema] {
			if err := r.layout.CreateTableIfNotExists(ctx, st.Schema+"."+ledgerName, ledgerColumns); err != nil {
				return 0, fmt.Errorf("migrate: migration ledger %s: %w", st.Schema, err)
			}
			ensured[st.Schema] = true
		}
	}
	applied := 0
	for _, st := range pending {
		m, ok := r.lookup(st.Schema, st.Date)
		if !ok {
			continue
		}
		ran, err := r.apply(ctx, m)
		if err != nil {
			return applied, err
		}
		if ran {
			applied++
		}
	}
	return applied, nil
}

// apply runs m and records it while holding the ledger lock of its schema.
// A migration committed by another process in the meantime is skipped.
func (r *Runner) apply(ctx context.Context, m Migration) (bool, error) {
	ran := false
	err := r.c.Synchronize(ctx, m.Schema+"."+ledgerName, func(ctx context.Context, h client.Handler) error {
		committed, err := r.committed(ctx, h, m.Schema)
		if err != nil {
			return err
		}
		if _, ok := committed[m.Date.UnixMicro()]; ok {
			return nil
		}
		r.log.InfoContext(ctx, "running migration", "schema", m.Schema,
			"date", m.Date.Format(time.RFC3339), "description", m.Description)
		if err := r.exec(ctx, h, m); err != nil {
			return err
		}
		vars := ledgerVars{Schema: m.Schema}
		if _, err := h.Raw().ExecTemplate(ctx, keyRecordMigration, vars, statement.Positional(m.Date, m.Description)); err != nil {
			return err
		}
		ran = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("migrate: migration %s %q: %w", m.Date.Format(time.RFC3339), m.Description, err)
	}
	return ran, nil
}

func (r *Runner) exec(ctx context.Context, h client.Handler, m Migration) error {
	if m.Up != nil {
		return m.Up(ctx, h)
	}
	text := m.SQL
	if m.Template {
		t, err := statement.NewTemplate(m.Description, m.SQL)
		if err != nil {
			return err
		}
		if text, err = t.Render(r.vars); err != nil {
			return err
		}
	}
	_, err := h.QueryRaw(ctx, text)
	return err
}

// ClearMigrations empties the ledger of schema if it exists.
func (r *Runner) ClearMigrations(ctx context.Context, schema string) error {
	if schema == "" {
		schema = storekit.DefaultNamespace
	}
	schema = storekit.ColumnName(schema)
	exists, err := r.layout.TableExists(ctx, schema+"."+ledgerName)
	if err != nil || !exists {
		return err
	}
	_, err = r.c.Raw().ExecTemplate(ctx, keyClearMigrations, ledgerVars{Schema: schema}, nil)
	return err
}

type ledgerVars struct {
	Schema string
}

type ledgerRow struct {
	Date      time.Time
	Completed time.Time
}

// committed returns the ledger rows of schema keyed by date in
// microseconds. A missing ledger is empty.
func (r *Runner) committed(ctx context.Context, h client.Handler, schema string) (map[int64]ledgerRow, error) {
	lm := r.layout.With(h)
	exists, err := lm.TableExists(ctx, schema+"."+ledgerName)
	if err != nil || !exists {
		return nil, err
	}
	rows, err := h.Raw().ExecTemplate(ctx, keyGetMigrations, ledgerVars{Schema: schema}, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]ledgerRow, len(rows))
	for _, row := range rows {
		date, ok := row["date"].(time.Time)
		if !ok {
			return nil, fmt.Errorf("migrate: unexpected ledger date %T in %s", row["date"], schema)
		}
		done := ledgerRow{Date: normalizeDate(date)}
		done.Completed, _ = row["completed"].(time.Time)
		out[done.Date.UnixMicro()] = done
	}
	return out, nil
}

func (r *Runner) snapshot() map[string][]Migration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.bySchema)
}

func (r *Runner) lookup(schema string, date time.Time) (Migration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.bySchema[schema] {
		if m.Date.Equal(date) {
			return m, true
		}
	}
	return Migration{}, false
}

// normalizeDate converts t to the precision of a timestamp column.
func normalizeDate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
