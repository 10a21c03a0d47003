// Package layout creates, drops and describes the namespaces and tables
// that back stores.
//
// A namespace is a database schema. Store names are qualified by their
// namespace ("school.classRoom") and map to tables through
// storekit.TableName. The statements of this package target PostgreSQL;
// Inspect works with every supported dialect.
package layout

import (
	"context"
	"embed"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/client"
	"github.com/syssam/storekit/statement"
)

//go:embed sql
var statements embed.FS

// Namespace is the statement namespace of the layout statements.
const Namespace = "layout"

// Statement keys.
const (
	keyNamespaceExists = Namespace + "/namespaceExists"
	keyTableInfo       = Namespace + "/getTableInfo"
	keyColumnInfo      = Namespace + "/getColumnInfo"
	keyCreateTable     = Namespace + "/createTable"
	keyAddColumns      = Namespace + "/addColumns"
)

// Manager runs layout operations through a client handler.
type Manager struct {
	c *client.Client
	h client.Handler
}

// New registers the layout statements with c.
func New(c *client.Client) (*Manager, error) {
	if _, err := c.LoadStatements(Namespace, statements, "sql"); err != nil {
		return nil, fmt.Errorf("layout: load statements: %w", err)
	}
	return &Manager{c: c, h: c.Raw()}, nil
}

// With returns a manager that runs its statements on h, typically an open
// transaction.
func (m *Manager) With(h client.Handler) *Manager {
	return &Manager{c: m.c, h: h.Raw()}
}

// Client returns the client the manager was created with.
func (m *Manager) Client() *client.Client { return m.c }

// EnsureNamespace creates the schema for namespace if it does not exist.
func (m *Manager) EnsureNamespace(ctx context.Context, namespace string) error {
	schema, err := schemaName(namespace)
	if err != nil {
		return err
	}
	_, err = m.h.Query(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema)
	return err
}

// DropNamespace drops the schema for namespace and everything in it.
func (m *Manager) DropNamespace(ctx context.Context, namespace string) error {
	schema, err := schemaName(namespace)
	if err != nil {
		return err
	}
	_, err = m.h.Query(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	return err
}

// NamespaceExists reports whether the schema for namespace exists.
func (m *Manager) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	schema, err := schemaName(namespace)
	if err != nil {
		return false, err
	}
	rows, err := m.h.Exec(ctx, keyNamespaceExists, statement.Positional(schema))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// TableExists reports whether the table of the store name exists.
func (m *Manager) TableExists(ctx context.Context, name string) (bool, error) {
	schema, table := storekit.SplitName(name)
	rows, err := m.h.Exec(ctx, keyTableInfo, statement.NamedArgs{"schema": schema, "table": table})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ColumnInfo returns the live columns of the table of the store name, in
// ordinal order. A table without columns is an unknown store.
func (m *Manager) ColumnInfo(ctx context.Context, name string) ([]Column, error) {
	schema, table := storekit.SplitName(name)
	rows, err := m.h.Exec(ctx, keyColumnInfo, statement.NamedArgs{"schema": schema, "table": table})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", storekit.ErrUnknownStore, name)
	}
	cols := make([]Column, len(rows))
	for i, row := range rows {
		cols[i] = columnFromRecord(row)
	}
	return cols, nil
}

// EnsureTable creates the table of the store name with columns unless it
// already exists.
func (m *Manager) EnsureTable(ctx context.Context, name string, columns map[string]string) error {
	exists, err := m.TableExists(ctx, name)
	if err != nil || exists {
		return err
	}
	return m.AddTable(ctx, name, columns)
}

// AddTable creates the namespace of name if needed and a table with the
// given columns. Column keys are field names.
func (m *Manager) AddTable(ctx context.Context, name string, columns map[string]string) error {
	return m.createTable(ctx, name, columns, false)
}

// CreateTableIfNotExists is AddTable with IF NOT EXISTS semantics.
func (m *Manager) CreateTableIfNotExists(ctx context.Context, name string, columns map[string]string) error {
	return m.createTable(ctx, name, columns, true)
}

// AddStore creates a store table: the given columns merged over the default
// and meta columns. An empty definition opts out of a default column.
func (m *Manager) AddStore(ctx context.Context, name string, columns map[string]string) error {
	return m.AddTable(ctx, name, StoreColumns(columns))
}

// AddColumns adds the columns missing from the table of name. Existing
// columns are left untouched.
func (m *Manager) AddColumns(ctx context.Context, name string, columns map[string]string) error {
	if len(columns) == 0 {
		return nil
	}
	table, defs, err := tableDDL(name, columns)
	if err != nil {
		return err
	}
	_, err = m.h.ExecTemplate(ctx, keyAddColumns, tableVars{Table: table, Columns: defs}, nil)
	return err
}

func (m *Manager) createTable(ctx context.Context, name string, columns map[string]string, ifNotExists bool) error {
	if name == "" {
		return storekit.NewValidationError(name, fmt.Errorf("%w: table name required", storekit.ErrMalformedSpec))
	}
	table, defs, err := tableDDL(name, columns)
	if err != nil {
		return err
	}
	if ns, _, ok := strings.Cut(table, "."); ok {
		if err := m.EnsureNamespace(ctx, ns); err != nil {
			return err
		}
	}
	_, err = m.h.ExecTemplate(ctx, keyCreateTable, tableVars{Table: table, Columns: defs, IfNotExists: ifNotExists}, nil)
	return err
}

// tableVars are the variables of the createTable and addColumns templates.
type tableVars struct {
	Table       string
	Columns     []string
	IfNotExists bool
}

// StoreColumns merges columns over storekit.StoreColumns. Columns with an
// empty definition are removed.
func StoreColumns(columns map[string]string) map[string]string {
	merged := storekit.StoreColumns()
	maps.Copy(merged, columns)
	maps.DeleteFunc(merged, func(_, def string) bool { return def == "" })
	return merged
}

// OrderColumns returns the column names of columns in DDL order: id first,
// then the remaining fields sorted by name, then the timestamps and the
// meta columns.
func OrderColumns(columns map[string]string) []string {
	rank := func(name string) int {
		switch name {
		case storekit.IDColumn:
			return 0
		case storekit.CreatedColumn:
			return 2
		case storekit.UpdatedColumn:
			return 3
		case storekit.BagColumn:
			return 4
		case storekit.DeletedColumn:
			return 5
		}
		return 1
	}
	names := slices.Collect(maps.Keys(columns))
	slices.SortFunc(names, func(a, b string) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})
	return names
}

// ColumnDefs returns the column definitions of columns in DDL order.
func ColumnDefs(columns map[string]string) ([]string, error) {
	defs := make([]string, 0, len(columns))
	for _, name := range OrderColumns(columns) {
		col := storekit.ColumnName(name)
		if !storekit.ValidIdentifier(col) || strings.Contains(col, ".") {
			return nil, storekit.NewValidationError(name, fmt.Errorf("%w: invalid column name", storekit.ErrMalformedSpec))
		}
		defs = append(defs, col+" "+columns[name])
	}
	return defs, nil
}

func tableDDL(name string, columns map[string]string) (string, []string, error) {
	table := storekit.TableName(name)
	if !storekit.ValidIdentifier(table) {
		return "", nil, storekit.NewValidationError(name, fmt.Errorf("%w: invalid table name", storekit.ErrMalformedSpec))
	}
	defs, err := ColumnDefs(columns)
	if err != nil {
		return "", nil, err
	}
	return table, defs, nil
}

func schemaName(namespace string) (string, error) {
	schema := storekit.ColumnName(namespace)
	if !storekit.ValidIdentifier(schema) || strings.Contains(schema, ".") {
		return "", storekit.NewValidationError(namespace, fmt.Errorf("%w: invalid namespace", storekit.ErrMalformedSpec))
	}
	return schema, nil
}
