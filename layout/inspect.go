package layout

import (
	"context"
	"fmt"

	"ariga.io/atlas/sql/mysql"
	"ariga.io/atlas/sql/postgres"
	"ariga.io/atlas/sql/schema"
	"ariga.io/atlas/sql/sqlite"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/dialect"
)

// sqliteMain is the schema of the primary SQLite database.
const sqliteMain = "main"

// Inspect describes the live table of the store name, including its
// columns, indexes and foreign keys.
func (m *Manager) Inspect(ctx context.Context, name string) (*schema.Table, error) {
	ns, table := storekit.SplitName(name)
	name = storekit.TableName(name)
	drv := m.c.Dialect()
	if drv == dialect.SQLite && ns == storekit.DefaultNamespace {
		ns = sqliteMain
	}
	insp, err := inspector(drv, m.c.Pool().Driver().DB())
	if err != nil {
		return nil, err
	}
	s, err := insp.InspectSchema(ctx, ns, &schema.InspectOptions{
		Mode:   schema.InspectTables,
		Tables: []string{table},
	})
	switch {
	case schema.IsNotExistError(err):
		return nil, fmt.Errorf("%w: %s", storekit.ErrUnknownStore, name)
	case err != nil:
		return nil, fmt.Errorf("layout: inspect %s: %w", name, err)
	}
	t, ok := s.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storekit.ErrUnknownStore, name)
	}
	return t, nil
}

func inspector(name string, db schema.ExecQuerier) (schema.Inspector, error) {
	switch name {
	case dialect.Postgres:
		return postgres.Open(db)
	case dialect.MySQL:
		return mysql.Open(db)
	case dialect.SQLite:
		return sqlite.Open(db)
	}
	return nil, fmt.Errorf("layout: inspect: unsupported dialect %q", name)
}
