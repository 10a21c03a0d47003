package layout

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ariga.io/atlas/sql/schema"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/dialect"
)

// Column is the live metadata of one table column.
type Column struct {
	Name       string `json:"columnName"`
	Default    string `json:"columnDefault,omitempty"`
	HasDefault bool   `json:"hasDefault"`
	Nullable   bool   `json:"nullable"`
	DataType   string `json:"dataType"`
	Position   int    `json:"ordinalPosition"`
}

// Field returns the logical field name of the column.
func (c Column) Field() string {
	return storekit.FieldName(c.Name)
}

// IsRef reports whether the column holds the id of another record.
func (c Column) IsRef() bool {
	return !storekit.IsSystemColumn(c.Name) && strings.HasSuffix(c.Name, storekit.RefSuffix) && c.Name != storekit.RefSuffix
}

// ColumnNames returns the names of cols.
func ColumnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func columnFromRecord(r storekit.Record) Column {
	def, hasDefault := r["column_default"], r["column_default"] != nil
	return Column{
		Name:       text(r["column_name"]),
		Default:    text(def),
		HasDefault: hasDefault,
		Nullable:   strings.EqualFold(text(r["is_nullable"]), "YES"),
		DataType:   text(r["data_type"]),
		Position:   number(r["ordinal_position"]),
	}
}

func text(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	return fmt.Sprint(v)
}

func number(v any) int {
	switch v := v.(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	case uint64:
		return int(v)
	}
	n, _ := strconv.Atoi(text(v))
	return n
}

// Columns returns the live columns of the table of the store name. On
// PostgreSQL they come from information_schema through the manager's
// handler; other dialects are inspected.
func (m *Manager) Columns(ctx context.Context, name string) ([]Column, error) {
	if m.c.Dialect() == dialect.Postgres {
		return m.ColumnInfo(ctx, name)
	}
	t, err := m.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	return ColumnsOf(t), nil
}

// ColumnsOf converts an inspected table to column metadata.
func ColumnsOf(t *schema.Table) []Column {
	cols := make([]Column, len(t.Columns))
	for i, c := range t.Columns {
		col := Column{Name: c.Name, Position: i + 1}
		if c.Type != nil {
			col.Nullable = c.Type.Null
			col.DataType = strings.ToLower(c.Type.Raw)
		}
		switch x := c.Default.(type) {
		case *schema.RawExpr:
			col.Default, col.HasDefault = x.X, true
		case *schema.Literal:
			col.Default, col.HasDefault = x.V, true
		}
		cols[i] = col
	}
	return cols
}
