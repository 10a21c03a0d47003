package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"gorm.io/datatypes"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/dialect"
	"github.com/syssam/storekit/layout"
)

// Options control how BuildContext maps data onto columns.
type Options struct {
	// Partial leaves columns missing from data untouched instead of
	// resetting them to their default.
	Partial bool
	// Derived fields are never written.
	Derived map[string]func(storekit.Record) any
	// Dialect selects the SQL spelling of defaults and set membership.
	// The default is PostgreSQL.
	Dialect string
}

// Bind is one positional value of a write context.
type Bind struct {
	Field string
	Value any
}

// WriteContext is the column list, value list and binds of one write or
// filtered statement against a table.
type WriteContext struct {
	Table   string
	Dialect string
	// Columns and Values are parallel: Values holds a placeholder, DEFAULT
	// or NULL for each written column.
	Columns []string
	Values  []string
	// Binds are in placeholder order.
	Binds []Bind
	// Where holds the filter conditions added by AddWhere.
	Where []string
	// Dropped holds the fields a partial write could not store.
	Dropped storekit.Record

	softDelete bool
	orderBy    string
}

// TemplateVars are the variables of the store statement templates.
type TemplateVars struct {
	Dialect     string
	Table       string
	Columns     []string
	Values      []string
	Assignments []string
	Conditions  []string
	SoftDelete  bool
	OrderBy     string
}

// NewContext returns a context without written columns, for statements
// that only filter.
func NewContext(table string, columns []layout.Column, opts Options) *WriteContext {
	w := &WriteContext{Table: table, Dialect: opts.Dialect}
	if w.Dialect == "" {
		w.Dialect = dialect.Postgres
	}
	for _, col := range columns {
		switch col.Name {
		case storekit.DeletedColumn:
			w.softDelete = true
		case storekit.IDColumn:
			w.orderBy = storekit.IDColumn
		}
	}
	return w
}

// BuildContext maps data onto the live columns of table. It has no side
// effects, and equal inputs produce equal contexts:
//
//   - derived fields and the system fields id, created and updated are
//     consumed without being written; a given id is written only on full
//     writes to a table whose id column has no default
//   - each remaining column, in column order, takes the value of its field.
//     A reference column also accepts the nested form {"ref": {"id": v}},
//     which wins over the flat field
//   - a column without a value is skipped on partial writes and reset to
//     DEFAULT or NULL otherwise
//   - unconsumed fields go to the bag on full writes and to Dropped on
//     partial ones
//   - the updated column is always set to DEFAULT
func BuildContext(table string, columns []layout.Column, data storekit.Record, opts Options) *WriteContext {
	w := NewContext(table, columns, opts)
	consumed := map[string]bool{
		storekit.IDColumn:      true,
		storekit.CreatedColumn: true,
		storekit.UpdatedColumn: true,
	}
	for name := range opts.Derived {
		consumed[name] = true
	}
	var updated, bag *layout.Column
	for i, col := range columns {
		switch {
		case col.Name == storekit.UpdatedColumn:
			updated = &columns[i]
			continue
		case col.Name == storekit.CreatedColumn:
			continue
		case col.Name == storekit.BagColumn:
			bag = &columns[i]
			continue
		case strings.HasPrefix(col.Name, storekit.SysColPrefix):
			continue
		case col.Name == storekit.IDColumn:
			if id, ok := data[storekit.IDColumn]; ok && !opts.Partial && !col.HasDefault {
				w.Columns = append(w.Columns, col.Name)
				w.Values = append(w.Values, w.bind(storekit.IDColumn, id))
			}
			continue
		}
		field := col.Field()
		val, ok := data[field]
		if col.IsRef() {
			ref := storekit.FieldName(strings.TrimSuffix(col.Name, storekit.RefSuffix))
			if id, nested := nestedID(data[ref]); nested {
				val, ok = id, true
				consumed[ref] = true
			}
		}
		consumed[field] = true
		if !ok {
			if !opts.Partial {
				w.Columns = append(w.Columns, col.Name)
				w.Values = append(w.Values, w.reset(col))
			}
			continue
		}
		w.Columns = append(w.Columns, col.Name)
		w.Values = append(w.Values, w.bind(field, val))
	}

	residual := make(storekit.Record)
	for k, v := range data {
		if !consumed[k] && !strings.HasPrefix(k, storekit.SysColPrefix) {
			residual[k] = v
		}
	}
	switch {
	case len(residual) > 0 && (opts.Partial || bag == nil):
		w.Dropped = residual
	case len(residual) > 0:
		w.Columns = append(w.Columns, bag.Name)
		w.Values = append(w.Values, w.bind(storekit.BagColumn, datatypes.JSONMap(residual)))
	case bag != nil && !opts.Partial:
		w.Columns = append(w.Columns, bag.Name)
		w.Values = append(w.Values, w.reset(*bag))
	}
	if updated != nil {
		col := *updated
		if !col.HasDefault {
			col.Default, col.HasDefault = "CURRENT_TIMESTAMP", true
		}
		w.Columns = append(w.Columns, col.Name)
		w.Values = append(w.Values, w.reset(col))
	}
	return w
}

// nestedID returns v["id"] when v is a record holding an id.
func nestedID(v any) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		id, ok := m[storekit.IDColumn]
		return id, ok
	case datatypes.JSONMap:
		id, ok := m[storekit.IDColumn]
		return id, ok
	}
	return nil, false
}

// reset returns the value expression restoring col to its default.
func (w *WriteContext) reset(col layout.Column) string {
	if !col.HasDefault {
		return "NULL"
	}
	if w.Dialect == dialect.SQLite {
		// SQLite has no DEFAULT keyword in value lists.
		return "(" + col.Default + ")"
	}
	return "DEFAULT"
}

func (w *WriteContext) bind(field string, v any) string {
	w.Binds = append(w.Binds, Bind{Field: field, Value: v})
	return "$" + strconv.Itoa(len(w.Binds))
}

// AddWhere appends an equality condition per key of where, in key order.
// A nil value matches NULL, a slice (other than []byte) matches any of its
// elements and a record holding an id matches the reference column.
func (w *WriteContext) AddWhere(where storekit.Record) error {
	for _, key := range slices.Sorted(maps.Keys(where)) {
		col := storekit.ColumnName(key)
		v := where[key]
		if id, nested := nestedID(v); nested {
			col, v = storekit.RefColumn(key), id
		}
		if !storekit.ValidIdentifier(col) || strings.Contains(col, ".") {
			return storekit.NewValidationError(key, fmt.Errorf("%w: invalid filter field", storekit.ErrMalformedSpec))
		}
		switch {
		case v == nil:
			w.Where = append(w.Where, col+" IS NULL")
		case isMulti(v):
			arg, err := w.setArg(v)
			if err != nil {
				return storekit.NewValidationError(key, err)
			}
			p := w.bind(key, arg)
			if w.Dialect == dialect.SQLite {
				w.Where = append(w.Where, col+" IN (SELECT value FROM json_each("+p+"))")
			} else {
				w.Where = append(w.Where, col+" = ANY("+p+")")
			}
		default:
			w.Where = append(w.Where, col+" = "+w.bind(key, v))
		}
	}
	return nil
}

func isMulti(v any) bool {
	if _, ok := v.([]byte); ok {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return true
	}
	return false
}

// setArg encodes a multi-valued filter for the dialect.
func (w *WriteContext) setArg(v any) (any, error) {
	if w.Dialect == dialect.SQLite {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return pq.Array(v), nil
}

// Args returns the bound values in placeholder order.
func (w *WriteContext) Args() []any {
	args := make([]any, len(w.Binds))
	for i, b := range w.Binds {
		args[i] = b.Value
	}
	return args
}

// Vars returns the template variables of the context.
func (w *WriteContext) Vars() TemplateVars {
	vars := TemplateVars{
		Dialect:    w.Dialect,
		Table:      w.Table,
		Columns:    w.Columns,
		Values:     w.Values,
		Conditions: w.Where,
		SoftDelete: w.softDelete,
		OrderBy:    w.orderBy,
	}
	for i, col := range w.Columns {
		vars.Assignments = append(vars.Assignments, col+" = "+w.Values[i])
	}
	if w.softDelete {
		vars.Conditions = append(slices.Clip(vars.Conditions), storekit.DeletedColumn+" IS NULL")
	}
	return vars
}
