// Package storekit is a convenience layer over a relational database: pooled
// connections, named and templated statements, spec driven table
// reconciliation and a generic store with soft delete and a JSON overflow bag.
//
// The root package holds the vocabulary shared by every layer: the Record
// type, the reserved system columns and the naming convention that maps
// logical field names to column names.
package storekit

import (
	"maps"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-openapi/inflect"
)

// Record is a row as seen by callers: logical field name to value.
type Record = map[string]any

// System column names. Columns starting with SysColPrefix are never exposed
// to callers directly.
const (
	SysColPrefix  = "__"
	BagColumn     = SysColPrefix + "bag"
	DeletedColumn = SysColPrefix + "deleted"

	IDColumn      = "id"
	CreatedColumn = "created"
	UpdatedColumn = "updated"

	// RefSuffix marks a column holding the id of another record.
	RefSuffix = "_id"

	// DefaultNamespace is used for names without a namespace qualifier.
	DefaultNamespace = "public"
)

// DefaultFields are the columns every store table carries unless the spec
// opts out of them.
func DefaultFields() map[string]string {
	return map[string]string{
		IDColumn:      "bigserial PRIMARY KEY",
		CreatedColumn: "timestamp with time zone DEFAULT now() NOT NULL",
		UpdatedColumn: "timestamp with time zone DEFAULT now() NOT NULL",
	}
}

// MetaFields are the system prefixed columns of a store table.
func MetaFields() map[string]string {
	return map[string]string{
		BagColumn:     "json NOT NULL DEFAULT '{}'",
		DeletedColumn: "timestamp with time zone",
	}
}

// StoreColumns returns DefaultFields merged with MetaFields.
func StoreColumns() map[string]string {
	cols := DefaultFields()
	maps.Copy(cols, MetaFields())
	return cols
}

// IsSystemColumn reports whether name is a default or meta column.
func IsSystemColumn(name string) bool {
	switch name {
	case IDColumn, CreatedColumn, UpdatedColumn:
		return true
	}
	return strings.HasPrefix(name, SysColPrefix)
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// ValidIdentifier reports whether name may be spliced into SQL text as a
// schema, table, column or session variable name.
func ValidIdentifier(name string) bool {
	return name != "" && len(name) <= 128 && identRe.MatchString(name)
}

// ColumnName converts a logical field name to its column name:
// "firstName" -> "first_name", "userID" -> "user_id". Dotted names are
// converted per segment and system prefixed names are returned unchanged.
func ColumnName(field string) string {
	if strings.HasPrefix(field, SysColPrefix) {
		return field
	}
	parts := strings.Split(field, ".")
	for i, p := range parts {
		parts[i] = inflect.Underscore(collapseCaps(p))
	}
	return strings.Join(parts, ".")
}

// collapseCaps lowers the tail of every run of capitals so an acronym reads
// as one word: "htmlURL" -> "htmlUrl", "URLPath" -> "UrlPath".
func collapseCaps(s string) string {
	orig := []rune(s)
	out := []rune(s)
	for i := 1; i < len(orig); i++ {
		if !unicode.IsUpper(orig[i]) || !unicode.IsUpper(orig[i-1]) {
			continue
		}
		if i+1 < len(orig) && unicode.IsLower(orig[i+1]) {
			continue
		}
		out[i] = unicode.ToLower(orig[i])
	}
	return string(out)
}

// FieldName converts a column name to its logical field name:
// "first_name" -> "firstName". System prefixed names are returned unchanged.
func FieldName(column string) string {
	if strings.HasPrefix(column, SysColPrefix) || strings.Trim(column, "_- ") == "" {
		return column
	}
	return inflect.CamelizeDownFirst(column)
}

// RefColumn returns the column that stores the reference named ref.
func RefColumn(ref string) string {
	return ColumnName(ref) + RefSuffix
}

// TableName returns the qualified table name for a store name,
// "school.classRoom" -> "school.class_room".
func TableName(name string) string {
	return ColumnName(name)
}

// SplitName splits a store name into its namespace and table parts. Names
// without a namespace live in DefaultNamespace.
func SplitName(name string) (namespace, table string) {
	name = TableName(name)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return DefaultNamespace, name
}
