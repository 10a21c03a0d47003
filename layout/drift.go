package layout

import (
	"fmt"
	"strings"

	"ariga.io/atlas/sql/schema"

	"github.com/syssam/storekit"
)

// Issue is a difference between the declared and the live shape of a
// table.
type Issue struct {
	Table   string
	Column  string
	Message string
	// Breaking marks issues that make writes through the store fail.
	Breaking bool
}

func (e *Issue) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s.%s: %s", e.Table, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Table, e.Message)
}

// ValidationResult holds the issues found by Compare.
type ValidationResult struct {
	Errors   []*Issue
	Warnings []*Issue
}

// HasErrors returns true if there are any errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// HasWarnings returns true if there are any warnings.
func (r *ValidationResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// HasBreakingChanges returns true if any issue is breaking.
func (r *ValidationResult) HasBreakingChanges() bool {
	for _, e := range r.Errors {
		if e.Breaking {
			return true
		}
	}
	for _, w := range r.Warnings {
		if w.Breaking {
			return true
		}
	}
	return false
}

// String returns a human-readable summary of the result.
func (r *ValidationResult) String() string {
	var sb strings.Builder
	write := func(title string, issues []*Issue) {
		if len(issues) == 0 {
			return
		}
		sb.WriteString(title)
		sb.WriteString(":\n")
		for _, e := range issues {
			sb.WriteString("  - ")
			sb.WriteString(e.Error())
			if e.Breaking {
				sb.WriteString(" [BREAKING]")
			}
			sb.WriteString("\n")
		}
	}
	write("Errors", r.Errors)
	write("Warnings", r.Warnings)
	if !r.HasErrors() && !r.HasWarnings() {
		sb.WriteString("No issues found")
	}
	return sb.String()
}

// CompareOption configures Compare.
type CompareOption func(*compareConfig)

type compareConfig struct {
	allowExtraColumns bool
	ignoreTypes       bool
}

// AllowExtraColumns does not report live columns missing from the
// declaration.
func AllowExtraColumns() CompareOption {
	return func(c *compareConfig) {
		c.allowExtraColumns = true
	}
}

// IgnoreTypes skips column type comparison.
func IgnoreTypes() CompareOption {
	return func(c *compareConfig) {
		c.ignoreTypes = true
	}
}

// Compare checks the live table against declared, a map of field name to
// column definition. Declared columns missing from the table are breaking
// errors. Type and nullability differences, and undeclared live columns,
// are warnings.
func Compare(declared map[string]string, live *schema.Table, opts ...CompareOption) *ValidationResult {
	cfg := &compareConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	result := &ValidationResult{}
	liveCols := make(map[string]*schema.Column, len(live.Columns))
	for _, c := range live.Columns {
		liveCols[c.Name] = c
	}
	seen := make(map[string]bool, len(declared))
	for _, field := range OrderColumns(declared) {
		name, def := storekit.ColumnName(field), declared[field]
		seen[name] = true
		col, ok := liveCols[name]
		if !ok {
			result.Errors = append(result.Errors, &Issue{
				Table:    live.Name,
				Column:   name,
				Message:  "column is missing",
				Breaking: true,
			})
			continue
		}
		if col.Type == nil {
			continue
		}
		if want, got := baseType(def), baseType(col.Type.Raw); !cfg.ignoreTypes && want != "" && got != "" && want != got {
			result.Warnings = append(result.Warnings, &Issue{
				Table:   live.Name,
				Column:  name,
				Message: fmt.Sprintf("column type is %s, declared %s", got, want),
			})
		}
		if col.Type.Null && declaresNotNull(def) {
			result.Warnings = append(result.Warnings, &Issue{
				Table:   live.Name,
				Column:  name,
				Message: "column is nullable, declared NOT NULL",
			})
		}
	}
	if !cfg.allowExtraColumns {
		for _, c := range live.Columns {
			if !seen[c.Name] {
				result.Warnings = append(result.Warnings, &Issue{
					Table:   live.Name,
					Column:  c.Name,
					Message: "column is not declared",
				})
			}
		}
	}
	return result
}

var typeAliases = map[string]string{
	"bigserial":   "bigint",
	"serial8":     "bigint",
	"int8":        "bigint",
	"serial":      "integer",
	"serial4":     "integer",
	"int":         "integer",
	"int4":        "integer",
	"smallserial": "smallint",
	"int2":        "smallint",
	"bool":        "boolean",
	"varchar":     "character varying",
	"char":        "character",
	"timestamptz": "timestamp with time zone",
	"timestamp":   "timestamp without time zone",
	"float8":      "double precision",
	"float4":      "real",
	"decimal":     "numeric",
}

// constraintWords end the type part of a column definition.
var constraintWords = map[string]bool{
	"default":    true,
	"not":        true,
	"null":       true,
	"primary":    true,
	"references": true,
	"unique":     true,
	"check":      true,
	"collate":    true,
	"generated":  true,
	"constraint": true,
	"identity":   true,
	"on":         true,
}

// baseType returns the normalized type of a column definition or of a raw
// database type: "varchar(20) NOT NULL" -> "character varying".
func baseType(def string) string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(def)) {
		if constraintWords[w] {
			break
		}
		words = append(words, w)
	}
	t := strings.Join(words, " ")
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if alias, ok := typeAliases[t]; ok {
		return alias
	}
	return t
}

func declaresNotNull(def string) bool {
	def = strings.ToUpper(def)
	return strings.Contains(def, "NOT NULL") || strings.Contains(def, "PRIMARY KEY")
}
