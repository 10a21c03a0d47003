package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/syssam/storekit"
)

// FieldSet maps field names to column definitions. An empty definition
// opts out of the field; in JSON and YAML an opt-out is written as false,
// null or "".
type FieldSet map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (fs *FieldSet) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: fields: %w", storekit.ErrMalformedSpec, err)
	}
	set, err := fieldSetFrom(raw)
	if err != nil {
		return err
	}
	*fs = set
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (fs *FieldSet) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("%w: fields: %w", storekit.ErrMalformedSpec, err)
	}
	set, err := fieldSetFrom(raw)
	if err != nil {
		return err
	}
	*fs = set
	return nil
}

func fieldSetFrom(raw map[string]any) (FieldSet, error) {
	if raw == nil {
		return nil, nil
	}
	set := make(FieldSet, len(raw))
	for name, v := range raw {
		switch v := v.(type) {
		case nil:
			set[name] = ""
		case string:
			set[name] = v
		case bool:
			if v {
				return nil, fmt.Errorf("%w: field %q: true is not a column definition", storekit.ErrMalformedSpec, name)
			}
			set[name] = ""
		default:
			return nil, fmt.Errorf("%w: field %q: unexpected %T", storekit.ErrMalformedSpec, name, v)
		}
	}
	return set, nil
}

// Spec declares the shape of a store.
type Spec struct {
	// Fields are modeled columns. They are merged over the default fields
	// id, created and updated.
	Fields FieldSet `json:"fields,omitempty" yaml:"fields,omitempty"`
	// Refs are references to other records, stored in <name>_id columns.
	Refs FieldSet `json:"refs,omitempty" yaml:"refs,omitempty"`
	// Derived fields are computed from returned records and never stored.
	Derived map[string]func(storekit.Record) any `json:"-" yaml:"-"`
}

var specKeys = []string{"fields", "refs"}

// ParseSpec decodes a JSON spec. Unknown top-level keys are rejected.
func ParseSpec(data []byte) (*Spec, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %w", storekit.ErrMalformedSpec, err)
	}
	if err := checkKeys(slices.Collect(maps.Keys(top))); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	spec := &Spec{}
	if err := dec.Decode(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", storekit.ErrMalformedSpec, err)
	}
	return spec, nil
}

// ParseSpecYAML decodes a YAML spec. Unknown top-level keys are rejected.
func ParseSpecYAML(data []byte) (*Spec, error) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %w", storekit.ErrMalformedSpec, err)
	}
	if err := checkKeys(slices.Collect(maps.Keys(top))); err != nil {
		return nil, err
	}
	spec := &Spec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("%w: %w", storekit.ErrMalformedSpec, err)
	}
	return spec, nil
}

// ParseSpecs decodes a YAML document mapping store names to specs.
func ParseSpecs(data []byte) (map[string]*Spec, error) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %w", storekit.ErrMalformedSpec, err)
	}
	specs := make(map[string]*Spec, len(top))
	for name, node := range top {
		var keys map[string]yaml.Node
		if err := node.Decode(&keys); err != nil {
			return nil, storekit.NewValidationError(name, fmt.Errorf("%w: %w", storekit.ErrMalformedSpec, err))
		}
		if err := checkKeys(slices.Collect(maps.Keys(keys))); err != nil {
			return nil, storekit.NewValidationError(name, err)
		}
		spec := &Spec{}
		if err := node.Decode(spec); err != nil {
			return nil, storekit.NewValidationError(name, err)
		}
		specs[name] = spec
	}
	return specs, nil
}

func checkKeys(keys []string) error {
	var unknown []string
	for _, k := range keys {
		if !slices.Contains(specKeys, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return fmt.Errorf("%w: unknown keys: %s", storekit.ErrMalformedSpec, strings.Join(unknown, ", "))
	}
	return nil
}

// Validate checks the spec without touching the database: field and ref
// names must be valid identifiers that do not collide with meta columns,
// refs may not shadow default fields, and ref columns may not collide
// with fields.
func (s *Spec) Validate() error {
	if s == nil {
		return nil
	}
	fields := make(map[string]bool, len(s.Fields))
	for name := range s.Fields {
		col := storekit.ColumnName(name)
		if err := checkColumn(name, col); err != nil {
			return err
		}
		fields[col] = true
	}
	for name := range s.Refs {
		col := storekit.RefColumn(name)
		if err := checkColumn(name, col); err != nil {
			return err
		}
		if storekit.IsSystemColumn(storekit.ColumnName(name)) {
			return fmt.Errorf("%w: ref %q collides with a system column", storekit.ErrMalformedSpec, name)
		}
		if fields[col] {
			return fmt.Errorf("%w: ref %q collides with field %q", storekit.ErrMalformedSpec, name, col)
		}
	}
	for name := range s.Derived {
		if fields[storekit.ColumnName(name)] {
			return fmt.Errorf("%w: derived field %q collides with a field", storekit.ErrMalformedSpec, name)
		}
	}
	return nil
}

func checkColumn(name, col string) error {
	if strings.HasPrefix(name, storekit.SysColPrefix) || strings.HasPrefix(col, storekit.SysColPrefix) {
		return fmt.Errorf("%w: %q collides with a system column", storekit.ErrMalformedSpec, name)
	}
	if !storekit.ValidIdentifier(col) || strings.Contains(col, ".") {
		return fmt.Errorf("%w: %q is not a valid column name", storekit.ErrMalformedSpec, name)
	}
	return nil
}

// Normalize returns the spec with fields merged over the default fields
// and every opt-out removed. Derived fields are kept.
func (s *Spec) Normalize() *Spec {
	out := &Spec{Fields: FieldSet(storekit.DefaultFields())}
	if s == nil {
		return out
	}
	maps.Copy(out.Fields, s.Fields)
	maps.DeleteFunc(out.Fields, func(_, def string) bool { return def == "" })
	if len(s.Refs) > 0 {
		out.Refs = maps.Clone(s.Refs)
		maps.DeleteFunc(out.Refs, func(_, def string) bool { return def == "" })
		if len(out.Refs) == 0 {
			out.Refs = nil
		}
	}
	out.Derived = s.Derived
	return out
}

// Equal reports whether s and o declare the same fields and refs.
func (s *Spec) Equal(o *Spec) bool {
	if s == nil || o == nil {
		return s == o
	}
	return maps.Equal(s.Fields, o.Fields) && maps.Equal(s.Refs, o.Refs)
}

// Columns returns the column definitions of a normalized spec keyed by
// field or column name: fields, ref columns and the meta columns.
func (s *Spec) Columns() map[string]string {
	cols := s.ModelColumns()
	maps.Copy(cols, storekit.MetaFields())
	return cols
}

// ModelColumns is Columns without the meta columns.
func (s *Spec) ModelColumns() map[string]string {
	cols := make(map[string]string, len(s.Fields)+len(s.Refs)+2)
	maps.Copy(cols, s.Fields)
	for name, def := range s.Refs {
		cols[storekit.RefColumn(name)] = def
	}
	return cols
}

// additions returns the declared field and ref columns that may be added
// to an existing table. Default fields are created with the table only.
func (s *Spec) additions() map[string]string {
	cols := s.ModelColumns()
	for name := range storekit.DefaultFields() {
		delete(cols, name)
	}
	return cols
}

func (s *Spec) marshal() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeSpec reads a persisted spec column value.
func decodeSpec(v any) (*Spec, error) {
	var raw []byte
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		return nil, fmt.Errorf("migrate: unexpected spec value %T", v)
	}
	spec := &Spec{}
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("migrate: decode persisted spec: %w", err)
	}
	return spec, nil
}
