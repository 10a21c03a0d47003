package client

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"github.com/syssam/storekit"
)

// RowTransform rewrites one returned row.
type RowTransform func(storekit.Record) storekit.Record

// Pipeline is an ordered list of row transforms applied to every row a
// statement returns.
type Pipeline []RowTransform

// DefaultEgress drops null values, converts column names to field names
// and merges the bag into the record.
func DefaultEgress() Pipeline {
	return Pipeline{StripNulls, Camelize, MergeBag}
}

// Apply runs every stage over each row. Rows are rewritten in place.
func (p Pipeline) Apply(rows []storekit.Record) []storekit.Record {
	if len(p) == 0 {
		return rows
	}
	for i, row := range rows {
		for _, stage := range p {
			row = stage(row)
		}
		rows[i] = row
	}
	return rows
}

// With returns a copy of the pipeline with stages appended.
func (p Pipeline) With(stages ...RowTransform) Pipeline {
	out := make(Pipeline, 0, len(p)+len(stages))
	return append(append(out, p...), stages...)
}

// StripNulls drops keys whose value is nil.
func StripNulls(row storekit.Record) storekit.Record {
	out := make(storekit.Record, len(row))
	for k, v := range row {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// Camelize converts column names to field names. System columns keep
// their names.
func Camelize(row storekit.Record) storekit.Record {
	out := make(storekit.Record, len(row))
	for k, v := range row {
		out[storekit.FieldName(k)] = v
	}
	return out
}

// NestRefs rewrites reference columns into the nested form:
// "creator_id": 9 becomes "creator": {"id": 9}. It must run before Camelize.
func NestRefs(row storekit.Record) storekit.Record {
	out := make(storekit.Record, len(row))
	for k, v := range row {
		if ref, ok := strings.CutSuffix(k, storekit.RefSuffix); ok && ref != "" && !strings.HasPrefix(k, storekit.SysColPrefix) {
			out[storekit.FieldName(ref)] = storekit.Record{storekit.IDColumn: v}
			continue
		}
		out[k] = v
	}
	return out
}

// MergeBag lifts the contents of the bag column into the record and strips
// every remaining system prefixed key. Modeled fields win over bag entries
// with the same name.
func MergeBag(row storekit.Record) storekit.Record {
	out := make(storekit.Record, len(row))
	for k, v := range row {
		if !strings.HasPrefix(k, storekit.SysColPrefix) {
			out[k] = v
		}
	}
	for k, v := range decodeBag(row[storekit.BagColumn]) {
		if _, ok := out[k]; !ok && !strings.HasPrefix(k, storekit.SysColPrefix) {
			out[k] = v
		}
	}
	return out
}

func decodeBag(v any) map[string]any {
	var raw []byte
	switch bag := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return bag
	case datatypes.JSONMap:
		return bag
	case json.RawMessage:
		raw = bag
	case []byte:
		raw = bag
	case string:
		raw = []byte(bag)
	default:
		return nil
	}
	var m datatypes.JSONMap
	if err := m.Scan(raw); err != nil {
		return nil
	}
	for k, v := range m {
		m[k] = fromNumber(v)
	}
	return m
}

// fromNumber replaces the json.Number values of a decoded bag with int64
// when integral and float64 otherwise.
func fromNumber(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for k, e := range v {
			v[k] = fromNumber(e)
		}
	case []any:
		for i, e := range v {
			v[i] = fromNumber(e)
		}
	}
	return v
}

// Derive attaches computed fields. Each function sees the record as it
// left the previous stages.
func Derive(derived map[string]func(storekit.Record) any) RowTransform {
	return func(row storekit.Record) storekit.Record {
		if len(derived) == 0 {
			return row
		}
		out := make(storekit.Record, len(row)+len(derived))
		for k, v := range row {
			out[k] = v
		}
		for name, fn := range derived {
			out[name] = fn(row)
		}
		return out
	}
}
