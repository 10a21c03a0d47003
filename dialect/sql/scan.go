package sql

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScanRecords reads all rows of the current result set into column-name keyed
// maps. Byte slices are converted to strings, except for JSON columns, which
// are kept as json.RawMessage, and binary columns, which are copied.
func ScanRecords(rows ColumnScanner) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: scan columns: %w", err)
	}
	kinds := make([]string, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			if i < len(kinds) && ct != nil {
				kinds[i] = strings.ToUpper(ct.DatabaseTypeName())
			}
		}
	}
	var records []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("dialect/sql: scan row: %w", err)
		}
		record := make(map[string]any, len(columns))
		for i, name := range columns {
			record[name] = convertValue(kinds[i], values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dialect/sql: rows: %w", err)
	}
	return records, nil
}

func convertValue(kind string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch kind {
	case "JSON", "JSONB":
		return json.RawMessage(append([]byte(nil), b...))
	case "BYTEA", "BLOB", "BINARY", "VARBINARY":
		return append([]byte(nil), b...)
	default:
		return string(b)
	}
}
