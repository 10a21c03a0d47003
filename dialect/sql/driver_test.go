package sql

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/syssam/storekit/dialect"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDB(t *testing.T) {
	tests := []struct {
		name    string
		dialect string
	}{
		{"Postgres", dialect.Postgres},
		{"MySQL", dialect.MySQL},
		{"SQLite", dialect.SQLite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			drv := OpenDB(tt.dialect, db)
			assert.NotNil(t, drv)
			assert.Equal(t, tt.dialect, drv.Dialect())
		})
	}
}

func TestScanRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	drv := OpenDB(dialect.Postgres, db)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "first_name", "nick"}).
			AddRow(int64(1), []byte("Mel"), nil).
			AddRow(int64(2), "Ann", "annie"))

	rows := &Rows{}
	require.NoError(t, drv.Query(context.Background(), "SELECT id, first_name, nick FROM person", []any{}, rows))
	records, err := ScanRecords(rows)
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	require.Len(t, records, 2)
	assert.Equal(t, map[string]any{"id": int64(1), "first_name": "Mel", "nick": nil}, records[0])
	assert.Equal(t, "annie", records[1]["nick"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConvertValue(t *testing.T) {
	raw := []byte(`{"a":1}`)
	assert.Equal(t, json.RawMessage(raw), convertValue("JSON", raw))
	assert.Equal(t, json.RawMessage(raw), convertValue("JSONB", raw))
	assert.Equal(t, raw, convertValue("BYTEA", raw))
	assert.Equal(t, `{"a":1}`, convertValue("TEXT", raw))
	assert.Equal(t, int64(3), convertValue("INT8", int64(3)))
}
