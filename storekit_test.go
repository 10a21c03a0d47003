package storekit_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syssam/storekit"
)

func TestColumnName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"firstName", "first_name"},
		{"first_name", "first_name"},
		{"id", "id"},
		{"school.classRoom", "school.class_room"},
		{"__bag", "__bag"},
		{"address2", "address2"},
		{"userID", "user_id"},
		{"htmlURL", "html_url"},
		{"URLPath", "url_path"},
		{"school.ownerID", "school.owner_id"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, storekit.ColumnName(tt.in))
		})
	}
}

func TestFieldName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"first_name", "firstName"},
		{"creator_id", "creatorId"},
		{"id", "id"},
		{"__deleted", "__deleted"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, storekit.FieldName(tt.in))
		})
	}
}

func TestSplitName(t *testing.T) {
	ns, table := storekit.SplitName("school.classRoom")
	assert.Equal(t, "school", ns)
	assert.Equal(t, "class_room", table)

	ns, table = storekit.SplitName("person")
	assert.Equal(t, storekit.DefaultNamespace, ns)
	assert.Equal(t, "person", table)

	assert.Equal(t, "creator_id", storekit.RefColumn("creator"))
}

func TestSystemColumns(t *testing.T) {
	cols := storekit.StoreColumns()
	assert.Len(t, cols, 5)
	assert.Contains(t, cols, storekit.BagColumn)
	assert.Contains(t, cols, storekit.DeletedColumn)

	for name := range cols {
		assert.True(t, storekit.IsSystemColumn(name), name)
	}
	assert.False(t, storekit.IsSystemColumn("first_name"))

	// Callers get a fresh copy every time.
	storekit.DefaultFields()["id"] = "serial"
	assert.Equal(t, "bigserial PRIMARY KEY", storekit.DefaultFields()["id"])
}

func TestAcronymRoundTrip(t *testing.T) {
	for _, field := range []string{"userID", "htmlURL", "ownerId"} {
		col := storekit.ColumnName(field)
		assert.NotContains(t, col, "_i_d", field)
		assert.Equal(t, col, storekit.ColumnName(storekit.FieldName(col)), field)
	}
	assert.Equal(t, "userId", storekit.FieldName(storekit.ColumnName("userID")))
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple", "foo", true},
		{"schema_qualified", "school.class_room", true},
		{"leading_underscore", "__bag", true},
		{"empty", "", false},
		{"leading_number", "1abc", false},
		{"space", "foo bar", false},
		{"quote", "foo'bar", false},
		{"semicolon", "foo;DROP TABLE", false},
		{"too_long", "a" + strings.Repeat("b", 128), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storekit.ValidIdentifier(tt.input))
		})
	}
}
