package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/storekit/client"
	"github.com/syssam/storekit/dialect"
	"github.com/syssam/storekit/dialect/sql"
	"github.com/syssam/storekit/layout"
)

// sqliteEnv points the CLI at a fresh SQLite file holding a tag table and
// returns the env file to pass to it.
func sqliteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "school.db")

	c, err := client.Open(sql.PoolConfig{Dialect: dialect.SQLite, Database: db, PoolSize: 1}, nil)
	require.NoError(t, err)
	_, err = c.Query(context.Background(), `CREATE TABLE tag (
  id INTEGER PRIMARY KEY,
  label TEXT NOT NULL,
  owner_id INTEGER,
  __bag TEXT NOT NULL DEFAULT '{}'
)`)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	env := filepath.Join(dir, "test.env")
	content := "CLI_DIALECT=sqlite\nCLI_DATABASE=" + db + "\nCLI_POOL_SIZE=1\nCLI_LOG_LEVEL=error\n"
	require.NoError(t, os.WriteFile(env, []byte(content), 0o600))
	return env
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := newApp(&out, &errOut).Run(context.Background(), append([]string{"storekit"}, args...))
	return out.String(), err
}

func TestDescribe(t *testing.T) {
	env := sqliteEnv(t)

	out, err := run(t, "--env-prefix", "CLI_", "--env-file", env, "--json", "describe", "tag")
	require.NoError(t, err)
	var cols []layout.Column
	require.NoError(t, json.Unmarshal([]byte(out), &cols))
	assert.Equal(t, []string{"id", "label", "owner_id", "__bag"}, layout.ColumnNames(cols))

	out, err = run(t, "--env-prefix", "CLI_", "--env-file", env, "describe", "tag")
	require.NoError(t, err)
	assert.Contains(t, out, "COLUMN")
	assert.Contains(t, out, "owner_id")
	assert.Contains(t, out, "owner")

	_, err = run(t, "--env-prefix", "CLI_", "--env-file", env, "describe", "ghost")
	assert.Error(t, err)

	_, err = run(t, "--env-prefix", "CLI_", "--env-file", env, "describe")
	assert.ErrorContains(t, err, "no store given")
}

func TestInfo(t *testing.T) {
	env := sqliteEnv(t)
	out, err := run(t, "--env-prefix", "CLI_", "--env-file", env, "--json", "info")
	require.NoError(t, err)
	var st struct {
		Connection string
		Pool       struct{ MaxOpen int }
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Contains(t, st.Connection, "school.db")
	assert.Equal(t, 1, st.Pool.MaxOpen)
}

func TestCommandErrors(t *testing.T) {
	env := sqliteEnv(t)
	base := []string{"--env-prefix", "CLI_", "--env-file", env}

	_, err := run(t, append(base, "drop", "school")...)
	assert.ErrorContains(t, err, "--yes")

	_, err = run(t, append(base, "drop")...)
	assert.ErrorContains(t, err, "no namespace given")

	_, err = run(t, append(base, "ensure")...)
	assert.ErrorContains(t, err, "no specs file given")

	_, err = run(t, append(base, "migrate")...)
	assert.ErrorContains(t, err, "no migrations given")

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "info")
	assert.Error(t, err)
}
