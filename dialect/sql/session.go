package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/dialect"
)

type sessionKey struct{}

type sessionVar struct{ name, value string }

// WithVar returns a context carrying a session variable that is set before
// every statement run with it. A later value for the same name wins.
func WithVar(ctx context.Context, name, value string) context.Context {
	vars, _ := ctx.Value(sessionKey{}).([]sessionVar)
	vars = append(vars[:len(vars):len(vars)], sessionVar{name, value})
	return context.WithValue(ctx, sessionKey{}, vars)
}

// WithIntVar is WithVar for integer values.
func WithIntVar(ctx context.Context, name string, value int) context.Context {
	return WithVar(ctx, name, strconv.Itoa(value))
}

// VarFromContext returns the value of the session variable name carried by
// ctx.
func VarFromContext(ctx context.Context, name string) (string, bool) {
	vars, _ := ctx.Value(sessionKey{}).([]sessionVar)
	for i := len(vars) - 1; i >= 0; i-- {
		if vars[i].name == name {
			return vars[i].value, true
		}
	}
	return "", false
}

// TimeoutVar returns the session variable bounding statement execution in
// milliseconds, or "" when the dialect has none.
func TimeoutVar(name string) string {
	switch name {
	case dialect.Postgres:
		return "statement_timeout"
	case dialect.MySQL:
		return "max_execution_time"
	}
	return ""
}

// WithStatementTimeout attaches the server side statement timeout of the
// dialect to ctx unless ctx already sets one.
func WithStatementTimeout(ctx context.Context, name string, d time.Duration) context.Context {
	v := TimeoutVar(name)
	if v == "" || d <= 0 {
		return ctx
	}
	if _, ok := VarFromContext(ctx, v); ok {
		return ctx
	}
	return WithIntVar(ctx, v, int(d.Milliseconds()))
}

func nop() error { return nil }

// session applies the session variables of ctx and returns the ExecQuerier
// to run the statement on with the cleanup to run after it. Variables set
// in a Postgres transaction are local to it; everywhere else they are reset
// so connections go back to the pool clean.
func (c Conn) session(ctx context.Context) (ExecQuerier, func() error, error) {
	vars, _ := ctx.Value(sessionKey{}).([]sessionVar)
	if len(vars) == 0 {
		return c.ExecQuerier, nop, nil
	}
	if c.dialect == dialect.SQLite {
		return nil, nil, fmt.Errorf("session variables are not supported by %s", c.dialect)
	}
	ex, release := c.ExecQuerier, nop
	_, inTx := c.ExecQuerier.(*sql.Tx)
	switch e := c.ExecQuerier.(type) {
	case *sql.Tx, *sql.Conn:
	case *sql.DB:
		conn, err := e.Conn(ctx)
		if err != nil {
			return nil, nil, err
		}
		ex, release = conn, conn.Close
	default:
		return nil, nil, fmt.Errorf("session variables need a *sql.DB, *sql.Conn or *sql.Tx, got %T", c.ExecQuerier)
	}
	local := inTx && c.dialect == dialect.Postgres
	var reset []string
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if !storekit.ValidIdentifier(v.name) {
			return nil, nil, failSession(release, fmt.Errorf("invalid session variable name: %q", v.name))
		}
		if !seen[v.name] && !local {
			reset = append(reset, resetVar(c.dialect, v.name))
		}
		seen[v.name] = true
		if _, err := ex.ExecContext(ctx, setVar(v.name, v.value, local)); err != nil {
			return nil, nil, failSession(release, err)
		}
	}
	if len(reset) == 0 {
		return ex, release, nil
	}
	return ex, func() error {
		// The statement context may be done by now.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		for _, q := range reset {
			if _, err := ex.ExecContext(rctx, q); err != nil {
				errs = append(errs, err)
			}
		}
		return failSession(release, errs...)
	}, nil
}

func failSession(release func() error, errs ...error) error {
	return errors.Join(append(errs, release())...)
}

// setVar renders the SET statement of a variable. Integer values are left
// unquoted since MySQL rejects quoted integers for numeric variables.
func setVar(key, value string, local bool) string {
	stmt := "SET "
	if local {
		stmt += "LOCAL "
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return stmt + key + " = " + value
	}
	return stmt + key + " = '" + quoteValue(value) + "'"
}

func resetVar(name, key string) string {
	if name == dialect.MySQL {
		return "SET " + key + " = DEFAULT"
	}
	return "RESET " + key
}

// quoteValue escapes a string literal for both Postgres and MySQL.
func quoteValue(s string) string {
	if !strings.ContainsAny(s, `'\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", "''")
}
