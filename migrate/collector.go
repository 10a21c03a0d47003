package migrate

import (
	"context"
	"errors"
	"sync"

	"github.com/syssam/storekit/client"
)

// Collector declares migrations in code:
//
//	migration := runner.Collector("school")
//	migration.Migration("2014-11-11T01:24", "Create rooms").
//		AddStore("school.classroom", nil).
//		AddStore("school.cafeteria", nil)
//
// Each call to Migration registers with the runner immediately, so
// misordered dates fail at declaration.
type Collector struct {
	r      *Runner
	schema string

	mu   sync.Mutex
	errs []error
}

// Collector returns a collector registering migrations for schema.
func (r *Runner) Collector(schema string) *Collector {
	return &Collector{r: r, schema: schema}
}

// Migration declares a migration. Its steps run in the order they are
// added, inside the migration's transaction.
func (c *Collector) Migration(date, description string) *Step {
	s := &Step{r: c.r}
	t, err := ParseDate(date)
	if err == nil {
		err = c.r.Add(c.schema, Migration{Date: t, Description: description, Up: s.run})
	}
	if err != nil {
		c.mu.Lock()
		c.errs = append(c.errs, err)
		c.mu.Unlock()
	}
	s.err = err
	return s
}

// Err returns the declaration errors of the collector.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.errs...)
}

// Step is the body of a collected migration.
type Step struct {
	r   *Runner
	err error
	ops []func(context.Context, client.Handler) error
}

// Err returns the error declaring the step, if any.
func (s *Step) Err() error { return s.err }

// AddStore creates a store table: columns merged over the default and meta
// columns.
func (s *Step) AddStore(name string, columns map[string]string) *Step {
	s.ops = append(s.ops, func(ctx context.Context, h client.Handler) error {
		return s.r.layout.With(h).AddStore(ctx, name, columns)
	})
	return s
}

// AddTable creates a plain table.
func (s *Step) AddTable(name string, columns map[string]string) *Step {
	s.ops = append(s.ops, func(ctx context.Context, h client.Handler) error {
		return s.r.layout.With(h).AddTable(ctx, name, columns)
	})
	return s
}

// Exec runs literal SQL.
func (s *Step) Exec(sql string, args ...any) *Step {
	s.ops = append(s.ops, func(ctx context.Context, h client.Handler) error {
		_, err := h.QueryRaw(ctx, sql, args...)
		return err
	})
	return s
}

// Do runs fn.
func (s *Step) Do(fn func(ctx context.Context, h client.Handler) error) *Step {
	s.ops = append(s.ops, fn)
	return s
}

func (s *Step) run(ctx context.Context, h client.Handler) error {
	for _, op := range s.ops {
		if err := op(ctx, h); err != nil {
			return err
		}
	}
	return nil
}
