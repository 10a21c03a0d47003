package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/syssam/storekit"
	"github.com/syssam/storekit/client"
	"github.com/syssam/storekit/migrate"
)

// Registry defines stores from specs and hands them out by name.
type Registry struct {
	c *client.Client
	m *migrate.Migrator

	mu     sync.RWMutex
	stores map[string]*Store
}

// NewRegistry returns a registry that reconciles specs through m. Stores
// forget their cached columns whenever m applies or drops their spec.
func NewRegistry(c *client.Client, m *migrate.Migrator) *Registry {
	r := &Registry{c: c, m: m, stores: make(map[string]*Store)}
	m.OnChange(r.invalidate)
	return r
}

func (r *Registry) invalidate(name string) {
	r.mu.RLock()
	s, ok := r.stores[storekit.TableName(name)]
	r.mu.RUnlock()
	if ok {
		s.Invalidate()
	}
}

// Define ensures the table of name matches spec and registers its store.
// The derived fields of spec are attached to the store.
func (r *Registry) Define(ctx context.Context, name string, spec *migrate.Spec, opts ...Option) (*Store, error) {
	if err := r.m.EnsureStore(ctx, name, spec); err != nil {
		return nil, err
	}
	return r.register(name, spec, opts)
}

// DefineAll ensures every spec concurrently, then registers their stores.
func (r *Registry) DefineAll(ctx context.Context, specs map[string]*migrate.Spec, opts ...Option) error {
	if err := r.m.EnsureStores(ctx, specs); err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(specs)) {
		if _, err := r.register(name, specs[name], opts); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) register(name string, spec *migrate.Spec, opts []Option) (*Store, error) {
	if spec != nil && len(spec.Derived) > 0 {
		opts = append([]Option{WithDerived(spec.Derived)}, opts...)
	}
	s, err := New(r.c, name, opts...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.Table()] = s
	return s, nil
}

// Store returns the store registered under name.
func (r *Registry) Store(name string) (*Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[storekit.TableName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storekit.ErrUnknownStore, name)
	}
	return s, nil
}

// Names returns the names of the registered stores, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for _, s := range r.stores {
		names = append(names, s.Name())
	}
	slices.Sort(names)
	return names
}
