package statement

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/spaolacci/murmur3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/storekit"
)

// Fingerprint identifies a template rendering: the template key together
// with the variables it was rendered with. Keys of string keyed maps are
// encoded in sorted order so equal variables produce the same fingerprint.
func Fingerprint(key string, vars any) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(key); err != nil {
		return "", fmt.Errorf("statement: fingerprint %q: %w", key, err)
	}
	if err := enc.Encode(vars); err != nil {
		return "", fmt.Errorf("statement: fingerprint %q: %w", key, err)
	}
	h1, h2 := murmur3.Sum128(buf.Bytes())
	return fmt.Sprintf("%016x%016x", h1, h2), nil
}

// Cache holds the statements and templates known to one client, and the
// statements rendered from those templates.
type Cache struct {
	mu         sync.RWMutex
	statements map[string]*Statement
	templates  map[string]*Template
	rendered   map[string]map[string]*Statement
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		statements: make(map[string]*Statement),
		templates:  make(map[string]*Template),
		rendered:   make(map[string]map[string]*Statement),
	}
}

// Put registers s, replacing any statement with the same key.
func (c *Cache) Put(s *Statement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements[s.Key] = s
}

// PutTemplate registers t and forgets the statements rendered from the
// template it replaces.
func (c *Cache) PutTemplate(t *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.Key] = t
	delete(c.rendered, t.Key)
}

// Statement returns the statement registered under key.
func (c *Cache) Statement(key string) (*Statement, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statements[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", storekit.ErrUnknownStatement, key)
	}
	return s, nil
}

// Template returns the template registered under key.
func (c *Cache) Template(key string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[key]
	if !ok {
		return nil, fmt.Errorf("%w: template %q", storekit.ErrUnknownStatement, key)
	}
	return t, nil
}

// Render returns the statement produced by the template key with vars,
// rendering it only the first time a given set of vars is seen.
func (c *Cache) Render(key string, vars any) (*Statement, error) {
	fp, err := Fingerprint(key, vars)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	s, ok := c.rendered[key][fp]
	t, known := c.templates[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: template %q", storekit.ErrUnknownStatement, key)
	}
	text, err := t.Render(vars)
	if err != nil {
		return nil, err
	}
	s = New(key, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	// The template may have been replaced while rendering.
	if c.templates[key] != t {
		return s, nil
	}
	if c.rendered[key] == nil {
		c.rendered[key] = make(map[string]*Statement)
	}
	c.rendered[key][fp] = s
	return s, nil
}

// Keys returns the sorted keys of all registered statements and templates.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := slices.Collect(maps.Keys(c.statements))
	keys = slices.AppendSeq(keys, maps.Keys(c.templates))
	slices.Sort(keys)
	return keys
}

// Rendered returns the number of cached renderings of the template key.
func (c *Cache) Rendered(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rendered[key])
}
