package statement

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/syssam/storekit"
)

// File extensions recognized by Load.
const (
	SQLExt      = ".sql"
	TemplateExt = ".sql.tmpl"
)

// KeyFor returns the key a file is registered under: the base name without
// extension, prefixed by namespace when one is given.
func KeyFor(namespace, name string) string {
	base := path.Base(filepath.ToSlash(name))
	switch {
	case strings.HasSuffix(base, TemplateExt):
		base = strings.TrimSuffix(base, TemplateExt)
	case strings.HasSuffix(base, SQLExt):
		base = strings.TrimSuffix(base, SQLExt)
	}
	if namespace == "" {
		return base
	}
	return namespace + "/" + base
}

// IsStatementFile reports whether name has an extension Load recognizes.
func IsStatementFile(name string) bool {
	return strings.HasSuffix(name, SQLExt) || strings.HasSuffix(name, TemplateExt)
}

// Load registers every statement and template file in dir under namespace
// and returns the registered keys. Files that fail to parse do not stop the
// others from loading; their errors are returned together.
func (c *Cache) Load(fsys fs.FS, dir, namespace string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("statement: read dir %q: %w", dir, err)
	}
	var (
		keys []string
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || !IsStatementFile(e.Name()) {
			continue
		}
		key, err := c.loadFile(fsys, path.Join(dir, e.Name()), namespace)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, storekit.NewAggregateError(errs...)
}

func (c *Cache) loadFile(fsys fs.FS, name, namespace string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", fmt.Errorf("statement: read %q: %w", name, err)
	}
	key := KeyFor(namespace, name)
	if strings.HasSuffix(name, TemplateExt) {
		t, err := NewTemplate(key, string(data))
		if err != nil {
			return "", err
		}
		c.PutTemplate(t)
		return key, nil
	}
	c.Put(New(key, string(data)))
	return key, nil
}

// Watch calls fn with the path of every statement file in dir that is
// created, written or renamed, until ctx is done.
func Watch(ctx context.Context, dir string, fn func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("statement: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("statement: watch %q: %w", dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !IsStatementFile(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				fn(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("statement: watch %q: %w", dir, err)
		}
	}
}
