package statement

import (
	"fmt"
	"strings"
	"text/template"
)

// Template is a SQL template. Rendering it with a set of variables yields
// the text of a Statement.
type Template struct {
	Key  string
	tmpl *template.Template
}

// Funcs available to every template.
var Funcs = template.FuncMap{
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
	"quote": func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	},
}

// NewTemplate parses text as a template registered under key. Referencing a
// missing map key while rendering is an error.
func NewTemplate(key, text string) (*Template, error) {
	t, err := template.New(key).Funcs(Funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("statement: parse template %q: %w", key, err)
	}
	return &Template{Key: key, tmpl: t}, nil
}

// MustTemplate is like NewTemplate but panics if the template cannot be parsed.
func MustTemplate(key, text string) *Template {
	t, err := NewTemplate(key, text)
	if err != nil {
		panic(err)
	}
	return t
}

// Render executes the template with vars and returns the resulting text.
func (t *Template) Render(vars any) (string, error) {
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("statement: render template %q: %w", t.Key, err)
	}
	return sb.String(), nil
}
