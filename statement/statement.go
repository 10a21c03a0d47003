// Package statement compiles named SQL statements and SQL templates into
// positional statements ready for execution.
//
// A statement file may declare named parameters in comments:
//
//	-- $1: name
//	-- $2: spec
//	INSERT INTO storekit.spec (name, spec) VALUES ($1, $2);
//
// and can then be bound either with PositionalArgs or with NamedArgs, whose
// values are looked up by the declared dotted key paths.
package statement

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/syssam/storekit"
)

var (
	namedParamRe  = regexp.MustCompile(`(?m)\$([0-9]+):\ *([a-zA-Z_\.\$]+)`)
	splitRe       = regexp.MustCompile(`(?m);\s*$`)
	placeholderRe = regexp.MustCompile(`\$([0-9]+)`)
	commentRe     = regexp.MustCompile(`--[^\n]*`)
)

// ParseNamedParams returns the parameter names declared in text. The name
// for placeholder $n is at index n-1; undeclared positions are empty.
func ParseNamedParams(text string) []string {
	var params []string
	for _, m := range namedParamRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		for len(params) < n {
			params = append(params, "")
		}
		params[n-1] = m[2]
	}
	return params
}

// Statement is a compiled SQL statement.
type Statement struct {
	Key    string
	Text   string
	Params []string
}

// New compiles text into a Statement registered under key.
func New(key, text string) *Statement {
	return &Statement{Key: key, Text: text, Params: ParseNamedParams(text)}
}

// Part is one statement of a multi-statement text.
type Part struct {
	Text string
	// NumArgs is the highest $n placeholder referenced outside comments.
	NumArgs int
}

// Split breaks the text into statements at semicolons ending a line.
// Empty statements are dropped.
func (s *Statement) Split() []Part {
	pieces := splitRe.Split(s.Text, -1)
	parts := make([]Part, 0, len(pieces))
	for _, p := range pieces {
		if strings.TrimSpace(p) == "" {
			continue
		}
		parts = append(parts, Part{Text: p, NumArgs: maxPlaceholder(p)})
	}
	return parts
}

func maxPlaceholder(text string) int {
	highest := 0
	for _, m := range placeholderRe.FindAllStringSubmatch(commentRe.ReplaceAllString(text, ""), -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// ArgsFor returns the subset of binds a part of a multi-statement text
// receives. A statement with a single part receives all binds.
func ArgsFor(parts []Part, i int, binds []any) []any {
	if len(parts) == 1 {
		return binds
	}
	return binds[:min(parts[i].NumArgs, len(binds))]
}

// Args is the value bound to a statement: PositionalArgs or NamedArgs.
type Args interface {
	bind(s *Statement) ([]any, error)
}

// PositionalArgs binds values in placeholder order.
type PositionalArgs []any

// Positional returns its arguments as PositionalArgs.
func Positional(v ...any) PositionalArgs { return PositionalArgs(v) }

func (a PositionalArgs) bind(*Statement) ([]any, error) {
	if a == nil {
		return []any{}, nil
	}
	return []any(a), nil
}

// NamedArgs binds values by the parameter names the statement declares.
type NamedArgs map[string]any

func (a NamedArgs) bind(s *Statement) ([]any, error) {
	if len(s.Params) == 0 {
		return nil, fmt.Errorf("%w: %s", storekit.ErrNoNamedParams, s.Key)
	}
	binds := make([]any, len(s.Params))
	for i, name := range s.Params {
		if name == "" {
			continue
		}
		v, ok := lookup(a, name)
		if (!ok || v == nil) && strings.HasSuffix(name, "Id") && len(name) > 2 {
			v, _ = lookup(a, name[:len(name)-2]+".id")
		}
		binds[i] = v
	}
	return binds, nil
}

// Bind resolves args into the positional values for the statement.
func (s *Statement) Bind(args Args) ([]any, error) {
	if args == nil {
		return []any{}, nil
	}
	return args.bind(s)
}

// lookup resolves a dotted key path against nested string keyed maps.
func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case NamedArgs:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			rv := reflect.ValueOf(cur)
			if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
				return nil, false
			}
			v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
			if !v.IsValid() {
				return nil, false
			}
			cur = v.Interface()
		}
	}
	return cur, true
}
