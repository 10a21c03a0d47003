package migrate

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"
)

var (
	headerRe    = regexp.MustCompile(`^-- *## `)
	migrationRe = regexp.MustCompile(`## +migration +([^ ]*) +(.*)`)
)

// dateLayouts are the accepted migration date formats. Dates without a
// zone are UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate parses a migration date.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid migration date %q", s)
}

// ParseError reports a malformed migration file.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("migrate: %s: line %d: %s", e.File, e.Line, e.Msg)
}

// ParseMigrations reads migrations from r. Each migration starts with a
// header line
//
//	-- ## migration 2014-11-11T01:24 Create classroom
//
// and runs until the next header. Comments and blank lines before the
// first header are skipped, anything else there is an error. Trailing
// comments and blank lines of a migration are dropped. The header line is
// kept as the first line of the migration text, which is a template.
func ParseMigrations(r io.Reader, name string) ([]Migration, error) {
	var (
		migrations []Migration
		cur        *Migration
		lines      []string
		lineNum    int
	)
	flush := func() {
		if cur != nil {
			cur.SQL = trimTrailing(lines)
			migrations = append(migrations, *cur)
		}
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if cur == nil {
			line = strings.TrimSpace(line)
		}
		if headerRe.MatchString(line) {
			flush()
			m, err := parseHeader(line)
			if err != nil {
				return nil, &ParseError{File: name, Line: lineNum, Msg: "unable to parse migration header: " + err.Error()}
			}
			cur, lines = &m, []string{line}
			continue
		}
		if cur == nil {
			if line == "" || isComment(line) {
				continue
			}
			return nil, &ParseError{File: name, Line: lineNum, Msg: "unexpected characters before migration header: " + line}
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("migrate: read %s: %w", name, err)
	}
	flush()
	return migrations, nil
}

func parseHeader(line string) (Migration, error) {
	match := migrationRe.FindStringSubmatch(line)
	if match == nil {
		return Migration{}, fmt.Errorf("expected \"## migration <date> <description>\"")
	}
	date, err := ParseDate(match[1])
	if err != nil {
		return Migration{}, err
	}
	desc := strings.TrimSpace(match[2])
	if desc == "" {
		return Migration{}, fmt.Errorf("missing description")
	}
	return Migration{Date: date, Description: desc, Template: true}, nil
}

func isComment(line string) bool {
	return strings.HasPrefix(line, "--")
}

// trimTrailing joins lines without trailing comments and blanks. A
// migration made only of comments is kept whole.
func trimTrailing(lines []string) string {
	n := len(lines)
	for n > 0 && (strings.TrimSpace(lines[n-1]) == "" || isComment(lines[n-1])) {
		n--
	}
	if n == 0 {
		n = len(lines)
	}
	return strings.Join(lines[:n], "\n")
}

// LoadMigrations parses the migration file at name, or every .sql file of
// the directory name in lexical order, and registers the migrations for
// schema. Finding no migrations is an error.
func (r *Runner) LoadMigrations(fsys fs.FS, name, schema string) (int, error) {
	files := []string{name}
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return 0, fmt.Errorf("migrate: load migrations: %w", err)
	}
	if info.IsDir() {
		entries, err := fs.ReadDir(fsys, name)
		if err != nil {
			return 0, fmt.Errorf("migrate: load migrations: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
				files = append(files, path.Join(name, e.Name()))
			}
		}
		slices.Sort(files)
	}
	var all []Migration
	for _, file := range files {
		migs, err := parseFile(fsys, file)
		if err != nil {
			return 0, err
		}
		all = append(all, migs...)
	}
	if len(all) == 0 {
		return 0, fmt.Errorf("migrate: no migrations found: %s", name)
	}
	if err := r.Add(schema, all...); err != nil {
		return 0, err
	}
	return len(all), nil
}

func parseFile(fsys fs.FS, name string) ([]Migration, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("migrate: load migrations: %w", err)
	}
	defer f.Close()
	return ParseMigrations(f, name)
}
