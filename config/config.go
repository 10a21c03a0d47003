// Package config loads the connection and runtime settings of storekit
// programs from YAML files, .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/syssam/storekit/dialect"
	"github.com/syssam/storekit/dialect/sql"
)

// DefaultPrefix is the prefix of the environment variables read by Load.
const DefaultPrefix = "STOREKIT_"

// Config is the configuration of a storekit program.
type Config struct {
	Database sql.PoolConfig `yaml:"database"`
	// StatementTimeout bounds every statement. Zero means no bound.
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	Log              LogConfig     `yaml:"log"`
	// Specs is a YAML file of store specs keyed by store name.
	Specs string `yaml:"specs"`
	// Migrations is a migration file or a directory of them.
	Migrations string `yaml:"migrations"`
	// MigrationSchema is the schema whose ledger records the migrations.
	MigrationSchema string `yaml:"migration_schema"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database:        sql.DefaultPoolConfig(),
		Log:             LogConfig{Level: "info", Format: "text"},
		MigrationSchema: "public",
	}
}

// Load returns the default configuration overridden by the environment.
// Variables are read from envFiles as well, or from ./.env when none are
// given; the process environment wins over the files.
func Load(prefix string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(prefix, envFiles...); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML configuration file and applies the environment over
// it as Load does.
func LoadFile(path, prefix string, envFiles ...string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(prefix, envFiles...); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// lookupFunc resolves an environment variable.
type lookupFunc func(key string) (string, bool)

func envLookup(envFiles []string) (lookupFunc, error) {
	files := envFiles
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	vars := map[string]string{}
	if len(files) > 0 {
		var err error
		if vars, err = godotenv.Read(files...); err != nil {
			return nil, fmt.Errorf("config: read env files: %w", err)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides cfg with the variables <prefix>HOST, PORT, USER,
// PASSWORD, DATABASE, URL, SSLMODE, DIALECT, POOL_SIZE, ACQUIRE_TIMEOUT,
// STATEMENT_TIMEOUT, LOG_LEVEL, LOG_FORMAT, SPECS, MIGRATIONS and
// MIGRATION_SCHEMA. Empty variables are ignored.
func (c *Config) ApplyEnv(prefix string, envFiles ...string) error {
	lookup, err := envLookup(envFiles)
	if err != nil {
		return err
	}
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(prefix + name)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", prefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", prefix, name, err))
				return
			}
			*dst = d
		}
	}
	db := &c.Database
	str("DIALECT", &db.Dialect)
	str("URL", &db.URL)
	str("HOST", &db.Host)
	num("PORT", &db.Port)
	str("USER", &db.User)
	str("PASSWORD", &db.Password)
	str("DATABASE", &db.Database)
	str("SSLMODE", &db.SSLMode)
	num("POOL_SIZE", &db.PoolSize)
	dur("ACQUIRE_TIMEOUT", &db.AcquireTimeout)
	dur("STATEMENT_TIMEOUT", &c.StatementTimeout)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SPECS", &c.Specs)
	str("MIGRATIONS", &c.Migrations)
	str("MIGRATION_SCHEMA", &c.MigrationSchema)
	return errors.Join(errs...)
}

// parseDuration accepts Go durations and bare milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// Validate checks the dialect and the log settings.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case dialect.Postgres, dialect.MySQL, dialect.SQLite:
	default:
		return fmt.Errorf("config: unsupported dialect %q", c.Database.Dialect)
	}
	if c.Database.PoolSize < 0 {
		return fmt.Errorf("config: negative pool size %d", c.Database.PoolSize)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

// Logger returns a logger writing to w with the configured level and
// format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, err := c.Log.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ReadSpecs returns the contents of the specs file, or nil when none is
// configured.
func (c *Config) ReadSpecs(fsys fs.FS) ([]byte, error) {
	if c.Specs == "" {
		return nil, nil
	}
	data, err := fs.ReadFile(fsys, c.Specs)
	if err != nil {
		return nil, fmt.Errorf("config: read specs: %w", err)
	}
	return data, nil
}
