package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/syssam/storekit/client"
	"github.com/syssam/storekit/config"
	"github.com/syssam/storekit/layout"
	"github.com/syssam/storekit/migrate"
)

type app struct {
	stdout, stderr io.Writer
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	a := &app{stdout: stdout, stderr: stderr}
	return &cli.Command{
		Name:      "storekit",
		Usage:     "Manage storekit stores and migrations",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", Sources: cli.EnvVars("STOREKIT_CONFIG")},
			&cli.StringFlag{Name: "env-prefix", Value: config.DefaultPrefix, Usage: "prefix of the environment variables"},
			&cli.StringSliceFlag{Name: "env-file", Usage: "dotenv files read before the environment"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Commands: []*cli.Command{
			a.ensureCommand(),
			a.dropCommand(),
			a.migrateCommand(),
			a.statusCommand(),
			a.describeCommand(),
			a.infoCommand(),
		},
	}
}

func (a *app) loadConfig(cmd *cli.Command) (*config.Config, error) {
	prefix, files := cmd.String("env-prefix"), cmd.StringSlice("env-file")
	if path := cmd.String("config"); path != "" {
		return config.LoadFile(path, prefix, files...)
	}
	return config.Load(prefix, files...)
}

// withClient opens a client from the configuration and closes it after fn.
func (a *app) withClient(ctx context.Context, cmd *cli.Command, fn func(*config.Config, *client.Client) error) (err error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := client.Open(cfg.Database, nil,
		client.WithLogger(cfg.Logger(a.stderr)),
		client.WithStatementTimeout(cfg.StatementTimeout),
	)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, c.Close()) }()
	return fn(cfg, c)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) ensureCommand() *cli.Command {
	return &cli.Command{
		Name:      "ensure",
		Usage:     "Create or extend the stores of a specs file",
		ArgsUsage: "[specs.yaml]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.withClient(ctx, cmd, func(cfg *config.Config, c *client.Client) error {
				if cmd.NArg() > 0 {
					cfg.Specs = cmd.Args().First()
				}
				if cfg.Specs == "" {
					return errors.New("no specs file given")
				}
				data, err := os.ReadFile(cfg.Specs)
				if err != nil {
					return err
				}
				specs, err := migrate.ParseSpecs(data)
				if err != nil {
					return err
				}
				m, err := migrate.New(c, migrate.WithLogger(c.Logger()))
				if err != nil {
					return err
				}
				if err := m.EnsureStores(ctx, specs); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%d stores ensured\n", len(specs))
				return nil
			})
		},
	}
}

func (a *app) dropCommand() *cli.Command {
	return &cli.Command{
		Name:      "drop",
		Usage:     "Drop a namespace with its stores",
		ArgsUsage: "<namespace>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "confirm the drop"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ns := cmd.Args().First()
			if ns == "" {
				return errors.New("no namespace given")
			}
			if !cmd.Bool("yes") {
				return fmt.Errorf("refusing to drop %s without --yes", ns)
			}
			return a.withClient(ctx, cmd, func(_ *config.Config, c *client.Client) error {
				m, err := migrate.New(c, migrate.WithLogger(c.Logger()))
				if err != nil {
					return err
				}
				if err := m.DropNamespace(ctx, ns); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "namespace %s dropped\n", ns)
				return nil
			})
		},
	}
}

var migrationFlags = []cli.Flag{
	&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "migration file or directory"},
	&cli.StringFlag{Name: "schema", Aliases: []string{"s"}, Usage: "schema recording the migrations"},
}

// runner loads the migrations named by the flags or the configuration.
func (a *app) runner(cmd *cli.Command, cfg *config.Config, c *client.Client) (*migrate.Runner, error) {
	dir, schema := cfg.Migrations, cfg.MigrationSchema
	if v := cmd.String("dir"); v != "" {
		dir = v
	}
	if v := cmd.String("schema"); v != "" {
		schema = v
	}
	if dir == "" {
		return nil, errors.New("no migrations given")
	}
	r, err := migrate.NewRunner(c, migrate.WithLogger(c.Logger()))
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if _, err := r.LoadMigrations(os.DirFS(filepath.Dir(abs)), filepath.Base(abs), schema); err != nil {
		return nil, err
	}
	return r, nil
}

func (a *app) migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending migrations",
		Flags: migrationFlags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.withClient(ctx, cmd, func(cfg *config.Config, c *client.Client) error {
				r, err := a.runner(cmd, cfg, c)
				if err != nil {
					return err
				}
				n, err := r.RunPending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%d migrations applied\n", n)
				return nil
			})
		},
	}
}

func (a *app) statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the state of every migration",
		Flags: migrationFlags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.withClient(ctx, cmd, func(cfg *config.Config, c *client.Client) error {
				r, err := a.runner(cmd, cfg, c)
				if err != nil {
					return err
				}
				st, err := r.Status(ctx)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return a.printJSON(st)
				}
				a.printStatus(st)
				return nil
			})
		},
	}
}

func (a *app) printStatus(st []migrate.MigrationStatus) {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCHEMA\tDATE\tSTATE\tDESCRIPTION")
	for _, s := range st {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Schema, s.Date.Format(time.DateTime), s.State, s.Description)
	}
	w.Flush()
}

func (a *app) describeCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Show the live columns of a store",
		ArgsUsage: "<store>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verify", Usage: "compare the live table with the saved spec"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return errors.New("no store given")
			}
			return a.withClient(ctx, cmd, func(_ *config.Config, c *client.Client) error {
				if cmd.Bool("verify") {
					return a.verify(ctx, cmd, c, name)
				}
				lm, err := layout.New(c)
				if err != nil {
					return err
				}
				cols, err := lm.Columns(ctx, name)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return a.printJSON(cols)
				}
				w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "COLUMN\tTYPE\tNULL\tDEFAULT\tFIELD")
				for _, col := range cols {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", col.Name, col.DataType, col.Nullable, col.Default, col.Field())
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) verify(ctx context.Context, cmd *cli.Command, c *client.Client, name string) error {
	m, err := migrate.New(c, migrate.WithLogger(c.Logger()))
	if err != nil {
		return err
	}
	res, err := m.Verify(ctx, name)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		if err := a.printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(a.stdout, res.String())
	}
	if res.HasErrors() {
		return fmt.Errorf("store %s drifted from its spec", name)
	}
	return nil
}

func (a *app) infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the cleansed connection and pool usage",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.withClient(ctx, cmd, func(_ *config.Config, c *client.Client) error {
				if _, err := c.Query(ctx, "SELECT 1"); err != nil {
					return err
				}
				st := c.Status()
				if cmd.Bool("json") {
					return a.printJSON(st)
				}
				fmt.Fprintf(a.stdout, "connection: %s\nopen: %d\nin use: %d\nidle: %d\n",
					st.Connection, st.Pool.Open, st.Pool.InUse, st.Pool.Idle)
				return nil
			})
		},
	}
}
