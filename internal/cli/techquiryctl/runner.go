package techquiryctl

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/techquiry/techquiry/internal/config"
	"github.com/techquiry/techquiry/internal/database"
	"github.com/techquiry/techquiry/internal/export"
	"github.com/techquiry/techquiry/internal/schema"
	"github.com/techquiry/techquiry/internal/scripts"
	"github.com/techquiry/techquiry/internal/sqlrunner"
	"github.com/techquiry/techquiry/internal/storage"
	s3store "github.com/techquiry/techquiry/internal/storage/s3"
)

type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Observer receives runner events, for example process metrics.
	Observer sqlrunner.Observer
	// Store replaces the configured object store.
	Store  storage.ObjectStore
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type cli struct {
	cfg      config.Config
	logger   *slog.Logger
	observer sqlrunner.Observer
	store    storage.ObjectStore
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
}

// Run executes one techquiryctl command and returns the process exit code:
// 0 on success, 1 when the command fails and 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	c := &cli{
		cfg:      defaults.Config,
		logger:   defaults.Logger,
		observer: defaults.Observer,
		store:    defaults.Store,
		stdin:    defaults.Stdin,
		stdout:   defaults.Stdout,
		stderr:   defaults.Stderr,
	}
	if c.stdout == nil {
		c.stdout = io.Discard
	}
	if c.stderr == nil {
		c.stderr = io.Discard
	}
	if c.stdin == nil {
		c.stdin = strings.NewReader("")
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	flags := flag.NewFlagSet("techquiryctl", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	driver := flags.String("driver", c.cfg.Database.Driver, "database driver (sqlite, pgx, duckdb)")
	dsn := flags.String("dsn", c.cfg.Database.DSN, "database DSN")
	source := flags.String("scripts", c.cfg.Scripts.Source, "script source (embedded, dir, s3)")
	dir := flags.String("scripts-dir", c.cfg.Scripts.Dir, "script root for the dir source")
	flags.Usage = func() { writeUsage(c.stderr) }

	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() < 1 {
		writeUsage(c.stderr)
		return 2
	}
	c.cfg.Database.Driver = *driver
	c.cfg.Database.DSN = *dsn
	c.cfg.Scripts.Source = strings.ToLower(strings.TrimSpace(*source))
	c.cfg.Scripts.Dir = *dir

	command := strings.TrimSpace(flags.Arg(0))
	rest := flags.Args()[1:]
	switch command {
	case "exec":
		return c.exec(ctx, rest)
	case "run":
		return c.run(ctx, rest)
	case "check":
		return c.check(ctx, rest)
	case "schema":
		return c.schema(ctx, rest)
	case "list":
		return c.list(ctx, rest)
	case "publish":
		return c.publish(ctx, rest)
	default:
		_, _ = fmt.Fprintf(c.stderr, "unknown command %q\n\n", command)
		writeUsage(c.stderr)
		return 2
	}
}

type outputFlags struct {
	params paramList
	format string
	out    string
}

func (o *outputFlags) register(flags *flag.FlagSet) {
	flags.Var(&o.params, "param", "bind parameter, repeatable; prefix with str:, int:, float:, bool:, time: or null: to force a type")
	flags.StringVar(&o.format, "format", string(export.FormatTable), "output format (table, jsonl, parquet)")
	flags.StringVar(&o.out, "out", "", "write result rows to this file instead of stdout")
}

func (c *cli) exec(ctx context.Context, args []string) int {
	flags := c.subcommand("exec")
	var output outputFlags
	output.register(flags)
	if err := flags.Parse(args); err != nil {
		return 2
	}
	sqlText := strings.TrimSpace(strings.Join(flags.Args(), " "))
	if sqlText == "" {
		_, _ = fmt.Fprintln(c.stderr, "usage: techquiryctl exec [-param value]... [-format table|jsonl|parquet] <sql>")
		return 2
	}
	format, err := export.ParseFormat(output.format)
	if err != nil {
		return c.fail("exec", err)
	}

	session, err := c.open(ctx, false)
	if err != nil {
		return c.fail("exec", err)
	}
	defer session.close()

	outcome, err := session.runner.RunStatement(ctx, sqlText, output.params...)
	if err != nil {
		return c.fail("exec", err)
	}
	return c.writeResults("exec", sqlrunner.Results{outcome}, format, output.out)
}

func (c *cli) run(ctx context.Context, args []string) int {
	flags := c.subcommand("run")
	var output outputFlags
	output.register(flags)
	file := flags.String("file", "", "read the script from this file, or - for stdin")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	name := strings.TrimSpace(flags.Arg(0))
	if (*file == "") == (name == "") || flags.NArg() > 1 {
		_, _ = fmt.Fprintln(c.stderr, "usage: techquiryctl run [-param value]... [-format table|jsonl|parquet] (-file path | <script>)")
		return 2
	}
	format, err := export.ParseFormat(output.format)
	if err != nil {
		return c.fail("run", err)
	}

	session, err := c.open(ctx, name != "")
	if err != nil {
		return c.fail("run", err)
	}
	defer session.close()

	var results sqlrunner.Results
	if name != "" {
		results, err = session.runner.RunScript(ctx, name, output.params...)
	} else {
		results, err = c.withScriptFile(*file, func(rd io.Reader) (sqlrunner.Results, error) {
			return session.runner.RunReader(ctx, rd, output.params...)
		})
	}
	if err != nil {
		return c.fail("run", err)
	}
	return c.writeResults("run", results, format, output.out)
}

func (c *cli) check(ctx context.Context, args []string) int {
	flags := c.subcommand("check")
	file := flags.String("file", "", "read the script from this file, or - for stdin")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	name := strings.TrimSpace(flags.Arg(0))
	if (*file == "") == (name == "") || flags.NArg() > 1 {
		_, _ = fmt.Fprintln(c.stderr, "usage: techquiryctl check (-file path | <script>)")
		return 2
	}

	session, err := c.open(ctx, name != "")
	if err != nil {
		return c.fail("check", err)
	}
	defer session.close()

	var statements []sqlrunner.Statement
	if name != "" {
		statements, err = session.runner.CheckScript(ctx, name)
	} else {
		var rc io.ReadCloser
		rc, err = c.openScriptFile(*file)
		if err == nil {
			statements, err = session.runner.CheckReader(ctx, rc)
			_ = rc.Close()
		}
	}
	if err != nil {
		return c.fail("check", err)
	}

	params := 0
	for _, statement := range statements {
		params += statement.Placeholders
		_, _ = fmt.Fprintf(c.stdout, "%d\t%d\t%s\n", statement.Ordinal, statement.Placeholders, oneLine(statement.Text))
	}
	_, _ = fmt.Fprintf(c.stderr, "ok: %d statements, %d params\n", len(statements), params)
	return 0
}

func (c *cli) schema(ctx context.Context, args []string) int {
	flags := c.subcommand("schema")
	file := flags.String("file", "", "apply this schema file instead of the script source's schema.sql")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	var (
		source sqlrunner.ScriptSource
		name   = scripts.Schema
	)
	if *file != "" {
		source = sqlrunner.FSSource{FS: os.DirFS(filepath.Dir(*file))}
		name = filepath.Base(*file)
	}

	session, err := c.open(ctx, source == nil)
	if err != nil {
		return c.fail("schema", err)
	}
	defer session.close()
	if source == nil {
		source = session.scripts
	}

	applied, err := schema.NewInitializer(session.db, session.runner, source, name, c.logger).Apply(ctx)
	if err != nil {
		return c.fail("schema", err)
	}
	_, _ = fmt.Fprintf(c.stderr, "schema applied: %d statements\n", applied)
	return 0
}

func (c *cli) list(ctx context.Context, args []string) int {
	flags := c.subcommand("list")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	source, err := c.scriptSource(ctx)
	if err != nil {
		return c.fail("list", err)
	}
	names, err := source.List(ctx)
	if err != nil {
		return c.fail("list", err)
	}
	for _, name := range names {
		_, _ = fmt.Fprintln(c.stdout, name)
	}
	return 0
}

func (c *cli) publish(ctx context.Context, args []string) int {
	flags := c.subcommand("publish")
	dir := flags.String("dir", "", "publish scripts from this directory instead of the embedded root")
	prune := flags.Bool("prune", false, "delete published scripts that the local root no longer holds")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	store, err := c.objectStore(ctx)
	if err != nil {
		return c.fail("publish", err)
	}
	var fsys fs.FS = scripts.FS()
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	uploaded, err := storage.Publish(ctx, store, fsys)
	for _, key := range uploaded {
		_, _ = fmt.Fprintln(c.stdout, key)
	}
	if err != nil {
		return c.fail("publish", err)
	}
	if !*prune {
		_, _ = fmt.Fprintf(c.stderr, "published %d scripts\n", len(uploaded))
		return 0
	}

	deleted, err := storage.Prune(ctx, store, fsys)
	for _, key := range deleted {
		_, _ = fmt.Fprintf(c.stdout, "deleted %s\n", key)
	}
	if err != nil {
		return c.fail("publish", err)
	}
	_, _ = fmt.Fprintf(c.stderr, "published %d scripts, deleted %d\n", len(uploaded), len(deleted))
	return 0
}

var createOutput = func(name string) (io.WriteCloser, error) {
	return os.Create(name)
}

type session struct {
	db      *sql.DB
	runner  *sqlrunner.Runner
	scripts sqlrunner.ScriptSource
}

func (s *session) close() {
	_ = s.db.Close()
}

// open connects to the database. The script source is only resolved when
// the command loads scripts by name.
func (c *cli) open(ctx context.Context, withScripts bool) (*session, error) {
	dialect, err := database.DialectFor(c.cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	opts := sqlrunner.Options{
		Dialect:        dialect,
		Logger:         c.logger,
		Observer:       c.observer,
		AcquireTimeout: c.cfg.Database.AcquireTimeout,
	}
	if withScripts {
		if err := config.CheckScriptsDriver(dialect.Name, c.cfg.Scripts.Source); err != nil {
			return nil, err
		}
		source, err := c.scriptSource(ctx)
		if err != nil {
			return nil, err
		}
		opts.Scripts = source
	}
	db, err := database.Open(ctx, database.ConfigFrom(c.cfg.Database))
	if err != nil {
		return nil, err
	}
	return &session{db: db, runner: sqlrunner.New(db, opts), scripts: opts.Scripts}, nil
}

func (c *cli) scriptSource(ctx context.Context) (scripts.Source, error) {
	var store storage.ObjectStore
	if c.cfg.Scripts.Source == config.ScriptsS3 {
		var err error
		if store, err = c.objectStore(ctx); err != nil {
			return scripts.Source{}, err
		}
	}
	return scripts.NewSource(c.cfg.Scripts, store, c.logger)
}

func (c *cli) objectStore(ctx context.Context) (storage.ObjectStore, error) {
	if c.store != nil {
		return c.store, nil
	}
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         c.cfg.ObjectStore.Endpoint,
		Region:           c.cfg.ObjectStore.Region,
		Bucket:           c.cfg.ObjectStore.Bucket,
		AccessKeyID:      c.cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  c.cfg.ObjectStore.SecretAccessKey,
		UseSSL:           c.cfg.ObjectStore.UseSSL,
		Prefix:           c.cfg.ObjectStore.Prefix,
		AutoCreateBucket: c.cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize object store: %w", err)
	}
	c.store = store
	return store, nil
}

func (c *cli) openScriptFile(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(c.stdin), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &sqlrunner.LoadError{Script: path, Ordinal: -1, Err: err}
	}
	return file, nil
}

func (c *cli) withScriptFile(path string, fn func(io.Reader) (sqlrunner.Results, error)) (sqlrunner.Results, error) {
	rc, err := c.openScriptFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return fn(rc)
}

// writeResults exports every row stream in statement order and closes the
// results.
func (c *cli) writeResults(command string, results sqlrunner.Results, format export.Format, out string) int {
	defer func() { _ = results.Close() }()

	if format == export.FormatParquet && results.Streams() > 1 {
		return c.fail(command, fmt.Errorf("parquet output holds one result set, got %d", results.Streams()))
	}

	w := c.stdout
	var file io.WriteCloser
	if out != "" {
		var err error
		file, err = createOutput(out)
		if err != nil {
			return c.fail(command, fmt.Errorf("create output file: %w", err))
		}
		defer func() {
			if file != nil {
				_ = file.Close()
			}
		}()
		w = file
	}

	rows := 0
	written := 0
	for i, outcome := range results {
		if !outcome.HasRows() {
			continue
		}
		if written > 0 && format == export.FormatTable {
			_, _ = fmt.Fprintln(w)
		}
		n, err := export.Write(w, format, outcome.Rows())
		rows += n
		if err != nil {
			return c.fail(command, fmt.Errorf("write rows of statement %d: %w", i, err))
		}
		if err := outcome.Close(); err != nil {
			return c.fail(command, err)
		}
		written++
	}
	if file != nil {
		err := file.Close()
		file = nil
		if err != nil {
			return c.fail(command, fmt.Errorf("close output file: %w", err))
		}
	}
	_, _ = fmt.Fprintf(c.stderr, "%d statements, %d rows\n", len(results), rows)
	return 0
}

func (c *cli) subcommand(name string) *flag.FlagSet {
	flags := flag.NewFlagSet("techquiryctl "+name, flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	return flags
}

func (c *cli) fail(command string, err error) int {
	_, _ = fmt.Fprintf(c.stderr, "%s failed: %s\n", command, describe(err))
	return 1
}

func describe(err error) string {
	var arityErr *sqlrunner.ArityError
	switch {
	case errors.As(err, &arityErr):
		return "parameter mismatch: " + err.Error()
	case errors.Is(err, sqlrunner.ErrExecute):
		return "execute error: " + err.Error()
	case errors.Is(err, sqlrunner.ErrLoad):
		return "load error: " + err.Error()
	default:
		return err.Error()
	}
}

func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: techquiryctl [flags] <command> [command flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  exec <sql>        run one statement")
	_, _ = fmt.Fprintln(w, "  run <script>      run a named script, or -file path")
	_, _ = fmt.Fprintln(w, "  check <script>    load a script without running it")
	_, _ = fmt.Fprintln(w, "  schema            apply the schema script")
	_, _ = fmt.Fprintln(w, "  list              list the scripts of the configured source")
	_, _ = fmt.Fprintln(w, "  publish           upload scripts to the object store, -prune deletes stale ones")
}
