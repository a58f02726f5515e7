package sqlrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	EntryStatement = "statement"
	EntryScript    = "script"
	EntryCheck     = "check"

	PhaseLoad    = "load"
	PhaseExecute = "execute"

	inlineScript = "<inline>"
	streamScript = "<stream>"
)

// Dialect describes how statements are compiled for a driver.
type Dialect struct {
	Name      string
	BindStyle BindStyle
	// ExplainOnLoad compiles every statement with EXPLAIN during the load
	// phase, for drivers whose Prepare defers compilation to the first step.
	ExplainOnLoad bool
	// ReturnsRows asks the driver connection whether text yields a result
	// set. Statements it rejects run through Exec and report no result. When
	// nil, a statement has a result exactly when it reports columns.
	ReturnsRows func(ctx context.Context, driverConn any, text string) (bool, error)
}

// Observer receives per-statement and per-call events.
type Observer interface {
	ObserveStatement(phase string, err error)
	ObserveRun(entry string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveStatement(string, error) {}

func (nopObserver) ObserveRun(string, time.Duration, error) {}

type Options struct {
	Dialect Dialect
	Scripts ScriptSource
	Logger  *slog.Logger
	// Observer defaults to a no-op.
	Observer Observer
	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration
}

// Conn is the part of *sql.Conn and *sql.Tx the runner needs.
type Conn interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// rawConn exposes the driver connection, as *sql.Conn does.
type rawConn interface {
	Raw(f func(driverConn any) error) error
}

// Runner loads SQL scripts and runs their statements in order on one
// connection. Without a transaction every statement commits on its own;
// InTx hands commit and rollback to the caller.
type Runner struct {
	db             *sql.DB
	tx             *sql.Tx
	raw            rawConn
	dialect        Dialect
	scripts        ScriptSource
	logger         *slog.Logger
	observer       Observer
	acquireTimeout time.Duration
}

func New(db *sql.DB, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Runner{
		db:             db,
		dialect:        opts.Dialect,
		scripts:        opts.Scripts,
		logger:         logger,
		observer:       observer,
		acquireTimeout: opts.AcquireTimeout,
	}
}

// InTx returns a runner bound to tx. Statements run inside the transaction
// and nothing is committed or rolled back by the runner.
func (r *Runner) InTx(tx *sql.Tx) *Runner {
	bound := *r
	bound.tx = tx
	bound.raw = nil
	return &bound
}

// InConnTx is InTx for a transaction begun on conn. Dialects that classify
// statements through the driver connection need it.
func (r *Runner) InConnTx(conn *sql.Conn, tx *sql.Tx) *Runner {
	bound := r.InTx(tx)
	if conn != nil {
		bound.raw = conn
	}
	return bound
}

type script struct {
	name string
	text string
}

type loadedStatement struct {
	Statement
	stmt *sql.Stmt
	exec bool
}

// RunStatement runs sqlText as a one-statement script and returns its outcome.
// Any failure, including one raised while preparing, is an *ExecuteError; a
// prepare failure keeps its *LoadError as the cause.
func (r *Runner) RunStatement(ctx context.Context, sqlText string, params ...any) (Outcome, error) {
	start := time.Now()
	outcome, err := r.runStatement(ctx, sqlText, params)
	r.observer.ObserveRun(EntryStatement, time.Since(start), err)
	return outcome, err
}

func (r *Runner) runStatement(ctx context.Context, sqlText string, params []any) (Outcome, error) {
	src := script{name: inlineScript, text: sqlText}
	statements := Split(src.text)
	if len(statements) != 1 {
		err := &LoadError{
			Script:    src.name,
			Ordinal:   0,
			Statement: strings.TrimSpace(sqlText),
			Err:       fmt.Errorf("expected exactly one statement, found %d", len(statements)),
		}
		return Outcome{}, &ExecuteError{Script: src.name, Ordinal: 0, Statement: err.Statement, Err: err}
	}

	results, err := r.run(ctx, src, statements, params)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			return Outcome{}, &ExecuteError{Script: src.name, Ordinal: 0, Statement: statements[0].Text, Err: err}
		}
		return Outcome{}, err
	}
	return results[0], nil
}

// RunScript reads the named script from the script source and runs it.
func (r *Runner) RunScript(ctx context.Context, name string, params ...any) (Results, error) {
	start := time.Now()
	results, err := r.runNamed(ctx, name, params)
	r.observer.ObserveRun(EntryScript, time.Since(start), err)
	return results, err
}

func (r *Runner) runNamed(ctx context.Context, name string, params []any) (Results, error) {
	src, err := r.readNamed(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, src, Split(src.text), params)
}

// RunReader runs the script read from rd.
func (r *Runner) RunReader(ctx context.Context, rd io.Reader, params ...any) (Results, error) {
	start := time.Now()
	results, err := r.runReader(ctx, rd, params)
	r.observer.ObserveRun(EntryScript, time.Since(start), err)
	return results, err
}

func (r *Runner) runReader(ctx context.Context, rd io.Reader, params []any) (Results, error) {
	src, err := readScript(streamScript, rd)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, src, Split(src.text), params)
}

// CheckScript runs only the load phase of the named script.
func (r *Runner) CheckScript(ctx context.Context, name string) ([]Statement, error) {
	start := time.Now()
	statements, err := r.checkNamed(ctx, name)
	r.observer.ObserveRun(EntryCheck, time.Since(start), err)
	return statements, err
}

func (r *Runner) checkNamed(ctx context.Context, name string) ([]Statement, error) {
	src, err := r.readNamed(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.check(ctx, src)
}

// CheckReader runs only the load phase of the script read from rd.
func (r *Runner) CheckReader(ctx context.Context, rd io.Reader) ([]Statement, error) {
	start := time.Now()
	src, err := readScript(streamScript, rd)
	var statements []Statement
	if err == nil {
		statements, err = r.check(ctx, src)
	}
	r.observer.ObserveRun(EntryCheck, time.Since(start), err)
	return statements, err
}

func (r *Runner) check(ctx context.Context, src script) ([]Statement, error) {
	statements := Split(src.text)
	conn, release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	loaded, err := r.load(ctx, conn, src, statements)
	if err != nil {
		return nil, err
	}
	closeStatements(loaded)
	return statements, nil
}

func (r *Runner) readNamed(ctx context.Context, name string) (script, error) {
	if r.scripts == nil {
		return script{}, &LoadError{Script: name, Ordinal: -1, Err: errors.New("no script source configured")}
	}
	rc, err := r.scripts.Open(ctx, name)
	if err != nil {
		return script{}, &LoadError{Script: name, Ordinal: -1, Err: err}
	}
	src, err := readScript(name, rc)
	if closeErr := rc.Close(); closeErr != nil && err == nil {
		return script{}, &LoadError{Script: name, Ordinal: -1, Err: fmt.Errorf("close script: %w", closeErr)}
	}
	return src, err
}

func readScript(name string, rd io.Reader) (script, error) {
	if rd == nil {
		return script{}, &LoadError{Script: name, Ordinal: -1, Err: errors.New("script reader is required")}
	}
	raw, err := io.ReadAll(rd)
	if err != nil {
		return script{}, &LoadError{Script: name, Ordinal: -1, Err: fmt.Errorf("read script: %w", err)}
	}
	return script{name: name, text: string(raw)}, nil
}

func (r *Runner) run(ctx context.Context, src script, statements []Statement, params []any) (Results, error) {
	r.logger.DebugContext(ctx, "sql script split",
		slog.String("script", src.name),
		slog.String("fingerprint", Fingerprint(src.text)),
		slog.Int("statements", len(statements)),
		slog.Int("params", len(params)),
	)

	conn, release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}

	loaded, err := r.load(ctx, conn, src, statements)
	if err != nil {
		release()
		return nil, err
	}

	args, err := Distribute(statements, params)
	if err != nil {
		closeStatements(loaded)
		release()
		var arityErr *ArityError
		if errors.As(err, &arityErr) {
			arityErr.Script = src.name
		}
		r.logger.WarnContext(ctx, "sql script parameter mismatch",
			slog.String("script", src.name),
			slog.Any("error", err),
		)
		return nil, err
	}

	results, err := r.execute(ctx, src, loaded, args)
	if err != nil {
		release()
		return nil, err
	}

	if n := len(results); n > 0 && results[n-1].HasRows() {
		results[n-1].stream.chain(func() error {
			release()
			return nil
		})
	} else {
		release()
	}
	return results, nil
}

func (r *Runner) acquire(ctx context.Context) (Conn, func(), error) {
	if r.tx != nil {
		return r.tx, func() {}, nil
	}
	if r.db == nil {
		return nil, nil, errors.New("sqlrunner: database is required")
	}

	acquireCtx := ctx
	if r.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}
	conn, err := r.db.Conn(acquireCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	released := false
	return conn, func() {
		if released {
			return
		}
		released = true
		_ = conn.Close()
	}, nil
}

// load prepares every statement in order and stops at the first rejection.
func (r *Runner) load(ctx context.Context, conn Conn, src script, statements []Statement) ([]loadedStatement, error) {
	loaded := make([]loadedStatement, 0, len(statements))
	for _, statement := range statements {
		text := Rebind(statement.Text, r.dialect.BindStyle)
		stmt, err := r.prepare(ctx, conn, text, statement.Placeholders)
		exec := false
		if err == nil {
			if exec, err = r.execOnly(ctx, conn, text); err != nil {
				_ = stmt.Close()
			}
		}
		r.observer.ObserveStatement(PhaseLoad, err)
		if err != nil {
			closeStatements(loaded)
			r.logger.WarnContext(ctx, "sql statement load failed",
				slog.String("script", src.name),
				slog.String("phase", PhaseLoad),
				slog.Int("ordinal", statement.Ordinal),
				slog.Any("error", err),
			)
			return nil, &LoadError{Script: src.name, Ordinal: statement.Ordinal, Statement: statement.Text, Err: err}
		}
		loaded = append(loaded, loadedStatement{Statement: statement, stmt: stmt, exec: exec})
	}
	return loaded, nil
}

func (r *Runner) prepare(ctx context.Context, conn Conn, text string, placeholders int) (*sql.Stmt, error) {
	// An EXPLAIN statement has no side effects and cannot be explained again.
	if r.dialect.ExplainOnLoad && FirstKeyword(text) != "EXPLAIN" {
		rows, err := conn.QueryContext(ctx, "EXPLAIN "+text, make([]any, placeholders)...)
		if err != nil {
			return nil, err
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return conn.PrepareContext(ctx, text)
}

// execOnly reports whether the dialect classifies text as a statement
// without a result set.
func (r *Runner) execOnly(ctx context.Context, conn Conn, text string) (bool, error) {
	if r.dialect.ReturnsRows == nil {
		return false, nil
	}
	raw, ok := conn.(rawConn)
	if !ok {
		raw = r.raw
	}
	if raw == nil {
		return false, fmt.Errorf("%s dialect needs the transaction's connection; use InConnTx", r.dialect.Name)
	}
	var returnsRows bool
	err := raw.Raw(func(driverConn any) error {
		var err error
		returnsRows, err = r.dialect.ReturnsRows(ctx, driverConn, text)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("classify statement: %w", err)
	}
	return !returnsRows, nil
}

// execute binds and runs each prepared statement in order. A statement's live
// cursor is buffered before the next statement runs on the same connection.
func (r *Runner) execute(ctx context.Context, src script, loaded []loadedStatement, args [][]any) (Results, error) {
	results := make(Results, 0, len(loaded))
	fail := func(i int, err error) (Results, error) {
		_ = results.Close()
		closeStatements(loaded[i:])
		r.logger.WarnContext(ctx, "sql statement execute failed",
			slog.String("script", src.name),
			slog.String("phase", PhaseExecute),
			slog.Int("ordinal", loaded[i].Ordinal),
			slog.Any("error", err),
		)
		return nil, &ExecuteError{Script: src.name, Ordinal: loaded[i].Ordinal, Statement: loaded[i].Text, Err: err}
	}

	for i, statement := range loaded {
		if i > 0 {
			if previous := results[i-1]; previous.HasRows() {
				if err := previous.stream.buffer(); err != nil {
					return fail(i, fmt.Errorf("buffer rows of statement %d: %w", i-1, err))
				}
			}
		}

		outcome, err := runPrepared(ctx, statement.stmt, statement.exec, args[i])
		r.observer.ObserveStatement(PhaseExecute, err)
		if err != nil {
			// runPrepared has already closed this statement.
			loaded[i].stmt = nil
			return fail(i, err)
		}
		results = append(results, outcome)
	}
	return results, nil
}

func runPrepared(ctx context.Context, stmt *sql.Stmt, exec bool, args []any) (Outcome, error) {
	if exec {
		_, err := stmt.ExecContext(ctx, args...)
		_ = stmt.Close()
		if err != nil {
			return Outcome{}, err
		}
		return NoResult(), nil
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		_ = stmt.Close()
		return Outcome{}, err
	}
	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		_ = stmt.Close()
		return Outcome{}, fmt.Errorf("result columns: %w", err)
	}
	if len(columns) > 0 {
		return RowsOutcome(newRowStream(rows, columns, stmt.Close)), nil
	}

	for rows.Next() {
	}
	err = rows.Err()
	if closeErr := rows.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	_ = stmt.Close()
	if err != nil {
		return Outcome{}, err
	}
	return NoResult(), nil
}

func closeStatements(loaded []loadedStatement) {
	for _, statement := range loaded {
		if statement.stmt != nil {
			_ = statement.stmt.Close()
		}
	}
}

// Fingerprint identifies script text in logs and caches.
func Fingerprint(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}
