package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/techquiry/techquiry/internal/sqlrunner"
)

// Initializer applies the schema script inside one transaction. The script is
// read from the same source as every other script, and each of its
// statements must tolerate an existing schema.
type Initializer struct {
	db      *sql.DB
	runner  *sqlrunner.Runner
	scripts sqlrunner.ScriptSource
	name    string
	logger  *slog.Logger
}

func NewInitializer(db *sql.DB, runner *sqlrunner.Runner, scripts sqlrunner.ScriptSource, name string, logger *slog.Logger) *Initializer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Initializer{db: db, runner: runner, scripts: scripts, name: name, logger: logger}
}

// Apply runs the schema script and returns the number of statements applied.
// A load error leaves the database untouched.
func (i *Initializer) Apply(ctx context.Context) (int, error) {
	if i.db == nil || i.runner == nil || i.scripts == nil {
		return 0, errors.New("schema initializer requires a database, a runner and scripts")
	}
	name, err := sqlrunner.CleanScriptName(i.name)
	if err != nil {
		return 0, fmt.Errorf("schema script: %w", err)
	}
	text, err := i.read(ctx, name)
	if err != nil {
		return 0, &sqlrunner.LoadError{Script: name, Ordinal: -1, Err: fmt.Errorf("read schema: %w", err)}
	}

	start := time.Now()
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire schema connection: %w", err)
	}
	defer func() { _ = conn.Close() }()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	results, err := i.runner.InConnTx(conn, tx).RunReader(ctx, strings.NewReader(text))
	if err != nil {
		return 0, fmt.Errorf("apply schema %s: %w", name, err)
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("apply schema %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit schema %s: %w", name, err)
	}

	i.logger.InfoContext(ctx, "schema applied",
		slog.String("script", name),
		slog.String("fingerprint", sqlrunner.Fingerprint(text)),
		slog.Int("statements", len(results)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return len(results), nil
}

func (i *Initializer) read(ctx context.Context, name string) (string, error) {
	rc, err := i.scripts.Open(ctx, name)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
