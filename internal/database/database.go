package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"

	"github.com/techquiry/techquiry/internal/config"
	"github.com/techquiry/techquiry/internal/sqlrunner"
)

const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
	DriverDuckDB = "duckdb"
)

type DBConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open opens the pool for cfg.Driver and checks that the database answers.
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	driver, err := NormalizeDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" && driver != DriverDuckDB {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	return db, nil
}

func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite, "sqlite3":
		return DriverSQLite, nil
	case DriverPgx, "postgres", "postgresql":
		return DriverPgx, nil
	case DriverDuckDB:
		return DriverDuckDB, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// DialectFor returns how the runner compiles statements for driver.
func DialectFor(driver string) (sqlrunner.Dialect, error) {
	name, err := NormalizeDriver(driver)
	if err != nil {
		return sqlrunner.Dialect{}, err
	}
	switch name {
	case DriverPgx:
		return sqlrunner.Dialect{Name: name, BindStyle: sqlrunner.BindDollar}, nil
	case DriverSQLite:
		return sqlrunner.Dialect{Name: name, BindStyle: sqlrunner.BindQuestion, ExplainOnLoad: true}, nil
	default:
		// DuckDB answers every statement with a result set, a one-column
		// count for DDL and DML, so the statement type decides.
		return sqlrunner.Dialect{Name: name, BindStyle: sqlrunner.BindQuestion, ReturnsRows: duckDBReturnsRows}, nil
	}
}

func duckDBReturnsRows(ctx context.Context, driverConn any, text string) (bool, error) {
	preparer, ok := driverConn.(driver.ConnPrepareContext)
	if !ok {
		return false, fmt.Errorf("unexpected duckdb connection %T", driverConn)
	}
	prepared, err := preparer.PrepareContext(ctx, text)
	if err != nil {
		return false, err
	}
	defer func() { _ = prepared.Close() }()
	stmt, ok := prepared.(*duckdb.Stmt)
	if !ok {
		return false, fmt.Errorf("unexpected duckdb statement %T", prepared)
	}
	kind, err := stmt.StatementType()
	if err != nil {
		return false, err
	}
	switch kind {
	case duckdb.STATEMENT_TYPE_INSERT, duckdb.STATEMENT_TYPE_UPDATE, duckdb.STATEMENT_TYPE_DELETE:
		return sqlrunner.HasKeyword(text, "RETURNING"), nil
	case duckdb.STATEMENT_TYPE_SELECT, duckdb.STATEMENT_TYPE_EXPLAIN, duckdb.STATEMENT_TYPE_PRAGMA,
		duckdb.STATEMENT_TYPE_CALL, duckdb.STATEMENT_TYPE_RELATION:
		return true, nil
	default:
		return false, nil
	}
}

// ConfigFrom maps the process configuration onto the pool settings.
func ConfigFrom(cfg config.DatabaseConfig) DBConfig {
	return DBConfig{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}
