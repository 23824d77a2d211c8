// Package database is the read-only business database the query tools run
// against. Statements reaching it have already passed security.ValidateQuery.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultMaxRows      = 500
	defaultQueryTimeout = 15 * time.Second
)

// Config selects the driver and limits applied to every query.
type Config struct {
	Driver       string // "sqlite" | "postgres" | "mysql"
	DSN          string
	MaxRows      int
	QueryTimeout time.Duration
	MaxOpenConns int
	Logger       *slog.Logger
}

// DB implements domain.QueryExecutor over database/sql.
type DB struct {
	db           *sql.DB
	driver       string
	maxRows      int
	queryTimeout time.Duration
	logger       *slog.Logger
}

// Open connects to the configured database and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	driverName, dsn, err := driverDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s database: %w", cfg.Driver, err)
	}

	cfg.Logger.Info("business database connected", "driver", cfg.Driver, "max_rows", cfg.MaxRows)
	return &DB{
		db:           db,
		driver:       cfg.Driver,
		maxRows:      cfg.MaxRows,
		queryTimeout: cfg.QueryTimeout,
		logger:       cfg.Logger,
	}, nil
}

func driverDSN(driver, dsn string) (string, string, error) {
	if strings.TrimSpace(dsn) == "" {
		return "", "", errors.New("database dsn is empty")
	}
	switch driver {
	case "sqlite":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return "", "", fmt.Errorf("cannot create database directory: %w", err)
			}
			dsn += "?_pragma=busy_timeout(5000)"
		}
		return "sqlite", dsn, nil
	case "postgres":
		return "postgres", dsn, nil
	case "mysql":
		return "mysql", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// Driver returns the configured driver name.
func (d *DB) Driver() string { return d.driver }

// Query runs one statement and returns at most MaxRows rows as column maps.
// Text columns come back as strings. On postgres and mysql the statement runs
// inside a read-only transaction.
func (d *DB) Query(ctx context.Context, query string) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	if d.driver == "sqlite" {
		rows, err := d.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		return d.scan(rows)
	}

	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return d.scan(rows)
}

func (d *DB) scan(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		if len(out) >= d.maxRows {
			d.logger.Warn("query result truncated", "max_rows", d.maxRows)
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return out, nil
}

// Exec runs a write statement. Only setup paths (schema creation, sample
// data) use it; the query tools never do.
func (d *DB) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := d.db.ExecContext(ctx, stmt, args...)
	return err
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}
