// Package store persists accounts, credentials, sync cursors, push
// subscriptions, synced records and the event outbox in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported database/sql driver names. Callers blank-import the driver.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCgo     = "sqlite3" // github.com/mattn/go-sqlite3
)

// Store is the transactional persistent store used by the sync core.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path, applies pending migrations and
// returns a ready Store. Use ":memory:" for a throwaway single-connection DB.
func Open(ctx context.Context, driver, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	dsn, err := buildDSN(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if memory {
		// Every new connection to :memory: is a separate empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store ready", slog.String("driver", driver), slog.String("path", path))

	return &Store{DB: db, logger: logger}, nil
}

// buildDSN appends WAL, busy-timeout and immediate-transaction settings in
// the syntax each driver understands.
func buildDSN(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		params := []string{
			"_pragma=busy_timeout(5000)",
			"_pragma=foreign_keys(1)",
			"_txlock=immediate",
		}
		if path != ":memory:" {
			params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
		}
		return path + "?" + strings.Join(params, "&"), nil
	case DriverCgo:
		params := []string{
			"_busy_timeout=5000",
			"_foreign_keys=1",
			"_txlock=immediate",
		}
		if path != ":memory:" {
			params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
		}
		return "file:" + path + "?" + strings.Join(params, "&"), nil
	default:
		return "", fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// runMigrations applies all pending goose migrations from the embedded FS.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
