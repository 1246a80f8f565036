package baseline

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/converge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteBackend persists entries in a SQLite database.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend creates a backend for the database at path.
func NewSQLiteBackend(path string) *SQLiteBackend {
	return &SQLiteBackend{path: path}
}

// Init opens the database and runs migrations.
func (b *SQLiteBackend) Init(ctx context.Context) error {
	if b.path == "" {
		return engine.NewConfigurationError("baseline database path is required", nil).WithOperation("init")
	}
	if b.db != nil {
		return nil
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", b.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// a single writer keeps SQLite from reporting SQLITE_BUSY inside one process
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	b.db = db
	if err := b.migrate(); err != nil {
		_ = db.Close()
		b.db = nil
		return err
	}
	return nil
}

func (b *SQLiteBackend) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(b.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Load returns every persisted entry.
func (b *SQLiteBackend) Load(ctx context.Context) ([]Entry, error) {
	if b.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT resource, kind, value, recorded_at FROM baselines ORDER BY resource, kind`)
	if err != nil {
		return nil, classifySQLiteError("failed to query baselines", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			recordedAt string
		)
		if err := rows.Scan(&e.Resource, &e.Kind, &e.Value, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		if e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("invalid recorded_at for %s: %w", e.Resource, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Save replaces every persisted entry in a single transaction.
func (b *SQLiteBackend) Save(ctx context.Context, entries []Entry) error {
	if b.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM baselines`); err != nil {
		return classifySQLiteError("failed to reset baselines", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO baselines (resource, kind, value, recorded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return classifySQLiteError("failed to prepare insert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Resource, e.Kind, e.Value, e.RecordedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return classifySQLiteError("failed to insert baseline", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteError("failed to commit baselines", err)
	}
	return nil
}

// Clear deletes every persisted entry.
func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if b.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM baselines`); err != nil {
		return classifySQLiteError("failed to clear baselines", err)
	}
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// HealthCheck verifies the database connection.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	if b.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return b.db.PingContext(ctx)
}

// classifySQLiteError marks lock contention as transient so callers retry it.
func classifySQLiteError(message string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return engine.NewTransientError(message, err).WithCode(engine.ErrCodeTimeout)
	}
	return fmt.Errorf("%s: %w", message, err)
}
