package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is a KV backed by a single sqlite database file: WAL mode for
// concurrency, schema brought up to date with golang-migrate.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a sqlite-backed KV store at path
// and migrates it to the latest schema version.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single connection keeps writers serialized and, critically, makes
	// ":memory:" databases (used by tests) behave as one shared instance
	// instead of a fresh database per pooled connection.
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migration init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migration up: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Get(ctx context.Context, key []byte) ([]byte, int64, error) {
	var v []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT v, version FROM kv WHERE k = ?`, key).Scan(&v, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, &ErrNotFound{Key: key}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: get: %w", err)
	}
	return v, version, nil
}

func (s *SQLite) Put(ctx context.Context, key, value []byte, casVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	newVersion, err := putTx(ctx, tx, key, value, casVersion)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return newVersion, nil
}

func putTx(ctx context.Context, tx *sql.Tx, key, value []byte, casVersion int64) (int64, error) {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM kv WHERE k = ?`, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if casVersion != 0 {
			return 0, &ErrCASConflict{Key: key}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v, version) VALUES (?, ?, 1)`, key, value); err != nil {
			return 0, fmt.Errorf("store: insert: %w", err)
		}
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("store: put lookup: %w", err)
	}
	if current != casVersion {
		return 0, &ErrCASConflict{Key: key}
	}
	next := current + 1
	if _, err := tx.ExecContext(ctx, `UPDATE kv SET v = ?, version = ? WHERE k = ?`, value, next, key); err != nil {
		return 0, fmt.Errorf("store: update: %w", err)
	}
	return next, nil
}

func (s *SQLite) Delete(ctx context.Context, key []byte, casVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	if err := deleteTx(ctx, tx, key, casVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func deleteTx(ctx context.Context, tx *sql.Tx, key []byte, casVersion int64) error {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM kv WHERE k = ?`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Key: key}
	}
	if err != nil {
		return fmt.Errorf("store: delete lookup: %w", err)
	}
	if current != casVersion {
		return &ErrCASConflict{Key: key}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// Commit applies every op atomically in a single sqlite transaction, giving
// the namespace package the "cross-entity operations use the store's
// multi-key commit" guarantee the namespace relies on.
func (s *SQLite) Commit(ctx context.Context, ops []Op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		var err error
		if op.Value == nil {
			err = deleteTx(ctx, tx, op.Key, op.Version)
		} else {
			_, err = putTx(ctx, tx, op.Key, op.Value, op.Version)
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
