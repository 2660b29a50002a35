package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/tgrelay/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	sqliteMaxRetries = 3
	sqliteRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes read-modify-write transactions to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions take the write lock up
	// front so two processes cannot both read a key and then both write it.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv_records (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_records_updated ON kv_records(namespace, updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves the record stored under key.
func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM kv_records WHERE namespace = ? AND key = ?`, string(ns), key)
	return scanRecord(row)
}

// Mutate runs fn inside an immediate transaction on the key.
func (s *SQLiteStore) Mutate(ctx context.Context, ns Namespace, key string, fn MutateFunc) (*Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result *Record
	err := shared.RetryOnConflict(ctx, "mutate "+string(ns), sqliteMaxRetries, sqliteRetryDelay, func() error {
		var err error
		result, err = s.mutateOnce(ctx, ns, key, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) mutateOnce(ctx context.Context, ns Namespace, key string, fn MutateFunc) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back transaction", "namespace", ns, "error", rbErr)
		}
	}()

	current, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT value, updated_at FROM kv_records WHERE namespace = ? AND key = ?`, string(ns), key))
	if err != nil {
		return nil, err
	}

	next, err := fn(cloneRecord(current))
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv_records (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		string(ns), key, next.Value, next.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("upsert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return cloneRecord(next), nil
}

// DeleteBefore removes records in ns last written before cutoff.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, ns Namespace, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := shared.RetryOnConflict(ctx, "sweep "+string(ns), sqliteMaxRetries, sqliteRetryDelay, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_records WHERE namespace = ? AND updated_at < ?`, string(ns), cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete expired records: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var value []byte
	var updatedAt int64

	err := row.Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}

	return &Record{Value: value, UpdatedAt: time.UnixMilli(updatedAt).UTC()}, nil
}
