package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Repository using PostgreSQL. Read-modify-write
// transactions take a transaction-scoped advisory lock on the key, so
// concurrent Mutate calls from any number of instances serialize per key.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects to the database described by dsn.
func NewPostgres(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv_records (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
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
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves the record stored under key.
func (s *PostgresStore) Get(ctx context.Context, ns Namespace, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM kv_records WHERE namespace = $1 AND key = $2`, string(ns), key)
	return scanPostgresRecord(row)
}

// Mutate runs fn in a transaction holding the key's advisory lock.
func (s *PostgresStore) Mutate(ctx context.Context, ns Namespace, key string, fn MutateFunc) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back transaction", "namespace", ns, "error", rbErr)
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(ns)+":"+key); err != nil {
		return nil, fmt.Errorf("lock key: %w", err)
	}

	current, err := scanPostgresRecord(tx.QueryRowContext(ctx,
		`SELECT value, updated_at FROM kv_records WHERE namespace = $1 AND key = $2`, string(ns), key))
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
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`,
		string(ns), key, next.Value, next.UpdatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return cloneRecord(next), nil
}

// DeleteBefore removes records in ns last written before cutoff.
func (s *PostgresStore) DeleteBefore(ctx context.Context, ns Namespace, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_records WHERE namespace = $1 AND updated_at < $2`, string(ns), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func scanPostgresRecord(row rowScanner) (*Record, error) {
	var value []byte
	var updatedAt time.Time

	err := row.Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return &Record{Value: value, UpdatedAt: updatedAt.UTC()}, nil
}
