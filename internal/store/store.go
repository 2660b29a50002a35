// Package store provides the key-value persistence layer shared by the
// update deduplication and session stores.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Namespace partitions keys by record kind.
type Namespace string

const (
	// NamespaceUpdates holds webhook update records keyed by update ID.
	NamespaceUpdates Namespace = "updates"
	// NamespaceSessions holds user sessions keyed by user ID.
	NamespaceSessions Namespace = "sessions"
)

// Record is a stored value and the time it was last written.
type Record struct {
	Value     []byte
	UpdatedAt time.Time
}

// MutateFunc computes the next record for a key from its current record,
// which is nil when the key does not exist. Returning a nil record leaves the
// key untouched. The function may be invoked more than once if the backend
// retries the transaction, so it must not have side effects.
type MutateFunc func(current *Record) (*Record, error)

// ErrUnknownDriver is returned by Open for unsupported driver names.
var ErrUnknownDriver = errors.New("unknown store driver")

// Repository defines a key-value store with single-key atomic
// read-modify-write.
type Repository interface {
	// Get returns the record stored under key, or nil if there is none.
	Get(ctx context.Context, ns Namespace, key string) (*Record, error)

	// Mutate atomically reads, transforms and writes a single key.
	// Concurrent Mutate calls on the same key are serialized.
	// It returns the record as it stands after the call.
	Mutate(ctx context.Context, ns Namespace, key string, fn MutateFunc) (*Record, error)

	// DeleteBefore removes every record in ns last written before cutoff.
	DeleteBefore(ctx context.Context, ns Namespace, cutoff time.Time) (int64, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Open creates a repository for the named driver. dsn is a file path for
// sqlite and a connection string for postgres; memory ignores it.
func Open(driver, dsn string) (Repository, error) {
	switch driver {
	case "sqlite", "":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	value := make([]byte, len(r.Value))
	copy(value, r.Value)
	return &Record{Value: value, UpdatedAt: r.UpdatedAt}
}
