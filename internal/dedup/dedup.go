// Package dedup tracks webhook updates so that each one is processed at most
// once while the platform retries delivery.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/ashureev/tgrelay/internal/store"
)

// DefaultTTL is how long an update record is kept after its last write.
const DefaultTTL = 3600 * time.Second

// ErrInvalidOutcome is returned when Finalize is called with a non-terminal status.
var ErrInvalidOutcome = errors.New("finalize status must be completed or error")

// Store claims and finalizes update records in a Repository.
type Store struct {
	repo store.Repository
	ttl  time.Duration
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a deduplication store backed by repo.
func NewStore(repo store.Repository, opts ...Option) *Store {
	s := &Store{
		repo: repo,
		ttl:  DefaultTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured record lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Claim takes ownership of updateID if no live record exists for it.
// Exactly one of any number of concurrent callers observes ClaimProceed.
// A record older than the TTL counts as absent even if no sweep removed it yet.
func (s *Store) Claim(ctx context.Context, updateID string) (domain.ClaimResult, error) {
	now := s.now().UTC()
	var result domain.ClaimResult

	_, err := s.repo.Mutate(ctx, store.NamespaceUpdates, updateID, func(cur *store.Record) (*store.Record, error) {
		if cur != nil {
			existing, err := decodeRecord(cur)
			if err != nil {
				return nil, err
			}
			if !existing.Expired(now, s.ttl) {
				if existing.Status == domain.UpdateProcessing {
					result = domain.ClaimAlreadyProcessing
				} else {
					result = domain.ClaimAlreadyDone
				}
				return nil, nil
			}
		}

		result = domain.ClaimProceed
		return encodeRecord(domain.UpdateRecord{
			UpdateID:  updateID,
			Status:    domain.UpdateProcessing,
			Timestamp: now,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("claim update %s: %w", updateID, err)
	}
	return result, nil
}

// Finalize records the terminal outcome of a claimed update. The write is
// unconditional; errMsg is kept only for UpdateError.
func (s *Store) Finalize(ctx context.Context, updateID string, status domain.UpdateStatus, errMsg string) error {
	if status != domain.UpdateCompleted && status != domain.UpdateError {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, status)
	}

	rec := domain.UpdateRecord{
		UpdateID:  updateID,
		Status:    status,
		Timestamp: s.now().UTC(),
	}
	if status == domain.UpdateError {
		rec.Error = errMsg
	}

	_, err := s.repo.Mutate(ctx, store.NamespaceUpdates, updateID, func(*store.Record) (*store.Record, error) {
		return encodeRecord(rec)
	})
	if err != nil {
		return fmt.Errorf("finalize update %s: %w", updateID, err)
	}
	return nil
}

// Sweep deletes records last written more than the TTL before now.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	deleted, err := s.repo.DeleteBefore(ctx, store.NamespaceUpdates, now.Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep update records: %w", err)
	}
	return deleted, nil
}

// Get returns the record for updateID, or nil if there is none.
func (s *Store) Get(ctx context.Context, updateID string) (*domain.UpdateRecord, error) {
	rec, err := s.repo.Get(ctx, store.NamespaceUpdates, updateID)
	if err != nil {
		return nil, fmt.Errorf("get update %s: %w", updateID, err)
	}
	if rec == nil {
		return nil, nil
	}
	return decodeRecord(rec)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Update sweeper started", "interval", interval, "ttl", s.ttl)

		for {
			select {
			case <-ticker.C:
				deleted, err := s.Sweep(ctx, s.now())
				if err != nil {
					slog.Error("Update sweeper failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Update sweeper removed expired records", "count", deleted)
				}
			case <-ctx.Done():
				slog.Info("Update sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func encodeRecord(rec domain.UpdateRecord) (*store.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode update record: %w", err)
	}
	return &store.Record{Value: data, UpdatedAt: rec.Timestamp}, nil
}

func decodeRecord(rec *store.Record) (*domain.UpdateRecord, error) {
	var out domain.UpdateRecord
	if err := json.Unmarshal(rec.Value, &out); err != nil {
		return nil, fmt.Errorf("decode update record: %w", err)
	}
	return &out, nil
}
