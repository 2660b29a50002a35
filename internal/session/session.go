// Package session persists per-user conversation history and quota state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/ashureev/tgrelay/internal/quota"
	"github.com/ashureev/tgrelay/internal/store"
)

// DefaultMaxHistory bounds the number of history entries kept per user,
// system prompt included.
const DefaultMaxHistory = 11

// ErrInvalidRole is returned by Append for roles outside system/user/assistant.
var ErrInvalidRole = errors.New("invalid message role")

// Defaults describe how a session is initialized on first interaction.
type Defaults struct {
	SystemPrompt string
	Quota        quota.Config
}

// Store reads and writes sessions. Every write is a complete
// read-modify-write of the user's session, never a partial field update.
type Store struct {
	repo       store.Repository
	maxHistory int
	defaults   Defaults
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxHistory overrides DefaultMaxHistory. Values below 2 are ignored so
// a system prompt always leaves room for at least one message.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n >= 2 {
			s.maxHistory = n
		}
	}
}

// WithDefaults sets the values used when Append or Update create a session.
func WithDefaults(d Defaults) Option {
	return func(s *Store) { s.defaults = d }
}

// WithClock sets the time source for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a session store backed by repo.
func NewStore(repo store.Repository, opts ...Option) *Store {
	s := &Store{
		repo:       repo,
		maxHistory: DefaultMaxHistory,
		defaults:   Defaults{Quota: quota.UnlimitedConfig()},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxHistory returns the configured history bound.
func (s *Store) MaxHistory() int {
	return s.maxHistory
}

// Get returns the user's session, or nil if none exists yet.
func (s *Store) Get(ctx context.Context, userID string) (*domain.Session, error) {
	rec, err := s.repo.Get(ctx, store.NamespaceSessions, userID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", userID, err)
	}
	if rec == nil {
		return nil, nil
	}
	return decodeSession(rec)
}

// GetOrInit returns the user's session, creating it from systemPrompt and
// quotaCfg if it does not exist yet.
func (s *Store) GetOrInit(ctx context.Context, userID, systemPrompt string, quotaCfg quota.Config) (*domain.Session, error) {
	var result *domain.Session
	_, err := s.repo.Mutate(ctx, store.NamespaceSessions, userID, func(cur *store.Record) (*store.Record, error) {
		if cur != nil {
			existing, err := decodeSession(cur)
			if err != nil {
				return nil, err
			}
			result = existing
			return nil, nil
		}

		result = s.newSession(userID, Defaults{SystemPrompt: systemPrompt, Quota: quotaCfg})
		return encodeSession(result)
	})
	if err != nil {
		return nil, fmt.Errorf("init session %s: %w", userID, err)
	}
	return result, nil
}

// Update applies fn to the user's session inside a single read-modify-write
// transaction. A missing session is created from init first. If fn returns
// an error nothing is written. fn may run more than once if the store
// retries, so it must only touch the session it is given.
func (s *Store) Update(ctx context.Context, userID string, init Defaults, fn func(*domain.Session) error) (*domain.Session, error) {
	var result *domain.Session
	_, err := s.repo.Mutate(ctx, store.NamespaceSessions, userID, func(cur *store.Record) (*store.Record, error) {
		var sess *domain.Session
		if cur == nil {
			sess = s.newSession(userID, init)
		} else {
			decoded, err := decodeSession(cur)
			if err != nil {
				return nil, err
			}
			sess = decoded
		}

		if err := fn(sess); err != nil {
			return nil, err
		}
		sess.History = Trim(sess.History, s.maxHistory)
		sess.UpdatedAt = s.now().UTC()

		result = sess
		return encodeSession(sess)
	})
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", userID, err)
	}
	return result, nil
}

// Append adds a message to the user's history and trims it to the bound,
// keeping a leading system prompt in place.
func (s *Store) Append(ctx context.Context, userID string, role domain.Role, content string) (*domain.Session, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return s.Update(ctx, userID, s.defaults, func(sess *domain.Session) error {
		sess.History = append(sess.History, domain.Message{Role: role, Content: content})
		return nil
	})
}

// Reset replaces the user's history with the system prompt alone, leaving
// usage and premium state untouched.
func (s *Store) Reset(ctx context.Context, userID, systemPrompt string) (*domain.Session, error) {
	init := s.defaults
	init.SystemPrompt = systemPrompt
	return s.Update(ctx, userID, init, func(sess *domain.Session) error {
		sess.History = domain.InitialHistory(systemPrompt)
		return nil
	})
}

// SetPremium marks the user as premium and records the payment charge.
func (s *Store) SetPremium(ctx context.Context, userID, chargeID string) (*domain.Session, error) {
	return s.Update(ctx, userID, s.defaults, func(sess *domain.Session) error {
		if !sess.IsPremium {
			since := s.now().UTC()
			sess.PremiumSince = &since
		}
		sess.IsPremium = true
		sess.LastPaymentChargeID = chargeID
		return nil
	})
}

// Trim bounds history to max entries. When the first entry is a system
// message it is kept and the most recent max-1 entries follow it; otherwise
// the most recent max entries are kept.
func Trim(history []domain.Message, max int) []domain.Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	if history[0].Role == domain.RoleSystem {
		trimmed := make([]domain.Message, 0, max)
		trimmed = append(trimmed, history[0])
		return append(trimmed, history[len(history)-(max-1):]...)
	}
	trimmed := make([]domain.Message, max)
	copy(trimmed, history[len(history)-max:])
	return trimmed
}

func (s *Store) newSession(userID string, init Defaults) *domain.Session {
	now := s.now().UTC()
	return &domain.Session{
		UserID:  userID,
		History: domain.InitialHistory(init.SystemPrompt),
		DailyUsage: domain.DailyUsage{
			Count: 0,
			Date:  "",
			Limit: init.Quota.DailyLimit,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func encodeSession(sess *domain.Session) (*store.Record, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return &store.Record{Value: data, UpdatedAt: sess.UpdatedAt}, nil
}

func decodeSession(rec *store.Record) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.History == nil {
		sess.History = []domain.Message{}
	}
	return &sess, nil
}
