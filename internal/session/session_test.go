package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/ashureev/tgrelay/internal/quota"
	"github.com/ashureev/tgrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prompt = "You are a helpful assistant."

var limited = quota.Config{DailyLimit: 5, PremiumPrice: 100}

func TestGetOrInitCreatesOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemory())

	sess, err := s.GetOrInit(ctx, "u1", prompt, limited)
	require.NoError(t, err)
	require.Len(t, sess.History, 1)
	assert.Equal(t, domain.RoleSystem, sess.History[0].Role)
	assert.Equal(t, prompt, sess.History[0].Content)
	assert.Equal(t, domain.DailyUsage{Count: 0, Date: "", Limit: 5}, sess.DailyUsage)
	assert.False(t, sess.IsPremium)

	_, err = s.Append(ctx, "u1", domain.RoleUser, "hi")
	require.NoError(t, err)

	again, err := s.GetOrInit(ctx, "u1", "other prompt", quota.UnlimitedConfig())
	require.NoError(t, err)
	assert.Len(t, again.History, 2, "existing session must be returned unchanged")
	assert.Equal(t, 5, again.DailyUsage.Limit)
}

func TestGetOrInitWithoutPrompt(t *testing.T) {
	s := NewStore(store.NewMemory())
	sess, err := s.GetOrInit(context.Background(), "u1", "", quota.UnlimitedConfig())
	require.NoError(t, err)
	assert.Empty(t, sess.History)
	assert.True(t, sess.DailyUsage.Unlimited())
}

func TestAppendKeepsSystemPromptWhenTrimming(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemory(), WithMaxHistory(5))

	_, err := s.GetOrInit(ctx, "u1", prompt, limited)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, "u1", domain.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	sess, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sess.History, 5)

	sess, err = s.Append(ctx, "u1", domain.RoleAssistant, "m4")
	require.NoError(t, err)
	require.Len(t, sess.History, 5)
	assert.Equal(t, domain.Message{Role: domain.RoleSystem, Content: prompt}, sess.History[0])
	assert.Equal(t, "m1", sess.History[1].Content)
	assert.Equal(t, "m4", sess.History[4].Content)
}

func TestAppendWithoutSystemPromptKeepsLatest(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemory(), WithMaxHistory(3))

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "u1", domain.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	sess, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sess.History, 3)
	assert.Equal(t, "m2", sess.History[0].Content)
	assert.Equal(t, "m4", sess.History[2].Content)
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	s := NewStore(store.NewMemory())
	_, err := s.Append(context.Background(), "u1", domain.Role("tool"), "x")
	require.ErrorIs(t, err, ErrInvalidRole)
}

func TestResetPreservesUsageAndPremium(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemory())

	_, err := s.GetOrInit(ctx, "u1", prompt, limited)
	require.NoError(t, err)
	_, err = s.Update(ctx, "u1", Defaults{Quota: limited}, func(sess *domain.Session) error {
		sess.DailyUsage.Count = 3
		sess.DailyUsage.Date = "2025-01-02"
		sess.History = append(sess.History, domain.Message{Role: domain.RoleUser, Content: "hello"})
		return nil
	})
	require.NoError(t, err)
	_, err = s.SetPremium(ctx, "u1", "charge-1")
	require.NoError(t, err)

	sess, err := s.Reset(ctx, "u1", "new prompt")
	require.NoError(t, err)
	assert.Equal(t, []domain.Message{{Role: domain.RoleSystem, Content: "new prompt"}}, sess.History)
	assert.Equal(t, domain.DailyUsage{Count: 3, Date: "2025-01-02", Limit: 5}, sess.DailyUsage)
	assert.True(t, sess.IsPremium)

	sess, err = s.Reset(ctx, "u1", "")
	require.NoError(t, err)
	assert.Empty(t, sess.History)
	assert.True(t, sess.IsPremium)
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemory())
	boom := errors.New("boom")

	_, err := s.Update(ctx, "u1", Defaults{Quota: limited}, func(sess *domain.Session) error {
		sess.IsPremium = true
		return boom
	})
	require.ErrorIs(t, err, boom)

	sess, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSetPremiumRecordsCharge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	s := NewStore(store.NewMemory(), WithClock(func() time.Time { return now }))

	sess, err := s.SetPremium(ctx, "u1", "ch_123")
	require.NoError(t, err)
	assert.True(t, sess.IsPremium)
	assert.Equal(t, "ch_123", sess.LastPaymentChargeID)
	require.NotNil(t, sess.PremiumSince)
	assert.True(t, sess.PremiumSince.Equal(now))
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	s := NewStore(repo, WithMaxHistory(100))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(ctx, "u1", Defaults{Quota: limited}, func(sess *domain.Session) error {
				sess.History = append(sess.History, domain.Message{Role: domain.RoleUser, Content: fmt.Sprint(i)})
				sess.DailyUsage.Count++
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, sess.History, 10)
	assert.Equal(t, 10, sess.DailyUsage.Count)
}

func TestTrim(t *testing.T) {
	sys := domain.Message{Role: domain.RoleSystem, Content: "s"}
	u := func(c string) domain.Message { return domain.Message{Role: domain.RoleUser, Content: c} }

	assert.Equal(t, []domain.Message{sys, u("a")}, Trim([]domain.Message{sys, u("a")}, 3))
	assert.Equal(t, []domain.Message{sys, u("b"), u("c")}, Trim([]domain.Message{sys, u("a"), u("b"), u("c")}, 3))
	assert.Equal(t, []domain.Message{u("b"), u("c")}, Trim([]domain.Message{u("a"), u("b"), u("c")}, 2))
}

func TestWithMaxHistoryIgnoresTinyValues(t *testing.T) {
	assert.Equal(t, DefaultMaxHistory, NewStore(store.NewMemory(), WithMaxHistory(1)).MaxHistory())
	assert.Equal(t, 4, NewStore(store.NewMemory(), WithMaxHistory(4)).MaxHistory())
}
