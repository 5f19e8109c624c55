// Package storetest holds the shared behaviour suite for admission stores.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joingate/module/admission"
	"joingate/service/platform"
)

// NewRecord builds a minimal pending record expiring at expires.
func NewRecord(chat, user int64, nonce string, expires time.Time) *admission.PendingChallenge {
	return &admission.PendingChallenge{
		ChatID:        chat,
		UserID:        user,
		UserChatID:    user,
		Nonce:         nonce,
		Options:       [][]string{{"a"}, {"b"}},
		CorrectOption: 1,
		MaxAttempts:   2,
		CreatedAt:     expires.Add(-time.Minute),
		ExpiresAt:     expires,
		Status:        admission.StatusPending,
	}
}

// Run exercises the behaviour every admission.Store implementation shares.
func Run(t *testing.T, newStore func(t *testing.T) admission.Store) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("lock errors", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.GetAndLock(ctx, 1, 2, "aaaaaaaa")
		assert.True(t, errors.Is(err, admission.ErrNotFound))

		require.NoError(t, s.Put(ctx, NewRecord(1, 2, "aaaaaaaa", base)))
		_, err = s.GetAndLock(ctx, 1, 2, "bbbbbbbb")
		assert.True(t, errors.Is(err, admission.ErrNonceMismatch))

		rec, err := s.GetAndLock(ctx, 1, 2, "aaaaaaaa")
		require.NoError(t, err)
		assert.Equal(t, admission.StatusProcessing, rec.Status)

		_, err = s.GetAndLock(ctx, 1, 2, "aaaaaaaa")
		assert.True(t, errors.Is(err, admission.ErrAlreadyProcessing))
	})

	t.Run("release persists and unlocks", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, NewRecord(1, 2, "aaaaaaaa", base)))

		assert.True(t, errors.Is(s.Release(ctx, NewRecord(1, 2, "aaaaaaaa", base)), admission.ErrNotLocked))

		rec, err := s.GetAndLock(ctx, 1, 2, "aaaaaaaa")
		require.NoError(t, err)
		rec.Attempts = 1
		rec.CooldownUntil = base.Add(-30 * time.Second)
		rec.ExpiresAt = base.Add(time.Hour)
		require.NoError(t, s.Release(ctx, rec))

		got, err := s.Get(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, admission.StatusPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.True(t, got.CooldownUntil.Equal(base.Add(-30*time.Second)))
		assert.True(t, got.ExpiresAt.Equal(base), "expiry never extended")
	})

	t.Run("put supersedes old nonce", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, NewRecord(1, 2, "aaaaaaaa", base)))
		require.NoError(t, s.Put(ctx, NewRecord(1, 2, "cccccccc", base.Add(time.Minute))))

		_, err := s.GetAndLock(ctx, 1, 2, "aaaaaaaa")
		assert.True(t, errors.Is(err, admission.ErrNonceMismatch))

		// the superseded expiry entry is gone too
		list, err := s.ListExpired(ctx, base, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("remove honours nonce", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, NewRecord(1, 2, "aaaaaaaa", base)))
		require.NoError(t, s.Remove(ctx, 1, 2, "bbbbbbbb"))
		_, err := s.Get(ctx, 1, 2)
		require.NoError(t, err)

		require.NoError(t, s.Remove(ctx, 1, 2, "aaaaaaaa"))
		_, err = s.Get(ctx, 1, 2)
		assert.True(t, errors.Is(err, admission.ErrNotFound))
		require.NoError(t, s.Remove(ctx, 1, 2, "aaaaaaaa"), "idempotent")
	})

	t.Run("list expired ordered and bounded", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, NewRecord(1, 3, "aaaaaaa3", base.Add(-time.Second))))
		require.NoError(t, s.Put(ctx, NewRecord(1, 1, "aaaaaaa1", base.Add(-3*time.Second))))
		require.NoError(t, s.Put(ctx, NewRecord(1, 2, "aaaaaaa2", base.Add(-2*time.Second))))
		require.NoError(t, s.Put(ctx, NewRecord(1, 4, "aaaaaaa4", base.Add(time.Second))))

		list, err := s.ListExpired(ctx, base, 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, int64(1), list[0].UserID)
		assert.Equal(t, int64(2), list[1].UserID)

		list, err = s.ListExpired(ctx, base, 10)
		require.NoError(t, err)
		assert.Len(t, list, 3)
	})

	t.Run("prompt ref", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, NewRecord(1, 2, "aaaaaaaa", base)))
		ref := platform.MessageRef{ChatID: 2, MessageID: 99}
		require.NoError(t, s.SetPromptRef(ctx, 1, 2, "aaaaaaaa", ref))
		assert.Error(t, s.SetPromptRef(ctx, 1, 2, "bbbbbbbb", ref))
		got, err := s.Get(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(99), got.PromptRef.MessageID)
	})

	t.Run("concurrent lock has one winner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, NewRecord(1, 2, "aaaaaaaa", base)))

		var wins, busy atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.GetAndLock(ctx, 1, 2, "aaaaaaaa")
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, admission.ErrAlreadyProcessing):
					busy.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(15), busy.Load())
	})
}

// RunSessions exercises admission.SessionStore implementations.
func RunSessions(t *testing.T, s admission.SessionStore) {
	ctx := context.Background()
	t0 := time.Unix(100, 0)
	require.NoError(t, s.Track(ctx, 7, admission.SessionRef{ChatID: 1, Nonce: "a", CreatedAt: t0}))
	require.NoError(t, s.Track(ctx, 7, admission.SessionRef{ChatID: 2, Nonce: "b", CreatedAt: t0.Add(time.Second)}))
	require.NoError(t, s.Track(ctx, 7, admission.SessionRef{ChatID: 1, Nonce: "c", CreatedAt: t0.Add(2 * time.Second)}))

	refs, err := s.Candidates(ctx, 7)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "c", refs[0].Nonce)
	assert.Equal(t, "b", refs[1].Nonce)

	// a stale nonce leaves the newer ref in place
	require.NoError(t, s.Forget(ctx, 7, 1, "a"))
	refs, err = s.Candidates(ctx, 7)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "c", refs[0].Nonce)

	require.NoError(t, s.Forget(ctx, 7, 1, "c"))
	require.NoError(t, s.Forget(ctx, 7, 2, ""))
	require.NoError(t, s.Forget(ctx, 7, 2, ""))
	refs, err = s.Candidates(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, refs)
}
