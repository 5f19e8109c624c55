package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joingate/module/admission"
	"joingate/module/admission/storetest"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := Connect(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestPendingStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) admission.Store {
		_, rdb := newClient(t)
		return NewPendingStore(rdb)
	})
}

func TestSessionStoreContract(t *testing.T) {
	_, rdb := newClient(t)
	storetest.RunSessions(t, NewSessionStore(rdb, time.Hour))
}

func TestConnectFailsFast(t *testing.T) {
	_, err := Connect(context.Background(), Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestListExpiredDropsOrphanIndex(t *testing.T) {
	mr, rdb := newClient(t)
	s := NewPendingStore(rdb)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, storetest.NewRecord(1, 2, "aaaaaaaa", base)))
	mr.Del(pendingKey(1, 2))

	list, err := s.ListExpired(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	members, err := mr.ZMembers(expiryKey)
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestRecordSurvivesRoundTrip(t *testing.T) {
	_, rdb := newClient(t)
	s := NewPendingStore(rdb)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	rec := storetest.NewRecord(-1001234567890, 987654321012, "0123abcd", base)
	rec.Options = [][]string{{"🍎", "🍌"}, {"🍇", "🍉"}}
	rec.TextMode = true
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, rec.ChatID, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, rec.ChatID, got.ChatID)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, rec.Options, got.Options)
	assert.True(t, got.TextMode)
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))
	assert.Equal(t, admission.StatusPending, got.Status)
}
