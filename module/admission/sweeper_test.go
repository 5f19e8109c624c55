package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"joingate/service/platform"
	"joingate/service/platform/platformtest"
)

func seedRecord(t *testing.T, s Store, chat, user int64, nonce string, created time.Time, ttl time.Duration) *PendingChallenge {
	t.Helper()
	rec := &PendingChallenge{
		ChatID:        chat,
		UserID:        user,
		UserChatID:    user,
		Nonce:         nonce,
		Question:      "q",
		Options:       [][]string{{"a"}, {"b"}, {"c"}, {"d"}},
		CorrectOption: 2,
		MaxAttempts:   2,
		CreatedAt:     created,
		ExpiresAt:     created.Add(ttl),
		Status:        StatusPending,
		PromptRef:     platform.MessageRef{ChatID: user, MessageID: 9},
	}
	require.NoError(t, s.Put(context.Background(), rec))
	return rec
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	store := NewMemStore()
	sessions := NewMemSessions()
	pf := platformtest.New()
	audit := &recordingAuditor{}
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	seedRecord(t, store, chatID, 1, "aaaaaaaa", base, time.Minute)
	seedRecord(t, store, chatID, 2, "bbbbbbbb", base, time.Hour)
	require.NoError(t, sessions.Track(context.Background(), 1, SessionRef{ChatID: chatID, Nonce: "aaaaaaaa", CreatedAt: base}))

	sw := NewSweeper(store, sessions, pf, time.Minute, 100,
		SweepWithLogger(zaptest.NewLogger(t)), SweepWithAuditor(audit))

	now := base.Add(2 * time.Minute)
	n, err := sw.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())

	_, err = store.Get(context.Background(), chatID, 2)
	assert.NoError(t, err)

	refs, err := sessions.Candidates(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, refs)

	require.Len(t, pf.CallsOf("decline"), 1)
	assert.Equal(t, int64(1), pf.CallsOf("decline")[0].UserID)
	edits := pf.CallsOf("edit")
	require.Len(t, edits, 1)
	assert.Equal(t, noticeExpired, edits[0].Text)
	assert.Equal(t, []string{string(OutcomeExpired)}, audit.kinds())

	n, err = sw.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, pf.Count("decline"))
}

func TestSweepSkipsRecordHeldByResponder(t *testing.T) {
	store := NewMemStore()
	pf := platformtest.New()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := seedRecord(t, store, chatID, userID, "cccccccc", base, time.Minute)

	_, err := store.GetAndLock(context.Background(), chatID, userID, rec.Nonce)
	require.NoError(t, err)

	sw := NewSweeper(store, NewMemSessions(), pf, time.Minute, 10)
	n, err := sw.Sweep(context.Background(), base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, pf.Count("decline"))

	// a holder that never released is eventually cleared
	n, err = sw.Sweep(context.Background(), base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.Len())
}

func TestSweepRespectsPageSize(t *testing.T) {
	store := NewMemStore()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		seedRecord(t, store, chatID, i, "dddddddd", base.Add(time.Duration(i)*time.Second), time.Minute)
	}
	sw := NewSweeper(store, NewMemSessions(), platformtest.New(), time.Minute, 2)

	n, err := sw.Sweep(context.Background(), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, store.Len())

	// oldest first
	_, err = store.Get(context.Background(), chatID, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepRaceWithCorrectAnswer(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)
	sw := NewSweeper(h.store, h.sessions, h.pf, time.Minute, 10)

	out := h.answer(t, rec, rec.CorrectOption)
	require.Equal(t, OutcomeApproved, out.Kind)

	n, err := sw.Sweep(context.Background(), h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.pf.Count("decline"))
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemStore()
	seedRecord(t, store, chatID, userID, "eeeeeeee", time.Now().Add(-time.Hour), time.Minute)
	sw := NewSweeper(store, NewMemSessions(), platformtest.New(), 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweepAuditsStuckRecord(t *testing.T) {
	store := NewMemStore()
	audit := &recordingAuditor{}
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := seedRecord(t, store, chatID, userID, "eeeeeeee", base, time.Minute)
	_, err := store.GetAndLock(context.Background(), chatID, userID, rec.Nonce)
	require.NoError(t, err)
	seedRecord(t, store, chatID, userID+1, "ffffffff", base, time.Minute)

	sw := NewSweeper(store, NewMemSessions(), platformtest.New(), time.Minute, 10, SweepWithAuditor(audit))
	n, err := sw.Sweep(context.Background(), base.Add(time.Minute+stuckAfter))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	details := map[int64]string{}
	for _, ev := range audit.events {
		details[ev.UserID] = ev.Detail
	}
	assert.Equal(t, "sweep-stuck", details[userID])
	assert.Equal(t, "sweep", details[userID+1])
}

func TestSweepKeepsSuccessorSession(t *testing.T) {
	store := NewMemStore()
	sessions := NewMemSessions()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	old := seedRecord(t, store, chatID, userID, "gggggggg", base, time.Minute)
	require.NoError(t, sessions.Track(context.Background(), userID, SessionRef{ChatID: chatID, Nonce: "hhhhhhhh", CreatedAt: base}))

	sw := NewSweeper(store, sessions, platformtest.New(), time.Minute, 10)
	require.True(t, sw.retire(context.Background(), old, base.Add(2*time.Minute)))

	refs, err := sessions.Candidates(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "hhhhhhhh", refs[0].Nonce)
}

func TestExpiryBoundaryIsInclusive(t *testing.T) {
	store := NewMemStore()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := seedRecord(t, store, chatID, userID, "iiiiiiii", base, time.Minute)

	assert.False(t, rec.Expired(rec.ExpiresAt.Add(-time.Nanosecond)))
	assert.True(t, rec.Expired(rec.ExpiresAt))

	listed, err := store.ListExpired(context.Background(), rec.ExpiresAt, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
	listed, err = store.ListExpired(context.Background(), rec.ExpiresAt.Add(-time.Nanosecond), 10)
	require.NoError(t, err)
	assert.Empty(t, listed)
}
