package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"joingate/module/captcha"
	"joingate/module/policy"
	"joingate/service/platform"
	"joingate/service/platform/platformtest"
)

const (
	chatID = int64(-1001)
	userID = int64(42)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAuditor) Record(_ context.Context, ev AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Kind
	}
	return out
}

type harness struct {
	ctrl     *Controller
	store    *MemStore
	sessions *MemSessions
	policies *policy.MemStore
	pf       *platformtest.Fake
	clock    *clock
	audit    *recordingAuditor
}

func newHarness(t *testing.T, pf platform.ChatPlatform) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemStore(),
		sessions: NewMemSessions(),
		policies: policy.NewMemStore(),
		clock:    &clock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		audit:    &recordingAuditor{},
	}
	if pf == nil {
		h.pf = platformtest.New()
		pf = h.pf
	}
	gen, err := captcha.NewGenerator(captcha.WithSource(captcha.NewSeededSource(7, 11)))
	require.NoError(t, err)
	h.ctrl, err = NewController(Config{
		TTL:         10 * time.Minute,
		MaxAttempts: 2,
		Cooldown:    4 * time.Second,
		VerifiedTTL: 7 * 24 * time.Hour,
	}, h.store, h.sessions, h.policies, pf,
		WithClock(h.clock.Now),
		WithLogger(zaptest.NewLogger(t)),
		WithGenerator(gen),
		WithAuditor(h.audit),
	)
	require.NoError(t, err)
	return h
}

func (h *harness) join(t *testing.T) *PendingChallenge {
	t.Helper()
	out, err := h.ctrl.OnJoinRequest(context.Background(), JoinRequest{
		ChatID: chatID, UserID: userID, UserChatID: userID, ChatTitle: "Gophers", DisplayName: "Ann",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeChallenged, out.Kind)
	rec, err := h.store.Get(context.Background(), chatID, userID)
	require.NoError(t, err)
	return rec
}

func wrongChoice(rec *PendingChallenge) int {
	if rec.CorrectOption == 1 {
		return 2
	}
	return 1
}

func (h *harness) answer(t *testing.T, rec *PendingChallenge, choice int) Outcome {
	t.Helper()
	out, err := h.ctrl.HandleResponse(context.Background(), Response{
		ActorID: userID,
		Intent:  AnswerIntent{ChatID: chatID, UserID: userID, Choice: choice, Nonce: rec.Nonce},
	})
	require.NoError(t, err)
	return out
}

func TestJoinCreatesChallengeAndDeliversPrompt(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)

	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Len(t, rec.Options, captcha.RowCount)
	assert.True(t, rec.ExpiresAt.Equal(h.clock.Now().Add(10*time.Minute)))

	sends := h.pf.CallsOf("send")
	require.Len(t, sends, 1)
	assert.Equal(t, userID, sends[0].ChatID)
	assert.Contains(t, sends[0].Text, "Gophers")
	// four answers, text mode, self exclusion
	assert.Len(t, sends[0].Kb, 6)
	assert.Equal(t, sends[0].Ref, rec.PromptRef)
}

func TestEndToEndWrongThenCorrect(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)

	out := h.answer(t, rec, wrongChoice(rec))
	assert.Equal(t, OutcomeWrong, out.Kind)
	assert.Equal(t, 1, out.Remaining)

	after, err := h.store.Get(context.Background(), chatID, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Attempts)
	assert.True(t, after.CooldownUntil.After(h.clock.Now()))
	assert.Equal(t, StatusPending, after.Status)

	h.clock.Advance(5 * time.Second)
	out = h.answer(t, rec, rec.CorrectOption)
	assert.Equal(t, OutcomeApproved, out.Kind)
	assert.True(t, out.Confirmed)

	_, err = h.store.Get(context.Background(), chatID, userID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, h.pf.Count("approve"))
	assert.Equal(t, 1, h.pf.Count("delete"), "prompt removed")

	pol, err := h.policies.Read(context.Background(), chatID)
	require.NoError(t, err)
	assert.Contains(t, pol.VerifiedUsers, userID)

	sends := h.pf.CallsOf("send")
	require.Len(t, sends, 2)
	assert.Contains(t, sends[1].Text, "Welcome to Gophers")
	assert.Equal(t, []string{string(OutcomeApproved)}, h.audit.kinds())
}

func TestCooldownDoesNotConsumeAttempt(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)

	h.answer(t, rec, wrongChoice(rec))
	h.clock.Advance(time.Second)
	out := h.answer(t, rec, rec.CorrectOption)
	assert.Equal(t, OutcomeCooldown, out.Kind)
	assert.Equal(t, "Please wait 3 s.", out.Notice)

	after, err := h.store.Get(context.Background(), chatID, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Attempts)
	assert.Equal(t, StatusPending, after.Status)
	assert.Zero(t, h.pf.Count("approve"))
}

func TestMaxAttemptsDeclines(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)

	h.answer(t, rec, wrongChoice(rec))
	h.clock.Advance(5 * time.Second)
	out := h.answer(t, rec, wrongChoice(rec))
	assert.Equal(t, OutcomeDeclined, out.Kind)
	assert.Equal(t, 1, h.pf.Count("decline"))

	out = h.answer(t, rec, rec.CorrectOption)
	assert.Equal(t, OutcomeStale, out.Kind, "same nonce is now not found")
	assert.Zero(t, h.pf.Count("approve"))
}

func TestDenylistDeclinesAndBansWithoutChallenge(t *testing.T) {
	h := newHarness(t, nil)
	_, err := policy.AddDeny(context.Background(), h.policies, chatID, userID)
	require.NoError(t, err)

	out, err := h.ctrl.OnJoinRequest(context.Background(), JoinRequest{ChatID: chatID, UserID: userID, UserChatID: userID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 1, h.pf.Count("decline"))
	assert.Equal(t, 1, h.pf.Count("ban"))
	assert.Zero(t, h.pf.Count("send"))
}

func TestAllowlistAutoApproves(t *testing.T) {
	h := newHarness(t, nil)
	_, err := policy.AddAllow(context.Background(), h.policies, chatID, userID)
	require.NoError(t, err)

	out, err := h.ctrl.OnJoinRequest(context.Background(), JoinRequest{ChatID: chatID, UserID: userID, UserChatID: userID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoApproved, out.Kind)
	assert.True(t, out.Confirmed)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 1, h.pf.Count("approve"))

	pol, err := h.policies.Read(context.Background(), chatID)
	require.NoError(t, err)
	assert.Contains(t, pol.VerifiedUsers, userID)
}

func TestFailedAutoApproveRecordsNothing(t *testing.T) {
	h := newHarness(t, nil)
	_, err := policy.AddAllow(context.Background(), h.policies, chatID, userID)
	require.NoError(t, err)
	h.pf.FailOp("approve", errors.New("boom"))

	out, err := h.ctrl.OnJoinRequest(context.Background(), JoinRequest{ChatID: chatID, UserID: userID})
	require.NoError(t, err)
	assert.False(t, out.Confirmed)

	pol, err := h.policies.Read(context.Background(), chatID)
	require.NoError(t, err)
	assert.NotContains(t, pol.VerifiedUsers, userID)
	assert.Zero(t, h.pf.Count("send"), "no welcome without approval")
}

func TestVerifiedCacheExpires(t *testing.T) {
	h := newHarness(t, nil)
	_, err := policy.RecordVerified(context.Background(), h.policies, chatID, userID, h.clock.Now())
	require.NoError(t, err)

	h.clock.Advance(8 * 24 * time.Hour)
	h.join(t)
	pol, err := h.policies.Read(context.Background(), chatID)
	require.NoError(t, err)
	assert.NotContains(t, pol.VerifiedUsers, userID, "stale entry pruned")
}

func TestFailedApprovalStillRemovesRecord(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)
	h.pf.FailOp("approve", errors.New("platform down"))

	out := h.answer(t, rec, rec.CorrectOption)
	assert.Equal(t, OutcomeApproved, out.Kind)
	assert.False(t, out.Confirmed)
	assert.Equal(t, 0, h.store.Len())

	pol, err := h.policies.Read(context.Background(), chatID)
	require.NoError(t, err)
	assert.NotContains(t, pol.VerifiedUsers, userID)
}

func TestDeliveryFailureDeclines(t *testing.T) {
	h := newHarness(t, nil)
	h.pf.FailOp("send", errors.New("bot blocked"))

	out, err := h.ctrl.OnJoinRequest(context.Background(), JoinRequest{ChatID: chatID, UserID: userID, UserChatID: userID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeliveryFailed, out.Kind)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 1, h.pf.Count("decline"))
}

func TestSecondJoinInvalidatesOldNonce(t *testing.T) {
	h := newHarness(t, nil)
	first := h.join(t)
	second := h.join(t)
	require.NotEqual(t, first.Nonce, second.Nonce)

	out := h.answer(t, first, first.CorrectOption)
	assert.Equal(t, OutcomeStale, out.Kind)
	assert.Zero(t, h.pf.Count("approve"))
	assert.Equal(t, 1, h.store.Len())
}

func TestNotYoursLeavesRecordUntouched(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)

	out, err := h.ctrl.HandleResponse(context.Background(), Response{
		ActorID: userID + 1,
		Intent:  AnswerIntent{ChatID: chatID, UserID: userID, Choice: rec.CorrectOption, Nonce: rec.Nonce},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotYours, out.Kind)

	after, err := h.store.Get(context.Background(), chatID, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, after.Status)
	assert.Zero(t, after.Attempts)
}

func TestExpiredResponseDeclinesInline(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)
	h.clock.Advance(11 * time.Minute)

	out := h.answer(t, rec, rec.CorrectOption)
	assert.Equal(t, OutcomeExpired, out.Kind)
	assert.Equal(t, 1, h.pf.Count("decline"))
	assert.Zero(t, h.pf.Count("approve"))
	assert.Equal(t, 0, h.store.Len())
}

func TestSelfExclusionDeclinesAndBans(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)

	out, err := h.ctrl.HandleResponse(context.Background(), Response{
		ActorID: userID,
		Intent:  SelfExcludeIntent{ChatID: chatID, UserID: userID, Nonce: rec.Nonce},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSelfExcluded, out.Kind)
	assert.Equal(t, 1, h.pf.Count("decline"))
	assert.Equal(t, 1, h.pf.Count("ban"))
	assert.Equal(t, 0, h.store.Len())
}

func TestTextModeRoutesTypedAnswer(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)

	// typed answers are ignored until text mode is on
	_, handled, err := h.ctrl.HandleText(context.Background(), userID, "1")
	require.NoError(t, err)
	assert.False(t, handled)

	out, err := h.ctrl.HandleResponse(context.Background(), Response{
		ActorID: userID,
		Intent:  TextModeIntent{ChatID: chatID, UserID: userID, Nonce: rec.Nonce},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTextMode, out.Kind)
	edits := h.pf.CallsOf("edit")
	require.Len(t, edits, 1)
	assert.Contains(t, edits[0].Text, "1) ")

	out, err = h.ctrl.HandleResponse(context.Background(), Response{
		ActorID: userID,
		Intent:  TextModeIntent{ChatID: chatID, UserID: userID, Nonce: rec.Nonce},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTextModeActive, out.Kind)

	_, handled, err = h.ctrl.HandleText(context.Background(), userID, "hello")
	require.NoError(t, err)
	assert.False(t, handled)

	_, handled, err = h.ctrl.HandleText(context.Background(), userID, "/start")
	require.NoError(t, err)
	assert.False(t, handled)

	letter := string(rune('a' + rec.CorrectOption - 1))
	out, handled, err = h.ctrl.HandleText(context.Background(), userID, " "+letter+" ")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, OutcomeApproved, out.Kind)
	assert.Equal(t, 1, h.pf.Count("approve"))
}

func TestWelcomeToggle(t *testing.T) {
	h := newHarness(t, nil)
	_, err := policy.SetRules(context.Background(), h.policies, chatID, "No spam in {chat}")
	require.NoError(t, err)
	h.join(t)

	msg := platform.MessageRef{ChatID: userID, MessageID: 500}
	out, err := h.ctrl.HandleResponse(context.Background(), Response{
		ActorID: userID,
		Intent:  WelcomeIntent{ChatID: chatID, UserID: userID, View: ViewRules},
		Message: msg,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWelcomeView, out.Kind)
	edits := h.pf.CallsOf("edit")
	require.Len(t, edits, 1)
	assert.Equal(t, "No spam in Gophers", edits[0].Text)
	assert.Equal(t, "Welcome", edits[0].Kb[0][0].Text)
}

type blockingPlatform struct {
	*platformtest.Fake
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPlatform) ApproveJoin(ctx context.Context, chat, user int64) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Fake.ApproveJoin(ctx, chat, user)
}

func TestConcurrentCorrectAnswersApproveOnce(t *testing.T) {
	bp := &blockingPlatform{Fake: platformtest.New(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, bp)
	h.pf = bp.Fake
	rec := h.join(t)

	first := make(chan Outcome, 1)
	go func() {
		out, _ := h.ctrl.HandleResponse(context.Background(), Response{
			ActorID: userID,
			Intent:  AnswerIntent{ChatID: chatID, UserID: userID, Choice: rec.CorrectOption, Nonce: rec.Nonce},
		})
		first <- out
	}()
	<-bp.entered

	second := h.answer(t, rec, rec.CorrectOption)
	assert.Equal(t, OutcomeAlreadyProcessing, second.Kind)

	close(bp.release)
	assert.Equal(t, OutcomeApproved, (<-first).Kind)
	assert.Equal(t, 1, h.pf.Count("approve"))
	assert.Equal(t, 0, h.store.Len())
}

func TestConcurrentRaceHasSingleApproval(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.join(t)

	var wg sync.WaitGroup
	results := make(chan OutcomeKind, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.ctrl.HandleResponse(context.Background(), Response{
				ActorID: userID,
				Intent:  AnswerIntent{ChatID: chatID, UserID: userID, Choice: rec.CorrectOption, Nonce: rec.Nonce},
			})
			if err == nil {
				results <- out.Kind
			}
		}()
	}
	wg.Wait()
	close(results)

	approved := 0
	for k := range results {
		switch k {
		case OutcomeApproved:
			approved++
		case OutcomeAlreadyProcessing, OutcomeStale:
		default:
			t.Fatalf("unexpected outcome %s", k)
		}
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, 1, h.pf.Count("approve"))
}

type rejoinPlatform struct {
	*platformtest.Fake
	onApprove func()
}

func (r *rejoinPlatform) ApproveJoin(ctx context.Context, chat, user int64) error {
	if r.onApprove != nil {
		hook := r.onApprove
		r.onApprove = nil
		hook()
	}
	return r.Fake.ApproveJoin(ctx, chat, user)
}

func TestRejoinDuringApprovalKeepsNewSession(t *testing.T) {
	rp := &rejoinPlatform{Fake: platformtest.New()}
	h := newHarness(t, rp)
	h.pf = rp.Fake
	old := h.join(t)

	var fresh *PendingChallenge
	rp.onApprove = func() { fresh = h.join(t) }

	out := h.answer(t, old, old.CorrectOption)
	assert.Equal(t, OutcomeApproved, out.Kind)
	require.NotNil(t, fresh)
	require.NotEqual(t, old.Nonce, fresh.Nonce)

	live, err := h.store.Get(context.Background(), chatID, userID)
	require.NoError(t, err)
	assert.Equal(t, fresh.Nonce, live.Nonce)

	refs, err := h.sessions.Candidates(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, fresh.Nonce, refs[0].Nonce)

	// the replacement still takes typed answers
	_, err = h.ctrl.HandleResponse(context.Background(), Response{
		ActorID: userID,
		Intent:  TextModeIntent{ChatID: chatID, UserID: userID, Nonce: fresh.Nonce},
	})
	require.NoError(t, err)
	out, handled, err := h.ctrl.HandleText(context.Background(), userID, string(rune('0'+fresh.CorrectOption)))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, OutcomeApproved, out.Kind)
	assert.Equal(t, 0, h.store.Len())
}
