package moderation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joingate/module/admission"
	"joingate/module/federation"
	"joingate/module/policy"
	"joingate/service/platform"
	"joingate/service/platform/platformtest"
)

const (
	hubChat = int64(-100)
	adminID = int64(1)
	botID   = int64(999)
	spammer = int64(4242)
)

type auditLog struct {
	mu     sync.Mutex
	events []admission.AuditEvent
}

func (a *auditLog) Record(_ context.Context, ev admission.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *auditLog) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Kind)
	}
	return out
}

type env struct {
	mod      *Moderator
	pf       *platformtest.Fake
	policies *policy.MemStore
	feds     *federation.MemStore
	warnings *MemWarnings
	audit    *auditLog
	now      time.Time
}

var fullRights = platform.Member{
	Status:             platform.StatusAdministrator,
	CanRestrictMembers: true,
	CanDeleteMessages:  true,
	CanPinMessages:     true,
	CanManageChat:      true,
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		pf:       platformtest.New(),
		policies: policy.NewMemStore(),
		feds:     federation.NewMemStore(),
		warnings: NewMemWarnings(),
		audit:    &auditLog{},
		now:      time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	e.pf.SetMember(hubChat, adminID, platform.Member{Status: platform.StatusCreator})
	e.pf.SetMember(hubChat, botID, fullRights)
	e.pf.SetMember(hubChat, spammer, platform.Member{Status: platform.StatusMember})
	e.mod = New(e.pf, e.policies, e.feds, e.warnings, federation.NewExecutor(4), botID,
		WithAuditor(e.audit),
		WithClock(func() time.Time { return e.now }),
		WithBotUsername("@JoinGateBot"),
	)
	return e
}

func (e *env) run(t *testing.T, text string) string {
	t.Helper()
	return e.runAs(t, adminID, text, 0)
}

func (e *env) runAs(t *testing.T, actor int64, text string, replyTo int64) string {
	t.Helper()
	reply, handled, err := e.mod.Handle(context.Background(), Request{
		ChatID:        hubChat,
		ActorID:       actor,
		MessageID:     50,
		ReplyToUserID: replyTo,
		Text:          text,
	})
	require.NoError(t, err)
	require.True(t, handled, text)
	return reply
}

func TestHandleIgnoresForeignText(t *testing.T) {
	e := newEnv(t)
	for _, text := range []string{"hello", "/unknown 1", "/ban@OtherBot 5"} {
		_, handled, err := e.mod.Handle(context.Background(), Request{ChatID: hubChat, ActorID: adminID, Text: text})
		require.NoError(t, err)
		assert.False(t, handled, text)
	}
	assert.Zero(t, e.pf.Count("ban"))

	assert.Contains(t, e.run(t, "/ban@joingatebot 5"), "was banned")
}

func TestNonAdminIsRefused(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, "Admins only.", e.runAs(t, spammer, "/ban 7", 0))
	// unknown member lookups count as not admin
	assert.Equal(t, "Admins only.", e.runAs(t, 31337, "/warn 7", 0))
	assert.Zero(t, e.pf.Count("ban"))

	assert.True(t, strings.HasPrefix(e.runAs(t, spammer, "/help", 0), "Help"))
}

func TestMissingBotRights(t *testing.T) {
	e := newEnv(t)
	e.pf.SetMember(hubChat, botID, platform.Member{Status: platform.StatusAdministrator, CanPinMessages: true})

	assert.Equal(t, "I am missing rights: restrict members. Please grant them.", e.run(t, "/mute 7"))
	assert.Equal(t, "I am missing rights: delete messages. Please grant them.", e.run(t, "/purge 3"))
	assert.Zero(t, e.pf.Count("restrict"))

	e.pf.SetMember(hubChat, botID, platform.Member{Status: platform.StatusMember})
	assert.Equal(t, "I am missing rights: manage chat. Please grant them.", e.run(t, "/lock"))
}

func TestBanKickAndUnban(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, "🚫 4242 was banned. Reason: spam bot", e.runAs(t, adminID, "/ban spam bot", spammer))
	assert.Equal(t, "👢 77 was removed.", e.run(t, "/kick 77"))
	assert.Equal(t, "✅ 4242 was unbanned.", e.run(t, "/unban 4242"))

	bans := e.pf.CallsOf("ban")
	require.Len(t, bans, 2)
	assert.Equal(t, spammer, bans[0].UserID)
	assert.Equal(t, int64(77), bans[1].UserID)
	assert.Equal(t, 2, e.pf.Count("unban"))
	assert.Equal(t, []string{"mod_ban", "mod_kick", "mod_unban"}, e.audit.kinds())

	assert.Equal(t, "Usage: /ban <user-id> [reason] or reply to a message", e.run(t, "/ban"))
}

func TestBanReportsPlatformFailure(t *testing.T) {
	e := newEnv(t)
	e.pf.FailOp("ban", errors.New("forbidden"))
	assert.Equal(t, "Could not ban the user.", e.run(t, "/ban 5"))
	assert.Empty(t, e.audit.kinds())
}

func TestMuteAndUnmute(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, "🔇 5 was muted for 2h. Reason: flood", e.run(t, "/mute 5 2h flood"))
	assert.Equal(t, "🔇 6 was muted permanently.", e.run(t, "/mute 6"))
	assert.Equal(t, badDuration, e.run(t, "/mute 7 0m"))
	assert.Equal(t, "🔊 5 can write again.", e.run(t, "/unmute 5"))

	calls := e.pf.CallsOf("restrict")
	require.Len(t, calls, 3)
	assert.Equal(t, e.now.Add(2*time.Hour), calls[0].Until)
	assert.Equal(t, platform.Muted(), calls[0].Perms)
	assert.True(t, calls[1].Until.IsZero())
	assert.Equal(t, platform.Open(), calls[2].Perms)
}

func TestWarnings(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, "ℹ️ 5 has no warnings.", e.run(t, "/warnings 5"))
	assert.Equal(t, "⚠️ 5 warned. Warnings: 1. Reason: caps", e.run(t, "/warn 5 caps"))
	assert.Equal(t, "⚠️ 5 warned. Warnings: 2.", e.run(t, "/warn 5"))
	assert.Equal(t, "ℹ️ 5: 2 warning(s). Last reason: caps", e.run(t, "/warnings 5"))
	assert.Equal(t, "✅ 5 now has 1 warning(s).", e.run(t, "/unwarn 5"))
	assert.Equal(t, "✅ 5 has no warnings now.", e.run(t, "/unwarn 5"))
	assert.Equal(t, "✅ 5 has no warnings now.", e.run(t, "/unwarn 5"))

	w, err := e.warnings.Get(context.Background(), hubChat, 5)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestPurge(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, "🧹 Deleted: 10.", e.run(t, "/purge 10"))
	deletes := e.pf.CallsOf("delete")
	require.Len(t, deletes, 10)
	assert.Equal(t, int64(50), deletes[0].Ref.MessageID)
	assert.Equal(t, int64(41), deletes[9].Ref.MessageID)

	// walking back stops at the first message of the chat
	assert.Equal(t, "🧹 Deleted: 50 (max 100).", e.run(t, "/purge 500"))
	assert.Equal(t, "Usage: /purge <count>", e.run(t, "/purge x"))

	e.pf.FailOp("delete", errors.New("too old"))
	assert.Equal(t, "🧹 Deleted: 0.", e.run(t, "/purge 3"))
}

func TestPinNeedsReply(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, "Usage: reply to a message with /pin.", e.run(t, "/pin"))

	reply, _, err := e.mod.Handle(context.Background(), Request{
		ChatID: hubChat, ActorID: adminID, MessageID: 9, ReplyToMessageID: 8, Text: "/pin",
	})
	require.NoError(t, err)
	assert.Equal(t, "📌 Message pinned.", reply)
	pins := e.pf.CallsOf("pin")
	require.Len(t, pins, 1)
	assert.Equal(t, platform.MessageRef{ChatID: hubChat, MessageID: 8}, pins[0].Ref)
}

func TestLockUnlock(t *testing.T) {
	e := newEnv(t)
	assert.Contains(t, e.run(t, "/lock"), "locked")
	assert.Contains(t, e.run(t, "/unlock"), "open again")
	calls := e.pf.CallsOf("set_permissions")
	require.Len(t, calls, 2)
	assert.Equal(t, platform.Muted(), calls[0].Perms)
	assert.Equal(t, platform.Open(), calls[1].Perms)
}

func TestPolicyCommands(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, "Allowlist is empty.", e.run(t, "/listallow"))
	assert.Equal(t, "✅ Allowlist updated (1).", e.run(t, "/allow 30"))
	assert.Equal(t, "✅ Allowlist updated (2).", e.run(t, "/allow 10"))
	assert.Equal(t, "Allowlist (2): 10, 30", e.run(t, "/listallow"))
	assert.Equal(t, "✅ Denylist updated (1).", e.run(t, "/deny 30"))
	assert.Equal(t, "Allowlist (1): 10", e.run(t, "/listallow"))
	assert.Equal(t, "Denylist (1): 30", e.run(t, "/listdeny"))
	assert.Equal(t, "✅ Denylist updated (0).", e.run(t, "/undeny 30"))
	assert.Equal(t, "✅ Allowlist updated (0).", e.run(t, "/unallow 10"))

	assert.Equal(t, "Usage: /setwelcome <message>", e.run(t, "/setwelcome"))
	assert.Equal(t, "✅ Welcome message saved.", e.run(t, "/setwelcome Hi and welcome to {chat}!"))
	assert.Equal(t, "Hi and welcome to the group!", e.run(t, "/showwelcome"))
	assert.Equal(t, "✅ Rules saved.", e.run(t, "/setrules Be kind"))
	assert.Equal(t, "Be kind", e.run(t, "/showrules"))
}

func TestFederationLifecycle(t *testing.T) {
	e := newEnv(t)
	const (
		chatA = int64(-201)
		chatB = int64(-202)
	)

	assert.Equal(t, notAHub, e.run(t, "/fban 5"))
	assert.Equal(t, "No linked chats.", e.run(t, "/fedlist"))
	assert.Equal(t, "This chat does not belong to a federation.", e.run(t, "/fedinfo"))

	assert.Equal(t, "✅ Federation updated. Chats: 1.", e.run(t, "/fedadd -201"))
	assert.Equal(t, "✅ Federation updated. Chats: 2.", e.run(t, "/fedadd -202"))
	assert.Equal(t, "Linked chats (2): -202, -201", e.run(t, "/fedlist"))

	e.pf.FailChat(chatB, errors.New("bot was kicked"))
	summary := e.run(t, "/fban 5 raid")
	assert.Equal(t, "Federation fban: 5\nReason: raid\nSuccess: 1 | Failed: 1\nFailed chats: -202", summary)
	assert.Equal(t, "Federation: -100 | Chats: 2 | fBans: 1", e.run(t, "/fedinfo"))

	rec, err := e.feds.Get(context.Background(), hubChat)
	require.NoError(t, err)
	assert.True(t, rec.IsBanned(5))

	summary = e.run(t, "/fmute 6 1d")
	assert.True(t, strings.HasPrefix(summary, "Federation fmute for 1d: 6\nSuccess: 1 | Failed: 1"), summary)

	assert.Equal(t, "Federation funban: 5\nSuccess: 1 | Failed: 1\nFailed chats: -202", e.run(t, "/funban 5"))
	rec, err = e.feds.Get(context.Background(), hubChat)
	require.NoError(t, err)
	assert.False(t, rec.IsBanned(5))

	assert.Equal(t, "✅ Federation updated. Chats: 1.", e.run(t, "/fedremove -202"))
	hub, ok, err := e.feds.HubOf(context.Background(), chatA)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, hubChat, hub)
	_, ok, err = e.feds.HubOf(context.Background(), chatB)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFedSetLinksToExistingHub(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	const other = int64(-300)

	assert.Equal(t, "Federation not found. Use /fedadd in the federation chat.", e.run(t, "/fedset -300"))

	_, err := federation.Ensure(ctx, e.feds, other)
	require.NoError(t, err)
	assert.Equal(t, "✅ Chat linked to federation -300.", e.run(t, "/fedset -300"))

	rec, err := federation.ForChat(ctx, e.feds, hubChat)
	require.NoError(t, err)
	assert.Equal(t, other, rec.HubChatID)
	assert.Equal(t, []int64{hubChat}, rec.LinkedChats)
}

func TestFedSummaryTruncatesFailures(t *testing.T) {
	failed := make([]int64, 12)
	for i := range failed {
		failed[i] = int64(-(i + 1))
	}
	out := fedSummary("fban", 5, "", federation.Result{SuccessCount: 3, FailedChatIDs: failed})
	assert.Equal(t, "Federation fban: 5\nSuccess: 3 | Failed: 12\nFailed chats: -1, -2, -3, -4, -5, -6, -7, -8, -9, -10 ...", out)
}
