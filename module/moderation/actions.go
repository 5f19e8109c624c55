package moderation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"joingate/module/policy"
	"joingate/service/platform"
)

func userLabel(id int64) string { return strconv.FormatInt(id, 10) }

func (m *Moderator) help(context.Context, call) (string, error) {
	return strings.Join([]string{
		"Help",
		"",
		"Moderation (admins):",
		"/ban /unban /kick",
		"/mute /unmute [10m|2h|1d]",
		"/warn /unwarn /warnings",
		"/purge <count>",
		"/pin /unpin (reply)",
		"/lock /unlock",
		"",
		"Federation:",
		"/fedset <hub_chat_id>",
		"/fedadd <chat_id> | /fedremove <chat_id> | /fedlist",
		"/fban /funban /fmute /funmute",
		"/fedinfo",
		"",
		"Configuration:",
		"/setwelcome /setrules /showwelcome /showrules",
		"/allow /deny /unallow /undeny /listallow /listdeny",
	}, "\n"), nil
}

func (m *Moderator) ban(ctx context.Context, c call) (string, error) {
	target, rest, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("ban", "<user-id> [reason] or reply to a message"), nil
	}
	reason := strings.Join(rest, " ")
	if !m.attempt("ban", c.chat, target, func() error { return m.platform.BanMember(ctx, c.chat, target) }) {
		return "Could not ban the user.", nil
	}
	m.record(ctx, "ban", c.chat, target, reason)
	return withReason(fmt.Sprintf("🚫 %s was banned.", userLabel(target)), reason), nil
}

func (m *Moderator) unban(ctx context.Context, c call) (string, error) {
	target, _, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("unban", "<user-id> or reply to a message"), nil
	}
	if !m.attempt("unban", c.chat, target, func() error { return m.platform.UnbanMember(ctx, c.chat, target) }) {
		return "Could not unban the user.", nil
	}
	m.record(ctx, "unban", c.chat, target, "")
	return fmt.Sprintf("✅ %s was unbanned.", userLabel(target)), nil
}

func (m *Moderator) kick(ctx context.Context, c call) (string, error) {
	target, rest, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("kick", "<user-id> [reason] or reply to a message"), nil
	}
	reason := strings.Join(rest, " ")
	kicked := m.attempt("kick", c.chat, target, func() error {
		if err := m.platform.BanMember(ctx, c.chat, target); err != nil {
			return err
		}
		return m.platform.UnbanMember(ctx, c.chat, target)
	})
	if !kicked {
		return "Could not remove the user.", nil
	}
	m.record(ctx, "kick", c.chat, target, reason)
	return withReason(fmt.Sprintf("👢 %s was removed.", userLabel(target)), reason), nil
}

func (m *Moderator) mute(ctx context.Context, c call) (string, error) {
	target, rest, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("mute", "<user-id> [10m|2h|1d] [reason]"), nil
	}
	until, label, reason, err := mutePlan(rest, m.now())
	if err != nil {
		return badDuration, nil
	}
	if !m.attempt("restrict", c.chat, target, func() error {
		return m.platform.RestrictMember(ctx, c.chat, target, platform.Muted(), until)
	}) {
		return "Could not mute the user.", nil
	}
	m.record(ctx, "mute", c.chat, target, strings.TrimSpace(label+" "+reason))
	return withReason(fmt.Sprintf("🔇 %s was muted%s.", userLabel(target), label), reason), nil
}

func (m *Moderator) unmute(ctx context.Context, c call) (string, error) {
	target, _, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("unmute", "<user-id> or reply to a message"), nil
	}
	if !m.attempt("restrict", c.chat, target, func() error {
		return m.platform.RestrictMember(ctx, c.chat, target, platform.Open(), time.Time{})
	}) {
		return "Could not unmute the user.", nil
	}
	m.record(ctx, "unmute", c.chat, target, "")
	return fmt.Sprintf("🔊 %s can write again.", userLabel(target)), nil
}

func (m *Moderator) warn(ctx context.Context, c call) (string, error) {
	target, rest, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("warn", "<user-id> [reason]"), nil
	}
	reason := strings.Join(rest, " ")
	w, err := m.warnings.Increment(ctx, c.chat, target, reason, c.req.ActorID, m.now())
	if err != nil {
		return "", err
	}
	m.record(ctx, "warn", c.chat, target, reason)
	return withReason(fmt.Sprintf("⚠️ %s warned. Warnings: %d.", userLabel(target), w.Count), reason), nil
}

func (m *Moderator) unwarn(ctx context.Context, c call) (string, error) {
	target, _, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("unwarn", "<user-id> or reply to a message"), nil
	}
	w, err := m.warnings.Decrement(ctx, c.chat, target, c.req.ActorID, m.now())
	if err != nil {
		return "", err
	}
	if w == nil || w.Count == 0 {
		return fmt.Sprintf("✅ %s has no warnings now.", userLabel(target)), nil
	}
	return fmt.Sprintf("✅ %s now has %d warning(s).", userLabel(target), w.Count), nil
}

func (m *Moderator) showWarnings(ctx context.Context, c call) (string, error) {
	target, _, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("warnings", "<user-id> or reply to a message"), nil
	}
	w, err := m.warnings.Get(ctx, c.chat, target)
	if err != nil {
		return "", err
	}
	if w == nil || w.Count == 0 {
		return fmt.Sprintf("ℹ️ %s has no warnings.", userLabel(target)), nil
	}
	text := fmt.Sprintf("ℹ️ %s: %d warning(s).", userLabel(target), w.Count)
	if w.LastReason != "" {
		text += " Last reason: " + w.LastReason
	}
	return text, nil
}

func (m *Moderator) purge(ctx context.Context, c call) (string, error) {
	if len(c.cmd.Args) == 0 {
		return usage("purge", "<count>"), nil
	}
	n, err := strconv.Atoi(c.cmd.Args[0])
	if err != nil || n <= 0 {
		return usage("purge", "<count>"), nil
	}
	if c.req.MessageID <= 0 {
		return "Could not find the message id.", nil
	}
	count := min(n, MaxPurge)
	deleted := 0
	for i := 0; i < count; i++ {
		id := c.req.MessageID - int64(i)
		if id <= 0 {
			break
		}
		// failures are expected for already deleted or service messages
		if err := m.platform.DeleteMessage(ctx, platform.MessageRef{ChatID: c.chat, MessageID: id}); err == nil {
			deleted++
		}
	}
	suffix := ""
	if n > MaxPurge {
		suffix = fmt.Sprintf(" (max %d)", MaxPurge)
	}
	m.record(ctx, "purge", c.chat, 0, strconv.Itoa(deleted))
	return fmt.Sprintf("🧹 Deleted: %d%s.", deleted, suffix), nil
}

func (m *Moderator) pin(ctx context.Context, c call) (string, error) {
	if c.req.ReplyToMessageID == 0 {
		return "Usage: reply to a message with /pin.", nil
	}
	ref := platform.MessageRef{ChatID: c.chat, MessageID: c.req.ReplyToMessageID}
	if !m.attempt("pin", c.chat, 0, func() error { return m.platform.PinMessage(ctx, ref) }) {
		return "Could not pin the message.", nil
	}
	return "📌 Message pinned.", nil
}

func (m *Moderator) unpin(ctx context.Context, c call) (string, error) {
	if c.req.ReplyToMessageID == 0 {
		return "Usage: reply to a pinned message with /unpin.", nil
	}
	ref := platform.MessageRef{ChatID: c.chat, MessageID: c.req.ReplyToMessageID}
	if !m.attempt("unpin", c.chat, 0, func() error { return m.platform.UnpinMessage(ctx, ref) }) {
		return "Could not unpin the message.", nil
	}
	return "✅ Message unpinned.", nil
}

func (m *Moderator) lock(ctx context.Context, c call) (string, error) {
	if !m.attempt("set_permissions", c.chat, 0, func() error {
		return m.platform.SetChatPermissions(ctx, c.chat, platform.Muted())
	}) {
		return "Could not lock the chat.", nil
	}
	m.record(ctx, "lock", c.chat, 0, "")
	return "🔒 Chat is locked (only admins can write).", nil
}

func (m *Moderator) unlock(ctx context.Context, c call) (string, error) {
	if !m.attempt("set_permissions", c.chat, 0, func() error {
		return m.platform.SetChatPermissions(ctx, c.chat, platform.Open())
	}) {
		return "Could not unlock the chat.", nil
	}
	m.record(ctx, "unlock", c.chat, 0, "")
	return "🔓 Chat is open again.", nil
}

type listEdit func(ctx context.Context, s policy.Store, chatID, userID int64) (*policy.GroupPolicy, error)

func (m *Moderator) editList(ctx context.Context, c call, name string, edit listEdit, deny bool) (string, error) {
	target, _, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage(name, "<user-id> or reply to a message"), nil
	}
	p, err := edit(ctx, m.policies, c.chat, target)
	if err != nil {
		return "", err
	}
	m.record(ctx, name, c.chat, target, "")
	if deny {
		return fmt.Sprintf("✅ Denylist updated (%d).", len(p.Denylist)), nil
	}
	return fmt.Sprintf("✅ Allowlist updated (%d).", len(p.Allowlist)), nil
}

func (m *Moderator) allow(ctx context.Context, c call) (string, error) {
	return m.editList(ctx, c, "allow", policy.AddAllow, false)
}

func (m *Moderator) unallow(ctx context.Context, c call) (string, error) {
	return m.editList(ctx, c, "unallow", policy.RemoveAllow, false)
}

func (m *Moderator) deny(ctx context.Context, c call) (string, error) {
	return m.editList(ctx, c, "deny", policy.AddDeny, true)
}

func (m *Moderator) undeny(ctx context.Context, c call) (string, error) {
	return m.editList(ctx, c, "undeny", policy.RemoveDeny, true)
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func (m *Moderator) listAllow(ctx context.Context, c call) (string, error) {
	p, err := m.policies.Read(ctx, c.chat)
	if err != nil {
		return "", err
	}
	if len(p.Allowlist) == 0 {
		return "Allowlist is empty.", nil
	}
	return fmt.Sprintf("Allowlist (%d): %s", len(p.Allowlist), formatIDs(p.Allowlist)), nil
}

func (m *Moderator) listDeny(ctx context.Context, c call) (string, error) {
	p, err := m.policies.Read(ctx, c.chat)
	if err != nil {
		return "", err
	}
	if len(p.Denylist) == 0 {
		return "Denylist is empty.", nil
	}
	return fmt.Sprintf("Denylist (%d): %s", len(p.Denylist), formatIDs(p.Denylist)), nil
}

func (m *Moderator) setWelcome(ctx context.Context, c call) (string, error) {
	if c.cmd.Payload == "" {
		return usage("setwelcome", "<message>"), nil
	}
	if _, err := policy.SetWelcome(ctx, m.policies, c.chat, c.cmd.Payload); err != nil {
		return "", err
	}
	return "✅ Welcome message saved.", nil
}

func (m *Moderator) setRules(ctx context.Context, c call) (string, error) {
	if c.cmd.Payload == "" {
		return usage("setrules", "<message>"), nil
	}
	if _, err := policy.SetRules(ctx, m.policies, c.chat, c.cmd.Payload); err != nil {
		return "", err
	}
	return "✅ Rules saved.", nil
}

func (m *Moderator) showWelcome(ctx context.Context, c call) (string, error) {
	p, err := m.policies.Read(ctx, c.chat)
	if err != nil {
		return "", err
	}
	return policy.RenderTemplate(p.WelcomeMessage, p.Title), nil
}

func (m *Moderator) showRules(ctx context.Context, c call) (string, error) {
	p, err := m.policies.Read(ctx, c.chat)
	if err != nil {
		return "", err
	}
	return policy.RenderTemplate(p.RulesMessage, p.Title), nil
}
