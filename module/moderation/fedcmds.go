package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"joingate/module/federation"
	"joingate/service/platform"
)

const (
	notAHub     = "This chat is not a federation. Use /fedadd in the federation chat."
	failPreview = 10
)

func (m *Moderator) fedSet(ctx context.Context, c call) (string, error) {
	if len(c.cmd.Args) == 0 {
		return usage("fedset", "<hub_chat_id>"), nil
	}
	hub, ok := parseID(c.cmd.Args[0])
	if !ok {
		return usage("fedset", "<hub_chat_id>"), nil
	}
	if _, err := m.feds.Get(ctx, hub); err != nil {
		if errors.Is(err, federation.ErrNotFound) {
			return "Federation not found. Use /fedadd in the federation chat.", nil
		}
		return "", err
	}
	if _, err := federation.AddChat(ctx, m.feds, hub, c.chat); err != nil {
		return "", err
	}
	m.record(ctx, "fedset", c.chat, 0, strconv.FormatInt(hub, 10))
	return fmt.Sprintf("✅ Chat linked to federation %d.", hub), nil
}

func (m *Moderator) fedAdd(ctx context.Context, c call) (string, error) {
	chatID, ok := firstID(c.cmd.Args)
	if !ok {
		return usage("fedadd", "<chat_id>"), nil
	}
	rec, err := federation.AddChat(ctx, m.feds, c.chat, chatID)
	if err != nil {
		return "", err
	}
	m.record(ctx, "fedadd", c.chat, 0, strconv.FormatInt(chatID, 10))
	return fmt.Sprintf("✅ Federation updated. Chats: %d.", len(rec.LinkedChats)), nil
}

func (m *Moderator) fedRemove(ctx context.Context, c call) (string, error) {
	chatID, ok := firstID(c.cmd.Args)
	if !ok {
		return usage("fedremove", "<chat_id>"), nil
	}
	rec, err := federation.RemoveChat(ctx, m.feds, c.chat, chatID)
	if err != nil {
		return "", err
	}
	m.record(ctx, "fedremove", c.chat, 0, strconv.FormatInt(chatID, 10))
	return fmt.Sprintf("✅ Federation updated. Chats: %d.", len(rec.LinkedChats)), nil
}

func (m *Moderator) fedList(ctx context.Context, c call) (string, error) {
	rec, err := m.hub(ctx, c.chat)
	if err != nil {
		return "", err
	}
	if rec == nil || len(rec.LinkedChats) == 0 {
		return "No linked chats.", nil
	}
	return fmt.Sprintf("Linked chats (%d): %s", len(rec.LinkedChats), formatIDs(rec.LinkedChats)), nil
}

func (m *Moderator) fedInfo(ctx context.Context, c call) (string, error) {
	rec, err := federation.ForChat(ctx, m.feds, c.chat)
	if errors.Is(err, federation.ErrNotFound) {
		return "This chat does not belong to a federation.", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Federation: %d | Chats: %d | fBans: %d", rec.HubChatID, len(rec.LinkedChats), len(rec.BannedUsers)), nil
}

func (m *Moderator) fban(ctx context.Context, c call) (string, error) {
	rec, err := m.hub(ctx, c.chat)
	if err != nil || rec == nil {
		return notAHub, err
	}
	target, rest, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("fban", "<user-id> [reason]"), nil
	}
	reason := strings.Join(rest, " ")
	if rec, err = federation.AddBan(ctx, m.feds, c.chat, target); err != nil {
		return "", err
	}
	res := m.fanout.ApplyToAll(ctx, rec.LinkedChats, func(ctx context.Context, chatID int64) error {
		return m.platform.BanMember(ctx, chatID, target)
	})
	m.record(ctx, "fban", c.chat, target, reason)
	return fedSummary("fban", target, reason, res), nil
}

func (m *Moderator) funban(ctx context.Context, c call) (string, error) {
	rec, err := m.hub(ctx, c.chat)
	if err != nil || rec == nil {
		return notAHub, err
	}
	target, _, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("funban", "<user-id>"), nil
	}
	if rec, err = federation.RemoveBan(ctx, m.feds, c.chat, target); err != nil {
		return "", err
	}
	res := m.fanout.ApplyToAll(ctx, rec.LinkedChats, func(ctx context.Context, chatID int64) error {
		return m.platform.UnbanMember(ctx, chatID, target)
	})
	m.record(ctx, "funban", c.chat, target, "")
	return fedSummary("funban", target, "", res), nil
}

func (m *Moderator) fmute(ctx context.Context, c call) (string, error) {
	rec, err := m.hub(ctx, c.chat)
	if err != nil || rec == nil {
		return notAHub, err
	}
	target, rest, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("fmute", "<user-id> [10m|2h|1d] [reason]"), nil
	}
	until, label, reason, err := mutePlan(rest, m.now())
	if err != nil {
		return badDuration, nil
	}
	res := m.fanout.ApplyToAll(ctx, rec.LinkedChats, func(ctx context.Context, chatID int64) error {
		return m.platform.RestrictMember(ctx, chatID, target, platform.Muted(), until)
	})
	m.record(ctx, "fmute", c.chat, target, strings.TrimSpace(label+" "+reason))
	return fedSummary("fmute"+label, target, reason, res), nil
}

func (m *Moderator) funmute(ctx context.Context, c call) (string, error) {
	rec, err := m.hub(ctx, c.chat)
	if err != nil || rec == nil {
		return notAHub, err
	}
	target, _, ok := resolveTarget(c.cmd.Args, c.req.ReplyToUserID)
	if !ok {
		return usage("funmute", "<user-id>"), nil
	}
	res := m.fanout.ApplyToAll(ctx, rec.LinkedChats, func(ctx context.Context, chatID int64) error {
		return m.platform.RestrictMember(ctx, chatID, target, platform.Open(), time.Time{})
	})
	m.record(ctx, "funmute", c.chat, target, "")
	return fedSummary("funmute", target, "", res), nil
}

// hub returns the federation whose hub is chatID, or nil.
func (m *Moderator) hub(ctx context.Context, chatID int64) (*federation.Record, error) {
	rec, err := m.feds.Get(ctx, chatID)
	if errors.Is(err, federation.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func firstID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	return parseID(args[0])
}

func fedSummary(action string, target int64, reason string, res federation.Result) string {
	lines := []string{fmt.Sprintf("Federation %s: %s", action, userLabel(target))}
	if reason != "" {
		lines = append(lines, "Reason: "+reason)
	}
	lines = append(lines, fmt.Sprintf("Success: %d | Failed: %d", res.SuccessCount, res.FailedCount()))
	if n := len(res.FailedChatIDs); n > 0 {
		preview := formatIDs(res.FailedChatIDs[:min(n, failPreview)])
		if n > failPreview {
			preview += " ..."
		}
		lines = append(lines, "Failed chats: "+preview)
	}
	return strings.Join(lines, "\n")
}
