package policy

import (
	"slices"
	"strings"
	"time"
)

const (
	DefaultWelcomeMessage = "✅ Verified! Welcome to {chat}.\nPlease read the rules."
	DefaultRulesMessage   = "1. Be respectful.\n2. No spam.\n3. Follow the mods."
)

// GroupPolicy is the per-chat admission configuration.
type GroupPolicy struct {
	ChatID int64
	// Title is the last chat title seen on a join request.
	Title          string
	WelcomeMessage string
	RulesMessage   string
	Allowlist      []int64
	Denylist       []int64
	// VerifiedUsers maps user id to the unix-millisecond verification time.
	VerifiedUsers map[int64]int64
}

// Default returns the policy of a chat that was never configured.
func Default(chatID int64) *GroupPolicy {
	return &GroupPolicy{
		ChatID:         chatID,
		WelcomeMessage: DefaultWelcomeMessage,
		RulesMessage:   DefaultRulesMessage,
		Allowlist:      []int64{},
		Denylist:       []int64{},
		VerifiedUsers:  map[int64]int64{},
	}
}

func (p *GroupPolicy) IsAllowed(userID int64) bool { return slices.Contains(p.Allowlist, userID) }

func (p *GroupPolicy) IsDenied(userID int64) bool { return slices.Contains(p.Denylist, userID) }

// IsVerified reports whether userID has an unexpired verified entry.
func (p *GroupPolicy) IsVerified(userID int64, now time.Time, ttl time.Duration) bool {
	ts, ok := p.VerifiedUsers[userID]
	return ok && now.UnixMilli()-ts <= ttl.Milliseconds()
}

// Patch carries the fields to overwrite; nil fields are left alone.
type Patch struct {
	Title          *string
	WelcomeMessage *string
	RulesMessage   *string
	Allowlist      []int64
	Denylist       []int64
	VerifiedUsers map[int64]int64

	SetAllowlist     bool
	SetDenylist      bool
	SetVerifiedUsers bool
}

// Apply returns a copy of p with the patch applied.
func (p *GroupPolicy) Apply(patch Patch) *GroupPolicy {
	out := p.Clone()
	if patch.Title != nil {
		out.Title = *patch.Title
	}
	if patch.WelcomeMessage != nil {
		out.WelcomeMessage = *patch.WelcomeMessage
	}
	if patch.RulesMessage != nil {
		out.RulesMessage = *patch.RulesMessage
	}
	if patch.SetAllowlist {
		out.Allowlist = slices.Clone(patch.Allowlist)
	}
	if patch.SetDenylist {
		out.Denylist = slices.Clone(patch.Denylist)
	}
	if patch.SetVerifiedUsers {
		out.VerifiedUsers = make(map[int64]int64, len(patch.VerifiedUsers))
		for k, v := range patch.VerifiedUsers {
			out.VerifiedUsers[k] = v
		}
	}
	return out
}

func (p *GroupPolicy) Clone() *GroupPolicy {
	out := *p
	out.Allowlist = slices.Clone(p.Allowlist)
	out.Denylist = slices.Clone(p.Denylist)
	out.VerifiedUsers = make(map[int64]int64, len(p.VerifiedUsers))
	for k, v := range p.VerifiedUsers {
		out.VerifiedUsers[k] = v
	}
	return &out
}

// RenderTemplate substitutes {chat} and {chatTitle}.
func RenderTemplate(template, chatTitle string) string {
	if chatTitle == "" {
		chatTitle = "the group"
	}
	return strings.NewReplacer("{chat}", chatTitle, "{chatTitle}", chatTitle).Replace(template)
}

// normalizeUserList dedupes and sorts ascending.
func normalizeUserList(values []int64) []int64 {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

func without(values []int64, userID int64) []int64 {
	return slices.DeleteFunc(slices.Clone(values), func(v int64) bool { return v == userID })
}
