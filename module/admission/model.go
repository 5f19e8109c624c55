package admission

import (
	"slices"
	"time"

	"joingate/module/captcha"
	"joingate/service/platform"
	"joingate/tools/errs"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

var (
	ErrNotFound          = errs.NewCodeError(errs.NotFoundError, "pending challenge not found")
	ErrNonceMismatch     = errs.NewCodeError(errs.NonceMismatch, "nonce mismatch")
	ErrAlreadyProcessing = errs.NewCodeError(errs.AlreadyProcessed, "already processing")
	// ErrNotLocked is returned by Release when the record is not held.
	ErrNotLocked = errs.NewCodeError(errs.NotLockedError, "pending challenge not locked")
)

// Key identifies the single pending challenge a user may have in a chat.
type Key struct {
	ChatID int64
	UserID int64
}

// PendingChallenge is one outstanding verification attempt.
type PendingChallenge struct {
	ChatID      int64  `json:"chat_id"`
	UserID      int64  `json:"user_id"`
	UserChatID  int64  `json:"user_chat_id"`
	ChatTitle   string `json:"chat_title,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Nonce       string `json:"nonce"`

	Question      string     `json:"question"`
	Options       [][]string `json:"options"`
	CorrectOption int        `json:"correct_option"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	CooldownUntil time.Time `json:"cooldown_until"`

	Status    Status              `json:"status"`
	TextMode  bool                `json:"text_mode"`
	PromptRef platform.MessageRef `json:"prompt_ref"`
}

func (p *PendingChallenge) Key() Key { return Key{ChatID: p.ChatID, UserID: p.UserID} }

// Expired reports whether now is at or past ExpiresAt. The boundary is
// inclusive so it agrees with ListExpired, which returns records whose
// ExpiresAt is not after now.
func (p *PendingChallenge) Expired(now time.Time) bool { return !now.Before(p.ExpiresAt) }

// CooldownRemaining is zero when no cooldown is active.
func (p *PendingChallenge) CooldownRemaining(now time.Time) time.Duration {
	if p.CooldownUntil.IsZero() || !now.Before(p.CooldownUntil) {
		return 0
	}
	return p.CooldownUntil.Sub(now)
}

func (p *PendingChallenge) CaptchaOptions() []captcha.Option {
	out := make([]captcha.Option, len(p.Options))
	for i, row := range p.Options {
		out[i] = captcha.Option{Symbols: row}
	}
	return out
}

func (p *PendingChallenge) Clone() *PendingChallenge {
	out := *p
	out.Options = make([][]string, len(p.Options))
	for i, row := range p.Options {
		out.Options[i] = slices.Clone(row)
	}
	return &out
}
