package platform

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Member statuses reported by GetChatMember.
const (
	StatusCreator       = "creator"
	StatusAdministrator = "administrator"
	StatusMember        = "member"
	StatusRestricted    = "restricted"
	StatusLeft          = "left"
	StatusKicked        = "kicked"
)

// MessageRef addresses a delivered message for later edit/delete.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.MessageID == 0 }

// Button is one inline affordance; Data is delivered back as a callback.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// Keyboard is rows of buttons.
type Keyboard [][]Button

type Permissions struct {
	CanSendMessages       bool `json:"can_send_messages"`
	CanSendMedia          bool `json:"can_send_media"`
	CanSendPolls          bool `json:"can_send_polls"`
	CanSendOther          bool `json:"can_send_other"`
	CanAddWebPagePreviews bool `json:"can_add_web_page_previews"`
	CanChangeInfo         bool `json:"can_change_info"`
	CanInviteUsers        bool `json:"can_invite_users"`
	CanPinMessages        bool `json:"can_pin_messages"`
}

// Muted denies everything.
func Muted() Permissions { return Permissions{} }

// Open grants the ordinary member permissions.
func Open() Permissions {
	return Permissions{
		CanSendMessages:       true,
		CanSendMedia:          true,
		CanSendPolls:          true,
		CanSendOther:          true,
		CanAddWebPagePreviews: true,
		CanInviteUsers:        true,
	}
}

type Member struct {
	Status             string `json:"status"`
	CanRestrictMembers bool   `json:"can_restrict_members"`
	CanDeleteMessages  bool   `json:"can_delete_messages"`
	CanPinMessages     bool   `json:"can_pin_messages"`
	CanManageChat      bool   `json:"can_manage_chat"`
}

func (m Member) IsAdmin() bool {
	return m.Status == StatusAdministrator || m.Status == StatusCreator
}

// ChatPlatform is the outbound capability surface. A nil error means the
// platform confirmed the side effect; any error means it was only attempted.
type ChatPlatform interface {
	ApproveJoin(ctx context.Context, chatID, userID int64) error
	DeclineJoin(ctx context.Context, chatID, userID int64) error
	BanMember(ctx context.Context, chatID, userID int64) error
	UnbanMember(ctx context.Context, chatID, userID int64) error
	// RestrictMember applies perms until the given time; zero means forever.
	RestrictMember(ctx context.Context, chatID, userID int64, perms Permissions, until time.Time) error
	SendMessage(ctx context.Context, chatID int64, text string, kb Keyboard) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, text string, kb Keyboard) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	GetChatMember(ctx context.Context, chatID, userID int64) (Member, error)
	PinMessage(ctx context.Context, ref MessageRef) error
	UnpinMessage(ctx context.Context, ref MessageRef) error
	SetChatPermissions(ctx context.Context, chatID int64, perms Permissions) error
}

// Attempt runs a best-effort platform call: failures are logged at WARN and
// reported back as false, never returned.
func Attempt(log *zap.Logger, op string, chatID, userID int64, call func() error) bool {
	if err := call(); err != nil {
		log.Warn("platform call failed",
			zap.String("op", op),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return false
	}
	return true
}
