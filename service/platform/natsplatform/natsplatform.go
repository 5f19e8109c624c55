// Package natsplatform implements platform.ChatPlatform as NATS requests to
// a platform executor that owns the bot token. Each call waits for the
// executor's reply, so a nil error means the side effect was confirmed.
package natsplatform

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"joingate/service/platform"
	"joingate/tools/errs"
)

// Requester is the part of *nats.Conn the adapter needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Request is the payload sent to "<prefix>.<op>".
type Request struct {
	ChatID   int64                 `json:"chat_id,omitempty"`
	UserID   int64                 `json:"user_id,omitempty"`
	Text     string                `json:"text,omitempty"`
	Keyboard platform.Keyboard     `json:"keyboard,omitempty"`
	Ref      *platform.MessageRef  `json:"ref,omitempty"`
	Perms    *platform.Permissions `json:"perms,omitempty"`
	// Until is unix seconds; 0 means forever.
	Until int64 `json:"until,omitempty"`
}

// Reply is what the executor answers.
type Reply struct {
	OK     bool                 `json:"ok"`
	Error  string               `json:"error,omitempty"`
	Ref    *platform.MessageRef `json:"ref,omitempty"`
	Member *platform.Member     `json:"member,omitempty"`
}

type Platform struct {
	nc      Requester
	prefix  string
	timeout time.Duration
}

type Option func(*Platform)

func WithTimeout(d time.Duration) Option { return func(p *Platform) { p.timeout = d } }

func New(nc Requester, prefix string, opts ...Option) *Platform {
	p := &Platform{nc: nc, prefix: prefix, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Platform) do(ctx context.Context, op string, req Request) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal platform request", "op", op)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.nc.RequestWithContext(ctx, p.prefix+"."+op, body)
	if err != nil {
		return nil, errs.ErrPlatformCall.WrapMsg(err.Error(), "op", op, "chat_id", req.ChatID)
	}
	var rep Reply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return nil, errs.ErrPlatformCall.WrapMsg("bad reply: "+err.Error(), "op", op)
	}
	if !rep.OK {
		return nil, errs.ErrPlatformCall.WrapMsg(rep.Error, "op", op, "chat_id", req.ChatID, "user_id", req.UserID)
	}
	return &rep, nil
}

func (p *Platform) call(ctx context.Context, op string, req Request) error {
	_, err := p.do(ctx, op, req)
	return err
}

func untilUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (p *Platform) ApproveJoin(ctx context.Context, chatID, userID int64) error {
	return p.call(ctx, "approve", Request{ChatID: chatID, UserID: userID})
}

func (p *Platform) DeclineJoin(ctx context.Context, chatID, userID int64) error {
	return p.call(ctx, "decline", Request{ChatID: chatID, UserID: userID})
}

func (p *Platform) BanMember(ctx context.Context, chatID, userID int64) error {
	return p.call(ctx, "ban", Request{ChatID: chatID, UserID: userID})
}

func (p *Platform) UnbanMember(ctx context.Context, chatID, userID int64) error {
	return p.call(ctx, "unban", Request{ChatID: chatID, UserID: userID})
}

func (p *Platform) RestrictMember(ctx context.Context, chatID, userID int64, perms platform.Permissions, until time.Time) error {
	return p.call(ctx, "restrict", Request{ChatID: chatID, UserID: userID, Perms: &perms, Until: untilUnix(until)})
}

func (p *Platform) SendMessage(ctx context.Context, chatID int64, text string, kb platform.Keyboard) (platform.MessageRef, error) {
	rep, err := p.do(ctx, "send", Request{ChatID: chatID, Text: text, Keyboard: kb})
	if err != nil {
		return platform.MessageRef{}, err
	}
	if rep.Ref == nil {
		return platform.MessageRef{}, errs.ErrPlatformCall.WrapMsg("send reply without message ref", "chat_id", chatID)
	}
	return *rep.Ref, nil
}

func (p *Platform) EditMessage(ctx context.Context, ref platform.MessageRef, text string, kb platform.Keyboard) error {
	return p.call(ctx, "edit", Request{ChatID: ref.ChatID, Ref: &ref, Text: text, Keyboard: kb})
}

func (p *Platform) DeleteMessage(ctx context.Context, ref platform.MessageRef) error {
	return p.call(ctx, "delete", Request{ChatID: ref.ChatID, Ref: &ref})
}

func (p *Platform) GetChatMember(ctx context.Context, chatID, userID int64) (platform.Member, error) {
	rep, err := p.do(ctx, "get_member", Request{ChatID: chatID, UserID: userID})
	if err != nil {
		return platform.Member{}, err
	}
	if rep.Member == nil {
		return platform.Member{}, errs.ErrPlatformCall.WrapMsg("member reply without member", "chat_id", chatID, "user_id", userID)
	}
	return *rep.Member, nil
}

func (p *Platform) PinMessage(ctx context.Context, ref platform.MessageRef) error {
	return p.call(ctx, "pin", Request{ChatID: ref.ChatID, Ref: &ref})
}

func (p *Platform) UnpinMessage(ctx context.Context, ref platform.MessageRef) error {
	return p.call(ctx, "unpin", Request{ChatID: ref.ChatID, Ref: &ref})
}

func (p *Platform) SetChatPermissions(ctx context.Context, chatID int64, perms platform.Permissions) error {
	return p.call(ctx, "set_permissions", Request{ChatID: chatID, Perms: &perms})
}

var (
	_ platform.ChatPlatform = (*Platform)(nil)
	_ Requester             = (*nats.Conn)(nil)
)
