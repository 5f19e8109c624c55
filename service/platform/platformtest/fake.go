// Package platformtest provides a recording ChatPlatform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"joingate/service/platform"
)

// Call is one recorded platform invocation.
type Call struct {
	Op     string
	ChatID int64
	UserID int64
	Text   string
	Ref    platform.MessageRef
	Perms  platform.Permissions
	Until  time.Time
	Kb     platform.Keyboard
}

type Fake struct {
	mu      sync.Mutex
	calls   []Call
	nextID  int64
	fail    map[string]error
	failFor map[int64]error
	members map[[2]int64]platform.Member
}

func New() *Fake {
	return &Fake{
		fail:    make(map[string]error),
		failFor: make(map[int64]error),
		members: make(map[[2]int64]platform.Member),
	}
}

// FailOp makes every call of op return err.
func (f *Fake) FailOp(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// FailChat makes every call targeting chatID return err.
func (f *Fake) FailChat(chatID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[chatID] = err
}

func (f *Fake) SetMember(chatID, userID int64, m platform.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[[2]int64{chatID, userID}] = m
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsOf returns the recorded calls for op.
func (f *Fake) CallsOf(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Count(op string) int { return len(f.CallsOf(op)) }

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if err := f.fail[c.Op]; err != nil {
		return err
	}
	chat := c.ChatID
	if chat == 0 {
		chat = c.Ref.ChatID
	}
	if err := f.failFor[chat]; err != nil {
		return err
	}
	return nil
}

func (f *Fake) ApproveJoin(_ context.Context, chatID, userID int64) error {
	return f.record(Call{Op: "approve", ChatID: chatID, UserID: userID})
}

func (f *Fake) DeclineJoin(_ context.Context, chatID, userID int64) error {
	return f.record(Call{Op: "decline", ChatID: chatID, UserID: userID})
}

func (f *Fake) BanMember(_ context.Context, chatID, userID int64) error {
	return f.record(Call{Op: "ban", ChatID: chatID, UserID: userID})
}

func (f *Fake) UnbanMember(_ context.Context, chatID, userID int64) error {
	return f.record(Call{Op: "unban", ChatID: chatID, UserID: userID})
}

func (f *Fake) RestrictMember(_ context.Context, chatID, userID int64, perms platform.Permissions, until time.Time) error {
	return f.record(Call{Op: "restrict", ChatID: chatID, UserID: userID, Perms: perms, Until: until})
}

func (f *Fake) SendMessage(_ context.Context, chatID int64, text string, kb platform.Keyboard) (platform.MessageRef, error) {
	f.mu.Lock()
	f.nextID++
	ref := platform.MessageRef{ChatID: chatID, MessageID: f.nextID}
	f.mu.Unlock()
	if err := f.record(Call{Op: "send", ChatID: chatID, Text: text, Ref: ref, Kb: kb}); err != nil {
		return platform.MessageRef{}, err
	}
	return ref, nil
}

func (f *Fake) EditMessage(_ context.Context, ref platform.MessageRef, text string, kb platform.Keyboard) error {
	return f.record(Call{Op: "edit", Ref: ref, Text: text, Kb: kb})
}

func (f *Fake) DeleteMessage(_ context.Context, ref platform.MessageRef) error {
	return f.record(Call{Op: "delete", Ref: ref})
}

func (f *Fake) GetChatMember(_ context.Context, chatID, userID int64) (platform.Member, error) {
	if err := f.record(Call{Op: "get_member", ChatID: chatID, UserID: userID}); err != nil {
		return platform.Member{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[[2]int64{chatID, userID}]
	if !ok {
		return platform.Member{}, fmt.Errorf("member %d not found in %d", userID, chatID)
	}
	return m, nil
}

func (f *Fake) PinMessage(_ context.Context, ref platform.MessageRef) error {
	return f.record(Call{Op: "pin", Ref: ref})
}

func (f *Fake) UnpinMessage(_ context.Context, ref platform.MessageRef) error {
	return f.record(Call{Op: "unpin", Ref: ref})
}

func (f *Fake) SetChatPermissions(_ context.Context, chatID int64, perms platform.Permissions) error {
	return f.record(Call{Op: "set_permissions", ChatID: chatID, Perms: perms})
}

var _ platform.ChatPlatform = (*Fake)(nil)
