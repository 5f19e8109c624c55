package admission

import (
	"fmt"
	"regexp"
	"strconv"

	"joingate/tools/errs"
)

// Intent is a decoded button press. Variants: AnswerIntent, TextModeIntent,
// SelfExcludeIntent, WelcomeIntent.
type Intent interface {
	// Encode renders the compact callback payload.
	Encode() string
	target() Key
}

type AnswerIntent struct {
	ChatID int64
	UserID int64
	Choice int // 1-based
	Nonce  string
}

type TextModeIntent struct {
	ChatID int64
	UserID int64
	Nonce  string
}

// SelfExcludeIntent is the "this wasn't me" button.
type SelfExcludeIntent struct {
	ChatID int64
	UserID int64
	Nonce  string
}

type WelcomeView string

const (
	ViewWelcome WelcomeView = "welcome"
	ViewRules   WelcomeView = "rules"
)

type WelcomeIntent struct {
	ChatID int64
	UserID int64
	View   WelcomeView
}

func (i AnswerIntent) Encode() string {
	return fmt.Sprintf("cap|%d|%d|%d|%s", i.ChatID, i.UserID, i.Choice, i.Nonce)
}

func (i TextModeIntent) Encode() string {
	return fmt.Sprintf("txt|%d|%d|%s", i.ChatID, i.UserID, i.Nonce)
}

func (i SelfExcludeIntent) Encode() string {
	return fmt.Sprintf("ban|%d|%d|%s", i.ChatID, i.UserID, i.Nonce)
}

func (i WelcomeIntent) Encode() string {
	return fmt.Sprintf("wel|%d|%d|%s", i.ChatID, i.UserID, i.View)
}

func (i AnswerIntent) target() Key      { return Key{i.ChatID, i.UserID} }
func (i TextModeIntent) target() Key    { return Key{i.ChatID, i.UserID} }
func (i SelfExcludeIntent) target() Key { return Key{i.ChatID, i.UserID} }
func (i WelcomeIntent) target() Key     { return Key{i.ChatID, i.UserID} }

var (
	answerRe  = regexp.MustCompile(`^cap\|(-?\d+)\|(\d+)\|([1-4])\|([a-f0-9]{8,32})$`)
	textRe    = regexp.MustCompile(`^txt\|(-?\d+)\|(\d+)\|([a-f0-9]{8,32})$`)
	banRe     = regexp.MustCompile(`^ban\|(-?\d+)\|(\d+)\|([a-f0-9]{8,32})$`)
	welcomeRe = regexp.MustCompile(`^wel\|(-?\d+)\|(\d+)\|(welcome|rules)$`)
)

// ParseIntent decodes a callback payload. Anything unrecognized is an
// ArgsError so callers can ignore it.
func ParseIntent(data string) (Intent, error) {
	if m := answerRe.FindStringSubmatch(data); m != nil {
		chat, user, err := parseIDs(m[1], m[2])
		if err != nil {
			return nil, err
		}
		choice, _ := strconv.Atoi(m[3])
		return AnswerIntent{ChatID: chat, UserID: user, Choice: choice, Nonce: m[4]}, nil
	}
	if m := textRe.FindStringSubmatch(data); m != nil {
		chat, user, err := parseIDs(m[1], m[2])
		if err != nil {
			return nil, err
		}
		return TextModeIntent{ChatID: chat, UserID: user, Nonce: m[3]}, nil
	}
	if m := banRe.FindStringSubmatch(data); m != nil {
		chat, user, err := parseIDs(m[1], m[2])
		if err != nil {
			return nil, err
		}
		return SelfExcludeIntent{ChatID: chat, UserID: user, Nonce: m[3]}, nil
	}
	if m := welcomeRe.FindStringSubmatch(data); m != nil {
		chat, user, err := parseIDs(m[1], m[2])
		if err != nil {
			return nil, err
		}
		return WelcomeIntent{ChatID: chat, UserID: user, View: WelcomeView(m[3])}, nil
	}
	return nil, errs.ErrArgs.WrapMsg("unrecognized callback data", "data", data)
}

func parseIDs(chat, user string) (int64, int64, error) {
	c, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, errs.ErrArgs.WrapMsg("bad chat id", "value", chat)
	}
	u, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return 0, 0, errs.ErrArgs.WrapMsg("bad user id", "value", user)
	}
	return c, u, nil
}
