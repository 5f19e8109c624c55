package admission

import (
	"fmt"
	"math"
	"strings"
	"time"

	"joingate/module/captcha"
	"joingate/module/policy"
	"joingate/service/platform"
)

const (
	noticeNotYours        = "This button is not for you."
	noticeStale           = "Expired or already handled."
	noticeProcessing      = "Already being handled."
	noticeCorrect         = "✅ Correct! Approving..."
	noticeTooMany         = "❌ Too many attempts. Declining..."
	noticeDeclined        = "❌ Too many attempts. Your request was declined."
	noticeExpired         = "⌛ This challenge expired. Your request was declined."
	noticeTextMode        = "Text mode enabled."
	noticeTextModeActive  = "Text mode is already active."
	noticeTextModeFailed  = "Text mode could not be displayed."
	noticeSelfExcluded    = "Understood."
	noticeSelfExcludedMsg = "Request recorded."
	noticeApproveFailed   = "Your answer was correct but the approval did not go through. Please contact the group admins."
)

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func noticeCooldown(wait time.Duration) string {
	return fmt.Sprintf("Please wait %d s.", seconds(wait))
}

func noticeWrong(remaining int, wait time.Duration) string {
	return fmt.Sprintf("❌ Wrong. %s left. Wait %d s.", plural(remaining, "attempt"), seconds(wait))
}

// promptText is the DM sent with a new challenge.
func promptText(rec *PendingChallenge, ttl time.Duration) string {
	name := rec.DisplayName
	if name == "" {
		name = "there"
	}
	title := rec.ChatTitle
	if title == "" {
		title = "this group"
	}
	minutes := int(math.Max(1, math.Ceil(ttl.Minutes())))
	return strings.Join([]string{
		fmt.Sprintf("👋 Hi %s!", name),
		fmt.Sprintf("You asked to join: %s.", title),
		rec.Question,
		"Pick the right answer (A-D).",
		`For text mode tap "Text mode".`,
		"",
		fmt.Sprintf("You have %s. Expires in ~%s.", plural(rec.MaxAttempts, "attempt"), plural(minutes, "minute")),
	}, "\n")
}

func promptKeyboard(rec *PendingChallenge) platform.Keyboard {
	kb := platform.Keyboard{}
	for i, opt := range rec.CaptchaOptions() {
		n := i + 1
		kb = append(kb, []platform.Button{{
			Text: captcha.FormatOption(opt, n),
			Data: AnswerIntent{ChatID: rec.ChatID, UserID: rec.UserID, Choice: n, Nonce: rec.Nonce}.Encode(),
		}})
	}
	kb = append(kb,
		[]platform.Button{{Text: "🔎 Text mode", Data: TextModeIntent{ChatID: rec.ChatID, UserID: rec.UserID, Nonce: rec.Nonce}.Encode()}},
		[]platform.Button{{Text: "Don't press here", Data: SelfExcludeIntent{ChatID: rec.ChatID, UserID: rec.UserID, Nonce: rec.Nonce}.Encode()}},
	)
	return kb
}

func textModeText(rec *PendingChallenge) string {
	return strings.Join([]string{
		rec.Question,
		"",
		captcha.FormatOptionsText(rec.CaptchaOptions()),
		"",
		"Reply with the number (1-4) or tap a button.",
	}, "\n")
}

func textModeKeyboard(rec *PendingChallenge) platform.Keyboard {
	kb := platform.Keyboard{}
	for n := 1; n <= len(rec.Options); n++ {
		kb = append(kb, []platform.Button{{
			Text: fmt.Sprint(n),
			Data: AnswerIntent{ChatID: rec.ChatID, UserID: rec.UserID, Choice: n, Nonce: rec.Nonce}.Encode(),
		}})
	}
	kb = append(kb, []platform.Button{{Text: "Don't press here", Data: SelfExcludeIntent{ChatID: rec.ChatID, UserID: rec.UserID, Nonce: rec.Nonce}.Encode()}})
	return kb
}

// welcomeView renders the welcome or rules page with a toggle button.
func welcomeView(p *policy.GroupPolicy, chatTitle string, userID int64, view WelcomeView) (string, platform.Keyboard) {
	template, toggle, label := p.WelcomeMessage, ViewRules, "Rules"
	if view == ViewRules {
		template, toggle, label = p.RulesMessage, ViewWelcome, "Welcome"
	}
	kb := platform.Keyboard{{{
		Text: label,
		Data: WelcomeIntent{ChatID: p.ChatID, UserID: userID, View: toggle}.Encode(),
	}}}
	return policy.RenderTemplate(template, chatTitle), kb
}
