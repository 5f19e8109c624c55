package admission

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"joingate/module/captcha"
	"joingate/module/policy"
	"joingate/service/metrics"
	"joingate/service/platform"
	"joingate/tools/errs"
	"joingate/tools/ids"
)

type Config struct {
	TTL         time.Duration
	MaxAttempts int
	Cooldown    time.Duration
	VerifiedTTL time.Duration
}

type OutcomeKind string

const (
	OutcomeChallenged        OutcomeKind = "challenged"
	OutcomeDeliveryFailed    OutcomeKind = "delivery_failed"
	OutcomeDenied            OutcomeKind = "denied"
	OutcomeAutoApproved      OutcomeKind = "auto_approved"
	OutcomeApproved          OutcomeKind = "approved"
	OutcomeWrong             OutcomeKind = "wrong"
	OutcomeCooldown          OutcomeKind = "cooldown"
	OutcomeDeclined          OutcomeKind = "declined"
	OutcomeExpired           OutcomeKind = "expired"
	OutcomeStale             OutcomeKind = "stale"
	OutcomeAlreadyProcessing OutcomeKind = "already_processing"
	OutcomeNotYours          OutcomeKind = "not_yours"
	OutcomeTextMode          OutcomeKind = "text_mode"
	OutcomeTextModeActive    OutcomeKind = "text_mode_active"
	OutcomeSelfExcluded      OutcomeKind = "self_excluded"
	OutcomeWelcomeView       OutcomeKind = "welcome_view"
)

// Outcome is what the controller decided. Notice is the short text the
// transport shows the actor; Confirmed is false when the decisive platform
// call (approve or decline) failed and was only attempted.
type Outcome struct {
	Kind      OutcomeKind   `json:"kind"`
	Notice    string        `json:"notice,omitempty"`
	Confirmed bool          `json:"confirmed"`
	Remaining int           `json:"remaining,omitempty"`
	Wait      time.Duration `json:"wait,omitempty"`
}

// JoinRequest is an inbound request to enter ChatID.
type JoinRequest struct {
	ChatID      int64  `json:"chat_id"`
	UserID      int64  `json:"user_id"`
	UserChatID  int64  `json:"user_chat_id"`
	ChatTitle   string `json:"chat_title"`
	DisplayName string `json:"display_name"`
}

// Response is a button press by ActorID. Message is the message the button
// was attached to, when the transport knows it.
type Response struct {
	ActorID int64
	Intent  Intent
	Message platform.MessageRef
}

// AuditEvent is published for every terminal admission decision.
type AuditEvent struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	ChatID int64     `json:"chat_id"`
	UserID int64     `json:"user_id"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) {}

type Controller struct {
	cfg      Config
	store    Store
	sessions SessionStore
	policies policy.Store
	platform platform.ChatPlatform
	gen      *captcha.Generator

	audit   Auditor
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func WithLogger(log *zap.Logger) Option { return func(c *Controller) { c.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithAuditor(a Auditor) Option { return func(c *Controller) { c.audit = a } }

func WithGenerator(g *captcha.Generator) Option { return func(c *Controller) { c.gen = g } }

func NewController(cfg Config, store Store, sessions SessionStore, policies policy.Store, pf platform.ChatPlatform, opts ...Option) (*Controller, error) {
	if cfg.MaxAttempts < 1 {
		return nil, errs.ErrConfig.WrapMsg("max attempts must be at least 1", "max_attempts", cfg.MaxAttempts)
	}
	if cfg.TTL <= 0 {
		return nil, errs.ErrConfig.WrapMsg("challenge ttl must be positive", "ttl", cfg.TTL)
	}
	c := &Controller{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		policies: policies,
		platform: pf,
		audit:    nopAuditor{},
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gen == nil {
		gen, err := captcha.NewGenerator()
		if err != nil {
			return nil, err
		}
		c.gen = gen
	}
	return c, nil
}

// OnJoinRequest decides deny, auto-approve or challenge. Errors are returned
// only for store failures; platform failures are logged.
func (c *Controller) OnJoinRequest(ctx context.Context, req JoinRequest) (Outcome, error) {
	now := c.now()
	log := c.log.With(zap.Int64("chat_id", req.ChatID), zap.Int64("user_id", req.UserID))

	pol, err := policy.ReadPruned(ctx, c.policies, req.ChatID, now, c.cfg.VerifiedTTL)
	if err != nil {
		return Outcome{}, errs.WrapMsg(err, "read group policy", "chat_id", req.ChatID)
	}
	if req.ChatTitle != "" && req.ChatTitle != pol.Title {
		title := req.ChatTitle
		if p, err := c.policies.Write(ctx, req.ChatID, policy.Patch{Title: &title}); err != nil {
			log.Warn("record chat title failed", zap.Error(err))
		} else {
			pol = p
		}
	}

	if pol.IsDenied(req.UserID) {
		declined := c.attempt("decline", req.ChatID, req.UserID, func() error {
			return c.platform.DeclineJoin(ctx, req.ChatID, req.UserID)
		})
		c.attempt("ban", req.ChatID, req.UserID, func() error {
			return c.platform.BanMember(ctx, req.ChatID, req.UserID)
		})
		c.finish(ctx, OutcomeDenied, req.ChatID, req.UserID, "denylist")
		return Outcome{Kind: OutcomeDenied, Confirmed: declined}, nil
	}

	if pol.IsAllowed(req.UserID) || pol.IsVerified(req.UserID, now, c.cfg.VerifiedTTL) {
		approved := c.attempt("approve", req.ChatID, req.UserID, func() error {
			return c.platform.ApproveJoin(ctx, req.ChatID, req.UserID)
		})
		if approved {
			if _, err := policy.RecordVerified(ctx, c.policies, req.ChatID, req.UserID, now); err != nil {
				log.Warn("record verified user failed", zap.Error(err))
			}
			c.sendWelcome(ctx, pol, req.ChatTitle, req.UserID, req.UserChatID)
		}
		c.finish(ctx, OutcomeAutoApproved, req.ChatID, req.UserID, "")
		return Outcome{Kind: OutcomeAutoApproved, Confirmed: approved}, nil
	}

	return c.challenge(ctx, req, now)
}

func (c *Controller) challenge(ctx context.Context, req JoinRequest, now time.Time) (Outcome, error) {
	ch, err := c.gen.Generate()
	if err != nil {
		return Outcome{}, err
	}
	options := make([][]string, len(ch.Options))
	for i, o := range ch.Options {
		options[i] = o.Symbols
	}
	userChat := req.UserChatID
	if userChat == 0 {
		userChat = req.UserID
	}
	rec := &PendingChallenge{
		ChatID:        req.ChatID,
		UserID:        req.UserID,
		UserChatID:    userChat,
		ChatTitle:     req.ChatTitle,
		DisplayName:   req.DisplayName,
		Nonce:         ch.Nonce,
		Question:      ch.Question,
		Options:       options,
		CorrectOption: ch.CorrectOption,
		MaxAttempts:   c.cfg.MaxAttempts,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.cfg.TTL),
		Status:        StatusPending,
	}
	if err := c.store.Put(ctx, rec); err != nil {
		return Outcome{}, errs.WrapMsg(err, "store pending challenge")
	}
	if err := c.sessions.Track(ctx, rec.UserID, SessionRef{ChatID: rec.ChatID, Nonce: rec.Nonce, CreatedAt: now}); err != nil {
		c.log.Warn("track session failed", zap.Int64("user_id", rec.UserID), zap.Error(err))
	}

	ref, err := c.platform.SendMessage(ctx, rec.UserChatID, promptText(rec, c.cfg.TTL), promptKeyboard(rec))
	if err != nil {
		c.log.Warn("deliver challenge failed, declining",
			zap.Int64("chat_id", rec.ChatID), zap.Int64("user_id", rec.UserID), zap.Error(err))
		c.attempt("decline", rec.ChatID, rec.UserID, func() error {
			return c.platform.DeclineJoin(ctx, rec.ChatID, rec.UserID)
		})
		c.retire(ctx, rec)
		c.finish(ctx, OutcomeDeliveryFailed, rec.ChatID, rec.UserID, err.Error())
		return Outcome{Kind: OutcomeDeliveryFailed}, nil
	}
	if err := c.store.SetPromptRef(ctx, rec.ChatID, rec.UserID, rec.Nonce, ref); err != nil {
		c.log.Debug("prompt ref not recorded", zap.Error(err))
	}
	c.metrics.ChallengeIssued()
	c.metrics.Outcome(string(OutcomeChallenged))
	return Outcome{Kind: OutcomeChallenged, Confirmed: true}, nil
}

// HandleResponse processes a button press.
func (c *Controller) HandleResponse(ctx context.Context, resp Response) (Outcome, error) {
	if resp.Intent == nil {
		return Outcome{}, errs.ErrArgs.WrapMsg("missing intent")
	}
	key := resp.Intent.target()
	if resp.ActorID != key.UserID {
		c.metrics.Outcome(string(OutcomeNotYours))
		return Outcome{Kind: OutcomeNotYours, Notice: noticeNotYours}, nil
	}

	var nonce string
	switch in := resp.Intent.(type) {
	case WelcomeIntent:
		return c.showWelcome(ctx, in, resp.Message)
	case AnswerIntent:
		nonce = in.Nonce
	case TextModeIntent:
		nonce = in.Nonce
	case SelfExcludeIntent:
		nonce = in.Nonce
	default:
		return Outcome{}, errs.ErrArgs.WrapMsg("unknown intent")
	}

	rec, out, err := c.lock(ctx, key.ChatID, key.UserID, nonce)
	if rec == nil {
		return out, err
	}
	if rec.PromptRef.IsZero() {
		rec.PromptRef = resp.Message
	}
	now := c.now()
	if rec.Expired(now) {
		return c.expire(ctx, rec), nil
	}

	switch in := resp.Intent.(type) {
	case AnswerIntent:
		return c.answer(ctx, rec, in.Choice, now), nil
	case TextModeIntent:
		return c.enableTextMode(ctx, rec), nil
	default:
		return c.selfExclude(ctx, rec), nil
	}
}

// HandleText routes a typed private-chat answer to the actor's newest
// text-mode challenge. handled is false when the text is not an answer or no
// such challenge exists, so ordinary message handling can continue.
func (c *Controller) HandleText(ctx context.Context, actorID int64, text string) (out Outcome, handled bool, err error) {
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		return Outcome{}, false, nil
	}
	choice, ok := captcha.ParseTextChoice(text)
	if !ok {
		return Outcome{}, false, nil
	}

	refs, err := c.sessions.Candidates(ctx, actorID)
	if err != nil {
		return Outcome{}, false, errs.WrapMsg(err, "load session", "user_id", actorID)
	}
	var target *PendingChallenge
	for _, ref := range refs {
		rec, err := c.store.Get(ctx, ref.ChatID, actorID)
		if errors.Is(err, ErrNotFound) {
			_ = c.sessions.Forget(ctx, actorID, ref.ChatID, ref.Nonce)
			continue
		}
		if err != nil {
			return Outcome{}, false, err
		}
		if rec.Nonce != ref.Nonce || !rec.TextMode || rec.Status == StatusProcessing {
			continue
		}
		target = rec
		break
	}
	if target == nil {
		return Outcome{}, false, nil
	}

	rec, out, err := c.lock(ctx, target.ChatID, actorID, target.Nonce)
	if rec == nil {
		c.reply(ctx, target.UserChatID, out.Notice)
		return out, true, err
	}
	now := c.now()
	if rec.Expired(now) {
		out = c.expire(ctx, rec)
	} else {
		out = c.answer(ctx, rec, choice, now)
	}
	c.reply(ctx, rec.UserChatID, out.Notice)
	return out, true, nil
}

// lock maps store lock failures to stale outcomes. rec is nil when the caller
// must stop and return out, err.
func (c *Controller) lock(ctx context.Context, chatID, userID int64, nonce string) (*PendingChallenge, Outcome, error) {
	rec, err := c.store.GetAndLock(ctx, chatID, userID, nonce)
	switch {
	case err == nil:
		return rec, Outcome{}, nil
	case errors.Is(err, ErrAlreadyProcessing):
		c.metrics.Outcome(string(OutcomeAlreadyProcessing))
		return nil, Outcome{Kind: OutcomeAlreadyProcessing, Notice: noticeProcessing}, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNonceMismatch):
		c.metrics.Outcome(string(OutcomeStale))
		return nil, Outcome{Kind: OutcomeStale, Notice: noticeStale}, nil
	default:
		return nil, Outcome{}, errs.WrapMsg(err, "lock pending challenge", "chat_id", chatID, "user_id", userID)
	}
}

func (c *Controller) answer(ctx context.Context, rec *PendingChallenge, choice int, now time.Time) Outcome {
	if wait := rec.CooldownRemaining(now); wait > 0 {
		c.release(ctx, rec)
		c.metrics.Outcome(string(OutcomeCooldown))
		return Outcome{Kind: OutcomeCooldown, Notice: noticeCooldown(wait), Wait: wait, Remaining: rec.MaxAttempts - rec.Attempts}
	}

	if choice == rec.CorrectOption {
		approved := c.attempt("approve", rec.ChatID, rec.UserID, func() error {
			return c.platform.ApproveJoin(ctx, rec.ChatID, rec.UserID)
		})
		if approved {
			if _, err := policy.RecordVerified(ctx, c.policies, rec.ChatID, rec.UserID, now); err != nil {
				c.log.Warn("record verified user failed",
					zap.Int64("chat_id", rec.ChatID), zap.Int64("user_id", rec.UserID), zap.Error(err))
			}
		}
		// removed either way: a user who answered correctly is never re-prompted
		c.retire(ctx, rec)
		if !rec.PromptRef.IsZero() {
			c.attempt("delete", rec.ChatID, rec.UserID, func() error {
				return c.platform.DeleteMessage(ctx, rec.PromptRef)
			})
		}
		if approved {
			if pol, err := c.policies.Read(ctx, rec.ChatID); err == nil {
				c.sendWelcome(ctx, pol, rec.ChatTitle, rec.UserID, rec.UserChatID)
			} else {
				c.log.Warn("read policy for welcome failed", zap.Int64("chat_id", rec.ChatID), zap.Error(err))
			}
		} else {
			c.reply(ctx, rec.UserChatID, noticeApproveFailed)
		}
		detail := ""
		if !approved {
			detail = "approve call failed"
		}
		c.finish(ctx, OutcomeApproved, rec.ChatID, rec.UserID, detail)
		return Outcome{Kind: OutcomeApproved, Notice: noticeCorrect, Confirmed: approved}
	}

	rec.Attempts++
	remaining := rec.MaxAttempts - rec.Attempts
	if remaining <= 0 {
		declined := c.attempt("decline", rec.ChatID, rec.UserID, func() error {
			return c.platform.DeclineJoin(ctx, rec.ChatID, rec.UserID)
		})
		c.retire(ctx, rec)
		c.editPrompt(ctx, rec, noticeDeclined, nil)
		c.finish(ctx, OutcomeDeclined, rec.ChatID, rec.UserID, "too many attempts")
		return Outcome{Kind: OutcomeDeclined, Notice: noticeTooMany, Confirmed: declined}
	}

	rec.CooldownUntil = now.Add(c.cfg.Cooldown)
	c.release(ctx, rec)
	c.metrics.Outcome(string(OutcomeWrong))
	return Outcome{
		Kind:      OutcomeWrong,
		Notice:    noticeWrong(remaining, c.cfg.Cooldown),
		Remaining: remaining,
		Wait:      c.cfg.Cooldown,
	}
}

func (c *Controller) enableTextMode(ctx context.Context, rec *PendingChallenge) Outcome {
	if rec.TextMode {
		c.release(ctx, rec)
		return Outcome{Kind: OutcomeTextModeActive, Notice: noticeTextModeActive}
	}
	rec.TextMode = true
	c.release(ctx, rec)
	if !c.editPrompt(ctx, rec, textModeText(rec), textModeKeyboard(rec)) {
		return Outcome{Kind: OutcomeTextMode, Notice: noticeTextModeFailed}
	}
	c.metrics.Outcome(string(OutcomeTextMode))
	return Outcome{Kind: OutcomeTextMode, Notice: noticeTextMode, Confirmed: true}
}

func (c *Controller) selfExclude(ctx context.Context, rec *PendingChallenge) Outcome {
	declined := c.attempt("decline", rec.ChatID, rec.UserID, func() error {
		return c.platform.DeclineJoin(ctx, rec.ChatID, rec.UserID)
	})
	c.attempt("ban", rec.ChatID, rec.UserID, func() error {
		return c.platform.BanMember(ctx, rec.ChatID, rec.UserID)
	})
	c.retire(ctx, rec)
	c.editPrompt(ctx, rec, noticeSelfExcludedMsg, nil)
	c.finish(ctx, OutcomeSelfExcluded, rec.ChatID, rec.UserID, "")
	return Outcome{Kind: OutcomeSelfExcluded, Notice: noticeSelfExcluded, Confirmed: declined}
}

// expire is the inline equivalent of a sweep for a locked record.
func (c *Controller) expire(ctx context.Context, rec *PendingChallenge) Outcome {
	declined := c.attempt("decline", rec.ChatID, rec.UserID, func() error {
		return c.platform.DeclineJoin(ctx, rec.ChatID, rec.UserID)
	})
	c.retire(ctx, rec)
	c.editPrompt(ctx, rec, noticeExpired, nil)
	c.finish(ctx, OutcomeExpired, rec.ChatID, rec.UserID, "inline")
	return Outcome{Kind: OutcomeExpired, Notice: noticeStale, Confirmed: declined}
}

func (c *Controller) showWelcome(ctx context.Context, in WelcomeIntent, msg platform.MessageRef) (Outcome, error) {
	pol, err := c.policies.Read(ctx, in.ChatID)
	if err != nil {
		return Outcome{}, errs.WrapMsg(err, "read group policy", "chat_id", in.ChatID)
	}
	text, kb := welcomeView(pol, pol.Title, in.UserID, in.View)
	if !msg.IsZero() {
		if err := c.platform.EditMessage(ctx, msg, text, kb); err == nil {
			return Outcome{Kind: OutcomeWelcomeView, Confirmed: true}, nil
		}
	}
	_, err = c.platform.SendMessage(ctx, in.UserID, text, kb)
	if err != nil {
		c.log.Warn("send welcome view failed", zap.Int64("user_id", in.UserID), zap.Error(err))
	}
	return Outcome{Kind: OutcomeWelcomeView, Confirmed: err == nil}, nil
}

func (c *Controller) sendWelcome(ctx context.Context, pol *policy.GroupPolicy, chatTitle string, userID, userChatID int64) {
	if chatTitle == "" {
		chatTitle = pol.Title
	}
	if userChatID == 0 {
		userChatID = userID
	}
	text, kb := welcomeView(pol, chatTitle, userID, ViewWelcome)
	c.attempt("send_welcome", pol.ChatID, userID, func() error {
		_, err := c.platform.SendMessage(ctx, userChatID, text, kb)
		return err
	})
}

// retire removes the record from the store and the session cache.
func (c *Controller) retire(ctx context.Context, rec *PendingChallenge) {
	if err := c.store.Remove(ctx, rec.ChatID, rec.UserID, rec.Nonce); err != nil {
		c.log.Error("remove pending challenge failed",
			zap.Int64("chat_id", rec.ChatID), zap.Int64("user_id", rec.UserID), zap.Error(err))
	}
	if err := c.sessions.Forget(ctx, rec.UserID, rec.ChatID, rec.Nonce); err != nil {
		c.log.Warn("forget session failed", zap.Int64("user_id", rec.UserID), zap.Error(err))
	}
}

func (c *Controller) release(ctx context.Context, rec *PendingChallenge) {
	if err := c.store.Release(ctx, rec); err != nil {
		c.log.Warn("release pending challenge failed",
			zap.Int64("chat_id", rec.ChatID), zap.Int64("user_id", rec.UserID), zap.Error(err))
	}
}

func (c *Controller) editPrompt(ctx context.Context, rec *PendingChallenge, text string, kb platform.Keyboard) bool {
	if rec.PromptRef.IsZero() {
		return false
	}
	return c.attempt("edit", rec.ChatID, rec.UserID, func() error {
		return c.platform.EditMessage(ctx, rec.PromptRef, text, kb)
	})
}

func (c *Controller) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	c.attempt("reply", chatID, 0, func() error {
		_, err := c.platform.SendMessage(ctx, chatID, text, nil)
		return err
	})
}

func (c *Controller) attempt(op string, chatID, userID int64, call func() error) bool {
	return platform.Attempt(c.log, op, chatID, userID, call)
}

// newEventID returns a time-ordered id so audit consumers can sort per node.
func newEventID() string { return ids.GenerateString() }

func (c *Controller) finish(ctx context.Context, kind OutcomeKind, chatID, userID int64, detail string) {
	c.metrics.Outcome(string(kind))
	c.audit.Record(ctx, AuditEvent{
		ID:     newEventID(),
		Kind:   string(kind),
		ChatID: chatID,
		UserID: userID,
		At:     c.now(),
		Detail: detail,
	})
}
