package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"joingate/module/admission"
	"joingate/module/federation"
	"joingate/module/policy"
	"joingate/service/platform"
	"joingate/tools/ids"
)

// MaxPurge caps how many messages one purge walks back over.
const MaxPurge = 100

// Request is one command message in a group chat.
type Request struct {
	ChatID           int64  `json:"chat_id"`
	ActorID          int64  `json:"actor_id"`
	MessageID        int64  `json:"message_id"`
	ReplyToUserID    int64  `json:"reply_to_user_id,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	Text             string `json:"text"`
}

type perm int

const (
	permRestrict perm = iota + 1
	permDelete
	permPin
	permManage
)

var permLabels = map[perm]string{
	permRestrict: "restrict members",
	permDelete:   "delete messages",
	permPin:      "pin messages",
	permManage:   "manage chat",
}

func (p perm) granted(m platform.Member) bool {
	if m.Status == platform.StatusCreator {
		return true
	}
	if m.Status != platform.StatusAdministrator {
		return false
	}
	switch p {
	case permRestrict:
		return m.CanRestrictMembers
	case permDelete:
		return m.CanDeleteMessages
	case permPin:
		return m.CanPinMessages
	case permManage:
		return m.CanManageChat
	}
	return false
}

type call struct {
	req  Request
	cmd  Command
	chat int64
}

type handler func(ctx context.Context, c call) (string, error)

type route struct {
	run   handler
	perms []perm
	open  bool // no admin check
}

// Moderator executes admin commands against the chat platform and the
// policy, federation and warning stores.
type Moderator struct {
	platform platform.ChatPlatform
	policies policy.Store
	feds     federation.Store
	warnings WarningStore
	fanout   *federation.Executor

	botUserID   int64
	botUsername string
	audit       admission.Auditor
	log         *zap.Logger
	now         func() time.Time

	routes map[string]route
}

type Option func(*Moderator)

func WithLogger(log *zap.Logger) Option { return func(m *Moderator) { m.log = log } }

func WithAuditor(a admission.Auditor) Option { return func(m *Moderator) { m.audit = a } }

func WithClock(now func() time.Time) Option { return func(m *Moderator) { m.now = now } }

// WithBotUsername makes commands addressed to another bot ("/ban@other") pass through.
func WithBotUsername(name string) Option {
	return func(m *Moderator) { m.botUsername = strings.TrimPrefix(name, "@") }
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, admission.AuditEvent) {}

func New(pf platform.ChatPlatform, policies policy.Store, feds federation.Store, warnings WarningStore,
	fanout *federation.Executor, botUserID int64, opts ...Option) *Moderator {
	m := &Moderator{
		platform:  pf,
		policies:  policies,
		feds:      feds,
		warnings:  warnings,
		fanout:    fanout,
		botUserID: botUserID,
		audit:     nopAuditor{},
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.routes = map[string]route{
		"help": {run: m.help, open: true},

		"ban":    {run: m.ban, perms: []perm{permRestrict}},
		"unban":  {run: m.unban, perms: []perm{permRestrict}},
		"kick":   {run: m.kick, perms: []perm{permRestrict}},
		"mute":   {run: m.mute, perms: []perm{permRestrict}},
		"unmute": {run: m.unmute, perms: []perm{permRestrict}},

		"warn":     {run: m.warn},
		"unwarn":   {run: m.unwarn},
		"warnings": {run: m.showWarnings},

		"purge":  {run: m.purge, perms: []perm{permDelete}},
		"pin":    {run: m.pin, perms: []perm{permPin}},
		"unpin":  {run: m.unpin, perms: []perm{permPin}},
		"lock":   {run: m.lock, perms: []perm{permManage}},
		"unlock": {run: m.unlock, perms: []perm{permManage}},

		"allow":       {run: m.allow},
		"unallow":     {run: m.unallow},
		"deny":        {run: m.deny},
		"undeny":      {run: m.undeny},
		"listallow":   {run: m.listAllow},
		"listdeny":    {run: m.listDeny},
		"setwelcome":  {run: m.setWelcome},
		"setrules":    {run: m.setRules},
		"showwelcome": {run: m.showWelcome},
		"showrules":   {run: m.showRules},

		"fedset":    {run: m.fedSet},
		"fedadd":    {run: m.fedAdd},
		"fedremove": {run: m.fedRemove},
		"fedlist":   {run: m.fedList},
		"fedinfo":   {run: m.fedInfo},
		"fban":      {run: m.fban, perms: []perm{permRestrict}},
		"funban":    {run: m.funban, perms: []perm{permRestrict}},
		"fmute":     {run: m.fmute, perms: []perm{permRestrict}},
		"funmute":   {run: m.funmute, perms: []perm{permRestrict}},
	}
	return m
}

// Handle runs the command in req.Text. handled is false when the text is not
// a command this moderator knows, so other handlers may see it. The reply is
// returned, not sent.
func (m *Moderator) Handle(ctx context.Context, req Request) (reply string, handled bool, err error) {
	cmd, ok := ParseCommand(req.Text)
	if !ok {
		return "", false, nil
	}
	if cmd.Bot != "" && m.botUsername != "" && !strings.EqualFold(cmd.Bot, m.botUsername) {
		return "", false, nil
	}
	rt, ok := m.routes[cmd.Name]
	if !ok {
		return "", false, nil
	}
	log := m.log.With(zap.String("cmd", cmd.Name), zap.Int64("chat_id", req.ChatID), zap.Int64("actor_id", req.ActorID))

	if !rt.open {
		if !m.isAdmin(ctx, req.ChatID, req.ActorID) {
			return "Admins only.", true, nil
		}
		if missing := m.missingPerms(ctx, req.ChatID, rt.perms); missing != "" {
			return missing, true, nil
		}
	}

	reply, err = rt.run(ctx, call{req: req, cmd: cmd, chat: req.ChatID})
	if err != nil {
		log.Error("command failed", zap.Error(err))
		return "Something went wrong, please try again.", true, err
	}
	log.Debug("command handled")
	return reply, true, nil
}

// Commands lists the command names Handle accepts.
func (m *Moderator) Commands() []string {
	out := make([]string, 0, len(m.routes))
	for name := range m.routes {
		out = append(out, name)
	}
	return out
}

func (m *Moderator) isAdmin(ctx context.Context, chatID, userID int64) bool {
	member, err := m.platform.GetChatMember(ctx, chatID, userID)
	if err != nil {
		m.log.Warn("admin check failed", zap.Int64("chat_id", chatID), zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return member.IsAdmin()
}

func (m *Moderator) missingPerms(ctx context.Context, chatID int64, perms []perm) string {
	if len(perms) == 0 {
		return ""
	}
	member, err := m.platform.GetChatMember(ctx, chatID, m.botUserID)
	if err != nil {
		m.log.Warn("bot permission check failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return "I could not check my admin rights."
	}
	var missing []string
	for _, p := range perms {
		if !p.granted(member) {
			missing = append(missing, permLabels[p])
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return fmt.Sprintf("I am missing rights: %s. Please grant them.", strings.Join(missing, ", "))
}

func (m *Moderator) attempt(op string, chatID, userID int64, fn func() error) bool {
	return platform.Attempt(m.log, op, chatID, userID, fn)
}

func (m *Moderator) record(ctx context.Context, kind string, chatID, userID int64, detail string) {
	m.audit.Record(ctx, admission.AuditEvent{
		ID:     newEventID(),
		Kind:   "mod_" + kind,
		ChatID: chatID,
		UserID: userID,
		At:     m.now(),
		Detail: detail,
	})
}

func withReason(text, reason string) string {
	if reason == "" {
		return text
	}
	return text + " Reason: " + reason
}

func usage(cmd, args string) string {
	return fmt.Sprintf("Usage: /%s %s", cmd, args)
}

// mutePlan splits "[dur] [reason...]". A malformed duration is an error.
func mutePlan(rest []string, now time.Time) (until time.Time, label string, reason string, err error) {
	label = " permanently"
	if len(rest) > 0 && LooksLikeDuration(rest[0]) {
		d, err := ParseDuration(rest[0])
		if err != nil {
			return time.Time{}, "", "", err
		}
		until = now.Add(d)
		label = " for " + FormatDuration(d)
		rest = rest[1:]
	}
	return until, label, strings.Join(rest, " "), nil
}

const badDuration = "Invalid duration. Use e.g. 10m, 2h or 1d (at most 366 days)."

// newEventID returns a time-ordered id so audit consumers can sort per node.
func newEventID() string { return ids.GenerateString() }
