package intake

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"joingate/module/admission"
	"joingate/module/moderation"
	"joingate/service/metrics"
	"joingate/service/platform"
	"joingate/tools/errs"
)

// Admission is the part of the admission controller intake drives.
type Admission interface {
	OnJoinRequest(ctx context.Context, req admission.JoinRequest) (admission.Outcome, error)
	HandleResponse(ctx context.Context, resp admission.Response) (admission.Outcome, error)
	HandleText(ctx context.Context, actorID int64, text string) (admission.Outcome, bool, error)
}

// Commands runs group-chat slash commands.
type Commands interface {
	Handle(ctx context.Context, req moderation.Request) (string, bool, error)
}

// Result is returned to the event source: the NATS reply or the HTTP body.
type Result struct {
	EventID string             `json:"event_id,omitempty"`
	Handled bool               `json:"handled"`
	Outcome *admission.Outcome `json:"outcome,omitempty"`
	Reply   string             `json:"reply,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type Dispatcher struct {
	adm      Admission
	cmds     Commands
	platform platform.ChatPlatform
	metrics  *metrics.Metrics
	log      *zap.Logger
}

type Option func(*Dispatcher)

func WithLogger(log *zap.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func NewDispatcher(adm Admission, cmds Commands, pf platform.ChatPlatform, opts ...Option) *Dispatcher {
	d := &Dispatcher{adm: adm, cmds: cmds, platform: pf, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch routes one event. Errors with code ArgsError mean the event itself
// is malformed and retrying it is pointless.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, env *Envelope) (Result, error) {
	d.metrics.EventReceived(string(env.Type), source)
	res := Result{EventID: env.ID}
	log := d.log.With(zap.String("event_id", env.ID), zap.String("type", string(env.Type)), zap.String("source", source))

	switch env.Type {
	case EventJoin:
		req, err := env.joinRequest()
		if err != nil {
			return res, err
		}
		out, err := d.adm.OnJoinRequest(ctx, *req)
		if err != nil {
			return res, err
		}
		res.Handled, res.Outcome = true, &out

	case EventCallback:
		ev, err := decodePayload[CallbackEvent](env)
		if err != nil {
			return res, err
		}
		intent, err := admission.ParseIntent(ev.Data)
		if err != nil {
			log.Debug("callback is not ours", zap.String("data", ev.Data))
			return res, nil
		}
		out, err := d.adm.HandleResponse(ctx, admission.Response{
			ActorID: ev.ActorID,
			Intent:  intent,
			Message: platform.MessageRef{ChatID: ev.ChatID, MessageID: ev.MessageID},
		})
		if err != nil {
			return res, err
		}
		res.Handled, res.Outcome, res.Reply = true, &out, out.Notice

	case EventMessage:
		ev, err := decodePayload[MessageEvent](env)
		if err != nil {
			return res, err
		}
		if strings.TrimSpace(ev.Text) == "" {
			return res, nil
		}
		if ev.Private {
			out, handled, err := d.adm.HandleText(ctx, ev.ActorID, ev.Text)
			if err != nil {
				return res, err
			}
			if handled {
				res.Handled, res.Outcome = true, &out
			}
			return res, nil
		}
		reply, handled, err := d.cmds.Handle(ctx, moderation.Request{
			ChatID:           ev.ChatID,
			ActorID:          ev.ActorID,
			MessageID:        ev.MessageID,
			ReplyToUserID:    ev.ReplyToUserID,
			ReplyToMessageID: ev.ReplyToMessageID,
			Text:             ev.Text,
		})
		if handled && reply != "" {
			platform.Attempt(d.log, "send", ev.ChatID, ev.ActorID, func() error {
				_, err := d.platform.SendMessage(ctx, ev.ChatID, reply, nil)
				return err
			})
		}
		res.Handled, res.Reply = handled, reply
		if err != nil {
			return res, err
		}

	default:
		return res, errs.ErrArgs.WrapMsg("unknown event type", "type", env.Type)
	}

	log.Debug("event dispatched", zap.Bool("handled", res.Handled))
	return res, nil
}
