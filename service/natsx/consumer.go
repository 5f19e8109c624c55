package natsx

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"joingate/tools/errs"
)

// Subscribe attaches h (wrapped in mws) to the named route. JetStream routes
// ack on success and nak on error so the message is redelivered.
func (c *Client) Subscribe(ctx context.Context, name string, h Handler, mws ...Middleware) error {
	r, ok := c.route(name)
	if !ok {
		return errs.ErrArgs.WrapMsg("route not found", "name", name)
	}
	h = Chain(h, mws...)

	var (
		sub *nats.Subscription
		err error
	)
	switch r.Mode {
	case Core:
		cb := func(m *nats.Msg) {
			_ = h(ctx, toMessage(m))
		}
		if r.Queue == "" {
			sub, err = c.nc.Subscribe(r.Subject, cb)
		} else {
			sub, err = c.nc.QueueSubscribe(r.Subject, r.Queue, cb)
		}
		if err == nil {
			_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
		}

	case JetStreamPush:
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckWait(r.AckWait),
			nats.MaxAckPending(r.MaxAckPending),
		}
		if r.Durable != "" {
			opts = append(opts, nats.Durable(r.Durable))
		}
		cb := func(m *nats.Msg) {
			if err := h(ctx, toMessage(m)); err == nil {
				_ = m.Ack()
			} else {
				_ = m.Nak()
			}
		}
		if r.Queue == "" {
			sub, err = c.js.Subscribe(r.Subject, cb, opts...)
		} else {
			sub, err = c.js.QueueSubscribe(r.Subject, r.Queue, cb, opts...)
		}

	default:
		return errs.ErrArgs.WrapMsg("mode not supported", "mode", r.Mode)
	}
	if err != nil {
		return errs.WrapMsg(err, "nats subscribe", "subject", r.Subject)
	}
	c.mu.Lock()
	c.subs[name] = sub
	c.mu.Unlock()
	c.log.Info("nats subscribed", zap.String("route", name), zap.String("subject", r.Subject), zap.String("queue", r.Queue))
	return nil
}

func toMessage(m *nats.Msg) Message {
	msg := Message{
		Subject: m.Subject,
		Data:    append([]byte(nil), m.Data...),
		Header:  headerToMap(m.Header),
	}
	if m.Reply != "" {
		msg.Respond = m.Respond
	}
	return msg
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
