package natsx

import (
	"context"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"joingate/tools/errs"
)

// HeaderMsgID is the dedup header JetStream and IdemMiddleware both honour.
const HeaderMsgID = "Nats-Msg-Id"

// Publish 按路由发送
func (c *Client) Publish(ctx context.Context, name string, data []byte, hdr map[string]string) error {
	r, ok := c.route(name)
	if !ok {
		return errs.ErrArgs.WrapMsg("route not found", "name", name)
	}
	msg := nats.NewMsg(r.Subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	switch r.Mode {
	case Core:
		if err := c.nc.PublishMsg(msg); err != nil {
			return errs.WrapMsg(err, "publish", "subject", r.Subject)
		}
	case JetStreamPush:
		if _, err := c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return errs.WrapMsg(err, "publish", "subject", r.Subject)
		}
	default:
		return errs.ErrArgs.WrapMsg("mode not supported", "mode", r.Mode)
	}
	return nil
}

// PublishOnce sets Nats-Msg-Id so consumers can drop redeliveries. An empty
// msgID gets a random one.
func (c *Client) PublishOnce(ctx context.Context, name string, data []byte, hdr map[string]string, msgID string) error {
	out := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		out[k] = v
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	out[HeaderMsgID] = msgID
	return c.Publish(ctx, name, data, out)
}
