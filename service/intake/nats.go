package intake

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"joingate/service/natsx"
	"joingate/tools/errs"
)

// NATSHandler adapts the dispatcher to a natsx subscription. Malformed events
// are logged and acked; other failures are returned so JetStream redelivers.
func (d *Dispatcher) NATSHandler() natsx.Handler {
	return func(ctx context.Context, msg natsx.Message) error {
		res, err := d.handleRaw(ctx, "nats", msg.Data)
		if msg.Respond != nil {
			if err != nil {
				res.Error = err.Error()
			}
			body, _ := json.Marshal(res)
			if rerr := msg.Respond(body); rerr != nil {
				d.log.Warn("nats respond failed", zap.Error(rerr))
			}
		}
		if errors.Is(err, errs.ErrArgs) {
			d.log.Warn("malformed event dropped", zap.String("subject", msg.Subject), zap.Error(err))
			return nil
		}
		return err
	}
}

func (d *Dispatcher) handleRaw(ctx context.Context, source string, data []byte) (Result, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return Result{}, err
	}
	return d.Dispatch(ctx, source, env)
}
