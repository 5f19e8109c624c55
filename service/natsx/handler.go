package natsx

import (
	"context"
	"time"

	"go.uber.org/zap"

	"joingate/tools/safe"
)

// Message 统一消息对象
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
	// Respond answers a request; nil when the sender did not ask for a reply.
	Respond func(data []byte) error
}

type Handler func(ctx context.Context, msg Message) error

// Middleware 中间件（日志、幂等、恢复等）
type Middleware func(Handler) Handler

// Chain wraps h so that mws[0] runs first.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover turns a handler panic into an error so the subscription survives.
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			return safe.Call(func() error { return next(ctx, msg) })
		}
	}
}

// Logging logs failures at ERROR and every message at DEBUG.
func Logging(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			start := time.Now()
			err := next(ctx, msg)
			fields := []zap.Field{zap.String("subject", msg.Subject), zap.Duration("took", time.Since(start))}
			if err != nil {
				log.Error("nats handler failed", append(fields, zap.Error(err))...)
				return err
			}
			log.Debug("nats message handled", fields...)
			return nil
		}
	}
}
