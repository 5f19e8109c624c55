package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"joingate/tools/errs"
)

// IdemStore remembers message ids for ttl.
type IdemStore interface {
	// SeenOnce marks key and reports whether it was already marked.
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// MemIdem 内存实现（单进程）. Expired keys are dropped lazily.
type MemIdem struct {
	mu    sync.Mutex
	m     map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	calls int
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	return &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: time.Now}
}

const memIdemSweepEvery = 1024

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	now := mi.now()
	mi.calls++
	if mi.calls%memIdemSweepEvery == 0 {
		for k, exp := range mi.m {
			if !exp.After(now) {
				delete(mi.m, k)
			}
		}
	}
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

// RedisIdem shares the seen-set between instances with SET NX.
type RedisIdem struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisIdem(rdb redis.UniversalClient) *RedisIdem {
	return &RedisIdem{rdb: rdb, prefix: "jg:idem:"}
}

func (ri *RedisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := ri.rdb.SetNX(ctx, ri.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, errs.WrapMsg(err, "idem setnx", "key", key)
	}
	return !ok, nil
}

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// IdemMiddleware drops messages whose id was already handled. Without an id
// header the key falls back to subject plus payload. A store error lets the
// message through; the admission state machine rejects real duplicates anyway.
func IdemMiddleware(store IdemStore, ttl time.Duration, log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			seen, err := store.SeenOnce(ctx, id, ttl)
			if err != nil {
				log.Warn("idempotency check failed", zap.String("id", id), zap.Error(err))
			}
			if seen {
				log.Debug("duplicate message dropped", zap.String("id", id))
				return nil
			}
			return next(ctx, msg)
		}
	}
}
