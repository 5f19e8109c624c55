package natsx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"joingate/tools/errs"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, Message) error {
		order = append(order, "handler")
		return nil
	}, mw("a"), mw("b"))

	require.NoError(t, h(context.Background(), Message{}))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestRecoverTurnsPanicIntoError(t *testing.T) {
	h := Chain(func(context.Context, Message) error { panic("boom") }, Recover(), Logging(zaptest.NewLogger(t)))
	err := h(context.Background(), Message{Subject: "joingate.events"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestMemIdemExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	mi := NewMemIdem(time.Minute)
	mi.now = func() time.Time { return now }

	seen, err := mi.SeenOnce(ctx, "k", 0)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, _ = mi.SeenOnce(ctx, "k", 0)
	assert.True(t, seen)

	now = now.Add(61 * time.Second)
	seen, _ = mi.SeenOnce(ctx, "k", 0)
	assert.False(t, seen)
}

func TestRedisIdem(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	ri := NewRedisIdem(rdb)

	seen, err := ri.SeenOnce(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = ri.SeenOnce(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = ri.SeenOnce(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestIdemMiddlewareDropsDuplicates(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message) error {
		calls++
		return nil
	}, IdemMiddleware(NewMemIdem(time.Minute), 0, zaptest.NewLogger(t)))
	ctx := context.Background()

	withID := Message{Subject: "s", Data: []byte(`{}`), Header: map[string]string{HeaderMsgID: "1"}}
	require.NoError(t, h(ctx, withID))
	require.NoError(t, h(ctx, withID))
	assert.Equal(t, 1, calls)

	// no id header: subject plus payload is the key
	require.NoError(t, h(ctx, Message{Subject: "s", Data: []byte(`{"a":1}`)}))
	require.NoError(t, h(ctx, Message{Subject: "s", Data: []byte(` {"a":1} `)}))
	require.NoError(t, h(ctx, Message{Subject: "s", Data: []byte(`{"a":2}`)}))
	assert.Equal(t, 3, calls)
}

type brokenIdem struct{}

func (brokenIdem) SeenOnce(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestIdemMiddlewareFailsOpen(t *testing.T) {
	calls := 0
	h := IdemMiddleware(brokenIdem{}, time.Minute, zaptest.NewLogger(t))(func(context.Context, Message) error {
		calls++
		return nil
	})
	require.NoError(t, h(context.Background(), Message{Subject: "s"}))
	require.NoError(t, h(context.Background(), Message{Subject: "s"}))
	assert.Equal(t, 2, calls)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(Config{}, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
}
