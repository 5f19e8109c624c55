package redis

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"joingate/module/admission"
	"joingate/tools/errs"
)

// jg:sess:<user> hash: field = chat id, value = SessionRef json
func sessionKey(userID int64) string { return "jg:sess:" + strconv.FormatInt(userID, 10) }

// SessionStore is the Redis SessionStore. The per-user hash is refreshed on
// every Track and dropped after ttl of inactivity.
type SessionStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewSessionStore(rdb redis.UniversalClient, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{rdb: rdb, ttl: ttl}
}

func (s *SessionStore) Track(ctx context.Context, userID int64, ref admission.SessionRef) error {
	b, err := json.Marshal(ref)
	if err != nil {
		return errs.WrapMsg(err, "encode session ref")
	}
	key := sessionKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, strconv.FormatInt(ref.ChatID, 10), b)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.WrapMsg(err, "redis track session", "user_id", userID)
	}
	return nil
}

func (s *SessionStore) Candidates(ctx context.Context, userID int64) ([]admission.SessionRef, error) {
	v, err := s.rdb.HGetAll(ctx, sessionKey(userID)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "redis load sessions", "user_id", userID)
	}
	out := make([]admission.SessionRef, 0, len(v))
	for _, raw := range v {
		var ref admission.SessionRef
		if err := json.Unmarshal([]byte(raw), &ref); err != nil {
			continue
		}
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b admission.SessionRef) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// KEYS[1] = session hash, ARGV[1] = chat field, ARGV[2] = nonce ("" = any)
const luaForget = `
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
if ARGV[2] ~= '' then
  local ok, ref = pcall(cjson.decode, raw)
  if ok and ref['nonce'] ~= ARGV[2] then return 0 end
end
return redis.call('HDEL', KEYS[1], ARGV[1])
`

var forgetScript = redis.NewScript(luaForget)

func (s *SessionStore) Forget(ctx context.Context, userID, chatID int64, nonce string) error {
	err := forgetScript.Run(ctx, s.rdb, []string{sessionKey(userID)}, strconv.FormatInt(chatID, 10), nonce).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errs.WrapMsg(err, "redis forget session", "user_id", userID, "chat_id", chatID)
	}
	return nil
}

var _ admission.SessionStore = (*SessionStore)(nil)
