package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"joingate/module/admission"
	"joingate/service/platform"
	"joingate/tools/errs"
)

// ===== Key 布局 =====
// jg:pending:<chat>:<user>  hash: nonce status data prompt created expires
// jg:pending:expiry         zset: member "<chat>:<user>", score = expires ms

const (
	keyPrefix = "jg:pending:"
	expiryKey = "jg:pending:expiry"
)

func pendingKey(chatID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", keyPrefix, chatID, userID)
}

func member(chatID, userID int64) string { return fmt.Sprintf("%d:%d", chatID, userID) }

func parseMember(m string) (int64, int64, bool) {
	chat, user, ok := strings.Cut(m, ":")
	if !ok {
		return 0, 0, false
	}
	c, err1 := strconv.ParseInt(chat, 10, 64)
	u, err2 := strconv.ParseInt(user, 10, 64)
	return c, u, err1 == nil && err2 == nil
}

// script result codes
const (
	codeNotFound      = 0
	codeMismatch      = 1
	codeBusy          = 2
	codeOK            = 3
	codeNotProcessing = 2
)

// ===== Lua 脚本 =====

// 覆盖写入，旧 nonce 随之失效
// KEYS[1] = pending hash, KEYS[2] = expiry zset
// ARGV = member, nonce, data, created, expires
const luaPut = `
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "nonce", ARGV[2], "status", "pending", "data", ARGV[3], "prompt", "", "created", ARGV[4], "expires", ARGV[5])
redis.call("ZADD", KEYS[2], ARGV[5], ARGV[1])
return 3
`

// pending -> processing，只有一个调用方能成功
// KEYS[1] = pending hash
// ARGV[1] = nonce
// 返回：{code, data, prompt, created, expires}
const luaGetAndLock = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
local v = redis.call("HMGET", KEYS[1], "nonce", "status", "data", "prompt", "created", "expires")
if v[1] ~= ARGV[1] then
  return {1}
end
if v[2] == "processing" then
  return {2}
end
redis.call("HSET", KEYS[1], "status", "processing")
return {3, v[3], v[4], v[5], v[6]}
`

// processing -> pending，写回可变字段；created / expires 不动
// KEYS[1] = pending hash
// ARGV = nonce, data, prompt
const luaRelease = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local v = redis.call("HMGET", KEYS[1], "nonce", "status", "prompt")
if v[1] ~= ARGV[1] then
  return 1
end
if v[2] ~= "processing" then
  return 2
end
redis.call("HSET", KEYS[1], "status", "pending", "data", ARGV[2])
if ARGV[3] ~= "" and (v[3] == false or v[3] == "") then
  redis.call("HSET", KEYS[1], "prompt", ARGV[3])
end
return 3
`

// KEYS[1] = pending hash
// ARGV = nonce, prompt
const luaSetPrompt = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "nonce") ~= ARGV[1] then
  return 1
end
redis.call("HSET", KEYS[1], "prompt", ARGV[2])
return 3
`

// KEYS[1] = pending hash, KEYS[2] = expiry zset
// ARGV = member, nonce ("" 表示无条件删除)
const luaRemove = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("ZREM", KEYS[2], ARGV[1])
  return 0
end
if ARGV[2] ~= "" and redis.call("HGET", KEYS[1], "nonce") ~= ARGV[2] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`

// PendingStore keeps pending challenges in Redis. Every state transition is
// one Lua script, so concurrent gateways share a single lock point.
type PendingStore struct {
	rdb redis.UniversalClient

	luaPut       *redis.Script
	luaLock      *redis.Script
	luaRelease   *redis.Script
	luaSetPrompt *redis.Script
	luaRemove    *redis.Script
}

func NewPendingStore(rdb redis.UniversalClient) *PendingStore {
	return &PendingStore{
		rdb:          rdb,
		luaPut:       redis.NewScript(luaPut),
		luaLock:      redis.NewScript(luaGetAndLock),
		luaRelease:   redis.NewScript(luaRelease),
		luaSetPrompt: redis.NewScript(luaSetPrompt),
		luaRemove:    redis.NewScript(luaRemove),
	}
}

func encodePrompt(ref platform.MessageRef) string {
	if ref.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d:%d", ref.ChatID, ref.MessageID)
}

func decodePrompt(s string) platform.MessageRef {
	chat, msg, ok := parseMember(s)
	if !ok {
		return platform.MessageRef{}
	}
	return platform.MessageRef{ChatID: chat, MessageID: msg}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// decode rebuilds a record; the hash fields win over the JSON blob.
func decode(data, status, prompt, created, expires string) (*admission.PendingChallenge, error) {
	var rec admission.PendingChallenge
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, errs.WrapMsg(err, "decode pending challenge")
	}
	rec.Status = admission.Status(status)
	rec.PromptRef = decodePrompt(prompt)
	rec.CreatedAt = parseMillis(created)
	rec.ExpiresAt = parseMillis(expires)
	return &rec, nil
}

func (s *PendingStore) Put(ctx context.Context, rec *admission.PendingChallenge) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.WrapMsg(err, "encode pending challenge")
	}
	keys := []string{pendingKey(rec.ChatID, rec.UserID), expiryKey}
	err = s.luaPut.Run(ctx, s.rdb, keys,
		member(rec.ChatID, rec.UserID), rec.Nonce, data,
		rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
	).Err()
	if err != nil {
		return errs.WrapMsg(err, "redis put pending", "chat_id", rec.ChatID, "user_id", rec.UserID)
	}
	return nil
}

func (s *PendingStore) Get(ctx context.Context, chatID, userID int64) (*admission.PendingChallenge, error) {
	v, err := s.rdb.HGetAll(ctx, pendingKey(chatID, userID)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "redis get pending", "chat_id", chatID, "user_id", userID)
	}
	if len(v) == 0 {
		return nil, admission.ErrNotFound.WrapMsg("", "chat_id", chatID, "user_id", userID)
	}
	return decode(v["data"], v["status"], v["prompt"], v["created"], v["expires"])
}

func (s *PendingStore) GetAndLock(ctx context.Context, chatID, userID int64, nonce string) (*admission.PendingChallenge, error) {
	res, err := s.luaLock.Run(ctx, s.rdb, []string{pendingKey(chatID, userID)}, nonce).Slice()
	if err != nil {
		return nil, errs.WrapMsg(err, "redis lock pending", "chat_id", chatID, "user_id", userID)
	}
	code, _ := res[0].(int64)
	switch code {
	case codeNotFound:
		return nil, admission.ErrNotFound.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case codeMismatch:
		return nil, admission.ErrNonceMismatch.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case codeBusy:
		return nil, admission.ErrAlreadyProcessing.WrapMsg("", "chat_id", chatID, "user_id", userID)
	}
	if len(res) < 5 {
		return nil, errs.ErrInternal.WrapMsg("short lock script reply", "len", len(res))
	}
	str := func(i int) string { s, _ := res[i].(string); return s }
	return decode(str(1), string(admission.StatusProcessing), str(2), str(3), str(4))
}

func (s *PendingStore) Release(ctx context.Context, rec *admission.PendingChallenge) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.WrapMsg(err, "encode pending challenge")
	}
	code, err := s.luaRelease.Run(ctx, s.rdb, []string{pendingKey(rec.ChatID, rec.UserID)},
		rec.Nonce, data, encodePrompt(rec.PromptRef)).Int64()
	if err != nil {
		return errs.WrapMsg(err, "redis release pending", "chat_id", rec.ChatID, "user_id", rec.UserID)
	}
	switch code {
	case codeNotFound:
		return admission.ErrNotFound.WrapMsg("", "chat_id", rec.ChatID, "user_id", rec.UserID)
	case codeMismatch:
		return admission.ErrNonceMismatch.WrapMsg("", "chat_id", rec.ChatID, "user_id", rec.UserID)
	case codeNotProcessing:
		return admission.ErrNotLocked.WrapMsg("", "chat_id", rec.ChatID, "user_id", rec.UserID)
	}
	return nil
}

func (s *PendingStore) SetPromptRef(ctx context.Context, chatID, userID int64, nonce string, ref platform.MessageRef) error {
	code, err := s.luaSetPrompt.Run(ctx, s.rdb, []string{pendingKey(chatID, userID)}, nonce, encodePrompt(ref)).Int64()
	if err != nil {
		return errs.WrapMsg(err, "redis set prompt", "chat_id", chatID, "user_id", userID)
	}
	switch code {
	case codeNotFound:
		return admission.ErrNotFound.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case codeMismatch:
		return admission.ErrNonceMismatch.WrapMsg("", "chat_id", chatID, "user_id", userID)
	}
	return nil
}

func (s *PendingStore) Remove(ctx context.Context, chatID, userID int64, nonce string) error {
	keys := []string{pendingKey(chatID, userID), expiryKey}
	if err := s.luaRemove.Run(ctx, s.rdb, keys, member(chatID, userID), nonce).Err(); err != nil {
		return errs.WrapMsg(err, "redis remove pending", "chat_id", chatID, "user_id", userID)
	}
	return nil
}

func (s *PendingStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*admission.PendingChallenge, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := s.rdb.ZRangeByScore(ctx, expiryKey, by).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "redis list expired")
	}
	out := make([]*admission.PendingChallenge, 0, len(members))
	for _, m := range members {
		chat, user, ok := parseMember(m)
		if !ok {
			s.rdb.ZRem(ctx, expiryKey, m)
			continue
		}
		rec, err := s.Get(ctx, chat, user)
		if errors.Is(err, admission.ErrNotFound) {
			// 索引残留
			s.rdb.ZRem(ctx, expiryKey, m)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ admission.Store = (*PendingStore)(nil)
