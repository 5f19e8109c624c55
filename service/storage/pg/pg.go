// Package pg is the PostgreSQL admission store. Every status transition is a
// single conditional UPDATE, so the row itself is the lock.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"joingate/module/admission"
	"joingate/service/platform"
	"joingate/tools/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_challenges (
	chat_id     BIGINT      NOT NULL,
	user_id     BIGINT      NOT NULL,
	nonce       TEXT        NOT NULL,
	status      TEXT        NOT NULL DEFAULT 'pending',
	data        JSONB       NOT NULL,
	prompt_chat BIGINT      NOT NULL DEFAULT 0,
	prompt_msg  BIGINT      NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chat_id, user_id)
);
CREATE INDEX IF NOT EXISTS pending_challenges_expires_at ON pending_challenges (expires_at);
`

const selectColumns = `data, status, prompt_chat, prompt_msg, created_at, expires_at`

// Connect opens a pool, pings it and ensures the schema exists.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.WrapMsg(err, "unable to create pg pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "pg ping failed")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "pg migrate failed")
	}
	return pool, nil
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func scanRecord(row pgx.Row) (*admission.PendingChallenge, error) {
	var (
		data               []byte
		status             string
		promptChat, prompt int64
		created, expires   time.Time
	)
	if err := row.Scan(&data, &status, &promptChat, &prompt, &created, &expires); err != nil {
		return nil, err
	}
	var rec admission.PendingChallenge
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errs.WrapMsg(err, "decode pending challenge")
	}
	rec.Status = admission.Status(status)
	rec.PromptRef = platform.MessageRef{ChatID: promptChat, MessageID: prompt}
	rec.CreatedAt = created.UTC()
	rec.ExpiresAt = expires.UTC()
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, rec *admission.PendingChallenge) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.WrapMsg(err, "encode pending challenge")
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO pending_challenges (chat_id, user_id, nonce, status, data, prompt_chat, prompt_msg, created_at, expires_at)
VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8)
ON CONFLICT (chat_id, user_id) DO UPDATE SET
	nonce = EXCLUDED.nonce, status = 'pending', data = EXCLUDED.data,
	prompt_chat = EXCLUDED.prompt_chat, prompt_msg = EXCLUDED.prompt_msg,
	created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		rec.ChatID, rec.UserID, rec.Nonce, data,
		rec.PromptRef.ChatID, rec.PromptRef.MessageID, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return errs.WrapMsg(err, "pg put pending", "chat_id", rec.ChatID, "user_id", rec.UserID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, chatID, userID int64) (*admission.PendingChallenge, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM pending_challenges WHERE chat_id = $1 AND user_id = $2`, chatID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, admission.ErrNotFound.WrapMsg("", "chat_id", chatID, "user_id", userID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "pg get pending", "chat_id", chatID, "user_id", userID)
	}
	return rec, nil
}

// classify explains why a conditional UPDATE matched no row.
func (s *Store) classify(ctx context.Context, chatID, userID int64, nonce string, wantStatus admission.Status) error {
	var curNonce, curStatus string
	err := s.pool.QueryRow(ctx,
		`SELECT nonce, status FROM pending_challenges WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID).Scan(&curNonce, &curStatus)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return admission.ErrNotFound.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case err != nil:
		return errs.WrapMsg(err, "pg classify pending", "chat_id", chatID, "user_id", userID)
	case curNonce != nonce:
		return admission.ErrNonceMismatch.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case wantStatus == admission.StatusPending && curStatus != string(admission.StatusPending):
		return admission.ErrAlreadyProcessing.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case wantStatus == admission.StatusProcessing && curStatus != string(admission.StatusProcessing):
		return admission.ErrNotLocked.WrapMsg("", "chat_id", chatID, "user_id", userID)
	}
	// the row changed between the UPDATE and the SELECT
	return admission.ErrAlreadyProcessing.WrapMsg("raced", "chat_id", chatID, "user_id", userID)
}

func (s *Store) GetAndLock(ctx context.Context, chatID, userID int64, nonce string) (*admission.PendingChallenge, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `
UPDATE pending_challenges SET status = 'processing'
WHERE chat_id = $1 AND user_id = $2 AND nonce = $3 AND status = 'pending'
RETURNING `+selectColumns, chatID, userID, nonce))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classify(ctx, chatID, userID, nonce, admission.StatusPending)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "pg lock pending", "chat_id", chatID, "user_id", userID)
	}
	return rec, nil
}

func (s *Store) Release(ctx context.Context, rec *admission.PendingChallenge) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.WrapMsg(err, "encode pending challenge")
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE pending_challenges SET status = 'pending', data = $4,
	prompt_chat = CASE WHEN prompt_msg = 0 THEN $5 ELSE prompt_chat END,
	prompt_msg  = CASE WHEN prompt_msg = 0 THEN $6 ELSE prompt_msg END
WHERE chat_id = $1 AND user_id = $2 AND nonce = $3 AND status = 'processing'`,
		rec.ChatID, rec.UserID, rec.Nonce, data, rec.PromptRef.ChatID, rec.PromptRef.MessageID)
	if err != nil {
		return errs.WrapMsg(err, "pg release pending", "chat_id", rec.ChatID, "user_id", rec.UserID)
	}
	if tag.RowsAffected() == 0 {
		return s.classify(ctx, rec.ChatID, rec.UserID, rec.Nonce, admission.StatusProcessing)
	}
	return nil
}

func (s *Store) SetPromptRef(ctx context.Context, chatID, userID int64, nonce string, ref platform.MessageRef) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE pending_challenges SET prompt_chat = $4, prompt_msg = $5
WHERE chat_id = $1 AND user_id = $2 AND nonce = $3`,
		chatID, userID, nonce, ref.ChatID, ref.MessageID)
	if err != nil {
		return errs.WrapMsg(err, "pg set prompt", "chat_id", chatID, "user_id", userID)
	}
	if tag.RowsAffected() == 0 {
		return s.classify(ctx, chatID, userID, nonce, "")
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, chatID, userID int64, nonce string) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM pending_challenges
WHERE chat_id = $1 AND user_id = $2 AND ($3 = '' OR nonce = $3)`, chatID, userID, nonce)
	if err != nil {
		return errs.WrapMsg(err, "pg remove pending", "chat_id", chatID, "user_id", userID)
	}
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*admission.PendingChallenge, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+selectColumns+` FROM pending_challenges
WHERE expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, errs.WrapMsg(err, "pg list expired")
	}
	defer rows.Close()

	var out []*admission.PendingChallenge
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errs.WrapMsg(err, "pg scan expired")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ admission.Store = (*Store)(nil)
