package admission

import (
	"context"
	"time"

	"joingate/service/platform"
)

// Store persists pending challenges, indexed by Key and by expiry.
//
// GetAndLock is the only synchronization point: it atomically moves a record
// from pending to processing, and exactly one concurrent caller can win.
type Store interface {
	// Put replaces any record for the same key; the old nonce stops working.
	Put(ctx context.Context, rec *PendingChallenge) error
	Get(ctx context.Context, chatID, userID int64) (*PendingChallenge, error)
	// GetAndLock returns ErrNotFound, ErrNonceMismatch or ErrAlreadyProcessing
	// unless it was the caller that flipped the record to processing.
	GetAndLock(ctx context.Context, chatID, userID int64, nonce string) (*PendingChallenge, error)
	// Release persists rec's mutable fields and returns it to pending. The
	// stored record must still carry rec.Nonce and be processing.
	Release(ctx context.Context, rec *PendingChallenge) error
	// SetPromptRef records the delivered prompt if the nonce still matches.
	SetPromptRef(ctx context.Context, chatID, userID int64, nonce string, ref platform.MessageRef) error
	// Remove deletes the record from both indices. A non-empty nonce must
	// match; removing an absent record is not an error.
	Remove(ctx context.Context, chatID, userID int64, nonce string) error
	// ListExpired returns up to limit records with ExpiresAt <= now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*PendingChallenge, error)
}

// SessionRef points from a user to one of their pending challenges.
type SessionRef struct {
	ChatID    int64     `json:"chat_id"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore is the per-user cache used to route typed answers, which carry
// no chat id or nonce.
type SessionStore interface {
	Track(ctx context.Context, userID int64, ref SessionRef) error
	// Candidates returns the user's refs, newest first.
	Candidates(ctx context.Context, userID int64) ([]SessionRef, error)
	// Forget drops the user's ref for chatID. A non-empty nonce must match
	// the stored ref, so a retired challenge cannot drop its successor's ref.
	Forget(ctx context.Context, userID, chatID int64, nonce string) error
}
