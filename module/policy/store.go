package policy

import (
	"context"
	"sync"
	"time"
)

// Store reads and patches group policies. Writes are read-modify-write with
// last-writer-wins semantics.
type Store interface {
	Read(ctx context.Context, chatID int64) (*GroupPolicy, error)
	Write(ctx context.Context, chatID int64, patch Patch) (*GroupPolicy, error)
}

// MemStore keeps policies in process memory.
type MemStore struct {
	mu sync.Mutex
	m  map[int64]*GroupPolicy
}

func NewMemStore() *MemStore {
	return &MemStore{m: make(map[int64]*GroupPolicy)}
}

func (s *MemStore) Read(_ context.Context, chatID int64) (*GroupPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.m[chatID]; ok {
		return p.Clone(), nil
	}
	return Default(chatID), nil
}

func (s *MemStore) Write(_ context.Context, chatID int64, patch Patch) (*GroupPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[chatID]
	if !ok {
		cur = Default(chatID)
	}
	next := cur.Apply(patch)
	s.m[chatID] = next
	return next.Clone(), nil
}

// ReadPruned reads the policy and drops verified entries older than ttl,
// writing the pruned map back when anything was removed.
func ReadPruned(ctx context.Context, s Store, chatID int64, now time.Time, ttl time.Duration) (*GroupPolicy, error) {
	p, err := s.Read(ctx, chatID)
	if err != nil {
		return nil, err
	}
	pruned := make(map[int64]int64, len(p.VerifiedUsers))
	removed := false
	for user, ts := range p.VerifiedUsers {
		if now.UnixMilli()-ts <= ttl.Milliseconds() {
			pruned[user] = ts
		} else {
			removed = true
		}
	}
	if !removed {
		return p, nil
	}
	return s.Write(ctx, chatID, Patch{VerifiedUsers: pruned, SetVerifiedUsers: true})
}

// RecordVerified stamps userID as verified at now.
func RecordVerified(ctx context.Context, s Store, chatID, userID int64, now time.Time) (*GroupPolicy, error) {
	p, err := s.Read(ctx, chatID)
	if err != nil {
		return nil, err
	}
	verified := p.Clone().VerifiedUsers
	verified[userID] = now.UnixMilli()
	return s.Write(ctx, chatID, Patch{VerifiedUsers: verified, SetVerifiedUsers: true})
}

// AddAllow adds userID to the allowlist and removes it from the denylist.
func AddAllow(ctx context.Context, s Store, chatID, userID int64) (*GroupPolicy, error) {
	p, err := s.Read(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.Write(ctx, chatID, Patch{
		Allowlist: normalizeUserList(append(p.Allowlist, userID)), SetAllowlist: true,
		Denylist: without(p.Denylist, userID), SetDenylist: true,
	})
}

// AddDeny adds userID to the denylist and removes it from the allowlist.
func AddDeny(ctx context.Context, s Store, chatID, userID int64) (*GroupPolicy, error) {
	p, err := s.Read(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.Write(ctx, chatID, Patch{
		Denylist: normalizeUserList(append(p.Denylist, userID)), SetDenylist: true,
		Allowlist: without(p.Allowlist, userID), SetAllowlist: true,
	})
}

func RemoveAllow(ctx context.Context, s Store, chatID, userID int64) (*GroupPolicy, error) {
	p, err := s.Read(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.Write(ctx, chatID, Patch{Allowlist: without(p.Allowlist, userID), SetAllowlist: true})
}

func RemoveDeny(ctx context.Context, s Store, chatID, userID int64) (*GroupPolicy, error) {
	p, err := s.Read(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.Write(ctx, chatID, Patch{Denylist: without(p.Denylist, userID), SetDenylist: true})
}

func SetWelcome(ctx context.Context, s Store, chatID int64, text string) (*GroupPolicy, error) {
	return s.Write(ctx, chatID, Patch{WelcomeMessage: &text})
}

func SetRules(ctx context.Context, s Store, chatID int64, text string) (*GroupPolicy, error) {
	return s.Write(ctx, chatID, Patch{RulesMessage: &text})
}
