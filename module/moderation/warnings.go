package moderation

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Warning is the per (chat, user) warning counter.
type Warning struct {
	ChatID     int64     `json:"chat_id"`
	UserID     int64     `json:"user_id"`
	Count      int       `json:"count"`
	LastReason string    `json:"last_reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	UpdatedBy  int64     `json:"updated_by,omitempty"`
}

// WarningStore keeps warning counters. Decrement to zero deletes the record
// and returns it with Count 0; decrementing an absent record returns nil.
type WarningStore interface {
	Get(ctx context.Context, chatID, userID int64) (*Warning, error)
	Increment(ctx context.Context, chatID, userID int64, reason string, by int64, now time.Time) (*Warning, error)
	Decrement(ctx context.Context, chatID, userID, by int64, now time.Time) (*Warning, error)
}

type warnKey struct{ chat, user int64 }

type MemWarnings struct {
	mu sync.Mutex
	m  map[warnKey]Warning
}

func NewMemWarnings() *MemWarnings {
	return &MemWarnings{m: make(map[warnKey]Warning)}
}

func (s *MemWarnings) Get(_ context.Context, chatID, userID int64) (*Warning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.m[warnKey{chatID, userID}]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *MemWarnings) Increment(_ context.Context, chatID, userID int64, reason string, by int64, now time.Time) (*Warning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := warnKey{chatID, userID}
	w, ok := s.m[k]
	if !ok {
		w = Warning{ChatID: chatID, UserID: userID}
	}
	w.Count++
	if r := strings.TrimSpace(reason); r != "" {
		w.LastReason = r
	}
	w.UpdatedAt = now
	w.UpdatedBy = by
	s.m[k] = w
	return &w, nil
}

func (s *MemWarnings) Decrement(_ context.Context, chatID, userID, by int64, now time.Time) (*Warning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := warnKey{chatID, userID}
	w, ok := s.m[k]
	if !ok {
		return nil, nil
	}
	w.Count = max(0, w.Count-1)
	w.UpdatedAt = now
	w.UpdatedBy = by
	if w.Count == 0 {
		delete(s.m, k)
	} else {
		s.m[k] = w
	}
	return &w, nil
}
