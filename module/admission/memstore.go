package admission

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"joingate/service/platform"
)

type expiryEntry struct {
	at  time.Time
	key Key
}

// MemStore is a single-process Store: one mutex guards the primary map and
// the expiry-sorted slice.
type MemStore struct {
	mu      sync.Mutex
	records map[Key]*PendingChallenge
	expiry  []expiryEntry
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[Key]*PendingChallenge)}
}

func (s *MemStore) Put(_ context.Context, rec *PendingChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.records[rec.Key()]; ok {
		s.dropExpiry(old)
	}
	cp := rec.Clone()
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	s.records[cp.Key()] = cp
	s.addExpiry(cp)
	return nil
}

func (s *MemStore) Get(_ context.Context, chatID, userID int64) (*PendingChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[Key{chatID, userID}]
	if !ok {
		return nil, ErrNotFound.WrapMsg("", "chat_id", chatID, "user_id", userID)
	}
	return rec.Clone(), nil
}

func (s *MemStore) GetAndLock(_ context.Context, chatID, userID int64, nonce string) (*PendingChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[Key{chatID, userID}]
	switch {
	case !ok:
		return nil, ErrNotFound.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case rec.Nonce != nonce:
		return nil, ErrNonceMismatch.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case rec.Status == StatusProcessing:
		return nil, ErrAlreadyProcessing.WrapMsg("", "chat_id", chatID, "user_id", userID)
	}
	rec.Status = StatusProcessing
	return rec.Clone(), nil
}

func (s *MemStore) Release(_ context.Context, rec *PendingChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.Key()]
	switch {
	case !ok:
		return ErrNotFound.WrapMsg("", "chat_id", rec.ChatID, "user_id", rec.UserID)
	case cur.Nonce != rec.Nonce:
		return ErrNonceMismatch.WrapMsg("", "chat_id", rec.ChatID, "user_id", rec.UserID)
	case cur.Status != StatusProcessing:
		return ErrNotLocked.WrapMsg("", "chat_id", rec.ChatID, "user_id", rec.UserID)
	}
	cp := rec.Clone()
	// identity and expiry are fixed at creation
	cp.CreatedAt = cur.CreatedAt
	cp.ExpiresAt = cur.ExpiresAt
	cp.Status = StatusPending
	s.records[cp.Key()] = cp
	return nil
}

func (s *MemStore) SetPromptRef(_ context.Context, chatID, userID int64, nonce string, ref platform.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[Key{chatID, userID}]
	switch {
	case !ok:
		return ErrNotFound.WrapMsg("", "chat_id", chatID, "user_id", userID)
	case cur.Nonce != nonce:
		return ErrNonceMismatch.WrapMsg("", "chat_id", chatID, "user_id", userID)
	}
	cur.PromptRef = ref
	return nil
}

func (s *MemStore) Remove(_ context.Context, chatID, userID int64, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{chatID, userID}
	cur, ok := s.records[key]
	if !ok || (nonce != "" && cur.Nonce != nonce) {
		return nil
	}
	s.dropExpiry(cur)
	delete(s.records, key)
	return nil
}

func (s *MemStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*PendingChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingChallenge
	for _, e := range s.expiry {
		if e.at.After(now) || (limit > 0 && len(out) >= limit) {
			break
		}
		out = append(out, s.records[e.key].Clone())
	}
	return out, nil
}

// Len is the number of stored records.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemStore) addExpiry(rec *PendingChallenge) {
	i := sort.Search(len(s.expiry), func(i int) bool { return s.expiry[i].at.After(rec.ExpiresAt) })
	s.expiry = slices.Insert(s.expiry, i, expiryEntry{at: rec.ExpiresAt, key: rec.Key()})
}

func (s *MemStore) dropExpiry(rec *PendingChallenge) {
	key := rec.Key()
	s.expiry = slices.DeleteFunc(s.expiry, func(e expiryEntry) bool { return e.key == key })
}

// MemSessions is the in-process SessionStore.
type MemSessions struct {
	mu   sync.Mutex
	refs map[int64][]SessionRef
}

func NewMemSessions() *MemSessions {
	return &MemSessions{refs: make(map[int64][]SessionRef)}
}

func (m *MemSessions) Track(_ context.Context, userID int64, ref SessionRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := slices.DeleteFunc(m.refs[userID], func(r SessionRef) bool { return r.ChatID == ref.ChatID })
	m.refs[userID] = append(list, ref)
	return nil
}

func (m *MemSessions) Candidates(_ context.Context, userID int64) ([]SessionRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.refs[userID])
	slices.SortStableFunc(out, func(a, b SessionRef) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *MemSessions) Forget(_ context.Context, userID, chatID int64, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := slices.DeleteFunc(m.refs[userID], func(r SessionRef) bool {
		return r.ChatID == chatID && (nonce == "" || r.Nonce == nonce)
	})
	if len(list) == 0 {
		delete(m.refs, userID)
		return nil
	}
	m.refs[userID] = list
	return nil
}

var (
	_ Store        = (*MemStore)(nil)
	_ SessionStore = (*MemSessions)(nil)
)
