package federation

import (
	"context"
	"errors"
	"sync"
)

// Store persists federation records by hub id and the reverse link from a
// member chat to its hub.
type Store interface {
	// Get returns ErrNotFound when hub is not a federation.
	Get(ctx context.Context, hub int64) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	// HubOf returns the hub a chat was linked to, if any.
	HubOf(ctx context.Context, chatID int64) (hub int64, ok bool, err error)
	SetLink(ctx context.Context, chatID, hub int64) error
	ClearLink(ctx context.Context, chatID int64) error
}

// MemStore keeps federations in process memory.
type MemStore struct {
	mu    sync.Mutex
	feds  map[int64]*Record
	links map[int64]int64
}

func NewMemStore() *MemStore {
	return &MemStore{feds: make(map[int64]*Record), links: make(map[int64]int64)}
}

func (s *MemStore) Get(_ context.Context, hub int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.feds[hub]
	if !ok {
		return nil, ErrNotFound.WrapMsg("", "hub", hub)
	}
	return rec.Clone(), nil
}

func (s *MemStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feds[rec.HubChatID] = rec.Clone()
	return nil
}

func (s *MemStore) HubOf(_ context.Context, chatID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hub, ok := s.links[chatID]
	return hub, ok, nil
}

func (s *MemStore) SetLink(_ context.Context, chatID, hub int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[chatID] = hub
	return nil
}

func (s *MemStore) ClearLink(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, chatID)
	return nil
}

// Ensure returns the federation for hub, creating an empty one.
func Ensure(ctx context.Context, s Store, hub int64) (*Record, error) {
	rec, err := s.Get(ctx, hub)
	if errors.Is(err, ErrNotFound) {
		rec = newRecord(hub)
		return rec, s.Save(ctx, rec)
	}
	return rec, err
}

// ForChat resolves the federation a chat belongs to: the chat itself when it
// is a hub, otherwise the hub it was linked to.
func ForChat(ctx context.Context, s Store, chatID int64) (*Record, error) {
	rec, err := s.Get(ctx, chatID)
	if !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	hub, ok, err := s.HubOf(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound.WrapMsg("chat not linked", "chat_id", chatID)
	}
	return s.Get(ctx, hub)
}

func AddChat(ctx context.Context, s Store, hub, chatID int64) (*Record, error) {
	rec, err := Ensure(ctx, s, hub)
	if err != nil {
		return nil, err
	}
	rec.LinkedChats = normalize(append(rec.LinkedChats, chatID))
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, s.SetLink(ctx, chatID, hub)
}

func RemoveChat(ctx context.Context, s Store, hub, chatID int64) (*Record, error) {
	rec, err := Ensure(ctx, s, hub)
	if err != nil {
		return nil, err
	}
	rec.LinkedChats = without(rec.LinkedChats, chatID)
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, s.ClearLink(ctx, chatID)
}

func AddBan(ctx context.Context, s Store, hub, userID int64) (*Record, error) {
	rec, err := Ensure(ctx, s, hub)
	if err != nil {
		return nil, err
	}
	rec.BannedUsers = normalize(append(rec.BannedUsers, userID))
	return rec, s.Save(ctx, rec)
}

func RemoveBan(ctx context.Context, s Store, hub, userID int64) (*Record, error) {
	rec, err := Ensure(ctx, s, hub)
	if err != nil {
		return nil, err
	}
	rec.BannedUsers = without(rec.BannedUsers, userID)
	return rec, s.Save(ctx, rec)
}
