package federation

import (
	"slices"

	"joingate/tools/errs"
)

// ErrNotFound is returned when a chat is not a federation hub.
var ErrNotFound = errs.NewCodeError(errs.NotFoundError, "federation not found")

// Record is a federation: a hub chat, the chats linked to it and the users
// banned across all of them.
type Record struct {
	HubChatID   int64   `json:"hub_chat_id"`
	LinkedChats []int64 `json:"linked_chats"`
	BannedUsers []int64 `json:"banned_users"`
}

func newRecord(hub int64) *Record {
	return &Record{HubChatID: hub, LinkedChats: []int64{}, BannedUsers: []int64{}}
}

func (r *Record) Clone() *Record {
	return &Record{
		HubChatID:   r.HubChatID,
		LinkedChats: slices.Clone(r.LinkedChats),
		BannedUsers: slices.Clone(r.BannedUsers),
	}
}

func (r *Record) IsBanned(userID int64) bool { return slices.Contains(r.BannedUsers, userID) }

// normalize dedupes and sorts ascending.
func normalize(values []int64) []int64 {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

func without(values []int64, v int64) []int64 {
	return slices.DeleteFunc(slices.Clone(values), func(x int64) bool { return x == v })
}
