// Package rooms indexes conversation membership by user id.
package rooms

import (
	"sort"
	"sync"
)

// Index maps a conversation id to its member user ids. It is safe for
// concurrent use.
type Index struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // conversationID -> set of userIDs
}

// NewIndex creates an empty room index.
func NewIndex() *Index {
	return &Index{rooms: make(map[string]map[string]struct{})}
}

// Join adds userID to the conversation, creating the room on first join.
func (x *Index) Join(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	members, ok := x.rooms[conversationID]
	if !ok {
		members = make(map[string]struct{})
		x.rooms[conversationID] = members
	}
	members[userID] = struct{}{}
}

// Leave removes userID from the conversation. The room is dropped once empty.
func (x *Index) Leave(conversationID, userID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	members, ok := x.rooms[conversationID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(x.rooms, conversationID)
	}
}

// MembersOf returns the sorted member ids of a conversation. Unknown
// conversations have no members.
func (x *Index) MembersOf(conversationID string) []string {
	x.mu.RLock()
	members := x.rooms[conversationID]
	result := make([]string, 0, len(members))
	for userID := range members {
		result = append(result, userID)
	}
	x.mu.RUnlock()

	sort.Strings(result)
	return result
}

// IsMember reports whether userID has joined the conversation.
func (x *Index) IsMember(conversationID, userID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.rooms[conversationID][userID]
	return ok
}

// Rooms returns the number of rooms with at least one member.
func (x *Index) Rooms() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}
