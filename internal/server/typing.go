package server

import (
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

const defaultTypingTTL = 30 * time.Second

type typingEntry struct {
	transportId string
	since       time.Time
}

// TypingTracker records who is typing in which room. Entries are removed on
// stop, on disconnect, or by Sweep once they are older than the TTL.
type TypingTracker struct {
	mu    sync.Mutex
	state map[string]map[int]typingEntry
	rooms *Rooms
	now   func() time.Time
}

func NewTypingTracker(rooms *Rooms) *TypingTracker {
	return &TypingTracker{
		state: make(map[string]map[int]typingEntry),
		rooms: rooms,
		now:   time.Now,
	}
}

func (tt *TypingTracker) Start(roomId string, identity types.Identity, skipTransport string) {
	tt.mu.Lock()
	if tt.state[roomId] == nil {
		tt.state[roomId] = make(map[int]typingEntry)
	}
	tt.state[roomId][identity.Id] = typingEntry{
		transportId: skipTransport,
		since:       tt.now(),
	}
	tt.mu.Unlock()

	tt.rooms.Broadcast(roomId, UserTypingMsg(identity), skipTransport)
}

func (tt *TypingTracker) Stop(roomId string, userId int, skipTransport string) {
	tt.mu.Lock()
	tt.removeLocked(roomId, userId)
	tt.mu.Unlock()

	tt.rooms.Broadcast(roomId, UserStoppedTypingMsg(userId), skipTransport)
}

func (tt *TypingTracker) removeLocked(roomId string, userId int) {
	users, ok := tt.state[roomId]
	if !ok {
		return
	}

	delete(users, userId)
	if len(users) == 0 {
		delete(tt.state, roomId)
	}
}

func (tt *TypingTracker) IsTyping(roomId string, userId int) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	_, ok := tt.state[roomId][userId]
	return ok
}

type typingKey struct {
	roomId      string
	userId      int
	transportId string
}

// Sweep evicts entries older than maxAge, notifies their rooms, and returns
// how many were evicted.
func (tt *TypingTracker) Sweep(maxAge time.Duration) int {
	cutoff := tt.now().Add(-maxAge)

	var expired []typingKey
	tt.mu.Lock()
	for roomId, users := range tt.state {
		for userId, entry := range users {
			if entry.since.Before(cutoff) {
				expired = append(expired, typingKey{roomId, userId, entry.transportId})
			}
		}
	}
	for _, k := range expired {
		tt.removeLocked(k.roomId, k.userId)
	}
	tt.mu.Unlock()

	for _, k := range expired {
		tt.rooms.Broadcast(k.roomId, UserStoppedTypingMsg(k.userId), k.transportId)
	}

	return len(expired)
}

// ClearUser drops every entry held by userId, notifying each affected room.
func (tt *TypingTracker) ClearUser(userId int, skipTransport string) {
	var cleared []string
	tt.mu.Lock()
	for roomId, users := range tt.state {
		if _, ok := users[userId]; ok {
			cleared = append(cleared, roomId)
		}
	}
	for _, roomId := range cleared {
		tt.removeLocked(roomId, userId)
	}
	tt.mu.Unlock()

	for _, roomId := range cleared {
		tt.rooms.Broadcast(roomId, UserStoppedTypingMsg(userId), skipTransport)
	}
}
