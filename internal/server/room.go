package server

import (
	"fmt"
	"log"
	"sync"
)

// Derive returns the room shared by two users. It is symmetric in its
// arguments; callers must not pass the same id twice.
func Derive(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("chat_%d_%d", a, b)
}

// Rooms tracks which transport sessions are joined to which room. Membership
// is transient and lost on restart.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]Sink
	joined  map[string]map[string]struct{}
	log     *log.Logger
}

func NewRooms(logger *log.Logger) *Rooms {
	return &Rooms{
		members: make(map[string]map[string]Sink),
		joined:  make(map[string]map[string]struct{}),
		log:     logger,
	}
}

func (r *Rooms) Join(roomId string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[roomId] == nil {
		r.members[roomId] = make(map[string]Sink)
	}
	r.members[roomId][sink.Id()] = sink

	if r.joined[sink.Id()] == nil {
		r.joined[sink.Id()] = make(map[string]struct{})
	}
	r.joined[sink.Id()][roomId] = struct{}{}
}

func (r *Rooms) Leave(roomId, transportId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomId, transportId)
}

func (r *Rooms) leaveLocked(roomId, transportId string) {
	if m, ok := r.members[roomId]; ok {
		delete(m, transportId)
		if len(m) == 0 {
			delete(r.members, roomId)
		}
	}

	if j, ok := r.joined[transportId]; ok {
		delete(j, roomId)
		if len(j) == 0 {
			delete(r.joined, transportId)
		}
	}
}

// LeaveAll removes the transport from every room and returns the rooms it
// was joined to.
func (r *Rooms) LeaveAll(transportId string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for roomId := range r.joined[transportId] {
		left = append(left, roomId)
	}
	for _, roomId := range left {
		r.leaveLocked(roomId, transportId)
	}

	return left
}

func (r *Rooms) IsMember(roomId, transportId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.members[roomId][transportId]
	return ok
}

func (r *Rooms) Members(roomId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[roomId])
}

// Broadcast queues msg on every session joined to roomId except
// skipTransport and returns the number of sessions that accepted it.
func (r *Rooms) Broadcast(roomId string, msg *ServerMessage, skipTransport string) int {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.members[roomId]))
	for id, sink := range r.members[roomId] {
		if id == skipTransport {
			continue
		}
		sinks = append(sinks, sink)
	}
	r.mu.RUnlock()

	sent := 0
	for _, sink := range sinks {
		if sink.Send(msg) {
			sent++
		} else {
			r.log.Printf("dropped %s for transport %q in room %q", msg.Event, sink.Id(), roomId)
		}
	}

	return sent
}
