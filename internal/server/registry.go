package server

import (
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

// Sink is one live transport session that server messages can be queued on.
type Sink interface {
	Id() string
	Send(msg *ServerMessage) bool
}

type Session struct {
	UserId      int
	Name        string
	TransportId string
	ConnectedAt time.Time
	sink        Sink
}

func (s Session) Identity() types.Identity {
	return types.Identity{Id: s.UserId, Name: s.Name}
}

func (s Session) Send(msg *ServerMessage) bool {
	if s.sink == nil {
		return false
	}
	return s.sink.Send(msg)
}

// Registry maps each user to its single active transport session. A newer
// connection for the same user replaces the older mapping.
type Registry struct {
	mu          sync.RWMutex
	byUser      map[int]*Session
	byTransport map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:      make(map[int]*Session),
		byTransport: make(map[string]*Session),
	}
}

// Connect maps identity to sink and returns the session it replaced, if any.
// The replaced transport is not closed.
func (r *Registry) Connect(identity types.Identity, sink Sink) *Session {
	sess := &Session{
		UserId:      identity.Id,
		Name:        identity.Name,
		TransportId: sink.Id(),
		ConnectedAt: Now(),
		sink:        sink,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.byUser[identity.Id]
	if ok {
		delete(r.byTransport, prev.TransportId)
	}

	if stale, ok := r.byTransport[sess.TransportId]; ok && stale.UserId != identity.Id {
		delete(r.byUser, stale.UserId)
	}

	r.byUser[identity.Id] = sess
	r.byTransport[sess.TransportId] = sess

	if ok {
		return prev
	}
	return nil
}

// Disconnect removes the session owning transportId. Unknown transports are
// ignored.
func (r *Registry) Disconnect(transportId string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byTransport[transportId]
	if !ok {
		return Session{}, false
	}

	delete(r.byTransport, transportId)
	if cur, ok := r.byUser[sess.UserId]; ok && cur == sess {
		delete(r.byUser, sess.UserId)
	}

	return *sess, true
}

func (r *Registry) LookupUser(transportId string) (types.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byTransport[transportId]
	if !ok {
		return types.Identity{}, false
	}
	return sess.Identity(), true
}

func (r *Registry) LookupTransport(userId int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byUser[userId]
	if !ok {
		return "", false
	}
	return sess.TransportId, true
}

// Session returns a copy of the active session for userId.
func (r *Registry) Session(userId int) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byUser[userId]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Sessions returns a snapshot of every active session.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.byUser))
	for _, sess := range r.byUser {
		sessions = append(sessions, *sess)
	}
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
