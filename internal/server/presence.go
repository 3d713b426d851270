package server

import (
	"log"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

type PresenceKind int

const (
	PresenceOnline PresenceKind = iota
	PresenceOffline
)

func (k PresenceKind) String() string {
	if k == PresenceOnline {
		return "online"
	}
	return "offline"
}

// Presence fans online/offline events out to every registered session.
// Delivery is best effort.
type Presence struct {
	registry *Registry
	log      *log.Logger
}

func NewPresence(registry *Registry, logger *log.Logger) *Presence {
	return &Presence{registry: registry, log: logger}
}

// Announce sends the event for identity to all sessions except skipTransport
// and returns how many sessions accepted it.
func (p *Presence) Announce(kind PresenceKind, identity types.Identity, skipTransport string) int {
	var msg *ServerMessage
	switch kind {
	case PresenceOnline:
		msg = UserOnlineMsg(identity)
	default:
		msg = UserOfflineMsg(identity.Id)
	}

	sent := 0
	for _, sess := range p.registry.Sessions() {
		if sess.TransportId == skipTransport {
			continue
		}

		if sess.Send(msg) {
			sent++
		} else {
			p.log.Printf("dropped %s presence for user %d on transport %q", kind, identity.Id, sess.TransportId)
		}
	}

	return sent
}
