package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
)

const (
	metricActiveConnections = "ActiveConnections"
	metricMessagesRelayed   = "MessagesRelayed"
	metricMessagesFailed    = "MessagesFailed"
	metricTypingEvicted     = "TypingEvicted"

	defaultSweepInterval = 5 * time.Second
)

type Options struct {
	MaxContentLength int
	PushOffline      bool
	TypingTTL        time.Duration
	SweepInterval    time.Duration
}

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the registry, rooms, typing state and relay. Connects and
// disconnects are serialized through Run.
type ChatServer struct {
	log            *log.Logger
	stats          stats.StatsProvider
	registry       *Registry
	presence       *Presence
	rooms          *Rooms
	typing         *TypingTracker
	relay          *Relay
	clients        map[*Client]struct{}
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}
	typingTTL      time.Duration
	sweepInterval  time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	goMu     sync.Mutex
	draining bool
}

func NewChatServer(logger *log.Logger, store database.MessageStore, notifier Notifier,
	su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = defaultTypingTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	for _, name := range []string{
		metricActiveConnections,
		metricMessagesRelayed,
		metricMessagesFailed,
		metricTypingEvicted,
	} {
		su.RegisterMetric(name)
	}

	registry := NewRegistry()
	rooms := NewRooms(logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &ChatServer{
		log:      logger,
		stats:    su,
		registry: registry,
		presence: NewPresence(registry, logger),
		rooms:    rooms,
		typing:   NewTypingTracker(rooms),
		relay: NewRelay(store, registry, rooms, notifier, su, logger, RelayOptions{
			MaxContentLength: opts.MaxContentLength,
			PushOffline:      opts.PushOffline,
		}),
		clients:        make(map[*Client]struct{}),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
		typingTTL:      opts.TypingTTL,
		sweepInterval:  opts.SweepInterval,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

func (cs *ChatServer) Run() {
	ticker := time.NewTicker(cs.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-cs.RegisterChan:
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.removeClient(client)
		case <-ticker.C:
			if n := cs.typing.Sweep(cs.typingTTL); n > 0 {
				cs.log.Printf("evicted %d stale typing entries", n)
				for range n {
					cs.stats.Incr(metricTypingEvicted)
				}
			}
		case req := <-cs.stop:
			cs.log.Println("stopping clients")
			for c := range cs.clients {
				c.stopClient()
			}

			close(cs.done)
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.log.Printf("adding connection %q for user %d", c.id, c.user.Id)
	cs.clients[c] = struct{}{}

	if prev := cs.registry.Connect(c.user, c); prev != nil {
		cs.log.Printf("user %d replaced transport %q with %q", c.user.Id, prev.TransportId, c.id)
	} else {
		cs.stats.Incr(metricActiveConnections)
	}

	cs.presence.Announce(PresenceOnline, c.user, c.id)
}

func (cs *ChatServer) removeClient(c *Client) {
	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.rooms.LeaveAll(c.id)

	sess, ok := cs.registry.Disconnect(c.id)
	if !ok {
		cs.log.Printf("connection %q for user %d was already replaced", c.id, c.user.Id)
		return
	}

	cs.log.Printf("removed connection %q for user %d", c.id, c.user.Id)
	cs.stats.Decr(metricActiveConnections)
	cs.typing.ClearUser(sess.UserId, c.id)
	cs.presence.Announce(PresenceOffline, sess.Identity(), c.id)
}

// Register hands a connected client to the server loop.
func (cs *ChatServer) Register(c *Client) bool {
	select {
	case cs.RegisterChan <- c:
		return true
	case <-cs.done:
		return false
	}
}

func (cs *ChatServer) Deregister(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

// Go runs fn as a tracked in-flight operation. It returns false once
// shutdown has started.
func (cs *ChatServer) Go(fn func()) bool {
	cs.goMu.Lock()
	defer cs.goMu.Unlock()

	if cs.draining {
		return false
	}

	cs.inflight.Add(1)
	go func() {
		defer cs.inflight.Done()
		fn()
	}()

	return true
}

// Shutdown stops every client, then waits for in-flight relay operations
// until ctx expires.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	done := make(chan struct{})
	select {
	case cs.stop <- stopReq{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	cs.goMu.Lock()
	cs.draining = true
	cs.goMu.Unlock()

	drained := make(chan struct{})
	go func() {
		cs.inflight.Wait()
		close(drained)
	}()

	defer cs.cancel()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
