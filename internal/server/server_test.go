package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.MessageStore, su *stats.MockStatsUpdater) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	cs, err := NewChatServer(testutil.TestLogger(t), db, nil, su, Options{})
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func runTestChatServer(t *testing.T, cs *ChatServer) {
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})
}

func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRelayRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, nil, su, Options{})
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.NotNil(t, cs.registry, "expected registry to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms to be initialized")
	assert.NotNil(t, cs.typing, "expected typing tracker to be initialized")
	assert.NotNil(t, cs.relay, "expected relay to be initialized")
	assert.NotNil(t, cs.RegisterChan, "expected RegisterChan to be initialized")
	assert.NotNil(t, cs.deRegisterChan, "expected deRegisterChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.Equal(t, defaultTypingTTL, cs.typingTTL, "expected default typing ttl")
	assert.Equal(t, defaultSweepInterval, cs.sweepInterval, "expected default sweep interval")
	assert.Equal(t, DefaultMaxContentLength, cs.relay.opts.MaxContentLength, "expected default content cap")
}

func TestChatServerRegister(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestChatServer(t, &database.MockChatRelayRepository{}, su)
	su.On("Incr", metricActiveConnections).Return()
	su.On("Decr", metricActiveConnections).Return()
	runTestChatServer(t, cs)

	alice := NewClient(identityAlice, nil, cs, testutil.TestLogger(t))
	bob := NewClient(identityBob, nil, cs, testutil.TestLogger(t))

	assert.True(t, cs.Register(alice), "expected alice to register")
	assert.True(t, cs.Register(bob), "expected bob to register")

	assert.Eventually(t, func() bool { return len(alice.send) == 1 }, time.Second, 10*time.Millisecond,
		"expected alice to be notified")
	assert.Equal(t, 2, cs.Registry().Len(), "expected two sessions")

	msgs := drain(alice)
	if assert.Len(t, msgs, 1, "expected alice to see bob come online") {
		assert.Equal(t, UserOnline{UserId: 2, Name: "bob"}, msgs[0].Data, "expected online payload")
	}
	assert.Empty(t, drain(bob), "expected bob to not see his own presence")

	cs.rooms.Join("chat_1_2", bob)
	cs.typing.Start("chat_1_2", identityBob, bob.Id())
	cs.Deregister(bob)

	assert.Eventually(t, func() bool { return len(alice.send) == 1 }, time.Second, 10*time.Millisecond,
		"expected alice to be notified")
	assert.Equal(t, 1, cs.Registry().Len(), "expected one session")
	assert.False(t, cs.rooms.IsMember("chat_1_2", bob.Id()), "expected bob to leave his rooms")
	assert.False(t, cs.typing.IsTyping("chat_1_2", 2), "expected bob's typing state to be cleared")

	msgs = drain(alice)
	if assert.Len(t, msgs, 1, "expected alice to see bob go offline") {
		assert.Equal(t, UserOffline{UserId: 2}, msgs[0].Data, "expected offline payload")
	}

	su.AssertNumberOfCalls(t, "Incr", 2)
	su.AssertNumberOfCalls(t, "Decr", 1)
}

func TestChatServerReplacedConnection(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestChatServer(t, &database.MockChatRelayRepository{}, su)
	su.On("Incr", metricActiveConnections).Return()
	su.On("Decr", metricActiveConnections).Return()
	runTestChatServer(t, cs)

	observer := NewClient(identityBob, nil, cs, testutil.TestLogger(t))
	first := NewClient(identityAlice, nil, cs, testutil.TestLogger(t))
	second := NewClient(identityAlice, nil, cs, testutil.TestLogger(t))

	cs.Register(observer)
	cs.Register(first)
	cs.Register(second)
	cs.Deregister(first)
	// the loop accepts the next request only after the previous one is handled
	cs.Deregister(first)

	transportId, ok := cs.Registry().LookupTransport(1)
	assert.True(t, ok, "expected alice to remain registered")
	assert.Equal(t, second.Id(), transportId, "expected newest connection to remain mapped")

	for _, msg := range drain(observer) {
		assert.NotEqual(t, EventUserOffline, msg.Event, "expected no offline event for a replaced connection")
	}

	su.AssertNumberOfCalls(t, "Incr", 2)
	su.AssertNotCalled(t, "Decr", metricActiveConnections)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		cs := newTestChatServer(t, &database.MockChatRelayRepository{}, su)
		su.On("Incr", metricActiveConnections).Return()
		go cs.Run()

		c := NewClient(identityAlice, nil, cs, testutil.TestLogger(t))
		cs.Register(c)

		var ran atomic.Bool
		assert.True(t, cs.Go(func() {
			time.Sleep(20 * time.Millisecond)
			ran.Store(true)
		}), "expected in-flight operation to start")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
		assert.True(t, ran.Load(), "expected in-flight operation to finish before shutdown returns")

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped")
		}

		assert.False(t, cs.Go(func() {}), "expected no new operations after shutdown")
		assert.False(t, cs.Register(c), "expected register to fail after shutdown")
		cs.Deregister(c)
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRelayRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected deadline exceeded when Run is not running")
	})

	t.Run("in-flight operation outlives deadline", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRelayRepository{}, &stats.MockStatsUpdater{})
		go cs.Run()

		block := make(chan struct{})
		defer close(block)
		cs.Go(func() { <-block })

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected deadline exceeded while draining")
	})
}

func TestChatServerTypingSweep(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	evicted := make(chan struct{}, 1)
	su.On("Incr", metricTypingEvicted).Run(func(mock.Arguments) {
		select {
		case evicted <- struct{}{}:
		default:
		}
	}).Return()

	cs, err := NewChatServer(testutil.TestLogger(t), &database.MockChatRelayRepository{}, nil, su, Options{
		TypingTTL:     20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	assert.NoError(t, err, "expected no error creating ChatServer")
	runTestChatServer(t, cs)

	cs.typing.Start("chat_1_2", types.Identity{Id: 1, Name: "alice"}, "t1")
	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("expected stale typing entry to be swept")
	}
	assert.False(t, cs.typing.IsTyping("chat_1_2", 1), "expected typing entry to be gone")
}
