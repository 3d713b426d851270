package webpush

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/dedupe"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var (
	alice = types.Identity{Id: 1, Name: "alice"}
	hiMsg = types.Message{Id: 7, SenderId: 1, ReceiverId: 2, Content: "hi"}
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, userId int, _ types.NotificationPayload) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userId)
	return Result{Attempted: 1, Delivered: 1}, f.err
}

func (f *fakeDispatcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingSuppressor struct {
	mu    sync.Mutex
	allow bool
	ended []string
}

func (s *recordingSuppressor) TryBegin(context.Context, string) bool {
	return s.allow
}

func (s *recordingSuppressor) End(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, key)
}

func (s *recordingSuppressor) Ended() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}

func runNotifier(t *testing.T, n *Notifier) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNotifierSuppressesDuplicates(t *testing.T) {
	ps := newPushService(t, nil)
	sub := newTestReceiver(t).subscription(ps.URL + "/bob")

	db := &database.MockChatRelayRepository{}
	defer db.AssertExpectations(t)
	db.On("FindSubscriptionsByUser", mock.Anything, 2).Return([]types.PushSubscription{sub}, nil).Once()

	n := NewNotifier(newTestDispatcher(t, db), dedupe.NewMemorySuppressor(), testutil.TestLogger(t), NotifierOptions{})
	n.NotifyMessage(alice, hiMsg)
	n.NotifyMessage(alice, hiMsg)
	runNotifier(t, n)

	assert.Eventually(t, func() bool { return len(ps.Requests()) == 1 }, time.Second, 10*time.Millisecond,
		"expected one push")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ps.Requests(), 1, "expected the duplicate to be suppressed")
}

func TestNotifierQueueFull(t *testing.T) {
	d := &fakeDispatcher{}
	s := &recordingSuppressor{allow: true}
	n := NewNotifier(d, s, testutil.TestLogger(t), NotifierOptions{Workers: 1, QueueSize: 1})

	n.NotifyMessage(alice, hiMsg)
	n.NotifyMessage(alice, types.Message{SenderId: 1, ReceiverId: 2, Content: "second"})

	assert.Equal(t, []string{"1-2-second"}, s.Ended(), "expected the dropped key to be released")
	assert.Len(t, n.jobs, 1, "expected one queued job")
}

func TestNotifierReleasesKeyAfterDispatch(t *testing.T) {
	d := &fakeDispatcher{err: ErrNoSubscriptions}
	s := &recordingSuppressor{allow: true}
	n := NewNotifier(d, s, testutil.TestLogger(t), NotifierOptions{Workers: 2})
	runNotifier(t, n)

	n.NotifyMessage(alice, hiMsg)

	assert.Eventually(t, func() bool { return len(s.Ended()) == 1 }, time.Second, 10*time.Millisecond,
		"expected key to be released after dispatch")
	assert.Equal(t, 1, d.Calls(), "expected one dispatch")
	assert.Equal(t, []string{"1-2-hi"}, s.Ended())
}

func TestNotifierSuppressed(t *testing.T) {
	d := &fakeDispatcher{}
	n := NewNotifier(d, &recordingSuppressor{allow: false}, testutil.TestLogger(t), NotifierOptions{})

	n.NotifyMessage(alice, hiMsg)
	assert.Empty(t, n.jobs, "expected nothing to be queued")
}

func TestNotify(t *testing.T) {
	d := &fakeDispatcher{}
	n := NewNotifier(d, &recordingSuppressor{}, testutil.TestLogger(t), NotifierOptions{})

	res, err := n.Notify(context.Background(), 2, TestPayload())
	assert.NoError(t, err, "expected synchronous notify to succeed")
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, d.Calls(), "expected dispatch without queueing")
}

func TestMessagePayload(t *testing.T) {
	tcases := []struct {
		name     string
		content  string
		expected string
	}{
		{name: "short", content: "hi", expected: "hi"},
		{name: "exactly 100", content: strings.Repeat("a", 100), expected: strings.Repeat("a", 100)},
		{name: "long", content: strings.Repeat("a", 101), expected: strings.Repeat("a", 100) + "..."},
		{name: "multibyte", content: strings.Repeat("é", 120), expected: strings.Repeat("é", 100) + "..."},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			p := MessagePayload(alice, types.Message{SenderId: 1, ReceiverId: 2, Content: tc.content})
			assert.Equal(t, "💬 alice", p.Title, "expected sender name in title")
			assert.Equal(t, tc.expected, p.Body, "expected preview")
			assert.Equal(t, DefaultIcon, p.Icon)
			assert.Equal(t, DefaultIcon, p.Badge)
			assert.Equal(t, map[string]any{"type": "message", "senderId": 1, "senderName": "alice"}, p.Data)
		})
	}
}
