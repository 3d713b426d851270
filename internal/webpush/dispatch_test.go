package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type pushRequest struct {
	path   string
	header http.Header
	body   []byte
}

// pushService is a fake push service answering each path with a fixed
// status code.
type pushService struct {
	*httptest.Server
	mu       sync.Mutex
	requests []pushRequest
	status   map[string]int
}

func newPushService(t *testing.T, status map[string]int) *pushService {
	ps := &pushService{status: status}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ps.mu.Lock()
		ps.requests = append(ps.requests, pushRequest{path: r.URL.Path, header: r.Header.Clone(), body: body})
		ps.mu.Unlock()

		code, ok := ps.status[r.URL.Path]
		if !ok {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushService) Requests() []pushRequest {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]pushRequest(nil), ps.requests...)
}

func newTestDispatcher(t *testing.T, db *database.MockChatRelayRepository) *Dispatcher {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(3)
	su.On("Incr", mock.Anything).Return()
	return NewDispatcher(db, newTestSigner(t), NewEncryptor(), su, testutil.TestLogger(t), DispatcherOptions{})
}

func TestDispatch(t *testing.T) {
	payload := types.NotificationPayload{Title: "💬 alice", Body: "hi", Data: map[string]any{"type": "message"}}

	t.Run("delivered", func(t *testing.T) {
		ps := newPushService(t, nil)
		r := newTestReceiver(t)

		db := &database.MockChatRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("FindSubscriptionsByUser", mock.Anything, 2).
			Return([]types.PushSubscription{r.subscription(ps.URL + "/ok")}, nil).Once()

		d := newTestDispatcher(t, db)
		res, err := d.Dispatch(context.Background(), 2, payload)
		assert.NoError(t, err, "expected dispatch to succeed")
		assert.Equal(t, Result{Attempted: 1, Delivered: 1}, res, "expected one delivery")

		reqs := ps.Requests()
		require.Len(t, reqs, 1, "expected one POST")
		h := reqs[0].header
		assert.Contains(t, h.Get("Authorization"), "vapid t=", "expected vapid authorization")
		assert.Equal(t, "aes128gcm", h.Get("Content-Encoding"))
		assert.Equal(t, "application/octet-stream", h.Get("Content-Type"))
		assert.Equal(t, "86400", h.Get("TTL"), "expected default ttl of one day")
		assert.Equal(t, "normal", h.Get("Urgency"))

		var got types.NotificationPayload
		require.NoError(t, json.Unmarshal(r.decrypt(t, reqs[0].body), &got), "expected JSON payload")
		assert.Equal(t, "💬 alice", got.Title)
		assert.Equal(t, "hi", got.Body)
	})

	t.Run("gone subscription is removed", func(t *testing.T) {
		ps := newPushService(t, map[string]int{"/gone": http.StatusGone})
		sub := newTestReceiver(t).subscription(ps.URL + "/gone")

		db := &database.MockChatRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("FindSubscriptionsByUser", mock.Anything, 2).Return([]types.PushSubscription{sub}, nil).Once()
		db.On("DeleteSubscription", mock.Anything, 2, sub.Endpoint).Return(nil).Once()

		res, err := newTestDispatcher(t, db).Dispatch(context.Background(), 2, payload)
		assert.ErrorIs(t, err, ErrNotDelivered, "expected nothing delivered")
		assert.Equal(t, Result{Attempted: 1, Removed: 1}, res)
	})

	t.Run("one of several delivered", func(t *testing.T) {
		ps := newPushService(t, map[string]int{"/missing": http.StatusNotFound, "/busy": http.StatusServiceUnavailable})
		missing := newTestReceiver(t).subscription(ps.URL + "/missing")
		busy := newTestReceiver(t).subscription(ps.URL + "/busy")
		ok := newTestReceiver(t).subscription(ps.URL + "/ok")

		db := &database.MockChatRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("FindSubscriptionsByUser", mock.Anything, 2).
			Return([]types.PushSubscription{missing, busy, ok}, nil).Once()
		db.On("DeleteSubscription", mock.Anything, 2, missing.Endpoint).Return(nil).Once()

		res, err := newTestDispatcher(t, db).Dispatch(context.Background(), 2, payload)
		assert.NoError(t, err, "expected success when one push is accepted")
		assert.Equal(t, Result{Attempted: 3, Delivered: 1, Removed: 1, Failed: 1}, res)
		assert.Len(t, ps.Requests(), 3, "expected every subscription to be attempted")
		db.AssertNotCalled(t, "DeleteSubscription", mock.Anything, 2, busy.Endpoint)
	})

	t.Run("transient failure", func(t *testing.T) {
		ps := newPushService(t, map[string]int{"/err": http.StatusInternalServerError})

		db := &database.MockChatRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("FindSubscriptionsByUser", mock.Anything, 2).
			Return([]types.PushSubscription{newTestReceiver(t).subscription(ps.URL + "/err")}, nil).Once()

		res, err := newTestDispatcher(t, db).Dispatch(context.Background(), 2, payload)
		assert.ErrorIs(t, err, ErrNotDelivered)
		assert.Equal(t, Result{Attempted: 1, Failed: 1}, res)
	})

	t.Run("no subscriptions", func(t *testing.T) {
		db := &database.MockChatRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("FindSubscriptionsByUser", mock.Anything, 2).Return(nil, nil).Once()

		_, err := newTestDispatcher(t, db).Dispatch(context.Background(), 2, payload)
		assert.ErrorIs(t, err, ErrNoSubscriptions)
	})

	t.Run("store error", func(t *testing.T) {
		storeErr := errors.New("connection refused")
		db := &database.MockChatRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("FindSubscriptionsByUser", mock.Anything, 2).Return(nil, storeErr).Once()

		_, err := newTestDispatcher(t, db).Dispatch(context.Background(), 2, payload)
		assert.ErrorIs(t, err, storeErr, "expected store error to be wrapped")
	})
}

func TestDeliveryError(t *testing.T) {
	err := &DeliveryError{Endpoint: "https://push.example.com/secret-token", StatusCode: 410, Terminal: true}
	assert.Equal(t, "push to push.example.com: status 410", err.Error(), "expected host only in message")

	cause := errors.New("timeout")
	wrapped := &DeliveryError{Endpoint: "https://push.example.com/x", Err: cause}
	assert.ErrorIs(t, wrapped, cause, "expected cause to unwrap")
}

type memorySubscriptionStore struct {
	mu   sync.Mutex
	subs []types.PushSubscription
}

func (m *memorySubscriptionStore) FindSubscriptionsByUser(_ context.Context, userId int) ([]types.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.PushSubscription
	for _, s := range m.subs {
		if s.UserId == userId {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memorySubscriptionStore) FindSubscriptionByEndpoint(_ context.Context, endpoint string) (types.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.Endpoint == endpoint {
			return s, nil
		}
	}
	return types.PushSubscription{}, database.ErrNotFound
}

func (m *memorySubscriptionStore) CreateSubscription(_ context.Context, sub types.PushSubscription) (types.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.Id = len(m.subs) + 1
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *memorySubscriptionStore) UpdateSubscription(_ context.Context, sub types.PushSubscription) (types.PushSubscription, error) {
	return sub, nil
}

func (m *memorySubscriptionStore) DeleteSubscription(_ context.Context, userId int, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.UserId == userId && s.Endpoint == endpoint {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return nil
		}
	}
	return database.ErrNotFound
}

func TestDispatchGoneSubscriptionNotRetried(t *testing.T) {
	ps := newPushService(t, map[string]int{"/gone": http.StatusGone})
	store := &memorySubscriptionStore{}
	_, err := store.CreateSubscription(context.Background(), newTestReceiver(t).subscription(ps.URL+"/gone"))
	require.NoError(t, err)

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()
	d := NewDispatcher(store, newTestSigner(t), NewEncryptor(), su, testutil.TestLogger(t), DispatcherOptions{})

	payload := types.NotificationPayload{Title: "x", Body: "y"}
	res, err := d.Dispatch(context.Background(), 2, payload)
	assert.ErrorIs(t, err, ErrNotDelivered, "expected overall failure for the only subscription")
	assert.Equal(t, 1, res.Removed, "expected subscription to be removed")

	_, err = d.Dispatch(context.Background(), 2, payload)
	assert.ErrorIs(t, err, ErrNoSubscriptions, "expected removed subscription to be skipped")
	assert.Len(t, ps.Requests(), 1, "expected no second delivery attempt")
	su.AssertCalled(t, "Incr", metricPushRemoved)
}
