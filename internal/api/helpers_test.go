package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/npezzotti/go-chatrelay/internal/webpush"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

func newTestApp(t *testing.T, db database.ChatRelayRepository, cs *server.ChatServer, push *PushService) *ChatRelayApp {
	return NewChatRelayApp(http.NewServeMux(), testutil.TestLogger(t), cs, db, push, testConfig())
}

func issueToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err, "expected token to be signed")
	return token
}

func userToken(t *testing.T, userId int) string {
	return issueToken(t, testSigningKey, jwt.MapClaims{
		userIdClaim: userId,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
}

func expectUser(db *database.MockChatRelayRepository, id int, name string) {
	db.On("GetUserById", mock.Anything, id).Return(types.User{Id: id, Name: name}, nil)
}

type mockSubscriber struct {
	mock.Mock
}

func (m *mockSubscriber) Subscribe(ctx context.Context, userId int, sub webpushgo.Subscription) (types.PushSubscription, error) {
	args := m.Called(ctx, userId, sub)
	return args.Get(0).(types.PushSubscription), args.Error(1)
}

func (m *mockSubscriber) Unsubscribe(ctx context.Context, userId int, endpoint string) error {
	args := m.Called(ctx, userId, endpoint)
	return args.Error(0)
}

type mockPushNotifier struct {
	mock.Mock
}

func (m *mockPushNotifier) Notify(ctx context.Context, userId int, payload types.NotificationPayload) (webpush.Result, error) {
	args := m.Called(ctx, userId, payload)
	return args.Get(0).(webpush.Result), args.Error(1)
}
