package database

import (
	"context"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRelayRepository struct {
	mock.Mock
}

func (m *MockChatRelayRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRelayRepository) GetUserById(ctx context.Context, id int) (types.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRelayRepository) CreateMessage(ctx context.Context, senderId, receiverId int, content string) (types.Message, error) {
	args := m.Called(ctx, senderId, receiverId, content)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRelayRepository) GetConversation(ctx context.Context, userId, contactId, limit int) ([]types.Message, error) {
	args := m.Called(ctx, userId, contactId, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRelayRepository) MarkRead(ctx context.Context, userId, senderId int) (int, error) {
	args := m.Called(ctx, userId, senderId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRelayRepository) DeleteMessage(ctx context.Context, messageId, userId int) error {
	args := m.Called(ctx, messageId, userId)
	return args.Error(0)
}
func (m *MockChatRelayRepository) FindSubscriptionsByUser(ctx context.Context, userId int) ([]types.PushSubscription, error) {
	args := m.Called(ctx, userId)
	if subs, ok := args.Get(0).([]types.PushSubscription); ok {
		return subs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRelayRepository) FindSubscriptionByEndpoint(ctx context.Context, endpoint string) (types.PushSubscription, error) {
	args := m.Called(ctx, endpoint)
	return args.Get(0).(types.PushSubscription), args.Error(1)
}
func (m *MockChatRelayRepository) CreateSubscription(ctx context.Context, sub types.PushSubscription) (types.PushSubscription, error) {
	args := m.Called(ctx, sub)
	return args.Get(0).(types.PushSubscription), args.Error(1)
}
func (m *MockChatRelayRepository) UpdateSubscription(ctx context.Context, sub types.PushSubscription) (types.PushSubscription, error) {
	args := m.Called(ctx, sub)
	return args.Get(0).(types.PushSubscription), args.Error(1)
}
func (m *MockChatRelayRepository) DeleteSubscription(ctx context.Context, userId int, endpoint string) error {
	args := m.Called(ctx, userId, endpoint)
	return args.Error(0)
}
