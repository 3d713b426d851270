package database

import (
	"context"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

type UserStore interface {
	GetUserById(ctx context.Context, id int) (types.User, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, senderId, receiverId int, content string) (types.Message, error)
	GetConversation(ctx context.Context, userId, contactId, limit int) ([]types.Message, error)
	MarkRead(ctx context.Context, userId, senderId int) (int, error)
	DeleteMessage(ctx context.Context, messageId, userId int) error
}

type PushSubscriptionStore interface {
	FindSubscriptionsByUser(ctx context.Context, userId int) ([]types.PushSubscription, error)
	FindSubscriptionByEndpoint(ctx context.Context, endpoint string) (types.PushSubscription, error)
	CreateSubscription(ctx context.Context, sub types.PushSubscription) (types.PushSubscription, error)
	UpdateSubscription(ctx context.Context, sub types.PushSubscription) (types.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userId int, endpoint string) error
}

type ChatRelayRepository interface {
	Ping() error
	UserStore
	MessageStore
	PushSubscriptionStore
}
