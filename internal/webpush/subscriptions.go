package webpush

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

// SubscriptionManager stores browser push subscriptions. An endpoint
// belongs to at most one user; subscribing an existing endpoint moves it to
// the caller and replaces its keys.
type SubscriptionManager struct {
	store database.PushSubscriptionStore
	log   *log.Logger
}

func NewSubscriptionManager(store database.PushSubscriptionStore, logger *log.Logger) *SubscriptionManager {
	return &SubscriptionManager{store: store, log: logger}
}

func (m *SubscriptionManager) Subscribe(ctx context.Context, userId int, sub webpushgo.Subscription) (types.PushSubscription, error) {
	if err := ValidateSubscription(sub); err != nil {
		return types.PushSubscription{}, err
	}

	record := types.PushSubscription{
		UserId:   userId,
		Endpoint: sub.Endpoint,
		P256dh:   sub.Keys.P256dh,
		Auth:     sub.Keys.Auth,
	}

	_, err := m.store.FindSubscriptionByEndpoint(ctx, sub.Endpoint)
	switch {
	case err == nil:
		updated, err := m.store.UpdateSubscription(ctx, record)
		if err != nil {
			return types.PushSubscription{}, fmt.Errorf("update subscription: %w", err)
		}
		m.log.Printf("updated push subscription %d for user %d", updated.Id, userId)
		return updated, nil
	case errors.Is(err, database.ErrNotFound):
		created, err := m.store.CreateSubscription(ctx, record)
		if err != nil {
			return types.PushSubscription{}, fmt.Errorf("create subscription: %w", err)
		}
		m.log.Printf("created push subscription %d for user %d", created.Id, userId)
		return created, nil
	default:
		return types.PushSubscription{}, fmt.Errorf("find subscription: %w", err)
	}
}

func (m *SubscriptionManager) Unsubscribe(ctx context.Context, userId int, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}

	if err := m.store.DeleteSubscription(ctx, userId, endpoint); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	m.log.Printf("removed push subscription for user %d", userId)
	return nil
}

// ValidateSubscription checks that sub has an absolute http(s) endpoint, a
// P-256 uncompressed public key and a 16-byte auth secret.
func ValidateSubscription(sub webpushgo.Subscription) error {
	u, err := url.Parse(sub.Endpoint)
	if sub.Endpoint == "" || err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: endpoint must be an absolute URL", ErrInvalidSubscription)
	}

	p256dh, err := decodeBase64(sub.Keys.P256dh)
	if err != nil || len(p256dh) != keyIdLength || p256dh[0] != 0x04 {
		return fmt.Errorf("%w: p256dh must be a base64url uncompressed P-256 point", ErrInvalidSubscription)
	}

	auth, err := decodeBase64(sub.Keys.Auth)
	if err != nil || len(auth) != authLength {
		return fmt.Errorf("%w: auth must be %d bytes", ErrInvalidSubscription, authLength)
	}

	return nil
}
