package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	subscriptionColumns = "id, user_id, endpoint, p256dh, auth, created_at, updated_at"
	messageColumns      = "id, sender_id, receiver_id, content, is_read, created_at"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (types.Message, error) {
	var msg types.Message
	err := row.Scan(
		&msg.Id,
		&msg.SenderId,
		&msg.ReceiverId,
		&msg.Content,
		&msg.IsRead,
		&msg.CreatedAt,
	)

	return msg, err
}

func scanSubscription(row rowScanner) (types.PushSubscription, error) {
	var sub types.PushSubscription
	err := row.Scan(
		&sub.Id,
		&sub.UserId,
		&sub.Endpoint,
		&sub.P256dh,
		&sub.Auth,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	return sub, err
}

func (db *PgChatRelayRepository) GetUserById(ctx context.Context, id int) (types.User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, email, created_at, updated_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user types.User
	err := row.Scan(
		&user.Id,
		&user.Name,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, ErrUserNotFound
	}

	return user, err
}

func (db *PgChatRelayRepository) CreateMessage(ctx context.Context, senderId, receiverId int, content string) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, content, is_read, created_at) "+
			"VALUES ($1, $2, $3, FALSE, $4) RETURNING "+messageColumns,
		senderId,
		receiverId,
		content,
		time.Now().UTC(),
	)

	msg, err := scanMessage(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return types.Message{}, ErrUserNotFound
		}
		return types.Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

// GetConversation returns the newest messages exchanged between the two users,
// newest first.
func (db *PgChatRelayRepository) GetConversation(ctx context.Context, userId, contactId, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1) "+
			"ORDER BY created_at DESC LIMIT $3",
		userId,
		contactId,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

// MarkRead flags every unread message sent by senderId to userId as read and
// returns how many rows changed.
func (db *PgChatRelayRepository) MarkRead(ctx context.Context, userId, senderId int) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE "+
			"WHERE receiver_id = $1 AND sender_id = $2 AND is_read = FALSE",
		userId,
		senderId,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return int(n), nil
}

func (db *PgChatRelayRepository) DeleteMessage(ctx context.Context, messageId, userId int) error {
	var senderId int
	err := db.conn.QueryRowContext(ctx,
		"SELECT sender_id FROM messages WHERE id = $1",
		messageId,
	).Scan(&senderId)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}

	if senderId != userId {
		return ErrNotMessageSender
	}

	_, err = db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", messageId)
	return err
}

func (db *PgChatRelayRepository) FindSubscriptionsByUser(ctx context.Context, userId int) ([]types.PushSubscription, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM push_subscriptions WHERE user_id = $1",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []types.PushSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return subs, nil
}

func (db *PgChatRelayRepository) FindSubscriptionByEndpoint(ctx context.Context, endpoint string) (types.PushSubscription, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM push_subscriptions WHERE endpoint = $1 LIMIT 1",
		endpoint,
	)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PushSubscription{}, ErrNotFound
	}

	return sub, err
}

func (db *PgChatRelayRepository) CreateSubscription(ctx context.Context, sub types.PushSubscription) (types.PushSubscription, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+subscriptionColumns,
		sub.UserId,
		sub.Endpoint,
		sub.P256dh,
		sub.Auth,
		now,
		now,
	)

	return scanSubscription(row)
}

// UpdateSubscription rewrites the keys and owner of the subscription
// identified by its endpoint.
func (db *PgChatRelayRepository) UpdateSubscription(ctx context.Context, sub types.PushSubscription) (types.PushSubscription, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE push_subscriptions SET user_id = $2, p256dh = $3, auth = $4, updated_at = $5 "+
			"WHERE endpoint = $1 RETURNING "+subscriptionColumns,
		sub.Endpoint,
		sub.UserId,
		sub.P256dh,
		sub.Auth,
		time.Now().UTC(),
	)

	updated, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PushSubscription{}, ErrNotFound
	}

	return updated, err
}

func (db *PgChatRelayRepository) DeleteSubscription(ctx context.Context, userId int, endpoint string) error {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2",
		userId,
		endpoint,
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}
