package database

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotMessageSender = errors.New("message belongs to another sender")
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200

	// foreign_key_violation
	pqForeignKeyViolation = "23503"
)
