package types

import (
	"time"
)

// Identity is the verified user behind a transport session.
type Identity struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

type User struct {
	Id           int       `json:"id"`
	Name         string    `json:"name"`
	EmailAddress string    `json:"email_address,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	Id         int       `json:"id"`
	SenderId   int       `json:"sender_id"`
	ReceiverId int       `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

type PushSubscription struct {
	Id        int       `json:"id"`
	UserId    int       `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NotificationPayload is the JSON document a service worker receives
// after the push message is decrypted.
type NotificationPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Badge string         `json:"badge,omitempty"`
	Data  map[string]any `json:"data"`
}
