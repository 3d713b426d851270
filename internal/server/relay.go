package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const DefaultMaxContentLength = 5000

type ErrorKind int

const (
	ErrKindValidation ErrorKind = iota + 1
	ErrKindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindValidation:
		return "validation"
	case ErrKindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

var (
	ErrValidation  = &RelayError{Kind: ErrKindValidation}
	ErrPersistence = &RelayError{Kind: ErrKindPersistence}
)

// RelayError is returned by relay operations. errors.Is matches it against
// ErrValidation or ErrPersistence by kind.
type RelayError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func validationError(msg string) *RelayError {
	return &RelayError{Kind: ErrKindValidation, Message: msg}
}

// Notifier delivers an out-of-band notification to a receiver with no live
// session.
type Notifier interface {
	NotifyMessage(sender types.Identity, msg types.Message)
}

type RelayOptions struct {
	MaxContentLength int
	// PushOffline enables Notifier calls for receivers with no session.
	PushOffline bool
}

// Relay runs the send-message protocol: validate, acknowledge, persist,
// confirm, broadcast, notify. Steps for one message run in order; callers
// run separate messages concurrently.
type Relay struct {
	store    database.MessageStore
	registry *Registry
	rooms    *Rooms
	notifier Notifier
	stats    stats.StatsProvider
	log      *log.Logger
	opts     RelayOptions
}

func NewRelay(store database.MessageStore, registry *Registry, rooms *Rooms, notifier Notifier,
	su stats.StatsProvider, logger *log.Logger, opts RelayOptions) *Relay {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}

	return &Relay{
		store:    store,
		registry: registry,
		rooms:    rooms,
		notifier: notifier,
		stats:    su,
		log:      logger,
		opts:     opts,
	}
}

func (r *Relay) validate(sender types.Identity, req *SendMessage) error {
	if req.ReceiverId <= 0 {
		return validationError("receiver_id is required")
	}
	if req.ReceiverId == sender.Id {
		return validationError("cannot send a message to yourself")
	}
	if req.Content == "" {
		return validationError("content is required")
	}
	if utf8.RuneCountInString(req.Content) > r.opts.MaxContentLength {
		return validationError(fmt.Sprintf("content exceeds %d characters", r.opts.MaxContentLength))
	}
	return nil
}

// Send relays one message from sender. The sender always receives either
// message_confirmed or message_error for req.TempId. ctx should outlive the
// sender's session so an accepted write is not cancelled by a disconnect.
func (r *Relay) Send(ctx context.Context, sender types.Identity, sink Sink, req SendMessage) error {
	req.Content = strings.TrimSpace(req.Content)

	if err := r.validate(sender, &req); err != nil {
		var relayErr *RelayError
		errors.As(err, &relayErr)
		sink.Send(MessageErrorMsg(req.TempId, relayErr.Message))
		return err
	}

	sink.Send(MessageSendingMsg(req.TempId))

	msg, err := r.store.CreateMessage(ctx, sender.Id, req.ReceiverId, req.Content)
	if err != nil {
		r.log.Printf("CreateMessage from %d to %d: %v", sender.Id, req.ReceiverId, err)
		r.stats.Incr(metricMessagesFailed)

		reason := "failed to send message"
		if errors.Is(err, database.ErrUserNotFound) {
			reason = "receiver not found"
		}
		sink.Send(MessageErrorMsg(req.TempId, reason))
		return &RelayError{Kind: ErrKindPersistence, Message: reason, Err: err}
	}

	sink.Send(MessageConfirmedMsg(req.TempId, msg))
	r.stats.Incr(metricMessagesRelayed)

	roomId := Derive(sender.Id, req.ReceiverId)
	r.rooms.Broadcast(roomId, NewMessageMsg(req.TempId, msg), "")

	r.notify(roomId, sender, msg)

	return nil
}

func (r *Relay) notify(roomId string, sender types.Identity, msg types.Message) {
	sess, ok := r.registry.Session(msg.ReceiverId)
	if ok {
		if !r.rooms.IsMember(roomId, sess.TransportId) {
			sess.Send(MessageNotificationMsg(msg, sender))
		}
		return
	}

	if r.opts.PushOffline && r.notifier != nil {
		r.notifier.NotifyMessage(sender, msg)
	}
}

// MarkRead marks the sender's messages to reader as read and tells the
// sender, if connected.
func (r *Relay) MarkRead(ctx context.Context, reader types.Identity, sink Sink, senderId int) (int, error) {
	n, err := r.store.MarkRead(ctx, reader.Id, senderId)
	if err != nil {
		r.log.Printf("MarkRead for %d from %d: %v", reader.Id, senderId, err)
		sink.Send(ErrorMsg("failed to mark messages as read"))
		return 0, &RelayError{Kind: ErrKindPersistence, Message: "mark read failed", Err: err}
	}

	if sess, ok := r.registry.Session(senderId); ok {
		sess.Send(MessagesReadMsg(reader.Id))
	}

	return n, nil
}

// Delivered forwards a delivery receipt to the original sender, if connected.
func (r *Relay) Delivered(reader types.Identity, receipt MessageDelivered) bool {
	sess, ok := r.registry.Session(receipt.SenderId)
	if !ok {
		return false
	}

	return sess.Send(MessageStatusUpdateMsg(receipt.MessageId, StatusDelivered))
}
