package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

// Client to server events.
const (
	EventSendMessage       = "send_message"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMessageRead       = "message_read"
	EventMessageDelivered  = "message_delivered"
)

// Server to client events.
const (
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventMessageSending      = "message_sending"
	EventMessageConfirmed    = "message_confirmed"
	EventMessageError        = "message_error"
	EventNewMessage          = "new_message"
	EventMessageNotification = "message_notification"
	EventMessageStatusUpdate = "message_status_update"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventMessagesRead        = "messages_read"
	EventError               = "error"
)

const (
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// ClientMessage is a decoded client frame. Exactly one of the payload
// fields is set, matching Event.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	SendMessage  *SendMessage      `json:"-"`
	Conversation *Conversation     `json:"-"`
	Read         *MessageRead      `json:"-"`
	Delivered    *MessageDelivered `json:"-"`

	Timestamp time.Time `json:"-"`
}

type SendMessage struct {
	ReceiverId int    `json:"receiver_id"`
	Content    string `json:"content"`
	TempId     string `json:"temp_id"`
}

// Conversation is the payload of the join, leave and typing events.
type Conversation struct {
	ContactUserId int `json:"contact_user_id"`
}

type MessageRead struct {
	SenderId int `json:"sender_id"`
}

type MessageDelivered struct {
	MessageId int `json:"message_id"`
	SenderId  int `json:"sender_id"`
}

// ParseClientMessage decodes a raw frame and validates the payload shape for
// its event.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	msg.Timestamp = Now()

	switch msg.Event {
	case EventSendMessage:
		msg.SendMessage = &SendMessage{}
		if err := decodeData(msg.Data, msg.SendMessage); err != nil {
			return nil, err
		}
	case EventJoinConversation, EventLeaveConversation, EventTypingStart, EventTypingStop:
		msg.Conversation = &Conversation{}
		if err := decodeData(msg.Data, msg.Conversation); err != nil {
			return nil, err
		}
		if msg.Conversation.ContactUserId <= 0 {
			return nil, fmt.Errorf("%w: contact_user_id is required", ErrInvalidPayload)
		}
	case EventMessageRead:
		msg.Read = &MessageRead{}
		if err := decodeData(msg.Data, msg.Read); err != nil {
			return nil, err
		}
		if msg.Read.SenderId <= 0 {
			return nil, fmt.Errorf("%w: sender_id is required", ErrInvalidPayload)
		}
	case EventMessageDelivered:
		msg.Delivered = &MessageDelivered{}
		if err := decodeData(msg.Data, msg.Delivered); err != nil {
			return nil, err
		}
		if msg.Delivered.MessageId <= 0 || msg.Delivered.SenderId <= 0 {
			return nil, fmt.Errorf("%w: message_id and sender_id are required", ErrInvalidPayload)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}

	return &msg, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return nil
}

// ServerMessage is a frame written to a client.
type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type UserOnline struct {
	UserId int    `json:"user_id"`
	Name   string `json:"name"`
}

type UserOffline struct {
	UserId int `json:"user_id"`
}

type MessageSending struct {
	TempId string `json:"temp_id"`
	Status string `json:"status"`
}

type MessageConfirmed struct {
	TempId  string        `json:"temp_id"`
	Message types.Message `json:"message"`
}

type MessageError struct {
	TempId  string `json:"temp_id"`
	Message string `json:"message"`
}

type NewMessage struct {
	types.Message
	TempId string `json:"temp_id,omitempty"`
}

type MessageNotification struct {
	Message  types.Message  `json:"message"`
	FromUser types.Identity `json:"from_user"`
}

type MessageStatusUpdate struct {
	MessageId int    `json:"message_id"`
	Status    string `json:"status"`
}

type UserTyping struct {
	UserId int    `json:"user_id"`
	Name   string `json:"name"`
}

type UserStoppedTyping struct {
	UserId int `json:"user_id"`
}

type MessagesRead struct {
	ByUserId int `json:"by_user_id"`
}

type ErrorData struct {
	Message string `json:"message"`
}

func UserOnlineMsg(identity types.Identity) *ServerMessage {
	return &ServerMessage{
		Event: EventUserOnline,
		Data:  UserOnline{UserId: identity.Id, Name: identity.Name},
	}
}

func UserOfflineMsg(userId int) *ServerMessage {
	return &ServerMessage{
		Event: EventUserOffline,
		Data:  UserOffline{UserId: userId},
	}
}

func MessageSendingMsg(tempId string) *ServerMessage {
	return &ServerMessage{
		Event: EventMessageSending,
		Data:  MessageSending{TempId: tempId, Status: StatusProcessing},
	}
}

func MessageConfirmedMsg(tempId string, msg types.Message) *ServerMessage {
	return &ServerMessage{
		Event: EventMessageConfirmed,
		Data:  MessageConfirmed{TempId: tempId, Message: msg},
	}
}

func MessageErrorMsg(tempId, reason string) *ServerMessage {
	return &ServerMessage{
		Event: EventMessageError,
		Data:  MessageError{TempId: tempId, Message: reason},
	}
}

func NewMessageMsg(tempId string, msg types.Message) *ServerMessage {
	return &ServerMessage{
		Event: EventNewMessage,
		Data:  NewMessage{Message: msg, TempId: tempId},
	}
}

func MessageNotificationMsg(msg types.Message, from types.Identity) *ServerMessage {
	return &ServerMessage{
		Event: EventMessageNotification,
		Data:  MessageNotification{Message: msg, FromUser: from},
	}
}

func MessageStatusUpdateMsg(messageId int, status string) *ServerMessage {
	return &ServerMessage{
		Event: EventMessageStatusUpdate,
		Data:  MessageStatusUpdate{MessageId: messageId, Status: status},
	}
}

func UserTypingMsg(identity types.Identity) *ServerMessage {
	return &ServerMessage{
		Event: EventUserTyping,
		Data:  UserTyping{UserId: identity.Id, Name: identity.Name},
	}
}

func UserStoppedTypingMsg(userId int) *ServerMessage {
	return &ServerMessage{
		Event: EventUserStoppedTyping,
		Data:  UserStoppedTyping{UserId: userId},
	}
}

func MessagesReadMsg(byUserId int) *ServerMessage {
	return &ServerMessage{
		Event: EventMessagesRead,
		Data:  MessagesRead{ByUserId: byUserId},
	}
}

func ErrorMsg(reason string) *ServerMessage {
	return &ServerMessage{
		Event: EventError,
		Data:  ErrorData{Message: reason},
	}
}

func ErrInvalidMessage() *ServerMessage {
	return ErrorMsg("invalid message format")
}

func ErrInternalError() *ServerMessage {
	return ErrorMsg("internal server error")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
