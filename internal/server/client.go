package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
)

// Client is one websocket transport session for an authenticated user.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.Identity
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.Identity, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() types.Identity {
	return c.user
}

func (c *Client) Send(msg *ServerMessage) bool {
	return c.queueMessage(msg)
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		msg, err := ParseClientMessage(raw)
		if err != nil {
			c.log.Printf("invalid message from user %d: %v", c.user.Id, err)
			c.queueMessage(ErrorMsg(err.Error()))
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	cs := c.chatServer

	switch msg.Event {
	case EventSendMessage:
		req := *msg.SendMessage
		cs.Go(func() { cs.relay.Send(cs.ctx, c.user, c, req) })
	case EventJoinConversation, EventLeaveConversation, EventTypingStart, EventTypingStop:
		contact := msg.Conversation.ContactUserId
		if contact == c.user.Id {
			c.queueMessage(ErrorMsg("cannot open a conversation with yourself"))
			return
		}

		roomId := Derive(c.user.Id, contact)
		switch msg.Event {
		case EventJoinConversation:
			cs.rooms.Join(roomId, c)
		case EventLeaveConversation:
			cs.rooms.Leave(roomId, c.id)
		case EventTypingStart:
			cs.typing.Start(roomId, c.user, c.id)
		case EventTypingStop:
			cs.typing.Stop(roomId, c.user.Id, c.id)
		}
	case EventMessageRead:
		senderId := msg.Read.SenderId
		cs.Go(func() { cs.relay.MarkRead(cs.ctx, c.user, c, senderId) })
	case EventMessageDelivered:
		cs.relay.Delivered(c.user, *msg.Delivered)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.Deregister(c)
	c.stopClient()
}
