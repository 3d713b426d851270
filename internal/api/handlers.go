package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/npezzotti/go-chatrelay/internal/webpush"
)

type Subscriber interface {
	Subscribe(ctx context.Context, userId int, sub webpushgo.Subscription) (types.PushSubscription, error)
	Unsubscribe(ctx context.Context, userId int, endpoint string) error
}

type PushNotifier interface {
	Notify(ctx context.Context, userId int, payload types.NotificationPayload) (webpush.Result, error)
}

// PushService groups the collaborators behind the push endpoints.
type PushService struct {
	PublicKey     string
	Subscriptions Subscriber
	Notifier      PushNotifier
}

type SubscribeRequest struct {
	Subscription *webpushgo.Subscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type VAPIDPublicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

type TestPushResponse struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
}

func (s *ChatRelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatRelayApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatRelayApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Printf("health check: %v", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatRelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, ok := CurrentUser(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(identity, conn, s.cs, s.log)
	if !s.cs.Register(client) {
		s.log.Printf("chat server is shutting down, rejecting user %d", identity.Id)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}

func (s *ChatRelayApp) getMessages(w http.ResponseWriter, r *http.Request) {
	identity, _ := CurrentUser(r.Context())

	contactId, err := strconv.Atoi(r.URL.Query().Get("contact_id"))
	if err != nil || contactId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	messages, err := s.db.GetConversation(r.Context(), identity.Id, contactId, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatRelayApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	identity, _ := CurrentUser(r.Context())

	messageId, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.db.DeleteMessage(r.Context(), messageId, identity.Id); err != nil {
		switch {
		case errors.Is(err, database.ErrMessageNotFound):
			s.writeError(w, NewNotFoundError())
		case errors.Is(err, database.ErrNotMessageSender):
			s.writeError(w, NewForbiddenError())
		default:
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatRelayApp) vapidPublicKey(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		s.writeError(w, NewServiceUnavailableError())
		return
	}

	s.writeJson(w, http.StatusOK, VAPIDPublicKeyResponse{PublicKey: s.push.PublicKey})
}

func (s *ChatRelayApp) subscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		s.writeError(w, NewServiceUnavailableError())
		return
	}

	identity, _ := CurrentUser(r.Context())

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subscription == nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	sub, err := s.push.Subscriptions.Subscribe(r.Context(), identity.Id, *req.Subscription)
	if err != nil {
		if errors.Is(err, webpush.ErrInvalidSubscription) {
			s.writeError(w, NewValidationError(err))
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, sub)
}

func (s *ChatRelayApp) unsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		s.writeError(w, NewServiceUnavailableError())
		return
	}

	identity, _ := CurrentUser(r.Context())

	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.push.Subscriptions.Unsubscribe(r.Context(), identity.Id, req.Endpoint); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, NewNotFoundError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatRelayApp) testPush(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		s.writeError(w, NewServiceUnavailableError())
		return
	}

	identity, _ := CurrentUser(r.Context())

	res, err := s.push.Notifier.Notify(r.Context(), identity.Id, webpush.TestPayload())
	switch {
	case errors.Is(err, webpush.ErrNoSubscriptions):
		s.writeError(w, NewNotFoundError())
		return
	case errors.Is(err, webpush.ErrNotDelivered):
		s.writeError(w, NewBadGatewayError(err))
		return
	case err != nil:
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, TestPushResponse{Attempted: res.Attempted, Delivered: res.Delivered})
}
