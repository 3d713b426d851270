package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/server"
)

type ChatRelayApp struct {
	log            *log.Logger
	db             database.ChatRelayRepository
	srv            *http.Server
	cs             *server.ChatServer
	auth           *AuthVerifier
	push           *PushService
	allowedOrigins []string
}

// NewChatRelayApp registers the HTTP routes on mux. push may be nil, in
// which case the push endpoints answer 503.
func NewChatRelayApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.ChatRelayRepository,
	push *PushService, cfg *config.Config) *ChatRelayApp {
	s := &ChatRelayApp{
		log:            logger,
		db:             db,
		cs:             cs,
		auth:           NewAuthVerifier(cfg.SigningKey, db),
		push:           push,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))
	mux.Handle("GET /api/push/vapid-public-key", s.authMiddleware(s.vapidPublicKey))
	mux.Handle("POST /api/push/subscribe", s.authMiddleware(s.subscribe))
	mux.Handle("POST /api/push/unsubscribe", s.authMiddleware(s.unsubscribe))
	mux.Handle("POST /api/push/test", s.authMiddleware(s.testPush))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatRelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatRelayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatRelayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
