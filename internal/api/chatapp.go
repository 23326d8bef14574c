package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/recovery-chat/internal/chat"
	"github.com/npezzotti/recovery-chat/internal/config"
	"github.com/npezzotti/recovery-chat/internal/database"
	"github.com/npezzotti/recovery-chat/internal/identity"
)

type ChatApp struct {
	log               *log.Logger
	db                database.ChatRepository
	srv               *http.Server
	cs                *chat.ChatServer
	resolver          *identity.Resolver
	allowedOrigins    []string
	historyLimit      int
	messagesPerMinute int
}

func NewChatApp(mux *http.ServeMux, logger *log.Logger, cs *chat.ChatServer, db database.ChatRepository, resolver *identity.Resolver, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		resolver:       resolver,
		allowedOrigins: cfg.AllowedOrigins,
		historyLimit:   cfg.HistoryLimit,
	}
	if cfg.RedisAddr != "" {
		s.messagesPerMinute = cfg.MessagesPerMinute
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /api/chat/stats", s.noCache(s.getStats))
	mux.HandleFunc("GET /api/chat/rooms", s.noCache(s.listRooms))
	mux.HandleFunc("GET /api/chat/rooms/{room}/messages", s.noCache(s.getRoomMessages))
	mux.HandleFunc("GET /api/chat/settings", s.getSettings)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = handlers.CombinedLoggingHandler(logger.Writer(), h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
