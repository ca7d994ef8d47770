package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/glasschat/glasschat/internal/config"
	"github.com/glasschat/glasschat/internal/database"
	"github.com/glasschat/glasschat/internal/server"
	"github.com/teris-io/shortid"
)

type GlassChatApp struct {
	log            *log.Logger
	db             database.ChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string

	generateShortId func() (string, error)
}

func NewGlassChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.ChatRepository, cfg *config.Config) *GlassChatApp {
	s := &GlassChatApp{
		log:             logger,
		db:              db,
		cs:              cs,
		signingKey:      cfg.SigningKey,
		allowedOrigins:  cfg.AllowedOrigins,
		generateShortId: shortid.Generate,
	}

	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("/api/account", s.authMiddleware(s.account))
	mux.Handle("GET /api/users/search", s.authMiddleware(s.searchUsers))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("PUT /api/rooms", s.authMiddleware(s.updateRoom))
	mux.Handle("DELETE /api/rooms", s.authMiddleware(s.deleteRoom))
	mux.Handle("POST /api/rooms/dm", s.authMiddleware(s.startDirectRoom))
	mux.Handle("GET /api/rooms/members", s.authMiddleware(s.listMembers))
	mux.Handle("POST /api/rooms/members", s.authMiddleware(s.addMembers))
	mux.Handle("PUT /api/rooms/members", s.authMiddleware(s.manageMember))
	mux.Handle("POST /api/rooms/read", s.authMiddleware(s.markRoomRead))
	mux.Handle("POST /api/rooms/archive", s.authMiddleware(s.archiveRoom))
	mux.Handle("POST /api/blocks", s.authMiddleware(s.createBlock))
	mux.Handle("DELETE /api/blocks", s.authMiddleware(s.deleteBlock))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/thread", s.authMiddleware(s.getThread))
	mux.Handle("GET /api/polls/votes", s.authMiddleware(s.getPollVotes))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *GlassChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GlassChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
