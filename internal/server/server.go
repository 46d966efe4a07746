// Package server exposes the chat engine over HTTP and websockets using echo.
//
// The caller's identity is taken from the X-User-ID header, which an upstream
// authentication gateway is trusted to set.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/edgard/haven/internal/chat"
	"github.com/edgard/haven/internal/config"
	"github.com/edgard/haven/internal/database"
	"github.com/edgard/haven/internal/logger"
	"github.com/edgard/haven/internal/profile"
	"github.com/edgard/haven/internal/realtime"
)

// ChatService is the conversation engine as used by the HTTP handlers.
type ChatService interface {
	EnsureConversation(ctx context.Context, a, b string) (*database.Conversation, error)
	View(ctx context.Context, key, viewerID string) (*chat.ConversationView, error)
	History(ctx context.Context, key, viewerID, beforeID string, limit int) ([]database.Message, error)
	Send(ctx context.Context, key, senderID, body string) (*database.Message, error)
	DeleteMessages(ctx context.Context, key, requesterID string, ids []string) error
	MarkRead(ctx context.Context, key, participantID string) error
	Summaries(ctx context.Context, participantID string) ([]database.SummaryEntry, error)
}

// ProfileService serves profile reads, updates and username lookups.
type ProfileService interface {
	GetProfile(ctx context.Context, userID string) (*database.Profile, error)
	Search(ctx context.Context, query, requesterID string, limit int) ([]database.Profile, error)
	UpdateProfile(ctx context.Context, userID string, in profile.Update) (*database.Profile, error)
	IsAvailable(ctx context.Context, username string) (bool, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the services the HTTP layer delegates to.
type Deps struct {
	Chat     ChatService
	Profiles ProfileService
	Hub      *realtime.Hub
	Health   Pinger
}

// Server is the HTTP and websocket front end.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	deps     Deps
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New builds a Server with every route registered.
func New(cfg config.ServerConfig, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		echo: echo.New(),
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks belong to the gateway in front of this service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With("component", "server"),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.JSONSerializer = sonicSerializer{}
	s.echo.Validator = newRequestValidator()
	s.echo.HTTPErrorHandler = s.handleError
	// Websocket sessions manage their own deadlines once hijacked.
	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.WriteTimeout = cfg.WriteTimeout

	s.echo.Use(middleware.RequestID())
	s.echo.Use(logger.Middleware(s.logger))
	s.echo.Use(middleware.Recover())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.health)

	v1 := s.echo.Group("/v1")
	v1.GET("/ws", s.serveWebsocket, identity(true))

	api := v1.Group("", identity(false))
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/:key", s.viewConversation)
	api.GET("/conversations/:key/messages", s.listMessages)
	api.POST("/conversations/:key/messages", s.sendMessage)
	api.DELETE("/conversations/:key/messages", s.deleteMessages)
	api.POST("/conversations/:key/read", s.markRead)

	api.GET("/me/conversations", s.listConversations)
	api.GET("/me/profile", s.getOwnProfile)
	api.PUT("/me/profile", s.updateProfile)
	api.GET("/users", s.searchUsers)
	api.GET("/users/:id", s.getProfile)
	api.GET("/usernames/:username", s.usernameAvailability)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until the server stops.
// A stop caused by Shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.cfg.Addr)
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}
