// Package api exposes the graph and chat engines over HTTP.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"linkup/internal/auth"
	"linkup/internal/chat"
	"linkup/internal/graph"
	"linkup/internal/models"
	"linkup/internal/observability"
)

// Store is the persistence the handlers reach directly. Implemented by db.DB.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]*models.User, error)
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id, recipientID string) error
}

type Options struct {
	AllowedOrigins  []string
	SecureCookies   bool
	SuggestionLimit int
	MutualLimit     int
}

type Handlers struct {
	store    Store
	auth     *auth.Service
	graph    *graph.Service
	chat     *chat.Service
	metrics  *observability.Collector
	logger   *zap.Logger
	validate *validator.Validate
	opts     Options
}

func NewHandlers(store Store, authSvc *auth.Service, graphSvc *graph.Service, chatSvc *chat.Service,
	metrics *observability.Collector, logger *zap.Logger, opts Options) *Handlers {
	if opts.SuggestionLimit <= 0 {
		opts.SuggestionLimit = 10
	}
	if opts.MutualLimit <= 0 {
		opts.MutualLimit = 10
	}

	validate := validator.New()
	// report fields by their JSON names
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handlers{
		store:    store,
		auth:     authSvc,
		graph:    graphSvc,
		chat:     chatSvc,
		metrics:  metrics,
		logger:   logger.Named("api"),
		validate: validate,
		opts:     opts,
	}
}

// Routes builds the router. ws serves the websocket endpoint and does its
// own authentication.
func (h *Handlers) Routes(ws http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(h.metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.handleRegister)
		r.Post("/auth/login", h.handleLogin)
		r.Post("/auth/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Get("/auth/verify", h.handleVerify)

			r.Get("/users", h.handleSearchUsers)
			r.Get("/users/{id}", h.handleGetUser)

			r.Route("/connections", func(r chi.Router) {
				r.Get("/", h.handleListConnections)
				r.Delete("/{id}", h.handleRemoveConnection)
				r.Get("/degree/{userID}", h.handleDegree)
				r.Get("/mutual/{userID}", h.handleMutual)
				r.Get("/suggestions", h.handleSuggestions)

				r.Post("/requests", h.handleSendRequest)
				r.Get("/requests", h.handleListRequests)
				r.Post("/requests/{id}/accept", h.handleAcceptRequest)
				r.Post("/requests/{id}/ignore", h.handleIgnoreRequest)
				r.Post("/requests/{id}/withdraw", h.handleWithdrawRequest)
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", h.handleListConversations)
				r.Post("/", h.handleStartConversation)
				r.Get("/{id}/messages", h.handleListMessages)
				r.Post("/{id}/messages", h.handleSendMessage)
				r.Post("/{id}/read", h.handleMarkRead)
				r.Put("/{id}/archive", h.handleArchive)
				r.Put("/{id}/mute", h.handleMute)
			})

			r.Get("/messages/unread-count", h.handleUnreadCount)
			r.Delete("/messages/{id}", h.handleDeleteMessage)
			r.Post("/messages/{id}/reactions", h.handleReaction)

			r.Get("/notifications", h.handleListNotifications)
			r.Post("/notifications/{id}/read", h.handleReadNotification)

			r.Get("/presence/online", h.handleOnlineUsers)
			r.Get("/presence/{userID}", h.handlePresence)
		})
	})

	return r
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}
