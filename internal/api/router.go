// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ttlock-bridge/backend/internal/api/handlers"
	"github.com/ttlock-bridge/backend/internal/api/middleware"
	"github.com/ttlock-bridge/backend/internal/command"
	"github.com/ttlock-bridge/backend/internal/websocket"
)

// Services holds everything the router exposes.
type Services struct {
	DB       handlers.Pinger
	Store    handlers.LockReader
	Commands handlers.Commander
	Health   handlers.HealthSource
	Tokens   handlers.TokenStatus
	Sweeper  handlers.Sweeper
	Webhook  http.Handler
	Hub      *websocket.Hub
	Metrics  http.Handler
	Location *time.Location
	Logger   *slog.Logger

	// SignedWebhook serves the webhook on a fixed path for signed
	// deliveries; otherwise the secret is the last path segment.
	SignedWebhook bool
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services) *mux.Router {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()

	// Apply global middleware
	r.Use(middleware.Logging(logger, routeTemplate))
	r.Use(middleware.ErrorRecovery(logger))

	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()

	// Vendor callbacks
	if s.SignedWebhook {
		api.Handle("/webhook", s.Webhook).Methods("POST")
	} else {
		api.Handle("/webhook/{token}", s.Webhook).Methods("POST")
	}

	// Health, diagnostics and reconciliation
	api.HandleFunc("/health", handlers.HealthCheck(s.DB, s.Health, s.Store)).Methods("GET")
	api.HandleFunc("/diagnostics", handlers.Diagnostics(s.Store, s.Health, s.Tokens, s.Sweeper)).Methods("GET")
	api.HandleFunc("/reconcile", handlers.TriggerReconcile(s.Sweeper)).Methods("POST")

	// WebSocket endpoint
	if s.Hub != nil {
		api.HandleFunc("/ws", handlers.WebSocketUpgrade(s.Hub, s.Store, logger)).Methods("GET")
	}

	// Entity state and commands
	api.HandleFunc("/locks", handlers.ListLocks(s.Store)).Methods("GET")
	api.HandleFunc("/locks/{id}", handlers.GetLock(s.Store, logger)).Methods("GET")
	api.HandleFunc("/locks/{id}/lock", handlers.OperateLock(s.Commands, command.KindLock, logger)).Methods("POST")
	api.HandleFunc("/locks/{id}/unlock", handlers.OperateLock(s.Commands, command.KindUnlock, logger)).Methods("POST")
	api.HandleFunc("/commands/{id}", handlers.GetCommand(s.Commands, logger)).Methods("GET")

	// Automation services
	api.HandleFunc("/services/{name}", handlers.CallService(s.Commands, s.Location, logger)).Methods("POST")

	return r
}

// routeTemplate names a request by its matched route, keeping path
// parameters such as the webhook token out of the access log.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}
