// Package httpapi exposes the bridge over HTTP: the streaming relay, the
// connection and registration stores, the OAuth flow endpoints and the
// upstream server operations.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/contracts"
	"github.com/starbase-chat/mcpbridge/internal/identity"
	"github.com/starbase-chat/mcpbridge/internal/oauth"
	"github.com/starbase-chat/mcpbridge/internal/observability"
	"github.com/starbase-chat/mcpbridge/internal/proxy"
	"github.com/starbase-chat/mcpbridge/internal/storage"
	"github.com/starbase-chat/mcpbridge/internal/upstream"
)

const apiTimeout = 60 * time.Second

// Config wires the server's collaborators.
type Config struct {
	Store       *storage.Manager
	Connections *upstream.Manager
	Flows       *oauth.Engine
	Broker      *oauth.Broker
	Relay       *proxy.Relay
	Sessions    *identity.Sessions
	Metrics     *observability.MetricsManager
	Logger      *zap.SugaredLogger
}

// Server provides the HTTP API with a chi router
type Server struct {
	store       *storage.Manager
	connections *upstream.Manager
	flows       *oauth.Engine
	broker      *oauth.Broker
	relay       *proxy.Relay
	sessions    *identity.Sessions
	metrics     *observability.MetricsManager
	logger      *zap.SugaredLogger
	router      *chi.Mux
}

// NewServer creates the HTTP API server and registers all routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:       cfg.Store,
		connections: cfg.Connections,
		flows:       cfg.Flows,
		broker:      cfg.Broker,
		relay:       cfg.Relay,
		sessions:    cfg.Sessions,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		router:      chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware())
	}
	s.router.Use(s.requestLoggingMiddleware())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ready":true}`))
	})
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	// The relay manages its own CORS and preflight semantics, so it sits
	// outside the API middleware stack.
	s.router.Handle("/proxy", s.relay)

	// Browser-facing OAuth redirect targets. No session required: the
	// flow state token carries the owner.
	s.router.Get("/oauth/callback", s.handleOAuthCallback)
	if s.broker != nil {
		s.router.Get("/broker/authorize", s.handleBrokerAuthorize)
		s.router.Get("/broker/callback", s.handleBrokerCallback)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))
		r.Use(s.corsMiddleware())
		r.Use(identity.Middleware(s.sessions, s.logger))

		// Stored credentials
		r.Get("/connections", s.handleListConnections)
		r.Post("/connections", s.handleSaveConnection)
		r.Post("/connections/cleanup", s.handleCleanupConnections)
		r.Post("/connections/migrate", s.handleMigrateConnections)
		r.Route("/connections/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConnection)
			r.Patch("/", s.handleUpdateConnection)
			r.Delete("/", s.handleDeleteConnection)
		})

		// OAuth client registrations and flows
		r.Get("/oauth/registration", s.handleGetRegistration)
		r.Post("/oauth/registration", s.handleSaveRegistration)
		r.Post("/oauth/flow", s.handleBeginOAuth)
		r.Get("/oauth/flow/{state}/wait", s.handleWaitOAuth)
		r.Delete("/oauth/flow/{state}", s.handleCancelOAuth)

		// Upstream servers
		r.Get("/servers", s.handleListServers)
		r.Route("/servers/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetServer)
			r.Post("/connect", s.handleConnectServer)
			r.Post("/disconnect", s.handleDisconnectServer)
			r.Post("/refresh", s.handleRefreshServer)
			r.Post("/tools/call", s.handleCallTool)
			r.Post("/resources/read", s.handleReadResource)
			r.Post("/prompts/get", s.handleGetPrompt)
		})
	})
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLoggingMiddleware logs every request with method, path, status and
// duration. Query strings are omitted: relay and callback URLs carry
// credentials.
func (s *Server) requestLoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			s.logger.Debugw("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.statusCode = code
	sw.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the underlying ResponseWriter so SSE streams keep
// flowing through the logging wrapper.
func (sw *statusWriter) Flush() {
	if flusher, ok := sw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, contracts.NewErrorResponse(message))
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, contracts.NewSuccessResponse(data))
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
