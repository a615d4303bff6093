// Package rest provides the HTTP surface over the policy delegate
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/authz-engine/rbac-core/internal/rbac"
)

// Config configures the REST API server
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default REST server configuration
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the REST API server
type Server struct {
	delegate   *rbac.EnforcerDelegate
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	config     Config
	metrics    http.Handler
}

// New creates a new REST API server. metricsHandler may be nil.
func New(cfg Config, delegate *rbac.EnforcerDelegate, logger *zap.Logger, metricsHandler http.Handler) (*Server, error) {
	if delegate == nil {
		return nil, fmt.Errorf("delegate is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		delegate: delegate,
		router:   mux.NewRouter(),
		logger:   logger,
		config:   cfg,
		metrics:  metricsHandler,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// registerRoutes registers all REST API routes
func (s *Server) registerRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/enforce", s.enforceHandler).Methods("POST")

	policies := v1.PathPrefix("/policies").Subrouter()
	policies.HandleFunc("", s.listPoliciesHandler).Methods("GET")
	policies.HandleFunc("", s.createPoliciesHandler).Methods("POST")
	policies.HandleFunc("", s.deletePoliciesHandler).Methods("DELETE")

	roles := v1.PathPrefix("/roles").Subrouter()
	roles.HandleFunc("", s.listRolesHandler).Methods("GET")
	roles.HandleFunc("", s.createRoleHandler).Methods("POST")
	roles.HandleFunc("", s.deleteRoleHandler).Methods("DELETE")

	v1.HandleFunc("/permissions", s.implicitPermissionsHandler).Methods("GET")
}

// Start starts the REST API server
func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.Int("port", s.config.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the REST API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// responseWriter captures the status code for request logging
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestIDMiddleware tags every request with a request id
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", w.Header().Get("X-Request-Id")),
		)
	})
}

// recoveryMiddleware converts panics into 500 responses
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// healthCheckHandler reports service liveness
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
