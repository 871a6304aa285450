// Package api provides the HTTP interface of the build server: starting and
// cancelling builds, inspecting results, streaming build events and
// validating build files.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const apiPrefix = "/api/v1"

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	limiter  *RateLimiter
}

// NewServer creates a new API server. A nil limiter disables rate limiting.
func NewServer(h *Handlers, limiter *RateLimiter) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		limiter:  limiter,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = notFoundHandler()
	s.router.MethodNotAllowedHandler = methodNotAllowedHandler()

	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes sit on the root router so that a method mismatch reaches
	// MethodNotAllowedHandler; a subrouter reports it as not found.
	r := s.router

	// Builds
	r.HandleFunc(apiPrefix+"/builds", s.handlers.CreateBuild).Methods("POST")
	r.HandleFunc(apiPrefix+"/builds", s.handlers.ListBuilds).Methods("GET")
	r.HandleFunc(apiPrefix+"/builds/{id}", s.handlers.GetBuild).Methods("GET")
	r.HandleFunc(apiPrefix+"/builds/{id}", s.handlers.CancelBuild).Methods("DELETE")
	r.HandleFunc(apiPrefix+"/builds/{id}/tasks", s.handlers.BuildTasks).Methods("GET")
	r.HandleFunc(apiPrefix+"/builds/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Build file
	r.HandleFunc(apiPrefix+"/tasks", s.handlers.ListTasks).Methods("GET")
	r.HandleFunc(apiPrefix+"/validate", s.handlers.Validate).Methods("POST")

	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware)
	}
}
