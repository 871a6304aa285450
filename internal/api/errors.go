package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/forge/internal/buildstore"
	"github.com/flexinfer/forge/internal/engine"
	"github.com/flexinfer/forge/internal/graph"
)

// Error codes of the JSON error envelope.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeUnknownTarget  = "unknown_target"
	ErrCodeInvalidGraph   = "invalid_graph"
	ErrCodeBuildNotFound  = "build_not_found"
	ErrCodeBuildFinished  = "build_finished"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeUnavailable    = "service_unavailable"
	ErrCodeInternalError  = "internal_error"
	ErrCodeRouteNotFound  = "not_found"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID returns the request ID assigned by the logging middleware,
// falling back to the X-Request-ID header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// classify maps a domain error to its HTTP status and error code. Errors it
// does not know are internal.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, buildstore.ErrBuildNotFound):
		return http.StatusNotFound, ErrCodeBuildNotFound
	case errors.Is(err, engine.ErrBuildNotActive):
		return http.StatusConflict, ErrCodeBuildFinished
	case errors.Is(err, graph.ErrUnknownNode):
		return http.StatusBadRequest, ErrCodeUnknownTarget
	case errors.Is(err, graph.ErrCycle), errors.Is(err, graph.ErrInvalidGraph), errors.Is(err, graph.ErrDuplicateNode):
		return http.StatusUnprocessableEntity, ErrCodeInvalidGraph
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}

// codeForStatus picks the code for errors raised by the HTTP layer itself.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeRouteNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllow
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusUnprocessableEntity:
		return ErrCodeInvalidGraph
	case http.StatusServiceUnavailable:
		return ErrCodeUnavailable
	default:
		return ErrCodeInternalError
	}
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	})
}

// notFoundHandler and methodNotAllowedHandler keep router errors inside the
// JSON envelope.
func notFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeRouteNotFound, "no route for "+r.URL.Path, nil)
	})
}

func methodNotAllowedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, r.Method+" is not allowed on "+r.URL.Path, nil)
	})
}
