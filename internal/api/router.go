// Package api provides the HTTP surface of flowmanagerd: the upload and
// update endpoints, the revision info endpoint and health probes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/flow"
)

// maxSpecBodySize caps upload bodies. Specs are declarative documents, not
// data; 4MB is generous.
const maxSpecBodySize = 4 << 20

// defaultPrefix is the route prefix when none is configured.
const defaultPrefix = "/source"

// FlowService is the orchestration core the handlers delegate to.
// Implemented by *flow.Service.
type FlowService interface {
	Upload(ctx context.Context, token string, contents domain.Spec) flow.UploadResult
	ApplyStatus(ctx context.Context, ev flow.StatusEvent) flow.UpdateResult
	Info(ctx context.Context, owner, name string, ref domain.RevisionRef) (*flow.InfoResponse, error)
}

// Structured error type codes for machine-readable error categorization.
const (
	ErrorTypeValidation = "VALIDATION" // request data failed validation
	ErrorTypeNotFound   = "NOT_FOUND"  // requested resource does not exist
	ErrorTypeInternal   = "INTERNAL"   // unexpected server error
)

// APIError is the structured JSON error envelope returned by all API error responses.
// Format: {"error": {"code": "ERROR_CODE", "type": "ERROR_TYPE", "message": "human-readable message"}}
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request body size.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxSpecBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// Server holds dependencies for all API handlers.
type Server struct {
	Flows FlowService

	// Prefix is the route prefix for the flow endpoints ("/source" if empty).
	Prefix string

	// CORSOrigins are the allowed CORS origins. Defaults to ["*"] — uploads
	// come from browser frontends on arbitrary deployments.
	CORSOrigins []string

	DBHealth      HealthChecker // Postgres health check (pool.Ping). Nil = skip.
	StorageHealth HealthChecker // package store health check (BucketExists). Nil = skip.
	EventsHealth  HealthChecker // Elasticsearch health check (Ping). Nil = skip.
}

// NewRouter creates a configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	prefix := srv.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Auth-Token", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health (unauthenticated, outside the prefix)
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)

	r.Route(prefix, func(r chi.Router) {
		r.Use(limitBody)
		r.Post("/upload", srv.HandleUpload)
		r.Post("/update", srv.HandleUpdate)
		r.Get("/{owner}/{dataset}/{revision}", srv.HandleInfo)
	})

	return r
}
