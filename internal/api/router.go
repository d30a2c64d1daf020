// Package api provides the HTTP API handlers for grantflowd.
// All endpoints are mounted under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/cache"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/pipeline"
	"github.com/grantflow-data/grantflow/platform/internal/postgres"
	"github.com/grantflow-data/grantflow/platform/internal/ratelimit"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// parsePagination reads limit and offset from query params with defaults and bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// APIError is the structured JSON error envelope returned by all API error
// responses: {"error": {"code": "...", "message": "..."}}.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorJSON writes a structured JSON error response.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Message: message},
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

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Body != nil && !strings.HasPrefix(ct, "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
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

// SourceStore is the source persistence the handlers need.
type SourceStore interface {
	CreateSource(ctx context.Context, src *domain.Source) error
	GetSource(ctx context.Context, id uuid.UUID) (*domain.Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]domain.Source, error)
	GetConfiguration(ctx context.Context, sourceID uuid.UUID) (domain.SourceConfiguration, error)
	UpsertConfiguration(ctx context.Context, cfg domain.SourceConfiguration) error
	SetForceFullReprocessing(ctx context.Context, sourceID uuid.UUID, enabled bool) error
}

// RunStore is the run persistence the handlers need.
type RunStore interface {
	ListRuns(ctx context.Context, filter postgres.RunFilter) ([]domain.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*domain.Run, []domain.StageRecord, error)
	GetOpportunityPaths(ctx context.Context, runID uuid.UUID) ([]domain.OpportunityPath, error)
}

// Processor starts pipeline runs.
type Processor interface {
	Run(ctx context.Context, sourceID uuid.UUID, force bool) (*pipeline.RunResult, error)
}

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (e.g. Ping, BucketExists).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server holds dependencies for all API handlers.
type Server struct {
	Sources   SourceStore
	Runs      RunStore
	Processor Processor

	CORSOrigins []string      // Allowed CORS origins. Defaults to ["http://localhost:3000"].
	DBHealth    HealthChecker // Postgres health check (pool.Ping). Nil = skip.
	S3Health    HealthChecker // S3/MinIO health check (BucketExists). Nil = skip.

	// Auth wraps every request. Nil means no authentication.
	Auth func(http.Handler) http.Handler

	// RateLimit enables per-IP rate limiting when non-nil.
	// RateLimiterStop is populated by NewRouter for shutdown.
	RateLimit       *ratelimit.Config
	RateLimiterStop func()

	// SourceCache caches source list responses. Nil disables caching.
	// Mutating handlers clear it so writes are visible immediately.
	SourceCache *cache.Cache[string, []domain.Source]
}

// NewRouter creates a configured chi router with all API routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	if srv.RateLimit != nil {
		limiter, mw := RateLimit(*srv.RateLimit)
		srv.RateLimiterStop = limiter.Stop
		r.Use(mw)
	}
	if srv.Auth != nil {
		r.Use(srv.Auth)
	}

	// Health probes (unauthenticated, outside /api/v1)
	r.Get("/healthz", srv.HandleHealthLive)
	r.Get("/healthz/ready", srv.HandleHealthReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)

		r.Get("/sources", srv.HandleListSources)
		r.Post("/sources", srv.HandleCreateSource)
		r.Get("/sources/{id}", srv.HandleGetSource)
		r.Put("/sources/{id}/configuration", srv.HandleUpsertConfiguration)
		r.Post("/sources/{id}/reprocess", srv.HandleFlagReprocess)
		r.Post("/sources/{id}/process", srv.HandleProcessSource)

		r.Get("/runs", srv.HandleListRuns)
		r.Get("/runs/{id}", srv.HandleGetRun)
	})

	return r
}
