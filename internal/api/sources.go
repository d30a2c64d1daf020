package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/pipeline"
)

// HandleListSources returns all registered sources.
// GET /api/v1/sources?active=true
//
// Responses are cached briefly (SourceCache TTL); mutating handlers clear
// the cache so writes are visible on the next read.
func (s *Server) HandleListSources(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	cacheKey := "all"
	if activeOnly {
		cacheKey = "active"
	}
	if s.SourceCache != nil {
		if sources, ok := s.SourceCache.Get(cacheKey); ok {
			writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
			return
		}
	}

	sources, err := s.Sources.ListSources(r.Context(), activeOnly)
	if err != nil {
		internalError(w, "failed to list sources", err)
		return
	}
	if s.SourceCache != nil {
		s.SourceCache.Set(cacheKey, sources)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// createSourceRequest is the POST /sources body.
type createSourceRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Type     string `json:"type"`
	Active   *bool  `json:"active"`
}

// HandleCreateSource registers a new source.
// POST /api/v1/sources
func (s *Server) HandleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Endpoint == "" {
		errorJSON(w, "name and endpoint are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = string(domain.CallTypeList)
	}
	switch domain.CallType(req.Type) {
	case domain.CallTypeList, domain.CallTypeDetail, domain.CallTypeSingle:
	default:
		errorJSON(w, "type must be list, detail, or single", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	src := &domain.Source{
		Name:     req.Name,
		Endpoint: req.Endpoint,
		Type:     req.Type,
		Active:   req.Active == nil || *req.Active,
	}
	if err := s.Sources.CreateSource(r.Context(), src); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "a source with that name already exists", "ALREADY_EXISTS", http.StatusConflict)
			return
		}
		internalError(w, "failed to create source", err)
		return
	}
	if s.SourceCache != nil {
		s.SourceCache.Clear()
	}
	writeJSON(w, http.StatusCreated, src)
}

// HandleGetSource returns one source with its configuration.
// GET /api/v1/sources/{id}
func (s *Server) HandleGetSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}

	src, err := s.Sources.GetSource(r.Context(), id)
	if err != nil {
		internalError(w, "failed to get source", err)
		return
	}
	if src == nil {
		errorJSON(w, "source not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	cfg, err := s.Sources.GetConfiguration(r.Context(), id)
	if err != nil {
		internalError(w, "failed to get source configuration", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"source":        src,
		"configuration": cfg,
	})
}

// HandleUpsertConfiguration writes the per-source settings.
// PUT /api/v1/sources/{id}/configuration
func (s *Server) HandleUpsertConfiguration(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}

	var cfg domain.SourceConfiguration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	cfg.SourceID = id

	if err := s.Sources.UpsertConfiguration(r.Context(), cfg); err != nil {
		internalError(w, "failed to save source configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleFlagReprocess arms force-full-reprocessing for the next run.
// POST /api/v1/sources/{id}/reprocess
func (s *Server) HandleFlagReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	if err := s.Sources.SetForceFullReprocessing(r.Context(), id, true); err != nil {
		internalError(w, "failed to flag source for reprocessing", err)
		return
	}
	if s.SourceCache != nil {
		s.SourceCache.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "flagged"})
}

// HandleProcessSource starts a pipeline run for one source.
// POST /api/v1/sources/{id}/process?force=true&wait=true
//
// By default the run executes in the background and the handler returns 202.
// With wait=true the handler blocks and returns the full run result.
func (s *Server) HandleProcessSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if r.URL.Query().Get("wait") == "true" {
		result, err := s.Processor.Run(r.Context(), id, force)
		if err != nil {
			if result != nil {
				// The run started and failed: the caller gets the full
				// error-shaped run result, not the generic error envelope.
				writeJSON(w, http.StatusInternalServerError, result)
				return
			}
			writeProcessError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	// Background run: detach from the request context so the client
	// disconnecting doesn't cancel the pipeline.
	go func() {
		if _, err := s.Processor.Run(context.WithoutCancel(r.Context()), id, force); err != nil {
			LoggerFromContext(r.Context()).Error("background pipeline run failed",
				"source_id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "sourceId": id})
}

// writeProcessError maps pipeline errors to HTTP statuses.
func writeProcessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrConcurrentRunInProgress):
		errorJSON(w, "a run is already in progress for this source", "CONFLICT", http.StatusConflict)
	case errors.Is(err, pipeline.ErrSourceNotFound):
		errorJSON(w, "source not found", "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrSourceInactive):
		errorJSON(w, "source is inactive", "INVALID_STATE", http.StatusConflict)
	default:
		internalError(w, "pipeline run failed", err)
	}
}

// sourceID parses the {id} path param, writing a 400 on failure.
func sourceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, "id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
