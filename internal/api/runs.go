package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/postgres"
)

// HandleListRuns returns pipeline runs, newest first.
// GET /api/v1/runs?source_id=&status=&limit=&offset=
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	filter := postgres.RunFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	}
	if v := r.URL.Query().Get("source_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errorJSON(w, "source_id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.SourceID = id
	}

	runs, err := s.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		internalError(w, "failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// HandleGetRun returns one run with its stage records and opportunity paths.
// GET /api/v1/runs/{id}
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, "id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	run, stages, err := s.Runs.GetRun(r.Context(), id)
	if err != nil {
		internalError(w, "failed to get run", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	paths, err := s.Runs.GetOpportunityPaths(r.Context(), id)
	if err != nil {
		internalError(w, "failed to get opportunity paths", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":              run,
		"stages":           stages,
		"opportunityPaths": paths,
	})
}
