package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/flow"
)

// HandleUpload accepts a dataset spec and submits it as a new flow.
// POST {prefix}/upload, body: the JSON spec. The token comes from the
// Auth-Token header, or the jwt query parameter for browser-initiated
// uploads. The response always carries the success flag and error list;
// validation failures are not HTTP errors.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Auth-Token")
	if token == "" {
		token = r.URL.Query().Get("jwt")
	}

	// A missing or malformed body becomes a nil spec; the service answers it
	// with the empty-contents error so curl users get a useful message.
	var contents domain.Spec
	if err := json.NewDecoder(r.Body).Decode(&contents); err != nil {
		contents = nil
	}

	writeJSON(w, http.StatusOK, s.Flows.Upload(r.Context(), token, contents))
}

// updateRequest is the status callback body posted by the pipeline runner.
type updateRequest struct {
	PipelineID string         `json:"pipeline_id"`
	Event      string         `json:"event"` // queue | progress | finish
	Success    bool           `json:"success"`
	Errors     []string       `json:"errors"`
	Log        []string       `json:"log"`
	Stats      map[string]any `json:"stats"`
}

// HandleUpdate applies one pipeline status callback.
// POST {prefix}/update.
func (s *Server) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.PipelineID == "" {
		errorJSON(w, "pipeline_id is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	state := runState(req.Event, req.Success)
	result := s.Flows.ApplyStatus(r.Context(), flow.StatusEvent{
		PipelineID: req.PipelineID,
		State:      state,
		Errors:     req.Errors,
		Stats:      req.Stats,
		Logs:       req.Log,
	})
	writeJSON(w, http.StatusOK, result)
}

// runState translates the runner's event vocabulary into reducer states.
func runState(event string, success bool) string {
	switch event {
	case "finish":
		if success {
			return domain.RunStateSuccess
		}
		return domain.RunStateFailed
	case "queue":
		return domain.RunStateQueued
	default:
		return "INPROGRESS"
	}
}

// HandleInfo serves the revision projection.
// GET {prefix}/{owner}/{dataset}/{revision}, where revision is a number,
// "latest" or "successful".
func (s *Server) HandleInfo(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	dataset := chi.URLParam(r, "dataset")

	ref, err := domain.ParseRevisionRef(chi.URLParam(r, "revision"))
	if err != nil {
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	info, err := s.Flows.Info(r.Context(), owner, dataset, ref)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			errorJSON(w, "revision not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load revision info", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
