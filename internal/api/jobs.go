package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/foreman/internal/engine"
	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/store"
	"github.com/seantiz/foreman/internal/workspace"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// enqueueJobRequest is the JSON body for POST /v1/jobs.
type enqueueJobRequest struct {
	ChatContextID string `json:"chat_context_id"`
	Prompt        string `json:"prompt"`
	Provider      string `json:"provider"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.ChatContextID == "" {
		s.writeError(w, http.StatusBadRequest, "chat_context_id is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	res, err := s.engine.Enqueue(r.Context(), req.ChatContextID, req.Prompt, req.Provider)
	if errors.Is(err, workspace.ErrNotConfigured) {
		s.writeError(w, http.StatusBadRequest, "no working directory configured for this chat")
		return
	}
	if err != nil {
		s.logger.Error("enqueue job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	job, err := s.engine.GetJob(r.Context(), res.JobID)
	if err != nil {
		s.logger.Error("get enqueued job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.engine.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	chatContextID := r.URL.Query().Get("chat_context_id")
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.engine.ListRecent(r.Context(), chatContextID, limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelJob requests cancellation of a running job. The outcome is
// always reported as a JSON body; the status code mirrors the reason so
// plain HTTP clients can branch without parsing.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chatContextID := r.URL.Query().Get("chat_context_id")

	outcome, err := s.engine.Cancel(r.Context(), chatContextID, id)
	if err != nil {
		s.logger.Error("cancel job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	switch outcome.Reason {
	case engine.ReasonNotFound:
		s.writeJSON(w, http.StatusNotFound, outcome)
	case engine.ReasonNotRunning:
		s.writeJSON(w, http.StatusConflict, outcome)
	default:
		s.writeJSON(w, http.StatusOK, outcome)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
