package server

import (
	"net/http"
	"strconv"

	"github.com/corvid-labs/tempo/cron"
)

// handleJobs serves /api/cron/jobs: GET lists, POST adds
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		includeDisabled := r.URL.Query().Get("includeDisabled") == "true"
		jobs, err := s.service.List(includeDisabled)
		if err != nil {
			handleError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*cron.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)

	case http.MethodPost:
		var spec cron.JobSpec
		if err := readJSON(w, r, &spec); err != nil {
			return
		}
		job, err := s.service.Add(spec)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

// handleJobByID serves /api/cron/jobs/{id} plus the /run and /runs
// sub-resources
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/cron/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job id")
		return
	}
	id := parts[0]

	if len(parts) > 1 && parts[1] != "" {
		switch parts[1] {
		case "run":
			s.handleJobRun(w, r, id)
		case "runs":
			s.handleJobRuns(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "Unknown resource")
		}
		return
	}

	if !requireMethods(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.service.Get(id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)

	case http.MethodPatch:
		var patch cron.JobPatch
		if err := readJSON(w, r, &patch); err != nil {
			return
		}
		job, err := s.service.Update(id, patch)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)

	case http.MethodDelete:
		removed, err := s.service.Remove(id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
	}
}

// handleJobRun serves POST /api/cron/jobs/{id}/run
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request, id string) {
	if !requireMethods(w, r, http.MethodPost) {
		return
	}

	mode := r.URL.Query().Get("mode")
	ran, err := s.service.Run(id, mode)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ran": ran})
}

// handleJobRuns serves GET /api/cron/jobs/{id}/runs
func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request, id string) {
	if !requireMethods(w, r, http.MethodGet) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.service.Runs(id, limit)
	if err != nil {
		handleError(w, err)
		return
	}
	if entries == nil {
		entries = []*cron.RunEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleStatus serves GET /api/cron/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet) {
		return
	}

	status, err := s.service.Status()
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
