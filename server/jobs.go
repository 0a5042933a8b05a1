package server

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/inkwell-works/inkwell/errors"
	"github.com/inkwell-works/inkwell/job"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// TriggerRequest is the POST /api/jobs body
type TriggerRequest struct {
	ResourceID string `json:"resource_id"`
	JobType    string `json:"job_type"`
	TotalItems int    `json:"total_items,omitempty"`
	// Resume continues the resource's latest failed job over its remaining
	// range instead of starting a fresh run
	Resume bool `json:"resume,omitempty"`
}

// HandleJobs handles /api/jobs
// POST: trigger a job (returns the pending job immediately)
// GET: list jobs, optionally filtered by status
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleTriggerJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	if req.ResourceID == "" {
		writeError(w, http.StatusBadRequest, "Missing resource_id")
		return
	}
	if !job.IsValidType(req.JobType) {
		writeError(w, http.StatusBadRequest, "Unknown job_type: "+req.JobType)
		return
	}
	jobType := job.Type(req.JobType)

	s.logger.Infow("Job trigger",
		"resource_id", req.ResourceID,
		"job_type", jobType,
		"total_items", req.TotalItems,
		"resume", req.Resume,
		"remote", r.RemoteAddr,
	)

	var j *job.Job
	var err error
	if req.Resume {
		j, err = s.pipeline.Resume(r.Context(), req.ResourceID, &jobType)
	} else {
		j, err = s.pipeline.Trigger(r.Context(), req.ResourceID, jobType, req.TotalItems)
	}
	if err != nil {
		handleError(w, s.logger, err, "failed to trigger job")
		return
	}

	// The trigger returns immediately: the job runs in its own execution
	// context and the client polls for progress
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)

	var status *job.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !job.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, "Unknown status: "+raw)
			return
		}
		st := job.Status(raw)
		status = &st
	}

	jobs, err := s.locks.Store().ListJobs(r.Context(), status, limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleJobStats handles GET /api/jobs/stats
func (s *Server) HandleJobStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	counts, err := s.locks.Store().CountByStatus(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to count jobs")
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"by_status": counts,
		"total":     total,
	})
}

// HandleLatestJob handles GET /api/jobs/latest?resource_id=&job_type=
// Every call performs the lazy stale-check side effect: a crashed job past
// the heartbeat threshold is observed as failed, never as a zombie.
func (s *Server) HandleLatestJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	resourceID := r.URL.Query().Get("resource_id")
	if resourceID == "" {
		writeError(w, http.StatusBadRequest, "Missing resource_id")
		return
	}

	var jobType *job.Type
	if raw := r.URL.Query().Get("job_type"); raw != "" {
		if !job.IsValidType(raw) {
			writeError(w, http.StatusBadRequest, "Unknown job_type: "+raw)
			return
		}
		jt := job.Type(raw)
		jobType = &jt
	}

	j, err := s.locks.GetLatest(r.Context(), resourceID, jobType)
	if err != nil {
		handleError(w, s.logger, err, "failed to get latest job")
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// HandleJob handles GET /api/jobs/{id}
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	pathParts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	j, err := s.locks.GetJob(r.Context(), jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// HandleResource handles POST /api/resources/{id}/items/{n}/retry:
// synchronous single-item reprocessing outside the job machinery
func (s *Server) HandleResource(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/resources/")
	if len(pathParts) < 3 || pathParts[0] == "" || pathParts[1] != "items" || pathParts[len(pathParts)-1] != "retry" {
		writeError(w, http.StatusNotFound, "Unknown resource endpoint")
		return
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	resourceID := pathParts[0]
	page, err := strconv.Atoi(pathParts[2])
	if err != nil || page <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid item number: "+pathParts[2])
		return
	}

	s.logger.Infow("Item retry",
		"resource_id", resourceID,
		"item", page,
		"remote", r.RemoteAddr,
	)

	result, err := s.pipeline.RetryItem(r.Context(), resourceID, page)
	if err != nil {
		handleError(w, s.logger, err, "failed to retry item")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource_id":  resourceID,
		"item":         page,
		"artifact_ref": result.ArtifactRef,
	})
}

// handleError maps engine errors to HTTP status codes
func handleError(w http.ResponseWriter, logger *zap.SugaredLogger, err error, message string) {
	switch {
	case errors.IsConflictError(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.IsInvalidRequestError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Errorw(message, "error", err)
		writeError(w, http.StatusInternalServerError, message)
	}
}
