// Package gateway is the worker protocol surface: it translates HTTP
// calls from external workers into queue manager operations. It owns
// request validation and response shaping, never business state.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"submission-pipeline/internal/config"
	"submission-pipeline/internal/logging"
	"submission-pipeline/internal/models"
	"submission-pipeline/internal/pipeline"
	"submission-pipeline/internal/ratelimit"
	"submission-pipeline/internal/store"
	"submission-pipeline/internal/telemetry"
)

// Server wires the HTTP handlers for workers and the intake trigger.
type Server struct {
	cfg       config.Config
	manager   *pipeline.Manager
	limiter   *ratelimit.WorkerLimiter
	log       *slog.Logger
	keyHashes map[string]struct{}
}

// New constructs the gateway. limiter may be nil (rate limiting off).
func New(cfg config.Config, manager *pipeline.Manager, limiter *ratelimit.WorkerLimiter, log *slog.Logger) *Server {
	hashes := make(map[string]struct{}, len(cfg.WorkerKeyHashes))
	for _, h := range cfg.WorkerKeyHashes {
		hashes[h] = struct{}{}
	}
	return &Server{
		cfg:       cfg,
		manager:   manager,
		limiter:   limiter,
		log:       log,
		keyHashes: hashes,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.workerAuth)
			r.Use(s.rateLimit)
			r.Get("/next-job", s.handleNextJob)
			r.Post("/update-progress", s.handleUpdateProgress)
			r.Post("/complete-job", s.handleCompleteJob)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.internalAuth)
			r.Post("/intake/payment-confirmed", s.handleIntake)
			r.Get("/jobs/{id}", s.handleJobStatus)
			r.Get("/jobs/{id}/tasks", s.handleJobTasks)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		})
	})
	return r
}

// requestID attaches a correlation id to the request context and echoes
// it back to the caller.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			workerID := r.Header.Get("X-Worker-ID")
			allowed, _, err := s.limiter.Allow(r.Context(), workerID)
			if err != nil {
				// Redis being down should not stall the pipeline.
				logging.FromContext(r.Context(), s.log).Warn("rate limiter unavailable", "error", err)
			} else if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type nextJobTask struct {
	TaskID        string         `json:"task_id"`
	DirectoryID   string         `json:"directory_id"`
	DirectoryName string         `json:"directory_name"`
	SubmissionURL string         `json:"submission_url"`
	FieldMapping  map[string]any `json:"field_mapping,omitempty"`
}

type nextJobResponse struct {
	NoWork       bool           `json:"no_work,omitempty"`
	RetryAfterMS int64          `json:"retry_after_ms,omitempty"`
	JobID        string         `json:"job_id,omitempty"`
	BusinessData map[string]any `json:"business_data,omitempty"`
	Tasks        []nextJobTask  `json:"tasks,omitempty"`
}

func (s *Server) handleNextJob(w http.ResponseWriter, r *http.Request) {
	workerID := r.Header.Get("X-Worker-ID")
	batch, err := s.manager.ClaimBatch(r.Context(), workerID)
	if err != nil {
		logging.FromContext(r.Context(), s.log).Error("claim batch failed", "worker_id", workerID, "error", err)
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	if batch == nil {
		// An empty queue is steady state for a poller, not an error.
		writeJSON(w, http.StatusOK, nextJobResponse{
			NoWork:       true,
			RetryAfterMS: s.cfg.NoWorkRetryAfter.Milliseconds(),
		})
		return
	}

	resp := nextJobResponse{
		JobID:        batch.Job.ID,
		BusinessData: batch.Job.BusinessData,
		Tasks:        make([]nextJobTask, 0, len(batch.Tasks)),
	}
	for _, a := range batch.Tasks {
		resp.Tasks = append(resp.Tasks, nextJobTask{
			TaskID:        a.Task.ID,
			DirectoryID:   a.Directory.ID,
			DirectoryName: a.Directory.Name,
			SubmissionURL: a.Directory.SubmissionURL,
			FieldMapping:  a.Directory.FieldMapping,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type progressResult struct {
	TaskID        string         `json:"task_id"`
	Outcome       string         `json:"outcome"`
	Error         string         `json:"error,omitempty"`
	ResultPayload map[string]any `json:"result_payload,omitempty"`
}

type progressRequest struct {
	JobID   string           `json:"job_id"`
	Results []progressResult `json:"results"`
}

type progressItemResponse struct {
	TaskID   string `json:"task_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.JobID == "" || len(req.Results) == 0 {
		writeError(w, http.StatusBadRequest, "job_id and results are required")
		return
	}

	workerID := r.Header.Get("X-Worker-ID")
	items := make([]progressItemResponse, 0, len(req.Results))
	for _, res := range req.Results {
		// Each item stands alone: one bad task must not abort its
		// batch siblings.
		_, _, err := s.manager.ReportResult(r.Context(), pipeline.ReportResultParams{
			TaskID:        res.TaskID,
			JobID:         req.JobID,
			WorkerID:      workerID,
			Outcome:       res.Outcome,
			ResultPayload: res.ResultPayload,
			ErrorMessage:  res.Error,
		})
		item := progressItemResponse{TaskID: res.TaskID, Accepted: err == nil}
		if err != nil {
			item.Reason = rejectionReason(err)
			logging.FromContext(r.Context(), s.log).Info("progress report rejected",
				"task_id", res.TaskID, "worker_id", workerID, "reason", item.Reason)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

type completeJobRequest struct {
	JobID   string `json:"job_id"`
	Summary string `json:"summary"`
}

type jobStatusResponse struct {
	JobID                string `json:"job_id"`
	Status               string `json:"status"`
	DirectoriesTotal     int    `json:"directories_total"`
	DirectoriesCompleted int    `json:"directories_completed"`
	DirectoriesFailed    int    `json:"directories_failed"`
}

// handleCompleteJob takes the worker's word for nothing: the response is
// the job status re-derived from the task rollup, whatever the summary
// claimed.
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req completeJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := s.manager.JobStatus(r.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	logging.FromContext(r.Context(), s.log).Info("worker reported job complete",
		"job_id", job.ID, "worker_id", r.Header.Get("X-Worker-ID"),
		"worker_summary", req.Summary, "derived_status", job.Status)
	writeJSON(w, http.StatusOK, statusResponse(job))
}

type intakeRequest struct {
	CustomerID     string         `json:"customer_id"`
	PackageTier    string         `json:"package_tier"`
	BusinessData   map[string]any `json:"business_data"`
	PaymentEventID string         `json:"payment_event_id"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PaymentEventID == "" {
		writeError(w, http.StatusBadRequest, "payment_event_id is required")
		return
	}

	job, duplicate, err := s.manager.CreateJob(r.Context(), pipeline.CreateJobParams{
		CustomerID:     req.CustomerID,
		PackageTier:    req.PackageTier,
		BusinessData:   req.BusinessData,
		PaymentEventID: req.PaymentEventID,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidTier) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.FromContext(r.Context(), s.log).Error("intake failed",
			"payment_event_id", req.PaymentEventID, "error", err)
		writeError(w, http.StatusInternalServerError, "job creation failed")
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"job": job, "duplicate": duplicate})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.JobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.manager.JobTasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrJobTerminal):
			writeError(w, http.StatusConflict, "job already terminal")
		default:
			writeError(w, http.StatusInternalServerError, "cancel failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(job))
}

func statusResponse(job models.Job) jobStatusResponse {
	return jobStatusResponse{
		JobID:                job.ID,
		Status:               job.Status,
		DirectoriesTotal:     job.DirectoriesTotal,
		DirectoriesCompleted: job.DirectoriesCompleted,
		DirectoriesFailed:    job.DirectoriesFailed,
	}
}

// rejectionReason maps store errors to the stable reason strings echoed
// per batch item.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, store.ErrTaskNotInJob):
		return "task_not_in_job"
	case errors.Is(err, store.ErrTaskTerminal):
		return "task_terminal"
	case errors.Is(err, store.ErrTaskNotClaimed):
		return "task_not_claimed"
	case errors.Is(err, store.ErrNotClaimant):
		return "not_claimant"
	case errors.Is(err, store.ErrJobCancelled):
		return "job_cancelled"
	case errors.Is(err, pipeline.ErrInvalidOutcome):
		return "invalid_outcome"
	}
	return "internal_error"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
