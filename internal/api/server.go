package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"timeclock-queue/internal/models"
	"timeclock-queue/internal/queue"
	"timeclock-queue/internal/ratelimit"
	"timeclock-queue/internal/telemetry"
)

// ProcessorControl is the slice of the worker loop the admin surface needs.
type ProcessorControl interface {
	Status() models.ProcessorStatus
	TriggerOnce(ctx context.Context) bool
}

// Server wires the producer endpoint and the administrative surface over
// the queue service and processor.
type Server struct {
	queue     *queue.Service
	processor ProcessorControl
	limiter   *ratelimit.DeviceBucket
	validate  *validator.Validate
}

// New constructs the HTTP server. The limiter may be nil to disable
// per-device rate limiting.
func New(q *queue.Service, p ProcessorControl, limiter *ratelimit.DeviceBucket) *Server {
	return &Server{
		queue:     q,
		processor: p,
		limiter:   limiter,
		validate:  validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/position", s.handleQueuePosition)
	r.Get("/stats", s.handleStats)
	r.Delete("/failed/all", s.handleClearAllFailed)
	r.Delete("/failed/{id}", s.handleDeleteFailed)
	r.Post("/retry/{id}", s.handleRetryFailed)
	r.Get("/processor/status", s.handleProcessorStatus)
	r.Post("/processor/trigger", s.handleProcessorTrigger)
	r.Get("/health", s.handleHealth)
	return r
}

// enqueueRequest is the producer contract invoked by the device clock-out
// handler.
type enqueueRequest struct {
	EmployeeID   string `json:"employee_id" validate:"required"`
	EmployeeName string `json:"employee_name" validate:"required"`
	DeviceID     string `json:"device_id" validate:"required"`
	DeviceName   string `json:"device_name"`
	Date         string `json:"date" validate:"required,datetime=2006-01-02"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.DeviceID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		EmployeeID:   req.EmployeeID,
		EmployeeName: req.EmployeeName,
		DeviceID:     req.DeviceID,
		DeviceName:   req.DeviceName,
		Date:         req.Date,
	})
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if !models.ValidStatus(status) {
		http.Error(w, "status must be one of pending, processing, completed, failed", http.StatusBadRequest)
		return
	}
	date := r.URL.Query().Get("date")
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := s.queue.ListByStatus(r.Context(), status, date, limit)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, err := s.queue.QueuePosition(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to read queue position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "position": pos})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeleteFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.queue.DeleteFailed(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to delete job", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not found in failed list", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "failed job deleted"})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.queue.RetryFailed(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to retry job", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not found or not in failed state", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "job requeued"})
}

// handleClearAllFailed is bulk-destructive and requires an explicit
// confirm=yes query flag.
func (s *Server) handleClearAllFailed(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "yes" {
		http.Error(w, "confirm=yes is required to clear all failed jobs", http.StatusBadRequest)
		return
	}
	count, err := s.queue.ClearAllFailed(r.Context())
	if err != nil {
		http.Error(w, "failed to clear failed jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": count})
}

func (s *Server) handleProcessorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.processor.Status())
}

func (s *Server) handleProcessorTrigger(w http.ResponseWriter, r *http.Request) {
	if s.processor.TriggerOnce(r.Context()) {
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "processor started"})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: false, Message: "processor already running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context(), "")
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	backlog, err := s.queue.FailedCount(r.Context())
	if err != nil {
		http.Error(w, "failed to read failed backlog", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, buildHealth(stats, s.processor.Status(), backlog))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
