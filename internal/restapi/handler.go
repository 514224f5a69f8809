// Package rest provides the HTTP/JSON surface for the scheduler control
// plane. Every request is translated straight into a SchedulerService call;
// this package owns no scheduling logic of its own.
//
// Endpoints:
//   POST /v1/submit                      - submit a job
//   GET  /v1/jobs/{tenant}/{job}         - get job status
//   GET  /v1/tenants/{tenant}/quota      - get quota snapshot
//   GET  /health                         - liveness check
//   GET  /ready                          - readiness check
//   GET  /metrics                        - Prometheus metrics
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/api"
	"github.com/beam/gpuctl/internal/ingress"
	"github.com/beam/gpuctl/internal/model"
)

// Handler provides REST API endpoints over a SchedulerService.
type Handler struct {
	service *api.SchedulerService
	log     zerolog.Logger
}

// NewHandler creates a new REST API handler.
func NewHandler(svc *api.SchedulerService, logger zerolog.Logger) *Handler {
	return &Handler{
		service: svc,
		log:     logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/submit", h.handleSubmit)
	mux.HandleFunc("/v1/jobs/", h.handleGetJob)
	mux.HandleFunc("/v1/tenants/", h.handleGetQuota)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

type submitRequestBody struct {
	TenantID string   `json:"tenant_id"`
	AgentID  string   `json:"agent_id"`
	Prompt   string   `json:"prompt"`
	// CostGPUSeconds is a pointer so an omitted field (defaults to 5.0 in
	// internal/api) can be told apart from an explicit 0 (rejected).
	CostGPUSeconds *float64 `json:"cost_gpu_seconds"`
}

// handleSubmit handles POST /v1/submit.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req := model.SubmitRequest{
		TenantID:         body.TenantID,
		AgentID:          body.AgentID,
		Prompt:           body.Prompt,
		CostGPUSeconds:   body.CostGPUSeconds,
		IdempotencyToken: r.Header.Get("Idempotency-Key"),
	}

	result, err := h.service.Submit(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": result.JobID,
		"status": result.Status,
	})
}

// handleGetJob handles GET /v1/jobs/{tenant}/{job}.
func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		h.writeError(w, http.StatusBadRequest, "expected /v1/jobs/{tenant}/{job}")
		return
	}
	tenantID, jobID := parts[0], parts[1]

	job, err := h.service.GetJob(r.Context(), tenantID, jobID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// handleGetQuota handles GET /v1/tenants/{tenant}/quota.
func (h *Handler) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/tenants/")
	rest = strings.TrimSuffix(rest, "/quota")
	if rest == "" || strings.Contains(rest, "/") {
		h.writeError(w, http.StatusBadRequest, "expected /v1/tenants/{tenant}/quota")
		return
	}

	quota, err := h.service.GetQuota(r.Context(), rest)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, quota)
}

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleServiceError maps SchedulerService errors to HTTP status codes.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, ingress.ErrInvalidCost):
		statusCode = http.StatusBadRequest
	case errors.Is(err, api.ErrJobNotFound), errors.Is(err, api.ErrQuotaNotFound):
		statusCode = http.StatusNotFound
	case strings.Contains(err.Error(), "required"):
		statusCode = http.StatusBadRequest
	}

	if statusCode >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", statusCode).Msg("rest api error")
	}
	h.writeError(w, statusCode, err.Error())
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// CORS is development-friendly permissive CORS middleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs all HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("http request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
