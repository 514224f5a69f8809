// Package api is the interface layer between external HTTP clients and
// the scheduling core. Every request from internal/restapi flows through
// SchedulerService.
//
// Responsibilities:
// 1. Request validation
// 2. Routing to ingress (submission) or store (reads)
// 3. Translating internal outcomes into the plain Go error values
//    internal/restapi maps onto HTTP status codes
//
// This package deliberately knows nothing about HTTP or gRPC: it is a
// library the transport layer calls, which is what let us swap the
// transport out without touching scheduling logic.
package api

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/ingress"
	"github.com/beam/gpuctl/internal/metrics"
	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/store"
)

// ErrJobNotFound is returned by GetJob when no such job exists.
var ErrJobNotFound = errors.New("job not found")

// ErrQuotaNotFound is returned by GetQuota when the tenant has no quota
// record yet.
var ErrQuotaNotFound = errors.New("quota not found")

// SchedulerService is a thin layer over ingress and store that adds
// validation, metrics, and logging for the HTTP surface.
type SchedulerService struct {
	ingress *ingress.Ingress
	store   *store.Store
	log     zerolog.Logger
}

// New creates a SchedulerService instance.
func New(ing *ingress.Ingress, st *store.Store, logger zerolog.Logger) *SchedulerService {
	return &SchedulerService{
		ingress: ing,
		store:   st,
		log:     logger.With().Str("component", "scheduler_service").Logger(),
	}
}

// Submit validates and accepts a new job submission. Returns
// ingress.ErrInvalidCost for a non-positive cost; internal/restapi maps
// that to HTTP 400.
func (s *SchedulerService) Submit(ctx context.Context, req model.SubmitRequest) (model.SubmitResult, error) {
	if req.TenantID == "" {
		return model.SubmitResult{}, errors.New("tenant_id is required")
	}
	if req.AgentID == "" {
		return model.SubmitResult{}, errors.New("agent_id is required")
	}
	if req.CostGPUSeconds == nil {
		defaultCost := 5.0 // default per the external interface contract when the field is omitted entirely
		req.CostGPUSeconds = &defaultCost
	}

	result, err := s.ingress.Submit(ctx, req)
	if err != nil {
		return model.SubmitResult{}, err
	}

	metrics.JobsSubmitted.WithLabelValues(req.TenantID).Inc()
	return result, nil
}

// GetJob returns a job's current state for operator/dashboard use. This
// is a read-only view with no side effects — it never competes with the
// atomic scripts for write access.
func (s *SchedulerService) GetJob(ctx context.Context, tenantID, jobID string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// GetQuota returns a tenant's current token-bucket snapshot, unrefilled
// since its last touch by CLAIM.
func (s *SchedulerService) GetQuota(ctx context.Context, tenantID string) (*model.Quota, error) {
	quota, err := s.store.GetQuota(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if quota == nil {
		return nil, ErrQuotaNotFound
	}
	return quota, nil
}
