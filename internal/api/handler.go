package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/circuitbreaker"
	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/metrics"
	"github.com/lalithlochan/dropcast/internal/pipeline"
	"github.com/lalithlochan/dropcast/internal/redis"
)

// runScope namespaces Idempotency-Key values of the trigger endpoint.
const runScope = "pipeline-run"

// DropRepository defines the drop and send job operations the API needs
type DropRepository interface {
	GetDrop(ctx context.Context, id uuid.UUID) (*db.ScheduledDrop, error)
	ListJobsByDrop(ctx context.Context, dropID uuid.UUID, status *db.JobStatus, limit, offset int) ([]*db.SendJob, error)
	CancelDrop(ctx context.Context, id uuid.UUID) (*db.ScheduledDrop, error)
}

// PipelineRunner runs one pass of the drop pipeline
type PipelineRunner interface {
	Run(ctx context.Context, now time.Time) (*pipeline.RunReport, error)
}

// BreakerReporter exposes the per-channel circuit breakers
type BreakerReporter interface {
	BreakerStats() []circuitbreaker.Stats
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        DropRepository
	runner      PipelineRunner
	idempotency *redis.IdempotencyService // nil if Redis not configured
	breakers    BreakerReporter           // nil hides /v1/breakers data
	health      HealthChecker             // nil means always healthy
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo DropRepository, runner PipelineRunner) *Handler {
	return &Handler{
		logger: logger,
		repo:   repo,
		runner: runner,
	}
}

// WithIdempotency enables Idempotency-Key support on the trigger endpoint
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithBreakers enables the breaker listing
func (h *Handler) WithBreakers(b BreakerReporter) *Handler {
	h.breakers = b
	return h
}

// WithHealthCheck makes /health depend on hc
func (h *Handler) WithHealthCheck(hc HealthChecker) *Handler {
	h.health = hc
	return h
}

// TriggerRun handles POST /v1/pipeline/runs
// Supports idempotency via the Idempotency-Key header: a retried request
// replays the report of the first run instead of running again.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, runScope, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another run with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		} else {
			reserved = true
		}
	}

	// A client that disconnects mid-run must not roll back units whose
	// sends already went out.
	runCtx := context.WithoutCancel(ctx)

	start := time.Now()
	report, err := h.runner.Run(runCtx, start)
	metrics.RecordPipelineRun("api", err, time.Since(start))
	if err != nil {
		h.logger.Error("triggered pipeline run failed", zap.Error(err))
		if reserved {
			if rerr := h.idempotency.Release(runCtx, runScope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeError(w, http.StatusInternalServerError, "pipeline_error", "Pipeline run failed", err.Error())
		return
	}

	body, err := json.Marshal(report)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode run report", "")
		return
	}

	h.logger.Info("pipeline run triggered",
		zap.String("run_id", report.RunID.String()),
		zap.String("operator", OperatorFromContext(ctx)),
		zap.Int("selected", report.Selected),
		zap.Int("expanded", report.Expanded),
	)

	if reserved {
		result := &redis.IdempotencyResult{
			RunID:      report.RunID.String(),
			StatusCode: http.StatusOK,
			Body:       body,
		}
		if err := h.idempotency.Store(runCtx, runScope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// GetDrop handles GET /v1/drops/{id}
func (h *Handler) GetDrop(w http.ResponseWriter, r *http.Request) {
	dropID, ok := h.dropID(w, r)
	if !ok {
		return
	}

	drop, err := h.repo.GetDrop(r.Context(), dropID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Drop not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get drop", zap.Error(err), zap.String("drop_id", dropID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get drop", "")
		return
	}

	h.writeJSON(w, http.StatusOK, drop)
}

// ListDropJobs handles GET /v1/drops/{id}/jobs?status=failed&limit=20&offset=0
func (h *Handler) ListDropJobs(w http.ResponseWriter, r *http.Request) {
	dropID, ok := h.dropID(w, r)
	if !ok {
		return
	}

	var status *db.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		js := db.JobStatus(s)
		switch js {
		case db.JobStatusQueued, db.JobStatusSent, db.JobStatusFailed:
			status = &js
		default:
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
				"status must be one of: queued, sent, failed")
			return
		}
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	jobs, err := h.repo.ListJobsByDrop(r.Context(), dropID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list send jobs",
			zap.Error(err),
			zap.String("drop_id", dropID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list send jobs", "")
		return
	}

	if jobs == nil {
		jobs = []*db.SendJob{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// CancelDrop handles POST /v1/drops/{id}/cancel
func (h *Handler) CancelDrop(w http.ResponseWriter, r *http.Request) {
	dropID, ok := h.dropID(w, r)
	if !ok {
		return
	}

	drop, err := h.repo.CancelDrop(r.Context(), dropID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Drop not found", "")
		return
	case errors.Is(err, db.ErrDropNotPending):
		h.writeError(w, http.StatusConflict, "drop_not_pending", "Drop is not pending",
			"only pending drops can be cancelled")
		return
	case err != nil:
		h.logger.Error("failed to cancel drop", zap.Error(err), zap.String("drop_id", dropID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel drop", "")
		return
	}

	h.logger.Info("drop cancelled via api", zap.String("drop_id", dropID.String()))
	h.writeJSON(w, http.StatusOK, drop)
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.breakers != nil {
		stats = h.breakers.BreakerStats()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": stats})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Database unavailable", "")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) dropID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid drop ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
