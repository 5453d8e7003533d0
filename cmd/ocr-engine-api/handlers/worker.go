package handlers

import (
	"context"
	"net/http"

	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/ocr"
)

// WorkerChecker probes the OCR worker.
type WorkerChecker interface {
	HealthCheck(ctx context.Context) bool
	BaseURL() string
}

var _ WorkerChecker = (*ocr.Client)(nil)

// WorkerHandler reports OCR worker health.
type WorkerHandler struct {
	logger *observability.Logger
	worker WorkerChecker
}

// NewWorkerHandler creates a new worker handler.
func NewWorkerHandler(logger *observability.Logger, worker WorkerChecker) *WorkerHandler {
	return &WorkerHandler{logger: logger, worker: worker}
}

// WorkerHealthResponse is the body of GET /worker/health.
type WorkerHealthResponse struct {
	Healthy bool   `json:"healthy"`
	URL     string `json:"url"`
}

// Health handles GET /worker/health.
func (h *WorkerHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthy := h.worker.HealthCheck(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		h.logger.WithContext(r.Context()).Warn().Str("url", h.worker.BaseURL()).Msg("OCR worker unhealthy")
	}
	writeJSON(w, status, WorkerHealthResponse{Healthy: healthy, URL: h.worker.BaseURL()})
}
