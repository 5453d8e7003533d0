package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/paperless-ai/ocr-engine/internal/batch"
	"github.com/paperless-ai/ocr-engine/internal/observability"
)

// BatchController is the part of the batch controller the API drives.
type BatchController interface {
	Start(ctx context.Context, documentIDs []int, skipProcessed bool) (*batch.StartResult, error)
	Stop() bool
	Status() batch.StatusSnapshot
}

var _ BatchController = (*batch.Controller)(nil)

// BatchHandler handles batch submission, stop and status requests.
type BatchHandler struct {
	logger *observability.Logger
	ctrl   BatchController
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(logger *observability.Logger, ctrl BatchController) *BatchHandler {
	return &BatchHandler{logger: logger, ctrl: ctrl}
}

// StartBatchRequest is the body of POST /batches.
type StartBatchRequest struct {
	DocumentIDs   []int `json:"documentIds"`
	SkipProcessed *bool `json:"skipProcessed,omitempty"`
}

// StopBatchResponse is the body of a successful POST /batches/stop.
type StopBatchResponse struct {
	StopRequested bool   `json:"stopRequested"`
	SessionID     string `json:"sessionId"`
}

// StartBatch handles POST /batches.
func (h *BatchHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req StartBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", "request body must be JSON: "+err.Error())
		return
	}

	skip := true
	if req.SkipProcessed != nil {
		skip = *req.SkipProcessed
	}

	res, err := h.ctrl.Start(r.Context(), req.DocumentIDs, skip)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.WithContext(r.Context()).Info().
		Str("session_id", res.SessionID).
		Int("total_documents", res.TotalDocuments).
		Int("queued_documents", res.QueuedDocuments).
		Msg("Batch submitted")

	status := http.StatusAccepted
	if res.State != batch.StateRunning {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// StopBatch handles POST /batches/stop.
func (h *BatchHandler) StopBatch(w http.ResponseWriter, r *http.Request) {
	if !h.ctrl.Stop() {
		writeErrorMessage(w, http.StatusConflict, "not_running", "no batch is running")
		return
	}
	writeJSON(w, http.StatusAccepted, StopBatchResponse{
		StopRequested: true,
		SessionID:     h.ctrl.Status().SessionID,
	})
}

// Status handles GET /status.
func (h *BatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}
