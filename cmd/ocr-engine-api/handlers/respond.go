// Package handlers provides HTTP handlers for the OCR engine API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/paperless-ai/ocr-engine/internal/batch"
	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/paperless"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeError maps err onto a status code. Unknown errors are logged and
// reported as 500.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	var ve *batch.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: ve.Error(), Detail: ve.Field})
	case errors.Is(err, batch.ErrConflict):
		writeErrorMessage(w, http.StatusConflict, "batch_running", err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, paperless.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeErrorMessage(w, http.StatusConflict, "conflict", err.Error())
	default:
		logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeErrorMessage(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// documentIDParam reads the positive documentId path parameter.
func documentIDParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "documentId")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, &batch.ValidationError{Field: "documentId", Message: "must be a positive integer"}
	}
	return id, nil
}

// limitParam reads the optional limit query parameter, clamped to max.
func limitParam(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &batch.ValidationError{Field: "limit", Message: "must be a positive integer"}
	}
	if n > max {
		n = max
	}
	return n, nil
}
