package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/ocr"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

// OutcomeReader is the read and reset surface of the outcome store.
type OutcomeReader interface {
	Statistics(ctx context.Context) (*storage.Statistics, error)
	RecentHistory(ctx context.Context, limit int) ([]*storage.ProcessingAttempt, error)
	ProcessedDocumentIDs(ctx context.Context) (storage.IDSet, error)
	History(ctx context.Context, documentID int) ([]*storage.ProcessingAttempt, error)
	LatestSuccess(ctx context.Context, documentID int) (*storage.ProcessingAttempt, error)
	ResetDocument(ctx context.Context, documentID int) (int64, error)
	ResetAll(ctx context.Context) (int64, error)
	ListSessions(ctx context.Context, limit int) ([]*storage.BatchSession, error)
	GetSession(ctx context.Context, sessionID string) (*storage.BatchSession, error)
}

var _ OutcomeReader = (*storage.OutcomeStore)(nil)

// HistoryHandler serves statistics, attempt history and sessions.
type HistoryHandler struct {
	logger *observability.Logger
	store  OutcomeReader
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(logger *observability.Logger, store OutcomeReader) *HistoryHandler {
	return &HistoryHandler{logger: logger, store: store}
}

// HistoryResponse wraps a list of attempts.
type HistoryResponse struct {
	DocumentID int                          `json:"documentId,omitempty"`
	Attempts   []*storage.ProcessingAttempt `json:"attempts"`
}

// ProcessedResponse lists document IDs with a successful attempt.
type ProcessedResponse struct {
	DocumentIDs []int `json:"documentIds"`
	Count       int   `json:"count"`
}

// ResetResponse reports how many attempts were removed.
type ResetResponse struct {
	DocumentID int   `json:"documentId,omitempty"`
	Deleted    int64 `json:"deleted"`
}

// DocumentTextResponse is the stored OCR text of a document.
type DocumentTextResponse struct {
	DocumentID  int       `json:"documentId"`
	AttemptID   int64     `json:"attemptId"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Markdown    string    `json:"markdown,omitempty"`
	HasMarkdown bool      `json:"hasMarkdown"`
	Shape       ocr.Shape `json:"shape"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Statistics handles GET /statistics.
func (h *HistoryHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RecentHistory handles GET /history.
func (h *HistoryHandler) RecentHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 50, 1000)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	attempts, err := h.store.RecentHistory(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Attempts: nonNilAttempts(attempts)})
}

// Processed handles GET /processed.
func (h *HistoryHandler) Processed(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ProcessedDocumentIDs(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sorted := ids.Sorted()
	writeJSON(w, http.StatusOK, ProcessedResponse{DocumentIDs: sorted, Count: len(sorted)})
}

// DocumentHistory handles GET /documents/{documentId}/history.
func (h *HistoryHandler) DocumentHistory(w http.ResponseWriter, r *http.Request) {
	id, err := documentIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	attempts, err := h.store.History(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{DocumentID: id, Attempts: nonNilAttempts(attempts)})
}

// DocumentText handles GET /documents/{documentId}/text. The text is
// rebuilt from the stored worker payload of the newest success.
func (h *HistoryHandler) DocumentText(w http.ResponseWriter, r *http.Request) {
	id, err := documentIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	attempt, err := h.store.LatestSuccess(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if len(attempt.RawPayload) == 0 {
		writeErrorMessage(w, http.StatusNotFound, "not_found", "no stored payload for this document")
		return
	}

	ext, err := ocr.Normalize(attempt.RawPayload)
	if err != nil {
		writeErrorMessage(w, http.StatusUnprocessableEntity, "unreadable_payload", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, DocumentTextResponse{
		DocumentID:  id,
		AttemptID:   attempt.ID,
		Title:       attempt.DocumentTitle,
		Text:        ext.Text,
		Markdown:    ext.Markdown,
		HasMarkdown: ext.HasMarkdown,
		Shape:       ext.Shape,
		ProcessedAt: attempt.StartedAt,
	})
}

// ResetDocument handles DELETE /documents/{documentId}/history.
func (h *HistoryHandler) ResetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	n, err := h.store.ResetDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.WithContext(r.Context()).Info().Int("document_id", id).Int64("deleted", n).Msg("Document history reset")
	writeJSON(w, http.StatusOK, ResetResponse{DocumentID: id, Deleted: n})
}

// ResetAll handles DELETE /history.
func (h *HistoryHandler) ResetAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.ResetAll(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.WithContext(r.Context()).Warn().Int64("deleted", n).Msg("All processing history reset")
	writeJSON(w, http.StatusOK, ResetResponse{Deleted: n})
}

// ListSessions handles GET /sessions.
func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 20, 500)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.BatchSession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession handles GET /sessions/{sessionId}.
func (h *HistoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.GetSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func nonNilAttempts(a []*storage.ProcessingAttempt) []*storage.ProcessingAttempt {
	if a == nil {
		return []*storage.ProcessingAttempt{}
	}
	return a
}
