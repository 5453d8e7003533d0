package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperless-ai/ocr-engine/internal/batch"
	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

type fakeController struct {
	startErr  error
	result    *batch.StartResult
	gotIDs    []int
	gotSkip   bool
	running   bool
	sessionID string
}

func (f *fakeController) Start(ctx context.Context, ids []int, skip bool) (*batch.StartResult, error) {
	f.gotIDs, f.gotSkip = ids, skip
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.result, nil
}

func (f *fakeController) Stop() bool { return f.running }

func (f *fakeController) Status() batch.StatusSnapshot {
	state := batch.StateIdle
	if f.running {
		state = batch.StateRunning
	}
	return batch.StatusSnapshot{IsProcessing: f.running, State: state, SessionID: f.sessionID, Errors: []batch.ItemError{}}
}

type fakeWorker struct{ healthy bool }

func (f fakeWorker) HealthCheck(ctx context.Context) bool { return f.healthy }
func (f fakeWorker) BaseURL() string                      { return "http://ocr:8080" }

func newStore(t *testing.T) *storage.OutcomeStore {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.OpenConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db, "sqlite"))
	return storage.NewOutcomeStore(db)
}

func newRouter(ctrl BatchController, store OutcomeReader, worker WorkerChecker) http.Handler {
	logger := observability.NopLogger()
	bh := NewBatchHandler(logger, ctrl)
	hh := NewHistoryHandler(logger, store)
	wh := NewWorkerHandler(logger, worker)

	r := chi.NewRouter()
	r.Post("/batches", bh.StartBatch)
	r.Post("/batches/stop", bh.StopBatch)
	r.Get("/status", bh.Status)
	r.Get("/statistics", hh.Statistics)
	r.Get("/history", hh.RecentHistory)
	r.Delete("/history", hh.ResetAll)
	r.Get("/processed", hh.Processed)
	r.Get("/sessions", hh.ListSessions)
	r.Get("/sessions/{sessionId}", hh.GetSession)
	r.Get("/documents/{documentId}/history", hh.DocumentHistory)
	r.Delete("/documents/{documentId}/history", hh.ResetDocument)
	r.Get("/documents/{documentId}/text", hh.DocumentText)
	r.Get("/worker/health", wh.Health)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestStartBatch(t *testing.T) {
	ctrl := &fakeController{result: &batch.StartResult{SessionID: "s-1", State: batch.StateRunning, TotalDocuments: 2, QueuedDocuments: 2}}
	h := newRouter(ctrl, newStore(t), fakeWorker{})

	rec := do(t, h, http.MethodPost, "/batches", `{"documentIds":[4,5]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int{4, 5}, ctrl.gotIDs)
	assert.True(t, ctrl.gotSkip)

	var res batch.StartResult
	decode(t, rec, &res)
	assert.Equal(t, "s-1", res.SessionID)

	rec = do(t, h, http.MethodPost, "/batches", `{"documentIds":[4],"skipProcessed":false}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, ctrl.gotSkip)
}

func TestStartBatch_AllSkipped(t *testing.T) {
	ctrl := &fakeController{result: &batch.StartResult{State: batch.StateCompleted, TotalDocuments: 1, SkippedDocuments: 1}}
	rec := do(t, newRouter(ctrl, newStore(t), fakeWorker{}), http.MethodPost, "/batches", `{"documentIds":[1]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartBatch_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
		code   string
	}{
		{"bad json", nil, `{"documentIds":`, http.StatusBadRequest, "invalid_request"},
		{"validation", &batch.ValidationError{Field: "documentIds", Message: "must contain at least one document ID"}, `{"documentIds":[]}`, http.StatusBadRequest, "validation_failed"},
		{"conflict", batch.ErrConflict, `{"documentIds":[1]}`, http.StatusConflict, "batch_running"},
		{"store failure", assert.AnError, `{"documentIds":[1]}`, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{startErr: tt.err}
			rec := do(t, newRouter(ctrl, newStore(t), fakeWorker{}), http.MethodPost, "/batches", tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var body ErrorResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.code, body.Error)
		})
	}
}

func TestStopBatch(t *testing.T) {
	ctrl := &fakeController{}
	h := newRouter(ctrl, newStore(t), fakeWorker{})

	rec := do(t, h, http.MethodPost, "/batches/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	ctrl.running, ctrl.sessionID = true, "s-9"
	rec = do(t, h, http.MethodPost, "/batches/stop", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var res StopBatchResponse
	decode(t, rec, &res)
	assert.Equal(t, StopBatchResponse{StopRequested: true, SessionID: "s-9"}, res)
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{running: true, sessionID: "s-2"}
	rec := do(t, newRouter(ctrl, newStore(t), fakeWorker{}), http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"isProcessing": true, "state": "running", "sessionId": "s-2", "stopRequested": false,
		"currentItem": null, "totalDocuments": 0, "skippedDocuments": 0, "processedDocuments": 0,
		"successfulDocuments": 0, "failedDocuments": 0, "progressPercentage": 0,
		"startedAt": null, "estimatedCompletion": null, "errors": []
	}`, rec.Body.String())
}

func TestHistoryEndpoints(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.RecordSuccess(ctx, storage.SuccessRecord{
		DocumentID: 12, Title: "Invoice", OriginalLength: 3, ExtractedLength: 11,
		Duration: 40 * time.Millisecond, RawPayload: []byte(`{"pages":[{"text":"page one"},{"text":"page two"}]}`),
	}))
	require.NoError(t, store.RecordFailure(ctx, storage.FailureRecord{
		DocumentID: 13, Title: "Letter", ErrorMessage: "ocr worker: timeout", Duration: time.Second,
	}))

	h := newRouter(&fakeController{}, store, fakeWorker{})

	rec := do(t, h, http.MethodGet, "/statistics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats storage.Statistics
	decode(t, rec, &stats)
	assert.Equal(t, 2, stats.TotalProcessed)
	assert.Equal(t, 1, stats.Successful)

	rec = do(t, h, http.MethodGet, "/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recent HistoryResponse
	decode(t, rec, &recent)
	require.Len(t, recent.Attempts, 1)
	assert.Equal(t, 13, recent.Attempts[0].DocumentID)

	rec = do(t, h, http.MethodGet, "/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/processed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documentIds":[12],"count":1}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/documents/12/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var docHistory HistoryResponse
	decode(t, rec, &docHistory)
	assert.Equal(t, 12, docHistory.DocumentID)
	require.Len(t, docHistory.Attempts, 1)
	assert.Equal(t, "Invoice", docHistory.Attempts[0].DocumentTitle)

	rec = do(t, h, http.MethodGet, "/documents/99/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documentId":99,"attempts":[]}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/documents/abc/history", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentText(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.RecordSuccess(ctx, storage.SuccessRecord{
		DocumentID: 12, Title: "Invoice", Duration: time.Millisecond,
		RawPayload: []byte(`{"pages":[{"text":"page one"},{"text":"page two"}]}`),
	}))
	require.NoError(t, store.RecordSuccess(ctx, storage.SuccessRecord{DocumentID: 14, Duration: time.Millisecond}))

	h := newRouter(&fakeController{}, store, fakeWorker{})

	rec := do(t, h, http.MethodGet, "/documents/12/text", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res DocumentTextResponse
	decode(t, rec, &res)
	assert.Equal(t, "page one\n\npage two", res.Text)
	assert.Equal(t, "pages", string(res.Shape))
	assert.Equal(t, "Invoice", res.Title)

	rec = do(t, h, http.MethodGet, "/documents/13/text", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/documents/14/text", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetEndpoints(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for _, id := range []int{1, 1, 2} {
		require.NoError(t, store.RecordSuccess(ctx, storage.SuccessRecord{DocumentID: id, Duration: time.Millisecond}))
	}
	h := newRouter(&fakeController{}, store, fakeWorker{})

	rec := do(t, h, http.MethodDelete, "/documents/1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documentId":1,"deleted":2}`, rec.Body.String())

	done, err := store.IsDocumentProcessed(ctx, 2)
	require.NoError(t, err)
	assert.True(t, done)

	rec = do(t, h, http.MethodDelete, "/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())
}

func TestSessionEndpoints(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.StartSession(ctx, "s-1", 3))
	require.NoError(t, store.UpdateSession(ctx, "s-1", 2, 1, storage.SessionStatusCompleted))

	h := newRouter(&fakeController{}, store, fakeWorker{})

	rec := do(t, h, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []storage.BatchSession `json:"sessions"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, storage.SessionStatusCompleted, list.Sessions[0].Status)

	rec = do(t, h, http.MethodGet, "/sessions/s-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var session storage.BatchSession
	decode(t, rec, &session)
	assert.Equal(t, 2, session.SuccessfulDocuments)
	require.NotNil(t, session.CompletedAt)

	rec = do(t, h, http.MethodGet, "/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerHealth(t *testing.T) {
	rec := do(t, newRouter(&fakeController{}, newStore(t), fakeWorker{healthy: true}), http.MethodGet, "/worker/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"healthy":true,"url":"http://ocr:8080"}`, rec.Body.String())

	rec = do(t, newRouter(&fakeController{}, newStore(t), fakeWorker{}), http.MethodGet, "/worker/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
