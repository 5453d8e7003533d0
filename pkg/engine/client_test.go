package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperless-ai/ocr-engine/internal/events"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/ocr/batches", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"missing api key"}`))
			return
		}
		var req StartBatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if len(req.DocumentIDs) == 3 {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"batch_running","message":"a batch is already running"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(StartBatchResponse{SessionID: "s-1", State: "running", TotalDocuments: len(req.DocumentIDs), QueuedDocuments: len(req.DocumentIDs)})
	})

	mux.HandleFunc("/api/v1/ocr/worker/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false,"url":"http://ocr"}`))
	})

	mux.HandleFunc("/api/v1/ocr/documents/5/text", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not_found","message":"record not found"}`))
	})

	mux.HandleFunc("/api/v1/ocr/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"attempts":[{"id":9,"documentId":4,"status":"success","startedAt":"2026-01-02T03:04:05Z"}]}`))
	})

	mux.HandleFunc("/api/v1/ocr/documents/4/history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documentId":4,"attempts":[{"id":9,"documentId":4,"status":"success","startedAt":"2026-01-02T03:04:05Z","processingTimeMs":1200},{"id":3,"documentId":4,"status":"failed","startedAt":"2026-01-01T03:04:05Z","errorMessage":"worker timed out"}]}`))
	})

	mux.HandleFunc("/api/v1/ocr/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"sessions":[{"sessionId":"s-2","totalDocuments":3,"status":"running","startedAt":"2026-01-02T03:04:05Z"},{"sessionId":"s-1","totalDocuments":2,"successfulDocuments":2,"status":"completed","startedAt":"2026-01-01T03:04:05Z","completedAt":"2026-01-01T03:05:00Z"}]}`))
	})

	mux.HandleFunc("/api/v1/ocr/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ocr/sessions/s-1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not_found","message":"session not found"}`))
			return
		}
		w.Write([]byte(`{"sessionId":"s-1","totalDocuments":2,"successfulDocuments":1,"failedDocuments":1,"status":"completed","startedAt":"2026-01-01T03:04:05Z","completedAt":"2026-01-01T03:05:00Z"}`))
	})

	mux.HandleFunc("/api/v1/ocr/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("retry: 3000\n\n"))
		events.WriteEvent(w, events.Event{Type: events.TypeStatus, Data: json.RawMessage(`{"isProcessing":true}`)})
		events.WriteEvent(w, events.Event{ID: 1, Type: events.TypeItemStarted, Data: json.RawMessage(`{"documentId":4}`)})
		events.WriteEvent(w, events.Event{ID: 2, Type: events.TypeBatchCompleted, Data: json.RawMessage(`{"status":"completed"}`)})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_StartBatch(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", APIKey: "k"})
	require.NoError(t, err)

	res, err := c.StartBatch(context.Background(), StartBatchRequest{DocumentIDs: []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "s-1", res.SessionID)
	assert.Equal(t, 2, res.QueuedDocuments)

	_, err = c.StartBatch(context.Background(), StartBatchRequest{DocumentIDs: []int{1, 2, 3}})
	assert.True(t, IsConflict(err))
	assert.EqualError(t, err, "ocr engine: 409 batch_running: a batch is already running")
}

func TestClient_Unauthorized(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.StartBatch(context.Background(), StartBatchRequest{DocumentIDs: []int{1}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClient_Reads(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	health, err := c.WorkerHealth(ctx)
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.Equal(t, "http://ocr", health.URL)

	_, err = c.DocumentText(ctx, 5)
	assert.True(t, IsNotFound(err))

	attempts, err := c.RecentHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 4, attempts[0].DocumentID)
}

func TestClient_DocumentHistory(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	attempts, err := c.DocumentHistory(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, int64(9), attempts[0].ID)
	require.NotNil(t, attempts[0].ProcessingTimeMs)
	assert.Equal(t, int64(1200), *attempts[0].ProcessingTimeMs)
	assert.Equal(t, "failed", attempts[1].Status)
	require.NotNil(t, attempts[1].ErrorMessage)
	assert.Equal(t, "worker timed out", *attempts[1].ErrorMessage)
}

func TestClient_Sessions(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	sessions, err := c.Sessions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s-2", sessions[0].SessionID)
	assert.Equal(t, "running", sessions[0].Status)
	assert.Nil(t, sessions[0].CompletedAt)
	require.NotNil(t, sessions[1].CompletedAt)

	session, err := c.Session(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, session.FailedDocuments)
	assert.Equal(t, "completed", session.Status)
	assert.True(t, session.StartedAt.Equal(time.Date(2026, 1, 1, 3, 4, 5, 0, time.UTC)))

	_, err = c.Session(ctx, "nope")
	assert.True(t, IsNotFound(err))
}

func TestClient_Stream(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	var got []events.Type
	err = c.Stream(context.Background(), func(ev Event) error {
		got = append(got, ev.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.TypeStatus, events.TypeItemStarted, events.TypeBatchCompleted}, got)

	stop := errors.New("enough")
	err = c.Stream(context.Background(), func(ev Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "localhost:3001"})
	assert.Error(t, err)
}
