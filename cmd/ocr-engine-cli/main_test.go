package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperless-ai/ocr-engine/internal/batch"
	"github.com/paperless-ai/ocr-engine/internal/cache"
	"github.com/paperless-ai/ocr-engine/internal/events"
	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

func TestParseDocumentIDs(t *testing.T) {
	ids, err := parseDocumentIDs([]string{"3", "17", "3"})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 17, 3}, ids)

	_, err = parseDocumentIDs([]string{"4", "abc"})
	assert.EqualError(t, err, `invalid document ID "abc": must be a positive integer`)

	_, err = parseDocumentIDs([]string{"0"})
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2.0m", FormatDuration(2*time.Minute))
	assert.Equal(t, "1.5h", FormatDuration(90*time.Minute))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "Rechn…", Truncate("Rechnung März", 6))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", FormatTime(nil))
	assert.Equal(t, "-", FormatTime(&time.Time{}))
}

func TestAttemptRows(t *testing.T) {
	ms := int64(1200)
	chars := 42
	msg := "worker timed out"
	rows := attemptRows([]*storage.ProcessingAttempt{
		{ID: 7, DocumentID: 3, DocumentTitle: "Invoice", Status: storage.AttemptStatusSuccess, StartedAt: time.Now(), ProcessingTimeMs: &ms, ExtractedContentLength: &chars},
		{ID: 8, DocumentID: 4, DocumentTitle: "Letter", Status: storage.AttemptStatusFailed, StartedAt: time.Now(), ErrorMessage: &msg},
	})

	require.Len(t, rows, 2)
	assert.Equal(t, []string{"7", "3", "Invoice", "success"}, rows[0][:4])
	assert.Equal(t, "1200ms", rows[0][5])
	assert.Equal(t, "42", rows[0][6])
	assert.Equal(t, "-", rows[1][5])
	assert.Equal(t, "worker timed out", rows[1][7])
}

func TestRenderLocalEvent(t *testing.T) {
	logger = observability.NopLogger()

	item, err := json.Marshal(map[string]interface{}{"documentId": 3, "status": "failed", "error": "boom", "processed": 1})
	require.NoError(t, err)

	assert.False(t, renderLocalEvent(nil, events.Event{Type: events.TypeItemCompleted, Data: item}))
	assert.False(t, renderLocalEvent(nil, events.Event{Type: events.TypeItemStarted, Data: json.RawMessage(`{}`)}))
	assert.True(t, renderLocalEvent(nil, events.Event{Type: events.TypeBatchStopped, Data: json.RawMessage(`{}`)}))
	assert.True(t, renderLocalEvent(nil, events.Event{Type: events.TypeBatchFailed, Data: json.RawMessage(`{}`)}))
}

func TestPrintSummary(t *testing.T) {
	outputJSON = true
	t.Cleanup(func() { outputJSON = false })
	ui := NewUI(true, true)

	assert.NoError(t, printSummary(ui, nil))
	assert.NoError(t, printSummary(ui, &batch.Summary{Status: batch.StateCompleted}))

	outputJSON = false
	assert.NoError(t, printSummary(NewUI(false, true), &batch.Summary{Status: batch.StateStopped}))
	assert.EqualError(t, printSummary(NewUI(false, true), &batch.Summary{Status: batch.StateFailed, Error: "store down"}), "batch failed")
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "watch", "status", "stop", "sessions", "history", "text", "stats", "reset", "health", "migrate", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestFollowRelay_RendersUntilTerminalEvent(t *testing.T) {
	logger = observability.NopLogger()
	ps := cache.NewMemoryClient(10)
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relayed, stop, err := events.SubscribeRelay(ctx, ps, "cli.events")
	require.NoError(t, err)
	defer stop()

	relay := events.NewRedisRelay(ps, "cli.events", nil)
	b := events.NewBroadcaster(events.WithRelay(relay))
	_, err = b.Publish(events.TypeItemCompleted, map[string]interface{}{"documentId": 5, "total": 2, "processed": 1, "status": "failed", "error": "timeout"})
	require.NoError(t, err)
	_, err = b.Publish(events.TypeBatchStopped, batch.Summary{SessionID: "s-9", Status: batch.StateStopped, ProcessedDocuments: 1})
	require.NoError(t, err)
	relay.Close()

	r := newStreamRenderer(NewUI(false, true), false)
	require.NoError(t, followRelay(ctx, r, relayed))
	require.NotNil(t, r.summary)
	assert.Equal(t, "s-9", r.summary.SessionID)
	assert.Equal(t, batch.StateStopped, r.summary.Status)
}

func TestFollowRelay_CancelledIsNotAnError(t *testing.T) {
	logger = observability.NopLogger()
	ps := cache.NewMemoryClient(10)
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	relayed, _, err := events.SubscribeRelay(ctx, ps, "cli.idle")
	require.NoError(t, err)
	cancel()

	r := newStreamRenderer(NewUI(false, true), false)
	assert.NoError(t, followRelay(ctx, r, relayed))
	assert.Nil(t, r.summary)
}

func TestRemoteHistory_ReadsThroughServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ocr/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sessions":[{"sessionId":"s-1","totalDocuments":2,"status":"failed","startedAt":"2026-01-01T03:04:05Z"}]}`))
	})
	mux.HandleFunc("/api/v1/ocr/sessions/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not_found","message":"session not found"}`))
	})
	mux.HandleFunc("/api/v1/ocr/documents/7/history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documentId":7,"attempts":[{"id":2,"documentId":7,"documentTitle":"Letter","status":"failed","startedAt":"2026-01-01T03:04:05Z","errorMessage":"boom"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	serverURL = srv.URL
	t.Cleanup(func() { serverURL = "" })
	ctx := context.Background()

	reader, release, err := openHistoryReader(ctx, true)
	require.NoError(t, err)
	defer release()

	sessions, err := reader.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, storage.SessionStatusFailed, sessions[0].Status)

	_, err = reader.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	attempts, err := reader.History(ctx, 7)
	require.NoError(t, err)
	rows := attemptRows(attempts)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2", "7", "Letter", "failed"}, rows[0][:4])
	assert.Equal(t, "boom", rows[0][7])
}
