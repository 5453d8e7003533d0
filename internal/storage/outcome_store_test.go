package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *OutcomeStore {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, OpenConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db, "sqlite"))
	return NewOutcomeStore(db)
}

func recordSuccess(t *testing.T, s *OutcomeStore, docID int) {
	t.Helper()
	ctx := context.Background()
	attemptID, err := s.RecordAttemptStart(ctx, docID, "Doc")
	require.NoError(t, err)
	require.NoError(t, s.RecordSuccess(ctx, SuccessRecord{
		AttemptID:       attemptID,
		DocumentID:      docID,
		Title:           "Doc",
		OriginalLength:  10,
		ExtractedLength: 20,
		Duration:        150 * time.Millisecond,
		RawPayload:      []byte(`{"text":"hello"}`),
	}))
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, OpenConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db, "sqlite"))
	require.NoError(t, Migrate(ctx, db, "sqlite"))

	status, err := NewMigrationManager(db, "sqlite").CheckMigrations(ctx)
	require.NoError(t, err)
	assert.True(t, status.UpToDate)
	assert.Equal(t, []string{"0001_init_sqlite.sql"}, status.Applied)
}

func TestMigrationManager_PostgresFileSelection(t *testing.T) {
	m := NewMigrationManager(nil, "postgres")
	files, err := m.listMigrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql"}, files)
}

func TestOutcomeStore_SuccessMarksProcessed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	done, err := s.IsDocumentProcessed(ctx, 101)
	require.NoError(t, err)
	assert.False(t, done)

	recordSuccess(t, s, 101)
	recordSuccess(t, s, 102)

	done, err = s.IsDocumentProcessed(ctx, 101)
	require.NoError(t, err)
	assert.True(t, done)

	ids, err := s.ProcessedDocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102}, ids.Sorted())
}

func TestOutcomeStore_FailureDoesNotMarkProcessed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	attemptID, err := s.RecordAttemptStart(ctx, 201, "Scan")
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(ctx, FailureRecord{
		AttemptID:    attemptID,
		DocumentID:   201,
		Title:        "Scan",
		ErrorMessage: "ocr worker timed out",
		Duration:     time.Second,
	}))

	done, err := s.IsDocumentProcessed(ctx, 201)
	require.NoError(t, err)
	assert.False(t, done)

	history, err := s.History(ctx, 201)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, AttemptStatusFailed, history[0].Status)
	require.NotNil(t, history[0].ErrorMessage)
	assert.Contains(t, *history[0].ErrorMessage, "timed out")
	require.NotNil(t, history[0].ProcessingTimeMs)
	assert.Equal(t, int64(1000), *history[0].ProcessingTimeMs)
	assert.Nil(t, history[0].OriginalContentLength)
}

func TestOutcomeStore_TerminalRowReplacesMarker(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	attemptID, err := s.RecordAttemptStart(ctx, 7, "Letter")
	require.NoError(t, err)

	history, err := s.History(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, AttemptStatusProcessing, history[0].Status)
	assert.False(t, history[0].Finished())
	markerStart := history[0].StartedAt

	require.NoError(t, s.RecordSuccess(ctx, SuccessRecord{
		AttemptID: attemptID, DocumentID: 7, Title: "Letter",
		OriginalLength: 3, ExtractedLength: 12, Duration: 40 * time.Millisecond,
		RawPayload: []byte(`{"text":"extracted text"}`),
	}))

	history, err = s.History(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0]
	assert.Equal(t, AttemptStatusSuccess, got.Status)
	assert.True(t, got.Finished())
	assert.WithinDuration(t, markerStart, got.StartedAt, time.Millisecond)
	assert.Equal(t, 3, *got.OriginalContentLength)
	assert.Equal(t, 12, *got.ExtractedContentLength)
	assert.JSONEq(t, `{"text":"extracted text"}`, string(got.RawPayload))
	assert.Nil(t, got.ErrorMessage)
}

func TestOutcomeStore_AbandonAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	attemptID, err := s.RecordAttemptStart(ctx, 302, "In flight")
	require.NoError(t, err)
	require.NoError(t, s.AbandonAttempt(ctx, attemptID))

	history, err := s.History(ctx, 302)
	require.NoError(t, err)
	assert.Empty(t, history)

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalProcessed)
}

func TestOutcomeStore_PurgeProcessingMarkers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.RecordAttemptStart(ctx, 1, "a")
	require.NoError(t, err)
	_, err = s.RecordAttemptStart(ctx, 2, "b")
	require.NoError(t, err)
	recordSuccess(t, s, 3)

	n, err := s.PurgeProcessingMarkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recent, err := s.RecentHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 3, recent[0].DocumentID)
}

func TestOutcomeStore_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RecordFailure(ctx, FailureRecord{DocumentID: 5, Title: "x", ErrorMessage: "boom", Duration: time.Millisecond}))
	recordSuccess(t, s, 5)
	recordSuccess(t, s, 6)

	history, err := s.History(ctx, 5)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, AttemptStatusSuccess, history[0].Status)
	assert.Equal(t, AttemptStatusFailed, history[1].Status)
	assert.Greater(t, history[0].ID, history[1].ID)

	recent, err := s.RecentHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 6, recent[0].DocumentID)
	assert.Equal(t, 5, recent[1].DocumentID)
}

func TestOutcomeStore_LatestSuccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LatestSuccess(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)

	recordSuccess(t, s, 9)
	require.NoError(t, s.RecordSuccess(ctx, SuccessRecord{
		DocumentID: 9, Title: "Doc", Duration: time.Millisecond,
		RawPayload: []byte(`{"text":"second"}`),
	}))

	latest, err := s.LatestSuccess(ctx, 9)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"second"}`, string(latest.RawPayload))
}

func TestOutcomeStore_ResetDocumentKeepsOthers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	recordSuccess(t, s, 11)
	recordSuccess(t, s, 12)
	recordSuccess(t, s, 12)

	n, err := s.ResetDocument(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	done, err := s.IsDocumentProcessed(ctx, 11)
	require.NoError(t, err)
	assert.False(t, done)

	other, err := s.History(ctx, 12)
	require.NoError(t, err)
	assert.Len(t, other, 2)

	recordSuccess(t, s, 11)
	fresh, err := s.History(ctx, 11)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestOutcomeStore_ResetAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	recordSuccess(t, s, 1)
	recordSuccess(t, s, 2)

	n, err := s.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err := s.ProcessedDocumentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestOutcomeStore_Statistics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalProcessed)
	assert.Zero(t, stats.SuccessRate)
	assert.Nil(t, stats.LastProcessingDate)

	require.NoError(t, s.RecordSuccess(ctx, SuccessRecord{DocumentID: 1, Duration: 100 * time.Millisecond}))
	require.NoError(t, s.RecordSuccess(ctx, SuccessRecord{DocumentID: 2, Duration: 200 * time.Millisecond}))
	require.NoError(t, s.RecordSuccess(ctx, SuccessRecord{DocumentID: 3, Duration: 300 * time.Millisecond}))
	require.NoError(t, s.RecordFailure(ctx, FailureRecord{DocumentID: 4, ErrorMessage: "x", Duration: 400 * time.Millisecond}))
	_, err = s.RecordAttemptStart(ctx, 5, "pending")
	require.NoError(t, err)

	stats, err = s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalProcessed)
	assert.Equal(t, 3, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 75.0, stats.SuccessRate, 0.001)
	assert.InDelta(t, 250.0, stats.AvgDurationMs, 0.001)
	require.NotNil(t, stats.LastProcessingDate)
	assert.WithinDuration(t, time.Now(), *stats.LastProcessingDate, time.Minute)
}

func TestOutcomeStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := uuid.NewString()

	require.NoError(t, s.StartSession(ctx, id, 3))

	session, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusRunning, session.Status)
	assert.Equal(t, 3, session.TotalDocuments)
	assert.Nil(t, session.CompletedAt)

	require.NoError(t, s.UpdateSession(ctx, id, 1, 0, SessionStatusRunning))
	require.NoError(t, s.UpdateSession(ctx, id, 2, 1, SessionStatusCompleted))

	session, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, session.Status)
	assert.Equal(t, 2, session.SuccessfulDocuments)
	assert.Equal(t, 1, session.FailedDocuments)
	require.NotNil(t, session.CompletedAt)

	err = s.UpdateSession(ctx, id, 0, 0, SessionStatusRunning)
	assert.ErrorIs(t, err, ErrConflict)

	session, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, session.Status)
	assert.Equal(t, 2, session.SuccessfulDocuments)
}

func TestOutcomeStore_FailStaleSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.StartSession(ctx, "interrupted", 4))
	require.NoError(t, s.StartSession(ctx, "finished", 2))
	require.NoError(t, s.UpdateSession(ctx, "interrupted", 1, 0, SessionStatusRunning))
	require.NoError(t, s.UpdateSession(ctx, "finished", 2, 0, SessionStatusCompleted))

	n, err := s.FailStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	session, err := s.GetSession(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusFailed, session.Status)
	assert.Equal(t, 1, session.SuccessfulDocuments)
	require.NotNil(t, session.CompletedAt)

	session, err = s.GetSession(ctx, "finished")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, session.Status)

	n, err = s.FailStaleSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutcomeStore_SessionErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateSession(ctx, "missing", 0, 0, SessionStatusStopped)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateSession(ctx, "missing", 0, 0, SessionStatus("paused"))
	assert.Error(t, err)
}

func TestOutcomeStore_ListSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		require.NoError(t, s.StartSession(ctx, id, i+1))
	}

	sessions, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "third", sessions[0].SessionID)
	assert.Equal(t, "second", sessions[1].SessionID)
	assert.True(t, sessions[0].StartedAt.Equal(base.Add(2*time.Minute)))
}

func TestOutcomeStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "ocr.db")

	db, err := Open(ctx, OpenConfig{Driver: "sqlite", DSN: path})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db, "sqlite"))
	recordSuccess(t, NewOutcomeStore(db), 42)
	require.NoError(t, db.Close())

	db, err = Open(ctx, OpenConfig{Driver: "sqlite", DSN: path})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(ctx, db, "sqlite"))

	done, err := NewOutcomeStore(db).IsDocumentProcessed(ctx, 42)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), OpenConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestIDSet(t *testing.T) {
	s := IDSet{3: {}, 1: {}, 2: {}}
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(4))
	assert.Equal(t, []int{1, 2, 3}, s.Sorted())
}
