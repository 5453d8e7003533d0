package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// OutcomeStore persists OCR attempts and batch sessions.
// Every write is committed before the method returns.
type OutcomeStore struct {
	db  DB
	now func() time.Time
}

// NewOutcomeStore creates a new outcome store over db.
func NewOutcomeStore(db DB) *OutcomeStore {
	return &OutcomeStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

const attemptColumns = `id, document_id, document_title, status, started_at,
	original_content_length, extracted_content_length, processing_time_ms,
	error_message, raw_payload`

// IsDocumentProcessed reports whether a successful attempt exists for documentID.
func (s *OutcomeStore) IsDocumentProcessed(ctx context.Context, documentID int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ocr_attempts WHERE document_id = $1 AND status = $2`,
		documentID, AttemptStatusSuccess,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check document %d: %w", documentID, err)
	}
	return n > 0, nil
}

// ProcessedDocumentIDs returns every document ID with at least one successful attempt.
func (s *OutcomeStore) ProcessedDocumentIDs(ctx context.Context) (IDSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT document_id FROM ocr_attempts WHERE status = $1`,
		AttemptStatusSuccess,
	)
	if err != nil {
		return nil, fmt.Errorf("list processed documents: %w", err)
	}
	defer rows.Close()

	ids := make(IDSet)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed document: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processed documents: %w", err)
	}
	return ids, nil
}

// RecordAttemptStart inserts an in-flight marker and returns its attempt ID.
func (s *OutcomeStore) RecordAttemptStart(ctx context.Context, documentID int, title string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ocr_attempts (document_id, document_title, status, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, documentID, title, AttemptStatusProcessing, s.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record attempt start for document %d: %w", documentID, err)
	}
	return id, nil
}

// RecordSuccess inserts a terminal success row and removes the matching marker.
func (s *OutcomeStore) RecordSuccess(ctx context.Context, rec SuccessRecord) error {
	err := s.finishAttempt(ctx, rec.AttemptID, rec.Duration, func(tx *sql.Tx, startedAt time.Time) error {
		var payload interface{}
		if rec.RawPayload != nil {
			payload = string(rec.RawPayload)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ocr_attempts (document_id, document_title, status, started_at,
				original_content_length, extracted_content_length, processing_time_ms, raw_payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.DocumentID, rec.Title, AttemptStatusSuccess, startedAt,
			rec.OriginalLength, rec.ExtractedLength, rec.Duration.Milliseconds(), payload,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("record success for document %d: %w", rec.DocumentID, err)
	}
	return nil
}

// RecordFailure inserts a terminal failure row and removes the matching marker.
func (s *OutcomeStore) RecordFailure(ctx context.Context, rec FailureRecord) error {
	err := s.finishAttempt(ctx, rec.AttemptID, rec.Duration, func(tx *sql.Tx, startedAt time.Time) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ocr_attempts (document_id, document_title, status, started_at,
				processing_time_ms, error_message)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rec.DocumentID, rec.Title, AttemptStatusFailed, startedAt,
			rec.Duration.Milliseconds(), rec.ErrorMessage,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("record failure for document %d: %w", rec.DocumentID, err)
	}
	return nil
}

// finishAttempt runs insert inside a transaction that also deletes the marker attemptID.
// The terminal row inherits the marker's start time when the marker exists.
func (s *OutcomeStore) finishAttempt(ctx context.Context, attemptID int64, d time.Duration, insert func(*sql.Tx, time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	startedAt := s.now().Add(-d)
	if attemptID > 0 {
		var markerStart time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT started_at FROM ocr_attempts WHERE id = $1 AND status = $2`,
			attemptID, AttemptStatusProcessing,
		).Scan(&markerStart)
		switch {
		case err == nil:
			startedAt = markerStart.UTC()
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ocr_attempts WHERE id = $1 AND status = $2`,
			attemptID, AttemptStatusProcessing,
		); err != nil {
			return err
		}
	}

	if err := insert(tx, startedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// AbandonAttempt removes an in-flight marker without recording an outcome.
func (s *OutcomeStore) AbandonAttempt(ctx context.Context, attemptID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ocr_attempts WHERE id = $1 AND status = $2`,
		attemptID, AttemptStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("abandon attempt %d: %w", attemptID, err)
	}
	return nil
}

// PurgeProcessingMarkers deletes markers left behind by an interrupted run.
func (s *OutcomeStore) PurgeProcessingMarkers(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ocr_attempts WHERE status = $1`, AttemptStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("purge processing markers: %w", err)
	}
	return res.RowsAffected()
}

// History returns every attempt for documentID, newest first.
func (s *OutcomeStore) History(ctx context.Context, documentID int) ([]*ProcessingAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM ocr_attempts
		WHERE document_id = $1
		ORDER BY id DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("history for document %d: %w", documentID, err)
	}
	return scanAttempts(rows)
}

// RecentHistory returns up to limit attempts across all documents, newest first.
func (s *OutcomeStore) RecentHistory(ctx context.Context, limit int) ([]*ProcessingAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM ocr_attempts
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	return scanAttempts(rows)
}

// LatestSuccess returns the newest successful attempt for documentID.
func (s *OutcomeStore) LatestSuccess(ctx context.Context, documentID int) (*ProcessingAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM ocr_attempts
		WHERE document_id = $1 AND status = $2
		ORDER BY id DESC
		LIMIT 1
	`, documentID, AttemptStatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("latest success for document %d: %w", documentID, err)
	}
	attempts, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, ErrNotFound
	}
	return attempts[0], nil
}

// ResetDocument deletes every attempt for documentID and returns the number removed.
func (s *OutcomeStore) ResetDocument(ctx context.Context, documentID int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ocr_attempts WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("reset document %d: %w", documentID, err)
	}
	return res.RowsAffected()
}

// ResetAll deletes every attempt and returns the number removed.
func (s *OutcomeStore) ResetAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ocr_attempts`)
	if err != nil {
		return 0, fmt.Errorf("reset all attempts: %w", err)
	}
	return res.RowsAffected()
}

// Statistics aggregates the terminal attempts.
func (s *OutcomeStore) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{}
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END), 0),
			AVG(processing_time_ms)
		FROM ocr_attempts
		WHERE status <> $3
	`, AttemptStatusSuccess, AttemptStatusFailed, AttemptStatusProcessing,
	).Scan(&stats.TotalProcessed, &stats.Successful, &stats.Failed, &avg)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMs = avg.Float64
	}
	if stats.TotalProcessed > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalProcessed) * 100
	}

	// Selecting the column keeps its declared type so both drivers return a time.
	var last time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT started_at FROM ocr_attempts
		WHERE status <> $1
		ORDER BY id DESC
		LIMIT 1
	`, AttemptStatusProcessing).Scan(&last)
	switch {
	case err == nil:
		last = last.UTC()
		stats.LastProcessingDate = &last
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("statistics: last processing date: %w", err)
	}

	return stats, nil
}

func scanAttempts(rows *sql.Rows) ([]*ProcessingAttempt, error) {
	defer rows.Close()

	var attempts []*ProcessingAttempt
	for rows.Next() {
		a := &ProcessingAttempt{}
		var (
			status    string
			original  sql.NullInt64
			extracted sql.NullInt64
			duration  sql.NullInt64
			errMsg    sql.NullString
			payload   sql.NullString
		)
		if err := rows.Scan(
			&a.ID, &a.DocumentID, &a.DocumentTitle, &status, &a.StartedAt,
			&original, &extracted, &duration, &errMsg, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = AttemptStatus(status)
		a.StartedAt = a.StartedAt.UTC()
		if original.Valid {
			v := int(original.Int64)
			a.OriginalContentLength = &v
		}
		if extracted.Valid {
			v := int(extracted.Int64)
			a.ExtractedContentLength = &v
		}
		if duration.Valid {
			v := duration.Int64
			a.ProcessingTimeMs = &v
		}
		if errMsg.Valid {
			v := errMsg.String
			a.ErrorMessage = &v
		}
		if payload.Valid {
			a.RawPayload = []byte(payload.String)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan attempts: %w", err)
	}
	return attempts, nil
}
