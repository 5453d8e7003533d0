package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StartSession persists a new running session.
func (s *OutcomeStore) StartSession(ctx context.Context, sessionID string, totalDocuments int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ocr_sessions (session_id, total_documents, status, started_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, totalDocuments, SessionStatusRunning, s.now())
	if err != nil {
		return fmt.Errorf("start session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateSession writes the running counters and status of a session.
// A terminal status sets completed_at. Sessions already in a terminal status
// are never changed again and yield ErrConflict.
func (s *OutcomeStore) UpdateSession(ctx context.Context, sessionID string, successful, failed int, status SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update session %s: invalid status %q", sessionID, status)
	}

	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE ocr_sessions
		SET successful_documents = $1, failed_documents = $2, status = $3, completed_at = $4
		WHERE session_id = $5 AND status = $6
	`, successful, failed, status, completedAt, sessionID, SessionStatusRunning)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	return fmt.Errorf("update session %s: already finished: %w", sessionID, ErrConflict)
}

// FailStaleSessions marks every session still recorded as running as failed.
// It is only safe to call before any batch starts in this process.
func (s *OutcomeStore) FailStaleSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ocr_sessions
		SET status = $1, completed_at = $2
		WHERE status = $3
	`, SessionStatusFailed, s.now(), SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// GetSession retrieves a session by ID.
func (s *OutcomeStore) GetSession(ctx context.Context, sessionID string) (*BatchSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, total_documents, successful_documents, failed_documents,
			status, started_at, completed_at
		FROM ocr_sessions WHERE session_id = $1
	`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return session, nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *OutcomeStore) ListSessions(ctx context.Context, limit int) ([]*BatchSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, total_documents, successful_documents, failed_documents,
			status, started_at, completed_at
		FROM ocr_sessions
		ORDER BY started_at DESC, session_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*BatchSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*BatchSession, error) {
	session := &BatchSession{}
	var (
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&session.SessionID, &session.TotalDocuments, &session.SuccessfulDocuments,
		&session.FailedDocuments, &status, &session.StartedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	session.Status = SessionStatus(status)
	session.StartedAt = session.StartedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		session.CompletedAt = &t
	}
	return session, nil
}
