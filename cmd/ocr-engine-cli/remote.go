package main

import (
	"context"
	"fmt"

	"github.com/paperless-ai/ocr-engine/internal/storage"
	"github.com/paperless-ai/ocr-engine/pkg/engine"
)

// historyReader is the read side shared by the local database and a server.
type historyReader interface {
	GetSession(ctx context.Context, sessionID string) (*storage.BatchSession, error)
	ListSessions(ctx context.Context, limit int) ([]*storage.BatchSession, error)
	History(ctx context.Context, documentID int) ([]*storage.ProcessingAttempt, error)
	RecentHistory(ctx context.Context, limit int) ([]*storage.ProcessingAttempt, error)
}

var _ historyReader = (*storage.OutcomeStore)(nil)

// openHistoryReader returns the server SDK when remote is set, otherwise
// the local database. The returned func releases it.
func openHistoryReader(ctx context.Context, remote bool) (historyReader, func(), error) {
	if remote {
		client, err := newAPIClient()
		if err != nil {
			return nil, nil, err
		}
		return &remoteHistory{client: client}, func() {}, nil
	}
	db, store, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

// remoteHistory reads sessions and attempts through the server API.
type remoteHistory struct {
	client *engine.Client
}

func (r *remoteHistory) GetSession(ctx context.Context, sessionID string) (*storage.BatchSession, error) {
	s, err := r.client.Session(ctx, sessionID)
	if engine.IsNotFound(err) {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sessionFromAPI(*s), nil
}

func (r *remoteHistory) ListSessions(ctx context.Context, limit int) ([]*storage.BatchSession, error) {
	sessions, err := r.client.Sessions(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.BatchSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionFromAPI(s))
	}
	return out, nil
}

func (r *remoteHistory) History(ctx context.Context, documentID int) ([]*storage.ProcessingAttempt, error) {
	attempts, err := r.client.DocumentHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return attemptsFromAPI(attempts), nil
}

func (r *remoteHistory) RecentHistory(ctx context.Context, limit int) ([]*storage.ProcessingAttempt, error) {
	attempts, err := r.client.RecentHistory(ctx, limit)
	if err != nil {
		return nil, err
	}
	return attemptsFromAPI(attempts), nil
}

func sessionFromAPI(s engine.Session) *storage.BatchSession {
	return &storage.BatchSession{
		SessionID:           s.SessionID,
		TotalDocuments:      s.TotalDocuments,
		SuccessfulDocuments: s.SuccessfulDocuments,
		FailedDocuments:     s.FailedDocuments,
		Status:              storage.SessionStatus(s.Status),
		StartedAt:           s.StartedAt,
		CompletedAt:         s.CompletedAt,
	}
}

func attemptsFromAPI(attempts []engine.Attempt) []*storage.ProcessingAttempt {
	out := make([]*storage.ProcessingAttempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, &storage.ProcessingAttempt{
			ID:                     a.ID,
			DocumentID:             a.DocumentID,
			DocumentTitle:          a.DocumentTitle,
			Status:                 storage.AttemptStatus(a.Status),
			StartedAt:              a.StartedAt,
			OriginalContentLength:  a.OriginalContentLength,
			ExtractedContentLength: a.ExtractedContentLength,
			ProcessingTimeMs:       a.ProcessingTimeMs,
			ErrorMessage:           a.ErrorMessage,
		})
	}
	return out
}
