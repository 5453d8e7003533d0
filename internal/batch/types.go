package batch

import (
	"context"
	"time"

	"github.com/paperless-ai/ocr-engine/internal/events"
	"github.com/paperless-ai/ocr-engine/internal/ocr"
	"github.com/paperless-ai/ocr-engine/internal/paperless"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Store is the outcome persistence used by the controller.
type Store interface {
	ProcessedDocumentIDs(ctx context.Context) (storage.IDSet, error)
	RecordAttemptStart(ctx context.Context, documentID int, title string) (int64, error)
	RecordSuccess(ctx context.Context, rec storage.SuccessRecord) error
	RecordFailure(ctx context.Context, rec storage.FailureRecord) error
	AbandonAttempt(ctx context.Context, attemptID int64) error
	StartSession(ctx context.Context, sessionID string, totalDocuments int) error
	UpdateSession(ctx context.Context, sessionID string, successful, failed int, status storage.SessionStatus) error
}

// DocumentSource is the archive the documents come from and go back to.
type DocumentSource interface {
	FetchMetadata(ctx context.Context, documentID int) (*paperless.Metadata, error)
	FetchBinary(ctx context.Context, documentID int) (*paperless.Binary, error)
	PushText(ctx context.Context, documentID int, text string) error
}

// Worker extracts text from a document file.
type Worker interface {
	ExtractText(ctx context.Context, file []byte, filename, contentType string) (*ocr.Extraction, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(t events.Type, payload interface{}) (events.Event, error)
}

var (
	_ Store          = (*storage.OutcomeStore)(nil)
	_ DocumentSource = (*paperless.Client)(nil)
	_ Worker         = (*ocr.Client)(nil)
	_ Publisher      = (*events.Broadcaster)(nil)
)

// ItemError is one per-item failure kept in the batch error list.
type ItemError struct {
	DocumentID int    `json:"documentId"`
	Title      string `json:"title"`
	Error      string `json:"error"`
}

// CurrentItem describes the document being processed.
type CurrentItem struct {
	DocumentID int    `json:"documentId"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Title      string `json:"title,omitempty"`
}

// StartResult describes an accepted submission.
type StartResult struct {
	SessionID        string `json:"sessionId,omitempty"`
	State            State  `json:"state"`
	TotalDocuments   int    `json:"totalDocuments"`
	SkippedDocuments int    `json:"skippedDocuments"`
	QueuedDocuments  int    `json:"queuedDocuments"`
}

// StatusSnapshot is a point-in-time view of the controller.
// TotalDocuments counts the queued documents of the current or last batch.
type StatusSnapshot struct {
	IsProcessing        bool         `json:"isProcessing"`
	State               State        `json:"state"`
	SessionID           string       `json:"sessionId,omitempty"`
	StopRequested       bool         `json:"stopRequested"`
	CurrentItem         *CurrentItem `json:"currentItem"`
	TotalDocuments      int          `json:"totalDocuments"`
	SkippedDocuments    int          `json:"skippedDocuments"`
	ProcessedDocuments  int          `json:"processedDocuments"`
	SuccessfulDocuments int          `json:"successfulDocuments"`
	FailedDocuments     int          `json:"failedDocuments"`
	ProgressPercentage  float64      `json:"progressPercentage"`
	StartedAt           *time.Time   `json:"startedAt"`
	EstimatedCompletion *time.Time   `json:"estimatedCompletion"`
	Errors              []ItemError  `json:"errors"`
}

// Summary is the terminal report of a batch.
// TotalDocuments counts the submitted documents, skipped ones included.
type Summary struct {
	SessionID           string      `json:"sessionId,omitempty"`
	Status              State       `json:"status"`
	TotalDocuments      int         `json:"totalDocuments"`
	SkippedDocuments    int         `json:"skippedDocuments"`
	QueuedDocuments     int         `json:"queuedDocuments"`
	ProcessedDocuments  int         `json:"processedDocuments"`
	SuccessfulDocuments int         `json:"successfulDocuments"`
	FailedDocuments     int         `json:"failedDocuments"`
	DurationMs          int64       `json:"durationMs"`
	Errors              []ItemError `json:"errors"`
	Error               string      `json:"error,omitempty"`
	StartedAt           time.Time   `json:"startedAt"`
	CompletedAt         time.Time   `json:"completedAt"`
}

// Event payloads.

type batchStartedPayload struct {
	SessionID        string    `json:"sessionId"`
	TotalDocuments   int       `json:"totalDocuments"`
	SkippedDocuments int       `json:"skippedDocuments"`
	QueuedDocuments  int       `json:"queuedDocuments"`
	StartedAt        time.Time `json:"startedAt"`
}

type itemStartedPayload struct {
	SessionID  string `json:"sessionId"`
	DocumentID int    `json:"documentId"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
}

type itemCompletedPayload struct {
	SessionID  string  `json:"sessionId"`
	DocumentID int     `json:"documentId"`
	Title      string  `json:"title"`
	Index      int     `json:"index"`
	Total      int     `json:"total"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"durationMs"`
	Processed  int     `json:"processed"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Progress   float64 `json:"progress"`
}
