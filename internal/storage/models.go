// Package storage provides the persistent outcome store for OCR attempts and batch sessions.
package storage

import (
	"sort"
	"time"
)

// AttemptStatus represents the state of a single OCR attempt.
type AttemptStatus string

const (
	AttemptStatusProcessing AttemptStatus = "processing"
	AttemptStatusSuccess    AttemptStatus = "success"
	AttemptStatusFailed     AttemptStatus = "failed"
)

// SessionStatus represents the lifecycle status of a batch session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether the status ends a session.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusStopped || s == SessionStatusFailed
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	return s == SessionStatusRunning || s.IsTerminal()
}

// ProcessingAttempt is one recorded try at OCR-processing a document.
type ProcessingAttempt struct {
	ID                     int64         `json:"id"`
	DocumentID             int           `json:"documentId"`
	DocumentTitle          string        `json:"documentTitle"`
	Status                 AttemptStatus `json:"status"`
	StartedAt              time.Time     `json:"startedAt"`
	OriginalContentLength  *int          `json:"originalContentLength"`
	ExtractedContentLength *int          `json:"extractedContentLength"`
	ProcessingTimeMs       *int64        `json:"processingTimeMs"`
	ErrorMessage           *string       `json:"errorMessage,omitempty"`
	RawPayload             []byte        `json:"-"`
}

// Finished reports whether the attempt reached a terminal outcome.
func (a *ProcessingAttempt) Finished() bool {
	return a.ProcessingTimeMs != nil
}

// BatchSession is one invocation of the batch controller.
type BatchSession struct {
	SessionID           string        `json:"sessionId"`
	TotalDocuments      int           `json:"totalDocuments"`
	SuccessfulDocuments int           `json:"successfulDocuments"`
	FailedDocuments     int           `json:"failedDocuments"`
	Status              SessionStatus `json:"status"`
	StartedAt           time.Time     `json:"startedAt"`
	CompletedAt         *time.Time    `json:"completedAt,omitempty"`
}

// Statistics aggregates terminal attempts across all documents.
type Statistics struct {
	TotalProcessed     int        `json:"totalProcessed"`
	Successful         int        `json:"successful"`
	Failed             int        `json:"failed"`
	SuccessRate        float64    `json:"successRate"`
	AvgDurationMs      float64    `json:"avgDurationMs"`
	LastProcessingDate *time.Time `json:"lastProcessingDate"`
}

// SuccessRecord carries the data for a terminal success row.
// AttemptID, when set, names the processing marker this outcome finishes.
type SuccessRecord struct {
	AttemptID       int64
	DocumentID      int
	Title           string
	OriginalLength  int
	ExtractedLength int
	Duration        time.Duration
	RawPayload      []byte
}

// FailureRecord carries the data for a terminal failure row.
type FailureRecord struct {
	AttemptID    int64
	DocumentID   int
	Title        string
	ErrorMessage string
	Duration     time.Duration
}

// IDSet is a set of document IDs.
type IDSet map[int]struct{}

// Has reports whether id is in the set.
func (s IDSet) Has(id int) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the IDs in ascending order.
func (s IDSet) Sorted() []int {
	ids := make([]int, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
