// Package engine provides the public Go SDK for the OCR engine API.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paperless-ai/ocr-engine/internal/events"
)

const apiPrefix = "/api/v1/ocr"

// Client is the public SDK client for the OCR engine.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per request, not applied to event streams. Default: 30s
}

// NewClient creates a new OCR engine client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:3001"
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("invalid base URL %q: must start with http:// or https://", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
	}, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ocr engine: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ocr engine: status %d", e.StatusCode)
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// StartBatchRequest submits document IDs for processing.
type StartBatchRequest struct {
	DocumentIDs   []int `json:"documentIds"`
	SkipProcessed *bool `json:"skipProcessed,omitempty"`
}

// StartBatchResponse describes an accepted submission.
type StartBatchResponse struct {
	SessionID        string `json:"sessionId,omitempty"`
	State            string `json:"state"`
	TotalDocuments   int    `json:"totalDocuments"`
	SkippedDocuments int    `json:"skippedDocuments"`
	QueuedDocuments  int    `json:"queuedDocuments"`
}

// CurrentItem is the document being processed.
type CurrentItem struct {
	DocumentID int    `json:"documentId"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Title      string `json:"title,omitempty"`
}

// ItemError is one failed document of a batch.
type ItemError struct {
	DocumentID int    `json:"documentId"`
	Title      string `json:"title"`
	Error      string `json:"error"`
}

// Status is the controller snapshot.
type Status struct {
	IsProcessing        bool         `json:"isProcessing"`
	State               string       `json:"state"`
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

// Statistics aggregates recorded outcomes.
type Statistics struct {
	TotalProcessed     int        `json:"totalProcessed"`
	Successful         int        `json:"successful"`
	Failed             int        `json:"failed"`
	SuccessRate        float64    `json:"successRate"`
	AvgDurationMs      float64    `json:"avgDurationMs"`
	LastProcessingDate *time.Time `json:"lastProcessingDate"`
}

// Attempt is one recorded processing attempt.
type Attempt struct {
	ID                     int64     `json:"id"`
	DocumentID             int       `json:"documentId"`
	DocumentTitle          string    `json:"documentTitle"`
	Status                 string    `json:"status"`
	StartedAt              time.Time `json:"startedAt"`
	OriginalContentLength  *int      `json:"originalContentLength"`
	ExtractedContentLength *int      `json:"extractedContentLength"`
	ProcessingTimeMs       *int64    `json:"processingTimeMs"`
	ErrorMessage           *string   `json:"errorMessage,omitempty"`
}

type historyResponse struct {
	Attempts []Attempt `json:"attempts"`
}

// Session is one batch session.
type Session struct {
	SessionID           string     `json:"sessionId"`
	TotalDocuments      int        `json:"totalDocuments"`
	SuccessfulDocuments int        `json:"successfulDocuments"`
	FailedDocuments     int        `json:"failedDocuments"`
	Status              string     `json:"status"`
	StartedAt           time.Time  `json:"startedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

// DocumentText is the stored OCR output of a document.
type DocumentText struct {
	DocumentID  int       `json:"documentId"`
	AttemptID   int64     `json:"attemptId"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Markdown    string    `json:"markdown,omitempty"`
	HasMarkdown bool      `json:"hasMarkdown"`
	Shape       string    `json:"shape"`
	ProcessedAt time.Time `json:"processedAt"`
}

// WorkerHealth reports OCR worker reachability.
type WorkerHealth struct {
	Healthy bool   `json:"healthy"`
	URL     string `json:"url"`
}

// ResetResponse reports deleted attempts.
type ResetResponse struct {
	DocumentID int   `json:"documentId,omitempty"`
	Deleted    int64 `json:"deleted"`
}

// Event is one message of the event stream.
type Event = events.Event

// StartBatch submits a batch.
func (c *Client) StartBatch(ctx context.Context, req StartBatchRequest) (*StartBatchResponse, error) {
	var out StartBatchResponse
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/batches", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopBatch requests a stop of the running batch.
func (c *Client) StopBatch(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, apiPrefix+"/batches/stop", nil, nil)
}

// Status returns the controller snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.call(ctx, http.MethodGet, apiPrefix+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Statistics returns outcome statistics.
func (c *Client) Statistics(ctx context.Context) (*Statistics, error) {
	var out Statistics
	if err := c.call(ctx, http.MethodGet, apiPrefix+"/statistics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecentHistory returns the newest attempts across all documents.
func (c *Client) RecentHistory(ctx context.Context, limit int) ([]Attempt, error) {
	path := apiPrefix + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out historyResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Attempts, nil
}

// DocumentHistory returns every attempt for one document, newest first.
func (c *Client) DocumentHistory(ctx context.Context, documentID int) ([]Attempt, error) {
	var out historyResponse
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("%s/documents/%d/history", apiPrefix, documentID), nil, &out); err != nil {
		return nil, err
	}
	return out.Attempts, nil
}

// DocumentText returns the stored text of the newest successful attempt.
func (c *Client) DocumentText(ctx context.Context, documentID int) (*DocumentText, error) {
	var out DocumentText
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("%s/documents/%d/text", apiPrefix, documentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists batch sessions, newest first.
func (c *Client) Sessions(ctx context.Context, limit int) ([]Session, error) {
	path := apiPrefix + "/sessions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Session returns one batch session.
func (c *Client) Session(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	if err := c.call(ctx, http.MethodGet, apiPrefix+"/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetDocument deletes the history of one document.
func (c *Client) ResetDocument(ctx context.Context, documentID int) (*ResetResponse, error) {
	var out ResetResponse
	if err := c.call(ctx, http.MethodDelete, fmt.Sprintf("%s/documents/%d/history", apiPrefix, documentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetAll deletes every recorded attempt.
func (c *Client) ResetAll(ctx context.Context) (*ResetResponse, error) {
	var out ResetResponse
	if err := c.call(ctx, http.MethodDelete, apiPrefix+"/history", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WorkerHealth probes the OCR worker through the server.
func (c *Client) WorkerHealth(ctx context.Context) (*WorkerHealth, error) {
	var out WorkerHealth
	err := c.call(ctx, http.MethodGet, apiPrefix+"/worker/health", nil, &out)
	if err != nil && !hasStatus(err, http.StatusServiceUnavailable) {
		return nil, err
	}
	return &out, nil
}

// Stream reads the event stream and calls fn for every event until ctx is
// done, the server ends the stream, or fn returns an error.
func (c *Client) Stream(ctx context.Context, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, apiPrefix+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	dec := events.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.NewDecoder(resp.Body).Decode(out)
		}
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if resp.StatusCode != http.StatusServiceUnavailable {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	return apiErr
}
