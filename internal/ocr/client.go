// Package ocr provides the client for the external OCR extraction worker.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a worker response is read.
const maxResponseBytes = 64 << 20

// Client talks to the OCR worker over HTTP.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	healthTimeout  time.Duration
	requestTimeout time.Duration
}

// Config holds OCR client configuration.
type Config struct {
	BaseURL        string        // Default: http://localhost:8080
	HealthTimeout  time.Duration // Default: 5s
	RequestTimeout time.Duration // Default: 5m
	HTTPClient     *http.Client
}

// NewClient creates a new OCR worker client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("invalid OCR worker URL: %s", cfg.BaseURL)
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Deadlines come from per-call contexts.
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		healthTimeout:  cfg.HealthTimeout,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

// BaseURL returns the worker base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthCheck reports whether the worker answers GET /health with a 2xx status.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ExtractText uploads file to the worker and returns the normalized text.
// Cancelling ctx aborts the request and yields ErrCancelled.
func (c *Client) ExtractText(ctx context.Context, file []byte, filename, contentType string) (*Extraction, error) {
	body, formType, err := encodeFile(file, filename, contentType)
	if err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/extract", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classify(ctx, reqCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := KindMalformedResponse
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			kind = KindUnreachable
		}
		return nil, &WorkerError{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(data)), 200),
		}
	}

	return Normalize(data)
}

// classify maps a transport failure onto the worker error taxonomy.
func (c *Client) classify(parent, reqCtx context.Context, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return newError(KindCancelled, "request cancelled", err)
	case reqCtx.Err() != nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return newError(KindTimeout, fmt.Sprintf("no response within %s", c.requestTimeout), err)
	default:
		return newError(KindUnreachable, "request failed", err)
	}
}

func encodeFile(file []byte, filename, contentType string) (io.Reader, string, error) {
	if filename == "" {
		filename = "document"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
