// Package paperless adapts the Paperless-NGX REST API as the document source.
package paperless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when the archive has no document with the requested ID.
var ErrNotFound = errors.New("document not found")

// Metadata describes a document in the archive.
type Metadata struct {
	ID                int    `json:"id"`
	Title             string `json:"title"`
	OriginalFileName  string `json:"originalFileName"`
	MimeType          string `json:"mimeType"`
	ContentLengthHint int    `json:"contentLengthHint"`
}

// Binary is a downloaded original document file.
type Binary struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Client talks to the Paperless-NGX API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	pageSize   int
}

// Config holds Paperless client configuration.
type Config struct {
	BaseURL  string // without the trailing /api
	Token    string
	Timeout  time.Duration // Default: 60s
	PageSize int           // Default: 100
}

// NewClient creates a new Paperless client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("paperless URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	base = strings.TrimSuffix(base, "/api")

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		token:      cfg.Token,
		pageSize:   cfg.PageSize,
	}, nil
}

type documentResponse struct {
	ID               int    `json:"id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	OriginalFileName string `json:"original_file_name"`
	MimeType         string `json:"mime_type"`
}

type documentListResponse struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []struct {
		ID int `json:"id"`
	} `json:"results"`
}

// FetchMetadata retrieves title, file info and current content length for a document.
func (c *Client) FetchMetadata(ctx context.Context, documentID int) (*Metadata, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/", documentID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata for document %d: %w", documentID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch metadata for document %d: %w", documentID, err)
	}

	var doc documentResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document %d: %w", documentID, err)
	}

	return &Metadata{
		ID:                documentID,
		Title:             doc.Title,
		OriginalFileName:  doc.OriginalFileName,
		MimeType:          doc.MimeType,
		ContentLengthHint: utf8.RuneCountInString(doc.Content),
	}, nil
}

// FetchBinary downloads the original file of a document.
func (c *Client) FetchBinary(ctx context.Context, documentID int) (*Binary, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/download/?original=true", documentID), nil)
	if err != nil {
		return nil, fmt.Errorf("download document %d: %w", documentID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("download document %d: %w", documentID, err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read document %d: %w", documentID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download document %d: empty file", documentID)
	}

	bin := &Binary{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		bin.Filename = params["filename"]
	}
	if bin.Filename == "" {
		bin.Filename = fmt.Sprintf("document-%d", documentID)
	}

	return bin, nil
}

// PushText replaces the stored content of a document.
func (c *Client) PushText(ctx context.Context, documentID int, text string) error {
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/documents/%d/", documentID), payload)
	if err != nil {
		return fmt.Errorf("update document %d: %w", documentID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("update document %d: %w", documentID, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ListDocumentIDs walks every page of the document list and returns all IDs.
func (c *Client) ListDocumentIDs(ctx context.Context) ([]int, error) {
	var ids []int
	for page := 1; ; page++ {
		path := fmt.Sprintf("/api/documents/?page=%d&page_size=%d&ordering=id&fields=id", page, c.pageSize)
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("list documents page %d: %w", page, err)
		}

		var list documentListResponse
		err = checkStatus(resp)
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&list)
		}
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("list documents page %d: %w", page, err)
		}

		for _, r := range list.Results {
			ids = append(ids, r.ID)
		}
		if list.Next == "" || len(list.Results) == 0 {
			return ids, nil
		}
	}
}

// Ping checks that the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/documents/?page_size=1&fields=id", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
