package ocr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.BaseURL())
	assert.Equal(t, 5*time.Second, c.healthTimeout)
	assert.Equal(t, 5*time.Minute, c.requestTimeout)

	_, err = NewClient(Config{BaseURL: "localhost:8080"})
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}, Config{})
	assert.True(t, healthy.HealthCheck(context.Background()))

	failing := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, Config{})
	assert.False(t, failing.HealthCheck(context.Background()))

	unreachable, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.False(t, unreachable.HealthCheck(context.Background()))
}

func TestHealthCheck_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Config{HealthTimeout: 50 * time.Millisecond})

	start := time.Now()
	assert.False(t, c.HealthCheck(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExtractText_SendsMultipartFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/extract", r.URL.Path)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)

		assert.Equal(t, "scan.pdf", header.Filename)
		assert.Equal(t, "application/pdf", header.Header.Get("Content-Type"))
		assert.Equal(t, []byte("%PDF-1.7"), data)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Hello world","markdown":"# Hello"}`))
	}, Config{})

	ext, err := c.ExtractText(context.Background(), []byte("%PDF-1.7"), "scan.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", ext.Text)
	assert.Equal(t, "# Hello", ext.Markdown)
	assert.True(t, ext.HasMarkdown)
	assert.Equal(t, ShapeText, ext.Shape)
	assert.JSONEq(t, `{"text":"Hello world","markdown":"# Hello"}`, string(ext.Raw))
}

func TestExtractText_CancelIsPrompt(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Config{RequestTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	start := time.Now()
	_, err := c.ExtractText(ctx, []byte("x"), "a.png", "image/png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExtractText_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Config{RequestTimeout: 50 * time.Millisecond})

	_, err := c.ExtractText(context.Background(), []byte("x"), "a.png", "image/png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "timeout")
	assert.False(t, errors.Is(err, ErrCancelled))
}

func TestExtractText_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"service unavailable", http.StatusServiceUnavailable, ErrUnreachable},
		{"bad gateway", http.StatusBadGateway, ErrUnreachable},
		{"gateway timeout", http.StatusGatewayTimeout, ErrUnreachable},
		{"internal error", http.StatusInternalServerError, ErrMalformedResponse},
		{"bad request", http.StatusBadRequest, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}, Config{})

			_, err := c.ExtractText(context.Background(), []byte("x"), "a.png", "image/png")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var we *WorkerError
			require.True(t, errors.As(err, &we))
			assert.Equal(t, tt.status, we.StatusCode)
			assert.Equal(t, "nope", we.Message)
		})
	}
}

func TestExtractText_Unreachable(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = c.ExtractText(context.Background(), []byte("x"), "", "")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestExtractText_EmptyBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"texts":["  ",""]}`))
	}, Config{})

	_, err := c.ExtractText(context.Background(), []byte("x"), "a.png", "image/png")
	assert.ErrorIs(t, err, ErrEmptyExtraction)
}
