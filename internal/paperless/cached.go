package paperless

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/paperless-ai/ocr-engine/internal/cache"
	"github.com/paperless-ai/ocr-engine/internal/observability"
)

// Source is the document archive surface used by the batch controller.
type Source interface {
	FetchMetadata(ctx context.Context, documentID int) (*Metadata, error)
	FetchBinary(ctx context.Context, documentID int) (*Binary, error)
	PushText(ctx context.Context, documentID int, text string) error
}

// CachedSource caches document metadata in front of another Source.
// Pushing text invalidates the cached entry for that document.
type CachedSource struct {
	next   Source
	cache  cache.Client
	ttl    time.Duration
	logger *observability.Logger
}

// NewCachedSource wraps next with a metadata cache.
func NewCachedSource(next Source, c cache.Client, ttl time.Duration, logger *observability.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &CachedSource{next: next, cache: c, ttl: ttl, logger: logger}
}

func metadataKey(documentID int) string {
	return cache.DocumentCacheKey(documentID, "meta")
}

// FetchMetadata returns cached metadata when present, otherwise fetches and caches it.
func (s *CachedSource) FetchMetadata(ctx context.Context, documentID int) (*Metadata, error) {
	key := metadataKey(documentID)

	data, err := s.cache.Get(ctx, key)
	if err == nil {
		var meta Metadata
		if jsonErr := json.Unmarshal(data, &meta); jsonErr == nil {
			return &meta, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn().Err(err).Int("document_id", documentID).Msg("Metadata cache read failed")
	}

	meta, err := s.next.FetchMetadata(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(meta); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			s.logger.Warn().Err(err).Int("document_id", documentID).Msg("Metadata cache write failed")
		}
	}

	return meta, nil
}

// FetchBinary is never cached.
func (s *CachedSource) FetchBinary(ctx context.Context, documentID int) (*Binary, error) {
	return s.next.FetchBinary(ctx, documentID)
}

// PushText forwards to the wrapped source and drops the cached metadata.
func (s *CachedSource) PushText(ctx context.Context, documentID int, text string) error {
	err := s.next.PushText(ctx, documentID, text)
	if delErr := s.cache.Delete(ctx, metadataKey(documentID)); delErr != nil {
		s.logger.Warn().Err(delErr).Int("document_id", documentID).Msg("Metadata cache invalidation failed")
	}
	return err
}

var (
	_ Source = (*Client)(nil)
	_ Source = (*CachedSource)(nil)
)
