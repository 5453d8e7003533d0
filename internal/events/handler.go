package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/paperless-ai/ocr-engine/internal/observability"
)

// StatusFunc returns the current controller snapshot sent to new subscribers.
type StatusFunc func() interface{}

// Handler serves the event stream as Server-Sent Events.
type Handler struct {
	broadcaster *Broadcaster
	status      StatusFunc
	keepalive   time.Duration
	retry       time.Duration
	logger      *observability.Logger
}

// NewHandler creates an SSE handler over b. keepalive defaults to 30s.
func NewHandler(b *Broadcaster, status StatusFunc, keepalive time.Duration, logger *observability.Logger) *Handler {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		broadcaster: b,
		status:      status,
		keepalive:   keepalive,
		retry:       3 * time.Second,
		logger:      logger,
	}
}

type keepalivePayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ServeHTTP streams events until the client disconnects or the subscription ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the status snapshot so nothing published in between is lost.
	sub := h.broadcaster.Subscribe()
	defer sub.Close()

	log := h.logger.WithContext(r.Context())

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retry.Milliseconds()); err != nil {
		return
	}

	var snapshot interface{} = struct{}{}
	if h.status != nil {
		snapshot = h.status()
	}
	if err := h.writeSynthetic(w, TypeStatus, snapshot); err != nil {
		log.Debug().Err(err).Msg("Event stream write failed")
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		// Ending takes priority over queued events.
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			if sub.Evicted() {
				log.Warn().Msg("Event stream closed after subscriber fell behind")
			}
			return
		default:
		}

		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
		case ev := <-sub.C():
			if err := WriteEvent(w, ev); err != nil {
				log.Debug().Err(err).Msg("Event stream write failed")
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := h.writeSynthetic(w, TypeKeepalive, keepalivePayload{Timestamp: time.Now().UTC()}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeSynthetic(w http.ResponseWriter, t Type, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return WriteEvent(w, Event{Type: t, Timestamp: time.Now().UTC(), Data: data})
}
