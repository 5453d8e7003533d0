// Package batch runs OCR batches: one at a time, one document at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/paperless-ai/ocr-engine/internal/events"
	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/ocr"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

// Options configures a Controller.
type Options struct {
	ItemPause    time.Duration // Default: 500ms; negative disables the pause
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Now          func() time.Time
	NewSessionID func() string
}

// Controller owns the single process-wide batch. All state transitions go
// through its methods under mu; counters are written only by the loop goroutine.
type Controller struct {
	store     Store
	source    DocumentSource
	worker    Worker
	publisher Publisher

	itemPause    time.Duration
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	newSessionID func() string

	mu            sync.Mutex
	state         State
	starting      bool
	sessionID     string
	submitted     int
	skipped       int
	total         int
	processed     int
	successful    int
	failed        int
	errors        []ItemError
	current       *CurrentItem
	startedAt     time.Time
	stopRequested bool
	cancelItem    context.CancelFunc
	wake          chan struct{}
	done          chan struct{}
	last          *Summary
}

// NewController creates an idle controller.
func NewController(store Store, source DocumentSource, worker Worker, publisher Publisher, opts Options) *Controller {
	if opts.ItemPause == 0 {
		opts.ItemPause = 500 * time.Millisecond
	}
	if opts.ItemPause < 0 {
		opts.ItemPause = 0
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}

	return &Controller{
		store:        store,
		source:       source,
		worker:       worker,
		publisher:    publisher,
		itemPause:    opts.ItemPause,
		logger:       opts.Logger.WithOperation("batch"),
		metrics:      opts.Metrics,
		now:          opts.Now,
		newSessionID: opts.NewSessionID,
		state:        StateIdle,
	}
}

// Start validates and accepts a submission. The batch runs on its own
// goroutine; Start returns as soon as it has begun.
//
// The slot is reserved under mu, but the store reads and writes happen
// without it, so Status and Stop stay responsive during a slow database.
func (c *Controller) Start(ctx context.Context, documentIDs []int, skipProcessed bool) (*StartResult, error) {
	ids, err := normalizeIDs(documentIDs)
	if err != nil {
		return nil, err
	}

	if !c.reserve() {
		return nil, ErrConflict
	}
	reserved := true
	defer func() {
		if reserved {
			c.release()
		}
	}()

	queue := ids
	if skipProcessed {
		done, err := c.store.ProcessedDocumentIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("load processed documents: %w", err)
		}
		queue = make([]int, 0, len(ids))
		for _, id := range ids {
			if !done.Has(id) {
				queue = append(queue, id)
			}
		}
	}
	skipped := len(ids) - len(queue)

	if len(queue) == 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.starting, reserved = false, false
		c.finishEmpty(len(ids))
		return &StartResult{
			State:            StateCompleted,
			TotalDocuments:   len(ids),
			SkippedDocuments: skipped,
		}, nil
	}

	sessionID := c.newSessionID()
	if err := c.store.StartSession(ctx, sessionID, len(queue)); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting, reserved = false, false

	c.state = StateRunning
	c.sessionID = sessionID
	c.submitted = len(ids)
	c.skipped = skipped
	c.total = len(queue)
	c.processed, c.successful, c.failed = 0, 0, 0
	c.errors = nil
	c.current = nil
	c.startedAt = c.now()
	c.stopRequested = false
	c.cancelItem = nil
	c.wake = make(chan struct{})
	c.done = make(chan struct{})

	c.metrics.BatchStarted()
	c.logger.WithSession(sessionID).Info().
		Int("total_documents", len(ids)).
		Int("skipped_documents", skipped).
		Int("queued_documents", len(queue)).
		Msg("Batch started")

	c.publish(events.TypeBatchStarted, batchStartedPayload{
		SessionID:        sessionID,
		TotalDocuments:   len(ids),
		SkippedDocuments: skipped,
		QueuedDocuments:  len(queue),
		StartedAt:        c.startedAt.UTC(),
	})

	go c.run(context.WithoutCancel(ctx), sessionID, queue, c.done)

	return &StartResult{
		SessionID:        sessionID,
		State:            StateRunning,
		TotalDocuments:   len(ids),
		SkippedDocuments: skipped,
		QueuedDocuments:  len(queue),
	}, nil
}

// reserve claims the batch slot for a Start in progress. It fails while a
// batch runs or another Start holds the slot.
func (c *Controller) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning || c.starting {
		return false
	}
	c.starting = true
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
}

// finishEmpty completes a submission whose documents were all skipped.
// No session is persisted. Caller holds mu.
func (c *Controller) finishEmpty(submitted int) {
	now := c.now()
	c.state = StateCompleted
	c.sessionID = ""
	c.submitted = submitted
	c.skipped = submitted
	c.total = 0
	c.processed, c.successful, c.failed = 0, 0, 0
	c.errors = nil
	c.current = nil
	c.startedAt = now
	c.stopRequested = false
	c.done = nil

	summary := &Summary{
		Status:           StateCompleted,
		TotalDocuments:   submitted,
		SkippedDocuments: submitted,
		Errors:           []ItemError{},
		StartedAt:        now.UTC(),
		CompletedAt:      now.UTC(),
	}
	c.last = summary

	c.logger.Info().Int("skipped_documents", submitted).Msg("All documents already processed")
	c.publish(events.TypeBatchCompleted, summary)
}

// Stop requests a cooperative stop and aborts the in-flight worker call.
// It returns false when no batch is running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return false
	}
	if !c.stopRequested {
		c.stopRequested = true
		close(c.wake)
		c.logger.WithSession(c.sessionID).Info().Msg("Stop requested")
	}
	if c.cancelItem != nil {
		c.cancelItem()
	}
	return true
}

// Status returns a point-in-time snapshot.
func (c *Controller) Status() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := StatusSnapshot{
		IsProcessing:        c.state == StateRunning,
		State:               c.state,
		SessionID:           c.sessionID,
		StopRequested:       c.stopRequested,
		TotalDocuments:      c.total,
		SkippedDocuments:    c.skipped,
		ProcessedDocuments:  c.processed,
		SuccessfulDocuments: c.successful,
		FailedDocuments:     c.failed,
		Errors:              append([]ItemError{}, c.errors...),
	}
	if c.current != nil {
		item := *c.current
		s.CurrentItem = &item
	}
	if c.total > 0 {
		s.ProgressPercentage = percent(c.processed, c.total)
	}
	if c.state != StateIdle {
		started := c.startedAt.UTC()
		s.StartedAt = &started
	}
	if c.state == StateRunning && c.processed > 0 {
		avg := c.now().Sub(c.startedAt) / time.Duration(c.processed)
		eta := c.startedAt.Add(avg * time.Duration(c.total)).UTC()
		s.EstimatedCompletion = &eta
	}
	return s
}

// Wait blocks until the current batch ends and returns its summary.
// With no batch running it returns the last summary, which may be nil.
func (c *Controller) Wait(ctx context.Context) (*Summary, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.LastSummary(), nil
}

// LastSummary returns the summary of the most recent finished batch.
func (c *Controller) LastSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	s := *c.last
	return &s
}

func (c *Controller) run(ctx context.Context, sessionID string, queue []int, done chan struct{}) {
	log := c.logger.WithSession(sessionID)
	var fault error

	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Errorf("panic: %v", r)
		}
		c.finish(ctx, sessionID, fault, done)
	}()

	for i, id := range queue {
		if c.stopping() {
			break
		}

		err := c.processItem(ctx, log, sessionID, i+1, len(queue), id)
		if errors.Is(err, errItemCancelled) {
			break
		}
		if err != nil {
			fault = err
			return
		}

		if i < len(queue)-1 {
			c.pause()
		}
	}
}

// processItem runs one document. Only store failures are returned;
// everything else is recorded on the attempt.
func (c *Controller) processItem(ctx context.Context, log *observability.Logger, sessionID string, index, total, documentID int) error {
	log = log.WithDocument(documentID)
	start := c.now()

	c.mu.Lock()
	c.current = &CurrentItem{DocumentID: documentID, Index: index, Total: total}
	c.mu.Unlock()

	c.publish(events.TypeItemStarted, itemStartedPayload{
		SessionID:  sessionID,
		DocumentID: documentID,
		Index:      index,
		Total:      total,
	})

	title := fmt.Sprintf("Document %d", documentID)
	meta, metaErr := c.source.FetchMetadata(ctx, documentID)
	if metaErr == nil && meta.Title != "" {
		title = meta.Title
	}

	c.mu.Lock()
	if c.current != nil {
		c.current.Title = title
	}
	c.mu.Unlock()

	attemptID, err := c.store.RecordAttemptStart(ctx, documentID, title)
	if err != nil {
		return err
	}

	item := itemContext{
		sessionID:  sessionID,
		documentID: documentID,
		title:      title,
		index:      index,
		total:      total,
		attemptID:  attemptID,
		start:      start,
	}

	if metaErr != nil {
		return c.itemFailed(ctx, log, item, fmt.Errorf("fetch metadata: %w", metaErr))
	}

	bin, err := c.source.FetchBinary(ctx, documentID)
	if err != nil {
		return c.itemFailed(ctx, log, item, fmt.Errorf("fetch document: %w", err))
	}

	filename, contentType := bin.Filename, bin.ContentType
	if filename == "" {
		filename = meta.OriginalFileName
	}
	if contentType == "" {
		contentType = meta.MimeType
	}

	itemCtx, cancel := context.WithCancel(ctx)
	c.setCancel(cancel)
	ext, err := c.worker.ExtractText(itemCtx, bin.Data, filename, contentType)
	c.setCancel(nil)
	cancel()

	if err != nil {
		if errors.Is(err, ocr.ErrCancelled) || (itemCtx.Err() != nil && c.stopping()) {
			if err := c.store.AbandonAttempt(ctx, attemptID); err != nil {
				return err
			}
			log.Info().Msg("In-flight document cancelled")
			return errItemCancelled
		}
		return c.itemFailed(ctx, log, item, err)
	}

	if err := c.source.PushText(ctx, documentID, ext.Text); err != nil {
		return c.itemFailed(ctx, log, item, fmt.Errorf("update document text: %w", err))
	}

	duration := c.now().Sub(start)
	if err := c.store.RecordSuccess(ctx, storage.SuccessRecord{
		AttemptID:       attemptID,
		DocumentID:      documentID,
		Title:           title,
		OriginalLength:  meta.ContentLengthHint,
		ExtractedLength: utf8.RuneCountInString(ext.Text),
		Duration:        duration,
		RawPayload:      ext.Raw,
	}); err != nil {
		return err
	}

	log.Info().
		Str("title", title).
		Int("extracted_length", utf8.RuneCountInString(ext.Text)).
		Dur("duration", duration).
		Msg("Document processed")

	return c.itemDone(ctx, item, duration, nil)
}

type itemContext struct {
	sessionID  string
	documentID int
	title      string
	index      int
	total      int
	attemptID  int64
	start      time.Time
}

func (c *Controller) itemFailed(ctx context.Context, log *observability.Logger, item itemContext, cause error) error {
	duration := c.now().Sub(item.start)
	if err := c.store.RecordFailure(ctx, storage.FailureRecord{
		AttemptID:    item.attemptID,
		DocumentID:   item.documentID,
		Title:        item.title,
		ErrorMessage: cause.Error(),
		Duration:     duration,
	}); err != nil {
		return err
	}

	log.Warn().Err(cause).Str("title", item.title).Msg("Document failed")
	return c.itemDone(ctx, item, duration, cause)
}

// itemDone updates counters, persists them and emits itemCompleted.
func (c *Controller) itemDone(ctx context.Context, item itemContext, duration time.Duration, cause error) error {
	status := "success"
	outcome := itemCompletedPayload{
		SessionID:  item.sessionID,
		DocumentID: item.documentID,
		Title:      item.title,
		Index:      item.index,
		Total:      item.total,
		DurationMs: duration.Milliseconds(),
	}

	c.mu.Lock()
	c.processed++
	if cause == nil {
		c.successful++
	} else {
		status = "failed"
		c.failed++
		c.errors = append(c.errors, ItemError{
			DocumentID: item.documentID,
			Title:      item.title,
			Error:      cause.Error(),
		})
		outcome.Error = cause.Error()
	}
	outcome.Status = status
	outcome.Processed = c.processed
	outcome.Successful = c.successful
	outcome.Failed = c.failed
	outcome.Progress = percent(c.processed, c.total)
	c.mu.Unlock()

	c.metrics.DocumentProcessed(status, duration)

	if err := c.store.UpdateSession(ctx, item.sessionID, outcome.Successful, outcome.Failed, storage.SessionStatusRunning); err != nil {
		return err
	}

	c.publish(events.TypeItemCompleted, outcome)
	return nil
}

// finish moves the controller to its terminal state. It always runs, however the loop ended.
func (c *Controller) finish(ctx context.Context, sessionID string, fault error, done chan struct{}) {
	defer close(done)
	log := c.logger.WithSession(sessionID)

	c.mu.Lock()
	status := StateCompleted
	switch {
	case fault != nil:
		status = StateFailed
	case c.stopRequested:
		status = StateStopped
	}
	successful, failed := c.successful, c.failed
	c.mu.Unlock()

	if err := c.store.UpdateSession(ctx, sessionID, successful, failed, storage.SessionStatus(status)); err != nil {
		if fault == nil {
			fault = fmt.Errorf("finalize session: %w", err)
			status = StateFailed
			// Best effort: the session may still accept a failed status.
			_ = c.store.UpdateSession(ctx, sessionID, successful, failed, storage.SessionStatusFailed)
		}
		log.Error().Err(err).Msg("Failed to persist session status")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	summary := &Summary{
		SessionID:           sessionID,
		Status:              status,
		TotalDocuments:      c.submitted,
		SkippedDocuments:    c.skipped,
		QueuedDocuments:     c.total,
		ProcessedDocuments:  c.processed,
		SuccessfulDocuments: c.successful,
		FailedDocuments:     c.failed,
		DurationMs:          now.Sub(c.startedAt).Milliseconds(),
		Errors:              append([]ItemError{}, c.errors...),
		StartedAt:           c.startedAt.UTC(),
		CompletedAt:         now.UTC(),
	}

	c.state = status
	c.current = nil
	c.cancelItem = nil
	c.last = summary

	c.metrics.BatchFinished(string(status))

	switch status {
	case StateFailed:
		f := &ControllerFault{SessionID: sessionID, Err: fault}
		summary.Error = f.Error()
		log.Error().Err(fault).Int("processed", summary.ProcessedDocuments).Msg("Batch failed")
		c.publish(events.TypeBatchFailed, summary)
	case StateStopped:
		log.Info().Int("processed", summary.ProcessedDocuments).Int64("duration_ms", summary.DurationMs).Msg("Batch stopped")
		c.publish(events.TypeBatchStopped, summary)
	default:
		log.Info().
			Int("successful", summary.SuccessfulDocuments).
			Int("failed", summary.FailedDocuments).
			Int64("duration_ms", summary.DurationMs).
			Msg("Batch completed")
		c.publish(events.TypeBatchCompleted, summary)
	}
}

func (c *Controller) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// setCancel installs the in-flight cancel func. A stop that landed before
// the call started cancels it at once.
func (c *Controller) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelItem = cancel
	if cancel != nil && c.stopRequested {
		cancel()
	}
}

// pause waits between items and returns early on stop.
func (c *Controller) pause() {
	if c.itemPause <= 0 {
		return
	}
	c.mu.Lock()
	wake := c.wake
	c.mu.Unlock()

	timer := time.NewTimer(c.itemPause)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
	}
}

func (c *Controller) publish(t events.Type, payload interface{}) {
	if c.publisher == nil {
		return
	}
	if _, err := c.publisher.Publish(t, payload); err != nil {
		c.logger.Error().Err(err).Str("event_type", string(t)).Msg("Failed to publish event")
	}
}

func normalizeIDs(ids []int) ([]int, error) {
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "documentIds", Message: "must contain at least one document ID"}
	}
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, &ValidationError{Field: "documentIds", Message: fmt.Sprintf("document ID %d is not a positive integer", id)}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
