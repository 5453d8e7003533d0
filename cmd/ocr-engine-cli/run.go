package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"github.com/paperless-ai/ocr-engine/internal/app"
	"github.com/paperless-ai/ocr-engine/internal/batch"
	"github.com/paperless-ai/ocr-engine/internal/events"
	"github.com/paperless-ai/ocr-engine/pkg/engine"
)

// itemProgress is the subset of item event payloads the CLI renders.
type itemProgress struct {
	DocumentID int    `json:"documentId"`
	Title      string `json:"title"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	Processed  int    `json:"processed"`
}

// errStreamDone ends an event stream once a terminal event arrived.
var errStreamDone = errors.New("stream done")

func newRunCmd() *cobra.Command {
	var (
		all    bool
		noSkip bool
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "run [document-ids...]",
		Short: "Run an OCR batch",
		Long: `Run an OCR batch over the given Paperless document IDs.

By default the batch runs in this process against the configured database,
archive and OCR worker. With --remote the batch is submitted to a running
OCR engine server and followed through its event stream.

Documents with a recorded success are skipped unless --no-skip is given.
Press Ctrl+C to stop the batch after the current document.`,
		Example: `  # Process three documents
  ocr-engine-cli run 12 15 18

  # Process the whole archive on a server
  ocr-engine-cli run --all --remote --server http://ocr:3001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all cannot be combined with document IDs")
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("provide document IDs or --all")
			}
			ids, err := parseDocumentIDs(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if remote {
				return runRemote(ctx, ids, all, !noSkip)
			}
			return runLocal(ctx, ids, all, !noSkip)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "process every document in the archive")
	cmd.Flags().BoolVar(&noSkip, "no-skip", false, "reprocess documents that already succeeded")
	cmd.Flags().BoolVar(&remote, "remote", false, "submit the batch to a running server")

	return cmd
}

// runLocal runs the batch in-process and renders it from the broadcaster.
func runLocal(ctx context.Context, ids []int, all, skipProcessed bool) error {
	ui := NewUI(outputJSON, noColor)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if all {
		spinner := NewSpinner("Listing archive documents...")
		spinner.Start()
		ids, err = a.Paperless.ListDocumentIDs(ctx)
		spinner.Stop()
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		ui.Info("Found %d documents in the archive", len(ids))
	}

	if !a.Worker.HealthCheck(ctx) {
		ui.Warning("OCR worker at %s is not responding; documents will fail", a.Worker.BaseURL())
	}

	sub := a.Broadcaster.Subscribe()
	defer sub.Close()

	res, err := a.Controller.Start(ctx, ids, skipProcessed)
	if err != nil {
		return err
	}
	if res.QueuedDocuments == 0 {
		if outputJSON {
			return printJSON(a.Controller.LastSummary())
		}
		ui.Success("All %d documents already processed", res.TotalDocuments)
		return nil
	}

	ui.Info("Session %s: %d queued, %d skipped", res.SessionID, res.QueuedDocuments, res.SkippedDocuments)
	bar := ui.ProgressBar("OCR", int64(res.QueuedDocuments))

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for {
			select {
			case ev := <-sub.C():
				if renderLocalEvent(bar, ev) {
					return
				}
			case <-sub.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		if a.Controller.Stop() {
			ui.Warning("Stopping after the current document...")
		}
	}()

	summary, err := a.Controller.Wait(context.Background())
	if err != nil {
		return err
	}
	select {
	case <-rendered:
	case <-time.After(time.Second):
	}
	if bar != nil {
		bar.Abort(false)
	}
	ui.Close()

	return printSummary(ui, summary)
}

// renderLocalEvent advances the bar and reports whether the batch ended.
func renderLocalEvent(bar *mpb.Bar, ev events.Event) bool {
	switch ev.Type {
	case events.TypeItemCompleted:
		var item itemProgress
		if err := ev.Decode(&item); err != nil {
			return false
		}
		if bar != nil {
			bar.SetCurrent(int64(item.Processed))
		}
		if item.Status == "failed" {
			logger.Warn().Int("document_id", item.DocumentID).Str("error", item.Error).Msg("Document failed")
		}
	case events.TypeBatchCompleted, events.TypeBatchStopped, events.TypeBatchFailed:
		return true
	}
	return false
}

// runRemote submits the batch to a server and follows its event stream.
func runRemote(ctx context.Context, ids []int, all, skipProcessed bool) error {
	if all {
		return fmt.Errorf("--all is only supported for local runs; list document IDs explicitly")
	}

	ui := NewUI(outputJSON, noColor)
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	res, err := client.StartBatch(ctx, engine.StartBatchRequest{DocumentIDs: ids, SkipProcessed: &skipProcessed})
	if err != nil {
		if engine.IsConflict(err) {
			return fmt.Errorf("a batch is already running on %s", serverURL)
		}
		return err
	}
	if res.QueuedDocuments == 0 {
		if outputJSON {
			return printJSON(res)
		}
		ui.Success("All %d documents already processed", res.TotalDocuments)
		return nil
	}

	ui.Info("Session %s: %d queued, %d skipped", res.SessionID, res.QueuedDocuments, res.SkippedDocuments)
	return followStream(ctx, ui, client, true)
}

// followStream renders the server event stream until the batch ends.
// When stopOnInterrupt is set, cancelling ctx asks the server to stop the batch
// and the stream is followed until the terminal event.
func followStream(ctx context.Context, ui *UI, client *engine.Client, stopOnInterrupt bool) error {
	streamCtx := ctx
	if stopOnInterrupt {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-ctx.Done():
				ui.Warning("Stopping after the current document...")
				if err := client.StopBatch(context.Background()); err != nil && !engine.IsConflict(err) {
					logger.Warn().Err(err).Msg("Stop request failed")
				}
			case <-streamCtx.Done():
			}
		}()
	}

	r := newStreamRenderer(ui, !outputJSON)
	err := client.Stream(streamCtx, r.handle)
	return r.finish(ctx, err)
}

// streamRenderer turns lifecycle events into progress output. It serves both
// the server event stream and the redis relay.
type streamRenderer struct {
	ui       *UI
	bars     bool
	progress *StreamProgress
	summary  *batch.Summary
}

func newStreamRenderer(ui *UI, bars bool) *streamRenderer {
	return &streamRenderer{ui: ui, bars: bars}
}

// ensureBar creates the progress bar on the first event that carries a total.
func (r *streamRenderer) ensureBar(total, processed int) {
	if !r.bars || total <= 0 {
		return
	}
	if r.progress == nil {
		r.progress = NewStreamProgress(int64(total), "OCR")
	}
	r.progress.Set(processed)
}

// handle renders one event and returns errStreamDone once the batch ended.
func (r *streamRenderer) handle(ev events.Event) error {
	if outputJSON && ev.Type != events.TypeKeepalive {
		printJSON(ev)
	}
	switch ev.Type {
	case events.TypeStatus:
		var st engine.Status
		if err := ev.Decode(&st); err != nil {
			return err
		}
		if !st.IsProcessing {
			r.ui.Info("No batch is running (last state: %s)", st.State)
			return errStreamDone
		}
		r.ensureBar(st.TotalDocuments, st.ProcessedDocuments)
	case events.TypeBatchStarted:
		var st engine.StartBatchResponse
		if err := ev.Decode(&st); err != nil {
			return err
		}
		if r.progress != nil {
			r.progress.Finish()
			r.progress = nil
		}
		r.ensureBar(st.QueuedDocuments, 0)
	case events.TypeItemStarted:
		var item itemProgress
		if err := ev.Decode(&item); err == nil {
			r.ensureBar(item.Total, item.Index-1)
			if r.progress != nil {
				r.progress.Describe(fmt.Sprintf("OCR #%d", item.DocumentID))
			}
		}
	case events.TypeItemCompleted:
		var item itemProgress
		if err := ev.Decode(&item); err != nil {
			return err
		}
		r.ensureBar(item.Total, item.Processed)
		if item.Status == "failed" {
			logger.Warn().Int("document_id", item.DocumentID).Str("error", item.Error).Msg("Document failed")
		}
	case events.TypeBatchCompleted, events.TypeBatchStopped, events.TypeBatchFailed:
		r.summary = &batch.Summary{}
		if err := ev.Decode(r.summary); err != nil {
			return err
		}
		return errStreamDone
	}
	return nil
}

// finish closes the bar and prints the summary. A stream ended by the
// caller's own cancellation is not an error.
func (r *streamRenderer) finish(ctx context.Context, err error) error {
	if r.progress != nil {
		r.progress.Finish()
	}
	if err != nil && !errors.Is(err, errStreamDone) {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if r.summary == nil || outputJSON {
		return nil
	}
	return printSummary(r.ui, r.summary)
}

// printSummary renders a terminal batch report.
func printSummary(ui *UI, summary *batch.Summary) error {
	if summary == nil {
		return nil
	}
	if outputJSON {
		return printJSON(summary)
	}

	ui.Section("Batch Summary")
	if summary.SessionID != "" {
		ui.KeyValue("Session", summary.SessionID)
	}
	ui.KeyValue("Status", summary.Status)
	ui.KeyValue("Submitted", summary.TotalDocuments)
	ui.KeyValue("Skipped", summary.SkippedDocuments)
	ui.KeyValue("Processed", fmt.Sprintf("%d / %d", summary.ProcessedDocuments, summary.QueuedDocuments))
	ui.KeyValue("Successful", summary.SuccessfulDocuments)
	ui.KeyValue("Failed", summary.FailedDocuments)
	ui.KeyValue("Duration", FormatDuration(time.Duration(summary.DurationMs)*time.Millisecond))

	if len(summary.Errors) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(summary.Errors))
		for _, e := range summary.Errors {
			rows = append(rows, []string{fmt.Sprint(e.DocumentID), Truncate(e.Title, 40), Truncate(e.Error, 60)})
		}
		ui.Table([]string{"Document", "Title", "Error"}, rows)
	}

	switch summary.Status {
	case batch.StateFailed:
		ui.Error("Batch failed: %s", summary.Error)
		return fmt.Errorf("batch failed")
	case batch.StateStopped:
		ui.Warning("Batch stopped before completion")
	default:
		ui.Success("Batch completed")
	}
	return nil
}
