package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paperless-ai/ocr-engine/internal/cache"
	"github.com/paperless-ai/ocr-engine/internal/events"
	"github.com/paperless-ai/ocr-engine/pkg/engine"
)

func newWatchCmd() *cobra.Command {
	var relay bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the running batch on a server",
		Long: `Connect to the server event stream and render the running batch until
it completes, stops or fails. Interrupting the watch leaves the batch running.

With --relay the events are read from the redis channel the server mirrors
them to (events.redis_relay), without an HTTP connection to the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ui := NewUI(outputJSON, noColor)

			if relay {
				return watchRelay(ctx, ui)
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			return followStream(ctx, ui, client, false)
		},
	}

	cmd.Flags().BoolVar(&relay, "relay", false, "follow events from the redis relay channel instead of the server")
	return cmd
}

// watchRelay renders events mirrored to the configured redis channel until
// the batch ends or ctx is cancelled.
func watchRelay(ctx context.Context, ui *UI) error {
	if cfg.Cache.Driver != "redis" {
		return fmt.Errorf("--relay requires cache.driver redis (got %q)", cfg.Cache.Driver)
	}
	backend, err := cache.New(cacheOptions())
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer backend.Close()

	relayed, unsubscribe, err := events.SubscribeRelay(ctx, backend, cfg.Events.RedisChannel)
	if err != nil {
		return fmt.Errorf("subscribe to relay: %w", err)
	}
	defer unsubscribe()

	ui.Info("Waiting for events on %s", cfg.Cache.Redis.Addr)
	return followRelay(ctx, newStreamRenderer(ui, !outputJSON), relayed)
}

// followRelay feeds relayed events to r until a terminal event or until the
// channel closes.
func followRelay(ctx context.Context, r *streamRenderer, relayed <-chan events.Event) error {
	for ev := range relayed {
		if err := r.handle(ev); err != nil {
			return r.finish(ctx, err)
		}
	}
	return r.finish(ctx, ctx.Err())
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the batch controller status of a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(st)
			}
			printStatus(NewUI(false, noColor), st)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Request the running batch on a server to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			ui := NewUI(outputJSON, noColor)
			if err := client.StopBatch(cmd.Context()); err != nil {
				if engine.IsConflict(err) {
					ui.Info("No batch is running")
					return nil
				}
				return err
			}
			ui.Success("Stop requested; the batch ends after the current document")
			return nil
		},
	}
}

// printStatus renders a controller snapshot.
func printStatus(ui *UI, st *engine.Status) {
	ui.Section("Batch Status")
	ui.KeyValue("State", st.State)
	if st.SessionID != "" {
		ui.KeyValue("Session", st.SessionID)
	}
	if !st.IsProcessing && st.SessionID == "" && st.TotalDocuments == 0 {
		return
	}

	ui.KeyValue("Progress", fmt.Sprintf("%d / %d (%.1f%%)", st.ProcessedDocuments, st.TotalDocuments, st.ProgressPercentage))
	ui.KeyValue("Successful", st.SuccessfulDocuments)
	ui.KeyValue("Failed", st.FailedDocuments)
	ui.KeyValue("Skipped", st.SkippedDocuments)
	if st.CurrentItem != nil {
		label := fmt.Sprintf("#%d (%d of %d)", st.CurrentItem.DocumentID, st.CurrentItem.Index, st.CurrentItem.Total)
		if st.CurrentItem.Title != "" {
			label += " " + st.CurrentItem.Title
		}
		ui.KeyValue("Current", label)
	}
	ui.KeyValue("Started", FormatTime(st.StartedAt))
	if st.EstimatedCompletion != nil {
		ui.KeyValue("ETA", fmt.Sprintf("%s (in %s)", FormatTime(st.EstimatedCompletion), FormatDuration(time.Until(*st.EstimatedCompletion).Round(time.Second))))
	}
	if st.StopRequested {
		ui.Warning("Stop requested")
	}

	if len(st.Errors) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(st.Errors))
		for _, e := range st.Errors {
			rows = append(rows, []string{fmt.Sprint(e.DocumentID), Truncate(e.Title, 40), Truncate(e.Error, 60)})
		}
		ui.Table([]string{"Document", "Title", "Error"}, rows)
	}
}
