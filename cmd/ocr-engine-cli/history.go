package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/paperless-ai/ocr-engine/internal/ocr"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

func newSessionsCmd() *cobra.Command {
	var (
		limit  int
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List batch sessions or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, release, err := openHistoryReader(ctx, remote)
			if err != nil {
				return err
			}
			defer release()
			ui := NewUI(outputJSON, noColor)

			if len(args) == 1 {
				session, err := store.GetSession(ctx, args[0])
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("session %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(session)
				}
				ui.Section("Session")
				ui.KeyValue("ID", session.SessionID)
				ui.KeyValue("Status", session.Status)
				ui.KeyValue("Documents", session.TotalDocuments)
				ui.KeyValue("Successful", session.SuccessfulDocuments)
				ui.KeyValue("Failed", session.FailedDocuments)
				ui.KeyValue("Started", FormatTime(&session.StartedAt))
				ui.KeyValue("Completed", FormatTime(session.CompletedAt))
				return nil
			}

			sessions, err := store.ListSessions(ctx, limit)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(map[string]interface{}{"sessions": sessions})
			}
			if len(sessions) == 0 {
				ui.Info("No sessions recorded")
				return nil
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, []string{
					s.SessionID,
					string(s.Status),
					strconv.Itoa(s.TotalDocuments),
					strconv.Itoa(s.SuccessfulDocuments),
					strconv.Itoa(s.FailedDocuments),
					FormatTime(&s.StartedAt),
					FormatTime(s.CompletedAt),
				})
			}
			ui.Table([]string{"Session", "Status", "Docs", "OK", "Failed", "Started", "Completed"}, rows)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	cmd.Flags().BoolVar(&remote, "remote", false, "read sessions from a running server")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "history [document-id]",
		Short: "Show recent attempts or the attempts of one document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, release, err := openHistoryReader(ctx, remote)
			if err != nil {
				return err
			}
			defer release()

			var attempts []*storage.ProcessingAttempt
			if len(args) == 1 {
				ids, err := parseDocumentIDs(args)
				if err != nil {
					return err
				}
				attempts, err = store.History(ctx, ids[0])
				if err != nil {
					return err
				}
			} else {
				attempts, err = store.RecentHistory(ctx, limit)
				if err != nil {
					return err
				}
			}

			if outputJSON {
				return printJSON(map[string]interface{}{"attempts": attempts})
			}
			ui := NewUI(false, noColor)
			if len(attempts) == 0 {
				ui.Info("No attempts recorded")
				return nil
			}
			ui.Table([]string{"ID", "Document", "Title", "Status", "Started", "Duration", "Chars", "Error"}, attemptRows(attempts))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum attempts to list")
	cmd.Flags().BoolVar(&remote, "remote", false, "read attempts from a running server")
	return cmd
}

// attemptRows formats attempts for a table.
func attemptRows(attempts []*storage.ProcessingAttempt) [][]string {
	rows := make([][]string, 0, len(attempts))
	for _, a := range attempts {
		duration, chars, msg := "-", "-", ""
		if a.ProcessingTimeMs != nil {
			duration = fmt.Sprintf("%dms", *a.ProcessingTimeMs)
		}
		if a.ExtractedContentLength != nil {
			chars = strconv.Itoa(*a.ExtractedContentLength)
		}
		if a.ErrorMessage != nil {
			msg = Truncate(*a.ErrorMessage, 50)
		}
		rows = append(rows, []string{
			strconv.FormatInt(a.ID, 10),
			strconv.Itoa(a.DocumentID),
			Truncate(a.DocumentTitle, 32),
			string(a.Status),
			FormatTime(&a.StartedAt),
			duration,
			chars,
			msg,
		})
	}
	return rows
}

func newTextCmd() *cobra.Command {
	var markdown bool

	cmd := &cobra.Command{
		Use:   "text <document-id>",
		Short: "Print the stored OCR text of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseDocumentIDs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			attempt, err := store.LatestSuccess(ctx, ids[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("document %d has no successful attempt", ids[0])
			}
			if err != nil {
				return err
			}
			if len(attempt.RawPayload) == 0 {
				return fmt.Errorf("document %d has no stored worker payload", ids[0])
			}
			extraction, err := ocr.Normalize(attempt.RawPayload)
			if err != nil {
				return fmt.Errorf("decode stored payload: %w", err)
			}

			if outputJSON {
				return printJSON(map[string]interface{}{
					"documentId":  attempt.DocumentID,
					"attemptId":   attempt.ID,
					"title":       attempt.DocumentTitle,
					"text":        extraction.Text,
					"markdown":    extraction.Markdown,
					"hasMarkdown": extraction.HasMarkdown,
					"shape":       extraction.Shape,
					"processedAt": attempt.StartedAt,
				})
			}
			if markdown && extraction.HasMarkdown {
				fmt.Println(extraction.Markdown)
				return nil
			}
			fmt.Println(extraction.Text)
			return nil
		},
	}

	cmd.Flags().BoolVar(&markdown, "markdown", false, "print the markdown rendition when available")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate processing statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := store.Statistics(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(stats)
			}

			ui := NewUI(false, noColor)
			ui.Section("Processing Statistics")
			ui.KeyValue("Total processed", stats.TotalProcessed)
			ui.KeyValue("Successful", stats.Successful)
			ui.KeyValue("Failed", stats.Failed)
			ui.KeyValue("Success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate))
			ui.KeyValue("Average duration", fmt.Sprintf("%.0fms", stats.AvgDurationMs))
			ui.KeyValue("Last processed", FormatTime(stats.LastProcessingDate))
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	var (
		all bool
		yes bool
	)

	cmd := &cobra.Command{
		Use:   "reset [document-id]",
		Short: "Delete recorded attempts so documents are processed again",
		Long: `Delete every recorded attempt of one document, or of all documents with
--all. Batch sessions are kept. Resetting everything requires --yes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("provide exactly one of a document ID or --all")
			}
			if all && !yes {
				return fmt.Errorf("refusing to delete all attempts without --yes")
			}

			ctx := cmd.Context()
			db, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			ui := NewUI(outputJSON, noColor)

			if all {
				n, err := store.ResetAll(ctx)
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(map[string]int64{"deleted": n})
				}
				ui.Success("Deleted %d attempts", n)
				return nil
			}

			ids, err := parseDocumentIDs(args)
			if err != nil {
				return err
			}
			n, err := store.ResetDocument(ctx, ids[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(map[string]interface{}{"documentId": ids[0], "deleted": n})
			}
			if n == 0 {
				ui.Info("Document %d had no recorded attempts", ids[0])
				return nil
			}
			ui.Success("Deleted %d attempts of document %d", n, ids[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reset every document")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm resetting every document")
	return cmd
}
