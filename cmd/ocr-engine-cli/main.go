// Package main provides the OCR engine CLI entrypoint.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/paperless-ai/ocr-engine/internal/app"
	"github.com/paperless-ai/ocr-engine/internal/config"
	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/storage"
	"github.com/paperless-ai/ocr-engine/pkg/engine"
)

var version = "0.1.0"

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool
	noColor    bool
	serverURL  string
	apiKey     string

	// Configuration and logger
	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "ocr-engine-cli",
	Short: "OCR engine CLI for batch processing and administration",
	Long: `OCR engine CLI runs OCR batches over Paperless-NGX documents and
inspects their recorded outcomes.

Use this tool to:
- Run a batch in-process or submit one to a running server
- Watch the live event stream of a server
- Inspect statistics, attempt history and sessions
- Reset recorded outcomes so documents are processed again
- Check worker, archive and database health

All commands support --json for automation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      logFormat,
			Output:      os.Stderr,
			ServiceName: "ocr-engine-cli",
		})

		if serverURL == "" {
			serverURL = os.Getenv("OCR_ENGINE_URL")
		}
		if serverURL == "" {
			serverURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		if apiKey == "" {
			apiKey = os.Getenv("OCR_ENGINE_API_KEY")
		}
		if apiKey == "" && len(cfg.Auth.APIKeys) > 0 {
			apiKey = cfg.Auth.APIKeys[0]
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "OCR engine API URL for remote commands (default: $OCR_ENGINE_URL or localhost)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for remote commands (default: $OCR_ENGINE_API_KEY)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newTextCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				printJSON(map[string]string{"version": version})
				return
			}
			fmt.Printf("ocr-engine-cli v%s\n", version)
		},
	}
}

// openStore opens the configured database with migrations applied.
func openStore(ctx context.Context) (*sql.DB, *storage.OutcomeStore, error) {
	db, store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return db, store, nil
}

// newAPIClient creates an SDK client for the configured server.
func newAPIClient() (*engine.Client, error) {
	return engine.NewClient(engine.ClientConfig{BaseURL: serverURL, APIKey: apiKey})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDocumentIDs parses positional document IDs.
func parseDocumentIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(arg)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid document ID %q: must be a positive integer", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
