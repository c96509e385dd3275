package cmd

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"docbatch/internal/config"
	"docbatch/internal/history"
)

var (
	// Config flags - bound in init()
	cfgFile       string
	inputPath     string
	outputPath    string
	historyDBPath string
	logFormat     string
	logLevel      string
	detailedLogs  bool
	privacyMode   string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	historyDB  *sql.DB
	appConfig  config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "docbatch",
	Short: "Merge mixed document folders into upload-ready batches.",
	Long: `Docbatch walks an input folder (or a single zip archive), expands archives
safely, and merges the contents into size-capped upload batches: PDF files are
concatenated, Word documents are converted and concatenated, and emails are
threaded into text batch files. Unsupported files are relocated and every file
disposition is recorded in a merge manifest.

The primary command is 'run'. 'tui' starts the interactive frontend and
'state' inspects the run history database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if logFormat == "json" {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(os.Stderr, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)

		if cfgFile != "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			appConfig = cfg
			rootLogger.Info("loaded config file", "path", cfgFile)
		} else {
			appConfig = config.Default()
		}

		// Flags override the config file.
		if cmd.Flags().Changed("input") || appConfig.InputPath == "" {
			appConfig.InputPath = inputPath
		}
		if cmd.Flags().Changed("output") || appConfig.OutputPath == "" {
			appConfig.OutputPath = outputPath
		}
		if cmd.Flags().Changed("history-db") {
			appConfig.HistoryDBPath = historyDBPath
		}
		if cmd.Flags().Changed("detailed-logging") {
			appConfig.DetailedLogging = detailedLogs
		}
		if cmd.Flags().Changed("log-privacy") {
			appConfig.LogPrivacyMode = config.PrivacyMode(privacyMode)
		}

		if appConfig.HistoryDBPath != "" {
			if dir := filepath.Dir(appConfig.HistoryDBPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create history database directory %s: %w", dir, err)
				}
			}
			db, err := history.Open(appConfig.HistoryDBPath)
			if err != nil {
				return err
			}
			historyDB = db
			rootLogger.Debug("history database opened", "path", appConfig.HistoryDBPath)
		}

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if historyDB != nil {
			if err := historyDB.Close(); err != nil {
				rootLogger.Error("failed to close history database cleanly", "error", err)
			}
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(stateCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file; flags override its values")
	rootCmd.PersistentFlags().StringVarP(&inputPath, "input", "i", "", "Input folder or zip archive to merge")
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "Output root for processed/unprocessed/failed/logs")
	rootCmd.PersistentFlags().StringVarP(&historyDBPath, "history-db", "d", "", "Path to the run history sqlite database (empty disables history)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Console log format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Console log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&detailedLogs, "detailed-logging", true, "Write debug-level detail into the run log files")
	rootCmd.PersistentFlags().StringVar(&privacyMode, "log-privacy", string(config.PrivacyRedacted), "Run log path privacy (redacted or full)")

	rootCmd.Version = "0.3.0"
}

// Helper to get logger (could use context propagation instead)
func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

// Helper to get history DB; nil when history is disabled.
func getHistoryDB() *sql.DB {
	return historyDB
}

// Helper to get Config
func getConfig() config.Config {
	return appConfig
}
