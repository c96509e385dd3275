package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"docbatch/internal/orchestrator"
)

// Flags for the run command
var (
	runQuiet          bool
	runMaxOutputFiles int
	runMaxFileSizeKB  int64
	runSkipPDFs       bool
	runSkipWord       bool
	runSkipEmails     bool
)

// runCmd performs one headless merge run
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one merge end to end and write the manifest",
	Long: `Performs the complete merge pipeline:
1. Validates the configuration and bootstraps the output layout.
2. Expands zip archives into per-archive groups, rejecting unsafe entries.
3. Classifies every file and relocates unsupported ones.
4. Merges PDFs, converts and merges Word documents, and threads emails into
   batch files, all capped by the output byte and file budgets.
5. Writes merge_manifest.json accounting for every discovered file.

Interrupting the run (Ctrl+C) cancels processing; the manifest is still
written for whatever completed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		if cmd.Flags().Changed("max-output-files") {
			cfg.MaxOutputFiles = runMaxOutputFiles
		}
		if cmd.Flags().Changed("max-file-size-kb") {
			cfg.MaxFileSizeKB = runMaxFileSizeKB
		}
		if runSkipPDFs {
			cfg.ProcessPDFs = false
		}
		if runSkipWord {
			cfg.ProcessWord = false
		}
		if runSkipEmails {
			cfg.ProcessEmails = false
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := []orchestrator.Option{}
		if !runQuiet {
			opts = append(opts, orchestrator.WithConsole(os.Stderr))
		}
		if db := getHistoryDB(); db != nil {
			opts = append(opts, orchestrator.WithHistory(db))
		}

		logger.Info("starting merge run", "input", cfg.InputPath, "output", cfg.OutputPath)
		result, err := orchestrator.New(cfg, logger, opts...).Run(ctx)
		if err != nil {
			if result != nil && result.ManifestPath != "" {
				logger.Error("merge run aborted", "run_id", result.RunID, "manifest", result.ManifestPath)
			}
			return fmt.Errorf("merge run failed: %w", err)
		}

		doc := result.Document
		logger.Info("merge run completed",
			"run_id", result.RunID,
			"inputs", doc.Summary.InputFilesTotal,
			"outputs", doc.Summary.ProcessedOutputsTotal,
			"relocated", doc.Summary.UnprocessedRelocated,
			"failed", doc.Summary.FailedFilesTotal,
			"manifest", result.ManifestPath,
		)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress the run log mirror on stderr")
	runCmd.Flags().IntVar(&runMaxOutputFiles, "max-output-files", 0, "Override the output file ceiling for this run")
	runCmd.Flags().Int64Var(&runMaxFileSizeKB, "max-file-size-kb", 0, "Override the per-output size budget for this run")
	runCmd.Flags().BoolVar(&runSkipPDFs, "skip-pdfs", false, "Skip the PDF merge lane")
	runCmd.Flags().BoolVar(&runSkipWord, "skip-word", false, "Skip the Word conversion lane")
	runCmd.Flags().BoolVar(&runSkipEmails, "skip-emails", false, "Skip the email threading lane")
}
