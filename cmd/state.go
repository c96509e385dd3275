package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docbatch/internal/history"
)

var (
	stateLimit       int
	stateFilterEvent string
	stateRecent      bool
)

// stateCmd views the run history event log
var stateCmd = &cobra.Command{
	Use:   "state [run_id]",
	Short: "View the event log history for past runs",
	Long: `Queries the run history database and displays recorded run events.
Specify a run id as an optional argument to show one run's full history.
Use --recent for a one-line-per-run overview instead of raw events.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		db := getHistoryDB()
		if db == nil {
			return fmt.Errorf("run history is disabled; set --history-db or history_db_path in the config file")
		}

		runFilter := ""
		if len(args) > 0 {
			runFilter = args[0]
		}

		if stateRecent {
			runs, err := history.ListRecentRuns(context.Background(), db, stateLimit)
			if err != nil {
				logger.Error("failed to list recent runs", "error", err)
				return err
			}
			fmt.Printf("--- Recent Runs (Limit %d) ---\n", stateLimit)
			fmt.Printf("%-28s | %-14s | %-25s | %-7s | %s\n", "Run", "Last Event", "Timestamp (UTC)", "Events", "Detail")
			for _, r := range runs {
				fmt.Printf("%-28s | %-14s | %-25s | %-7d | %s\n",
					r.RunID, r.LastEvent, r.LastTime.UTC().Format("2006-01-02T15:04:05Z"), r.Events, r.LastDetail)
			}
			fmt.Printf("Displayed %d runs.\n", len(runs))
			return nil
		}

		if runFilter != "" {
			completed, err := history.RunCompleted(context.Background(), db, runFilter)
			if err != nil {
				logger.Error("failed to check run completion", "run", runFilter, "error", err)
				return err
			}
			last, at, detail, found, err := history.GetLatestRunEvent(context.Background(), db, runFilter)
			if err != nil {
				logger.Error("failed to fetch latest run event", "run", runFilter, "error", err)
				return err
			}
			if !found {
				return fmt.Errorf("no recorded events for run %q", runFilter)
			}
			status := "incomplete"
			if completed {
				status = "completed"
			}
			fmt.Printf("Run %s: %s (last event %s at %s", runFilter, status, last, at.UTC().Format("2006-01-02T15:04:05Z"))
			if detail != "" {
				fmt.Printf(": %s", detail)
			}
			fmt.Println(")")
		}

		logger.Debug("querying run event log", "run_filter", runFilter, "event_filter", stateFilterEvent, "limit", stateLimit)
		if err := history.DisplayRunHistory(context.Background(), db, runFilter, stateFilterEvent, stateLimit); err != nil {
			logger.Error("failed to display run history", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of records displayed")
	stateCmd.Flags().StringVarP(&stateFilterEvent, "event", "e", "", "Filter records by event type (e.g., run_start, run_done, run_aborted)")
	stateCmd.Flags().BoolVar(&stateRecent, "recent", false, "Show a one-line summary per run instead of raw events")
}
