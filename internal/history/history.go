// Package history persists a durable event log of runs in a local sqlite
// database, so past runs can be inspected after their output directories are
// gone.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // driver
)

// Event types recorded per run and per file.
const (
	EventRunStart      = "run_start"
	EventRunDone       = "run_done"
	EventRunAborted    = "run_aborted"
	EventStage         = "stage"
	EventOutputWritten = "output_written"
	EventFileFailed    = "file_failed"
	EventFileSkipped   = "file_skipped"
	EventRelocated     = "relocated"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS run_event_log (
    log_id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id          TEXT NOT NULL,
    event           TEXT NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    source_path     TEXT,
    output_path     TEXT,
    message         TEXT,
    duration_ms     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_run_event_log_run ON run_event_log (run_id, event_timestamp);
CREATE INDEX IF NOT EXISTS idx_run_event_log_event ON run_event_log (event, event_timestamp);
`

// Open opens (creating if needed) the history database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)
	if err := InitializeSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// InitializeSchema creates the event log table and indices.
func InitializeSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema setup: %w", err)
	}
	return nil
}

// LogRunEvent inserts one event record for a run.
func LogRunEvent(ctx context.Context, db *sql.DB, runID, event, sourcePath, outputPath, message string, duration *time.Duration) error {
	query := `
        INSERT INTO run_event_log (run_id, event, event_timestamp, source_path, output_path, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if duration != nil {
		durationMs = sql.NullInt64{Int64: duration.Milliseconds(), Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		runID,
		event,
		time.Now().UTC(),
		sql.NullString{String: sourcePath, Valid: sourcePath != ""},
		sql.NullString{String: outputPath, Valid: outputPath != ""},
		sql.NullString{String: message, Valid: message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for run '%s': %w", event, runID, err)
	}
	return nil
}

// GetLatestRunEvent retrieves the most recent event record for a run.
func GetLatestRunEvent(ctx context.Context, db *sql.DB, runID string) (event string, timestamp time.Time, message string, found bool, err error) {
	query := `
        SELECT event, event_timestamp, message
        FROM run_event_log
        WHERE run_id = ?
        ORDER BY event_timestamp DESC, log_id DESC
        LIMIT 1;
    `
	var msg sql.NullString
	row := db.QueryRowContext(ctx, query, runID)
	err = row.Scan(&event, &timestamp, &msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, "", false, nil
		}
		return "", time.Time{}, "", false, fmt.Errorf("failed query latest event for run '%s': %w", runID, err)
	}
	return event, timestamp, msg.String, true, nil
}

// RunCompleted reports whether a run ever reached run_done.
func RunCompleted(ctx context.Context, db *sql.DB, runID string) (bool, error) {
	query := `SELECT 1 FROM run_event_log WHERE run_id = ? AND event = ? LIMIT 1;`
	var exists int
	row := db.QueryRowContext(ctx, query, runID, EventRunDone)
	err := row.Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed check completion for run '%s': %w", runID, err)
	}
	return true, nil
}

// RunSummary is one row of the recent-runs listing.
type RunSummary struct {
	RunID      string
	LastEvent  string
	LastTime   time.Time
	LastDetail string
	Events     int
}

// ListRecentRuns returns the most recently active runs, newest first.
func ListRecentRuns(ctx context.Context, db *sql.DB, limit int) ([]RunSummary, error) {
	query := `
        WITH latest AS (
            SELECT
                run_id, event, event_timestamp, message,
                ROW_NUMBER() OVER(PARTITION BY run_id ORDER BY event_timestamp DESC, log_id DESC) AS rn,
                COUNT(*) OVER(PARTITION BY run_id) AS events
            FROM run_event_log
        )
        SELECT run_id, event, event_timestamp, message, events
        FROM latest WHERE rn = 1
        ORDER BY event_timestamp DESC
        LIMIT ?;
    `
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var s RunSummary
		var msg sql.NullString
		if err := rows.Scan(&s.RunID, &s.LastEvent, &s.LastTime, &msg, &s.Events); err != nil {
			return nil, fmt.Errorf("failed to scan run summary row: %w", err)
		}
		s.LastDetail = msg.String
		summaries = append(summaries, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run summaries: %w", err)
	}
	return summaries, nil
}

// DisplayRunHistory queries and prints the event log, optionally filtered by
// run and event type.
func DisplayRunHistory(ctx context.Context, db *sql.DB, runFilter, eventFilter string, limit int) error {
	query := `
        SELECT run_id, event, event_timestamp, message, duration_ms, source_path, output_path
        FROM run_event_log
    `
	conditions := []string{}
	args := []any{}

	if runFilter != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, runFilter)
	}
	if eventFilter != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, eventFilter)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY event_timestamp DESC, log_id DESC LIMIT ?"
	args = append(args, limit)

	fmt.Printf("--- Run Event History (Limit %d) ---\n", limit)
	fmt.Printf("%-28s | %-16s | %-25s | %-10s | %s\n", "Run", "Event", "Timestamp (UTC)", "DurationMS", "Details")
	fmt.Println(strings.Repeat("-", 120))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query run event log: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var runID, event string
		var timestamp time.Time
		var message, sourcePath, outputPath sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&runID, &event, &timestamp, &message, &durationMs, &sourcePath, &outputPath); err != nil {
			return fmt.Errorf("failed to scan run event row: %w", err)
		}

		durationStr := ""
		if durationMs.Valid {
			durationStr = fmt.Sprintf("%d", durationMs.Int64)
		}

		details := message.String
		if sourcePath.Valid && sourcePath.String != "" {
			details += fmt.Sprintf(" (Source: %s)", filepath.Base(sourcePath.String))
		}
		if outputPath.Valid && outputPath.String != "" {
			details += fmt.Sprintf(" (Output: %s)", filepath.Base(outputPath.String))
		}

		fmt.Printf("%-28s | %-16s | %-25s | %-10s | %s\n",
			runID, event, timestamp.Format(time.RFC3339), durationStr, details)
		count++
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating run event rows: %w", err)
	}
	fmt.Printf("Displayed %d records.\n", count)
	return nil
}
