package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Defaults mirror the limits of the downstream upload platform.
const (
	DefaultMaxFileSizeKB       = 102400 // 100 MiB per merged output file
	DefaultMaxOutputFiles      = 300
	DefaultZipMaxNameLength    = 50
	DefaultZipNestedDepthLimit = 1
	DefaultZipMaxExtractBytes  = 2 << 30 // 2 GiB extraction budget per archive
	DefaultEmailMaxOutputMB    = 25
	DefaultWordTimeoutSeconds  = 120
	DefaultWordProgressEvery   = 10
	DefaultWordWorkers         = 2
)

// RelocateAction selects how files are materialized into the unprocessed or
// failed areas.
type RelocateAction string

const (
	ActionCopy         RelocateAction = "copy"
	ActionMove         RelocateAction = "move"
	ActionMetadataOnly RelocateAction = "metadata_only"
)

// PrivacyMode controls redaction of path-valued fields in the run logs.
type PrivacyMode string

const (
	PrivacyRedacted PrivacyMode = "redacted"
	PrivacyFull     PrivacyMode = "full"
)

// Config holds every knob for one merge run. It is validated once before any
// I/O and treated as immutable afterwards; components receive it by value and
// never mutate it.
type Config struct {
	InputPath  string `toml:"input_path"`
	OutputPath string `toml:"output_path"`

	// Batching limits.
	MaxFileSizeKB  int64 `toml:"max_file_size_kb"`
	MaxOutputFiles int   `toml:"max_output_files"`

	// Per-category enable flags.
	ProcessPDFs   bool `toml:"process_pdfs"`
	ProcessWord   bool `toml:"process_word"`
	ProcessEmails bool `toml:"process_emails"`

	// Archive handling.
	ProcessArchives        bool  `toml:"process_archives"`
	ZipMaxNameLength       int   `toml:"zip_max_filename_length"`
	ZipNameLimitIncludeExt bool  `toml:"zip_include_extension_in_limit"`
	ZipNestedDepthLimit    int   `toml:"zip_nested_depth_limit"`
	ZipMaxExtractBytes     int64 `toml:"zip_max_extract_bytes"`

	// Output layout.
	ProcessedSubdir   string `toml:"processed_subdir"`
	UnprocessedSubdir string `toml:"unprocessed_subdir"`
	FailedSubdir      string `toml:"failed_subdir"`
	LogsSubdir        string `toml:"logs_subdir"`

	// Unsupported files and failure artifacts.
	RelocateUnsupported bool           `toml:"relocate_unsupported"`
	UnsupportedAction   RelocateAction `toml:"unsupported_action"`
	FailedArtifacts     bool           `toml:"failed_artifacts"`
	FailedAction        RelocateAction `toml:"failed_action"`

	// Email output.
	EmailMaxOutputFileMB int    `toml:"email_max_output_file_mb"`
	EmailAttachmentIndex bool   `toml:"email_include_attachment_index"`
	EmailBatchNamePrefix string `toml:"email_batch_name_prefix"`

	// Word conversion.
	WordConverterCommand  string `toml:"word_converter_command"`
	WordTimeoutSeconds    int    `toml:"word_convert_timeout_seconds"`
	WordProgressInterval  int    `toml:"word_progress_interval"`
	WordConversionWorkers int    `toml:"word_conversion_workers"`

	// Run logging.
	DetailedLogging bool        `toml:"detailed_logging"`
	LogPrivacyMode  PrivacyMode `toml:"log_privacy_mode"`

	// Event-history database. Empty disables history recording.
	HistoryDBPath string `toml:"history_db_path"`
}

// Default returns a Config populated with the stock limits. Input and output
// paths must still be set by the caller.
func Default() Config {
	return Config{
		MaxFileSizeKB:          DefaultMaxFileSizeKB,
		MaxOutputFiles:         DefaultMaxOutputFiles,
		ProcessPDFs:            true,
		ProcessWord:            true,
		ProcessEmails:          true,
		ProcessArchives:        true,
		ZipMaxNameLength:       DefaultZipMaxNameLength,
		ZipNameLimitIncludeExt: true,
		ZipNestedDepthLimit:    DefaultZipNestedDepthLimit,
		ZipMaxExtractBytes:     DefaultZipMaxExtractBytes,
		ProcessedSubdir:        "processed",
		UnprocessedSubdir:      "unprocessed",
		FailedSubdir:           "failed",
		LogsSubdir:             "logs",
		RelocateUnsupported:    true,
		UnsupportedAction:      ActionCopy,
		FailedArtifacts:        true,
		FailedAction:           ActionCopy,
		EmailMaxOutputFileMB:   DefaultEmailMaxOutputMB,
		EmailAttachmentIndex:   true,
		EmailBatchNamePrefix:   "emails_batch",
		WordConverterCommand:   "soffice",
		WordTimeoutSeconds:     DefaultWordTimeoutSeconds,
		WordProgressInterval:   DefaultWordProgressEvery,
		WordConversionWorkers:  DefaultWordWorkers,
		DetailedLogging:        true,
		LogPrivacyMode:         PrivacyRedacted,
	}
}

// Load reads a TOML config file over the defaults. Flag overrides are applied
// by the caller afterwards.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// MaxFileSizeBytes returns the per-output byte budget for PDF and Word
// batches.
func (c Config) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeKB * 1024
}

// EmailMaxOutputBytes returns the per-output byte budget for email batches.
func (c Config) EmailMaxOutputBytes() int64 {
	return int64(c.EmailMaxOutputFileMB) * 1024 * 1024
}

// Validate checks the configuration for unusable or conflicting values. It
// performs no I/O; path existence is checked by the orchestrator during its
// Validating state.
func (c Config) Validate() error {
	if strings.TrimSpace(c.InputPath) == "" {
		return fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(c.OutputPath) == "" {
		return fmt.Errorf("output path is required")
	}
	if c.MaxFileSizeKB <= 0 {
		return fmt.Errorf("max_file_size_kb must be positive, got %d", c.MaxFileSizeKB)
	}
	if c.MaxOutputFiles <= 0 {
		return fmt.Errorf("max_output_files must be positive, got %d", c.MaxOutputFiles)
	}
	if !c.ProcessPDFs && !c.ProcessWord && !c.ProcessEmails {
		return fmt.Errorf("all processing categories are disabled")
	}
	if c.ZipMaxNameLength < 0 {
		return fmt.Errorf("zip_max_filename_length must not be negative, got %d", c.ZipMaxNameLength)
	}
	if c.ZipNestedDepthLimit < 0 {
		return fmt.Errorf("zip_nested_depth_limit must not be negative, got %d", c.ZipNestedDepthLimit)
	}
	if c.EmailMaxOutputFileMB <= 0 {
		return fmt.Errorf("email_max_output_file_mb must be positive, got %d", c.EmailMaxOutputFileMB)
	}
	switch c.UnsupportedAction {
	case ActionCopy, ActionMove:
	default:
		return fmt.Errorf("unsupported_action must be copy or move, got %q", c.UnsupportedAction)
	}
	switch c.FailedAction {
	case ActionCopy, ActionMove, ActionMetadataOnly:
	default:
		return fmt.Errorf("failed_action must be copy, move or metadata_only, got %q", c.FailedAction)
	}
	switch c.LogPrivacyMode {
	case PrivacyRedacted, PrivacyFull:
	default:
		return fmt.Errorf("log_privacy_mode must be redacted or full, got %q", c.LogPrivacyMode)
	}
	seen := map[string]string{}
	for name, value := range map[string]string{
		"processed_subdir":   c.ProcessedSubdir,
		"unprocessed_subdir": c.UnprocessedSubdir,
		"failed_subdir":      c.FailedSubdir,
		"logs_subdir":        c.LogsSubdir,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
		if other, dup := seen[value]; dup {
			return fmt.Errorf("%s and %s both resolve to %q", name, other, value)
		}
		seen[value] = name
	}
	if c.WordProgressInterval < 1 {
		return fmt.Errorf("word_progress_interval must be at least 1, got %d", c.WordProgressInterval)
	}
	if c.WordConversionWorkers < 1 {
		return fmt.Errorf("word_conversion_workers must be at least 1, got %d", c.WordConversionWorkers)
	}
	return nil
}
