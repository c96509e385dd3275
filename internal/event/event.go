// Package event defines the structured warning/error events that non-fatal
// failures are reported through. Operations return or emit events alongside
// their results instead of logging into a hidden global.
package event

// Severity classifies an event for the manifest and the logs.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event codes. The code is the stable machine-readable identity of an event;
// the message is for humans. The first underscore-delimited token of a code
// doubles as the failure stage used for artifact foldering.
const (
	// Archive extraction.
	CodeEntrySkippedUnsafePath = "zip_entry_skipped_unsafe_path"
	CodeEntrySuspiciousRatio   = "zip_entry_suspicious_ratio"
	CodeExtractBudgetExceeded  = "zip_extraction_budget_exceeded"
	CodeEntryExtractFailed     = "zip_entry_extract_failed"
	CodeExtractFailed          = "zip_extract_failed"
	CodeNestedDepthExceeded    = "zip_nested_depth_exceeded"
	CodeEmptyAfterExtraction   = "zip_empty_after_extraction"

	// Batching.
	CodeOversizedUnit = "batch_oversized_unit"

	// PDF merging.
	CodePDFUnreadable  = "pdf_unreadable"
	CodePDFEmptyBatch  = "pdf_empty_batch"
	CodePDFStatFailed  = "pdf_stat_failed"
	CodePDFMergeFailed = "pdf_merge_failed"

	// Word conversion.
	CodeWordConvertFailed  = "word_to_pdf_failed"
	CodeWordConvertTimeout = "word_to_pdf_timeout"
	CodeWordNoOutputs      = "word_conversion_no_outputs"

	// Email processing.
	CodeEmailExtractFailed    = "email_extract_failed"
	CodeThreadExceedsBatchCap = "email_thread_exceeds_batch_cap"

	// Relocation and artifacts.
	CodeUnsupportedRelocated      = "unsupported_input_file_relocated"
	CodeUnsupportedRelocateFailed = "unsupported_relocate_failed"
	CodeArtifactCreated           = "failed_artifact_created"
	CodeArtifactCreateFailed      = "failed_artifact_create_failed"

	// Run lifecycle.
	CodeRunCancelled        = "run_cancelled"
	CodeOutputLimitExceeded = "output_limit_exceeded"
	CodeManifestWriteFailed = "manifest_write_failed"
)

// Event is one structured warning or error raised during a run. Context keys
// holding paths are redacted by the run log when privacy mode requires it.
type Event struct {
	Severity Severity       `json:"severity"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
}

// Warn builds a warning event. Key/value pairs alternate in kv; a trailing
// odd key is dropped.
func Warn(code, message string, kv ...any) Event {
	return Event{Severity: SeverityWarning, Code: code, Message: message, Context: toContext(kv)}
}

// Error builds an error event.
func Error(code, message string, kv ...any) Event {
	return Event{Severity: SeverityError, Code: code, Message: message, Context: toContext(kv)}
}

// Info builds an informational event.
func Info(code, message string, kv ...any) Event {
	return Event{Severity: SeverityInfo, Code: code, Message: message, Context: toContext(kv)}
}

func toContext(kv []any) map[string]any {
	if len(kv) < 2 {
		return nil
	}
	ctx := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ctx[key] = kv[i+1]
	}
	return ctx
}

// Stage derives the failure stage from an event code, e.g.
// "zip_entry_skipped_unsafe_path" → "zip". Used to bucket failure artifacts.
func Stage(code string) string {
	for i := 0; i < len(code); i++ {
		if code[i] == '_' {
			return code[:i]
		}
	}
	if code == "" {
		return "unknown"
	}
	return code
}
