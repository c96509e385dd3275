// Package manifest accumulates the run record and serializes it as the
// single merge_manifest.json written at the end of a run.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"docbatch/internal/archive"
	"docbatch/internal/event"
)

// FileName is the manifest's name inside the processed directory.
const FileName = "merge_manifest.json"

// ArtifactStatus is the outcome of materializing a failed file's artifact.
type ArtifactStatus string

const (
	ArtifactCreated       ArtifactStatus = "created"
	ArtifactSourceMissing ArtifactStatus = "source_missing"
	ArtifactCopyFailed    ArtifactStatus = "copy_failed"
	ArtifactNotCreated    ArtifactStatus = "not_created"
)

// Relocation records one unsupported file moved or copied out of the way.
type Relocation struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Action      string `json:"action"`
	Reason      string `json:"reason"`
	Origin      string `json:"origin"`
	Stage       string `json:"stage"`
}

// MovedRecord is the slim form kept for archive-origin relocations.
type MovedRecord struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Reason      string `json:"reason"`
}

// FailedFile is one failed input plus its artifact outcome.
type FailedFile struct {
	Source              string         `json:"source"`
	Code                string         `json:"code"`
	Message             string         `json:"message"`
	Stage               string         `json:"stage"`
	ArtifactAction      string         `json:"artifact_action,omitempty"`
	ArtifactStatus      ArtifactStatus `json:"artifact_status,omitempty"`
	ArtifactDestination string         `json:"artifact_destination,omitempty"`
}

// SkippedFile is an input set aside without processing, such as an archive
// entry rejected for an unsafe path.
type SkippedFile struct {
	Source  string `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

// WordConversion summarizes the Word-to-PDF stage.
type WordConversion struct {
	Attempted int `json:"attempted"`
	Converted int `json:"converted"`
	Failed    int `json:"failed"`
}

// ThreadRef identifies one email thread inside a batch output.
type ThreadRef struct {
	ThreadKey  string `json:"thread_key"`
	EmailCount int    `json:"email_count"`
}

// EmailSummary summarizes email parsing, threading and batching.
type EmailSummary struct {
	ParsedTotal         int                    `json:"parsed_total"`
	FailedTotal         int                    `json:"failed_total"`
	ThreadsTotal        int                    `json:"threads_total"`
	BatchesTotal        int                    `json:"batches_total"`
	OutputTotalBytes    int64                  `json:"output_total_bytes"`
	AttachmentRefsTotal int                    `json:"attachment_refs_total"`
	BatchToThreads      map[string][]ThreadRef `json:"batch_to_threads"`
}

// Limits echoes the budgets the run was configured with.
type Limits struct {
	MaxFileSizeKB  int `json:"max_file_size_kb"`
	MaxOutputFiles int `json:"max_output_files"`
}

// Paths records the resolved output layout.
type Paths struct {
	ProcessedDir   string `json:"processed_dir"`
	UnprocessedDir string `json:"unprocessed_dir"`
	FailedDir      string `json:"failed_dir"`
	LogsDir        string `json:"logs_dir"`
}

// Logs points at the run's log pair.
type Logs struct {
	TextLog  string `json:"text_log"`
	JSONLLog string `json:"jsonl_log"`
}

// Summary is the per-disposition count block.
type Summary struct {
	InputFilesTotal         int `json:"input_files_total"`
	ProcessedOutputsTotal   int `json:"processed_outputs_total"`
	MovedUnprocessedTotal   int `json:"moved_unprocessed_total"`
	UnprocessedRelocated    int `json:"unprocessed_relocated_total"`
	FailedFilesTotal        int `json:"failed_files_total"`
	FailedArtifactsTotal    int `json:"failed_artifacts_total"`
	SkippedFilesTotal       int `json:"skipped_files_total"`
	WarningsTotal           int `json:"warnings_total"`
	ErrorsTotal             int `json:"errors_total"`
}

// Files carries the full per-file disposition lists.
type Files struct {
	ProcessedOutputs []string      `json:"processed_outputs"`
	MovedUnprocessed []MovedRecord `json:"moved_unprocessed"`
	Unprocessed      []Relocation  `json:"unprocessed"`
	Failed           []*FailedFile `json:"failed"`
	Skipped          []SkippedFile `json:"skipped"`
}

// Document is the manifest JSON object. It is assembled once during
// finalization and never mutated afterwards.
type Document struct {
	Timestamp        string              `json:"timestamp"`
	RunID            string              `json:"run_id"`
	InputPath        string              `json:"input_path"`
	TotalInputFiles  int                 `json:"total_input_files"`
	TotalOutputFiles int                 `json:"total_output_files"`
	OutputFiles      []string            `json:"output_files"`
	Limits           Limits              `json:"limits"`
	Paths            Paths               `json:"paths"`
	Logs             Logs                `json:"logs"`
	Summary          Summary             `json:"summary"`
	Files            Files               `json:"files"`
	Warnings         []event.Event       `json:"warnings,omitempty"`
	Errors           []event.Event       `json:"errors,omitempty"`
	OutputToSources  map[string][]string `json:"output_to_sources,omitempty"`
	WordConversion   *WordConversion     `json:"word_conversion,omitempty"`
	ZipProcessing    *archive.Stats      `json:"zip_processing,omitempty"`
	Emails           *EmailSummary       `json:"emails,omitempty"`

	WriteError string `json:"manifest_write_error,omitempty"`
}

// Recorder is the single serialization point for run state shared across
// concurrently processed categories: disposition lists, warning and error
// events, and the output-file ceiling counter.
type Recorder struct {
	mu sync.Mutex

	maxOutputFiles int
	booked         int
	outputs        []string
	outputSources  map[string][]string

	moved       []MovedRecord
	unprocessed []Relocation
	failed      []*FailedFile
	skipped     []SkippedFile

	warnings []event.Event
	errors   []event.Event

	totalInputFiles int
	wordConversion  WordConversion
	zipStats        archive.Stats
	emails          EmailSummary
}

// ErrCeiling is returned by ReserveOutputs when the run would exceed the
// configured output file maximum.
type ErrCeiling struct {
	Limit     int
	Requested int
	Used      int
}

func (e *ErrCeiling) Error() string {
	return fmt.Sprintf("output file limit reached: %d written, %d more requested, limit %d",
		e.Used, e.Requested, e.Limit)
}

func NewRecorder(maxOutputFiles int) *Recorder {
	return &Recorder{
		maxOutputFiles: maxOutputFiles,
		outputSources:  map[string][]string{},
		emails:         EmailSummary{BatchToThreads: map[string][]ThreadRef{}},
	}
}

// ReserveOutputs books capacity for n more output files before a category
// writes them. The booking happens under the lock, so concurrent categories
// cannot double-book the remaining capacity. Every AddOutput call must be
// covered by an earlier reservation.
func (r *Recorder) ReserveOutputs(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxOutputFiles > 0 && r.booked+n > r.maxOutputFiles {
		return &ErrCeiling{Limit: r.maxOutputFiles, Requested: n, Used: r.booked}
	}
	r.booked += n
	return nil
}

// AddOutput records one written batch output and the sources behind it.
func (r *Recorder) AddOutput(path string, sources []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, path)
	if len(sources) > 0 {
		r.outputSources[path] = append([]string(nil), sources...)
	}
}

// OutputCount reports how many outputs are recorded so far.
func (r *Recorder) OutputCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outputs)
}

// AddInputFiles bumps the discovered input total.
func (r *Recorder) AddInputFiles(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalInputFiles += n
}

// AddRelocation records one unsupported file relocation. Archive-origin
// relocations additionally land in the moved_unprocessed list.
func (r *Recorder) AddRelocation(rel Relocation, archiveOrigin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unprocessed = append(r.unprocessed, rel)
	if archiveOrigin {
		r.moved = append(r.moved, MovedRecord{Source: rel.Source, Destination: rel.Destination, Reason: rel.Reason})
	}
}

// AddEvent files an event into the warning or error list and, when it names a
// source file, derives the matching failed or skipped disposition.
func (r *Recorder) AddEvent(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Severity {
	case event.SeverityError:
		r.errors = append(r.errors, ev)
	case event.SeverityWarning:
		r.warnings = append(r.warnings, ev)
	default:
		return
	}
	r.collectOutcomeLocked(ev)
}

// Codes that mean "set aside", not "failed". Unsafe-path rejections are
// deliberately absent: a rejected entry is a failed input, not a skipped one.
var skipCodes = map[string]bool{
	event.CodeNestedDepthExceeded:  true,
	event.CodeEmptyAfterExtraction: true,
}

func (r *Recorder) collectOutcomeLocked(ev event.Event) {
	// Artifact materialization happens after dispositions are settled; its
	// own failures must not mint new failed entries. An empty batch only
	// names its would-be destination, and every unreadable source in it
	// already carries its own failed entry. A budget stop names an archive
	// that was partially processed; its remaining entries were never
	// discovered, so no disposition applies.
	switch ev.Code {
	case event.CodeArtifactCreateFailed, event.CodePDFEmptyBatch, event.CodeExtractBudgetExceeded:
		return
	}
	source := eventSource(ev)
	if source == "" {
		return
	}
	for _, f := range r.failed {
		if f.Source == source && f.Code == ev.Code && f.Message == ev.Message {
			return
		}
	}
	for _, s := range r.skipped {
		if s.Source == source && s.Code == ev.Code && s.Message == ev.Message {
			return
		}
	}

	stage := event.Stage(ev.Code)
	if skipCodes[ev.Code] {
		r.skipped = append(r.skipped, SkippedFile{Source: source, Code: ev.Code, Message: ev.Message, Stage: stage})
		return
	}
	r.failed = append(r.failed, &FailedFile{Source: source, Code: ev.Code, Message: ev.Message, Stage: stage})
}

func eventSource(ev event.Event) string {
	if file, ok := ev.Context["file"].(string); ok && file != "" {
		return file
	}
	archivePath, _ := ev.Context["archive"].(string)
	entry, _ := ev.Context["entry"].(string)
	if archivePath != "" && entry != "" {
		return archivePath + "::" + entry
	}
	if archivePath != "" {
		return archivePath
	}
	if dest, ok := ev.Context["destination"].(string); ok {
		return dest
	}
	return ""
}

// FailedFiles returns the failed dispositions for artifact materialization.
// The returned pointers stay owned by the recorder; callers update artifact
// fields through UpdateArtifact.
func (r *Recorder) FailedFiles() []*FailedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FailedFile(nil), r.failed...)
}

// UpdateArtifact stores the artifact outcome for one failed file.
func (r *Recorder) UpdateArtifact(f *FailedFile, action string, status ArtifactStatus, destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.ArtifactAction = action
	f.ArtifactStatus = status
	f.ArtifactDestination = destination
}

// AddWordConversion accumulates Word stage counters.
func (r *Recorder) AddWordConversion(attempted, converted, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wordConversion.Attempted += attempted
	r.wordConversion.Converted += converted
	r.wordConversion.Failed += failed
}

// AddZipStats merges one extraction's counters into the run totals.
func (r *Recorder) AddZipStats(stats archive.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zipStats.Add(stats)
}

// AddEmailStats accumulates email stage counters. batchToThreads maps one
// output file to the threads it contains.
func (r *Recorder) AddEmailStats(parsed, failed, threads, batches, attachmentRefs int, outputBytes int64, batchToThreads map[string][]ThreadRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails.ParsedTotal += parsed
	r.emails.FailedTotal += failed
	r.emails.ThreadsTotal += threads
	r.emails.BatchesTotal += batches
	r.emails.AttachmentRefsTotal += attachmentRefs
	r.emails.OutputTotalBytes += outputBytes
	for k, v := range batchToThreads {
		r.emails.BatchToThreads[k] = v
	}
}

// Snapshot holds everything Finalize needs that the recorder does not own.
type Snapshot struct {
	RunID     string
	InputPath string
	Limits    Limits
	Paths     Paths
	Logs      Logs
}

// Document assembles the manifest from the recorded state.
func (r *Recorder) Document(snap Snapshot) *Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	artifactsCreated := 0
	for _, f := range r.failed {
		if f.ArtifactStatus == ArtifactCreated {
			artifactsCreated++
		}
	}

	outputs := append([]string(nil), r.outputs...)
	sort.Strings(outputs)

	doc := &Document{
		Timestamp:        time.Now().Format(time.RFC3339),
		RunID:            snap.RunID,
		InputPath:        snap.InputPath,
		TotalInputFiles:  r.totalInputFiles,
		TotalOutputFiles: len(outputs),
		OutputFiles:      outputs,
		Limits:           snap.Limits,
		Paths:            snap.Paths,
		Logs:             snap.Logs,
		Summary: Summary{
			InputFilesTotal:       r.totalInputFiles,
			ProcessedOutputsTotal: len(outputs),
			MovedUnprocessedTotal: len(r.moved),
			UnprocessedRelocated:  len(r.unprocessed),
			FailedFilesTotal:      len(r.failed),
			FailedArtifactsTotal:  artifactsCreated,
			SkippedFilesTotal:     len(r.skipped),
			WarningsTotal:         len(r.warnings),
			ErrorsTotal:           len(r.errors),
		},
		Files: Files{
			ProcessedOutputs: outputs,
			MovedUnprocessed: emptyNotNil(r.moved),
			Unprocessed:      emptyNotNil(r.unprocessed),
			Failed:           emptyNotNil(r.failed),
			Skipped:          emptyNotNil(r.skipped),
		},
	}

	if len(r.warnings) > 0 {
		doc.Warnings = append([]event.Event(nil), r.warnings...)
	}
	if len(r.errors) > 0 {
		doc.Errors = append([]event.Event(nil), r.errors...)
	}
	if len(r.outputSources) > 0 {
		doc.OutputToSources = make(map[string][]string, len(r.outputSources))
		for k, v := range r.outputSources {
			doc.OutputToSources[k] = v
		}
	}
	if r.wordConversion.Attempted > 0 {
		wc := r.wordConversion
		doc.WordConversion = &wc
	}
	if r.zipStats.ArchivesFound > 0 {
		zs := r.zipStats
		doc.ZipProcessing = &zs
	}
	if r.emails.ParsedTotal > 0 || r.emails.FailedTotal > 0 {
		em := r.emails
		doc.Emails = &em
	}
	return doc
}

func emptyNotNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Write serializes the document to dir/merge_manifest.json. It is called
// exactly once per run.
func (d *Document) Write(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return path, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return path, fmt.Errorf("write manifest %s: %w", path, err)
	}
	return path, nil
}
