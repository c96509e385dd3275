// Package orchestrator sequences a merge run: validation, output bootstrap,
// archive expansion, classification, per-category processing and manifest
// finalization. File-level failures are recorded and never abort the run;
// only infrastructure failures and the output ceiling do.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"docbatch/internal/archive"
	"docbatch/internal/classify"
	"docbatch/internal/config"
	"docbatch/internal/event"
	"docbatch/internal/history"
	"docbatch/internal/manifest"
	"docbatch/internal/pdfmerge"
	"docbatch/internal/runlog"
	"docbatch/internal/wordconv"
)

// State is the orchestrator's lifecycle position.
type State string

const (
	StateValidating        State = "validating"
	StateBootstrapping     State = "bootstrapping_outputs"
	StateAnalyzing         State = "analyzing"
	StateExpandingArchives State = "expanding_archives"
	StateClassifying       State = "classifying"
	StateProcessing        State = "processing"
	StateFinalizing        State = "finalizing"
	StateDone              State = "done"
	StateAborted           State = "aborted"
)

// Progress is one notification to the surrounding UI.
type Progress struct {
	State   State
	Stage   string
	Done    int
	Total   int
	Message string
}

// Hooks are the pull/push surface a CLI or TUI subscribes to. Both are
// optional and must be safe to call from multiple goroutines.
type Hooks struct {
	OnProgress func(Progress)
	OnEvent    func(event.Event)
}

// Orchestrator runs merge jobs for one configuration.
type Orchestrator struct {
	cfg       config.Config
	logger    *slog.Logger
	converter wordconv.Converter
	hooks     Hooks
	console   io.Writer
	historyDB *sql.DB
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithHooks installs progress and event callbacks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithConverter overrides the Word converter, used by tests and callers with
// a non-default converter binary.
func WithConverter(c wordconv.Converter) Option {
	return func(o *Orchestrator) { o.converter = c }
}

// WithConsole mirrors the run log's text output to w.
func WithConsole(w io.Writer) Option {
	return func(o *Orchestrator) { o.console = w }
}

// WithHistory records run lifecycle events into the given history database.
func WithHistory(db *sql.DB) Option {
	return func(o *Orchestrator) { o.historyDB = db }
}

// New builds an Orchestrator. A nil logger falls back to slog.Default().
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	if o.converter == nil {
		o.converter = wordconv.NewCommand(
			cfg.WordConverterCommand,
			time.Duration(cfg.WordTimeoutSeconds)*time.Second,
			logger,
		)
	}
	return o
}

// RunResult is what a completed (or aborted) run reports back.
type RunResult struct {
	RunID        string
	State        State
	ManifestPath string
	Document     *manifest.Document
}

// run carries the mutable state of one run through the stages.
type run struct {
	cfg    config.Config
	id     string
	logger *slog.Logger
	logs   *runlog.Runlog

	inputPath    string
	inputIsZip   bool
	workingInput string
	outputRoot   string

	processedDir   string
	unprocessedDir string
	failedDir      string
	logsDir        string

	scratchRoot string

	recorder  *manifest.Recorder
	extractor *archive.Extractor
	merger    *pdfmerge.Merger

	// items per group, populated during classification
	groups map[string][]classify.InputItem
	// archive entries rejected before extraction (unsafe path, suspicious
	// compression ratio); they never materialize on disk but still count
	// as discovered inputs
	rejectedEntries int
	// archives that could not be opened or expanded; they yield no entries
	// but still count as discovered inputs
	failedArchives int
}

// Run executes one merge run end to end and always attempts to write the
// manifest, even for aborted runs.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	started := time.Now()

	r, err := o.validate()
	if err != nil {
		return &RunResult{State: StateAborted}, err
	}
	result := &RunResult{RunID: r.id, State: StateAborted}

	if err := o.bootstrap(r); err != nil {
		return result, err
	}
	defer r.logs.Close()
	defer os.RemoveAll(r.scratchRoot)

	o.logHistory(ctx, r.id, history.EventRunStart, r.inputPath, "", "run started", nil)
	r.logger.Info("run started", "run_id", r.id, "input", r.inputPath, "output", r.outputRoot)

	runErr := o.execute(ctx, r)

	// Finalizing always runs: the manifest and logs must reflect whatever
	// happened, including aborted and cancelled runs.
	o.notify(r, StateFinalizing, "finalizing", 0, 0, "")
	o.materializeFailedArtifacts(r)

	if ctx.Err() != nil {
		ev := event.Warn(event.CodeRunCancelled, "run cancelled before completion")
		r.recorder.AddEvent(ev)
		o.emit(r, ev)
	}

	doc := r.recorder.Document(manifest.Snapshot{
		RunID:     r.id,
		InputPath: r.inputPath,
		Limits: manifest.Limits{
			MaxFileSizeKB:  int(o.cfg.MaxFileSizeKB),
			MaxOutputFiles: o.cfg.MaxOutputFiles,
		},
		Paths: manifest.Paths{
			ProcessedDir:   r.processedDir,
			UnprocessedDir: r.unprocessedDir,
			FailedDir:      r.failedDir,
			LogsDir:        r.logsDir,
		},
		Logs: manifest.Logs{
			TextLog:  r.logs.TextPath(),
			JSONLLog: r.logs.JSONLPath(),
		},
	})
	result.Document = doc

	manifestPath, writeErr := doc.Write(r.processedDir)
	result.ManifestPath = manifestPath
	if writeErr != nil {
		doc.WriteError = writeErr.Error()
		ev := event.Error(event.CodeManifestWriteFailed, "could not write merge manifest", "path", manifestPath)
		o.emit(r, ev)
		r.logger.Error("manifest write failed", "path", manifestPath, "error", writeErr)
		runErr = errors.Join(runErr, writeErr)
	} else {
		r.logger.Info("manifest written", "path", manifestPath)
	}
	o.recordHistoryDispositions(ctx, r, doc)

	duration := time.Since(started)
	if runErr != nil || ctx.Err() != nil {
		result.State = StateAborted
		o.logHistory(ctx, r.id, history.EventRunAborted, r.inputPath, manifestPath, errMessage(runErr, ctx.Err()), &duration)
		o.notify(r, StateAborted, "aborted", 0, 0, errMessage(runErr, ctx.Err()))
		r.logger.Error("run aborted", "error", errMessage(runErr, ctx.Err()), "duration", duration.String())
		return result, errors.Join(runErr, ctx.Err())
	}

	result.State = StateDone
	o.logHistory(ctx, r.id, history.EventRunDone, r.inputPath, manifestPath, "run completed", &duration)
	o.notify(r, StateDone, "done", doc.TotalOutputFiles, doc.TotalOutputFiles, "")
	r.logger.Info("run completed",
		"outputs", doc.TotalOutputFiles,
		"failed", doc.Summary.FailedFilesTotal,
		"duration", duration.String(),
	)
	return result, nil
}

// execute drives the stages between bootstrap and finalization. Its error is
// the fatal run error, if any.
func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	o.notify(r, StateAnalyzing, "analyzing", 0, 0, "")
	o.logHistory(ctx, r.id, history.EventStage, "", "", string(StateAnalyzing), nil)
	if err := o.stageInput(ctx, r); err != nil {
		return err
	}

	o.notify(r, StateExpandingArchives, "expanding_archives", 0, 0, "")
	o.logHistory(ctx, r.id, history.EventStage, "", "", string(StateExpandingArchives), nil)
	if err := o.expandArchives(ctx, r); err != nil {
		return err
	}

	o.notify(r, StateClassifying, "classifying", 0, 0, "")
	o.logHistory(ctx, r.id, history.EventStage, "", "", string(StateClassifying), nil)
	if err := o.classifyAndRelocate(ctx, r); err != nil {
		return err
	}

	o.notify(r, StateProcessing, "processing", 0, 0, "")
	o.logHistory(ctx, r.id, history.EventStage, "", "", string(StateProcessing), nil)
	return o.process(ctx, r)
}

// validate resolves paths and checks the configuration. No filesystem writes
// happen here.
func (o *Orchestrator) validate() (*run, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	inputPath, err := filepath.Abs(o.cfg.InputPath)
	if err != nil {
		return nil, fmt.Errorf("resolve input path: %w", err)
	}
	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("input path not accessible: %w", err)
	}
	isZip := false
	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(inputPath), ".zip") {
			return nil, fmt.Errorf("input must be a directory or a zip archive, got %s", inputPath)
		}
		isZip = true
	}

	outputRoot, err := filepath.Abs(o.cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("resolve output path: %w", err)
	}

	id := time.Now().Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	return &run{
		cfg:        o.cfg,
		id:         id,
		inputPath:  inputPath,
		inputIsZip: isZip,
		outputRoot: outputRoot,
		recorder:   manifest.NewRecorder(o.cfg.MaxOutputFiles),
		groups:     map[string][]classify.InputItem{},
	}, nil
}

// bootstrap creates the four-way output layout, the scratch workspace and the
// run log pair. Failures here are infrastructure errors.
func (o *Orchestrator) bootstrap(r *run) error {
	o.notifyBare(StateBootstrapping, "bootstrapping_outputs")

	r.processedDir = filepath.Join(r.outputRoot, o.cfg.ProcessedSubdir)
	r.unprocessedDir = filepath.Join(r.outputRoot, o.cfg.UnprocessedSubdir)
	r.failedDir = filepath.Join(r.outputRoot, o.cfg.FailedSubdir)
	r.logsDir = filepath.Join(r.outputRoot, o.cfg.LogsSubdir)
	for _, dir := range []string{r.processedDir, r.unprocessedDir, r.failedDir, r.logsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("output root not writable: %w", err)
		}
	}

	scratch, err := os.MkdirTemp("", "docbatch_"+r.id+"_*")
	if err != nil {
		return fmt.Errorf("create scratch workspace: %w", err)
	}
	r.scratchRoot = scratch

	level := slog.LevelInfo
	if o.cfg.DetailedLogging {
		level = slog.LevelDebug
	}
	logs, err := runlog.Open(runlog.Options{
		RunID:   r.id,
		Dir:     r.logsDir,
		Level:   level,
		Redact:  o.cfg.LogPrivacyMode == config.PrivacyRedacted,
		Console: o.console,
	})
	if err != nil {
		os.RemoveAll(scratch)
		return fmt.Errorf("open run logs: %w", err)
	}
	r.logs = logs
	r.logger = logs.Logger()

	r.extractor = archive.New(archive.Options{
		MaxNameLength:     o.cfg.ZipMaxNameLength,
		IncludeExtInLimit: o.cfg.ZipNameLimitIncludeExt,
		DepthLimit:        o.cfg.ZipNestedDepthLimit,
		MaxExtractBytes:   o.cfg.ZipMaxExtractBytes,
	}, r.logger)
	r.merger = pdfmerge.New(r.logger)
	return nil
}

// stageInput resolves the working input root. A single-archive input is
// extracted into scratch first, and its content tree is walked like a folder.
func (o *Orchestrator) stageInput(ctx context.Context, r *run) error {
	if !r.inputIsZip {
		r.workingInput = r.inputPath
		return nil
	}

	stageDir := filepath.Join(r.scratchRoot, "staged_input")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	res, err := r.extractor.Extract(ctx, r.inputPath, stageDir)
	res.Stats.ArchivesFound++
	r.recorder.AddZipStats(res.Stats)
	r.rejectedEntries += res.Stats.EntriesSkippedUnsafePath + res.Stats.EntriesSkippedRatio
	// Failed nested archives are not counted here: they stay on disk in the
	// staging area and are re-discovered by the input walk.
	o.recordEvents(r, res.Warnings)
	if err != nil {
		return err
	}
	// ArchivesExtracted stays zero only when the input archive itself never
	// opened; nested failures inside it are recoverable.
	if res.Stats.ArchivesExtracted == 0 && res.Stats.ArchivesFailed > 0 {
		return fmt.Errorf("input archive could not be opened: %s", r.inputPath)
	}
	if len(res.Files) == 0 && len(res.SkippedNested) == 0 {
		ev := event.Warn(event.CodeEmptyAfterExtraction, "input archive contained no extractable files",
			"archive", r.inputPath)
		r.recorder.AddEvent(ev)
		o.emit(r, ev)
	}
	r.workingInput = stageDir
	r.logger.Info("staged archive input", "archive", r.inputPath, "files", len(res.Files))
	return nil
}

func (o *Orchestrator) notify(r *run, state State, stage string, done, total int, message string) {
	if o.hooks.OnProgress != nil {
		o.hooks.OnProgress(Progress{State: state, Stage: stage, Done: done, Total: total, Message: message})
	}
	if r != nil && r.logger != nil {
		r.logger.Debug("stage transition", "state", string(state), "stage", stage)
	}
}

func (o *Orchestrator) notifyBare(state State, stage string) {
	if o.hooks.OnProgress != nil {
		o.hooks.OnProgress(Progress{State: state, Stage: stage})
	}
}

// emit forwards an event to the subscriber and the run log.
func (o *Orchestrator) emit(r *run, ev event.Event) {
	if o.hooks.OnEvent != nil {
		o.hooks.OnEvent(ev)
	}
	if r.logger == nil {
		return
	}
	args := make([]any, 0, 2+2*len(ev.Context))
	args = append(args, "code", ev.Code)
	for k, v := range ev.Context {
		args = append(args, k, v)
	}
	switch ev.Severity {
	case event.SeverityError:
		r.logger.Error(ev.Message, args...)
	case event.SeverityWarning:
		r.logger.Warn(ev.Message, args...)
	default:
		r.logger.Info(ev.Message, args...)
	}
}

// recordEvents files a batch of events into the recorder and the hooks.
func (o *Orchestrator) recordEvents(r *run, events []event.Event) {
	for _, ev := range events {
		r.recorder.AddEvent(ev)
		o.emit(r, ev)
	}
}

// recordHistoryDispositions writes the per-file outcome records for the run.
// Skipped entirely when no history database is configured.
func (o *Orchestrator) recordHistoryDispositions(ctx context.Context, r *run, doc *manifest.Document) {
	if o.historyDB == nil {
		return
	}
	for _, out := range doc.OutputFiles {
		o.logHistory(ctx, r.id, history.EventOutputWritten, "", out, "", nil)
	}
	for _, f := range doc.Files.Failed {
		o.logHistory(ctx, r.id, history.EventFileFailed, f.Source, "", f.Code, nil)
	}
	for _, s := range doc.Files.Skipped {
		o.logHistory(ctx, r.id, history.EventFileSkipped, s.Source, "", s.Code, nil)
	}
	for _, rel := range doc.Files.Unprocessed {
		o.logHistory(ctx, r.id, history.EventRelocated, rel.Source, rel.Destination, rel.Reason, nil)
	}
}

func (o *Orchestrator) logHistory(ctx context.Context, runID, ev, source, output, message string, duration *time.Duration) {
	if o.historyDB == nil {
		return
	}
	// History failures are never fatal; the run's own logs still record them.
	if err := history.LogRunEvent(context.WithoutCancel(ctx), o.historyDB, runID, ev, source, output, message, duration); err != nil {
		o.logger.Warn("history record failed", "event", ev, "error", err)
	}
}

func errMessage(errs ...error) string {
	joined := errors.Join(errs...)
	if joined == nil {
		return ""
	}
	return joined.Error()
}

func sortedGroupNames(groups map[string][]classify.InputItem) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
