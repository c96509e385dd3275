package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"docbatch/internal/classify"
	"docbatch/internal/config"
	"docbatch/internal/event"
	"docbatch/internal/manifest"
)

// relocateNameLimit bounds flattened destination names in the unprocessed and
// failed areas; input trees can carry much longer names than outputs should.
const relocateNameLimit = 120

// relocateUnsupported moves or copies one unsupported file into the
// unprocessed area, flattened with a collision-safe name. With relocation
// disabled the disposition is still recorded so no file goes unaccounted.
func (o *Orchestrator) relocateUnsupported(r *run, item classify.InputItem) {
	archiveOrigin := item.Origin == classify.OriginArchiveEntry
	reason := "unsupported_input_file_relocated"
	if item.Category == classify.CategoryArchive && archiveOrigin {
		reason = "unsupported_zip_file_moved"
	}

	if !o.cfg.RelocateUnsupported {
		r.recorder.AddRelocation(manifest.Relocation{
			Source: item.Source,
			Action: string(config.ActionMetadataOnly),
			Reason: reason,
			Origin: string(item.Origin),
			Stage:  "classification",
		}, archiveOrigin)
		return
	}

	// Archive-extracted files live in the scratch workspace, which is torn
	// down at the end of the run; copying would leave nothing behind, so
	// those are always moved.
	action := o.cfg.UnsupportedAction
	if archiveOrigin {
		action = config.ActionMove
	}

	destName := truncateName(filepath.Base(item.Source), relocateNameLimit)
	destination, err := ensureUniqueDestination(filepath.Join(r.unprocessedDir, destName))
	if err == nil {
		err = copyOrMove(item.Source, destination, action)
	}
	if err != nil {
		ev := event.Warn(event.CodeUnsupportedRelocateFailed,
			"failed to relocate unsupported file",
			"file", item.Source,
			"destination", destination,
			"error", err.Error(),
		)
		r.recorder.AddEvent(ev)
		o.emit(r, ev)
		return
	}

	r.recorder.AddRelocation(manifest.Relocation{
		Source:      item.Source,
		Destination: destination,
		Action:      string(action),
		Reason:      reason,
		Origin:      string(item.Origin),
		Stage:       "classification",
	}, archiveOrigin)
	o.emit(r, event.Info(event.CodeUnsupportedRelocated,
		"relocated unsupported file",
		"source", item.Source,
		"destination", destination,
		"reason", reason,
	))
}

// materializeFailedArtifacts copies or moves the source of every failed input
// into failed/<stage>/ for diagnosis, recording the per-file outcome.
func (o *Orchestrator) materializeFailedArtifacts(r *run) {
	action := o.cfg.FailedAction
	for _, item := range r.recorder.FailedFiles() {
		if !o.cfg.FailedArtifacts || action == config.ActionMetadataOnly {
			r.recorder.UpdateArtifact(item, string(action), manifest.ArtifactNotCreated, "")
			continue
		}

		// Synthetic archive-entry sources (archive::entry) have no file on
		// disk to preserve.
		if item.Source == "" || strings.Contains(item.Source, "::") {
			r.recorder.UpdateArtifact(item, string(action), manifest.ArtifactSourceMissing, "")
			continue
		}
		info, err := os.Stat(item.Source)
		if err != nil || info.IsDir() {
			r.recorder.UpdateArtifact(item, string(action), manifest.ArtifactSourceMissing, "")
			continue
		}

		stage := item.Stage
		if stage == "" {
			stage = "unknown"
		}
		stageDir := filepath.Join(r.failedDir, stage)
		destName := truncateName(filepath.Base(item.Source), relocateNameLimit)
		destination, err := func() (string, error) {
			if err := os.MkdirAll(stageDir, 0o755); err != nil {
				return "", err
			}
			return ensureUniqueDestination(filepath.Join(stageDir, destName))
		}()
		if err == nil {
			err = copyOrMove(item.Source, destination, action)
		}
		if err != nil {
			r.recorder.UpdateArtifact(item, string(action), manifest.ArtifactCopyFailed, destination)
			ev := event.Warn(event.CodeArtifactCreateFailed,
				"failed to create artifact for failed file",
				"file", item.Source,
				"destination", destination,
				"error", err.Error(),
			)
			r.recorder.AddEvent(ev)
			o.emit(r, ev)
			continue
		}

		r.recorder.UpdateArtifact(item, string(action), manifest.ArtifactCreated, destination)
		o.emit(r, event.Info(event.CodeArtifactCreated,
			"created failed file artifact",
			"source", item.Source,
			"destination", destination,
			"stage", stage,
		))
	}
}

// truncateName shortens a leaf name to maxLen runes, keeping the extension
// intact.
func truncateName(name string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(name) <= maxLen {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	allowed := maxLen - utf8.RuneCountInString(ext)
	if allowed < 1 {
		allowed = 1
	}
	if runes := []rune(base); len(runes) > allowed {
		base = string(runes[:allowed])
	}
	return base + ext
}

// ensureUniqueDestination appends _1, _2, ... before the extension until the
// path does not exist yet.
func ensureUniqueDestination(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	for counter := 1; counter < 100000; counter++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, counter, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unable to find unique destination for %s", path)
}

// copyOrMove materializes source at destination. Moves fall back to
// copy-and-remove across filesystems.
func copyOrMove(source, destination string, action config.RelocateAction) error {
	if action == config.ActionMove {
		if err := os.Rename(source, destination); err == nil {
			return nil
		}
		if err := copyFile(source, destination); err != nil {
			return err
		}
		return os.Remove(source)
	}
	return copyFile(source, destination)
}

func copyFile(source, destination string) error {
	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer src.Close()
	dst, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("create %s: %w", destination, err)
	}
	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		os.Remove(destination)
		return fmt.Errorf("copy to %s: %w", destination, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", destination, closeErr)
	}
	return nil
}
