package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"docbatch/internal/classify"
	"docbatch/internal/event"
	"docbatch/internal/manifest"
)

// expandArchives walks the working input tree and expands every top-level
// archive into its own synthetic group under the scratch workspace. Nested
// archives beyond the depth limit stay unexpanded and are later relocated as
// unsupported.
func (o *Orchestrator) expandArchives(ctx context.Context, r *run) error {
	walked, err := classify.Walk(r.workingInput, []string{r.outputRoot})
	if err != nil {
		return fmt.Errorf("input tree not readable: %w", err)
	}

	usedGroups := map[string]bool{}
	for group := range walked {
		usedGroups[group] = true
	}

	groupNames := make([]string, 0, len(walked))
	for name := range walked {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	for _, group := range groupNames {
		var plain []string
		for _, file := range walked[group] {
			if classify.Detect(file) != classify.CategoryArchive || !o.cfg.ProcessArchives {
				plain = append(plain, file)
				continue
			}

			archiveGroup, err := classify.AllocateArchiveGroup(group, file, usedGroups)
			if err != nil {
				return err
			}
			usedGroups[archiveGroup] = true

			extractRoot := filepath.Join(r.scratchRoot, "extracted", archiveGroup)
			if err := os.MkdirAll(extractRoot, 0o755); err != nil {
				return fmt.Errorf("create extraction directory: %w", err)
			}

			res, err := r.extractor.Extract(ctx, file, extractRoot)
			res.Stats.ArchivesFound++
			r.recorder.AddZipStats(res.Stats)
			r.rejectedEntries += res.Stats.EntriesSkippedUnsafePath + res.Stats.EntriesSkippedRatio
			r.failedArchives += res.Stats.ArchivesFailed
			o.recordEvents(r, res.Warnings)
			if err != nil {
				return err
			}

			if res.Stats.ArchivesFailed == 0 && len(res.Files) == 0 && len(res.SkippedNested) == 0 {
				ev := event.Warn(event.CodeEmptyAfterExtraction,
					"archive contained no extractable files",
					"archive", file)
				r.recorder.AddEvent(ev)
				o.emit(r, ev)
			}

			contents := append(append([]string(nil), res.Files...), res.SkippedNested...)
			if len(contents) > 0 {
				r.groups[archiveGroup] = classify.Items(archiveGroup, classify.OriginArchiveEntry, contents)
			}
			r.logger.Info("expanded archive",
				"archive", file,
				"group", archiveGroup,
				"entries", res.Stats.EntriesExtracted,
			)
		}
		if len(plain) > 0 {
			r.groups[group] = append(r.groups[group], classify.Items(group, classify.OriginPlain, plain)...)
		}
	}
	return nil
}

// classifyAndRelocate counts the discovered inputs and moves every
// unsupported file out of the processing set. Leftover archives (nested ones
// past the depth limit, or all of them when archive processing is off) count
// as unsupported here.
func (o *Orchestrator) classifyAndRelocate(ctx context.Context, r *run) error {
	// Rejected entries and unexpandable archives leave nothing behind to
	// walk, but each one carries a failed disposition, so the discovered
	// total must include them for the counts to reconcile.
	total := r.rejectedEntries + r.failedArchives
	for _, items := range r.groups {
		total += len(items)
	}
	r.recorder.AddInputFiles(total)
	r.logger.Info("classified inputs", "files", total, "groups", len(r.groups))

	for _, group := range sortedGroupNames(r.groups) {
		for _, item := range r.groups[group] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if supported(item) {
				continue
			}
			o.relocateUnsupported(r, item)
		}
	}
	return nil
}

func supported(item classify.InputItem) bool {
	switch item.Category {
	case classify.CategoryPDF, classify.CategoryWord, classify.CategoryEmail:
		return true
	default:
		return false
	}
}

// categoryItems collects a category's items for one group, in stable source
// order.
func categoryItems(items []classify.InputItem, category classify.Category) []classify.InputItem {
	var out []classify.InputItem
	for _, item := range items {
		if item.Category == category {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// reserveOutputs books ceiling capacity and converts a ceiling miss into the
// fatal budget error, recorded before the stop.
func (o *Orchestrator) reserveOutputs(r *run, n int, scope string) error {
	if n == 0 {
		return nil
	}
	if err := r.recorder.ReserveOutputs(n); err != nil {
		var ceiling *manifest.ErrCeiling
		if errors.As(err, &ceiling) {
			ev := event.Error(event.CodeOutputLimitExceeded,
				fmt.Sprintf("output file limit exceeded before processing %s", scope),
				"required", n,
				"limit", ceiling.Limit,
				"used", ceiling.Used,
			)
			r.recorder.AddEvent(ev)
			o.emit(r, ev)
		}
		return fmt.Errorf("processing %s: %w", scope, err)
	}
	return nil
}
