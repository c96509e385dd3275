package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docbatch/internal/batch"
	"docbatch/internal/classify"
	"docbatch/internal/email"
	"docbatch/internal/event"
	"docbatch/internal/manifest"
	"docbatch/internal/wordconv"
)

// process runs the three category lanes concurrently. They write disjoint
// output files; the recorder is the only shared state.
func (o *Orchestrator) process(ctx context.Context, r *run) error {
	eg, ctx := errgroup.WithContext(ctx)
	if o.cfg.ProcessPDFs {
		eg.Go(func() error { return o.processPDFs(ctx, r) })
	}
	if o.cfg.ProcessWord {
		eg.Go(func() error { return o.processWord(ctx, r) })
	}
	if o.cfg.ProcessEmails {
		eg.Go(func() error { return o.processEmails(ctx, r) })
	}
	return eg.Wait()
}

func (o *Orchestrator) processPDFs(ctx context.Context, r *run) error {
	for _, group := range sortedGroupNames(r.groups) {
		items := categoryItems(r.groups[group], classify.CategoryPDF)
		if len(items) == 0 {
			continue
		}
		units := make([]batch.Unit, 0, len(items))
		for _, item := range items {
			units = append(units, batch.Unit{
				Ref:     item.Source,
				Sources: []string{item.Source},
				Bytes:   item.SizeBytes,
			})
		}
		if err := o.mergeBatches(ctx, r, group, "pdfs", units,
			fmt.Sprintf("group '%s' PDF files", group)); err != nil {
			return err
		}
	}
	return nil
}

// mergeBatches plans, reserves and writes the PDF outputs for one group and
// label. Unit refs are the paths fed to the merger; unit sources are the
// original inputs recorded in the manifest.
func (o *Orchestrator) mergeBatches(ctx context.Context, r *run, group, label string, units []batch.Unit, scope string) error {
	budget := o.cfg.MaxFileSizeBytes()
	// Capacity preflight: book ceiling room before planning so a run that
	// would exceed the output limit stops without writing any batch here.
	if err := o.reserveOutputs(r, batch.EstimateCount(units, budget), scope); err != nil {
		return err
	}
	plan, err := batch.BuildPlan(units, budget)
	if err != nil {
		return err
	}
	for _, unit := range plan.OversizedUnits() {
		ev := event.Warn(event.CodeOversizedUnit,
			"single file exceeds the batch byte budget; writing dedicated batch",
			"file", unit.Ref,
			"bytes", unit.Bytes,
			"budget_bytes", budget,
		)
		r.recorder.AddEvent(ev)
		o.emit(r, ev)
	}

	for i, b := range plan.Batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		destination := filepath.Join(r.processedDir, batch.OutputName(group, label, i+1)+".pdf")
		var mergeSources, origSources []string
		for _, unit := range b.Units {
			mergeSources = append(mergeSources, unit.Ref)
			origSources = append(origSources, unit.Sources...)
		}

		res, err := r.merger.Merge(ctx, mergeSources, destination)
		o.recordEvents(r, res.Warnings)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if len(res.Merged) > 0 {
				// Sources validated but the output write failed.
				ev := event.Error(event.CodePDFMergeFailed,
					"failed to write merged pdf batch",
					"destination", destination,
					"error", err.Error(),
				)
				r.recorder.AddEvent(ev)
				o.emit(r, ev)
			}
			continue
		}

		r.recorder.AddOutput(destination, origSources)
		r.logger.Info("wrote pdf batch",
			"destination", destination,
			"group", group,
			"sources", len(res.Merged),
			"pages", res.Pages,
		)
		o.notify(r, StateProcessing, label, i+1, len(plan.Batches), filepath.Base(destination))
	}
	return nil
}

func (o *Orchestrator) processWord(ctx context.Context, r *run) error {
	for _, group := range sortedGroupNames(r.groups) {
		items := categoryItems(r.groups[group], classify.CategoryWord)
		if len(items) == 0 {
			continue
		}
		units, err := o.convertWordGroup(ctx, r, group, items)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			ev := event.Warn(event.CodeWordNoOutputs,
				"no word documents could be converted to pdf in this group",
				"group", group,
				"attempted", len(items),
			)
			r.recorder.AddEvent(ev)
			o.emit(r, ev)
			continue
		}
		if err := o.mergeBatches(ctx, r, group, "documents", units,
			fmt.Sprintf("group '%s' Word document files", group)); err != nil {
			return err
		}
	}
	return nil
}

// convertWordGroup converts a group's Word files to PDF with bounded
// parallelism, reporting progress at the configured cadence. Failed
// conversions are recorded and skipped; the group continues.
func (o *Orchestrator) convertWordGroup(ctx context.Context, r *run, group string, items []classify.InputItem) ([]batch.Unit, error) {
	conversionDir := filepath.Join(r.scratchRoot, "wordconv", group)
	if err := os.MkdirAll(conversionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversion directory: %w", err)
	}

	type outcome struct {
		converted string
		source    string
		err       error
	}
	outcomes := make([]outcome, len(items))
	var done atomic.Int64

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.WordConversionWorkers)
	for i, item := range items {
		i, item := i, item
		eg.Go(func() error {
			// Each conversion gets its own directory so identical base
			// names across subfolders cannot collide.
			outDir := filepath.Join(conversionDir, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				outcomes[i] = outcome{source: item.Source, err: err}
				return nil
			}
			converted, err := o.converter.Convert(ctx, item.Source, outDir)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			outcomes[i] = outcome{converted: converted, source: item.Source, err: err}

			n := int(done.Add(1))
			if n%o.cfg.WordProgressInterval == 0 || n == len(items) {
				o.notify(r, StateProcessing, "word_conversion", n, len(items),
					fmt.Sprintf("word conversion progress for %s: %d/%d", group, n, len(items)))
				r.logger.Info("word conversion progress",
					"group", group, "processed", n, "total", len(items))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var units []batch.Unit
	converted, failed := 0, 0
	for _, oc := range outcomes {
		if oc.err != nil {
			failed++
			code := event.CodeWordConvertFailed
			if errors.Is(oc.err, wordconv.ErrTimeout) {
				code = event.CodeWordConvertTimeout
			}
			ev := event.Warn(code,
				"word document conversion failed; skipping file",
				"file", oc.source,
				"error", oc.err.Error(),
			)
			r.recorder.AddEvent(ev)
			o.emit(r, ev)
			continue
		}
		converted++
		var size int64
		if info, err := os.Stat(oc.converted); err == nil {
			size = info.Size()
		}
		units = append(units, batch.Unit{
			Ref:     oc.converted,
			Sources: []string{oc.source},
			Bytes:   size,
		})
	}
	r.recorder.AddWordConversion(len(items), converted, failed)
	r.logger.Info("word conversion summary",
		"group", group, "attempted", len(items), "converted", converted, "failed", failed)
	return units, nil
}

func (o *Orchestrator) processEmails(ctx context.Context, r *run) error {
	var items []classify.InputItem
	for _, group := range sortedGroupNames(r.groups) {
		items = append(items, categoryItems(r.groups[group], classify.CategoryEmail)...)
	}
	if len(items) == 0 {
		return nil
	}

	var messages []*email.Message
	parsed, failed, attachmentRefs := 0, 0, 0
	for seq, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := email.ParseFile(item.Source)
		if err != nil {
			failed++
			ev := event.Warn(event.CodeEmailExtractFailed,
				"failed to parse email file; skipping file",
				"file", item.Source,
				"error", err.Error(),
			)
			r.recorder.AddEvent(ev)
			o.emit(r, ev)
			continue
		}
		msg.Group = item.Group
		msg.Seq = seq
		parsed++
		attachmentRefs += len(msg.Attachments)
		messages = append(messages, msg)
	}

	// Threads span groups; the first-discovered message's group owns the
	// output file.
	threads := email.GroupThreads(messages)
	byGroup := map[string][]*email.Thread{}
	for _, thread := range threads {
		byGroup[thread.Group] = append(byGroup[thread.Group], thread)
	}

	groupNames := make([]string, 0, len(byGroup))
	for name := range byGroup {
		groupNames = append(groupNames, name)
	}

	batches := 0
	var outputBytes int64
	batchToThreads := map[string][]manifest.ThreadRef{}
	opts := email.RenderOptions{AttachmentIndex: o.cfg.EmailAttachmentIndex}

	sort.Strings(groupNames)
	for _, group := range groupNames {
		groupThreads := byGroup[group]
		blocks := map[string]string{}
		units := make([]batch.Unit, 0, len(groupThreads))
		for i, thread := range groupThreads {
			text := email.RenderThread(i+1, thread, opts)
			blocks[thread.Key] = text
			var sources []string
			for _, msg := range thread.Messages {
				sources = append(sources, msg.Source)
			}
			units = append(units, batch.Unit{
				Ref:     thread.Key,
				Sources: sources,
				Bytes:   int64(len(text)),
			})
		}

		budget := o.cfg.EmailMaxOutputBytes()
		if err := o.reserveOutputs(r, batch.EstimateCount(units, budget),
			fmt.Sprintf("group '%s' email batches", group)); err != nil {
			return err
		}
		plan, err := batch.BuildPlan(units, budget)
		if err != nil {
			return err
		}
		for _, unit := range plan.OversizedUnits() {
			ev := event.Warn(event.CodeThreadExceedsBatchCap,
				"email thread exceeds configured batch size cap; writing dedicated batch file",
				"thread_key", unit.Ref,
				"group", group,
				"thread_bytes", unit.Bytes,
				"batch_limit_bytes", budget,
			)
			r.recorder.AddEvent(ev)
			o.emit(r, ev)
		}

		threadCounts := map[string]int{}
		for _, thread := range groupThreads {
			threadCounts[thread.Key] = len(thread.Messages)
		}

		for i, b := range plan.Batches {
			if err := ctx.Err(); err != nil {
				return err
			}
			destination := filepath.Join(r.processedDir,
				fmt.Sprintf("%s_%s%d.txt", group, o.cfg.EmailBatchNamePrefix, i+1))

			written, refs, sources, err := writeEmailBatch(destination, i+1, group, b, blocks, threadCounts)
			if err != nil {
				ev := event.Error(event.CodeEmailExtractFailed,
					"failed to write email batch output",
					"destination", destination,
					"error", err.Error(),
				)
				r.recorder.AddEvent(ev)
				o.emit(r, ev)
				continue
			}

			batches++
			outputBytes += written
			batchToThreads[destination] = refs
			r.recorder.AddOutput(destination, sources)
			r.logger.Info("wrote email batch",
				"destination", destination,
				"group", group,
				"threads", len(b.Units),
				"bytes", written,
			)
			o.notify(r, StateProcessing, "emails", i+1, len(plan.Batches), filepath.Base(destination))
		}
	}

	r.recorder.AddEmailStats(parsed, failed, len(threads), batches, attachmentRefs, outputBytes, batchToThreads)
	return nil
}

// writeEmailBatch renders one batch file: a batch header followed by every
// thread block in plan order.
func writeEmailBatch(destination string, batchNum int, group string, b batch.Batch, blocks map[string]string, threadCounts map[string]int) (int64, []manifest.ThreadRef, []string, error) {
	var sb strings.Builder
	words := 0
	for _, unit := range b.Units {
		words += len(strings.Fields(blocks[unit.Ref]))
	}
	fmt.Fprintf(&sb, "EMAIL BATCH %d\n", batchNum)
	fmt.Fprintf(&sb, "GROUP: %s\n", group)
	fmt.Fprintf(&sb, "BATCH THREADS: %d\n", len(b.Units))
	fmt.Fprintf(&sb, "BATCH WORDS: %d\n", words)
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	var refs []manifest.ThreadRef
	var sources []string
	for i, unit := range b.Units {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(blocks[unit.Ref])
		refs = append(refs, manifest.ThreadRef{ThreadKey: unit.Ref, EmailCount: threadCounts[unit.Ref]})
		sources = append(sources, unit.Sources...)
	}

	content := sb.String()
	if err := os.WriteFile(destination, []byte(content), 0o644); err != nil {
		return 0, nil, nil, err
	}
	return int64(len(content)), refs, sources, nil
}
