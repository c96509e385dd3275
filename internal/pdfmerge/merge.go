// Package pdfmerge concatenates PDF batches into single output documents.
package pdfmerge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"docbatch/internal/event"
)

// Merger merges validated PDF sources into one output file per batch.
type Merger struct {
	conf   *model.Configuration
	logger *slog.Logger
}

// Result reports one merge: the sources that made it into the output, the
// sources skipped as unreadable, the page count of the written document, and
// the warnings describing why sources were dropped.
type Result struct {
	OutputPath string
	Merged     []string
	Skipped    []string
	Pages      int
	Warnings   []event.Event
}

func New(logger *slog.Logger) *Merger {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Merger{conf: conf, logger: logger}
}

// Merge validates each source and concatenates the readable ones into
// outputPath, preserving source order. Unreadable sources are skipped with a
// warning rather than failing the batch. An error is returned only when the
// run is cancelled, no source survives validation, or the final write fails.
func (m *Merger) Merge(ctx context.Context, sources []string, outputPath string) (Result, error) {
	res := Result{OutputPath: outputPath}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := api.ValidateFile(src, m.conf); err != nil {
			m.logger.Warn("skipping unreadable pdf", "file", src, "error", err)
			res.Skipped = append(res.Skipped, src)
			res.Warnings = append(res.Warnings, event.Warn(event.CodePDFUnreadable,
				fmt.Sprintf("unreadable pdf skipped: %s", filepath.Base(src)),
				"file", src, "error", err.Error()))
			continue
		}
		res.Merged = append(res.Merged, src)
	}

	if len(res.Merged) == 0 {
		res.Warnings = append(res.Warnings, event.Warn(event.CodePDFEmptyBatch,
			"no readable pdf in batch, output not created",
			"destination", outputPath))
		return res, fmt.Errorf("merge %s: no readable source", filepath.Base(outputPath))
	}

	if err := api.MergeCreateFile(res.Merged, outputPath, false, m.conf); err != nil {
		return res, fmt.Errorf("merge %s: %w", filepath.Base(outputPath), err)
	}
	pages, err := m.PageCount(outputPath)
	if err != nil {
		m.logger.Warn("could not count pages of merged pdf", "destination", outputPath, "error", err)
	}
	res.Pages = pages
	m.logger.Debug("merged pdf batch", "destination", outputPath, "sources", len(res.Merged), "skipped", len(res.Skipped), "pages", pages)
	return res, nil
}

// PageCount reports the page count of a PDF.
func (m *Merger) PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("page count %s: %w", filepath.Base(path), err)
	}
	return n, nil
}
