// Package archive extracts zip archives into a scratch workspace with the
// safety rules the rest of the pipeline depends on: entries can never escape
// the extraction root, leaf names are truncated to a configurable length with
// deterministic collision suffixes, nested archives expand only to a bounded
// depth, and a total-bytes budget guards against decompression bombs.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"docbatch/internal/event"
)

// suspiciousRatio is the compressed-to-uncompressed expansion factor above
// which an entry is treated as a probable zip bomb and skipped.
const suspiciousRatio = 100

var drivePrefix = regexp.MustCompile(`^[A-Za-z]:`)

// Options configure one Extractor. Zero values are usable but permissive;
// callers normally populate them from config.
type Options struct {
	// MaxNameLength truncates each extracted leaf name. 0 disables.
	MaxNameLength int
	// IncludeExtInLimit counts the extension against MaxNameLength.
	IncludeExtInLimit bool
	// DepthLimit bounds nested-archive expansion below the top level.
	DepthLimit int
	// MaxExtractBytes stops extraction once this many bytes have been
	// written for one top-level archive. 0 disables.
	MaxExtractBytes int64
}

// Stats are the archive-processing counters reported in the manifest.
type Stats struct {
	ArchivesFound              int `json:"archives_found"`
	ArchivesExtracted          int `json:"archives_extracted"`
	ArchivesFailed             int `json:"archives_failed"`
	EntriesTotal               int `json:"entries_total"`
	EntriesExtracted           int `json:"entries_extracted"`
	EntriesRenamed             int `json:"entries_renamed"`
	EntriesSkippedUnsafePath   int `json:"entries_skipped_unsafe_path"`
	EntriesSkippedRatio        int `json:"entries_skipped_ratio"`
	NestedArchivesExtracted    int `json:"nested_archives_extracted"`
	NestedArchivesSkippedDepth int `json:"nested_archives_skipped_depth"`
}

// Add accumulates counters from another extraction.
func (s *Stats) Add(o Stats) {
	s.ArchivesFound += o.ArchivesFound
	s.ArchivesExtracted += o.ArchivesExtracted
	s.ArchivesFailed += o.ArchivesFailed
	s.EntriesTotal += o.EntriesTotal
	s.EntriesExtracted += o.EntriesExtracted
	s.EntriesRenamed += o.EntriesRenamed
	s.EntriesSkippedUnsafePath += o.EntriesSkippedUnsafePath
	s.EntriesSkippedRatio += o.EntriesSkippedRatio
	s.NestedArchivesExtracted += o.NestedArchivesExtracted
	s.NestedArchivesSkippedDepth += o.NestedArchivesSkippedDepth
}

// Result reports one top-level archive extraction. Files lists extracted
// non-archive files; SkippedNested lists nested archives left unexpanded
// because of the depth limit (still present on disk, relocatable as
// unsupported). Warnings carry every non-fatal problem encountered.
type Result struct {
	Stats         Stats
	Files         []string
	SkippedNested []string
	Warnings      []event.Event
}

// Extractor expands archives under the configured safety rules.
type Extractor struct {
	opts   Options
	logger *slog.Logger
}

// New returns an Extractor. A nil logger falls back to slog.Default().
func New(opts Options, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{opts: opts, logger: logger}
}

// Extract expands zipPath into targetRoot. A failure to open the archive is
// reported in the result, not returned: archive-level failures are
// recoverable at the run level. The only error returned is context
// cancellation.
func (e *Extractor) Extract(ctx context.Context, zipPath, targetRoot string) (Result, error) {
	return e.extract(ctx, zipPath, targetRoot, 0)
}

func (e *Extractor) extract(ctx context.Context, zipPath, targetRoot string, depth int) (Result, error) {
	var res Result
	l := e.logger.With(slog.String("archive", filepath.Base(zipPath)), slog.Int("depth", depth))
	l.Debug("extracting archive")

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		res.Stats.ArchivesFailed++
		res.Warnings = append(res.Warnings, event.Warn(
			event.CodeExtractFailed,
			"failed to open zip archive; skipping archive",
			"archive", zipPath,
			"error", err.Error(),
		))
		l.Warn("failed to open archive", "error", err)
		return res, nil
	}
	defer reader.Close()
	res.Stats.ArchivesExtracted++

	usedPaths := map[string]bool{}
	var nested []string
	var extractedBytes int64

entries:
	for _, entry := range reader.File {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		// The ratio guard holds even when the byte budget is disabled.
		info := entry.FileInfo()
		if !info.IsDir() && entry.UncompressedSize64 > 0 {
			ratio := float64(entry.UncompressedSize64) / float64(max64(int64(entry.CompressedSize64), 1))
			if ratio > suspiciousRatio {
				res.Stats.EntriesTotal++
				res.Stats.EntriesSkippedRatio++
				res.Warnings = append(res.Warnings, event.Warn(
					event.CodeEntrySuspiciousRatio,
					"zip entry has suspicious compression ratio; skipping entry",
					"archive", zipPath,
					"entry", entry.Name,
					"ratio", int64(ratio),
				))
				continue
			}
			if e.opts.MaxExtractBytes > 0 && extractedBytes+int64(entry.UncompressedSize64) > e.opts.MaxExtractBytes {
				res.Warnings = append(res.Warnings, event.Warn(
					event.CodeExtractBudgetExceeded,
					"zip extraction stopped: total extracted size would exceed safety budget",
					"archive", zipPath,
					"budget_bytes", e.opts.MaxExtractBytes,
					"extracted_so_far", extractedBytes,
				))
				break entries
			}
		}

		safeRel, ok := safeMemberPath(entry.Name)
		if !ok {
			if !info.IsDir() {
				res.Stats.EntriesTotal++
				res.Stats.EntriesSkippedUnsafePath++
				res.Warnings = append(res.Warnings, event.Warn(
					event.CodeEntrySkippedUnsafePath,
					"skipped zip entry with unsafe path",
					"archive", zipPath,
					"entry", entry.Name,
				))
				l.Warn("skipped unsafe entry", "entry", entry.Name)
			}
			continue
		}
		if strings.HasSuffix(safeRel, "/") || info.IsDir() {
			continue
		}

		res.Stats.EntriesTotal++

		parts := strings.Split(safeRel, "/")
		leaf := truncateLeaf(parts[len(parts)-1], e.opts.MaxNameLength, e.opts.IncludeExtInLimit)
		renamed := leaf != parts[len(parts)-1]
		candidate := strings.Join(append(parts[:len(parts)-1:len(parts)-1], leaf), "/")
		uniqueRel, collided, err := uniquePath(candidate, usedPaths, e.opts.MaxNameLength, e.opts.IncludeExtInLimit)
		if err != nil {
			return res, err
		}
		if renamed || collided {
			res.Stats.EntriesRenamed++
		}
		usedPaths[uniqueRel] = true

		targetPath := filepath.Join(targetRoot, filepath.FromSlash(uniqueRel))
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			res.Warnings = append(res.Warnings, event.Warn(
				event.CodeEntryExtractFailed,
				"failed to create directory for zip entry; skipping entry",
				"archive", zipPath,
				"entry", entry.Name,
				"error", err.Error(),
			))
			continue
		}
		written, err := copyEntry(entry, targetPath)
		if err != nil {
			res.Warnings = append(res.Warnings, event.Warn(
				event.CodeEntryExtractFailed,
				"failed to extract zip entry; skipping entry",
				"archive", zipPath,
				"entry", entry.Name,
				"error", err.Error(),
			))
			continue
		}
		res.Stats.EntriesExtracted++
		extractedBytes += written

		if strings.EqualFold(filepath.Ext(targetPath), ".zip") {
			nested = append(nested, targetPath)
		} else {
			res.Files = append(res.Files, targetPath)
		}
	}

	for _, nestedPath := range nested {
		if depth < e.opts.DepthLimit {
			nestedRoot := filepath.Join(targetRoot, "_nested_"+uuid.NewString()[:8])
			if err := os.MkdirAll(nestedRoot, 0o755); err != nil {
				res.Warnings = append(res.Warnings, event.Warn(
					event.CodeExtractFailed,
					"failed to prepare nested extraction directory; skipping archive",
					"archive", nestedPath,
					"error", err.Error(),
				))
				res.Stats.ArchivesFailed++
				continue
			}
			nestedRes, err := e.extract(ctx, nestedPath, nestedRoot, depth+1)
			res.Stats.Add(nestedRes.Stats)
			// ArchivesExtracted is nonzero only when the nested archive
			// itself opened; an unopenable one is a failure, not an
			// extraction.
			if nestedRes.Stats.ArchivesExtracted > 0 {
				res.Stats.NestedArchivesExtracted++
			}
			res.Files = append(res.Files, nestedRes.Files...)
			res.SkippedNested = append(res.SkippedNested, nestedRes.SkippedNested...)
			res.Warnings = append(res.Warnings, nestedRes.Warnings...)
			if err != nil {
				return res, err
			}
		} else {
			res.Stats.NestedArchivesSkippedDepth++
			res.SkippedNested = append(res.SkippedNested, nestedPath)
			res.Warnings = append(res.Warnings, event.Warn(
				event.CodeNestedDepthExceeded,
				"nested zip archive left unexpanded: depth limit reached",
				"archive", nestedPath,
				"depth", depth,
				"depth_limit", e.opts.DepthLimit,
			))
			l.Warn("nested archive skipped", "archive", filepath.Base(nestedPath))
		}
	}

	l.Debug("archive extracted",
		slog.Int("entries", res.Stats.EntriesExtracted),
		slog.Int("renamed", res.Stats.EntriesRenamed),
		slog.Int("unsafe", res.Stats.EntriesSkippedUnsafePath),
	)
	return res, nil
}

func copyEntry(entry *zip.File, targetPath string) (int64, error) {
	src, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer src.Close()
	dst, err := os.Create(targetPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", targetPath, err)
	}
	written, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		os.Remove(targetPath)
		return written, fmt.Errorf("write %s: %w", targetPath, copyErr)
	}
	if closeErr != nil {
		return written, fmt.Errorf("close %s: %w", targetPath, closeErr)
	}
	return written, nil
}

// safeMemberPath normalizes a zip entry name to a forward-slash relative path
// confined to the extraction root. It rejects absolute paths, drive-qualified
// paths and any path containing a ".." segment.
func safeMemberPath(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	normalized := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return "", false
	}
	if drivePrefix.MatchString(normalized) {
		return "", false
	}
	trailingSlash := strings.HasSuffix(normalized, "/")
	var parts []string
	for _, part := range strings.Split(normalized, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", false
		default:
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	safe := strings.Join(parts, "/")
	if trailingSlash {
		safe += "/"
	}
	return safe, true
}

// truncateLeaf shortens a leaf name to maxLen characters. When includeExt is
// set the extension counts against the limit; otherwise only the stem is
// truncated. The limit is in runes so multi-byte names are never cut
// mid-character.
func truncateLeaf(name string, maxLen int, includeExt bool) string {
	if maxLen <= 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	allowed := maxLen
	if includeExt {
		allowed = maxLen - utf8.RuneCountInString(ext)
		if allowed < 1 {
			allowed = 1
		}
	}
	if runes := []rune(base); len(runes) > allowed {
		base = string(runes[:allowed])
	}
	return base + ext
}

// uniquePath resolves truncation collisions by appending _1, _2, ... before
// the extension, in entry-encounter order, re-truncating the stem so the
// limit still holds.
func uniquePath(candidate string, used map[string]bool, maxLen int, includeExt bool) (string, bool, error) {
	if !used[candidate] {
		return candidate, false, nil
	}
	slash := strings.LastIndex(candidate, "/")
	dir, leaf := "", candidate
	if slash >= 0 {
		dir, leaf = candidate[:slash], candidate[slash+1:]
	}
	ext := filepath.Ext(leaf)
	base := strings.TrimSuffix(leaf, ext)

	for counter := 1; counter < 100000; counter++ {
		suffix := fmt.Sprintf("_%d", counter)
		stem := base
		if maxLen > 0 {
			allowed := maxLen - len(suffix)
			if includeExt {
				allowed -= utf8.RuneCountInString(ext)
			}
			if allowed < 1 {
				allowed = 1
			}
			if runes := []rune(stem); len(runes) > allowed {
				stem = string(runes[:allowed])
			}
		}
		next := stem + suffix + ext
		if dir != "" {
			next = dir + "/" + next
		}
		if !used[next] {
			return next, true, nil
		}
	}
	return "", false, fmt.Errorf("unable to resolve zip filename collisions for %s", candidate)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
