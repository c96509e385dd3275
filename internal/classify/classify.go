// Package classify walks the expanded input tree and assigns every file a
// processing category and an output group. The pass is pure: it reads only
// file metadata and builds the InputItem list the rest of the run works from.
package classify

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Category is the processing lane a file belongs to.
type Category string

const (
	CategoryPDF         Category = "pdf"
	CategoryWord        Category = "word"
	CategoryEmail       Category = "email"
	CategoryArchive     Category = "archive"
	CategoryUnsupported Category = "unsupported"
)

// Origin records how a file entered the run.
type Origin string

const (
	OriginPlain        Origin = "plain"
	OriginArchiveEntry Origin = "archive-entry"
)

// RootGroup names the group for loose files directly under the input root.
const RootGroup = "root"

// InputItem is one discoverable source file. Immutable after discovery;
// dispositions are tracked separately by the manifest recorder.
type InputItem struct {
	Source    string
	Category  Category
	Origin    Origin
	Group     string
	SizeBytes int64
}

// Detect maps a filename to its category by extension.
func Detect(path string) Category {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return CategoryPDF
	case ".doc", ".docx":
		return CategoryWord
	case ".eml", ".msg":
		return CategoryEmail
	case ".zip":
		return CategoryArchive
	default:
		return CategoryUnsupported
	}
}

// Walk groups every file under root by its first-level subfolder; files
// directly under root fall into RootGroup. Paths under any exclude prefix are
// skipped (used to keep a nested output root out of the scan). Traversal is
// lexical, so group file lists come back in a stable order.
func Walk(root string, excludes []string) (map[string][]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve input root %s: %w", root, err)
	}
	var absExcludes []string
	for _, ex := range excludes {
		if ex == "" {
			continue
		}
		abs, err := filepath.Abs(ex)
		if err != nil {
			return nil, fmt.Errorf("resolve exclude %s: %w", ex, err)
		}
		absExcludes = append(absExcludes, abs)
	}

	groups := map[string][]string{}
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			for _, ex := range absExcludes {
				if path == ex || strings.HasPrefix(path, ex+string(os.PathSeparator)) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		group := RootGroup
		if dir := filepath.Dir(rel); dir != "." {
			group = strings.Split(dir, string(os.PathSeparator))[0]
		}
		groups[group] = append(groups[group], path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk input tree %s: %w", absRoot, err)
	}
	return groups, nil
}

// Items classifies a group's files into InputItems. Files that cannot be
// stat'ed are still included with size 0; downstream processing surfaces the
// real error at the point of use.
func Items(group string, origin Origin, files []string) []InputItem {
	items := make([]InputItem, 0, len(files))
	for _, f := range files {
		var size int64
		if info, err := os.Stat(f); err == nil {
			size = info.Size()
		}
		items = append(items, InputItem{
			Source:    f,
			Category:  Detect(f),
			Origin:    origin,
			Group:     group,
			SizeBytes: size,
		})
	}
	return items
}

var groupComponent = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeGroupComponent reduces an arbitrary name to filename-safe group
// characters.
func SanitizeGroupComponent(value string) string {
	normalized := strings.Trim(groupComponent.ReplaceAllString(value, "_"), "_")
	if normalized == "" {
		return "zip"
	}
	return normalized
}

// AllocateArchiveGroup derives the synthetic group id for a top-level archive
// from its containing group and base name, appending _2, _3, ... when two
// archives share a base name. Stable for the duration of a run via the used
// set the caller threads through.
func AllocateArchiveGroup(parentGroup, zipPath string, used map[string]bool) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(zipPath), filepath.Ext(zipPath))
	component := SanitizeGroupComponent(stem)
	base := component
	if parentGroup != "" {
		base = parentGroup + "_" + component
	}
	if !used[base] {
		return base, nil
	}
	for counter := 2; counter < 100000; counter++ {
		candidate := fmt.Sprintf("%s_%d", base, counter)
		if !used[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unable to allocate unique group name for archive %s", zipPath)
}
