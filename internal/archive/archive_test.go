package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/event"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func codes(warnings []event.Event) []string {
	var out []string
	for _, w := range warnings {
		out = append(out, w.Code)
	}
	return out
}

func TestExtractPathContainment(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "input.zip")
	writeZip(t, zipPath, map[string]string{
		"good.pdf":              "pdf bytes",
		"../../evil.pdf":        "escape attempt",
		"/abs/rooted.pdf":       "absolute",
		"C:/drive/windows.pdf":  "drive qualified",
		"nested/dir/inside.pdf": "fine",
	})

	root := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(root, 0o755))
	res, err := New(Options{MaxNameLength: 50, IncludeExtInLimit: true}, nil).Extract(context.Background(), zipPath, root)
	require.NoError(t, err)

	assert.Equal(t, 2, len(res.Files))
	assert.Equal(t, 3, res.Stats.EntriesSkippedUnsafePath)
	assert.Equal(t, 5, res.Stats.EntriesTotal)

	// Nothing may land outside the extraction root.
	for _, f := range res.Files {
		rel, err := filepath.Rel(root, f)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), "file escaped root: %s", f)
	}
	assert.NoFileExists(t, filepath.Join(dir, "evil.pdf"))
	assert.Equal(t, 3, countCode(res.Warnings, event.CodeEntrySkippedUnsafePath))
}

func countCode(warnings []event.Event, code string) int {
	n := 0
	for _, w := range warnings {
		if w.Code == code {
			n++
		}
	}
	return n
}

func TestExtractTruncatesLongNames(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "input.zip")
	longName := "a_very_long_original_filename_exceeding_fifty_characters.pdf"
	writeZip(t, zipPath, map[string]string{longName: "content"})

	root := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(root, 0o755))
	res, err := New(Options{MaxNameLength: 50, IncludeExtInLimit: true}, nil).Extract(context.Background(), zipPath, root)
	require.NoError(t, err)

	require.Len(t, res.Files, 1)
	leaf := filepath.Base(res.Files[0])
	assert.Len(t, leaf, 50)
	assert.True(t, strings.HasSuffix(leaf, ".pdf"))
	assert.Equal(t, 1, res.Stats.EntriesRenamed)
}

func TestExtractResolvesTruncationCollisions(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "input.zip")

	// Distinct stems that truncate to the same 10-character leaf.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"collision_one.pdf", "collision_two.pdf"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	root := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(root, 0o755))
	res, err := New(Options{MaxNameLength: 10, IncludeExtInLimit: true}, nil).Extract(context.Background(), zipPath, root)
	require.NoError(t, err)

	require.Len(t, res.Files, 2)
	leaves := []string{filepath.Base(res.Files[0]), filepath.Base(res.Files[1])}
	assert.NotEqual(t, leaves[0], leaves[1])
	// First entry keeps the plain truncation, second gets the numeric suffix.
	assert.Contains(t, leaves[1], "_1")
	for _, leaf := range leaves {
		assert.LessOrEqual(t, len(leaf), 10)
	}
	assert.Equal(t, 2, res.Stats.EntriesRenamed)
}

func TestExtractNestedDepthLimit(t *testing.T) {
	dir := t.TempDir()

	// inner.zip holds a document; mid.zip holds inner.zip; outer.zip holds mid.zip.
	var inner bytes.Buffer
	zw := zip.NewWriter(&inner)
	w, err := zw.Create("deep.pdf")
	require.NoError(t, err)
	_, err = w.Write([]byte("deep"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var mid bytes.Buffer
	zw = zip.NewWriter(&mid)
	w, err = zw.Create("inner.zip")
	require.NoError(t, err)
	_, err = w.Write(inner.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var outer bytes.Buffer
	zw = zip.NewWriter(&outer)
	w, err = zw.Create("mid.zip")
	require.NoError(t, err)
	_, err = w.Write(mid.Bytes())
	require.NoError(t, err)
	w, err = zw.Create("top.pdf")
	require.NoError(t, err)
	_, err = w.Write([]byte("top"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	zipPath := filepath.Join(dir, "outer.zip")
	require.NoError(t, os.WriteFile(zipPath, outer.Bytes(), 0o644))

	root := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(root, 0o755))
	res, err := New(Options{DepthLimit: 1}, nil).Extract(context.Background(), zipPath, root)
	require.NoError(t, err)

	// mid.zip expands (depth 1); inner.zip stays intact (depth 2).
	assert.Equal(t, 1, res.Stats.NestedArchivesExtracted)
	assert.Equal(t, 1, res.Stats.NestedArchivesSkippedDepth)
	require.Len(t, res.SkippedNested, 1)
	assert.FileExists(t, res.SkippedNested[0])
	assert.Contains(t, codes(res.Warnings), event.CodeNestedDepthExceeded)

	var names []string
	for _, f := range res.Files {
		names = append(names, filepath.Base(f))
	}
	assert.Contains(t, names, "top.pdf")
	assert.NotContains(t, names, "deep.pdf")
}

func TestExtractNestedUnopenableArchiveNotCountedExtracted(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "outer.zip")
	writeZip(t, zipPath, map[string]string{
		"inner.zip": "not a zip",
		"top.pdf":   "top",
	})

	res, err := New(Options{DepthLimit: 1}, nil).Extract(context.Background(), zipPath, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Stats.NestedArchivesExtracted)
	assert.Equal(t, 1, res.Stats.ArchivesFailed)
	assert.Contains(t, codes(res.Warnings), event.CodeExtractFailed)
}

func TestExtractUnopenableArchiveIsRecoverable(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("not a zip"), 0o644))

	res, err := New(Options{}, nil).Extract(context.Background(), zipPath, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.ArchivesFailed)
	assert.Contains(t, codes(res.Warnings), event.CodeExtractFailed)
	assert.Empty(t, res.Files)
}

func TestExtractBudgetStopsExtraction(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "big.zip")
	// Incompressible payloads keep the ratio check out of play.
	rng := rand.New(rand.NewSource(42))
	payload := make([]byte, 1024)
	_, err := rng.Read(payload)
	require.NoError(t, err)
	writeZip(t, zipPath, map[string]string{
		"one.pdf": string(payload),
		"two.pdf": string(payload),
	})

	res, err := New(Options{MaxExtractBytes: 1536}, nil).Extract(context.Background(), zipPath, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)
	assert.Contains(t, codes(res.Warnings), event.CodeExtractBudgetExceeded)
}

func TestExtractRatioGuardHoldsWithoutByteBudget(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bomb.zip")
	// Half a megabyte of zeros deflates to almost nothing, far past the
	// suspicious ratio.
	writeZip(t, zipPath, map[string]string{
		"zeros.pdf": strings.Repeat("\x00", 512*1024),
	})

	res, err := New(Options{}, nil).Extract(context.Background(), zipPath, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.Equal(t, 1, res.Stats.EntriesSkippedRatio)
	assert.Contains(t, codes(res.Warnings), event.CodeEntrySuspiciousRatio)
}

func TestSafeMemberPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"plain.pdf", "plain.pdf", true},
		{"dir/sub/file.pdf", "dir/sub/file.pdf", true},
		{"./dir/./file.pdf", "dir/file.pdf", true},
		{"dir\\win\\file.pdf", "dir/win/file.pdf", true},
		{"../escape.pdf", "", false},
		{"dir/../../escape.pdf", "", false},
		{"/rooted.pdf", "", false},
		{"C:evil.pdf", "", false},
		{"c:/evil.pdf", "", false},
		{"", "", false},
		{".", "", false},
	}
	for _, tc := range cases {
		got, ok := safeMemberPath(tc.in)
		assert.Equalf(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			assert.Equalf(t, tc.want, got, "input %q", tc.in)
		}
	}
}

func TestTruncateLeaf(t *testing.T) {
	assert.Equal(t, "short.pdf", truncateLeaf("short.pdf", 50, true))
	got := truncateLeaf("a_very_long_original_filename_exceeding_fifty_characters.pdf", 50, true)
	assert.Len(t, got, 50)
	assert.True(t, strings.HasSuffix(got, ".pdf"))
	// Extension excluded from the limit: stem cut to 10, extension intact.
	assert.Equal(t, "abcdefghij.pdf", truncateLeaf("abcdefghijklmno.pdf", 10, false))
	// Limit shorter than the extension still keeps one stem character.
	assert.Equal(t, "a.longextension", truncateLeaf("abc.longextension", 4, true))
}

func TestTruncateLeafKeepsRuneBoundaries(t *testing.T) {
	name := "日本語の長いファイル名です.pdf" // 13 rune stem

	// 13 stem runes fit a 20-rune limit untouched.
	assert.Equal(t, name, truncateLeaf(name, 20, true))

	got := truncateLeaf(name, 10, true)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 10, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, ".pdf"))

	// Collision suffixes re-truncate on rune boundaries too.
	used := map[string]bool{got: true}
	next, collided, err := uniquePath(got, used, 10, true)
	require.NoError(t, err)
	assert.True(t, collided)
	assert.True(t, utf8.ValidString(next))
	assert.LessOrEqual(t, utf8.RuneCountInString(next), 10)
	assert.Contains(t, next, "_1")
}
