package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	cases := map[string]Category{
		"report.pdf":     CategoryPDF,
		"REPORT.PDF":     CategoryPDF,
		"letter.docx":    CategoryWord,
		"legacy.DOC":     CategoryWord,
		"mail.eml":       CategoryEmail,
		"outlook.msg":    CategoryEmail,
		"bundle.zip":     CategoryArchive,
		"image.png":      CategoryUnsupported,
		"noextension":    CategoryUnsupported,
		"weird.pdf.tmp":  CategoryUnsupported,
		"dir/nested.pdf": CategoryPDF,
	}
	for path, want := range cases {
		assert.Equalf(t, want, Detect(path), "path %s", path)
	}
}

func TestWalkGroupsByFirstLevelFolder(t *testing.T) {
	root := t.TempDir()
	mustWrite := func(rel string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	mustWrite("loose.pdf")
	mustWrite("case_a/one.pdf")
	mustWrite("case_a/deep/two.docx")
	mustWrite("case_b/three.eml")

	groups, err := Walk(root, nil)
	require.NoError(t, err)

	require.Len(t, groups, 3)
	assert.Len(t, groups[RootGroup], 1)
	assert.Len(t, groups["case_a"], 2)
	assert.Len(t, groups["case_b"], 1)
}

func TestWalkExcludesOutputRoot(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "output")
	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "in.pdf"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(out, "stale.pdf"), []byte("x"), 0o644))

	groups, err := Walk(root, []string{out})
	require.NoError(t, err)

	require.Len(t, groups, 1)
	assert.Len(t, groups[RootGroup], 1)
}

func TestItemsPopulatesMetadata(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("12345"), 0o644))

	items := Items("case_a", OriginPlain, []string{pdf, filepath.Join(dir, "missing.png")})
	require.Len(t, items, 2)
	assert.Equal(t, CategoryPDF, items[0].Category)
	assert.Equal(t, int64(5), items[0].SizeBytes)
	assert.Equal(t, "case_a", items[0].Group)
	assert.Equal(t, CategoryUnsupported, items[1].Category)
	assert.Zero(t, items[1].SizeBytes)
}

func TestAllocateArchiveGroup(t *testing.T) {
	used := map[string]bool{}

	first, err := AllocateArchiveGroup("root", "/in/Evidence Pack.zip", used)
	require.NoError(t, err)
	assert.Equal(t, "root_Evidence_Pack", first)
	used[first] = true

	// Same base name from a different directory gets a numeric suffix.
	second, err := AllocateArchiveGroup("root", "/other/Evidence Pack.zip", used)
	require.NoError(t, err)
	assert.Equal(t, "root_Evidence_Pack_2", second)
	used[second] = true

	third, err := AllocateArchiveGroup("", "###.zip", used)
	require.NoError(t, err)
	assert.Equal(t, "zip", third)
}
