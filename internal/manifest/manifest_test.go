package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/archive"
	"docbatch/internal/event"
)

func TestReserveOutputsEnforcesCeiling(t *testing.T) {
	r := NewRecorder(3)
	require.NoError(t, r.ReserveOutputs(2))
	r.AddOutput("a.pdf", nil)
	r.AddOutput("b.pdf", nil)

	require.NoError(t, r.ReserveOutputs(1))

	err := r.ReserveOutputs(2)
	require.Error(t, err)
	var ceiling *ErrCeiling
	require.ErrorAs(t, err, &ceiling)
	assert.Equal(t, 3, ceiling.Limit)
	assert.Equal(t, 3, ceiling.Used)
	assert.Equal(t, 2, ceiling.Requested)
}

func TestReserveOutputsUnlimitedWhenZero(t *testing.T) {
	r := NewRecorder(0)
	assert.NoError(t, r.ReserveOutputs(1000))
}

func TestCeilingNotDoubleBookedConcurrently(t *testing.T) {
	r := NewRecorder(50)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.ReserveOutputs(1) == nil {
				r.AddOutput("out.pdf", nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.OutputCount())
}

func TestAddEventDerivesDispositions(t *testing.T) {
	r := NewRecorder(0)

	r.AddEvent(event.Warn(event.CodeEntrySkippedUnsafePath, "unsafe path",
		"archive", "/in/bundle.zip", "entry", "../../evil.pdf"))
	r.AddEvent(event.Warn(event.CodeNestedDepthExceeded, "depth limit",
		"archive", "/scratch/inner.zip"))
	// Duplicate of the first event, must not double-count.
	r.AddEvent(event.Warn(event.CodeEntrySkippedUnsafePath, "unsafe path",
		"archive", "/in/bundle.zip", "entry", "../../evil.pdf"))
	// Info events are not dispositions.
	r.AddEvent(event.Info(event.CodeArtifactCreated, "artifact", "file", "/in/x.pdf"))
	// A budget stop names a partially processed archive, not a failed input.
	r.AddEvent(event.Warn(event.CodeExtractBudgetExceeded, "budget",
		"archive", "/in/bundle.zip", "budget_bytes", int64(1024)))

	doc := r.Document(Snapshot{RunID: "r1"})
	require.Len(t, doc.Files.Failed, 1)
	assert.Equal(t, "/in/bundle.zip::../../evil.pdf", doc.Files.Failed[0].Source)
	assert.Equal(t, "zip", doc.Files.Failed[0].Stage)

	require.Len(t, doc.Files.Skipped, 1)
	assert.Equal(t, "/scratch/inner.zip", doc.Files.Skipped[0].Source)

	assert.Equal(t, 4, doc.Summary.WarningsTotal)
	assert.Equal(t, 1, doc.Summary.SkippedFilesTotal)
	assert.Equal(t, 1, doc.Summary.FailedFilesTotal)
}

func TestArtifactUpdateCountsCreated(t *testing.T) {
	r := NewRecorder(0)
	r.AddEvent(event.Warn(event.CodePDFUnreadable, "bad", "file", "/in/a.pdf"))
	r.AddEvent(event.Warn(event.CodePDFUnreadable, "bad", "file", "/in/b.pdf"))

	failed := r.FailedFiles()
	require.Len(t, failed, 2)
	r.UpdateArtifact(failed[0], "copy", ArtifactCreated, "/out/failed/pdf/a.pdf")
	r.UpdateArtifact(failed[1], "copy", ArtifactSourceMissing, "")

	doc := r.Document(Snapshot{})
	assert.Equal(t, 1, doc.Summary.FailedArtifactsTotal)
	assert.Equal(t, ArtifactCreated, doc.Files.Failed[0].ArtifactStatus)
	assert.Equal(t, ArtifactSourceMissing, doc.Files.Failed[1].ArtifactStatus)
}

func TestOptionalSectionsOmittedWhenEmpty(t *testing.T) {
	r := NewRecorder(0)
	doc := r.Document(Snapshot{RunID: "r2"})

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	s := string(data)
	assert.NotContains(t, s, "word_conversion")
	assert.NotContains(t, s, "zip_processing")
	assert.NotContains(t, s, "emails")
	assert.NotContains(t, s, "output_to_sources")
	// Disposition lists serialize as empty arrays, never null.
	assert.Contains(t, s, `"failed":[]`)
	assert.Contains(t, s, `"skipped":[]`)
}

func TestOptionalSectionsPresentWhenPopulated(t *testing.T) {
	r := NewRecorder(0)
	r.AddWordConversion(3, 2, 1)
	r.AddZipStats(archive.Stats{ArchivesFound: 1, ArchivesExtracted: 1, EntriesExtracted: 4})
	r.AddEmailStats(5, 1, 2, 1, 3, 2048, map[string][]ThreadRef{
		"emails_batch1.txt": {{ThreadKey: "budget", EmailCount: 4}},
	})
	r.AddOutput("/out/processed/root_pdfs_batch1.pdf", []string{"/in/a.pdf"})

	doc := r.Document(Snapshot{})
	require.NotNil(t, doc.WordConversion)
	assert.Equal(t, 3, doc.WordConversion.Attempted)
	require.NotNil(t, doc.ZipProcessing)
	assert.Equal(t, 4, doc.ZipProcessing.EntriesExtracted)
	require.NotNil(t, doc.Emails)
	assert.Equal(t, int64(2048), doc.Emails.OutputTotalBytes)
	assert.Equal(t, []ThreadRef{{ThreadKey: "budget", EmailCount: 4}}, doc.Emails.BatchToThreads["emails_batch1.txt"])
	assert.Equal(t, []string{"/in/a.pdf"}, doc.OutputToSources["/out/processed/root_pdfs_batch1.pdf"])
}

func TestWriteProducesManifestFile(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(0)
	r.AddInputFiles(2)
	r.AddOutput(filepath.Join(dir, "batch1.pdf"), nil)

	doc := r.Document(Snapshot{RunID: "runx", InputPath: "/in"})
	path, err := doc.Write(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "runx", decoded["run_id"])
	assert.Equal(t, float64(2), decoded["total_input_files"])
	assert.Equal(t, float64(1), decoded["total_output_files"])
}
