package wordconv

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOutputPathSwapsExtension(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "letter.pdf"), outputPath("/in/docs/letter.docx", "out"))
	assert.Equal(t, filepath.Join("out", "legacy.pdf"), outputPath("legacy.doc", "out"))
}

func TestConvertMissingCommand(t *testing.T) {
	c := NewCommand("definitely-not-a-real-converter-binary", time.Second, testLogger())
	_, err := c.Convert(context.Background(), "a.docx", t.TempDir())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestConvertTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a sleeping unix binary")
	}
	// sleep rejects the converter flags and exits fast; the assertion only
	// cares that a failing converter never blocks the run.
	c := NewCommand("sleep", 50*time.Millisecond, testLogger())
	start := time.Now()
	_, err := c.Convert(context.Background(), "a.docx", t.TempDir())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConvertCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCommand("true", time.Second, testLogger())
	_, err := c.Convert(ctx, "a.docx", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFirstLineTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, firstLine(long), 200)
	assert.Equal(t, "first", firstLine([]byte("first\nsecond")))
}
