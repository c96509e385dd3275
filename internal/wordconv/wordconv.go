// Package wordconv converts Word documents to PDF through an external
// converter command. Conversion is best effort: a failed or timed out file is
// reported back so the run can track it, never retried.
package wordconv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Converter turns one Word document into a PDF under outDir and returns the
// produced file path.
type Converter interface {
	Convert(ctx context.Context, sourcePath, outDir string) (string, error)
}

// ErrTimeout marks a conversion stopped by the per-file deadline.
var ErrTimeout = errors.New("conversion timed out")

// CommandConverter shells out to a LibreOffice style converter:
//
//	<command> --headless --convert-to pdf --outdir <outDir> <source>
type CommandConverter struct {
	Command string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewCommand(command string, timeout time.Duration, logger *slog.Logger) *CommandConverter {
	return &CommandConverter{Command: command, Timeout: timeout, Logger: logger}
}

// Convert runs one conversion attempt. The produced PDF keeps the source base
// name with the extension swapped.
func (c *CommandConverter) Convert(ctx context.Context, sourcePath, outDir string) (string, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Command,
		"--headless", "--convert-to", "pdf", "--outdir", outDir, sourcePath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", fmt.Errorf("convert %s after %s: %w", filepath.Base(sourcePath), c.Timeout, ErrTimeout)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("convert %s: %w: %s", filepath.Base(sourcePath), err, firstLine(output))
	}

	produced := outputPath(sourcePath, outDir)
	c.Logger.Debug("converted word document", "file", sourcePath, "destination", produced)
	return produced, nil
}

func outputPath(sourcePath, outDir string) string {
	base := filepath.Base(sourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outDir, stem+".pdf")
}

func firstLine(output []byte) string {
	s := strings.TrimSpace(string(output))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
