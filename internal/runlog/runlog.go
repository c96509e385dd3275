// Package runlog writes the per-run log pair: a human readable text log and a
// structured jsonl log, both under the run's logs directory.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Keys whose values are filesystem paths. In redacted mode only the base name
// survives into the logs.
var pathKeys = map[string]bool{
	"file":        true,
	"source":      true,
	"destination": true,
	"archive":     true,
	"entry":       true,
	"path":        true,
	"input":       true,
	"output":      true,
}

// Options configure one run's log pair.
type Options struct {
	RunID    string
	Dir      string
	Level    slog.Level
	Redact   bool
	Console  io.Writer // optional extra text sink, usually stderr
}

// Runlog owns the open log files for one run.
type Runlog struct {
	logger   *slog.Logger
	textPath string
	jsonPath string
	textFile *os.File
	jsonFile *os.File
}

// Open creates run_<id>.log and run_<id>.jsonl under opts.Dir and returns a
// logger fanning out to both, plus the console when one is given.
func Open(opts Options) (*Runlog, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", opts.Dir, err)
	}

	r := &Runlog{
		textPath: filepath.Join(opts.Dir, fmt.Sprintf("run_%s.log", opts.RunID)),
		jsonPath: filepath.Join(opts.Dir, fmt.Sprintf("run_%s.jsonl", opts.RunID)),
	}

	var err error
	if r.textFile, err = os.Create(r.textPath); err != nil {
		return nil, fmt.Errorf("create text log: %w", err)
	}
	if r.jsonFile, err = os.Create(r.jsonPath); err != nil {
		r.textFile.Close()
		return nil, fmt.Errorf("create jsonl log: %w", err)
	}

	replace := replaceAttr(opts.Redact)
	handlerOpts := &slog.HandlerOptions{Level: opts.Level, ReplaceAttr: replace}

	handlers := []slog.Handler{
		slog.NewTextHandler(r.textFile, handlerOpts),
		slog.NewJSONHandler(r.jsonFile, handlerOpts),
	}
	if opts.Console != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.Console, handlerOpts))
	}
	r.logger = slog.New(fanout(handlers))
	return r, nil
}

// Logger returns the run logger.
func (r *Runlog) Logger() *slog.Logger { return r.logger }

// TextPath is the run_<id>.log location, recorded in the manifest.
func (r *Runlog) TextPath() string { return r.textPath }

// JSONLPath is the run_<id>.jsonl location, recorded in the manifest.
func (r *Runlog) JSONLPath() string { return r.jsonPath }

func (r *Runlog) Close() error {
	return errors.Join(r.textFile.Close(), r.jsonFile.Close())
}

func replaceAttr(redact bool) func(groups []string, a slog.Attr) slog.Attr {
	if !redact {
		return nil
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		if !pathKeys[a.Key] {
			return a
		}
		if a.Value.Kind() == slog.KindString {
			a.Value = slog.StringValue(filepath.Base(a.Value.String()))
		}
		return a
	}
}

// fanout dispatches each record to every handler.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, rec.Level) {
			errs = append(errs, h.Handle(ctx, rec.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
