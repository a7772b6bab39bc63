package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// CrawlLogFile is the log file kept in every crawl directory.
const CrawlLogFile = "crawl.log"

// NewCrawlLogger returns a secure logger writing to w and appending to
// <root>/crawl.log. The file always gets debug records, so a crawl can be
// examined afterwards even when the terminal only showed warnings.
// The returned closer closes the file.
func NewCrawlLogger(w io.Writer, root string, verbose bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create crawl directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(root, CrawlLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // inside the crawl directory
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open crawl log: %w", err)
	}

	term := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level(verbose)})
	file := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewSecureHandler(teeHandler{term, file})), f, nil
}

// teeHandler hands every record to each handler that is enabled for it.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
