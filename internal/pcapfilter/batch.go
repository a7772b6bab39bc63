package pcapfilter

import (
	"context"
	"fmt"
	"io/fs"
	"net/netip"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CaptureFile is the capture name Refilter looks for.
const CaptureFile = "capture.pcap"

// Result is the outcome of filtering one capture of a crawl directory.
type Result struct {
	Path  string
	Stats Stats
	Err   error
}

// Refilter filters every capture under root concurrently.
//
// A failing capture does not stop the others; its error is reported in its
// Result. The returned error is only non-nil when root cannot be walked or
// ctx is cancelled. Results are ordered by path. Captures are filtered from
// their preserved original when there is one.
func Refilter(ctx context.Context, root string, ips []netip.Addr, opts ...Option) ([]Result, error) {
	o := newOptions(opts)

	paths, err := findCaptures(root)
	if err != nil {
		return nil, err
	}

	o.logger.Info("starting re-filter",
		"root", root,
		"captures", len(paths),
		"concurrency", o.concurrency,
	)
	start := time.Now()

	results := make([]Result, len(paths))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i, path := range paths {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			res := Result{Path: path}
			addrs := ips
			if o.resolver != nil {
				resolved, err := o.resolver(path)
				if err != nil {
					o.logger.Warn("failed to resolve relay addresses", "path", path, "error", err)
				} else if len(resolved) > 0 {
					addrs = resolved
				}
			}

			res.Stats, res.Err = Filter(path, addrs, WithStrip(o.strip), WithReuseOriginal(true))
			if res.Err != nil {
				o.logger.Warn("failed to filter capture", "path", path, "error", res.Err)
			} else {
				o.logger.Debug("capture filtered",
					"path", path,
					"read", res.Stats.Read,
					"kept", res.Stats.Kept,
				)
			}

			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()

	o.logger.Info("re-filter complete",
		"captures", len(paths),
		"elapsed", time.Since(start),
	)
	return results, err
}

// findCaptures returns every capture file under root. A preserved original
// without a capture next to it is picked up as well.
func findCaptures(root string) ([]string, error) {
	seen := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch d.Name() {
		case CaptureFile:
			seen[path] = true
		case CaptureFile + OriginalSuffix:
			seen[strings.TrimSuffix(path, OriginalSuffix)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}
