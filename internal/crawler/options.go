package crawler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nao1215/tbcrawler/internal/config"
)

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type options struct {
	softTimeout         time.Duration
	hardTimeout         time.Duration
	screenshotTimeout   time.Duration
	snifferGrace        time.Duration
	pauseBetweenBatches time.Duration
	pauseBetweenSites   time.Duration
	pauseInSite         time.Duration
	screenshots         bool
	maxURLLength        int
	logger              *slog.Logger
	sleep               SleepFunc
	now                 func() time.Time
}

// Option configures an Orchestrator.
type Option func(*options)

// WithTimeouts sets the browser page-load timeout, the wall-clock ceiling of
// a visit body and the screenshot bound.
func WithTimeouts(soft, hard, screenshot time.Duration) Option {
	return func(o *options) {
		o.softTimeout = soft
		o.hardTimeout = hard
		o.screenshotTimeout = screenshot
	}
}

// WithPauses sets the delays of the crawl loop: the sniffer grace before
// navigation, the dwell time on a loaded page and the pauses after each
// site and batch.
func WithPauses(snifferGrace, inSite, betweenSites, betweenBatches time.Duration) Option {
	return func(o *options) {
		o.snifferGrace = snifferGrace
		o.pauseInSite = inSite
		o.pauseBetweenSites = betweenSites
		o.pauseBetweenBatches = betweenBatches
	}
}

// WithScreenshots enables a screenshot after every successful visit.
func WithScreenshots(enabled bool) Option {
	return func(o *options) {
		o.screenshots = enabled
	}
}

// WithMaxURLLength sets the longest URL that is visited.
func WithMaxURLLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxURLLength = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSleep replaces the function used for every pause.
func WithSleep(sleep SleepFunc) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

// WithClock replaces the clock used for visit records.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// OptionsFromConfig maps the crawl section of cfg to options.
func OptionsFromConfig(cfg config.CrawlConfig) []Option {
	return []Option{
		WithTimeouts(cfg.SoftVisitTimeout, cfg.HardVisitTimeout, cfg.ScreenshotTimeout),
		WithPauses(cfg.SnifferGrace, cfg.PauseInSite, cfg.PauseBetweenSites, cfg.PauseBetweenBatches),
		WithScreenshots(cfg.Screenshots),
		WithMaxURLLength(cfg.MaxURLLength),
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		softTimeout:         config.DefaultSoftVisitTimeout,
		hardTimeout:         config.DefaultHardVisitTimeout,
		screenshotTimeout:   config.DefaultScreenshotTimeout,
		snifferGrace:        config.DefaultSnifferGrace,
		pauseBetweenBatches: config.DefaultPauseBetweenBatches,
		pauseBetweenSites:   config.DefaultPauseBetweenSites,
		pauseInSite:         config.DefaultPauseInSite,
		screenshots:         true,
		maxURLLength:        config.DefaultMaxURLLength,
		sleep:               Sleep,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
