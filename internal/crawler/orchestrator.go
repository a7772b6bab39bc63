package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nao1215/tbcrawler/internal/captcha"
	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tbcrawler/internal/job"
	"github.com/nao1215/tbcrawler/internal/model"
)

// Orchestrator runs a crawl job to completion, one visit at a time.
type Orchestrator struct {
	deps    Deps
	variant Variant
	opts    *options
	logger  *slog.Logger
}

// New creates an orchestrator. Browser, Network and Sniffer are required.
func New(deps Deps, variant Variant, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Browser == nil:
		return nil, fmt.Errorf("%w: browser", ErrMissingDependency)
	case deps.Network == nil:
		return nil, fmt.Errorf("%w: network", ErrMissingDependency)
	case deps.Sniffer == nil:
		return nil, fmt.Errorf("%w: sniffer", ErrMissingDependency)
	case variant == nil:
		return nil, fmt.Errorf("%w: variant", ErrMissingDependency)
	}

	o := newOptions(opts)
	return &Orchestrator{
		deps:    deps,
		variant: variant,
		opts:    o,
		logger:  o.logger.With("variant", variant.Name()),
	}, nil
}

// Run crawls from the job's current cursors to the end. It returns nil when
// every batch has run, the context error when ctx is cancelled, and the
// error itself when a configuration error is hit. Everything else is logged
// and recovered.
//
// ctx is checked between visits; a visit that has started runs to its end
// or its hard timeout.
func (o *Orchestrator) Run(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}

	o.logger.Info("crawl started", "job", j.String(), "root", j.Root)
	for ; j.Batch < j.Batches; j.Batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runBatch(ctx, j); err != nil {
			return err
		}
		j.Site, j.Visit = 0, 0
		if err := o.opts.sleep(ctx, o.opts.pauseBetweenBatches); err != nil {
			return err
		}
	}

	o.checkpoint(j)
	o.logger.Info("crawl finished", "visits", j.Total(), "captchas", j.CaptchaCount())
	return nil
}

func (o *Orchestrator) runBatch(ctx context.Context, j *job.Job) error {
	logger := o.logger.With("batch", j.Batch)

	sess, err := o.deps.Network.Launch(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if config.IsConfigError(err) {
			return err
		}
		logger.Error("failed to launch Tor session, skipping batch", "error", err)
		o.recordSkippedBatch(ctx, j, err)
		return nil
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("failed to close Tor session", "error", err)
		}
	}()

	if err := o.variant.BeforeBatch(ctx, sess); err != nil {
		if config.IsConfigError(err) {
			return err
		}
		logger.Error("failed to prepare batch, skipping it", "error", err)
		o.recordSkippedBatch(ctx, j, err)
		return nil
	}

	for ; j.Site < len(j.URLs); j.Site++ {
		url := j.URL()
		if len(url) > o.opts.maxURLLength {
			logger.Warn("skipping URL longer than the maximum",
				"url", url, "site", j.Site, "length", len(url), "max", o.opts.maxURLLength)
			for ; j.Visit < j.Visits; j.Visit++ {
				o.record(ctx, o.newRecord(j, model.OutcomeSkipped, errURLTooLong))
			}
			j.Visit = 0
			continue
		}

		for ; j.Visit < j.Visits; j.Visit++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.runVisit(ctx, j, sess); err != nil {
				return err
			}
		}
		j.Visit = 0

		if err := o.opts.sleep(ctx, o.opts.pauseBetweenSites); err != nil {
			return err
		}
	}
	return nil
}

var errURLTooLong = errors.New("URL exceeds the maximum length")

// recordSkippedBatch records every remaining visit of the current batch as
// skipped. The cursors are left alone; Run resets them for the next batch.
func (o *Orchestrator) recordSkippedBatch(ctx context.Context, j *job.Job, cause error) {
	if o.deps.Recorder == nil {
		return
	}
	site, visit := j.Site, j.Visit
	for ; j.Site < len(j.URLs); j.Site++ {
		for ; j.Visit < j.Visits; j.Visit++ {
			o.record(ctx, o.newRecord(j, model.OutcomeSkipped, cause))
		}
		j.Visit = 0
	}
	j.Site, j.Visit = site, visit
}

// runVisit runs one visit. Only configuration errors are returned.
// Cancellation of ctx does not reach a visit that has started.
func (o *Orchestrator) runVisit(ctx context.Context, j *job.Job, sess NetworkSession) error {
	ctx = context.WithoutCancel(ctx)
	logger := o.logger.With("url", j.URL(), "batch", j.Batch, "site", j.Site, "visit", j.Visit)
	rec := o.newRecord(j, model.OutcomeOK, nil)

	// The checkpoint must be on disk before anything of this visit is, so a
	// resume never skips a visit.
	o.checkpoint(j)

	// A resumed crawl may find the artifacts of an interrupted attempt.
	if err := j.ResetVisit(); err != nil {
		logger.Error("failed to clear an earlier attempt of the visit", "error", err)
		o.finishVisit(ctx, j, rec, model.OutcomeFailed, err)
		return nil
	}

	if err := os.MkdirAll(j.Path(), 0750); err != nil {
		logger.Error("failed to create visit directory", "path", j.Path(), "error", err)
		o.finishVisit(ctx, j, rec, model.OutcomeFailed, err)
		return nil
	}

	browser, err := o.deps.Browser.Launch(ctx, sess.SocksAddr())
	if err != nil {
		if config.IsConfigError(err) {
			return err
		}
		logger.Error("failed to launch browser", "error", err)
		o.finishVisit(ctx, j, rec, model.OutcomeFailed, err)
		return nil
	}
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Warn("failed to close browser", "error", err)
		}
	}()
	browser.SetSoftTimeout(o.opts.softTimeout)

	err = o.visit(ctx, j, browser, logger)
	if err == nil && o.opts.screenshots {
		o.screenshot(ctx, j, browser, logger)
	}

	switch {
	case err == nil:
		res, postErr := o.variant.PostVisit(ctx, j, sess)
		rec.EntryIPs = res.EntryIPs
		rec.PacketsRead = res.Filter.Read
		rec.PacketsKept = res.Filter.Kept
		rec.PacketsStripped = res.Filter.Stripped
		if postErr != nil {
			logger.Warn("post-visit processing failed, keeping the capture as is", "path", j.PcapPath(), "error", postErr)
			rec.Error = postErr.Error()
		}
		logger.Info("visit completed", "captcha", j.HasCaptcha())
		o.finishVisit(ctx, j, rec, model.OutcomeOK, nil)
	case config.IsConfigError(err):
		o.variant.CleanupVisit(j)
		return err
	case isTimeout(err):
		logger.Warn("visit timed out", "error", err)
		o.finishVisit(ctx, j, rec, model.OutcomeTimeout, err)
	default:
		logger.Error("visit failed", "error", err)
		o.finishVisit(ctx, j, rec, model.OutcomeFailed, err)
	}
	return nil
}

// visit is the visit body: capture, navigate, save the page, detect a
// captcha and dwell, all under the hard timeout.
func (o *Orchestrator) visit(ctx context.Context, j *job.Job, browser BrowserSession, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.hardTimeout)
	defer cancel()

	capture, err := o.deps.Sniffer.Start(ctx, j.PcapPath())
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	err = o.browse(ctx, j, browser, logger)

	// The capture keeps writing through a captcha rename of its directory.
	if stopErr := capture.Stop(); stopErr != nil {
		if err == nil {
			return fmt.Errorf("failed to stop capture: %w", stopErr)
		}
		logger.Warn("failed to stop capture", "error", stopErr)
	}
	return err
}

func (o *Orchestrator) browse(ctx context.Context, j *job.Job, browser BrowserSession, logger *slog.Logger) error {
	if err := o.opts.sleep(ctx, o.opts.snifferGrace); err != nil {
		return hardTimeoutErr(ctx, err)
	}

	url, sourcePath := j.URL(), j.SourcePath()
	var found bool
	err := runBounded(ctx, func(ctx context.Context) error {
		if err := browser.Navigate(ctx, url); err != nil {
			return err
		}
		src, err := browser.PageSource(ctx)
		if err != nil {
			return fmt.Errorf("failed to read page source: %w", err)
		}
		if err := os.WriteFile(sourcePath, []byte(src), 0600); err != nil {
			return fmt.Errorf("failed to save page source: %w", err)
		}
		found = captcha.Detect(src)
		return nil
	})
	if err != nil {
		return err
	}

	if found {
		if err := j.MarkCaptcha(); err != nil {
			logger.Warn("captcha detected but the visit directory could not be renamed", "path", j.Path(), "error", err)
		} else {
			logger.Info("captcha detected", "path", j.Path())
		}
	}

	return hardTimeoutErr(ctx, o.opts.sleep(ctx, o.opts.pauseInSite))
}

// hardTimeoutErr turns the expiry of the visit deadline during a pause into
// ErrHardTimeout.
func hardTimeoutErr(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrHardTimeout
	}
	return err
}

// screenshot takes a best-effort screenshot bounded by the screenshot
// timeout, even if the browser ignores cancellation.
func (o *Orchestrator) screenshot(ctx context.Context, j *job.Job, browser BrowserSession, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.screenshotTimeout)
	defer cancel()

	path := j.ScreenshotPath()
	err := runBounded(ctx, func(ctx context.Context) error {
		return browser.Screenshot(ctx, path)
	})
	if err != nil {
		logger.Warn("failed to take screenshot", "path", path, "error", err)
	}
}

func (o *Orchestrator) finishVisit(ctx context.Context, j *job.Job, rec *model.VisitRecord, outcome model.Outcome, err error) {
	o.variant.CleanupVisit(j)

	rec.Outcome = outcome
	if err != nil {
		rec.Error = err.Error()
	}
	rec.Captcha = j.HasCaptcha()
	rec.Dir = filepath.Base(j.Path())
	rec.Duration = o.opts.now().Sub(rec.StartedAt)
	o.record(ctx, rec)
}

func (o *Orchestrator) newRecord(j *job.Job, outcome model.Outcome, err error) *model.VisitRecord {
	rec := &model.VisitRecord{
		Batch:       j.Batch,
		Site:        j.Site,
		Visit:       j.Visit,
		Instance:    j.Instance(),
		GlobalVisit: j.GlobalVisit(),
		URL:         j.URL(),
		Dir:         filepath.Base(j.Path()),
		Outcome:     outcome,
		Captcha:     j.HasCaptcha(),
		StartedAt:   o.opts.now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func (o *Orchestrator) record(ctx context.Context, rec *model.VisitRecord) {
	if o.deps.Recorder == nil {
		return
	}
	// A cancelled crawl still records the visit it was in.
	if err := o.deps.Recorder.RecordVisit(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record visit", "url", rec.URL, "batch", rec.Batch, "site", rec.Site, "visit", rec.Visit, "error", err)
	}
}

func (o *Orchestrator) checkpoint(j *job.Job) {
	if o.deps.Checkpointer == nil {
		return
	}
	if err := o.deps.Checkpointer.Save(j); err != nil {
		o.logger.Warn("failed to save checkpoint", "batch", j.Batch, "site", j.Site, "visit", j.Visit, "error", err)
	}
}
