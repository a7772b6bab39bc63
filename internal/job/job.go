package job

import (
	"errors"
	"fmt"
	"os"

	"github.com/nao1215/tbcrawler/internal/config"
)

// ErrInvalidState is returned by Validate when cursors or captcha slots
// violate the job invariants (typically a hand-edited or stale checkpoint).
var ErrInvalidState = errors.New("invalid job state")

// Job is the central mutable entity of a crawl.
//
// URLs, Batches, Visits, Root and Naming are fixed for the lifetime of the
// job. Batch, Site and Visit are zero-based cursors advanced by the crawler.
// Captchas has one slot per (batch, site, visit) triple, indexed by
// GlobalVisit, and every slot is write-once-true.
type Job struct {
	URLs    []string
	Batches int
	Visits  int

	Batch int
	Site  int
	Visit int

	Captchas []bool

	// Root is the crawl directory every visit directory is created in.
	Root string

	// Naming selects the site component of visit directory names.
	Naming Naming
}

// Option configures a Job at creation.
type Option func(*Job)

// WithNaming sets the directory naming scheme.
func WithNaming(n Naming) Option {
	return func(j *Job) {
		j.Naming = n
	}
}

// New creates a job positioned at the first visit of the first batch.
// Invalid shapes are reported as configuration errors.
func New(urls []string, batches, visits int, root string, opts ...Option) (*Job, error) {
	if len(urls) == 0 {
		return nil, config.ErrNoURLs
	}
	if batches <= 0 {
		return nil, config.ErrInvalidBatches
	}
	if visits <= 0 {
		return nil, config.ErrInvalidVisits
	}

	j := &Job{
		URLs:     append([]string(nil), urls...),
		Batches:  batches,
		Visits:   visits,
		Captchas: make([]bool, batches*len(urls)*visits),
		Root:     root,
		Naming:   NamingIndex,
	}
	for _, opt := range opts {
		opt(j)
	}

	switch j.Naming {
	case NamingIndex, NamingHostname:
	default:
		return nil, config.ErrInvalidNaming
	}

	return j, nil
}

// Total returns the number of visits of the whole crawl.
func (j *Job) Total() int {
	return j.Batches * len(j.URLs) * j.Visits
}

// Instance returns the number of this visit among all visits to the current
// site across batches.
func (j *Job) Instance() int {
	return j.Batch*j.Visits + j.Visit
}

// GlobalVisit returns the captcha slot index of the current visit.
func (j *Job) GlobalVisit() int {
	return j.GlobalVisitOf(j.Batch, j.Site, j.Visit)
}

// GlobalVisitOf maps a (batch, site, visit) triple to its unique slot in
// [0, Total()).
func (j *Job) GlobalVisitOf(batch, site, visit int) int {
	return site*j.Visits + batch*j.Visits*len(j.URLs) + visit
}

// URL returns the URL of the current site.
func (j *Job) URL() string {
	return j.URLs[j.Site]
}

// HasCaptcha reports whether a captcha was detected on the current visit.
func (j *Job) HasCaptcha() bool {
	return j.Captchas[j.GlobalVisit()]
}

// CaptchaCount returns the number of visits flagged with a captcha.
func (j *Job) CaptchaCount() int {
	n := 0
	for _, c := range j.Captchas {
		if c {
			n++
		}
	}
	return n
}

// MarkCaptcha flags the current visit and renames its directory in place to
// carry the captcha prefix. The slot is only set once the rename succeeded,
// so Path() always names the directory that exists on disk.
// Marking an already flagged visit is a no-op.
func (j *Job) MarkCaptcha() error {
	gv := j.GlobalVisit()
	if j.Captchas[gv] {
		return nil
	}

	src := j.Path()
	dst := CaptchaPath(src)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", src, dst, err)
	}

	j.Captchas[gv] = true
	return nil
}

// ResetVisit removes what an earlier attempt of the current visit left on
// disk, with or without the captcha prefix, and clears its captcha flag.
// A resumed crawl runs the visit it stopped in again from scratch.
func (j *Job) ResetVisit() error {
	j.Captchas[j.GlobalVisit()] = false

	dir := j.Path()
	for _, d := range []string{dir, CaptchaPath(dir)} {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("failed to remove %s: %w", d, err)
		}
	}
	return nil
}

// Done reports whether every batch has been crawled.
func (j *Job) Done() bool {
	return j.Batch >= j.Batches
}

// Validate checks the job invariants. A job that has completed every batch
// is valid with Batch == Batches and the inner cursors wrapped to zero.
func (j *Job) Validate() error {
	switch {
	case len(j.URLs) == 0:
		return fmt.Errorf("%w: no URLs", ErrInvalidState)
	case j.Batches <= 0 || j.Visits <= 0:
		return fmt.Errorf("%w: batches=%d visits=%d", ErrInvalidState, j.Batches, j.Visits)
	case len(j.Captchas) != j.Total():
		return fmt.Errorf("%w: %d captcha slots, want %d", ErrInvalidState, len(j.Captchas), j.Total())
	case j.Batch < 0 || j.Batch > j.Batches:
		return fmt.Errorf("%w: batch %d out of range", ErrInvalidState, j.Batch)
	case j.Site < 0 || j.Site >= len(j.URLs):
		return fmt.Errorf("%w: site %d out of range", ErrInvalidState, j.Site)
	case j.Visit < 0 || j.Visit >= j.Visits:
		return fmt.Errorf("%w: visit %d out of range", ErrInvalidState, j.Visit)
	case j.Batch == j.Batches && (j.Site != 0 || j.Visit != 0):
		return fmt.Errorf("%w: completed job with non-zero cursors", ErrInvalidState)
	}

	switch j.Naming {
	case NamingIndex, NamingHostname:
	default:
		return fmt.Errorf("%w: naming %q", ErrInvalidState, j.Naming)
	}
	return nil
}

// String returns a short summary used in log lines.
func (j *Job) String() string {
	return fmt.Sprintf("Batches: %d, Sites: %d, Visits: %d", j.Batches, len(j.URLs), j.Visits)
}
