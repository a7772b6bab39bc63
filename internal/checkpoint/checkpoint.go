package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tbcrawler/internal/job"
)

// FileName is the checkpoint file name inside a crawl directory.
const FileName = "checkpoint.json"

// Version is the snapshot format version.
const Version = 1

// ErrVersionMismatch is reported when a checkpoint was written by an
// incompatible format version.
var ErrVersionMismatch = errors.New("checkpoint version mismatch")

// Snapshot is the serialized form of a crawl in progress.
type Snapshot struct {
	Version  int            `json:"version"`
	SavedAt  time.Time      `json:"saved_at"`
	URLs     []string       `json:"urls"`
	Batches  int            `json:"batches"`
	Visits   int            `json:"visits"`
	Batch    int            `json:"batch"`
	Site     int            `json:"site"`
	Visit    int            `json:"visit"`
	Captchas []bool         `json:"captchas"`
	Root     string         `json:"root"`
	Naming   string         `json:"naming"`
	Config   *config.Config `json:"config,omitempty"`
}

// Job rebuilds the job the snapshot was taken from.
func (s *Snapshot) Job() *job.Job {
	return &job.Job{
		URLs:     append([]string(nil), s.URLs...),
		Batches:  s.Batches,
		Visits:   s.Visits,
		Batch:    s.Batch,
		Site:     s.Site,
		Visit:    s.Visit,
		Captchas: append([]bool(nil), s.Captchas...),
		Root:     s.Root,
		Naming:   job.Naming(s.Naming),
	}
}

// Checkpointer saves and loads the single checkpoint of a crawl directory.
type Checkpointer struct {
	path   string
	config *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithConfig stores the crawl configuration in every snapshot so a resumed
// crawl runs with the same settings.
func WithConfig(cfg *config.Config) Option {
	return func(c *Checkpointer) {
		c.config = cfg
	}
}

// New creates a Checkpointer for the checkpoint file at path.
// If logger is nil, slog.Default() is used.
func New(path string, logger *slog.Logger, opts ...Option) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checkpointer{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the checkpoint file location.
func (c *Checkpointer) Path() string {
	return c.path
}

// Save atomically replaces the checkpoint with a snapshot of j.
func (c *Checkpointer) Save(j *job.Job) error {
	snap := Snapshot{
		Version:  Version,
		SavedAt:  c.now().UTC(),
		URLs:     j.URLs,
		Batches:  j.Batches,
		Visits:   j.Visits,
		Batch:    j.Batch,
		Site:     j.Site,
		Visit:    j.Visit,
		Captchas: j.Captchas,
		Root:     j.Root,
		Naming:   string(j.Naming),
		Config:   c.config,
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	c.logger.Debug("checkpoint saved",
		"path", c.path,
		"batch", j.Batch,
		"site", j.Site,
		"visit", j.Visit)
	return nil
}

// Load reads the checkpoint. It reports false when there is nothing usable
// to resume from; the reason is logged.
func (c *Checkpointer) Load() (*Snapshot, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Info("no checkpoint found", "path", c.path)
		} else {
			c.logger.Warn("failed to read checkpoint", "path", c.path, "error", err)
		}
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("corrupt checkpoint", "path", c.path, "error", err)
		return nil, false
	}
	if snap.Version != Version {
		c.logger.Warn("unusable checkpoint", "path", c.path,
			"error", fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, snap.Version, Version))
		return nil, false
	}
	if err := snap.Job().Validate(); err != nil {
		c.logger.Warn("inconsistent checkpoint", "path", c.path, "error", err)
		return nil, false
	}

	c.logger.Info("checkpoint loaded",
		"path", c.path,
		"saved_at", snap.SavedAt,
		"batch", snap.Batch,
		"site", snap.Site,
		"visit", snap.Visit)
	return &snap, true
}

// Remove deletes the checkpoint. A missing checkpoint is not an error.
func (c *Checkpointer) Remove() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}
