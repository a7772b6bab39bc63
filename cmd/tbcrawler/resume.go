package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nao1215/tbcrawler/internal/checkpoint"
	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tbcrawler/internal/job"
	tblog "github.com/nao1215/tbcrawler/internal/log"
	"github.com/spf13/cobra"
)

// ErrNothingToResume is returned when a crawl directory has no usable checkpoint.
var ErrNothingToResume = errors.New("no usable checkpoint")

// NewResumeCmd creates the resume command.
func NewResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <crawl-dir>",
		Short: "Continue an interrupted crawl",
		Long: `Resume continues a crawl from the checkpoint in its directory.

The crawl restarts at the visit that was about to run when it stopped, with
the settings it was started with. That visit is run again from scratch.

Examples:
  tbcrawler resume ~/.local/share/tbcrawler/crawls/20240101_120000`,
		Args: cobra.ExactArgs(1),
		RunE: runResumeCmd,
	}

	cmd.Flags().String("control-password", "",
		"Control port password of the external Tor (not stored in the checkpoint)")

	return cmd
}

func runResumeCmd(cmd *cobra.Command, args []string) error {
	root := args[0]
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("crawl directory not found: %w", err)
	}

	password, err := cmd.Flags().GetString("control-password")
	if err != nil {
		return err
	}

	verbose := getVerboseFlag(cmd)
	logger, closer, err := tblog.NewCrawlLogger(cmd.ErrOrStderr(), root, verbose)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	cfg, j, err := loadResumable(root, logger)
	if err != nil {
		return err
	}
	cfg.Verbose = verbose
	if password != "" {
		cfg.Tor.ControlPassword = password
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Resuming %s at batch %d, site %d, visit %d\n", root, j.Batch, j.Site, j.Visit)
	return executeCrawl(ctx, cmd.OutOrStdout(), cfg, j, newDeps(cfg, logger), logger)
}

// loadResumable rebuilds the configuration and job of the crawl in root.
// The job is moved to root, so a crawl directory can be resumed after it
// was renamed or copied.
func loadResumable(root string, logger *slog.Logger) (*config.Config, *job.Job, error) {
	snap, ok := checkpoint.New(filepath.Join(root, checkpoint.FileName), logger).Load()
	if !ok {
		return nil, nil, fmt.Errorf("%w in %s", ErrNothingToResume, root)
	}

	j := snap.Job()
	if j.Done() {
		return nil, nil, fmt.Errorf("%w in %s: the crawl has already finished", ErrNothingToResume, root)
	}
	j.Root = root

	cfg := snap.Config
	if cfg == nil {
		cfg = config.NewConfig()
		cfg.Job.Batches = j.Batches
		cfg.Job.Visits = j.Visits
		cfg.Crawl.Naming = string(j.Naming)
	}
	if cfg.Tor.Torrc == nil {
		cfg.Tor.Torrc = make(map[string]string)
	}
	cfg.URLs = j.URLs
	cfg.CrawlDir = root

	if err := validateConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, j, nil
}
